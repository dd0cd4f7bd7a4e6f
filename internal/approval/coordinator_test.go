package approval

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swapdesk/internal/allowance"
	"github.com/alanyoungcy/swapdesk/internal/chain"
	"github.com/alanyoungcy/swapdesk/internal/domain"
	"github.com/alanyoungcy/swapdesk/internal/testutil"
)

const (
	owner   = "0x1111111111111111111111111111111111111111"
	usdc    = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	usdt    = "0xdAC17F958D2ee523a2206206994597C13D831ec7"
	permit2 = "0x000000000022D473030F116dDEE9F6B43aC78BA3"
	router  = "0x66a9893cC07D91D95644AEDD05D03f95e1dBA8Af"
)

type harness struct {
	chain  *testutil.FakeChain
	wallet *testutil.FakeWallet
	coord  *Coordinator
}

// newHarness wires a coordinator whose wallet applies approve calls to the
// fake chain when they are sent.
func newHarness(t *testing.T, permits bool) *harness {
	t.Helper()
	fc := testutil.NewFakeChain()
	w := testutil.NewFakeWallet(owner)
	w.AutoMine = true
	w.OnSend = func(req domain.TxRequest, _ string) {
		if spender, amount, err := chain.DecodeApprove(req.Data); err == nil {
			fc.SetTokenAllowance(req.From, req.To, spender, amount)
			return
		}
		if token, spender, amount, exp, err := chain.DecodeDelegatedApprove(req.Data); err == nil {
			fc.SetDelegatedAllowance(req.From, token, spender, amount, exp)
		}
	}

	mem := allowance.NewMemoryCache()
	tracker := allowance.NewTracker(map[int64]allowance.ChainReader{1: fc}, mem, mem, testutil.TestLogger())
	coord := NewCoordinator(tracker, w,
		map[int64]Contracts{1: {DelegatedSpender: permit2, SettlementContract: router, PermitSignatures: permits}},
		NewResetPolicy(map[int64][]string{1: {usdt}}),
		Config{ReceiptPoll: time.Millisecond},
		testutil.TestLogger(),
	)
	return &harness{chain: fc, wallet: w, coord: coord}
}

func requirement(token string, amount int64) Requirement {
	return Requirement{ChainID: 1, Owner: owner, Token: token, Amount: big.NewInt(amount)}
}

func TestSequenceFromZeroAllowances(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	var seen []State
	st, err := h.coord.Check(ctx, requirement(usdc, 1_000))
	require.NoError(t, err)
	seen = append(seen, st.State)

	for st.State != StateNoneNeeded {
		st, err = h.coord.Execute(ctx)
		require.NoError(t, err)
		seen = append(seen, st.State)
	}

	assert.Equal(t, []State{StateNeedsTokenApproval, StateNeedsDelegatedApproval, StateNoneNeeded}, seen)
	assert.Equal(t, 2, h.wallet.SentCount())
}

func TestResetBeforeRaise(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.chain.SetTokenAllowance(owner, usdt, permit2, big.NewInt(10))

	st, err := h.coord.Check(ctx, requirement(usdt, 1_000))
	require.NoError(t, err)
	assert.Equal(t, StateNeedsReset, st.State)

	st, err = h.coord.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateNeedsTokenApproval, st.State)

	spender, amount, err := chain.DecodeApprove(h.wallet.Sent[0].Data)
	require.NoError(t, err)
	assert.Equal(t, permit2, spender)
	assert.Zero(t, amount.Sign())
}

func TestNoResetForUnlistedToken(t *testing.T) {
	h := newHarness(t, false)
	h.chain.SetTokenAllowance(owner, usdc, permit2, big.NewInt(10))

	st, err := h.coord.Check(context.Background(), requirement(usdc, 1_000))
	require.NoError(t, err)
	assert.Equal(t, StateNeedsTokenApproval, st.State)
}

func TestDelegatedAllowanceExpired(t *testing.T) {
	h := newHarness(t, false)
	h.chain.SetTokenAllowance(owner, usdc, permit2, chain.MaxUint256)
	h.chain.SetDelegatedAllowance(owner, usdc, router, chain.MaxUint160, time.Now().Add(-time.Minute))

	st, err := h.coord.Check(context.Background(), requirement(usdc, 1_000))
	require.NoError(t, err)
	assert.Equal(t, StateNeedsDelegatedApproval, st.State)
}

func TestSkipDelegatedForOrders(t *testing.T) {
	h := newHarness(t, false)
	h.chain.SetTokenAllowance(owner, usdc, permit2, chain.MaxUint256)

	req := requirement(usdc, 1_000)
	req.SkipDelegated = true
	st, err := h.coord.Check(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StateNoneNeeded, st.State)
}

func TestNativeNeedsNothing(t *testing.T) {
	h := newHarness(t, false)
	st, err := h.coord.Check(context.Background(), requirement(domain.NativeAddress, 1_000))
	require.NoError(t, err)
	assert.Equal(t, StateNoneNeeded, st.State)
	assert.Zero(t, h.chain.ReadCount())
}

func TestRejectionRestoresPreSubmitState(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	st, err := h.coord.Check(ctx, requirement(usdc, 1_000))
	require.NoError(t, err)
	require.Equal(t, StateNeedsTokenApproval, st.State)

	h.wallet.RejectNext = 1
	st, err = h.coord.Execute(ctx)
	assert.ErrorIs(t, err, domain.ErrUserRejected)
	assert.Equal(t, StateNeedsTokenApproval, st.State)
	assert.NotEmpty(t, st.Error)

	// Retry works without re-checking.
	st, err = h.coord.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateNeedsDelegatedApproval, st.State)
}

func TestRevertedApprovalFails(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.wallet.AutoMine = false
	h.wallet.OnSend = func(_ domain.TxRequest, hash string) { h.wallet.Mine(hash, 0) }

	_, err := h.coord.Check(ctx, requirement(usdc, 1_000))
	require.NoError(t, err)
	st, err := h.coord.Execute(ctx)
	assert.ErrorIs(t, err, domain.ErrTransactionFailed)
	assert.Equal(t, StateFailed, st.State)
}

func TestStepsAreSerialized(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.wallet.AutoMine = false

	sent := make(chan string, 1)
	h.wallet.OnSend = func(_ domain.TxRequest, hash string) { sent <- hash }

	_, err := h.coord.Check(ctx, requirement(usdc, 1_000))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = h.coord.Execute(ctx)
	}()
	hash := <-sent

	assert.True(t, h.coord.Status().State.Busy())
	_, err = h.coord.Execute(ctx)
	assert.ErrorIs(t, err, domain.ErrStepInProgress)
	_, err = h.coord.Check(ctx, requirement(usdc, 1_000))
	assert.ErrorIs(t, err, domain.ErrStepInProgress)

	// The approval lands on chain.
	h.chain.SetTokenAllowance(owner, usdc, permit2, chain.MaxUint256)

	h.wallet.Mine(hash, 1)
	wg.Wait()
	assert.Equal(t, StateNeedsDelegatedApproval, h.coord.Status().State)
}

func TestPermitSignatureSatisfiesDelegatedAllowance(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.chain.SetTokenAllowance(owner, usdc, permit2, chain.MaxUint256)

	st, err := h.coord.Check(ctx, requirement(usdc, 1_000))
	require.NoError(t, err)
	require.Equal(t, StateNeedsDelegatedApproval, st.State)

	st, err = h.coord.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateNoneNeeded, st.State)
	assert.True(t, st.Permit)
	assert.Equal(t, 1, h.wallet.SignedCount())
	assert.Zero(t, h.wallet.SentCount())

	p := h.coord.Permit(1, usdc, big.NewInt(1_000))
	require.NotNil(t, p)
	assert.Equal(t, router, p.Spender)

	// An expired permit is re-requested even though it was never used.
	h.coord.now = func() time.Time { return time.Now().Add(time.Hour) }
	assert.Nil(t, h.coord.Permit(1, usdc, big.NewInt(1_000)))
	st, err = h.coord.Check(ctx, requirement(usdc, 1_000))
	require.NoError(t, err)
	assert.Equal(t, StateNeedsDelegatedApproval, st.State)
}

func TestEnsureApproved(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.coord.EnsureApproved(context.Background(), requirement(usdc, 1_000)))
	assert.Equal(t, StateNoneNeeded, h.coord.Status().State)
	assert.Equal(t, 2, h.wallet.SentCount())
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateUnknown, StateChecking, true},
		{StateChecking, StateNeedsReset, true},
		{StateNeedsTokenApproval, StateSubmitting, true},
		{StateSubmitting, StateConfirming, true},
		{StateConfirming, StateDone, true},
		{StateSubmitting, StateRejected, true},
		{StateRejected, StateNeedsTokenApproval, true},
		{StateNoneNeeded, StateSubmitting, false},
		{StateDone, StateConfirming, false},
		{StateConfirming, StateUnknown, true},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, IsTransitionAllowed(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}
