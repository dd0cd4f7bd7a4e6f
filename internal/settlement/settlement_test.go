package settlement

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swapdesk/internal/activity"
	"github.com/alanyoungcy/swapdesk/internal/approval"
	"github.com/alanyoungcy/swapdesk/internal/chain"
	"github.com/alanyoungcy/swapdesk/internal/domain"
	"github.com/alanyoungcy/swapdesk/internal/pricing"
	"github.com/alanyoungcy/swapdesk/internal/testutil"
)

const (
	owner  = "0x1111111111111111111111111111111111111111"
	router = "0x66a9893cC07D91D95644AEDD05D03f95e1dBA8Af"
)

var (
	eth  = domain.Currency{ChainID: 1, Address: domain.NativeAddress, Symbol: "ETH", Decimals: 18, Native: true}
	weth = domain.Currency{ChainID: 1, Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Symbol: "WETH", Decimals: 18}
	usdc = domain.Currency{ChainID: 1, Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Symbol: "USDC", Decimals: 6}
)

type mockApprover struct{ mock.Mock }

func (m *mockApprover) Permit(chainID int64, token string, amount *big.Int) *domain.Permit {
	args := m.Called(chainID, token, amount)
	p, _ := args.Get(0).(*domain.Permit)
	return p
}

func (m *mockApprover) ConsumePermit() { m.Called() }

func (m *mockApprover) EnsureApproved(ctx context.Context, req approval.Requirement) error {
	return m.Called(ctx, req).Error(0)
}

type mockSubmitter struct{ mock.Mock }

func (m *mockSubmitter) SubmitOrder(ctx context.Context, trade domain.DelegatedTrade, signature string) (string, error) {
	args := m.Called(ctx, trade, signature)
	return args.String(0), args.Error(1)
}

type mockSink struct{ mock.Mock }

func (m *mockSink) Track(ctx context.Context, order domain.Order) error {
	return m.Called(ctx, order).Error(0)
}

type mockNotifier struct{ mock.Mock }

func (m *mockNotifier) Notify(ctx context.Context, event, title, message string) error {
	return m.Called(ctx, event, title, message).Error(0)
}

type nopBalances struct{}

func (nopBalances) RefreshBalances(context.Context, string, ...domain.Currency) error { return nil }

type fixture struct {
	wallet    *testutil.FakeWallet
	approver  *mockApprover
	submitter *mockSubmitter
	sink      *mockSink
	notifier  *mockNotifier
	registry  *activity.Registry
	coord     *Coordinator
	now       time.Time
}

func newFixture(t *testing.T, fast bool) *fixture {
	t.Helper()
	f := &fixture{
		wallet:    testutil.NewFakeWallet(owner),
		approver:  new(mockApprover),
		submitter: new(mockSubmitter),
		sink:      new(mockSink),
		notifier:  new(mockNotifier),
		registry:  activity.NewRegistry(nil, testutil.TestLogger()),
		now:       time.Unix(1_700_000_000, 0),
	}
	f.wallet.AutoMine = true
	f.coord = NewCoordinator(Deps{
		Wallet:    f.wallet,
		Approver:  f.approver,
		Evaluator: pricing.NewEvaluator(nil, 50, 550),
		Orders:    f.submitter,
		Sink:      f.sink,
		Registry:  f.registry,
		Balances:  nopBalances{},
		Notifier:  f.notifier,
	}, map[int64]Chain{1: {Router: router, WrappedNative: weth.Address, Fast: fast}},
		Config{ReceiptPoll: time.Millisecond},
		testutil.TestLogger(),
	)
	f.coord.now = func() time.Time { return f.now }
	return f
}

func classicCandidate(in, out domain.Currency) domain.TradeCandidate {
	return domain.TradeCandidate{
		State: domain.CandidateValid,
		Trade: domain.ClassicTrade{
			TradeType:   domain.TradeTypeExactInput,
			Input:       in,
			Output:      out,
			AmountIn:    big.NewInt(1_000_000),
			AmountOut:   big.NewInt(999_000),
			Route:       []domain.RouteHop{{Pool: "0xpool", TokenIn: in.TokenAddress(), TokenOut: out.Address, FeePips: 500}},
			PriceImpact: big.NewRat(1, 1000),
		},
		QuotedAt: time.Unix(1_700_000_000, 0),
	}
}

func orderTypedData(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {{Name: "name", Type: "string"}},
			"Order":        {{Name: "amount", Type: "uint256"}},
		},
		PrimaryType: "Order",
		Domain:      apitypes.TypedDataDomain{Name: "Permit2"},
		Message:     apitypes.TypedDataMessage{"amount": "1000"},
	})
	require.NoError(t, err)
	return raw
}

func delegatedCandidate(t *testing.T, in domain.Currency, tol *big.Rat) domain.TradeCandidate {
	return domain.TradeCandidate{
		State: domain.CandidateValid,
		Trade: domain.DelegatedTrade{
			Protocol:          domain.RoutingDutchV2,
			TradeType:         domain.TradeTypeExactInput,
			Input:             in,
			Output:            usdc,
			AmountIn:          big.NewInt(1_000),
			AmountOut:         big.NewInt(3_000),
			EncodedOrder:      "0xdeadbeef",
			OrderHash:         "0xorder",
			TypedData:         orderTypedData(t),
			SlippageTolerance: tol,
			Deadline:          time.Unix(1_700_000_600, 0),
		},
		QuotedAt: time.Unix(1_700_000_000, 0),
	}
}

func sentDeadline(t *testing.T, w *testutil.FakeWallet) int64 {
	t.Helper()
	_, deadline, err := chain.DecodeCommands(w.LastSent().Data)
	require.NoError(t, err)
	return deadline.Int64()
}

func TestClassicDeadlines(t *testing.T) {
	tests := []struct {
		name string
		fast bool
		want time.Duration
	}{
		{"default chain", false, 30 * time.Minute},
		{"fast chain", true, 5 * time.Minute},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.fast)
			f.approver.On("Permit", int64(1), weth.Address, mock.Anything).Return(nil)

			res, err := f.coord.Settle(context.Background(), Request{Owner: owner, Candidate: classicCandidate(weth, usdc)})
			require.NoError(t, err)

			assert.Equal(t, domain.RoutingClassic, res.Routing)
			assert.Equal(t, f.now.Add(tc.want).Unix(), sentDeadline(t, f.wallet))
			assert.Equal(t, router, f.wallet.LastSent().To)

			pending := f.registry.Pending(owner)
			require.Len(t, pending, 1)
			assert.Equal(t, res.TxHash, pending[0].Hash)
			assert.Equal(t, domain.TxKindSwap, pending[0].Kind)
			f.approver.AssertNotCalled(t, "ConsumePermit")
		})
	}
}

func TestClassicNativeInputCarriesValue(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.coord.Settle(context.Background(), Request{Owner: owner, Candidate: classicCandidate(eth, usdc)})
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), f.wallet.LastSent().Value.Int64())
	f.approver.AssertNotCalled(t, "Permit", mock.Anything, mock.Anything, mock.Anything)
}

func TestClassicUsesHeldPermit(t *testing.T) {
	f := newFixture(t, false)
	permit := &domain.Permit{
		Token:       weth.Address,
		Spender:     router,
		Amount:      chain.MaxUint160,
		Expiration:  f.now.Add(time.Hour),
		SigDeadline: f.now.Add(time.Hour),
		Signature:   "0x" + strings.Repeat("ab", 65),
	}
	f.approver.On("Permit", int64(1), weth.Address, mock.Anything).Return(permit)
	f.approver.On("ConsumePermit").Return()

	_, err := f.coord.Settle(context.Background(), Request{Owner: owner, Candidate: classicCandidate(weth, usdc)})
	require.NoError(t, err)
	f.approver.AssertCalled(t, "ConsumePermit")
}

func TestClassicRejectionLeavesNoActivity(t *testing.T) {
	f := newFixture(t, false)
	f.approver.On("Permit", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.wallet.RejectNext = 1

	_, err := f.coord.Settle(context.Background(), Request{Owner: owner, Candidate: classicCandidate(weth, usdc)})
	assert.ErrorIs(t, err, domain.ErrUserRejected)
	assert.Empty(t, f.registry.Pending(owner))
	f.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.False(t, f.coord.InFlight())
}

func TestNotSettleable(t *testing.T) {
	f := newFixture(t, false)
	cand := classicCandidate(weth, usdc)
	cand.State = domain.CandidateStale

	_, err := f.coord.Settle(context.Background(), Request{Owner: owner, Candidate: cand})
	assert.ErrorIs(t, err, domain.ErrNotSettleable)
	assert.Zero(t, f.wallet.SentCount())
}

func TestDelegatedNonPositiveSlippageRejectedBeforeSigning(t *testing.T) {
	for _, tol := range []*big.Rat{nil, new(big.Rat), big.NewRat(-1, 100)} {
		f := newFixture(t, false)
		_, err := f.coord.Settle(context.Background(), Request{Owner: owner, Candidate: delegatedCandidate(t, weth, tol)})
		assert.ErrorIs(t, err, domain.ErrInvalidSlippage)
		assert.Zero(t, f.wallet.SignedCount())
		assert.Zero(t, f.wallet.SentCount())
		f.approver.AssertNotCalled(t, "EnsureApproved", mock.Anything, mock.Anything)
	}
}

func TestDelegatedSignsAndSubmits(t *testing.T) {
	f := newFixture(t, false)
	f.approver.On("EnsureApproved", mock.Anything, approval.Requirement{
		ChainID: 1, Owner: owner, Token: weth.Address, Amount: big.NewInt(1_000), SkipDelegated: true,
	}).Return(nil)
	f.submitter.On("SubmitOrder", mock.Anything, mock.Anything, "0x"+strings.Repeat("ab", 65)).Return("0xorder", nil)
	f.sink.On("Track", mock.Anything, mock.MatchedBy(func(o domain.Order) bool {
		return o.Hash == "0xorder" && o.Status == domain.OrderStatusOpen && o.Input.Equal(weth)
	})).Return(nil)

	res, err := f.coord.Settle(context.Background(), Request{Owner: owner, Candidate: delegatedCandidate(t, weth, big.NewRat(1, 200))})
	require.NoError(t, err)

	assert.Equal(t, "0xorder", res.OrderHash)
	assert.Nil(t, res.WrappedInput)
	assert.Equal(t, 1, f.wallet.SignedCount())
	assert.Equal(t, "Order", f.wallet.Signed[0].PrimaryType)
	assert.Zero(t, f.wallet.SentCount())
	f.sink.AssertExpectations(t)
}

func TestDelegatedNativeInputWrapsFirst(t *testing.T) {
	f := newFixture(t, false)
	f.approver.On("EnsureApproved", mock.Anything, mock.MatchedBy(func(r approval.Requirement) bool {
		// By the time approval runs the deposit has been sent.
		return r.Token == weth.Address && r.SkipDelegated && f.wallet.SentCount() == 1
	})).Return(nil)
	f.submitter.On("SubmitOrder", mock.Anything, mock.Anything, mock.Anything).Return("0xorder", nil)
	f.sink.On("Track", mock.Anything, mock.MatchedBy(func(o domain.Order) bool {
		return o.Input.Address == weth.Address && o.Input.Symbol == "WETH"
	})).Return(nil)

	res, err := f.coord.Settle(context.Background(), Request{Owner: owner, Candidate: delegatedCandidate(t, eth, big.NewRat(1, 200))})
	require.NoError(t, err)

	require.NotNil(t, res.WrappedInput)
	assert.Equal(t, weth.Address, res.WrappedInput.Address)
	assert.NotEmpty(t, res.WrapTxHash)

	wrap := f.wallet.Sent[0]
	assert.Equal(t, weth.Address, wrap.To)
	assert.Equal(t, int64(1_000), wrap.Value.Int64())

	// The deposit confirmed and left pending activity.
	assert.Empty(t, f.registry.Pending(owner))
	f.approver.AssertExpectations(t)
}

func TestDelegatedWrapRevertFails(t *testing.T) {
	f := newFixture(t, false)
	f.wallet.AutoMine = false
	f.wallet.OnSend = func(_ domain.TxRequest, hash string) { f.wallet.Mine(hash, 0) }
	f.notifier.On("Notify", mock.Anything, EventWrapFailed, mock.Anything, mock.Anything).Return(nil)

	_, err := f.coord.Settle(context.Background(), Request{Owner: owner, Candidate: delegatedCandidate(t, eth, big.NewRat(1, 200))})
	assert.ErrorIs(t, err, domain.ErrTransactionFailed)
	assert.Zero(t, f.wallet.SignedCount())
	f.notifier.AssertExpectations(t)
}

func TestOneSettlementInFlight(t *testing.T) {
	f := newFixture(t, false)
	f.approver.On("Permit", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.wallet.OnSend = func(domain.TxRequest, string) {
		close(entered)
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.Settle(context.Background(), Request{Owner: owner, Candidate: classicCandidate(weth, usdc)})
		done <- err
	}()
	<-entered

	_, err := f.coord.Settle(context.Background(), Request{Owner: owner, Candidate: classicCandidate(weth, usdc)})
	assert.ErrorIs(t, err, domain.ErrSettlementInFlight)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, f.coord.InFlight())
}

func TestQuoteSettlesOnce(t *testing.T) {
	f := newFixture(t, false)
	f.approver.On("Permit", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	cand := classicCandidate(weth, usdc)
	ct := cand.Trade.(domain.ClassicTrade)
	ct.QuoteID = "q-1"
	cand.Trade = ct

	_, err := f.coord.Settle(context.Background(), Request{Owner: owner, Candidate: cand})
	require.NoError(t, err)
	_, err = f.coord.Settle(context.Background(), Request{Owner: owner, Candidate: cand})
	assert.ErrorIs(t, err, domain.ErrNotSettleable)
	assert.Equal(t, 1, f.wallet.SentCount())
}
