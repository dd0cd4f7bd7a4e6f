package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swapdesk/internal/activity"
	"github.com/alanyoungcy/swapdesk/internal/domain"
	"github.com/alanyoungcy/swapdesk/internal/testutil"
)

const swapper = "0x1111111111111111111111111111111111111111"

var (
	weth = domain.Currency{ChainID: 1, Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Symbol: "WETH", Decimals: 18}
	usdc = domain.Currency{ChainID: 1, Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Symbol: "USDC", Decimals: 6}
)

// scriptedSource answers polls from a per-hash status table.
type scriptedSource struct {
	mu     sync.Mutex
	status map[string]domain.OrderUpdate
	calls  int
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{status: make(map[string]domain.OrderUpdate)}
}

func (s *scriptedSource) set(u domain.OrderUpdate) {
	s.mu.Lock()
	s.status[u.Hash] = u
	s.mu.Unlock()
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedSource) GetOrders(_ context.Context, _ string, hashes []string) ([]domain.OrderUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	var out []domain.OrderUpdate
	for _, h := range hashes {
		if u, ok := s.status[h]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

type mockBalances struct{ mock.Mock }

func (m *mockBalances) RefreshBalances(ctx context.Context, owner string, currencies ...domain.Currency) error {
	return m.Called(ctx, owner, currencies).Error(0)
}

type mockNotifier struct{ mock.Mock }

func (m *mockNotifier) Notify(ctx context.Context, event, title, message string) error {
	return m.Called(ctx, event, title, message).Error(0)
}

func openOrder(hash string, at time.Time) domain.Order {
	return domain.Order{
		Hash:        hash,
		ChainID:     1,
		Swapper:     swapper,
		Protocol:    domain.RoutingDutchV2,
		Status:      domain.OrderStatusOpen,
		Input:       weth,
		Output:      usdc,
		AmountIn:    "1000",
		AmountOut:   "3000",
		SubmittedAt: at,
		UpdatedAt:   at,
	}
}

func TestForwardOnlyTransitions(t *testing.T) {
	tr := NewTracker(Deps{Source: newScriptedSource()}, time.Hour, testutil.TestLogger())
	defer tr.Close()
	ctx := context.Background()
	require.NoError(t, tr.Track(ctx, openOrder("0xa", time.Now())))

	tr.Apply(ctx, []domain.OrderUpdate{{Hash: "0xa", Status: domain.OrderStatusInsufficientFunds}})
	o, _ := tr.Get("0xa")
	assert.Equal(t, domain.OrderStatusInsufficientFunds, o.Status, "insufficient funds is not terminal")

	tr.Apply(ctx, []domain.OrderUpdate{{Hash: "0xa", Status: domain.OrderStatusOpen}})
	o, _ = tr.Get("0xa")
	assert.Equal(t, domain.OrderStatusInsufficientFunds, o.Status, "never returns to open")

	tr.Apply(ctx, []domain.OrderUpdate{{Hash: "0xa", Status: domain.OrderStatusExpired}})
	tr.Apply(ctx, []domain.OrderUpdate{{Hash: "0xa", Status: domain.OrderStatusFilled, FillTxHash: "0xfill"}})
	o, _ = tr.Get("0xa")
	assert.Equal(t, domain.OrderStatusExpired, o.Status, "terminal is final")
	assert.Empty(t, o.FillTxHash)
}

func TestFilledRefreshesBothBalances(t *testing.T) {
	bal := new(mockBalances)
	bal.On("RefreshBalances", mock.Anything, swapper, []domain.Currency{weth, usdc}).Return(nil).Once()

	var (
		mu   sync.Mutex
		seen []string
	)
	RegisterTransitionRecorder(func(from, to string) {
		mu.Lock()
		seen = append(seen, from+">"+to)
		mu.Unlock()
	})
	defer RegisterTransitionRecorder(nil)

	tr := NewTracker(Deps{Source: newScriptedSource(), Balances: bal}, time.Hour, testutil.TestLogger())
	defer tr.Close()
	ctx := context.Background()
	require.NoError(t, tr.Track(ctx, openOrder("0xa", time.Now())))

	tr.Apply(ctx, []domain.OrderUpdate{{Hash: "0xa", Status: domain.OrderStatusFilled, FillTxHash: "0xfill"}})
	tr.Apply(ctx, []domain.OrderUpdate{{Hash: "0xa", Status: domain.OrderStatusFilled, FillTxHash: "0xfill"}})

	bal.AssertExpectations(t)
	assert.Equal(t, []string{"open>filled"}, seen)
}

func TestExpiredNotifies(t *testing.T) {
	n := new(mockNotifier)
	n.On("Notify", mock.Anything, EventOrderExpired, mock.Anything, mock.Anything).Return(nil).Once()

	tr := NewTracker(Deps{Source: newScriptedSource(), Notifier: n}, time.Hour, testutil.TestLogger())
	defer tr.Close()
	ctx := context.Background()
	require.NoError(t, tr.Track(ctx, openOrder("0xa", time.Now())))
	tr.Apply(ctx, []domain.OrderUpdate{{Hash: "0xa", Status: domain.OrderStatusExpired}})

	n.AssertExpectations(t)
}

func TestPollingStopsWhenAllTerminal(t *testing.T) {
	src := newScriptedSource()
	tr := NewTracker(Deps{Source: src}, 5*time.Millisecond, testutil.TestLogger())
	defer tr.Close()
	ctx := context.Background()

	require.NoError(t, tr.Track(ctx, openOrder("0xa", time.Now())))
	assert.True(t, tr.Polling())

	src.set(domain.OrderUpdate{Hash: "0xa", Status: domain.OrderStatusFilled, FillTxHash: "0xfill"})
	require.Eventually(t, func() bool { return !tr.Polling() }, time.Second, 5*time.Millisecond)

	calls := src.Calls()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, src.Calls(), "terminal orders are not polled")

	// A new open order restarts the poller.
	require.NoError(t, tr.Track(ctx, openOrder("0xb", time.Now())))
	assert.True(t, tr.Polling())
}

func TestCloseStopsPolling(t *testing.T) {
	tr := NewTracker(Deps{Source: newScriptedSource()}, 5*time.Millisecond, testutil.TestLogger())
	require.NoError(t, tr.Track(context.Background(), openOrder("0xa", time.Now())))
	require.NoError(t, tr.Close())
	assert.False(t, tr.Polling())

	require.NoError(t, tr.Track(context.Background(), openOrder("0xb", time.Now())))
	assert.False(t, tr.Polling(), "closed tracker does not restart")
}

func TestLocalAndRemoteCollapseToOneEntry(t *testing.T) {
	reg := activity.NewRegistry(nil, testutil.TestLogger())
	tr := NewTracker(Deps{Source: newScriptedSource(), Activity: reg}, time.Hour, testutil.TestLogger())
	defer tr.Close()
	ctx := context.Background()

	require.NoError(t, tr.Track(ctx, openOrder("0xa", time.Now())))

	merged := Deduplicate(reg.Local(swapper), tr.Remote(swapper))
	require.Len(t, merged, 1)
	assert.Equal(t, domain.SourceLocal, merged[0].Source, "optimistic local copy until the service reports it")

	tr.Apply(ctx, []domain.OrderUpdate{{Hash: "0xa", Status: domain.OrderStatusFilled, FillTxHash: "0xfill"}})

	merged = Deduplicate(reg.Local(swapper), tr.Remote(swapper))
	require.Len(t, merged, 1)
	assert.Equal(t, domain.SourceRemote, merged[0].Source)
	assert.Equal(t, "filled", merged[0].Status)
	assert.Equal(t, "0xfill", merged[0].TxHash)

	local := reg.Local(swapper)
	require.Len(t, local, 1)
	assert.Equal(t, "filled", local[0].Status, "local copy follows the remote status")
}

func TestDeduplicate(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	local := []domain.ActivityRecord{
		{ID: "l1", OrderHash: "0xa", Status: "open", Source: domain.SourceLocal, Timestamp: t0},
		{ID: "l2", TxHash: "0xtx", Status: "pending", Source: domain.SourceLocal, Timestamp: t0.Add(time.Second)},
		{ID: "l3", TxHash: "0xonly", Status: "pending", Source: domain.SourceLocal, Timestamp: t0.Add(3 * time.Second)},
	}
	remote := []domain.ActivityRecord{
		{ID: "r1", OrderHash: "0xa", Status: "filled", Source: domain.SourceRemote, Timestamp: t0.Add(2 * time.Second)},
		{ID: "r2", TxHash: "0xtx", Status: "confirmed", Source: domain.SourceRemote, Timestamp: t0.Add(time.Second)},
	}

	got := Deduplicate(local, remote)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"l3", "r1", "r2"}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.Empty(t, Deduplicate(nil, nil))
}
