package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swapdesk/internal/activity"
	"github.com/alanyoungcy/swapdesk/internal/domain"
	"github.com/alanyoungcy/swapdesk/internal/testutil"
)

type watcherFixture struct {
	wallet   *testutil.FakeWallet
	registry *activity.Registry
	notifier *mockNotifier
	watcher  *Watcher
	now      time.Time
}

func newWatcherFixture(t *testing.T) *watcherFixture {
	t.Helper()
	f := &watcherFixture{
		wallet:   testutil.NewFakeWallet(owner),
		registry: activity.NewRegistry(nil, testutil.TestLogger()),
		notifier: new(mockNotifier),
		now:      time.Unix(1_700_000_000, 0),
	}
	f.watcher = NewWatcher(f.wallet, f.registry, nopBalances{}, f.notifier, time.Millisecond, testutil.TestLogger())
	f.watcher.now = func() time.Time { return f.now }
	return f
}

// submit sends a swap through the fake wallet so it has a hash the wallet
// knows, and records it as pending.
func (f *watcherFixture) submit(t *testing.T) string {
	t.Helper()
	hash, err := f.wallet.SendTransaction(context.Background(), domain.TxRequest{ChainID: 1, From: owner})
	require.NoError(t, err)
	in, out := weth, usdc
	f.registry.TrackTransaction(context.Background(), domain.PendingTransaction{
		Hash:        hash,
		ChainID:     1,
		Owner:       owner,
		Kind:        domain.TxKindSwap,
		SubmittedAt: f.now,
		Deadline:    f.now.Add(30 * time.Minute),
		Input:       &in,
		Output:      &out,
	})
	return hash
}

func TestWatcherConfirms(t *testing.T) {
	f := newWatcherFixture(t)
	hash := f.submit(t)

	f.watcher.Check(context.Background())
	assert.Len(t, f.registry.Pending(owner), 1, "unmined before the deadline stays pending")

	f.wallet.Mine(hash, 1)
	f.watcher.Check(context.Background())
	assert.Empty(t, f.registry.Pending(owner))

	local := f.registry.Local(owner)
	require.Len(t, local, 1)
	assert.Equal(t, string(domain.TxStatusConfirmed), local[0].Status)
	f.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestWatcherRevertNotifies(t *testing.T) {
	f := newWatcherFixture(t)
	hash := f.submit(t)
	f.notifier.On("Notify", mock.Anything, EventSwapFailed, "Swap failed", mock.MatchedBy(func(msg string) bool {
		return assert.Contains(t, msg, hash)
	})).Return(nil).Once()

	f.wallet.Mine(hash, 0)
	f.watcher.Check(context.Background())

	local := f.registry.Local(owner)
	require.Len(t, local, 1)
	assert.Equal(t, string(domain.TxStatusFailed), local[0].Status)
	f.notifier.AssertExpectations(t)
}

func TestWatcherDropsQuietlyPastDeadline(t *testing.T) {
	f := newWatcherFixture(t)
	f.submit(t)

	f.now = f.now.Add(31 * time.Minute)
	f.watcher.Check(context.Background())

	assert.Empty(t, f.registry.Pending(owner))
	assert.Empty(t, f.registry.Local(owner))
	f.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestWatcherRunStopsOnCancel(t *testing.T) {
	f := newWatcherFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.watcher.Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
