package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swapdesk/internal/config"
	"github.com/alanyoungcy/swapdesk/internal/domain"
	"github.com/alanyoungcy/swapdesk/internal/orders"
	"github.com/alanyoungcy/swapdesk/internal/testutil"
)

const swapper = "0x1111111111111111111111111111111111111111"

type silentSource struct{}

func (silentSource) GetOrders(context.Context, string, []string) ([]domain.OrderUpdate, error) {
	return nil, nil
}

func TestSessionChainFromConfig(t *testing.T) {
	cfg := config.Defaults()
	ch, ok := cfg.Chain(1)
	require.True(t, ok)

	sc := sessionChain(ch)
	assert.True(t, sc.Native.Native)
	assert.Equal(t, "ETH", sc.Native.Symbol)
	assert.Equal(t, int32(18), sc.Native.Decimals)
	require.NotNil(t, sc.Stable)
	assert.Equal(t, "USDC", sc.Stable.Symbol)
	assert.Equal(t, int64(1), sc.Stable.ChainID)

	ch.Stable = config.TokenConfig{}
	assert.Nil(t, sessionChain(ch).Stable)
}

func TestWireWithoutExternalServices(t *testing.T) {
	cfg := config.Defaults()
	deps, cleanup, err := Wire(context.Background(), &cfg, testutil.TestLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.Nil(t, deps.OrderStore)
	assert.Nil(t, deps.RateLimiter)
	assert.Nil(t, deps.LockManager)
	assert.NotNil(t, deps.SignalBus)
	assert.NotNil(t, deps.Allowances)
	assert.NotNil(t, deps.Notifier)
	assert.Empty(t, deps.Checks)
}

func TestTrackerHistory(t *testing.T) {
	tr := orders.NewTracker(orders.Deps{Source: silentSource{}}, time.Hour, testutil.TestLogger())
	defer tr.Close()
	ctx := context.Background()

	t0 := time.Now().Add(-time.Hour)
	for i, hash := range []string{"0xa", "0xb", "0xc"} {
		require.NoError(t, tr.Track(ctx, domain.Order{
			Hash:        hash,
			Swapper:     swapper,
			SubmittedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}
	h := trackerHistory{tracker: tr}

	o, err := h.GetByHash(ctx, "0xb")
	require.NoError(t, err)
	assert.Equal(t, "0xb", o.Hash)
	_, err = h.GetByHash(ctx, "0xz")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	all, err := h.ListBySwapper(ctx, swapper, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "0xc", all[0].Hash, "newest first")

	page, err := h.ListBySwapper(ctx, swapper, domain.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "0xb", page[0].Hash)

	since := t0.Add(90 * time.Second)
	recent, err := h.ListBySwapper(ctx, swapper, domain.ListOpts{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	empty, err := h.ListBySwapper(ctx, swapper, domain.ListOpts{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)

	open, err := h.ListOpen(ctx, swapper)
	require.NoError(t, err)
	assert.Len(t, open, 3)
}
