package redis

import (
	"context"
	"math/big"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swapdesk/internal/domain"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	c := Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestAllowanceCache_RoundTrip(t *testing.T) {
	c, _ := setupTestRedis(t)
	cache := NewAllowanceCache(c, time.Minute)
	ctx := context.Background()
	key := domain.AllowanceKey(1, domain.AllowanceDelegated, "0xowner", "0xtoken", "0xspender")

	_, err := cache.GetAllowance(ctx, key)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	exp := time.Unix(1_800_000_000, 0)
	want := domain.Allowance{
		Kind:       domain.AllowanceDelegated,
		Owner:      "0xowner",
		Token:      "0xtoken",
		Spender:    "0xspender",
		Amount:     new(big.Int).Lsh(big.NewInt(1), 100),
		Expiration: exp,
		Nonce:      7,
		ObservedAt: time.Unix(1_700_000_000, 0),
	}
	require.NoError(t, cache.SetAllowance(ctx, key, want))

	got, err := cache.GetAllowance(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, want.Amount.String(), got.Amount.String())
	assert.Equal(t, exp.Unix(), got.Expiration.Unix())
	assert.Equal(t, uint64(7), got.Nonce)
	assert.Equal(t, domain.AllowanceDelegated, got.Kind)

	require.NoError(t, cache.InvalidateAllowance(ctx, key))
	_, err = cache.GetAllowance(ctx, key)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAllowanceCache_EntriesExpire(t *testing.T) {
	c, mr := setupTestRedis(t)
	cache := NewAllowanceCache(c, time.Minute)
	ctx := context.Background()
	key := domain.BalanceKey(1, "0xowner", "0xtoken")

	require.NoError(t, cache.SetBalance(ctx, key, big.NewInt(99)))
	got, err := cache.GetBalance(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(99), got.Int64())

	mr.FastForward(2 * time.Minute)

	_, err = cache.GetBalance(ctx, key)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSignalBus_PublishSubscribe(t *testing.T) {
	c, _ := setupTestRedis(t)
	bus := NewSignalBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "session:abc")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "session:abc", []byte(`{"state":"VALID"}`)))

	select {
	case msg := <-ch:
		assert.JSONEq(t, `{"state":"VALID"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	c, mr := setupTestRedis(t)
	rl := NewRateLimiter(c)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "quote:0xowner", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "quote:0xowner", 3, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "quote:0xother", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	mr.FastForward(2 * time.Second)
	ok, err = rl.Allow(ctx, "quote:0xowner", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "window resets")
}

func TestLockManager_ExclusiveUntilReleased(t *testing.T) {
	c, mr := setupTestRedis(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "submit:0xowner", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "submit:0xowner", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	again, err := lm.Acquire(ctx, "submit:0xowner", time.Minute)
	require.NoError(t, err)
	defer again()

	// An expired lock can be taken by someone else; the stale unlock must
	// not release the new holder.
	mr.FastForward(2 * time.Minute)
	other, err := lm.Acquire(ctx, "submit:0xowner", time.Minute)
	require.NoError(t, err)
	again()
	_, err = lm.Acquire(ctx, "submit:0xowner", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	other()
}
