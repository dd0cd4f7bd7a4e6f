package domain

import (
	"context"
	"math/big"
	"time"
)

// AllowanceCache is a read-through cache of observed allowances.
// Get returns ErrNotFound on a miss.
type AllowanceCache interface {
	GetAllowance(ctx context.Context, key string) (Allowance, error)
	SetAllowance(ctx context.Context, key string, a Allowance) error
	InvalidateAllowance(ctx context.Context, key string) error
}

// BalanceCache is a read-through cache of observed balances.
// Get returns ErrNotFound on a miss.
type BalanceCache interface {
	GetBalance(ctx context.Context, key string) (*big.Int, error)
	SetBalance(ctx context.Context, key string, amount *big.Int) error
	InvalidateBalance(ctx context.Context, key string) error
}

// SignalBus publishes session and activity events to subscribers.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// RateLimiter admits at most limit requests per key within window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager hands out short-lived exclusive locks. Acquire returns
// ErrLockHeld when another holder owns key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}
