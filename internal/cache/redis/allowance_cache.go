package redis

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/swapdesk/internal/domain"
)

// AllowanceCache implements domain.AllowanceCache and domain.BalanceCache.
// An allowance is a hash at "swapdesk:allowance:{key}" with fields kind,
// owner, token, spender, amount, exp, nonce and seen. A balance is a plain
// string at "swapdesk:balance:{key}". Entries expire after ttl.
type AllowanceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewAllowanceCache creates an AllowanceCache backed by the given Client.
func NewAllowanceCache(c *Client, ttl time.Duration) *AllowanceCache {
	return &AllowanceCache{rdb: c.Underlying(), ttl: ttl}
}

func allowanceKey(key string) string { return keyPrefix + "allowance:" + key }
func balanceKey(key string) string   { return keyPrefix + "balance:" + key }

// GetAllowance returns domain.ErrNotFound on a miss.
func (ac *AllowanceCache) GetAllowance(ctx context.Context, key string) (domain.Allowance, error) {
	vals, err := ac.rdb.HGetAll(ctx, allowanceKey(key)).Result()
	if err != nil {
		return domain.Allowance{}, fmt.Errorf("redis: get allowance %s: %w", key, err)
	}
	if len(vals) == 0 {
		return domain.Allowance{}, domain.ErrNotFound
	}

	amount, ok := new(big.Int).SetString(vals["amount"], 10)
	if !ok {
		return domain.Allowance{}, fmt.Errorf("redis: parse allowance amount %q", vals["amount"])
	}
	a := domain.Allowance{
		Kind:    domain.AllowanceKind(vals["kind"]),
		Owner:   vals["owner"],
		Token:   vals["token"],
		Spender: vals["spender"],
		Amount:  amount,
	}
	if exp, err := strconv.ParseInt(vals["exp"], 10, 64); err == nil && exp > 0 {
		a.Expiration = time.Unix(exp, 0)
	}
	if nonce, err := strconv.ParseUint(vals["nonce"], 10, 64); err == nil {
		a.Nonce = nonce
	}
	if seen, err := strconv.ParseInt(vals["seen"], 10, 64); err == nil {
		a.ObservedAt = time.Unix(0, seen)
	}
	return a, nil
}

// SetAllowance stores a and refreshes its TTL.
func (ac *AllowanceCache) SetAllowance(ctx context.Context, key string, a domain.Allowance) error {
	var exp int64
	if !a.Expiration.IsZero() {
		exp = a.Expiration.Unix()
	}
	amount := "0"
	if a.Amount != nil {
		amount = a.Amount.String()
	}
	fields := map[string]interface{}{
		"kind":    string(a.Kind),
		"owner":   a.Owner,
		"token":   a.Token,
		"spender": a.Spender,
		"amount":  amount,
		"exp":     strconv.FormatInt(exp, 10),
		"nonce":   strconv.FormatUint(a.Nonce, 10),
		"seen":    strconv.FormatInt(a.ObservedAt.UnixNano(), 10),
	}

	k := allowanceKey(key)
	pipe := ac.rdb.TxPipeline()
	pipe.HSet(ctx, k, fields)
	if ac.ttl > 0 {
		pipe.Expire(ctx, k, ac.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set allowance %s: %w", key, err)
	}
	return nil
}

// InvalidateAllowance deletes the cached entry.
func (ac *AllowanceCache) InvalidateAllowance(ctx context.Context, key string) error {
	if err := ac.rdb.Del(ctx, allowanceKey(key)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate allowance %s: %w", key, err)
	}
	return nil
}

// GetBalance returns domain.ErrNotFound on a miss.
func (ac *AllowanceCache) GetBalance(ctx context.Context, key string) (*big.Int, error) {
	s, err := ac.rdb.Get(ctx, balanceKey(key)).Result()
	if err == redis.Nil {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get balance %s: %w", key, err)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("redis: parse balance %q", s)
	}
	return n, nil
}

// SetBalance stores amount with the cache TTL.
func (ac *AllowanceCache) SetBalance(ctx context.Context, key string, amount *big.Int) error {
	if err := ac.rdb.Set(ctx, balanceKey(key), amount.String(), ac.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set balance %s: %w", key, err)
	}
	return nil
}

// InvalidateBalance deletes the cached balance.
func (ac *AllowanceCache) InvalidateBalance(ctx context.Context, key string) error {
	if err := ac.rdb.Del(ctx, balanceKey(key)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate balance %s: %w", key, err)
	}
	return nil
}

var (
	_ domain.AllowanceCache = (*AllowanceCache)(nil)
	_ domain.BalanceCache   = (*AllowanceCache)(nil)
)
