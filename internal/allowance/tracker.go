// Package allowance tracks observed token allowances and balances with a
// read-through cache. Values only come from chain reads; submitting a write
// invalidates the affected entry before the caller continues.
package allowance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/swapdesk/internal/chain"
	"github.com/alanyoungcy/swapdesk/internal/domain"
)

// ChainReader reads allowance and balance state on one chain.
// *chain.Reader satisfies it.
type ChainReader interface {
	TokenAllowance(ctx context.Context, owner, token, spender string) (*big.Int, error)
	DelegatedAllowance(ctx context.Context, owner, token, spender string) (chain.DelegatedAllowance, error)
	Balance(ctx context.Context, owner, token string) (*big.Int, error)
}

// Tracker is the read-through allowance and balance view for all chains.
type Tracker struct {
	readers    map[int64]ChainReader
	allowances domain.AllowanceCache
	balances   domain.BalanceCache
	now        func() time.Time
	logger     *slog.Logger
}

// NewTracker creates a Tracker over per-chain readers.
func NewTracker(readers map[int64]ChainReader, allowances domain.AllowanceCache, balances domain.BalanceCache, logger *slog.Logger) *Tracker {
	return &Tracker{
		readers:    readers,
		allowances: allowances,
		balances:   balances,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "allowance_tracker")),
	}
}

func (t *Tracker) reader(chainID int64) (ChainReader, error) {
	r, ok := t.readers[chainID]
	if !ok {
		return nil, fmt.Errorf("allowance: chain %d: %w", chainID, domain.ErrUnsupportedChain)
	}
	return r, nil
}

// TokenAllowance returns the owner's ERC-20 allowance of token to spender.
func (t *Tracker) TokenAllowance(ctx context.Context, chainID int64, owner, token, spender string) (domain.Allowance, error) {
	key := domain.AllowanceKey(chainID, domain.AllowanceToken, owner, token, spender)
	if a, ok := t.cached(ctx, key); ok {
		return a, nil
	}
	r, err := t.reader(chainID)
	if err != nil {
		return domain.Allowance{}, err
	}
	amount, err := r.TokenAllowance(ctx, owner, token, spender)
	if err != nil {
		return domain.Allowance{}, fmt.Errorf("allowance: read token allowance: %w", err)
	}
	a := domain.Allowance{
		Kind:       domain.AllowanceToken,
		Owner:      owner,
		Token:      token,
		Spender:    spender,
		Amount:     amount,
		ObservedAt: t.now(),
	}
	t.store(ctx, key, a)
	return a, nil
}

// DelegatedAllowance returns the delegated spender's allowance of token
// from owner to spender, including expiry and nonce.
func (t *Tracker) DelegatedAllowance(ctx context.Context, chainID int64, owner, token, spender string) (domain.Allowance, error) {
	key := domain.AllowanceKey(chainID, domain.AllowanceDelegated, owner, token, spender)
	if a, ok := t.cached(ctx, key); ok {
		return a, nil
	}
	r, err := t.reader(chainID)
	if err != nil {
		return domain.Allowance{}, err
	}
	d, err := r.DelegatedAllowance(ctx, owner, token, spender)
	if err != nil {
		return domain.Allowance{}, fmt.Errorf("allowance: read delegated allowance: %w", err)
	}
	a := domain.Allowance{
		Kind:       domain.AllowanceDelegated,
		Owner:      owner,
		Token:      token,
		Spender:    spender,
		Amount:     d.Amount,
		Expiration: d.Expiration,
		Nonce:      d.Nonce,
		ObservedAt: t.now(),
	}
	t.store(ctx, key, a)
	return a, nil
}

// Invalidate drops a cached allowance. It runs synchronously so a read
// issued after a write submission never sees the pre-write value.
func (t *Tracker) Invalidate(ctx context.Context, chainID int64, kind domain.AllowanceKind, owner, token, spender string) {
	key := domain.AllowanceKey(chainID, kind, owner, token, spender)
	if err := t.allowances.InvalidateAllowance(ctx, key); err != nil {
		t.logger.WarnContext(ctx, "allowance invalidate failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// Balance returns the owner's balance of c.
func (t *Tracker) Balance(ctx context.Context, owner string, c domain.Currency) (*big.Int, error) {
	key := domain.BalanceKey(c.ChainID, owner, c.TokenAddress())
	bal, err := t.balances.GetBalance(ctx, key)
	if err == nil {
		return bal, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		t.logger.WarnContext(ctx, "balance cache read failed", slog.String("key", key), slog.String("error", err.Error()))
	}

	r, err := t.reader(c.ChainID)
	if err != nil {
		return nil, err
	}
	bal, err = r.Balance(ctx, owner, c.TokenAddress())
	if err != nil {
		return nil, fmt.Errorf("allowance: read balance: %w", err)
	}
	if err := t.balances.SetBalance(ctx, key, bal); err != nil {
		t.logger.WarnContext(ctx, "balance cache write failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	return bal, nil
}

// InvalidateBalance drops the cached balance of c.
func (t *Tracker) InvalidateBalance(ctx context.Context, owner string, c domain.Currency) {
	key := domain.BalanceKey(c.ChainID, owner, c.TokenAddress())
	if err := t.balances.InvalidateBalance(ctx, key); err != nil {
		t.logger.WarnContext(ctx, "balance invalidate failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// RefreshBalances invalidates and re-reads the balances of currencies.
func (t *Tracker) RefreshBalances(ctx context.Context, owner string, currencies ...domain.Currency) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range currencies {
		c := c
		t.InvalidateBalance(ctx, owner, c)
		g.Go(func() error {
			_, err := t.Balance(gctx, owner, c)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("allowance: refresh balances: %w", err)
	}
	return nil
}

func (t *Tracker) cached(ctx context.Context, key string) (domain.Allowance, bool) {
	a, err := t.allowances.GetAllowance(ctx, key)
	if err == nil {
		return a, true
	}
	if !errors.Is(err, domain.ErrNotFound) {
		t.logger.WarnContext(ctx, "allowance cache read failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	return domain.Allowance{}, false
}

func (t *Tracker) store(ctx context.Context, key string, a domain.Allowance) {
	if err := t.allowances.SetAllowance(ctx, key, a); err != nil {
		t.logger.WarnContext(ctx, "allowance cache write failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}
