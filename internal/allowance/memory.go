package allowance

import (
	"context"
	"math/big"
	"sync"

	"github.com/alanyoungcy/swapdesk/internal/domain"
)

// MemoryCache is an in-process AllowanceCache and BalanceCache used when
// Redis is not configured.
type MemoryCache struct {
	mu         sync.RWMutex
	allowances map[string]domain.Allowance
	balances   map[string]*big.Int
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		allowances: make(map[string]domain.Allowance),
		balances:   make(map[string]*big.Int),
	}
}

func (m *MemoryCache) GetAllowance(_ context.Context, key string) (domain.Allowance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.allowances[key]
	if !ok {
		return domain.Allowance{}, domain.ErrNotFound
	}
	return a, nil
}

func (m *MemoryCache) SetAllowance(_ context.Context, key string, a domain.Allowance) error {
	m.mu.Lock()
	m.allowances[key] = a
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) InvalidateAllowance(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.allowances, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) GetBalance(_ context.Context, key string) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.balances[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return new(big.Int).Set(b), nil
}

func (m *MemoryCache) SetBalance(_ context.Context, key string, amount *big.Int) error {
	m.mu.Lock()
	m.balances[key] = new(big.Int).Set(amount)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) InvalidateBalance(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.balances, key)
	m.mu.Unlock()
	return nil
}

var (
	_ domain.AllowanceCache = (*MemoryCache)(nil)
	_ domain.BalanceCache   = (*MemoryCache)(nil)
)
