// Package testutil holds in-memory fakes of the chain and wallet used by
// package tests across the module.
package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/alanyoungcy/swapdesk/internal/chain"
	"github.com/alanyoungcy/swapdesk/internal/domain"
	"github.com/alanyoungcy/swapdesk/internal/wallet"
)

// TestLogger returns a logger that discards output.
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// FakeChain is an in-memory allowance and balance view of one chain.
type FakeChain struct {
	mu        sync.Mutex
	token     map[string]*big.Int
	delegated map[string]chain.DelegatedAllowance
	balances  map[string]*big.Int
	reads     int
}

// NewFakeChain creates an empty FakeChain; unknown values read as zero.
func NewFakeChain() *FakeChain {
	return &FakeChain{
		token:     make(map[string]*big.Int),
		delegated: make(map[string]chain.DelegatedAllowance),
		balances:  make(map[string]*big.Int),
	}
}

func key(parts ...string) string {
	return strings.ToLower(strings.Join(parts, "|"))
}

func (f *FakeChain) SetTokenAllowance(owner, token, spender string, amount *big.Int) {
	f.mu.Lock()
	f.token[key(owner, token, spender)] = new(big.Int).Set(amount)
	f.mu.Unlock()
}

func (f *FakeChain) SetDelegatedAllowance(owner, token, spender string, amount *big.Int, expiration time.Time) {
	f.mu.Lock()
	k := key(owner, token, spender)
	prev := f.delegated[k]
	f.delegated[k] = chain.DelegatedAllowance{Amount: new(big.Int).Set(amount), Expiration: expiration, Nonce: prev.Nonce}
	f.mu.Unlock()
}

func (f *FakeChain) SetBalance(owner, token string, amount *big.Int) {
	f.mu.Lock()
	f.balances[key(owner, token)] = new(big.Int).Set(amount)
	f.mu.Unlock()
}

// ReadCount returns how many reads reached the chain.
func (f *FakeChain) ReadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *FakeChain) TokenAllowance(_ context.Context, owner, token, spender string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if a, ok := f.token[key(owner, token, spender)]; ok {
		return new(big.Int).Set(a), nil
	}
	return new(big.Int), nil
}

func (f *FakeChain) DelegatedAllowance(_ context.Context, owner, token, spender string) (chain.DelegatedAllowance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if d, ok := f.delegated[key(owner, token, spender)]; ok {
		return chain.DelegatedAllowance{Amount: new(big.Int).Set(d.Amount), Expiration: d.Expiration, Nonce: d.Nonce}, nil
	}
	return chain.DelegatedAllowance{Amount: new(big.Int)}, nil
}

func (f *FakeChain) Balance(_ context.Context, owner, token string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if b, ok := f.balances[key(owner, token)]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

// FakeWallet records requests and mines them on demand.
type FakeWallet struct {
	mu       sync.Mutex
	addr     string
	seq      int
	receipts map[string]*domain.Receipt

	// RejectNext makes the next N wallet prompts fail with code 4001.
	RejectNext int
	// AutoMine makes every sent transaction immediately succeed.
	AutoMine bool
	// OnSend runs for every accepted transaction, before its hash is returned.
	OnSend func(req domain.TxRequest, hash string)

	Sent   []domain.TxRequest
	Signed []apitypes.TypedData
}

// NewFakeWallet creates a FakeWallet for addr.
func NewFakeWallet(addr string) *FakeWallet {
	return &FakeWallet{addr: addr, receipts: make(map[string]*domain.Receipt)}
}

func (w *FakeWallet) Address() string { return w.addr }

func (w *FakeWallet) rejected() bool {
	if w.RejectNext > 0 {
		w.RejectNext--
		return true
	}
	return false
}

func (w *FakeWallet) SendTransaction(_ context.Context, req domain.TxRequest) (string, error) {
	w.mu.Lock()
	if w.rejected() {
		w.mu.Unlock()
		return "", wallet.Rejected("User denied transaction signature.")
	}
	w.seq++
	hash := fmt.Sprintf("0x%064x", w.seq)
	w.Sent = append(w.Sent, req)
	if w.AutoMine {
		w.receipts[hash] = &domain.Receipt{TxHash: hash, Status: 1, BlockNumber: uint64(w.seq)}
	}
	onSend := w.OnSend
	w.mu.Unlock()

	if onSend != nil {
		onSend(req, hash)
	}
	return hash, nil
}

func (w *FakeWallet) SignTypedData(_ context.Context, td apitypes.TypedData) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rejected() {
		return "", wallet.Rejected("User denied message signature.")
	}
	w.Signed = append(w.Signed, td)
	return "0x" + strings.Repeat("ab", 65), nil
}

func (w *FakeWallet) GetTransactionReceipt(_ context.Context, _ int64, hash string) (*domain.Receipt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.receipts[hash]
	if !ok {
		return nil, nil
	}
	out := *r
	return &out, nil
}

// Mine sets the receipt of hash; status 1 succeeds, 0 reverts.
func (w *FakeWallet) Mine(hash string, status uint64) {
	w.mu.Lock()
	w.receipts[hash] = &domain.Receipt{TxHash: hash, Status: status, BlockNumber: 1}
	w.mu.Unlock()
}

// SentCount returns the number of accepted transactions.
func (w *FakeWallet) SentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.Sent)
}

// LastSent returns the most recent accepted transaction.
func (w *FakeWallet) LastSent() domain.TxRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Sent[len(w.Sent)-1]
}

// SignedCount returns the number of signatures produced.
func (w *FakeWallet) SignedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.Signed)
}

var _ wallet.Wallet = (*FakeWallet)(nil)
