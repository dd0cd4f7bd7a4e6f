// Package approval sequences the allowance steps a trade needs before it
// can settle: an optional reset to zero, the token allowance to the
// delegated spender, and the delegated spender's allowance to the
// settlement contract.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/swapdesk/internal/chain"
	"github.com/alanyoungcy/swapdesk/internal/domain"
	"github.com/alanyoungcy/swapdesk/internal/wallet"
)

// AllowanceSource reads allowances through a cache and drops entries on
// writes. *allowance.Tracker satisfies it.
type AllowanceSource interface {
	TokenAllowance(ctx context.Context, chainID int64, owner, token, spender string) (domain.Allowance, error)
	DelegatedAllowance(ctx context.Context, chainID int64, owner, token, spender string) (domain.Allowance, error)
	Invalidate(ctx context.Context, chainID int64, kind domain.AllowanceKind, owner, token, spender string)
}

// Contracts are the per-chain addresses approvals target.
type Contracts struct {
	DelegatedSpender   string
	SettlementContract string
	// PermitSignatures satisfies the delegated allowance with a signed
	// permit instead of a transaction.
	PermitSignatures bool
}

// Requirement is what a trade needs approved.
type Requirement struct {
	ChainID int64
	Owner   string
	Token   string // empty or zero address for the native asset
	Amount  *big.Int
	// SkipDelegated is set for delegated trades, which transfer through a
	// per-order signature and need only the token allowance.
	SkipDelegated bool
}

func (r Requirement) native() bool {
	return r.Token == "" || strings.EqualFold(r.Token, domain.NativeAddress)
}

// Status is a snapshot of the coordinator.
type Status struct {
	State  State  `json:"state"`
	TxHash string `json:"txHash,omitempty"`
	Permit bool   `json:"permit"`
	Error  string `json:"error,omitempty"`
}

// Config holds approval timing.
type Config struct {
	DelegatedExpiry time.Duration
	PermitSigWindow time.Duration
	ReceiptPoll     time.Duration
}

// Coordinator drives one session's approval state machine. Steps are
// serialized: Execute fails with domain.ErrStepInProgress while another
// step is submitting or confirming.
type Coordinator struct {
	allowances AllowanceSource
	wallet     wallet.Wallet
	contracts  map[int64]Contracts
	policy     ResetPolicy
	cfg        Config
	now        func() time.Time
	logger     *slog.Logger

	mu      sync.Mutex
	state   State
	req     *Requirement
	permit  *domain.Permit
	permitC int64 // chain of the held permit
	txHash  string
	lastErr string
}

// NewCoordinator creates a Coordinator in the UNKNOWN state.
func NewCoordinator(allowances AllowanceSource, w wallet.Wallet, contracts map[int64]Contracts, policy ResetPolicy, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.DelegatedExpiry <= 0 {
		cfg.DelegatedExpiry = 30 * 24 * time.Hour
	}
	if cfg.PermitSigWindow <= 0 {
		cfg.PermitSigWindow = 30 * time.Minute
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = 2 * time.Second
	}
	return &Coordinator{
		allowances: allowances,
		wallet:     w,
		contracts:  contracts,
		policy:     policy,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "approval")),
		state:      StateUnknown,
	}
}

// Status returns the current snapshot.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Coordinator) statusLocked() Status {
	return Status{State: c.state, TxHash: c.txHash, Permit: c.permit != nil, Error: c.lastErr}
}

// Reset returns the machine to UNKNOWN when the trade inputs change. An
// in-flight step is left to finish.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Busy() {
		return
	}
	c.setLocked(StateUnknown)
	c.req = nil
	c.txHash = ""
	c.lastErr = ""
}

// Permit returns the held signed permit when it still authorizes amount of
// token on chainID.
func (c *Coordinator) Permit(chainID int64, token string, amount *big.Int) *domain.Permit {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.usablePermitLocked(chainID, token, amount) {
		p := *c.permit
		return &p
	}
	return nil
}

// ConsumePermit drops the held permit once a settlement has used it.
func (c *Coordinator) ConsumePermit() {
	c.mu.Lock()
	c.permit = nil
	c.mu.Unlock()
}

func (c *Coordinator) usablePermitLocked(chainID int64, token string, amount *big.Int) bool {
	return c.permit != nil && c.permitC == chainID &&
		strings.EqualFold(c.permit.Token, token) && c.permit.Valid(amount, c.now())
}

// Check evaluates what req still needs and moves to the matching state.
func (c *Coordinator) Check(ctx context.Context, req Requirement) (Status, error) {
	c.mu.Lock()
	if c.state.Busy() {
		st := c.statusLocked()
		c.mu.Unlock()
		return st, domain.ErrStepInProgress
	}
	c.setLocked(StateChecking)
	r := req
	c.req = &r
	c.lastErr = ""
	c.mu.Unlock()

	next, err := c.evaluate(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.lastErr = err.Error()
		c.setLocked(StateFailed)
		return c.statusLocked(), err
	}
	c.setLocked(next)
	return c.statusLocked(), nil
}

func (c *Coordinator) evaluate(ctx context.Context, req Requirement) (State, error) {
	if req.native() || req.Amount == nil || req.Amount.Sign() == 0 {
		return StateNoneNeeded, nil
	}
	ct, ok := c.contracts[req.ChainID]
	if !ok {
		return "", fmt.Errorf("approval: chain %d: %w", req.ChainID, domain.ErrUnsupportedChain)
	}

	ta, err := c.allowances.TokenAllowance(ctx, req.ChainID, req.Owner, req.Token, ct.DelegatedSpender)
	if err != nil {
		return "", err
	}
	current := ta.Amount
	if current == nil {
		current = new(big.Int)
	}
	if current.Cmp(req.Amount) < 0 {
		if current.Sign() > 0 && c.policy.RequiresReset(req.ChainID, req.Token) {
			return StateNeedsReset, nil
		}
		return StateNeedsTokenApproval, nil
	}
	if req.SkipDelegated {
		return StateNoneNeeded, nil
	}

	da, err := c.allowances.DelegatedAllowance(ctx, req.ChainID, req.Owner, req.Token, ct.SettlementContract)
	if err != nil {
		return "", err
	}
	if da.Covers(req.Amount, c.now()) {
		return StateNoneNeeded, nil
	}
	if ct.PermitSignatures {
		c.mu.Lock()
		usable := c.usablePermitLocked(req.ChainID, req.Token, req.Amount)
		c.mu.Unlock()
		if usable {
			return StateNoneNeeded, nil
		}
	}
	return StateNeedsDelegatedApproval, nil
}

// Execute performs the pending step and waits for it to confirm, then
// re-checks the requirement. A wallet rejection restores the state held
// before submission.
func (c *Coordinator) Execute(ctx context.Context) (Status, error) {
	c.mu.Lock()
	if c.state.Busy() {
		st := c.statusLocked()
		c.mu.Unlock()
		return st, domain.ErrStepInProgress
	}
	if !c.state.NeedsAction() || c.req == nil {
		st := c.statusLocked()
		c.mu.Unlock()
		return st, nil
	}
	step := c.state
	req := *c.req
	c.setLocked(StateSubmitting)
	c.txHash = ""
	c.lastErr = ""
	c.mu.Unlock()

	err := c.run(ctx, step, req)

	c.mu.Lock()
	switch {
	case err == nil:
		c.setLocked(StateDone)
	case wallet.IsUserRejection(err):
		c.lastErr = domain.ErrUserRejected.Error()
		c.setLocked(StateRejected)
		c.setLocked(step)
		st := c.statusLocked()
		c.mu.Unlock()
		c.logger.InfoContext(ctx, "approval rejected by user", slog.String("step", string(step)))
		return st, domain.ErrUserRejected
	default:
		c.lastErr = err.Error()
		c.setLocked(StateFailed)
		st := c.statusLocked()
		c.mu.Unlock()
		c.logger.WarnContext(ctx, "approval step failed", slog.String("step", string(step)), slog.String("error", err.Error()))
		return st, err
	}
	c.mu.Unlock()

	return c.Check(ctx, req)
}

// EnsureApproved runs Check and Execute until nothing is needed. Each step
// prompts the wallet.
func (c *Coordinator) EnsureApproved(ctx context.Context, req Requirement) error {
	// reset, token, delegated, then a final check
	for i := 0; i < 4; i++ {
		st, err := c.Check(ctx, req)
		if err != nil {
			return err
		}
		if st.State == StateNoneNeeded {
			return nil
		}
		if _, err := c.Execute(ctx); err != nil {
			return err
		}
	}
	return fmt.Errorf("approval: %w", domain.ErrApprovalRequired)
}

func (c *Coordinator) run(ctx context.Context, step State, req Requirement) error {
	ct := c.contracts[req.ChainID]

	switch step {
	case StateNeedsReset:
		data, err := chain.EncodeApprove(ct.DelegatedSpender, new(big.Int))
		if err != nil {
			return err
		}
		return c.sendAndConfirm(ctx, req, domain.AllowanceToken, req.Token, ct.DelegatedSpender, data)

	case StateNeedsTokenApproval:
		data, err := chain.EncodeApprove(ct.DelegatedSpender, chain.MaxUint256)
		if err != nil {
			return err
		}
		return c.sendAndConfirm(ctx, req, domain.AllowanceToken, req.Token, ct.DelegatedSpender, data)

	case StateNeedsDelegatedApproval:
		if ct.PermitSignatures {
			return c.signPermit(ctx, req, ct)
		}
		data, err := chain.EncodeDelegatedApprove(req.Token, ct.SettlementContract, chain.MaxUint160, c.now().Add(c.cfg.DelegatedExpiry))
		if err != nil {
			return err
		}
		return c.sendAndConfirmTo(ctx, req, ct.DelegatedSpender, domain.AllowanceDelegated, req.Token, ct.SettlementContract, data)
	}
	return fmt.Errorf("approval: no action for state %s", step)
}

func (c *Coordinator) sendAndConfirm(ctx context.Context, req Requirement, kind domain.AllowanceKind, token, spender string, data []byte) error {
	return c.sendAndConfirmTo(ctx, req, token, kind, token, spender, data)
}

// sendAndConfirmTo submits a transaction to target, invalidates the cached
// allowance as soon as the wallet accepts it, and waits for the receipt.
func (c *Coordinator) sendAndConfirmTo(ctx context.Context, req Requirement, target string, kind domain.AllowanceKind, token, spender string, data []byte) error {
	hash, err := c.wallet.SendTransaction(ctx, domain.TxRequest{
		ChainID: req.ChainID,
		From:    req.Owner,
		To:      target,
		Data:    data,
	})
	if err != nil {
		return err
	}
	c.allowances.Invalidate(ctx, req.ChainID, kind, req.Owner, token, spender)

	c.mu.Lock()
	c.txHash = hash
	c.setLocked(StateConfirming)
	c.mu.Unlock()
	c.logger.InfoContext(ctx, "approval submitted",
		slog.String("kind", string(kind)),
		slog.String("token", token),
		slog.String("tx_hash", hash),
	)

	receipt, err := c.waitReceipt(ctx, req.ChainID, hash)
	// A read made while confirming may have cached the old value.
	c.allowances.Invalidate(ctx, req.ChainID, kind, req.Owner, token, spender)
	if err != nil {
		return err
	}
	if !receipt.Succeeded() {
		return fmt.Errorf("approval: tx %s: %w", hash, domain.ErrTransactionFailed)
	}
	return nil
}

func (c *Coordinator) waitReceipt(ctx context.Context, chainID int64, hash string) (*domain.Receipt, error) {
	ticker := time.NewTicker(c.cfg.ReceiptPoll)
	defer ticker.Stop()
	for {
		r, err := c.wallet.GetTransactionReceipt(ctx, chainID, hash)
		if err != nil {
			c.logger.WarnContext(ctx, "receipt poll failed", slog.String("tx_hash", hash), slog.String("error", err.Error()))
		} else if r != nil {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("approval: waiting for %s: %w", hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// signPermit asks the wallet for a delegated allowance signature. The
// nonce comes from the current on-chain delegated allowance.
func (c *Coordinator) signPermit(ctx context.Context, req Requirement, ct Contracts) error {
	da, err := c.allowances.DelegatedAllowance(ctx, req.ChainID, req.Owner, req.Token, ct.SettlementContract)
	if err != nil {
		return err
	}
	now := c.now()
	p := domain.Permit{
		Token:       req.Token,
		Spender:     ct.SettlementContract,
		Amount:      new(big.Int).Set(chain.MaxUint160),
		Expiration:  now.Add(c.cfg.DelegatedExpiry),
		Nonce:       da.Nonce,
		SigDeadline: now.Add(c.cfg.PermitSigWindow),
	}
	sig, err := c.wallet.SignTypedData(ctx, chain.PermitTypedData(req.ChainID, ct.DelegatedSpender, p))
	if err != nil {
		if wallet.IsUserRejection(err) {
			return err
		}
		return fmt.Errorf("approval: sign permit: %w: %w", domain.ErrSigningFailed, err)
	}
	p.Signature = sig

	c.mu.Lock()
	c.permit = &p
	c.permitC = req.ChainID
	c.mu.Unlock()
	c.logger.InfoContext(ctx, "permit signed", slog.String("token", req.Token), slog.Uint64("nonce", p.Nonce))
	return nil
}

func (c *Coordinator) setLocked(to State) {
	from := c.state
	if from == to {
		return
	}
	if !IsTransitionAllowed(from, to) {
		c.logger.Warn("invalid approval transition", slog.String("from", string(from)), slog.String("to", string(to)))
	}
	transitionRecorder(string(from), string(to))
	c.state = to
}
