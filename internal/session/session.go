// Package session is the root of a swap: it owns the user-editable state,
// accepts intents, and drives quoting, approval and settlement for one
// owner.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/swapdesk/internal/approval"
	"github.com/alanyoungcy/swapdesk/internal/domain"
	"github.com/alanyoungcy/swapdesk/internal/orders"
	"github.com/alanyoungcy/swapdesk/internal/pricing"
	"github.com/alanyoungcy/swapdesk/internal/quote"
	"github.com/alanyoungcy/swapdesk/internal/settlement"
	"github.com/alanyoungcy/swapdesk/internal/wallet"
)

// maxUserSlippageBps caps a user tolerance override at 50%.
const maxUserSlippageBps = 5_000

// Quoter is the per-session quote client.
type Quoter interface {
	Quote(ctx context.Context, req quote.Request) quote.Result
	Cancel(intent domain.QuoteIntent)
	CancelAll()
	CheckFreshness(cand domain.TradeCandidate) domain.TradeCandidate
}

// Approvals is the per-session approval coordinator.
type Approvals interface {
	Status() approval.Status
	Reset()
	Check(ctx context.Context, req approval.Requirement) (approval.Status, error)
	Execute(ctx context.Context) (approval.Status, error)
}

// Settler is the per-session settlement coordinator.
type Settler interface {
	Settle(ctx context.Context, req settlement.Request) (settlement.Result, error)
}

// BalanceReader reads balances through the cache.
type BalanceReader interface {
	Balance(ctx context.Context, owner string, c domain.Currency) (*big.Int, error)
}

// LocalActivity lists locally created activity.
type LocalActivity interface {
	Local(owner string) []domain.ActivityRecord
	Pending(owner string) []domain.PendingTransaction
}

// OrderActivity lists delegated orders as the order service reports them.
type OrderActivity interface {
	Remote(owner string) []domain.ActivityRecord
	Open(owner string) []domain.Order
}

// Notifier raises operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// EventApprovalFailed is raised when an approval step fails for a reason
// other than the user declining it.
const EventApprovalFailed = "approval_failed"

// Deps are the collaborators of one session.
type Deps struct {
	Quotes     Quoter
	Evaluator  *pricing.Evaluator
	Approvals  Approvals
	Settlement Settler
	Balances   BalanceReader
	Activity   LocalActivity
	Orders     OrderActivity
	Notifier   Notifier // optional
}

// Chain is what a session needs to know about a supported chain.
type Chain struct {
	ID     int64
	Native domain.Currency
	// Stable prices the input in fiat terms; nil disables estimates.
	Stable *domain.Currency
}

// Options configure a session.
type Options struct {
	Chains map[int64]Chain
	// AutoQuote requotes in the background after every input change.
	AutoQuote bool
	// Bus receives a snapshot after every change. Optional.
	Bus domain.SignalBus
}

// Session holds the state of one swap form. It is safe for concurrent use;
// the lock is never held across network calls.
type Session struct {
	id     string
	owner  string
	deps   Deps
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	chainID    int64
	currencies domain.CurrencyState
	swap       domain.SwapState
	slippage   *big.Rat // user override; nil means automatic
	candidate  domain.TradeCandidate
	unitPrice  *decimal.Decimal // stable per one unit of input
	balances   map[string]*big.Int
	last       *settlement.Result
	lastErr    string
}

// New creates a session on chainID with the chain's native asset as input.
func New(id, owner string, chainID int64, deps Deps, opts Options, logger *slog.Logger) (*Session, error) {
	ch, ok := opts.Chains[chainID]
	if !ok {
		return nil, fmt.Errorf("session: chain %d: %w", chainID, domain.ErrUnsupportedChain)
	}
	ctx, cancel := context.WithCancel(context.Background())
	native := ch.Native
	return &Session{
		id:         id,
		owner:      owner,
		deps:       deps,
		opts:       opts,
		logger:     logger.With(slog.String("component", "session"), slog.String("session_id", id)),
		ctx:        ctx,
		cancel:     cancel,
		chainID:    chainID,
		currencies: domain.CurrencyState{Input: &native},
		swap:       domain.NewSwapState(),
		candidate:  idleCandidate(),
		balances:   make(map[string]*big.Int),
	}, nil
}

func idleCandidate() domain.TradeCandidate {
	return domain.TradeCandidate{State: domain.CandidateInvalid}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Owner returns the swapper address.
func (s *Session) Owner() string { return s.owner }

// Close cancels background quoting and waits for it to finish.
func (s *Session) Close() {
	s.cancel()
	s.wg.Wait()
}

// SelectCurrency sets one side. Selecting the currency already on the
// other side exchanges the two sides.
func (s *Session) SelectCurrency(ctx context.Context, field domain.Field, c domain.Currency) (Snapshot, error) {
	if !field.Valid() {
		return Snapshot{}, fmt.Errorf("session: field %q: %w", field, domain.ErrInvalidInput)
	}
	s.mu.Lock()
	if c.ChainID != s.chainID {
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("session: currency on chain %d, session on %d: %w", c.ChainID, s.chainID, domain.ErrUnsupportedChain)
	}
	if c.Native {
		c.Address = domain.NativeAddress
	}
	if s.currencies.Select(field, c) {
		s.swap.IndependentField = s.swap.IndependentField.Opposite()
	}
	s.invalidateLocked()
	s.mu.Unlock()

	return s.changed(ctx), nil
}

// TypeAmount sets the typed value of field, making it the independent side.
func (s *Session) TypeAmount(ctx context.Context, field domain.Field, value string) (Snapshot, error) {
	if !field.Valid() {
		return Snapshot{}, fmt.Errorf("session: field %q: %w", field, domain.ErrInvalidInput)
	}
	s.mu.Lock()
	s.swap.IndependentField = field
	s.swap.TypedValue = value
	s.invalidateLocked()
	s.mu.Unlock()

	return s.changed(ctx), nil
}

// SwitchSides exchanges the currencies and the independent field. Doing it
// twice restores the original state.
func (s *Session) SwitchSides(ctx context.Context) Snapshot {
	s.mu.Lock()
	s.currencies.Switch()
	s.swap.IndependentField = s.swap.IndependentField.Opposite()
	s.invalidateLocked()
	s.mu.Unlock()

	return s.changed(ctx)
}

// SetRecipient routes the output to addr. An empty addr sends it to the owner.
func (s *Session) SetRecipient(ctx context.Context, addr string) (Snapshot, error) {
	if addr != "" && !common.IsHexAddress(addr) {
		return Snapshot{}, fmt.Errorf("session: recipient %q: %w", addr, domain.ErrInvalidInput)
	}
	s.mu.Lock()
	s.swap.Recipient = addr
	s.mu.Unlock()
	snap := s.Snapshot()
	s.publish(ctx, snap)
	return snap, nil
}

// SetSlippage sets the user tolerance override in basis points. nil
// returns to the automatic tolerance.
func (s *Session) SetSlippage(ctx context.Context, bps *int64) (Snapshot, error) {
	if bps != nil && (*bps < 0 || *bps > maxUserSlippageBps) {
		return Snapshot{}, fmt.Errorf("session: slippage %d bps: %w", *bps, domain.ErrInvalidSlippage)
	}
	s.mu.Lock()
	if bps == nil {
		s.slippage = nil
	} else {
		s.slippage = pricing.BipsRat(*bps)
	}
	s.mu.Unlock()
	snap := s.Snapshot()
	s.publish(ctx, snap)
	return snap, nil
}

// SwitchChain moves the session to another chain and resets the form.
func (s *Session) SwitchChain(ctx context.Context, chainID int64) (Snapshot, error) {
	ch, ok := s.opts.Chains[chainID]
	if !ok {
		return Snapshot{}, fmt.Errorf("session: chain %d: %w", chainID, domain.ErrUnsupportedChain)
	}
	s.deps.Quotes.CancelAll()
	s.deps.Approvals.Reset()

	s.mu.Lock()
	native := ch.Native
	s.chainID = chainID
	s.currencies = domain.CurrencyState{Input: &native}
	s.swap = domain.NewSwapState()
	s.slippage = nil
	s.candidate = idleCandidate()
	s.unitPrice = nil
	s.lastErr = ""
	s.mu.Unlock()

	snap := s.Snapshot()
	s.publish(ctx, snap)
	return snap, nil
}

// Clear resets the typed amount and recipient.
func (s *Session) Clear(ctx context.Context) Snapshot {
	s.mu.Lock()
	s.swap = domain.NewSwapState()
	s.invalidateLocked()
	s.mu.Unlock()

	snap := s.Snapshot()
	s.publish(ctx, snap)
	return snap
}

// invalidateLocked drops the current candidate after an input change and
// makes in-flight quotes for the old inputs ignorable.
func (s *Session) invalidateLocked() {
	s.deps.Quotes.Cancel(domain.IntentQuote)
	s.deps.Quotes.Cancel(domain.IntentPricing)
	s.deps.Approvals.Reset()
	s.candidate = idleCandidate()
	s.unitPrice = nil
	s.lastErr = ""
}

// changed requotes in the background when enabled and publishes the new state.
func (s *Session) changed(ctx context.Context) Snapshot {
	snap := s.Snapshot()
	s.publish(ctx, snap)
	if s.opts.AutoQuote {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.RefreshQuote(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.WarnContext(s.ctx, "background requote failed", slog.String("error", err.Error()))
			}
		}()
	}
	return snap
}

// RefreshQuote requests a quote for the current inputs and, in parallel, a
// fiat estimate for the input currency. Responses for inputs that changed
// in the meantime are dropped.
func (s *Session) RefreshQuote(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	req := s.quoteRequestLocked()
	priceReq, priced := s.pricingRequestLocked()
	s.candidate = domain.TradeCandidate{State: domain.CandidateLoading, Key: req.Key()}
	s.mu.Unlock()

	var res, price quote.Result
	var g errgroup.Group
	g.Go(func() error {
		res = s.deps.Quotes.Quote(ctx, req)
		return nil
	})
	if priced {
		g.Go(func() error {
			price = s.deps.Quotes.Quote(ctx, priceReq)
			return nil
		})
	}
	_ = g.Wait()

	if res.Superseded {
		return s.Snapshot(), ctx.Err()
	}

	s.mu.Lock()
	s.candidate = res.Candidate
	if priced && !price.Superseded && price.Candidate.Settleable() {
		p := decimal.NewFromBigInt(price.Candidate.Trade.OutputAmount(), -price.Candidate.Trade.OutputCurrency().Decimals)
		s.unitPrice = &p
	}
	cand := s.candidate
	s.mu.Unlock()

	if cand.Settleable() {
		s.readBalances(ctx)
		s.checkApproval(ctx, cand)
	}

	snap := s.Snapshot()
	s.publish(ctx, snap)
	return snap, nil
}

func (s *Session) quoteRequestLocked() quote.Request {
	req := quote.Request{
		Input:     s.currencies.Input,
		Output:    s.currencies.Output,
		TradeType: s.swap.TradeType(),
		Intent:    domain.IntentQuote,
		Swapper:   s.owner,
	}
	if c := s.currencies.Get(s.swap.IndependentField); c != nil {
		if amt, err := parseAmount(s.swap.TypedValue, c.Decimals); err == nil {
			req.Amount = amt
		}
	}
	if s.slippage != nil {
		req.SlippageBps = pricing.Slippage{Tolerance: s.slippage}.Bips()
	}
	return req
}

func (s *Session) pricingRequestLocked() (quote.Request, bool) {
	ch := s.opts.Chains[s.chainID]
	in := s.currencies.Input
	if ch.Stable == nil || in == nil || in.Equal(*ch.Stable) {
		return quote.Request{}, false
	}
	stable := *ch.Stable
	return quote.Request{
		Input:     in,
		Output:    &stable,
		Amount:    new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(in.Decimals)), nil),
		TradeType: domain.TradeTypeExactInput,
		Intent:    domain.IntentPricing,
		Swapper:   s.owner,
	}, true
}

func (s *Session) readBalances(ctx context.Context) {
	if s.deps.Balances == nil || s.owner == "" {
		return
	}
	s.mu.Lock()
	cs := []*domain.Currency{s.currencies.Input, s.currencies.Output}
	s.mu.Unlock()

	for _, c := range cs {
		if c == nil {
			continue
		}
		bal, err := s.deps.Balances.Balance(ctx, s.owner, *c)
		if err != nil {
			s.logger.DebugContext(ctx, "balance read failed", slog.String("currency", c.Key()), slog.String("error", err.Error()))
			continue
		}
		s.mu.Lock()
		s.balances[c.Key()] = bal
		s.mu.Unlock()
	}
}

// requirement derives what cand needs approved. Delegated trades with
// native input are approved after wrapping, inside settlement.
func requirement(owner string, cand domain.TradeCandidate, ev pricing.Evaluation) (approval.Requirement, bool) {
	switch t := cand.Trade.(type) {
	case domain.ClassicTrade:
		return approval.Requirement{
			ChainID: t.Input.ChainID,
			Owner:   owner,
			Token:   t.Input.TokenAddress(),
			Amount:  ev.Bounds.MaximumIn,
		}, true
	case domain.DelegatedTrade:
		if t.Input.Native {
			return approval.Requirement{}, false
		}
		return approval.Requirement{
			ChainID:       t.Input.ChainID,
			Owner:         owner,
			Token:         t.Input.Address,
			Amount:        t.AmountIn,
			SkipDelegated: true,
		}, true
	}
	return approval.Requirement{}, false
}

func (s *Session) checkApproval(ctx context.Context, cand domain.TradeCandidate) {
	s.mu.Lock()
	override := s.slippage
	s.mu.Unlock()
	ev, err := s.deps.Evaluator.Evaluate(cand.Trade, override)
	if err != nil {
		return
	}
	req, ok := requirement(s.owner, cand, ev)
	if !ok {
		return
	}
	if _, err := s.deps.Approvals.Check(ctx, req); err != nil && !errors.Is(err, domain.ErrStepInProgress) {
		s.logger.WarnContext(ctx, "approval check failed", slog.String("error", err.Error()))
	}
}

// Approve runs the next approval step for the current candidate. A wallet
// rejection is reported in the snapshot, not as an error.
func (s *Session) Approve(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	cand := s.deps.Quotes.CheckFreshness(s.candidate)
	override := s.slippage
	s.mu.Unlock()

	if !cand.Settleable() {
		return s.Snapshot(), fmt.Errorf("session: approve: %w", domain.ErrNotSettleable)
	}
	ev, err := s.deps.Evaluator.Evaluate(cand.Trade, override)
	if err != nil {
		return s.Snapshot(), fmt.Errorf("session: approve: %w", err)
	}
	req, ok := requirement(s.owner, cand, ev)
	if !ok {
		return s.Snapshot(), nil
	}

	st, err := s.deps.Approvals.Check(ctx, req)
	if err == nil && st.State.NeedsAction() {
		_, err = s.deps.Approvals.Execute(ctx)
	}
	if err != nil {
		if !wallet.IsUserRejection(err) {
			s.notifyApprovalFailed(ctx, req, err)
			return s.Snapshot(), fmt.Errorf("session: approve: %w", err)
		}
		s.mu.Lock()
		s.lastErr = domain.ErrUserRejected.Error()
		s.mu.Unlock()
	}

	snap := s.Snapshot()
	s.publish(ctx, snap)
	return snap, nil
}

func (s *Session) notifyApprovalFailed(ctx context.Context, req approval.Requirement, cause error) {
	if s.deps.Notifier == nil || errors.Is(cause, domain.ErrStepInProgress) {
		return
	}
	msg := fmt.Sprintf("owner %s token %s on chain %d: %v", s.owner, req.Token, req.ChainID, cause)
	if err := s.deps.Notifier.Notify(ctx, EventApprovalFailed, "Approval failed", msg); err != nil {
		s.logger.WarnContext(ctx, "approval notification failed", slog.String("error", err.Error()))
	}
}

// Submit settles the current candidate. Input problems, a stale quote, or
// a classic trade still needing approval are refused before the wallet is
// prompted.
func (s *Session) Submit(ctx context.Context) (Snapshot, error) {
	snap := s.Snapshot()
	if snap.InputError != "" {
		return snap, fmt.Errorf("session: submit: %s: %w", snap.InputError, domain.ErrNotSettleable)
	}

	s.mu.Lock()
	cand := s.deps.Quotes.CheckFreshness(s.candidate)
	if cand.State == domain.CandidateStale {
		s.candidate = cand
	}
	override := s.slippage
	recipient := s.swap.Recipient
	s.mu.Unlock()

	if cand.State == domain.CandidateStale {
		return s.Snapshot(), fmt.Errorf("session: submit: %w", domain.ErrStaleQuote)
	}
	if !cand.Settleable() {
		return snap, fmt.Errorf("session: submit: %w", domain.ErrNotSettleable)
	}

	if _, classic := cand.Trade.(domain.ClassicTrade); classic {
		ev, err := s.deps.Evaluator.Evaluate(cand.Trade, override)
		if err != nil {
			return snap, fmt.Errorf("session: submit: %w", err)
		}
		req, _ := requirement(s.owner, cand, ev)
		st, err := s.deps.Approvals.Check(ctx, req)
		if err != nil {
			return s.Snapshot(), fmt.Errorf("session: submit: %w", err)
		}
		if st.State != approval.StateNoneNeeded && st.State != approval.StateDone {
			return s.Snapshot(), fmt.Errorf("session: submit: %s: %w", st.State, domain.ErrApprovalRequired)
		}
	}

	res, err := s.deps.Settlement.Settle(ctx, settlement.Request{
		Owner:     s.owner,
		Recipient: recipient,
		Candidate: cand,
		Slippage:  override,
	})
	if err != nil {
		if !wallet.IsUserRejection(err) {
			return s.Snapshot(), fmt.Errorf("session: submit: %w", err)
		}
		s.mu.Lock()
		s.lastErr = domain.ErrUserRejected.Error()
		s.mu.Unlock()
		snap := s.Snapshot()
		s.publish(ctx, snap)
		return snap, nil
	}

	s.mu.Lock()
	s.last = &res
	if res.WrappedInput != nil && s.currencies.Input != nil && s.currencies.Input.Native {
		wrapped := *res.WrappedInput
		s.currencies.Input = &wrapped
	}
	s.swap.TypedValue = ""
	s.invalidateLocked()
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "swap submitted",
		slog.String("routing", string(res.Routing)),
		slog.String("tx_hash", res.TxHash),
		slog.String("order_hash", res.OrderHash),
	)
	snap = s.Snapshot()
	s.publish(ctx, snap)
	return snap, nil
}

// Activity returns the owner's activity with local and remote copies of the
// same order or transaction merged.
func (s *Session) Activity() []domain.ActivityRecord {
	var local, remote []domain.ActivityRecord
	if s.deps.Activity != nil {
		local = s.deps.Activity.Local(s.owner)
	}
	if s.deps.Orders != nil {
		remote = s.deps.Orders.Remote(s.owner)
	}
	return orders.Deduplicate(local, remote)
}

// Channel is the signal bus channel snapshots of session id are published on.
func Channel(id string) string {
	return "session:" + id
}

func (s *Session) publish(ctx context.Context, snap Snapshot) {
	if s.opts.Bus == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.opts.Bus.Publish(ctx, Channel(s.id), payload); err != nil {
		s.logger.DebugContext(ctx, "publish snapshot failed", slog.String("error", err.Error()))
	}
}
