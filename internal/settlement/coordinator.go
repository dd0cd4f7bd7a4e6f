// Package settlement turns an approved trade candidate into on-chain or
// off-chain execution: a router transaction for classic trades, a signed
// order for delegated ones.
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/alanyoungcy/swapdesk/internal/approval"
	"github.com/alanyoungcy/swapdesk/internal/chain"
	"github.com/alanyoungcy/swapdesk/internal/domain"
	"github.com/alanyoungcy/swapdesk/internal/metrics"
	"github.com/alanyoungcy/swapdesk/internal/pricing"
	"github.com/alanyoungcy/swapdesk/internal/wallet"
)

// Approver is the part of the approval coordinator settlement needs.
type Approver interface {
	Permit(chainID int64, token string, amount *big.Int) *domain.Permit
	ConsumePermit()
	EnsureApproved(ctx context.Context, req approval.Requirement) error
}

// OrderSubmitter posts signed delegated orders.
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, trade domain.DelegatedTrade, signature string) (string, error)
}

// OrderSink takes ownership of a submitted order.
type OrderSink interface {
	Track(ctx context.Context, order domain.Order) error
}

// TxRegistry records submitted transactions.
type TxRegistry interface {
	TrackTransaction(ctx context.Context, tx domain.PendingTransaction)
	ResolveTransaction(ctx context.Context, hash string, status domain.TxStatus)
	Pending(owner string) []domain.PendingTransaction
}

// Balances refreshes cached balances after funds move.
type Balances interface {
	RefreshBalances(ctx context.Context, owner string, currencies ...domain.Currency) error
}

// Notifier delivers failure notifications. *notify.Notifier satisfies it.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Notification event types.
const (
	EventSwapFailed = "swap_failed"
	EventWrapFailed = "wrap_failed"
)

// Chain holds the per-chain settlement settings.
type Chain struct {
	Router        string
	WrappedNative string
	Fast          bool
}

// Config holds settlement timing.
type Config struct {
	DefaultDeadline time.Duration
	FastDeadline    time.Duration
	// MaxQuoteAge rejects candidates quoted longer ago than this. Zero
	// disables the check.
	MaxQuoteAge time.Duration
	ReceiptPoll time.Duration
}

// Request is one settlement attempt.
type Request struct {
	Owner     string
	Recipient string // defaults to Owner
	Candidate domain.TradeCandidate
	// Slippage is the user override for classic trades.
	Slippage *big.Rat
}

// Result describes what was submitted.
type Result struct {
	Routing   domain.Routing `json:"routing"`
	TxHash    string         `json:"txHash,omitempty"`
	OrderHash string         `json:"orderHash,omitempty"`
	// WrapTxHash and WrappedInput are set when native input was wrapped
	// before signing a delegated order.
	WrapTxHash   string           `json:"wrapTxHash,omitempty"`
	WrappedInput *domain.Currency `json:"wrappedInput,omitempty"`
	Deadline     time.Time        `json:"deadline"`
}

// Coordinator settles trades for one session. Only one settlement may be
// in flight at a time.
type Coordinator struct {
	wallet    wallet.Wallet
	approver  Approver
	evaluator *pricing.Evaluator
	orders    OrderSubmitter
	sink      OrderSink
	registry  TxRegistry
	balances  Balances
	notifier  Notifier
	chains    map[int64]Chain
	cfg       Config
	settled   *Dedup
	now       func() time.Time
	logger    *slog.Logger

	inFlight atomic.Bool
}

// Deps groups the collaborators of a Coordinator.
type Deps struct {
	Wallet    wallet.Wallet
	Approver  Approver
	Evaluator *pricing.Evaluator
	Orders    OrderSubmitter
	Sink      OrderSink
	Registry  TxRegistry
	Balances  Balances
	Notifier  Notifier // optional
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(deps Deps, chains map[int64]Chain, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 30 * time.Minute
	}
	if cfg.FastDeadline <= 0 {
		cfg.FastDeadline = 5 * time.Minute
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = 2 * time.Second
	}
	return &Coordinator{
		wallet:    deps.Wallet,
		approver:  deps.Approver,
		evaluator: deps.Evaluator,
		orders:    deps.Orders,
		sink:      deps.Sink,
		registry:  deps.Registry,
		balances:  deps.Balances,
		notifier:  deps.Notifier,
		chains:    chains,
		cfg:       cfg,
		settled:   NewDedup(time.Hour),
		now:       time.Now,
		logger:    logger.With(slog.String("component", "settlement")),
	}
}

// InFlight reports whether a settlement is running.
func (c *Coordinator) InFlight() bool {
	return c.inFlight.Load()
}

// Deadline returns the transaction deadline for a chain.
func (c *Coordinator) Deadline(chainID int64) time.Time {
	if ch, ok := c.chains[chainID]; ok && ch.Fast {
		return c.now().Add(c.cfg.FastDeadline)
	}
	return c.now().Add(c.cfg.DefaultDeadline)
}

// Settle executes the candidate's trade. Wallet rejections are returned
// unchanged so callers can match domain.ErrUserRejected.
func (c *Coordinator) Settle(ctx context.Context, req Request) (Result, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return Result{}, domain.ErrSettlementInFlight
	}
	defer c.inFlight.Store(false)

	cand := req.Candidate
	if !cand.Settleable() {
		return Result{}, fmt.Errorf("settlement: candidate %s: %w", cand.State, domain.ErrNotSettleable)
	}
	if c.cfg.MaxQuoteAge > 0 && c.now().Sub(cand.QuotedAt) > c.cfg.MaxQuoteAge {
		return Result{}, fmt.Errorf("settlement: quoted at %s: %w", cand.QuotedAt.Format(time.RFC3339), domain.ErrStaleQuote)
	}
	quoteID := tradeQuoteID(cand.Trade)
	if c.settled.Seen(quoteID) {
		return Result{}, fmt.Errorf("settlement: quote %s already settled: %w", quoteID, domain.ErrNotSettleable)
	}
	if req.Recipient == "" {
		req.Recipient = req.Owner
	}

	ev, err := c.evaluator.Evaluate(cand.Trade, req.Slippage)
	if err != nil {
		metrics.RecordSettlement(string(cand.Trade.Routing()), "invalid")
		return Result{}, fmt.Errorf("settlement: %w", err)
	}

	var res Result
	switch t := cand.Trade.(type) {
	case domain.ClassicTrade:
		res, err = c.settleClassic(ctx, req, t, ev)
	case domain.DelegatedTrade:
		res, err = c.settleDelegated(ctx, req, t)
	default:
		err = fmt.Errorf("settlement: %T: %w", cand.Trade, domain.ErrUnsupportedTrade)
	}

	switch {
	case err == nil:
		c.settled.Mark(quoteID)
		metrics.RecordSettlement(string(res.Routing), "submitted")
	case wallet.IsUserRejection(err):
		metrics.RecordSettlement(string(cand.Trade.Routing()), "rejected")
	default:
		metrics.RecordSettlement(string(cand.Trade.Routing()), "failed")
	}
	return res, err
}

func tradeQuoteID(t domain.Trade) string {
	switch t := t.(type) {
	case domain.ClassicTrade:
		return t.QuoteID
	case domain.DelegatedTrade:
		return t.QuoteID
	}
	return ""
}

func (c *Coordinator) settleClassic(ctx context.Context, req Request, t domain.ClassicTrade, ev pricing.Evaluation) (Result, error) {
	ch, ok := c.chains[t.Input.ChainID]
	if !ok {
		return Result{}, fmt.Errorf("settlement: chain %d: %w", t.Input.ChainID, domain.ErrUnsupportedChain)
	}
	deadline := c.Deadline(t.Input.ChainID)

	var permit *domain.Permit
	if !t.Input.Native {
		permit = c.approver.Permit(t.Input.ChainID, t.Input.Address, ev.Bounds.MaximumIn)
	}

	call, err := chain.EncodeSwap(chain.SwapParams{
		TradeType:    t.TradeType,
		Route:        t.Route,
		AmountIn:     t.AmountIn,
		AmountOut:    t.AmountOut,
		MinimumOut:   ev.Bounds.MinimumOut,
		MaximumIn:    ev.Bounds.MaximumIn,
		Recipient:    req.Recipient,
		InputNative:  t.Input.Native,
		OutputNative: t.Output.Native,
		Permit:       permit,
		Portion:      t.Portion,
		Deadline:     deadline,
	})
	if err != nil {
		return Result{}, fmt.Errorf("settlement: %w", err)
	}

	hash, err := c.wallet.SendTransaction(ctx, domain.TxRequest{
		ChainID: t.Input.ChainID,
		From:    req.Owner,
		To:      ch.Router,
		Data:    call.Data,
		Value:   call.Value,
	})
	if err != nil {
		if wallet.IsUserRejection(err) {
			return Result{}, err
		}
		c.notify(ctx, EventSwapFailed, "Swap failed", fmt.Sprintf("%s → %s could not be submitted: %v", t.Input.Symbol, t.Output.Symbol, err))
		return Result{}, fmt.Errorf("settlement: send swap: %w", err)
	}
	if permit != nil {
		c.approver.ConsumePermit()
	}

	in, out := t.Input, t.Output
	c.registry.TrackTransaction(ctx, domain.PendingTransaction{
		Hash:        hash,
		ChainID:     t.Input.ChainID,
		Owner:       req.Owner,
		Kind:        domain.TxKindSwap,
		SubmittedAt: c.now(),
		Deadline:    deadline,
		Input:       &in,
		Output:      &out,
	})
	c.logger.InfoContext(ctx, "swap submitted",
		slog.String("tx_hash", hash),
		slog.String("input", t.Input.Symbol),
		slog.String("output", t.Output.Symbol),
		slog.String("min_out", ev.Bounds.MinimumOut.String()),
		slog.String("max_in", ev.Bounds.MaximumIn.String()),
		slog.Bool("permit", permit != nil),
	)
	return Result{Routing: domain.RoutingClassic, TxHash: hash, Deadline: deadline}, nil
}

func (c *Coordinator) settleDelegated(ctx context.Context, req Request, t domain.DelegatedTrade) (Result, error) {
	res := Result{Routing: t.Protocol, Deadline: t.Deadline}
	input := t.Input

	if input.Native {
		wrapped, hash, err := c.wrap(ctx, req.Owner, t)
		if err != nil {
			return Result{}, err
		}
		input = wrapped
		res.WrapTxHash = hash
		res.WrappedInput = &wrapped
	}

	// Orders transfer through their own signature, so only the token
	// allowance to the delegated spender is required.
	err := c.approver.EnsureApproved(ctx, approval.Requirement{
		ChainID:       input.ChainID,
		Owner:         req.Owner,
		Token:         input.Address,
		Amount:        t.AmountIn,
		SkipDelegated: true,
	})
	if err != nil {
		if wallet.IsUserRejection(err) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("settlement: approve %s: %w", input.Symbol, err)
	}

	var td apitypes.TypedData
	if err := json.Unmarshal(t.TypedData, &td); err != nil {
		return Result{}, fmt.Errorf("settlement: decode order typed data: %w", err)
	}
	sig, err := c.wallet.SignTypedData(ctx, td)
	if err != nil {
		if wallet.IsUserRejection(err) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("settlement: sign order: %w: %w", domain.ErrSigningFailed, err)
	}

	hash, err := c.orders.SubmitOrder(ctx, t, sig)
	if err != nil {
		c.notify(ctx, EventSwapFailed, "Order rejected", fmt.Sprintf("%s → %s order was not accepted: %v", input.Symbol, t.Output.Symbol, err))
		return Result{}, fmt.Errorf("settlement: submit order: %w", err)
	}
	if hash == "" {
		hash = t.OrderHash
	}
	res.OrderHash = hash

	now := c.now()
	order := domain.Order{
		Hash:        hash,
		ChainID:     input.ChainID,
		Swapper:     req.Owner,
		Protocol:    t.Protocol,
		Status:      domain.OrderStatusOpen,
		Input:       input,
		Output:      t.Output,
		AmountIn:    t.AmountIn.String(),
		AmountOut:   t.AmountOut.String(),
		Deadline:    t.Deadline,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if err := c.sink.Track(ctx, order); err != nil {
		// The order is live even if tracking fails.
		c.logger.WarnContext(ctx, "track order failed", slog.String("order_hash", hash), slog.String("error", err.Error()))
	}
	c.logger.InfoContext(ctx, "order submitted",
		slog.String("order_hash", hash),
		slog.String("protocol", string(t.Protocol)),
		slog.String("input", input.Symbol),
		slog.String("output", t.Output.Symbol),
	)
	return res, nil
}

// wrap deposits the native input into the wrapped native token and waits
// for the deposit to confirm.
func (c *Coordinator) wrap(ctx context.Context, owner string, t domain.DelegatedTrade) (domain.Currency, string, error) {
	ch, ok := c.chains[t.Input.ChainID]
	if !ok || ch.WrappedNative == "" {
		return domain.Currency{}, "", fmt.Errorf("settlement: wrap on chain %d: %w", t.Input.ChainID, domain.ErrUnsupportedChain)
	}
	wrapped := domain.Currency{
		ChainID:  t.Input.ChainID,
		Address:  ch.WrappedNative,
		Symbol:   "W" + t.Input.Symbol,
		Decimals: t.Input.Decimals,
	}

	data, err := chain.EncodeWrap()
	if err != nil {
		return domain.Currency{}, "", err
	}
	hash, err := c.wallet.SendTransaction(ctx, domain.TxRequest{
		ChainID: t.Input.ChainID,
		From:    owner,
		To:      ch.WrappedNative,
		Data:    data,
		Value:   new(big.Int).Set(t.AmountIn),
	})
	if err != nil {
		if wallet.IsUserRejection(err) {
			return domain.Currency{}, "", err
		}
		return domain.Currency{}, "", fmt.Errorf("settlement: send wrap: %w", err)
	}

	in := t.Input
	c.registry.TrackTransaction(ctx, domain.PendingTransaction{
		Hash:        hash,
		ChainID:     t.Input.ChainID,
		Owner:       owner,
		Kind:        domain.TxKindWrap,
		SubmittedAt: c.now(),
		Deadline:    c.Deadline(t.Input.ChainID),
		Input:       &in,
		Output:      &wrapped,
	})
	c.logger.InfoContext(ctx, "wrap submitted", slog.String("tx_hash", hash), slog.String("amount", t.AmountIn.String()))

	receipt, err := c.waitReceipt(ctx, t.Input.ChainID, hash)
	if err != nil {
		return domain.Currency{}, "", err
	}
	if !receipt.Succeeded() {
		c.registry.ResolveTransaction(ctx, hash, domain.TxStatusFailed)
		c.notify(ctx, EventWrapFailed, "Wrap failed", fmt.Sprintf("Wrapping %s reverted (%s)", t.Input.Symbol, hash))
		return domain.Currency{}, "", fmt.Errorf("settlement: wrap %s: %w", hash, domain.ErrTransactionFailed)
	}
	c.registry.ResolveTransaction(ctx, hash, domain.TxStatusConfirmed)

	if err := c.balances.RefreshBalances(ctx, owner, t.Input, wrapped); err != nil {
		c.logger.WarnContext(ctx, "refresh balances after wrap failed", slog.String("error", err.Error()))
	}
	return wrapped, hash, nil
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
			return nil, fmt.Errorf("settlement: waiting for %s: %w", hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) notify(ctx context.Context, event, title, msg string) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, event, title, msg); err != nil {
		c.logger.WarnContext(ctx, "notification failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
