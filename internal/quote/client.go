// Package quote turns swap inputs into trade candidates. Requests are
// debounced per lane and only the newest request of a lane may apply its
// response; older responses are dropped whatever order they arrive in.
package quote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/alanyoungcy/swapdesk/internal/domain"
	"github.com/alanyoungcy/swapdesk/internal/metrics"
)

// Request is one quote request for the current session inputs.
type Request struct {
	Input       *domain.Currency
	Output      *domain.Currency
	Amount      *big.Int
	TradeType   domain.TradeType
	Intent      domain.QuoteIntent
	Swapper     string
	SlippageBps int64 // zero lets the backend choose
}

// Key identifies the request inside its lane.
func (r Request) Key() string {
	in, out, amt := "", "", "0"
	if r.Input != nil {
		in = r.Input.Key()
	}
	if r.Output != nil {
		out = r.Output.Key()
	}
	if r.Amount != nil {
		amt = r.Amount.String()
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s", r.intent(), r.TradeType, in, out, amt)
}

func (r Request) intent() domain.QuoteIntent {
	if r.Intent == "" {
		return domain.IntentQuote
	}
	return r.Intent
}

// Backend fetches a priced trade from the routing service.
type Backend interface {
	Quote(ctx context.Context, req Request) (domain.Trade, error)
}

// Result is the outcome of Quote. A superseded result must not be applied.
type Result struct {
	Candidate  domain.TradeCandidate
	Superseded bool
}

type lane struct {
	mu    sync.Mutex
	seq   uint64
	cache map[string]domain.TradeCandidate
}

func (l *lane) next() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	return l.seq
}

func (l *lane) current(seq uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq == seq
}

// Client is the debounced quote client.
type Client struct {
	backend   Backend
	debounce  time.Duration
	freshness time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu    sync.Mutex
	lanes map[domain.QuoteIntent]*lane
}

// NewClient creates a Client. Candidates older than freshness are stale.
func NewClient(backend Backend, debounce, freshness time.Duration, logger *slog.Logger) *Client {
	return &Client{
		backend:   backend,
		debounce:  debounce,
		freshness: freshness,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "quote_client")),
		lanes:     make(map[domain.QuoteIntent]*lane),
	}
}

func (c *Client) lane(intent domain.QuoteIntent) *lane {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.lanes[intent]
	if !ok {
		l = &lane{cache: make(map[string]domain.TradeCandidate)}
		c.lanes[intent] = l
	}
	return l
}

// Quote returns the candidate for req. Errors are reported in the
// candidate, never returned.
func (c *Client) Quote(ctx context.Context, req Request) Result {
	intent := req.intent()
	l := c.lane(intent)
	seq := l.next()
	key := req.Key()

	if reason := validate(req); reason != "" {
		metrics.RecordQuote(string(intent), "invalid_input")
		return Result{Candidate: domain.TradeCandidate{State: domain.CandidateInvalid, Error: reason, Key: key}}
	}

	if cand, ok := c.cached(l, key); ok {
		metrics.RecordQuote(string(intent), "cache_hit")
		return Result{Candidate: cand}
	}

	if c.debounce > 0 {
		timer := time.NewTimer(c.debounce)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{Superseded: true}
		case <-timer.C:
		}
	}
	if !l.current(seq) {
		metrics.RecordQuote(string(intent), "superseded")
		return Result{Superseded: true}
	}

	trade, err := c.backend.Quote(ctx, req)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seq != seq {
		metrics.RecordQuote(string(intent), "superseded")
		c.logger.DebugContext(ctx, "dropping superseded quote response", slog.String("key", key))
		return Result{Superseded: true}
	}
	if err != nil {
		metrics.RecordQuote(string(intent), "error")
		c.logger.WarnContext(ctx, "quote failed", slog.String("key", key), slog.String("error", err.Error()))
		return Result{Candidate: domain.TradeCandidate{State: domain.CandidateInvalid, Error: reason(err), Key: key}}
	}

	cand := domain.TradeCandidate{
		State:    domain.CandidateValid,
		Trade:    trade,
		QuotedAt: c.now(),
		Key:      key,
	}
	l.cache[key] = cand
	metrics.RecordQuote(string(intent), "ok")
	return Result{Candidate: cand}
}

// Cancel makes every in-flight request of the intent's lane ignorable.
func (c *Client) Cancel(intent domain.QuoteIntent) {
	c.lane(intent).next()
}

// CancelAll cancels both lanes and drops cached candidates, used when the
// active chain changes.
func (c *Client) CancelAll() {
	for _, intent := range []domain.QuoteIntent{domain.IntentQuote, domain.IntentPricing} {
		l := c.lane(intent)
		l.mu.Lock()
		l.seq++
		l.cache = make(map[string]domain.TradeCandidate)
		l.mu.Unlock()
	}
}

// Peek returns the last candidate for req without a network call, marked
// stale when it is older than the freshness window.
func (c *Client) Peek(req Request) (domain.TradeCandidate, bool) {
	l := c.lane(req.intent())
	l.mu.Lock()
	cand, ok := l.cache[req.Key()]
	l.mu.Unlock()
	if !ok {
		return domain.TradeCandidate{}, false
	}
	return c.CheckFreshness(cand), true
}

// CheckFreshness marks a valid candidate stale once it ages past the
// freshness window.
func (c *Client) CheckFreshness(cand domain.TradeCandidate) domain.TradeCandidate {
	if cand.State == domain.CandidateValid && c.freshness > 0 && c.now().Sub(cand.QuotedAt) > c.freshness {
		cand.State = domain.CandidateStale
	}
	return cand
}

func (c *Client) cached(l *lane, key string) (domain.TradeCandidate, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cand, ok := l.cache[key]
	if !ok || c.CheckFreshness(cand).State != domain.CandidateValid {
		return domain.TradeCandidate{}, false
	}
	return cand, true
}

func validate(req Request) string {
	switch {
	case req.Input == nil || req.Output == nil:
		return "select a token"
	case req.Amount == nil || req.Amount.Sign() <= 0:
		return "enter an amount"
	}
	return ""
}

func reason(err error) string {
	switch {
	case errors.Is(err, domain.ErrNoRoute):
		return domain.ErrNoRoute.Error()
	case errors.Is(err, domain.ErrRateLimited):
		return "too many requests, try again shortly"
	default:
		return domain.ErrQuoteUnavailable.Error()
	}
}
