// Package orders follows signed delegated orders until they reach a
// terminal status.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/swapdesk/internal/activity"
	"github.com/alanyoungcy/swapdesk/internal/domain"
)

// StatusSource reports remote order statuses.
type StatusSource interface {
	GetOrders(ctx context.Context, swapper string, hashes []string) ([]domain.OrderUpdate, error)
}

// Balances refreshes cached balances after a fill.
type Balances interface {
	RefreshBalances(ctx context.Context, owner string, currencies ...domain.Currency) error
}

// LocalActivity records the optimistic local copy of an order.
type LocalActivity interface {
	TrackOrder(ctx context.Context, o domain.Order)
}

// Notifier delivers order failure notifications.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// EventOrderExpired is sent when an order expires or is cancelled unfilled.
const EventOrderExpired = "order_expired"

var transitionRecorder = func(from, to string) {}

// RegisterTransitionRecorder allows external packages to observe status changes.
func RegisterTransitionRecorder(recorder func(from, to string)) {
	if recorder == nil {
		transitionRecorder = func(string, string) {}
		return
	}

	transitionRecorder = recorder
}

// Deps groups the collaborators of a Tracker. Only Source is required.
type Deps struct {
	Source   StatusSource
	Store    domain.OrderStore
	Balances Balances
	Activity LocalActivity
	Notifier Notifier
}

// Tracker polls the status source while any tracked order is non-terminal.
// The poll goroutine starts when an order enters OPEN and exits once every
// order is terminal or Close is called.
type Tracker struct {
	deps     Deps
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	orders  map[string]domain.Order
	seen    map[string]struct{} // hashes the status source has reported
	polling bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewTracker creates a Tracker.
func NewTracker(deps Deps, interval time.Duration, logger *slog.Logger) *Tracker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Tracker{
		deps:     deps,
		interval: interval,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "order_tracker")),
		orders:   make(map[string]domain.Order),
		seen:     make(map[string]struct{}),
	}
}

// Track takes ownership of a submitted order and starts polling.
func (t *Tracker) Track(ctx context.Context, o domain.Order) error {
	if o.Status == "" {
		o.Status = domain.OrderStatusOpen
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = t.now()
	}
	if t.deps.Store != nil {
		if err := t.deps.Store.Create(ctx, o); err != nil {
			t.logger.WarnContext(ctx, "persist order failed", slog.String("order_hash", o.Hash), slog.String("error", err.Error()))
		}
	}
	if t.deps.Activity != nil {
		t.deps.Activity.TrackOrder(ctx, o)
	}

	t.mu.Lock()
	t.orders[o.Hash] = o
	t.mu.Unlock()

	t.logger.InfoContext(ctx, "tracking order", slog.String("order_hash", o.Hash), slog.String("swapper", o.Swapper))
	if !o.Status.Terminal() {
		t.ensurePolling()
	}
	return nil
}

// Resume reloads the non-terminal orders of swapper from the store.
func (t *Tracker) Resume(ctx context.Context, swapper string) error {
	if t.deps.Store == nil {
		return nil
	}
	open, err := t.deps.Store.ListOpen(ctx, swapper)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}
	t.mu.Lock()
	for _, o := range open {
		if _, ok := t.orders[o.Hash]; !ok {
			t.orders[o.Hash] = o
		}
	}
	t.mu.Unlock()
	t.logger.InfoContext(ctx, "resumed orders", slog.String("swapper", swapper), slog.Int("count", len(open)))
	t.ensurePolling()
	return nil
}

// Get returns a tracked order.
func (t *Tracker) Get(hash string) (domain.Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[hash]
	return o, ok
}

// Orders returns the tracked orders of swapper, newest first.
func (t *Tracker) Orders(swapper string) []domain.Order {
	t.mu.Lock()
	out := make([]domain.Order, 0, len(t.orders))
	for _, o := range t.orders {
		if strings.EqualFold(o.Swapper, swapper) {
			out = append(out, o)
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

// Open returns the non-terminal orders of swapper.
func (t *Tracker) Open(swapper string) []domain.Order {
	var out []domain.Order
	for _, o := range t.Orders(swapper) {
		if !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	return out
}

// Remote renders the orders of swapper as they were last reported by the
// status source. Orders never seen remotely are omitted.
func (t *Tracker) Remote(swapper string) []domain.ActivityRecord {
	var out []domain.ActivityRecord
	for _, o := range t.Orders(swapper) {
		t.mu.Lock()
		_, ok := t.seen[o.Hash]
		t.mu.Unlock()
		if ok {
			out = append(out, activity.OrderRecord(o, domain.SourceRemote))
		}
	}
	return out
}

// Polling reports whether the poll goroutine is running.
func (t *Tracker) Polling() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.polling
}

// Close stops polling and waits for the goroutine to exit.
func (t *Tracker) Close() error {
	t.mu.Lock()
	t.closed = true
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (t *Tracker) ensurePolling() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.polling || t.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.polling = true
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(ctx, t.done)
}

func (t *Tracker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.stopPolling()
			return
		case <-ticker.C:
			t.Poll(ctx)
			if t.stopIfIdle() {
				t.logger.DebugContext(ctx, "no open orders, polling stopped")
				return
			}
		}
	}
}

func (t *Tracker) stopPolling() {
	t.mu.Lock()
	t.polling = false
	t.mu.Unlock()
}

// stopIfIdle clears the polling flag when nothing is left to watch. It is
// checked under the same lock Track uses, so a concurrent Track either sees
// polling still set or starts a new goroutine.
func (t *Tracker) stopIfIdle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range t.orders {
		if !o.Status.Terminal() {
			return false
		}
	}
	t.polling = false
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	return true
}

// Poll fetches the status of every non-terminal order once.
func (t *Tracker) Poll(ctx context.Context) {
	bySwapper := make(map[string][]string)
	t.mu.Lock()
	for _, o := range t.orders {
		if !o.Status.Terminal() {
			bySwapper[o.Swapper] = append(bySwapper[o.Swapper], o.Hash)
		}
	}
	t.mu.Unlock()

	for swapper, hashes := range bySwapper {
		sort.Strings(hashes)
		updates, err := t.deps.Source.GetOrders(ctx, swapper, hashes)
		if err != nil {
			t.logger.WarnContext(ctx, "order status poll failed", slog.String("swapper", swapper), slog.String("error", err.Error()))
			continue
		}
		t.Apply(ctx, updates)
	}
}

// Apply folds remote updates into the tracked orders. Backward or
// repeated transitions are ignored.
func (t *Tracker) Apply(ctx context.Context, updates []domain.OrderUpdate) {
	for _, u := range updates {
		t.mu.Lock()
		o, ok := t.orders[u.Hash]
		if !ok {
			t.mu.Unlock()
			continue
		}
		t.seen[u.Hash] = struct{}{}
		from := o.Status
		if !from.CanTransition(u.Status) {
			// A later poll may add the fill hash to an order already
			// seen as filled.
			if from == u.Status && u.FillTxHash != "" && o.FillTxHash == "" {
				o.FillTxHash = u.FillTxHash
				t.orders[u.Hash] = o
			}
			t.mu.Unlock()
			continue
		}
		o.Status = u.Status
		o.UpdatedAt = t.now()
		if u.FillTxHash != "" {
			o.FillTxHash = u.FillTxHash
		}
		t.orders[u.Hash] = o
		t.mu.Unlock()

		transitionRecorder(string(from), string(o.Status))
		t.logger.InfoContext(ctx, "order status changed",
			slog.String("order_hash", o.Hash),
			slog.String("from", string(from)),
			slog.String("to", string(o.Status)),
		)
		t.onTransition(ctx, o)
	}
}

func (t *Tracker) onTransition(ctx context.Context, o domain.Order) {
	if t.deps.Store != nil {
		if err := t.deps.Store.UpdateStatus(ctx, o.Hash, o.Status, o.FillTxHash); err != nil {
			t.logger.WarnContext(ctx, "persist order status failed", slog.String("order_hash", o.Hash), slog.String("error", err.Error()))
		}
	}
	// Keeps the local copy in step and announces the change to subscribers.
	if t.deps.Activity != nil {
		t.deps.Activity.TrackOrder(ctx, o)
	}

	switch o.Status {
	case domain.OrderStatusFilled:
		if t.deps.Balances != nil {
			if err := t.deps.Balances.RefreshBalances(ctx, o.Swapper, o.Input, o.Output); err != nil {
				t.logger.WarnContext(ctx, "refresh balances after fill failed", slog.String("order_hash", o.Hash), slog.String("error", err.Error()))
			}
		}
	case domain.OrderStatusExpired, domain.OrderStatusCancelled:
		if t.deps.Notifier != nil {
			msg := fmt.Sprintf("%s → %s order %s without a fill (%s)", o.Input.Symbol, o.Output.Symbol, o.Status, o.Hash)
			if err := t.deps.Notifier.Notify(ctx, EventOrderExpired, "Order not filled", msg); err != nil {
				t.logger.WarnContext(ctx, "notification failed", slog.String("error", err.Error()))
			}
		}
	}
}
