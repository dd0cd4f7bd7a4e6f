// Package activity keeps the locally created activity rows of the process:
// submitted transactions awaiting inclusion and the optimistic copies of
// signed orders. Changes are published on the signal bus.
package activity

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/swapdesk/internal/domain"
	"github.com/alanyoungcy/swapdesk/internal/metrics"
)

// Channel is the signal bus channel activity events are published on.
const Channel = "activity"

// Event types.
const (
	EventAdded   = "added"
	EventUpdated = "updated"
	EventRemoved = "removed"
)

// Event is the payload published for every change.
type Event struct {
	Type   string                `json:"type"`
	Record domain.ActivityRecord `json:"record"`
}

// Registry is safe for concurrent use.
type Registry struct {
	bus    domain.SignalBus
	logger *slog.Logger

	mu      sync.RWMutex
	pending map[string]domain.PendingTransaction // by tx hash
	records map[string]domain.ActivityRecord     // by dedup key
}

// NewRegistry creates an empty Registry. bus may be nil.
func NewRegistry(bus domain.SignalBus, logger *slog.Logger) *Registry {
	return &Registry{
		bus:     bus,
		logger:  logger.With(slog.String("component", "activity")),
		pending: make(map[string]domain.PendingTransaction),
		records: make(map[string]domain.ActivityRecord),
	}
}

// TrackTransaction records a submitted transaction as pending.
func (r *Registry) TrackTransaction(ctx context.Context, tx domain.PendingTransaction) {
	if tx.Status == "" {
		tx.Status = domain.TxStatusPending
	}
	rec := transactionRecord(tx)

	r.mu.Lock()
	r.pending[tx.Hash] = tx
	r.records[rec.DedupKey()] = rec
	n := len(r.pending)
	r.mu.Unlock()

	metrics.SetPendingTransactions(n)
	r.publish(ctx, EventAdded, rec)
}

// ResolveTransaction moves a pending transaction to a final status. A
// dropped transaction disappears from activity entirely. Unknown hashes
// are ignored.
func (r *Registry) ResolveTransaction(ctx context.Context, hash string, status domain.TxStatus) {
	r.mu.Lock()
	tx, ok := r.pending[hash]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, hash)
	tx.Status = status
	rec := transactionRecord(tx)
	if status == domain.TxStatusDropped {
		delete(r.records, rec.DedupKey())
	} else {
		r.records[rec.DedupKey()] = rec
	}
	n := len(r.pending)
	r.mu.Unlock()

	metrics.SetPendingTransactions(n)
	if status == domain.TxStatusDropped {
		r.publish(ctx, EventRemoved, rec)
		return
	}
	r.publish(ctx, EventUpdated, rec)
}

// TrackOrder records or updates the local copy of an order.
func (r *Registry) TrackOrder(ctx context.Context, o domain.Order) {
	rec := OrderRecord(o, domain.SourceLocal)

	r.mu.Lock()
	_, existed := r.records[rec.DedupKey()]
	r.records[rec.DedupKey()] = rec
	r.mu.Unlock()

	if existed {
		r.publish(ctx, EventUpdated, rec)
		return
	}
	r.publish(ctx, EventAdded, rec)
}

// Pending returns the pending transactions of owner, oldest first. An empty
// owner matches every transaction.
func (r *Registry) Pending(owner string) []domain.PendingTransaction {
	r.mu.RLock()
	out := make([]domain.PendingTransaction, 0, len(r.pending))
	for _, tx := range r.pending {
		if owner == "" || strings.EqualFold(tx.Owner, owner) {
			out = append(out, tx)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Local returns the local records of owner, newest first.
func (r *Registry) Local(owner string) []domain.ActivityRecord {
	r.mu.RLock()
	out := make([]domain.ActivityRecord, 0, len(r.records))
	for _, rec := range r.records {
		if strings.EqualFold(rec.Owner, owner) {
			out = append(out, rec)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

func (r *Registry) publish(ctx context.Context, typ string, rec domain.ActivityRecord) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(Event{Type: typ, Record: rec})
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, Channel, payload); err != nil {
		r.logger.WarnContext(ctx, "publish activity event failed",
			slog.String("event", typ),
			slog.String("id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}

func transactionRecord(tx domain.PendingTransaction) domain.ActivityRecord {
	meta := map[string]string{"kind": string(tx.Kind)}
	if tx.Input != nil {
		meta["input"] = tx.Input.Symbol
	}
	if tx.Output != nil {
		meta["output"] = tx.Output.Symbol
	}
	return domain.ActivityRecord{
		ID:        tx.Hash,
		Kind:      domain.ActivityTransaction,
		Status:    string(tx.Status),
		Source:    domain.SourceLocal,
		Owner:     tx.Owner,
		ChainID:   tx.ChainID,
		TxHash:    tx.Hash,
		Timestamp: tx.SubmittedAt,
		Metadata:  meta,
	}
}

// OrderRecord renders an order as an activity row.
func OrderRecord(o domain.Order, source domain.ActivitySource) domain.ActivityRecord {
	ts := o.UpdatedAt
	if ts.IsZero() {
		ts = o.SubmittedAt
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return domain.ActivityRecord{
		ID:        o.Hash,
		Kind:      domain.ActivityOrder,
		Status:    string(o.Status),
		Source:    source,
		Owner:     o.Swapper,
		ChainID:   o.ChainID,
		OrderHash: o.Hash,
		TxHash:    o.FillTxHash,
		Timestamp: ts,
		Metadata: map[string]string{
			"protocol":  string(o.Protocol),
			"input":     o.Input.Symbol,
			"output":    o.Output.Symbol,
			"amountIn":  o.AmountIn,
			"amountOut": o.AmountOut,
		},
	}
}
