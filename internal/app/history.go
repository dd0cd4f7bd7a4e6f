package app

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/swapdesk/internal/domain"
	"github.com/alanyoungcy/swapdesk/internal/orders"
	"github.com/alanyoungcy/swapdesk/internal/server/handler"
)

// OrderHistory is what the orders endpoint reads from.
type OrderHistory = handler.OrderHistory

// trackerHistory serves order history from the in-process tracker when no
// database is configured. It only knows orders placed since startup.
type trackerHistory struct {
	tracker *orders.Tracker
}

func (h trackerHistory) GetByHash(_ context.Context, hash string) (domain.Order, error) {
	o, ok := h.tracker.Get(hash)
	if !ok {
		return domain.Order{}, fmt.Errorf("order %s: %w", hash, domain.ErrNotFound)
	}
	return o, nil
}

func (h trackerHistory) ListOpen(_ context.Context, swapper string) ([]domain.Order, error) {
	return h.tracker.Open(swapper), nil
}

func (h trackerHistory) ListBySwapper(_ context.Context, swapper string, opts domain.ListOpts) ([]domain.Order, error) {
	all := h.tracker.Orders(swapper)
	out := all[:0:0]
	for _, o := range all {
		if opts.Since != nil && o.SubmittedAt.Before(*opts.Since) {
			continue
		}
		out = append(out, o)
	}
	if opts.Offset >= len(out) {
		return []domain.Order{}, nil
	}
	out = out[opts.Offset:]
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

var _ OrderHistory = trackerHistory{}
