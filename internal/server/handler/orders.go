package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/swapdesk/internal/domain"
)

// OrderHistory lists and looks up submitted delegated orders.
type OrderHistory interface {
	GetByHash(ctx context.Context, hash string) (domain.Order, error)
	ListOpen(ctx context.Context, swapper string) ([]domain.Order, error)
	ListBySwapper(ctx context.Context, swapper string, opts domain.ListOpts) ([]domain.Order, error)
}

// OrderHandler serves delegated order history.
type OrderHandler struct {
	orders OrderHistory
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(orders OrderHistory, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, logger: logHandler(logger, "orders")}
}

type listOrdersResponse struct {
	Orders []domain.Order `json:"orders"`
}

// ListOrders returns the orders of a swapper, newest first.
// GET /api/orders?swapper=0x...&open=true&since=RFC3339&limit=50&offset=0
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	swapper := q.Get("swapper")
	if swapper == "" {
		writeError(w, http.StatusBadRequest, "swapper query parameter required")
		return
	}

	var (
		orders []domain.Order
		err    error
	)
	if q.Get("open") == "true" {
		orders, err = h.orders.ListOpen(r.Context(), swapper)
	} else {
		opts := parseListOpts(r)
		if v := q.Get("since"); v != "" {
			since, perr := time.Parse(time.RFC3339, v)
			if perr != nil {
				writeError(w, http.StatusBadRequest, "since must be RFC3339")
				return
			}
			opts.Since = &since
		}
		orders, err = h.orders.ListBySwapper(r.Context(), swapper, opts)
	}
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: orders})
}

// GetOrder returns one order.
// GET /api/orders/{hash}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetByHash(r.Context(), r.PathValue("hash"))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
