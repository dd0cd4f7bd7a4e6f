package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/swapdesk/internal/approval"
	"github.com/alanyoungcy/swapdesk/internal/domain"
	"github.com/alanyoungcy/swapdesk/internal/session"
)

// submitLockTTL bounds how long a crashed submission can block the owner.
const submitLockTTL = 2 * time.Minute

// Auditor appends to the audit log.
type Auditor interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}

// SessionHandler exposes the swap sessions over HTTP. Every mutating route
// answers with the session snapshot after the change.
type SessionHandler struct {
	manager *session.Manager
	audit   Auditor            // optional
	locks   domain.LockManager // optional
	logger  *slog.Logger
}

// NewSessionHandler creates a SessionHandler. audit and locks may be nil.
func NewSessionHandler(manager *session.Manager, audit Auditor, locks domain.LockManager, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		manager: manager,
		audit:   audit,
		locks:   locks,
		logger:  logHandler(logger, "session"),
	}
}

type createSessionRequest struct {
	Owner   string `json:"owner"`
	ChainID int64  `json:"chainId"`
}

// Create opens a session.
// POST /api/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	s, err := h.manager.Create(r.Context(), req.Owner, req.ChainID)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.Snapshot())
}

// Get returns the current snapshot.
// GET /api/sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// List returns the IDs of the live sessions.
// GET /api/sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": h.manager.List()})
}

// Delete closes a session.
// DELETE /api/sessions/{id}
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Remove(r.PathValue("id")); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type selectCurrencyRequest struct {
	Field    domain.Field    `json:"field"`
	Currency domain.Currency `json:"currency"`
}

// SelectCurrency sets one side of the swap.
// POST /api/sessions/{id}/currency
func (h *SessionHandler) SelectCurrency(w http.ResponseWriter, r *http.Request) {
	var req selectCurrencyRequest
	h.mutate(w, r, &req, func(ctx context.Context, s *session.Session) (session.Snapshot, error) {
		return s.SelectCurrency(ctx, req.Field, req.Currency)
	})
}

type typeAmountRequest struct {
	Field domain.Field `json:"field"`
	Value string       `json:"value"`
}

// TypeAmount sets the typed amount.
// POST /api/sessions/{id}/amount
func (h *SessionHandler) TypeAmount(w http.ResponseWriter, r *http.Request) {
	var req typeAmountRequest
	h.mutate(w, r, &req, func(ctx context.Context, s *session.Session) (session.Snapshot, error) {
		return s.TypeAmount(ctx, req.Field, req.Value)
	})
}

// SwitchSides exchanges input and output.
// POST /api/sessions/{id}/switch
func (h *SessionHandler) SwitchSides(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, nil, func(ctx context.Context, s *session.Session) (session.Snapshot, error) {
		return s.SwitchSides(ctx), nil
	})
}

type switchChainRequest struct {
	ChainID int64 `json:"chainId"`
}

// SwitchChain moves the session to another chain.
// POST /api/sessions/{id}/chain
func (h *SessionHandler) SwitchChain(w http.ResponseWriter, r *http.Request) {
	var req switchChainRequest
	h.mutate(w, r, &req, func(ctx context.Context, s *session.Session) (session.Snapshot, error) {
		return s.SwitchChain(ctx, req.ChainID)
	})
}

type slippageRequest struct {
	// Bps is the tolerance override; null returns to automatic.
	Bps *int64 `json:"bps"`
}

// SetSlippage sets or clears the tolerance override.
// POST /api/sessions/{id}/slippage
func (h *SessionHandler) SetSlippage(w http.ResponseWriter, r *http.Request) {
	var req slippageRequest
	h.mutate(w, r, &req, func(ctx context.Context, s *session.Session) (session.Snapshot, error) {
		return s.SetSlippage(ctx, req.Bps)
	})
}

type recipientRequest struct {
	Address string `json:"address"`
}

// SetRecipient routes the output to another address.
// POST /api/sessions/{id}/recipient
func (h *SessionHandler) SetRecipient(w http.ResponseWriter, r *http.Request) {
	var req recipientRequest
	h.mutate(w, r, &req, func(ctx context.Context, s *session.Session) (session.Snapshot, error) {
		return s.SetRecipient(ctx, req.Address)
	})
}

// Clear resets the typed amount and recipient.
// POST /api/sessions/{id}/clear
func (h *SessionHandler) Clear(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, nil, func(ctx context.Context, s *session.Session) (session.Snapshot, error) {
		return s.Clear(ctx), nil
	})
}

// Quote requests a fresh quote for the current inputs.
// POST /api/sessions/{id}/quote
func (h *SessionHandler) Quote(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, nil, func(ctx context.Context, s *session.Session) (session.Snapshot, error) {
		return s.RefreshQuote(ctx)
	})
}

// Approve runs the next approval step.
// POST /api/sessions/{id}/approve
func (h *SessionHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, nil, func(ctx context.Context, s *session.Session) (session.Snapshot, error) {
		snap, err := s.Approve(ctx)
		if err == nil && snap.Approval.State == approval.StateDone {
			h.record(ctx, "approval_done", map[string]any{
				"session": s.ID(),
				"owner":   s.Owner(),
				"tx_hash": snap.Approval.TxHash,
				"permit":  snap.Approval.Permit,
			})
		}
		return snap, err
	})
}

// Submit settles the current candidate. Submissions of one owner are
// serialized across processes when a lock manager is configured.
// POST /api/sessions/{id}/submit
func (h *SessionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, nil, func(ctx context.Context, s *session.Session) (session.Snapshot, error) {
		if h.locks != nil {
			unlock, err := h.locks.Acquire(ctx, "submit:"+s.Owner(), submitLockTTL)
			if err != nil {
				return session.Snapshot{}, fmt.Errorf("submit: %w", err)
			}
			defer unlock()
		}

		snap, err := s.Submit(ctx)
		if err != nil {
			return snap, err
		}
		if res := snap.LastSettlement; res != nil && snap.Error == "" {
			h.record(ctx, "swap_submitted", map[string]any{
				"session":    s.ID(),
				"owner":      s.Owner(),
				"chain_id":   snap.ChainID,
				"routing":    string(res.Routing),
				"tx_hash":    res.TxHash,
				"order_hash": res.OrderHash,
			})
		}
		return snap, nil
	})
}

// Activity returns the owner's merged activity feed.
// GET /api/sessions/{id}/activity
func (h *SessionHandler) Activity(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": s.Activity()})
}

func (h *SessionHandler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.manager.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return nil, false
	}
	return s, true
}

// mutate decodes body into req when non-nil, applies fn to the addressed
// session and writes the resulting snapshot.
func (h *SessionHandler) mutate(w http.ResponseWriter, r *http.Request, req any, fn func(context.Context, *session.Session) (session.Snapshot, error)) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if req != nil {
		if err := decodeJSON(r, req); err != nil {
			writeDomainError(w, h.logger, r, err)
			return
		}
	}
	snap, err := fn(r.Context(), s)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *SessionHandler) record(ctx context.Context, event string, detail map[string]any) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Log(ctx, event, detail); err != nil {
		h.logger.WarnContext(ctx, "audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
