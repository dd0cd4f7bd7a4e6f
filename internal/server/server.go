// Package server is the HTTP and WebSocket surface of the swap engine.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/swapdesk/internal/domain"
	"github.com/alanyoungcy/swapdesk/internal/server/handler"
	"github.com/alanyoungcy/swapdesk/internal/server/middleware"
	"github.com/alanyoungcy/swapdesk/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit requests per RateWindow per client IP. Zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Orders and
// Audit are optional.
type Handlers struct {
	Health   *handler.HealthHandler
	Sessions *handler.SessionHandler
	Orders   *handler.OrderHandler
	Audit    *handler.AuditHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware
// chain. limiter may be nil.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, handlers, hub, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute, // submit waits on the wallet
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed and wrapped http.Handler.
func NewHandler(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	s := handlers.Sessions
	mux.HandleFunc("GET /api/sessions", s.List)
	mux.HandleFunc("POST /api/sessions", s.Create)
	mux.HandleFunc("GET /api/sessions/{id}", s.Get)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.Delete)
	mux.HandleFunc("POST /api/sessions/{id}/currency", s.SelectCurrency)
	mux.HandleFunc("POST /api/sessions/{id}/amount", s.TypeAmount)
	mux.HandleFunc("POST /api/sessions/{id}/switch", s.SwitchSides)
	mux.HandleFunc("POST /api/sessions/{id}/chain", s.SwitchChain)
	mux.HandleFunc("POST /api/sessions/{id}/slippage", s.SetSlippage)
	mux.HandleFunc("POST /api/sessions/{id}/recipient", s.SetRecipient)
	mux.HandleFunc("POST /api/sessions/{id}/clear", s.Clear)
	mux.HandleFunc("POST /api/sessions/{id}/quote", s.Quote)
	mux.HandleFunc("POST /api/sessions/{id}/approve", s.Approve)
	mux.HandleFunc("POST /api/sessions/{id}/submit", s.Submit)
	mux.HandleFunc("GET /api/sessions/{id}/activity", s.Activity)

	if handlers.Orders != nil {
		mux.HandleFunc("GET /api/orders", handlers.Orders.ListOrders)
		mux.HandleFunc("GET /api/orders/{hash}", handlers.Orders.GetOrder)
	}
	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/audit", handlers.Audit.List)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	// Innermost first: the limiter sees only authenticated requests.
	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.Metrics()(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
