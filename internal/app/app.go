// Package app provides the top-level application lifecycle of the swap
// daemon. It wires the infrastructure and engine components together and
// runs the background loops and the API server until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/swapdesk/internal/config"
	"github.com/alanyoungcy/swapdesk/internal/server"
	"github.com/alanyoungcy/swapdesk/internal/server/handler"
	"github.com/alanyoungcy/swapdesk/internal/server/ws"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, starts the pending transaction watcher, the
// WebSocket hub and the API server, and blocks until ctx is cancelled or one
// of them fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.Int("chains", len(a.cfg.Chains)),
		slog.Bool("database", a.cfg.Database.Enabled),
		slog.Bool("redis", a.cfg.Redis.Enabled),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	engine, closeEngine, err := BuildEngine(ctx, a.cfg, deps, a.logger)
	if err != nil {
		return fmt.Errorf("app: build engine: %w", err)
	}
	a.closers = append(a.closers, closeEngine)
	a.logger.InfoContext(ctx, "engine ready", slog.String("wallet", engine.Wallet.Address()))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Watcher.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		hub := ws.NewHub(deps.SignalBus, engine.Sessions, a.logger)
		g.Go(func() error {
			return hub.Run(ctx)
		})

		srv := server.NewServer(a.serverConfig(), a.handlers(deps, engine), hub, deps.RateLimiter, a.logger)
		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return context.Canceled
}

func (a *App) serverConfig() server.Config {
	sc := a.cfg.Server
	return server.Config{
		Port:        sc.Port,
		CORSOrigins: sc.CORSOrigins,
		APIKey:      sc.APIKey,
		RateLimit:   sc.RateLimit,
		RateWindow:  sc.RateWindowDuration(),
	}
}

func (a *App) handlers(deps *Dependencies, engine *Engine) server.Handlers {
	h := server.Handlers{
		Health: handler.NewHealthHandler(deps.Checks, a.logger),
		Orders: handler.NewOrderHandler(engine.History, a.logger),
	}
	if deps.AuditStore != nil {
		h.Sessions = handler.NewSessionHandler(engine.Sessions, deps.AuditStore, deps.LockManager, a.logger)
		h.Audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	} else {
		h.Sessions = handler.NewSessionHandler(engine.Sessions, nil, deps.LockManager, a.logger)
	}
	return h
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
