package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/swapdesk/internal/domain"
	"github.com/alanyoungcy/swapdesk/internal/metrics"
	"github.com/alanyoungcy/swapdesk/internal/wallet"
)

// Watcher polls receipts of pending transactions and resolves them:
// success confirms, a revert fails with a notification, and a transaction
// still missing after its deadline is dropped without one.
type Watcher struct {
	wallet   wallet.Wallet
	registry TxRegistry
	balances Balances
	notifier Notifier
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewWatcher creates a Watcher. notifier may be nil.
func NewWatcher(w wallet.Wallet, registry TxRegistry, balances Balances, notifier Notifier, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 4 * time.Second
	}
	return &Watcher{
		wallet:   w,
		registry: registry,
		balances: balances,
		notifier: notifier,
		interval: interval,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "tx_watcher")),
	}
}

// Run polls until ctx is cancelled. Call in a goroutine.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check makes one pass over the pending transactions.
func (w *Watcher) Check(ctx context.Context) {
	for _, tx := range w.registry.Pending("") {
		receipt, err := w.wallet.GetTransactionReceipt(ctx, tx.ChainID, tx.Hash)
		if err != nil {
			w.logger.DebugContext(ctx, "receipt fetch failed", slog.String("tx_hash", tx.Hash), slog.String("error", err.Error()))
			continue
		}

		if receipt == nil {
			if !tx.Deadline.IsZero() && w.now().After(tx.Deadline) {
				w.registry.ResolveTransaction(ctx, tx.Hash, domain.TxStatusDropped)
				w.logger.InfoContext(ctx, "transaction dropped", slog.String("tx_hash", tx.Hash), slog.String("kind", string(tx.Kind)))
				metrics.RecordSettlement(string(domain.RoutingClassic), "dropped")
			}
			continue
		}

		if receipt.Succeeded() {
			w.registry.ResolveTransaction(ctx, tx.Hash, domain.TxStatusConfirmed)
			w.logger.InfoContext(ctx, "transaction confirmed",
				slog.String("tx_hash", tx.Hash),
				slog.String("kind", string(tx.Kind)),
				slog.Uint64("block", receipt.BlockNumber),
			)
			if tx.Kind == domain.TxKindSwap {
				metrics.RecordSettlement(string(domain.RoutingClassic), "confirmed")
			}
			w.refresh(ctx, tx)
			continue
		}

		w.registry.ResolveTransaction(ctx, tx.Hash, domain.TxStatusFailed)
		w.logger.WarnContext(ctx, "transaction reverted", slog.String("tx_hash", tx.Hash), slog.String("kind", string(tx.Kind)))
		if tx.Kind == domain.TxKindSwap {
			metrics.RecordSettlement(string(domain.RoutingClassic), "reverted")
		}
		if w.notifier != nil {
			if err := w.notifier.Notify(ctx, EventSwapFailed, "Swap failed", describeFailure(tx)); err != nil {
				w.logger.WarnContext(ctx, "notification failed", slog.String("error", err.Error()))
			}
		}
		w.refresh(ctx, tx)
	}
}

func (w *Watcher) refresh(ctx context.Context, tx domain.PendingTransaction) {
	var cs []domain.Currency
	if tx.Input != nil {
		cs = append(cs, *tx.Input)
	}
	if tx.Output != nil {
		cs = append(cs, *tx.Output)
	}
	if len(cs) == 0 || w.balances == nil {
		return
	}
	if err := w.balances.RefreshBalances(ctx, tx.Owner, cs...); err != nil {
		w.logger.WarnContext(ctx, "refresh balances failed", slog.String("tx_hash", tx.Hash), slog.String("error", err.Error()))
	}
}

func describeFailure(tx domain.PendingTransaction) string {
	if tx.Input != nil && tx.Output != nil {
		return fmt.Sprintf("%s → %s reverted on chain %d (%s)", tx.Input.Symbol, tx.Output.Symbol, tx.ChainID, tx.Hash)
	}
	return fmt.Sprintf("%s transaction reverted on chain %d (%s)", tx.Kind, tx.ChainID, tx.Hash)
}
