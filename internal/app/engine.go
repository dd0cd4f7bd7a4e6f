package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/swapdesk/internal/activity"
	"github.com/alanyoungcy/swapdesk/internal/allowance"
	"github.com/alanyoungcy/swapdesk/internal/approval"
	"github.com/alanyoungcy/swapdesk/internal/chain"
	"github.com/alanyoungcy/swapdesk/internal/config"
	"github.com/alanyoungcy/swapdesk/internal/crypto"
	"github.com/alanyoungcy/swapdesk/internal/domain"
	"github.com/alanyoungcy/swapdesk/internal/metrics"
	"github.com/alanyoungcy/swapdesk/internal/orders"
	"github.com/alanyoungcy/swapdesk/internal/platform/tradingapi"
	"github.com/alanyoungcy/swapdesk/internal/pricing"
	"github.com/alanyoungcy/swapdesk/internal/quote"
	"github.com/alanyoungcy/swapdesk/internal/session"
	"github.com/alanyoungcy/swapdesk/internal/settlement"
	"github.com/alanyoungcy/swapdesk/internal/wallet"
)

// nativeDecimals is the precision of every supported chain's native asset.
const nativeDecimals = 18

// Engine is the long-lived part of the swap engine shared by all sessions.
type Engine struct {
	Wallet    *wallet.LocalWallet
	Allowance *allowance.Tracker
	Activity  *activity.Registry
	Orders    *orders.Tracker
	Watcher   *settlement.Watcher
	Sessions  *session.Manager
	History   OrderHistory
}

// BuildEngine connects to every configured chain and assembles the shared
// components and the per-session factory.
func BuildEngine(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*Engine, func(), error) {
	approval.RegisterTransitionRecorder(metrics.RecordApprovalTransition)
	orders.RegisterTransitionRecorder(metrics.RecordOrderTransition)

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("engine: wallet key: %w", err)
	}
	signer := crypto.NewSignerFromKey(key)

	backends := make(map[int64]wallet.Backend, len(cfg.Chains))
	readers := make(map[int64]allowance.ChainReader, len(cfg.Chains))
	contracts := make(map[int64]approval.Contracts, len(cfg.Chains))
	settleChains := make(map[int64]settlement.Chain, len(cfg.Chains))
	sessionChains := make(map[int64]session.Chain, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		client, err := ethclient.DialContext(ctx, ch.RPCURL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("engine: dial chain %d: %w", ch.ID, err)
		}
		closers = append(closers, client.Close)

		backends[ch.ID] = client
		readers[ch.ID] = chain.NewReader(client, ch.DelegatedSpender)
		contracts[ch.ID] = approval.Contracts{
			DelegatedSpender:   ch.DelegatedSpender,
			SettlementContract: ch.SettlementContract,
			PermitSignatures:   ch.PermitSignatures,
		}
		settleChains[ch.ID] = settlement.Chain{
			Router:        ch.SettlementContract,
			WrappedNative: ch.WrappedNative,
			Fast:          ch.Fast,
		}
		sessionChains[ch.ID] = sessionChain(ch)
		logger.InfoContext(ctx, "chain configured", slog.Int64("chain_id", ch.ID), slog.String("name", ch.Name))
	}

	resetTokens, err := cfg.Approval.ResetRequiredTokens()
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("engine: %w", err)
	}
	resetPolicy := approval.NewResetPolicy(resetTokens)

	w := wallet.NewLocalWallet(signer, backends, logger)
	tracker := allowance.NewTracker(readers, deps.Allowances, deps.Balances, logger)
	registry := activity.NewRegistry(deps.SignalBus, logger)
	api := tradingapi.NewClient(cfg.TradingAPI.QuoteURL, cfg.TradingAPI.OrdersURL, cfg.TradingAPI.APIKey, cfg.TradingAPI.TimeoutDuration(), logger)

	orderDeps := orders.Deps{
		Source:   api,
		Balances: tracker,
		Activity: registry,
		Notifier: deps.Notifier,
	}
	if deps.OrderStore != nil {
		orderDeps.Store = deps.OrderStore
	}
	orderTracker := orders.NewTracker(orderDeps, cfg.Orders.PollIntervalDuration(), logger)
	closers = append(closers, func() { _ = orderTracker.Close() })
	if err := orderTracker.Resume(ctx, w.Address()); err != nil {
		logger.WarnContext(ctx, "resume open orders failed", slog.String("error", err.Error()))
	}

	watcher := settlement.NewWatcher(w, registry, tracker, deps.Notifier, cfg.Settlement.WatchIntervalDuration(), logger)
	evaluator := pricing.NewEvaluator(cfg.Pricing.SeverityBps, cfg.Pricing.AutoSlippageMin, cfg.Pricing.AutoSlippageMax)

	approvalCfg := approval.Config{
		DelegatedExpiry: cfg.Approval.DelegatedExpiryDuration(),
		PermitSigWindow: cfg.Approval.PermitSigWindowDuration(),
		ReceiptPoll:     cfg.Approval.ReceiptPollDuration(),
	}
	settleCfg := settlement.Config{
		DefaultDeadline: cfg.Settlement.DefaultDeadlineDuration(),
		FastDeadline:    cfg.Settlement.FastDeadlineDuration(),
		MaxQuoteAge:     cfg.Quote.FreshnessDuration(),
		ReceiptPoll:     cfg.Approval.ReceiptPollDuration(),
	}

	// The daemon signs with one key, so a session may only belong to that
	// address or to nobody.
	factory := func(owner string, _ int64) (session.Deps, error) {
		if owner != "" && !strings.EqualFold(owner, w.Address()) {
			return session.Deps{}, fmt.Errorf("owner %s is not the configured wallet: %w", owner, domain.ErrInvalidInput)
		}
		approvals := approval.NewCoordinator(tracker, w, contracts, resetPolicy, approvalCfg, logger)
		settler := settlement.NewCoordinator(settlement.Deps{
			Wallet:    w,
			Approver:  approvals,
			Evaluator: evaluator,
			Orders:    api,
			Sink:      orderTracker,
			Registry:  registry,
			Balances:  tracker,
			Notifier:  deps.Notifier,
		}, settleChains, settleCfg, logger)
		return session.Deps{
			Quotes:     quote.NewClient(api, cfg.Quote.DebounceDuration(), cfg.Quote.FreshnessDuration(), logger),
			Evaluator:  evaluator,
			Approvals:  approvals,
			Settlement: settler,
			Balances:   tracker,
			Activity:   registry,
			Orders:     orderTracker,
			Notifier:   deps.Notifier,
		}, nil
	}
	manager := session.NewManager(factory, session.Options{
		Chains:    sessionChains,
		AutoQuote: cfg.Quote.Auto,
		Bus:       deps.SignalBus,
	}, logger)
	closers = append(closers, manager.Close)

	var history OrderHistory = trackerHistory{tracker: orderTracker}
	if deps.OrderStore != nil {
		history = deps.OrderStore
	}

	return &Engine{
		Wallet:    w,
		Allowance: tracker,
		Activity:  registry,
		Orders:    orderTracker,
		Watcher:   watcher,
		Sessions:  manager,
		History:   history,
	}, cleanup, nil
}

func sessionChain(ch config.ChainConfig) session.Chain {
	symbol := ch.NativeSymbol
	if symbol == "" {
		symbol = "ETH"
	}
	out := session.Chain{
		ID: ch.ID,
		Native: domain.Currency{
			ChainID:  ch.ID,
			Address:  domain.NativeAddress,
			Symbol:   symbol,
			Decimals: nativeDecimals,
			Native:   true,
		},
	}
	if ch.Stable.Address != "" {
		out.Stable = &domain.Currency{
			ChainID:  ch.ID,
			Address:  ch.Stable.Address,
			Symbol:   ch.Stable.Symbol,
			Decimals: ch.Stable.Decimals,
		}
	}
	return out
}
