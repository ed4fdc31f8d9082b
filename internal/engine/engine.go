// Package engine is the central orchestrator of the latency-arb engine.
//
// It wires together every collaborator spec.md names:
//
//  1. Discovery polls for the live contract window per (asset, window) pair
//     and emits rotation events.
//  2. Engine binds each rotation onto the matching Strategy via SetMarket,
//     re-subscribing the contract feed and book mirror onto the new token
//     pair (reconcileRotation).
//  3. One deduplicated SpotFeed per underlying asset symbol and the shared
//     contract book mirror feed every bound Strategy; Strategy turns ticks
//     and book updates into Signals.
//  4. Engine enforces per-market stacking prevention, then Risk's canTrade,
//     before handing a signal to Executor.
//  5. Risk's kill channel and Executor's trade event stream are drained by
//     dedicated dispatch goroutines, the same non-blocking fan-out shape the
//     market maker used for its WS event dispatchers.
//
// Every goroutine Start() launches is tracked by one errgroup.Group so Stop
// has a single Wait() to join on, the same role the market maker's
// sync.WaitGroup played — a recovered panic is swallowed into an unhandled
// rejection rather than returned as an error, so one goroutine dying never
// cancels the group's shared context out from under its siblings.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"latencyarb/internal/config"
	"latencyarb/internal/discovery"
	"latencyarb/internal/exchange"
	"latencyarb/internal/executor"
	"latencyarb/internal/filltracker"
	"latencyarb/internal/numeric"
	"latencyarb/internal/risk"
	"latencyarb/internal/spotfeed"
	"latencyarb/internal/store"
	"latencyarb/internal/strategy"
	"latencyarb/pkg/types"
)

const (
	fillTrackerMinSample = 20
	shutdownTimeout      = 10 * time.Second
)

// windowState tracks which tokens and label are currently bound to one
// (asset, window) Strategy slot, so a later rotation knows what to tear
// down before binding the next one.
type windowState struct {
	strategy *strategy.Strategy
	tokens   []string // [tokenIDYes, tokenIDNo] currently registered, empty before first rotation
	label    string
}

// Engine routes market data to per-(asset,window) Strategy instances, gates
// their signals through Risk, and hands allowed signals to Executor.
type Engine struct {
	cfg     config.Config
	client  *exchange.Client
	auth    *exchange.Auth
	mktFeed *exchange.WSFeed
	books   *exchange.BookMirror
	disc    *discovery.Discovery
	riskMgr *risk.Manager
	exec    *executor.Executor
	store   *store.Store
	logger  *slog.Logger

	spotFeeds map[string]*spotfeed.Feed // keyed by asset symbol, deduplicated across windows

	mu        sync.RWMutex
	byToken   map[string]*strategy.Strategy // tokenID (yes or no) -> bound Strategy
	bySymbol  map[string][]*strategy.Strategy
	byWindow  map[string]*windowState // "asset:window" -> slot

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group // supervises every tracked goroutine started via goRun
}

// New creates and wires every Engine component. If L2 API credentials
// aren't configured and the engine isn't in dry-run, it derives them via L1
// (EIP-712) auth before returning.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	auth, err := exchange.NewAuth(cfg)
	if err != nil {
		return nil, fmt.Errorf("new auth: %w", err)
	}

	client := exchange.NewClient(cfg, auth, logger)

	if !cfg.DryRun && !auth.HasL2Credentials() {
		logger.Info("no L2 credentials, deriving API key via L1...")
		if _, err := client.DeriveAPIKey(context.Background()); err != nil {
			return nil, fmt.Errorf("derive api key: %w", err)
		}
	}

	mktFeed := exchange.NewMarketFeed(cfg.API.WSMarketURL, logger)
	books := exchange.NewBookMirror(logger)
	disc := discovery.New(cfg, logger)
	riskMgr := risk.NewManager(cfg.Risk, cfg.Risk.StartingBankroll, logger)
	tracker := filltracker.New(fillTrackerMinSample)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	exec := executor.New(ctx, cfg.Risk, client, riskMgr, tracker, cfg.NegRisk, logger)

	e := &Engine{
		cfg:       cfg,
		client:    client,
		auth:      auth,
		mktFeed:   mktFeed,
		books:     books,
		disc:      disc,
		riskMgr:   riskMgr,
		exec:      exec,
		store:     st,
		logger:    logger.With("component", "engine"),
		spotFeeds: make(map[string]*spotfeed.Feed),
		byToken:   make(map[string]*strategy.Strategy),
		bySymbol:  make(map[string][]*strategy.Strategy),
		byWindow:  make(map[string]*windowState),
		ctx:       groupCtx,
		cancel:    cancel,
		group:     group,
	}

	for _, asset := range cfg.Assets {
		if _, ok := e.spotFeeds[asset.Symbol]; !ok {
			e.spotFeeds[asset.Symbol] = spotfeed.NewFeed(cfg.API.SpotWSURL, asset.Symbol, asset.DailyVolSeed, logger)
		}

		strat := strategy.New(cfg.Strategy, cfg.Risk, asset.Symbol, riskMgr.Bankroll, tracker, logger)
		key := windowKey(asset.Symbol, asset.WindowLabel)
		e.byWindow[key] = &windowState{strategy: strat}
		e.bySymbol[asset.Symbol] = append(e.bySymbol[asset.Symbol], strat)
	}

	if err := e.restoreState(); err != nil {
		logger.Error("state restore failed, starting from a clean ledger", "error", err)
	}

	return e, nil
}

func windowKey(asset, window string) string {
	return asset + ":" + window
}

// restoreState loads the persisted document (if any) and replays it through
// Risk then Executor in the order crash recovery requires: bankroll first,
// then the position ledger, then Executor's in-memory trades. Dropped
// (stale) snapshots are audit-logged as expired_on_restore.
func (e *Engine) restoreState() error {
	st, err := e.store.LoadState()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if st == nil {
		return nil
	}

	e.riskMgr.Restore(risk.Snapshot{
		Bankroll:        st.Bankroll,
		DailyPnl:        st.DailyPnl,
		DailyPnlResetAt: st.DailyPnlResetAt,
	})
	e.riskMgr.RestorePositions(st.OpenPositions)
	dropped := e.exec.RestorePositions(st.OpenSnapshot)

	for _, snap := range dropped {
		trade := types.Trade{
			ID:          snap.ID,
			Signal:      snap.Signal,
			Direction:   snap.Direction,
			EntryPrice:  snap.EntryPrice,
			TokenQty:    snap.TokenQty,
			Size:        snap.Size,
			InitialSize: snap.InitialSize,
			OpenTime:    snap.OpenTime,
			OrderID:     snap.OrderID,
		}
		if err := e.store.AppendTrade(store.TradeAuditEntryFromTrade("expired_on_restore", trade)); err != nil {
			e.logger.Error("failed to audit-log expired restore snapshot", "trade_id", snap.ID, "error", err)
		}
	}

	e.logger.Info("state restored", "bankroll", st.Bankroll, "open_positions", len(st.OpenPositions), "dropped_stale", len(dropped))
	return nil
}

// Start launches every background goroutine: the market feed, one spot
// feed per asset, discovery polling, and the dispatch loops that fan
// contract book updates, spot ticks, rotations, trade events, and kill
// signals out to their handlers. Non-blocking; call Stop to shut down.
func (e *Engine) Start() error {
	e.goRun("market_feed", func(ctx context.Context) {
		if err := e.mktFeed.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("market feed error", "error", err)
		}
	})
	e.goRun("book_mirror", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-e.mktFeed.BookEvents():
				e.books.ApplyBookEvent(evt)
			case evt := <-e.mktFeed.PriceChangeEvents():
				e.books.ApplyPriceChange(evt)
			}
		}
	})

	for symbol, feed := range e.spotFeeds {
		feed := feed
		e.goRun("spot_feed:"+symbol, func(ctx context.Context) {
			if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("spot feed error", "symbol", symbol, "error", err)
			}
		})
		e.goRun("spot_dispatch:"+symbol, func(ctx context.Context) {
			e.dispatchSpotTicks(ctx, symbol, feed)
		})
	}

	e.goRun("discovery", func(ctx context.Context) {
		e.disc.Run(ctx)
	})

	e.goRun("book_dispatch", e.dispatchBookUpdates)
	e.goRun("rotation_dispatch", e.dispatchRotations)
	e.goRun("trade_event_dispatch", e.dispatchTradeEvents)
	e.goRun("kill_dispatch", e.dispatchKillSignals)

	return nil
}

// goRun hands fn to the errgroup that supervises every long-running
// feed/dispatch goroutine Start() launches. A recovered panic is turned
// into an unhandled rejection rather than an error the group propagates:
// the router is the one place that sees every collaborator goroutine, so
// it is also the one place that can make "5 unhandled rejections in 60s"
// meaningful — one goroutine panicking shouldn't cancel every other one
// via the group's shared context, so the wrapped func always returns nil.
func (e *Engine) goRun(name string, fn func(ctx context.Context)) {
	e.group.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("goroutine panicked", "name", name, "panic", r)
				e.riskMgr.NoteUnhandledRejection()
			}
		}()
		fn(e.ctx)
		return nil
	})
}

// Stop gracefully shuts down: cancels every goroutine's context, cancels
// every resting order as a safety net, persists final state, then waits for
// everything to exit before closing connections.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()

	cancelCtx, cancelCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	e.exec.CancelAllOrders(cancelCtx)
	cancelCancel()

	if err := e.persistState(); err != nil {
		e.logger.Error("failed to persist state on shutdown", "error", err)
	}

	if err := e.group.Wait(); err != nil {
		e.logger.Error("dispatch goroutine group exited with error", "error", err)
	}

	e.mktFeed.Close()
	for _, feed := range e.spotFeeds {
		feed.Close()
	}
	if err := e.store.Close(); err != nil {
		e.logger.Error("failed to close store", "error", err)
	}

	e.logger.Info("shutdown complete")
}

func (e *Engine) persistState() error {
	snap := e.riskMgr.Snapshot()
	st := store.State{
		Bankroll:        snap.Bankroll,
		DailyPnl:        snap.DailyPnl,
		DailyPnlResetAt: snap.DailyPnlResetAt,
		OpenPositions:   e.riskMgr.Positions(),
		OpenSnapshot:    e.exec.GetOpenSnapshot(),
	}
	return e.store.SaveState(st)
}

// dispatchBookUpdates routes normalized contract book updates to the
// Strategy bound to their token id.
func (e *Engine) dispatchBookUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-e.books.Updates():
			e.mu.RLock()
			strat, ok := e.byToken[update.TokenID]
			e.mu.RUnlock()
			if !ok {
				continue
			}
			if sig := strat.OnContractUpdate(update); sig != nil {
				e.handleSignal(ctx, *sig)
			}
		}
	}
}

// dispatchSpotTicks fans one asset's spot ticks out to every Strategy bound
// to that asset symbol (there may be several, one per traded window).
func (e *Engine) dispatchSpotTicks(ctx context.Context, symbol string, feed *spotfeed.Feed) {
	e.mu.RLock()
	strategies := e.bySymbol[symbol]
	e.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-feed.Ticks():
			for _, strat := range strategies {
				if sig := strat.OnSpotUpdate(tick); sig != nil {
					e.handleSignal(ctx, *sig)
				}
			}
		}
	}
}

// dispatchRotations binds each MarketDiscovery rotation onto its (asset,
// window) Strategy slot, tearing down the prior token registration first.
func (e *Engine) dispatchRotations(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-e.disc.Events():
			e.handleRotation(ctx, evt)
		}
	}
}

func (e *Engine) handleRotation(ctx context.Context, evt types.RotationEvent) {
	key := windowKey(evt.Asset, evt.Window)

	e.mu.Lock()
	slot, ok := e.byWindow[key]
	if !ok {
		e.mu.Unlock()
		e.logger.Warn("rotation for unconfigured window, ignoring", "asset", evt.Asset, "window", evt.Window)
		return
	}

	oldTokens := slot.tokens
	oldLabel := slot.label
	for _, tok := range oldTokens {
		delete(e.byToken, tok)
	}

	slot.strategy.SetMarket(evt.TokenIDYes, evt.TokenIDNo, evt.EndDate, evt.Label)
	newTokens := []string{evt.TokenIDYes, evt.TokenIDNo}
	e.byToken[evt.TokenIDYes] = slot.strategy
	e.byToken[evt.TokenIDNo] = slot.strategy
	slot.tokens = newTokens
	slot.label = evt.Label
	e.mu.Unlock()

	if len(oldTokens) > 0 {
		e.books.Unregister(oldTokens...)
		if err := e.mktFeed.Unsubscribe(ctx, oldTokens); err != nil {
			e.logger.Error("unsubscribe old tokens failed", "label", oldLabel, "error", err)
		}
	}

	e.books.Register(evt.TokenIDYes, evt.TokenIDNo)
	if err := e.mktFeed.Subscribe(ctx, newTokens); err != nil {
		e.logger.Error("subscribe new tokens failed", "label", evt.Label, "error", err)
	}

	if oldLabel != "" {
		e.exec.CancelOrdersForLabel(ctx, oldLabel)
	}

	e.logger.Info("rotation bound", "asset", evt.Asset, "window", evt.Window, "label", evt.Label)
}

// handleSignal enforces per-market stacking prevention, then canTrade,
// before handing the signal to Executor. Stacking prevention lives here
// rather than in Risk because Risk is market-agnostic.
func (e *Engine) handleSignal(ctx context.Context, sig types.Signal) {
	for _, t := range e.exec.OpenTrades() {
		if t.Signal.Label == sig.Label {
			return
		}
	}

	result := e.riskMgr.CanTrade(sig)
	if !result.Allowed {
		e.logger.Debug("signal rejected", "label", sig.Label, "reasons", result.Reasons)
		return
	}

	e.exec.Execute(ctx, sig)
}

// dispatchTradeEvents persists every open/close/partial_close/
// rotation_cancel event to the audit log as it's emitted.
func (e *Engine) dispatchTradeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-e.exec.Events():
			entry := store.TradeAuditEntryFromTrade(evt.Type, evt.Trade)
			if err := e.store.AppendTrade(entry); err != nil {
				e.logger.Error("failed to append trade audit entry", "trade_id", evt.Trade.ID, "error", err)
				e.riskMgr.NoteUnhandledRejection()
			}
		}
	}
}

// dispatchKillSignals reacts to the kill switch by cancelling every resting
// order immediately, ahead of the next periodic persistence.
func (e *Engine) dispatchKillSignals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case kill := <-e.riskMgr.KillCh():
			e.logger.Error("KILL SIGNAL received", "reason", kill.Reason, "at", kill.At)
			cancelCtx, cancelCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			e.exec.CancelAllOrders(cancelCtx)
			cancelCancel()
		}
	}
}

// Events returns the live trade event stream for dashboard consumers.
func (e *Engine) Events() <-chan types.TradeEvent {
	return e.exec.Events()
}

// OpenTrades returns a snapshot of every currently-open trade.
func (e *Engine) OpenTrades() map[string]types.Trade {
	return e.exec.OpenTrades()
}

// RecentTrades returns up to n of the most recently closed trades.
func (e *Engine) RecentTrades(n int) []types.Trade {
	return e.exec.RecentTrades(n)
}

// FillRateStats returns a snapshot of entry fill-rate counters.
func (e *Engine) FillRateStats() executor.FillRateStats {
	return e.exec.FillRateStats()
}

// AvgExecutionLatency returns the mean of the last 100 entry latencies.
func (e *Engine) AvgExecutionLatency() time.Duration {
	return e.exec.AvgExecutionLatency()
}

// LastNWinRate returns the fraction of the last n closed trades that were
// profitable.
func (e *Engine) LastNWinRate(n int) float64 {
	return e.exec.LastNWinRate(n)
}

// RiskSnapshot returns a read-only view of risk state for the dashboard.
func (e *Engine) RiskSnapshot() risk.Snapshot {
	return e.riskMgr.Snapshot()
}

// PnlStats returns running mean/variance statistics over every closed
// trade's realized pnl.
func (e *Engine) PnlStats() numeric.RunningStats {
	return e.exec.PnlStats()
}
