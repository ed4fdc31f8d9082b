// Package executor owns the order lifecycle state machine: placing entries,
// confirming fills, monitoring open positions for an exit condition, and
// committing closes exactly once per trade.
//
// This is the market maker's per-market quote loop turned inside out: the
// Maker continuously replaced two resting quotes against a moving
// inventory; the Executor places one entry, waits for it to confirm, then
// runs a bounded-lifetime monitor loop until an exit commits. The polling,
// best-effort-cancel-on-error, and bounded-history idioms are the same.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"latencyarb/internal/config"
	"latencyarb/internal/exchange"
	"latencyarb/internal/filltracker"
	"latencyarb/internal/numeric"
	"latencyarb/internal/risk"
	"latencyarb/pkg/types"
)

// Fixed timings, per the order-lifecycle design.
const (
	fillTimeout     = 5000 * time.Millisecond
	fillPollEvery   = 250 * time.Millisecond
	monitorInterval = 2000 * time.Millisecond
	maxHold         = 300_000 * time.Millisecond
	safetyBuffer    = 5000 * time.Millisecond

	edgeCollapseThreshold = 0.02
	qtyDustEpsilon        = 1e-8

	executionLatencyHistory = 100
	tradeHistoryLimit       = 500
)

// FillRateStats counts entry-attempt outcomes for observability.
type FillRateStats struct {
	Attempted int64
	Filled    int64
	Partial   int64
	Cancelled int64
	Failed    int64
}

// Executor orchestrates order lifecycle for every open trade.
type Executor struct {
	cfg     config.RiskConfig
	client  *exchange.Client
	risk    *risk.Manager
	tracker *filltracker.Tracker
	negRisk bool
	logger  *slog.Logger

	mu           sync.Mutex
	openOrders   map[string]*types.Trade
	tradeHistory []types.Trade

	statsMu            sync.Mutex
	fillStats          FillRateStats
	executionLatencies []time.Duration
	pnlStats           numeric.RunningStats

	events chan types.TradeEvent

	rootCtx context.Context
	wg      sync.WaitGroup
}

// New creates an Executor. rootCtx governs every per-trade monitor goroutine
// it spawns; cancelling it stops all monitors without closing any position.
func New(rootCtx context.Context, cfg config.RiskConfig, client *exchange.Client, riskMgr *risk.Manager, tracker *filltracker.Tracker, negRisk bool, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:        cfg,
		client:     client,
		risk:       riskMgr,
		tracker:    tracker,
		negRisk:    negRisk,
		logger:     logger.With("component", "executor"),
		openOrders: make(map[string]*types.Trade),
		events:     make(chan types.TradeEvent, 256),
		rootCtx:    rootCtx,
	}
}

// Events returns the trade event stream (open/close/partial_close/rotation_cancel).
func (e *Executor) Events() <-chan types.TradeEvent {
	return e.events
}

// Execute places an entry order for signal and, on confirmed non-zero fill,
// opens the position and starts its monitor. Returns nil if nothing filled
// or the order failed outright — Risk state is untouched in that case.
func (e *Executor) Execute(ctx context.Context, sig types.Signal) *types.Trade {
	e.bumpAttempted()

	requestedQty := sig.Size.Div(decimal.NewFromFloat(sig.EntryPrice))

	start := time.Now()
	order, err := e.client.PlaceOrder(ctx, types.UserOrder{
		TokenID:   sig.TokenID,
		Price:     sig.EntryPrice,
		Size:      requestedQty.InexactFloat64(),
		Side:      types.BUY,
		OrderType: types.OrderTypeGTC,
	}, e.negRisk)
	if err != nil {
		e.logger.Error("entry order placement failed", "token_id", sig.TokenID, "error", err)
		e.bumpFailed()
		return nil
	}

	e.recordLatency(time.Since(start))

	var fill types.FillResult
	if order.Status == "SIMULATED" {
		fill = types.FillResult{Status: types.FillMatched, FilledQty: requestedQty}
	} else {
		fill = e.waitForFill(ctx, order.ID, requestedQty, fillTimeout)
	}

	if e.tracker != nil {
		e.tracker.Record(sig, sig.BestBid, sig.BestAsk, fill.Status)
	}

	switch fill.Status {
	case types.FillMatched:
		e.bumpFilled()
	case types.FillPartial:
		if fill.FilledQty.IsZero() {
			e.bestEffortCancel(ctx, order.ID)
			e.bumpCancelled()
			return nil
		}
		e.bestEffortCancel(ctx, order.ID)
		e.bumpPartial()
	default: // TIMEOUT or CANCELLED with zero fills
		e.bestEffortCancel(ctx, order.ID)
		e.bumpCancelled()
		return nil
	}

	entryPrice := sig.EntryPrice
	if fill.AvgPrice != nil {
		entryPrice = fill.AvgPrice.InexactFloat64()
	}
	entryPriceDec := decimal.NewFromFloat(entryPrice)
	tokenQty := fill.FilledQty
	size := tokenQty.Mul(entryPriceDec)

	trade := &types.Trade{
		ID:          fmt.Sprintf("%s-%d", sig.TokenID, time.Now().UnixNano()),
		Signal:      sig,
		Direction:   sig.Direction,
		Status:      types.TradeOpen,
		EntryPrice:  entryPriceDec,
		TokenQty:    tokenQty,
		Size:        size,
		InitialSize: size,
		OpenTime:    time.Now(),
		OrderID:     order.ID,
	}

	if err := e.risk.OpenPosition(trade.ID, trade.Direction, size.InexactFloat64(), entryPrice); err != nil {
		e.logger.Error("risk rejected confirmed fill", "trade_id", trade.ID, "error", err)
		e.bumpFailed()
		return nil
	}

	e.mu.Lock()
	e.openOrders[trade.ID] = trade
	e.mu.Unlock()

	e.emit("open", *trade)
	e.startMonitor(trade)

	return trade
}

// waitForFill polls orderID every fillPollEvery until it matches, is
// cancelled, or timeoutMs elapses. Network errors inside the loop are
// swallowed; the deadline is authoritative.
func (e *Executor) waitForFill(ctx context.Context, orderID string, requestedQty decimal.Decimal, timeout time.Duration) types.FillResult {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(fillPollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return types.FillResult{Status: types.FillTimeout, FilledQty: decimal.Zero}
		case <-ticker.C:
		}

		state, err := e.client.GetOrder(ctx, orderID)
		if err != nil {
			if time.Now().After(deadline) {
				return e.finalFillAttempt(ctx, orderID, requestedQty)
			}
			continue
		}

		if result, done := classifyFill(state, requestedQty); done {
			return result
		}

		if time.Now().After(deadline) {
			return e.finalFillAttempt(ctx, orderID, requestedQty)
		}
	}
}

func (e *Executor) finalFillAttempt(ctx context.Context, orderID string, requestedQty decimal.Decimal) types.FillResult {
	state, err := e.client.GetOrder(ctx, orderID)
	if err != nil {
		return types.FillResult{Status: types.FillTimeout, FilledQty: decimal.Zero}
	}
	filled := parseFilledQty(state)
	if filled.IsPositive() {
		return types.FillResult{Status: types.FillPartial, AvgPrice: state.AvgPrice, FilledQty: clampQty(filled, requestedQty)}
	}
	return types.FillResult{Status: types.FillTimeout, FilledQty: decimal.Zero}
}

// classifyFill normalizes one poll's order state into a terminal FillResult,
// or reports done=false to keep polling.
func classifyFill(state *types.ExchangeOrderState, requestedQty decimal.Decimal) (types.FillResult, bool) {
	switch normalizeStatus(state.Status) {
	case "MATCHED", "FILLED":
		filled := parseFilledQty(state)
		if filled.IsZero() {
			filled = requestedQty
		}
		return types.FillResult{Status: types.FillMatched, AvgPrice: state.AvgPrice, FilledQty: clampQty(filled, requestedQty)}, true
	case "CANCELLED":
		filled := parseFilledQty(state)
		if filled.IsPositive() {
			return types.FillResult{Status: types.FillPartial, AvgPrice: state.AvgPrice, FilledQty: clampQty(filled, requestedQty)}, true
		}
		return types.FillResult{Status: types.FillCancelled, FilledQty: decimal.Zero}, true
	default: // OPEN / unknown
		return types.FillResult{}, false
	}
}

func normalizeStatus(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// parseFilledQty prefers size-remainingSize, then makerAmount, else 0.
func parseFilledQty(state *types.ExchangeOrderState) decimal.Decimal {
	if state.Size != nil && state.RemainingSize != nil {
		filled := state.Size.Sub(*state.RemainingSize)
		if isFiniteDecimal(filled) && filled.IsPositive() {
			return filled
		}
	}
	if state.MakerAmount != nil && isFiniteDecimal(*state.MakerAmount) && state.MakerAmount.IsPositive() {
		return *state.MakerAmount
	}
	return decimal.Zero
}

func isFiniteDecimal(d decimal.Decimal) bool {
	f, _ := d.Float64()
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func clampQty(qty, max decimal.Decimal) decimal.Decimal {
	if qty.IsNegative() {
		return decimal.Zero
	}
	if qty.GreaterThan(max) {
		return max
	}
	return qty
}

func (e *Executor) bestEffortCancel(ctx context.Context, orderID string) {
	if err := e.client.CancelOrder(ctx, orderID); err != nil {
		e.logger.Debug("cancel after unfilled entry failed (best effort)", "order_id", orderID, "error", err)
	}
}

func (e *Executor) bumpAttempted() { e.statsMu.Lock(); e.fillStats.Attempted++; e.statsMu.Unlock() }
func (e *Executor) bumpFilled()    { e.statsMu.Lock(); e.fillStats.Filled++; e.statsMu.Unlock() }
func (e *Executor) bumpPartial()   { e.statsMu.Lock(); e.fillStats.Partial++; e.statsMu.Unlock() }
func (e *Executor) bumpCancelled() { e.statsMu.Lock(); e.fillStats.Cancelled++; e.statsMu.Unlock() }
func (e *Executor) bumpFailed()    { e.statsMu.Lock(); e.fillStats.Failed++; e.statsMu.Unlock() }

func (e *Executor) recordLatency(d time.Duration) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.executionLatencies = append(e.executionLatencies, d)
	if len(e.executionLatencies) > executionLatencyHistory {
		e.executionLatencies = e.executionLatencies[len(e.executionLatencies)-executionLatencyHistory:]
	}
}

// FillRateStats returns a snapshot of entry-attempt counters.
func (e *Executor) FillRateStats() FillRateStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.fillStats
}

// AvgExecutionLatency returns the mean of the last 100 entry latencies.
func (e *Executor) AvgExecutionLatency() time.Duration {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	if len(e.executionLatencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range e.executionLatencies {
		total += d
	}
	return total / time.Duration(len(e.executionLatencies))
}

// PnlStats returns the running mean/variance of realized pnl across every
// closed trade this session.
func (e *Executor) PnlStats() numeric.RunningStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.pnlStats
}

// OpenTrades returns a snapshot of every currently-open trade, keyed by id.
func (e *Executor) OpenTrades() map[string]types.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]types.Trade, len(e.openOrders))
	for id, t := range e.openOrders {
		out[id] = *t
	}
	return out
}

// RecentTrades returns up to n of the most recently closed trades, newest
// last.
func (e *Executor) RecentTrades(n int) []types.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 || n >= len(e.tradeHistory) {
		out := make([]types.Trade, len(e.tradeHistory))
		copy(out, e.tradeHistory)
		return out
	}
	out := make([]types.Trade, n)
	copy(out, e.tradeHistory[len(e.tradeHistory)-n:])
	return out
}

// LastNWinRate returns the fraction of the last n closed trades (or fewer,
// if history is shorter) whose final pnl was positive.
func (e *Executor) LastNWinRate(n int) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := 0
	if len(e.tradeHistory) > n {
		start = len(e.tradeHistory) - n
	}
	sample := e.tradeHistory[start:]
	if len(sample) == 0 {
		return 0
	}
	wins := 0
	for _, t := range sample {
		if t.FinalPnl.IsPositive() {
			wins++
		}
	}
	return float64(wins) / float64(len(sample))
}

func (e *Executor) emit(eventType string, trade types.Trade) {
	select {
	case e.events <- types.TradeEvent{Type: eventType, Trade: trade, Timestamp: time.Now()}:
	default:
		e.logger.Warn("trade event channel full, dropping", "type", eventType, "trade_id", trade.ID)
	}
}
