package executor

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"latencyarb/pkg/types"
)

// checkpointAges are the position ages, in seconds, at which the monitor
// snapshots adverse-selection data. Each fires at most once per trade.
var checkpointAges = [...]int{5, 15, 30}

type checkpoint struct {
	currentMid float64
	midMove    float64
	pnlPct     float64
}

// startMonitor launches the per-trade monitor goroutine. It returns
// immediately; the goroutine runs until the trade closes or the executor's
// root context is cancelled.
func (e *Executor) startMonitor(trade *types.Trade) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.monitorPosition(trade)
	}()
}

// monitorPosition runs the periodic monitor and the safety-timeout guard
// concurrently for one trade, per the race semantics in exitPosition's docs: both
// may attempt to exit the same trade, but exitPosition's CLOSING guard and
// finalizeClose's idempotent commit ensure only one close ever lands.
func (e *Executor) monitorPosition(trade *types.Trade) {
	entryMid := trade.EntryPrice.InexactFloat64()
	checkpointsDone := make(map[int]bool, len(checkpointAges))

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	safety := time.NewTimer(maxHold + safetyBuffer)
	defer safety.Stop()

	for {
		select {
		case <-e.rootCtx.Done():
			return
		case <-safety.C:
			e.handleSafetyTimeout(trade)
			return
		case <-ticker.C:
			if e.monitorTick(trade, entryMid, checkpointsDone) {
				return
			}
		}
	}
}

// monitorTick evaluates one periodic-monitor cycle. Returns true once the
// trade has fully closed (so the monitor goroutine can exit).
func (e *Executor) monitorTick(trade *types.Trade, entryMid float64, checkpointsDone map[int]bool) bool {
	ctx, cancel := context.WithTimeout(e.rootCtx, 3*time.Second)
	defer cancel()

	book, err := e.client.FetchBook(ctx, trade.Signal.TokenID)
	if err != nil || book == nil {
		return false
	}
	currentMid := book.Mid

	e.mu.Lock()
	if trade.Status != types.TradeOpen {
		e.mu.Unlock()
		return trade.Status == types.TradeClosed
	}
	unrealizedPnl := decimal.NewFromFloat(currentMid).Sub(trade.EntryPrice).Mul(trade.TokenQty)
	pnlPct := 0.0
	if !trade.Size.IsZero() {
		pnlPct, _ = unrealizedPnl.Div(trade.Size).Float64()
	}
	trade.CurrentMid = currentMid
	trade.UnrealizedPnl = unrealizedPnl
	age := time.Since(trade.OpenTime)
	e.mu.Unlock()

	e.recordCheckpoint(trade, age, currentMid, entryMid, pnlPct, checkpointsDone)

	reason, shouldExit := e.evaluateExit(trade, age, currentMid, pnlPct)
	if !shouldExit {
		return false
	}

	closed := e.exitPosition(e.rootCtx, trade, reason, currentMid)
	return closed
}

func (e *Executor) recordCheckpoint(trade *types.Trade, age time.Duration, currentMid, entryMid, pnlPct float64, done map[int]bool) {
	for _, ageSec := range checkpointAges {
		if done[ageSec] {
			continue
		}
		if age < time.Duration(ageSec)*time.Second {
			continue
		}
		done[ageSec] = true
		e.logger.Debug("adverse selection checkpoint",
			"trade_id", trade.ID, "age_s", ageSec,
			"current_mid", currentMid, "mid_move", currentMid-entryMid, "pnl_pct", pnlPct)
	}
}

// evaluateExit checks exit conditions in priority order: MAX_HOLD_TIME >
// PROFIT_TARGET > STOP_LOSS > EDGE_COLLAPSED > CERTAINTY_EXPIRY. The first
// match wins.
func (e *Executor) evaluateExit(trade *types.Trade, age time.Duration, currentMid, pnlPct float64) (types.ExitReason, bool) {
	if age >= maxHold {
		return types.ExitMaxHold, true
	}
	if pnlPct >= e.cfg.ProfitTargetPct {
		return types.ExitProfitTarget, true
	}
	if pnlPct <= -e.cfg.StopLossPct {
		return types.ExitStopLoss, true
	}

	target := trade.Signal.ModelProb
	if trade.Direction == types.BuyNo {
		target = 1 - trade.Signal.ModelProb
	}
	if diff := currentMid - target; diff < edgeCollapseThreshold && diff > -edgeCollapseThreshold {
		return types.ExitEdgeCollapsed, true
	}

	if trade.Signal.IsCertainty && !trade.Signal.ExpiresAt.IsZero() && time.Now().After(trade.Signal.ExpiresAt) {
		return types.ExitCertaintyExpiry, true
	}

	return "", false
}

// handleSafetyTimeout is the last-resort guard that enforces I3 (no trade
// outlives MAX_HOLD_MS + SAFETY_BUFFER_MS). If the final exit attempt can't
// get a confirmed fill, the risk state is closed at mark unilaterally so the
// position is never left open in our own accounting, even though the
// exchange order may still be resting.
func (e *Executor) handleSafetyTimeout(trade *types.Trade) {
	e.mu.Lock()
	status := trade.Status
	e.mu.Unlock()
	if status == types.TradeClosed {
		return
	}

	ctx, cancel := context.WithTimeout(e.rootCtx, 5*time.Second)
	defer cancel()

	markPrice := trade.EntryPrice.InexactFloat64()
	if book, err := e.client.FetchBook(ctx, trade.Signal.TokenID); err == nil && book != nil {
		markPrice = book.Mid
	}

	if e.exitPosition(ctx, trade, types.ExitForce, markPrice) {
		return
	}

	e.mu.Lock()
	if trade.Status == types.TradeClosed {
		e.mu.Unlock()
		return
	}
	pnl := decimal.NewFromFloat(markPrice).Sub(trade.EntryPrice).Mul(trade.TokenQty)
	e.mu.Unlock()

	e.logger.Error("exchange position may still be open — verify", "trade_id", trade.ID, "order_id", trade.OrderID)
	e.finalizeClose(trade, types.ExitForceUnconfirmed, decimal.NewFromFloat(markPrice), pnl, true)
}
