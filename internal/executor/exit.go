package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"latencyarb/pkg/types"
)

// exitPosition attempts to close trade at markPrice for the given reason.
// Returns true iff the close fully committed. A false return means the
// trade was reverted to OPEN (or left CLOSING by a concurrent caller) and
// the monitor should retry on its next tick — R1/R2: the CLOSING guard
// below plus finalizeClose's idempotent commit ensure only one of a racing
// periodic-monitor exit and a safety-timeout exit ever lands.
func (e *Executor) exitPosition(ctx context.Context, trade *types.Trade, reason types.ExitReason, markPrice float64) bool {
	e.mu.Lock()
	if trade.Status != types.TradeOpen {
		e.mu.Unlock()
		return false
	}
	trade.Status = types.TradeClosing
	remainingQty := trade.TokenQty
	e.mu.Unlock()

	if e.client.DryRun() {
		pnl := decimal.NewFromFloat(markPrice).Sub(trade.EntryPrice).Mul(remainingQty)
		e.finalizeClose(trade, reason, decimal.NewFromFloat(markPrice), pnl, false)
		return true
	}

	order, err := e.client.PlaceOrder(ctx, types.UserOrder{
		TokenID:   trade.Signal.TokenID,
		Price:     markPrice,
		Size:      remainingQty.InexactFloat64(),
		Side:      types.SELL,
		OrderType: types.OrderTypeGTC,
	}, e.negRisk)
	if err != nil {
		e.logger.Error("exit order placement failed", "trade_id", trade.ID, "reason", reason, "error", err)
		e.revertToOpen(trade)
		return false
	}

	fill := e.waitForFill(ctx, order.ID, remainingQty, fillTimeout)
	e.bestEffortCancel(ctx, order.ID)

	exitPrice := markPrice
	if fill.AvgPrice != nil {
		exitPrice = fill.AvgPrice.InexactFloat64()
	}
	exitPriceDec := decimal.NewFromFloat(exitPrice)

	switch fill.Status {
	case types.FillMatched:
		pnl := exitPriceDec.Sub(trade.EntryPrice).Mul(remainingQty)
		e.finalizeClose(trade, reason, exitPriceDec, pnl, false)
		return true

	case types.FillPartial:
		if fill.FilledQty.IsZero() {
			e.revertToOpen(trade)
			return false
		}
		realizedPnl := exitPriceDec.Sub(trade.EntryPrice).Mul(fill.FilledQty)
		realizedNotional := trade.EntryPrice.Mul(fill.FilledQty)
		e.risk.ApplyPartialClose(trade.ID, realizedNotional.InexactFloat64(), realizedPnl.InexactFloat64())

		e.mu.Lock()
		trade.TokenQty = trade.TokenQty.Sub(fill.FilledQty)
		trade.Size = trade.Size.Sub(realizedNotional)
		trade.RealizedPnl = trade.RealizedPnl.Add(realizedPnl)
		dust := trade.TokenQty.LessThanOrEqual(decimal.NewFromFloat(qtyDustEpsilon))
		e.mu.Unlock()

		if dust {
			exhaustedReason := types.ExitReason(fmt.Sprintf("%s_PARTIAL_EXHAUSTED", reason))
			e.finalizeClose(trade, exhaustedReason, exitPriceDec, decimal.Zero, false)
			return true
		}
		e.revertToOpen(trade)
		e.mu.Lock()
		snapshot := *trade
		e.mu.Unlock()
		e.emit("partial_close", snapshot)
		return false

	default: // CANCELLED / TIMEOUT with zero fill
		e.revertToOpen(trade)
		return false
	}
}

func (e *Executor) revertToOpen(trade *types.Trade) {
	e.mu.Lock()
	if trade.Status == types.TradeClosing {
		trade.Status = types.TradeOpen
	}
	e.mu.Unlock()
}

// finalizeClose commits a trade's terminal state exactly once: the first
// caller to observe status != CLOSED wins; any later caller is a no-op.
func (e *Executor) finalizeClose(trade *types.Trade, reason types.ExitReason, exitPrice, pnl decimal.Decimal, estimated bool) {
	e.mu.Lock()
	if trade.Status == types.TradeClosed {
		e.mu.Unlock()
		return
	}
	now := time.Now()
	trade.Status = types.TradeClosed
	trade.ExitPrice = exitPrice
	trade.ExitTime = now
	trade.ExitReason = reason
	trade.HoldTime = now.Sub(trade.OpenTime)
	trade.FinalPnl = trade.RealizedPnl.Add(pnl)
	trade.EstimatedExit = estimated

	delete(e.openOrders, trade.ID)
	snapshot := *trade
	e.tradeHistory = append(e.tradeHistory, snapshot)
	if len(e.tradeHistory) > tradeHistoryLimit {
		e.tradeHistory = e.tradeHistory[len(e.tradeHistory)-tradeHistoryLimit:]
	}
	e.mu.Unlock()

	e.risk.ClosePosition(trade.ID, pnl.InexactFloat64())

	pnlFloat, _ := pnl.Float64()
	e.statsMu.Lock()
	e.pnlStats.Add(pnlFloat)
	e.statsMu.Unlock()

	e.logger.Info("position closed", "trade_id", trade.ID, "reason", reason, "pnl", pnlFloat, "estimated", estimated)
	e.emit("close", snapshot)
}

// CancelAllOrders is the emergency/shutdown path: best-effort cancel
// everything resting on the exchange, then finalize every still-open trade
// at its last known mark, flagged estimated since we don't re-confirm fills
// here.
func (e *Executor) CancelAllOrders(ctx context.Context) {
	if _, err := e.client.CancelAll(ctx); err != nil {
		e.logger.Error("cancel all orders failed (continuing to finalize local state)", "error", err)
	}

	for _, trade := range e.snapshotOpenTrades() {
		e.finalizeAtMark(ctx, trade, types.ExitShutdown)
	}
}

// CancelOrdersForLabel cancels and finalizes only the trades belonging to
// one rotating market label, used when a contract window rotates out from
// under an open position.
func (e *Executor) CancelOrdersForLabel(ctx context.Context, label string) {
	for _, trade := range e.snapshotOpenTrades() {
		if trade.Signal.Label != label {
			continue
		}
		if trade.OrderID != "" {
			_ = e.client.CancelOrder(ctx, trade.OrderID)
		}
		e.finalizeAtMark(ctx, trade, types.ExitRotationCancel)
	}
}

func (e *Executor) finalizeAtMark(ctx context.Context, trade *types.Trade, reason types.ExitReason) {
	mark := trade.EntryPrice.InexactFloat64()
	if book, err := e.client.FetchBook(ctx, trade.Signal.TokenID); err == nil && book != nil {
		mark = book.Mid
	}
	markDec := decimal.NewFromFloat(mark)
	pnl := markDec.Sub(trade.EntryPrice).Mul(trade.TokenQty)
	e.finalizeClose(trade, reason, markDec, pnl, true)
}

func (e *Executor) snapshotOpenTrades() []*types.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	trades := make([]*types.Trade, 0, len(e.openOrders))
	for _, t := range e.openOrders {
		trades = append(trades, t)
	}
	return trades
}

// GetOpenSnapshot returns a serializable view of every open trade, for
// persistence across restarts.
func (e *Executor) GetOpenSnapshot() []types.OpenSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshots := make([]types.OpenSnapshot, 0, len(e.openOrders))
	for _, t := range e.openOrders {
		snapshots = append(snapshots, types.OpenSnapshot{
			ID:          t.ID,
			Signal:      t.Signal,
			Direction:   t.Direction,
			EntryPrice:  t.EntryPrice,
			TokenQty:    t.TokenQty,
			Size:        t.Size,
			InitialSize: t.InitialSize,
			OpenTime:    t.OpenTime,
			OrderID:     t.OrderID,
		})
	}
	return snapshots
}

// RestorePositions reconstructs in-memory trades after a restart. Risk
// state must already have been restored separately — this never calls
// risk.OpenPosition. Stale snapshots (older than MAX_HOLD_MS+60s) are
// dropped and their risk entry reconciled via ClosePosition(id, 0) instead
// of being restarted, since the exchange-side order has certainly expired.
// Returns the dropped snapshots so the caller can audit-log them as
// "expired_on_restore".
func (e *Executor) RestorePositions(snapshots []types.OpenSnapshot) []types.OpenSnapshot {
	var dropped []types.OpenSnapshot
	for _, s := range snapshots {
		if time.Since(s.OpenTime) > maxHold+60*time.Second {
			e.risk.ClosePosition(s.ID, 0)
			dropped = append(dropped, s)
			continue
		}

		tokenQty := s.TokenQty
		if tokenQty.IsZero() && !s.EntryPrice.IsZero() {
			tokenQty = s.Size.Div(s.EntryPrice)
		}

		trade := &types.Trade{
			ID:          s.ID,
			Signal:      s.Signal,
			Direction:   s.Direction,
			Status:      types.TradeOpen,
			EntryPrice:  s.EntryPrice,
			TokenQty:    tokenQty,
			Size:        s.Size,
			InitialSize: s.InitialSize,
			OpenTime:    s.OpenTime,
			OrderID:     s.OrderID,
		}

		e.mu.Lock()
		e.openOrders[trade.ID] = trade
		e.mu.Unlock()

		e.startMonitor(trade)
	}
	return dropped
}

// Wait blocks until every monitor goroutine has exited. Callers must cancel
// the executor's root context (and typically call CancelAllOrders first)
// before calling Wait, or it will block until every position naturally
// closes.
func (e *Executor) Wait() {
	e.wg.Wait()
}
