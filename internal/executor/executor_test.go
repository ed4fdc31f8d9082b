package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"latencyarb/internal/config"
	"latencyarb/internal/exchange"
	"latencyarb/internal/filltracker"
	"latencyarb/internal/risk"
	"latencyarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// emptyBookServer answers every /book request with a bookless response, so
// FetchBook returns (nil, nil) and callers fall back to entryPrice.
func emptyBookServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.BookResponse{})
	}))
}

func newTestExecutor(t *testing.T) (context.Context, context.CancelFunc, *Executor, *risk.Manager) {
	t.Helper()
	srv := emptyBookServer(t)
	t.Cleanup(srv.Close)

	cfg := config.Config{
		DryRun: true,
		API:    config.APIConfig{CLOBBaseURL: srv.URL},
	}
	client := exchange.NewClient(cfg, nil, testLogger())

	riskCfg := config.RiskConfig{
		MaxOpenPositions: 10,
		StartingBankroll: 10_000,
		ProfitTargetPct:  0.20,
		StopLossPct:      0.15,
	}
	riskMgr := risk.NewManager(riskCfg, riskCfg.StartingBankroll, testLogger())
	tracker := filltracker.New(0)

	ctx, cancel := context.WithCancel(context.Background())
	exec := New(ctx, riskCfg, client, riskMgr, tracker, false, testLogger())
	return ctx, cancel, exec, riskMgr
}

func testSignal(tokenID, label string, direction types.Direction) types.Signal {
	return types.Signal{
		TokenID:       tokenID,
		Label:         label,
		Direction:     direction,
		EntryPrice:    0.60,
		Size:          decimal.NewFromFloat(60),
		ModelProb:     0.68,
		ContractPrice: 0.60,
		BestBid:       0.59,
		BestAsk:       0.60,
		GeneratedAt:   time.Now(),
	}
}

func TestExecuteDryRunOpensPosition(t *testing.T) {
	t.Parallel()
	_, cancel, exec, riskMgr := newTestExecutor(t)
	defer cancel()

	trade := exec.Execute(context.Background(), testSignal("tok-yes", "BTC:5m:w1", types.BuyYes))
	if trade == nil {
		t.Fatal("expected a trade, got nil")
	}
	if trade.Status != types.TradeOpen {
		t.Errorf("status = %v, want OPEN", trade.Status)
	}
	if trade.TokenQty.IsZero() {
		t.Error("expected a non-zero token quantity")
	}
	if riskMgr.OpenPositionCount() != 1 {
		t.Errorf("risk open position count = %d, want 1", riskMgr.OpenPositionCount())
	}

	select {
	case evt := <-exec.Events():
		if evt.Type != "open" {
			t.Errorf("event type = %q, want open", evt.Type)
		}
	default:
		t.Fatal("expected an open event")
	}

	cancel()
	exec.Wait()
}

func TestExitPositionDryRunFinalizesClose(t *testing.T) {
	t.Parallel()
	_, cancel, exec, riskMgr := newTestExecutor(t)
	defer cancel()

	trade := exec.Execute(context.Background(), testSignal("tok-yes", "BTC:5m:w1", types.BuyYes))
	if trade == nil {
		t.Fatal("expected a trade")
	}
	<-exec.Events() // drain the open event

	closed := exec.exitPosition(context.Background(), trade, types.ExitProfitTarget, 0.70)
	if !closed {
		t.Fatal("expected exitPosition to report a committed close")
	}
	if trade.Status != types.TradeClosed {
		t.Errorf("status = %v, want CLOSED", trade.Status)
	}
	if trade.ExitReason != types.ExitProfitTarget {
		t.Errorf("exit reason = %v, want PROFIT_TARGET", trade.ExitReason)
	}
	if riskMgr.OpenPositionCount() != 0 {
		t.Errorf("risk open position count = %d, want 0 after close", riskMgr.OpenPositionCount())
	}

	select {
	case evt := <-exec.Events():
		if evt.Type != "close" {
			t.Errorf("event type = %q, want close", evt.Type)
		}
	default:
		t.Fatal("expected a close event")
	}

	cancel()
	exec.Wait()
}

func TestExitPositionIsIdempotentUnderConcurrentCallers(t *testing.T) {
	t.Parallel()
	_, cancel, exec, _ := newTestExecutor(t)
	defer cancel()

	trade := exec.Execute(context.Background(), testSignal("tok-yes", "BTC:5m:w1", types.BuyYes))
	<-exec.Events()

	first := exec.exitPosition(context.Background(), trade, types.ExitMaxHold, 0.65)
	second := exec.exitPosition(context.Background(), trade, types.ExitForce, 0.50)

	if !first {
		t.Fatal("expected the first exit attempt to commit")
	}
	if second {
		t.Fatal("expected the second exit attempt on an already-closed trade to be a no-op")
	}
	if trade.ExitReason != types.ExitMaxHold {
		t.Errorf("exit reason = %v, want the first committed reason MAX_HOLD_TIME", trade.ExitReason)
	}

	cancel()
	exec.Wait()
}

func TestEvaluateExitPriority(t *testing.T) {
	t.Parallel()
	_, cancel, exec, _ := newTestExecutor(t)
	defer cancel()

	trade := &types.Trade{
		Direction: types.BuyYes,
		OpenTime:  time.Now().Add(-1 * time.Minute),
		Signal:    types.Signal{ModelProb: 0.70, Direction: types.BuyYes},
	}

	reason, exit := exec.evaluateExit(trade, maxHold+time.Second, 0.62, 0.30)
	if !exit || reason != types.ExitMaxHold {
		t.Errorf("got (%v,%v), want (MAX_HOLD_TIME,true) once age exceeds the cap", reason, exit)
	}

	reason, exit = exec.evaluateExit(trade, time.Minute, 0.62, 0.25)
	if !exit || reason != types.ExitProfitTarget {
		t.Errorf("got (%v,%v), want (PROFIT_TARGET,true) when pnlPct clears the target", reason, exit)
	}

	reason, exit = exec.evaluateExit(trade, time.Minute, 0.50, -0.20)
	if !exit || reason != types.ExitStopLoss {
		t.Errorf("got (%v,%v), want (STOP_LOSS,true) when pnlPct breaches the floor", reason, exit)
	}

	reason, exit = exec.evaluateExit(trade, time.Minute, 0.695, 0.01)
	if !exit || reason != types.ExitEdgeCollapsed {
		t.Errorf("got (%v,%v), want (EDGE_COLLAPSED,true) when mid converges to modelProb", reason, exit)
	}

	_, exit = exec.evaluateExit(trade, time.Minute, 0.55, 0.0)
	if exit {
		t.Error("expected no exit when nothing has triggered")
	}
}

func TestCancelOrdersForLabelOnlyClosesMatchingLabel(t *testing.T) {
	t.Parallel()
	_, cancel, exec, _ := newTestExecutor(t)
	defer cancel()

	tA := exec.Execute(context.Background(), testSignal("tok-a", "BTC:5m:w1", types.BuyYes))
	<-exec.Events()
	tB := exec.Execute(context.Background(), testSignal("tok-b", "ETH:5m:w1", types.BuyYes))
	<-exec.Events()

	exec.CancelOrdersForLabel(context.Background(), "BTC:5m:w1")
	<-exec.Events() // the close event for tA

	if tA.Status != types.TradeClosed {
		t.Errorf("tA status = %v, want CLOSED", tA.Status)
	}
	if tA.ExitReason != types.ExitRotationCancel {
		t.Errorf("tA exit reason = %v, want ROTATION_CANCEL", tA.ExitReason)
	}
	if tB.Status != types.TradeOpen {
		t.Errorf("tB status = %v, want still OPEN", tB.Status)
	}

	open := exec.OpenTrades()
	if _, ok := open[tA.ID]; ok {
		t.Error("tA should have been removed from open trades")
	}
	if _, ok := open[tB.ID]; !ok {
		t.Error("tB should still be open")
	}

	cancel()
	exec.Wait()
}

func TestRestorePositionsDropsStaleSnapshots(t *testing.T) {
	t.Parallel()
	_, cancel, exec, _ := newTestExecutor(t)
	defer cancel()

	stale := types.OpenSnapshot{
		ID:         "stale-1",
		EntryPrice: decimal.NewFromFloat(0.5),
		TokenQty:   decimal.NewFromFloat(10),
		Size:       decimal.NewFromFloat(5),
		OpenTime:   time.Now().Add(-(maxHold + 2*time.Minute)),
	}
	fresh := types.OpenSnapshot{
		ID:         "fresh-1",
		EntryPrice: decimal.NewFromFloat(0.5),
		TokenQty:   decimal.NewFromFloat(10),
		Size:       decimal.NewFromFloat(5),
		OpenTime:   time.Now(),
	}

	dropped := exec.RestorePositions([]types.OpenSnapshot{stale, fresh})
	if len(dropped) != 1 || dropped[0].ID != "stale-1" {
		t.Errorf("dropped = %v, want exactly [stale-1]", dropped)
	}

	open := exec.OpenTrades()
	if _, ok := open["stale-1"]; ok {
		t.Error("stale snapshot should have been dropped, not restored")
	}
	if _, ok := open["fresh-1"]; !ok {
		t.Error("fresh snapshot should have been restored")
	}

	cancel()
	exec.Wait()
}

func TestGetOpenSnapshotIncludesOpenTrade(t *testing.T) {
	t.Parallel()
	_, cancel, exec, _ := newTestExecutor(t)
	defer cancel()

	trade := exec.Execute(context.Background(), testSignal("tok-yes", "BTC:5m:w1", types.BuyYes))
	<-exec.Events()

	snapshots := exec.GetOpenSnapshot()
	if len(snapshots) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snapshots))
	}
	if snapshots[0].ID != trade.ID {
		t.Errorf("snapshot id = %q, want %q", snapshots[0].ID, trade.ID)
	}

	cancel()
	exec.Wait()
}
