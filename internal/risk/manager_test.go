package risk

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"latencyarb/internal/config"
	"latencyarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		CooldownMs:       0,
		DailyLossLimit:   50,
		MaxDrawdownPct:   0.20,
		MaxOpenPositions: 3,
		SlippageBps:      50,
		FeeBps:           20,
		MinMarginEdge:    0.01,
		StartingBankroll: 1000,
	}
}

func newTestManager() *Manager {
	return NewManager(testRiskConfig(), testRiskConfig().StartingBankroll, testLogger())
}

// cost floor under testRiskConfig: 50bps + 20bps + 1% margin = 0.017.
func testSignal() types.Signal {
	return types.Signal{
		AvailableLiquidity: 1000,
		Size:               decimal.NewFromFloat(50),
		Edge:               0.10, // clears the 0.017 cost floor
	}
}

func TestCanTradeAllowsUnderLimits(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	result := rm.CanTrade(testSignal())
	if !result.Allowed {
		t.Errorf("expected trade allowed, got reasons %v", result.Reasons)
	}
}

func TestCanTradeRejectsBelowCostFloor(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	sig := testSignal()
	sig.Edge = 0.01 // below the 0.017 cost floor
	result := rm.CanTrade(sig)
	if result.Allowed {
		t.Error("expected rejection when edge is below the cost floor")
	}
}

func TestCanTradeRejectsInsufficientLiquidity(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	sig := testSignal()
	sig.AvailableLiquidity = 10 // far below 2x size
	result := rm.CanTrade(sig)
	if result.Allowed {
		t.Error("expected rejection for insufficient liquidity")
	}
}

func TestCanTradeHalvesLiquidityRequirementForCertainty(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	sig := testSignal()
	sig.AvailableLiquidity = 60 // below 2x (100) but above 1x (50)
	sig.IsCertainty = true
	result := rm.CanTrade(sig)
	if !result.Allowed {
		t.Errorf("expected certainty signal allowed with 1x liquidity, got %v", result.Reasons)
	}
}

func TestCanTradeEnforcesCooldown(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.CooldownMs = 60_000
	rm := NewManager(cfg, cfg.StartingBankroll, testLogger())

	if !rm.CanTrade(testSignal()).Allowed {
		t.Fatal("first trade should be allowed")
	}
	if rm.CanTrade(testSignal()).Allowed {
		t.Error("second trade within the cooldown window should be rejected")
	}
}

func TestCanTradeRejectsWhenMaxOpenPositionsReached(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	for i := 0; i < 3; i++ {
		if err := rm.OpenPosition(string(rune('a'+i)), types.BuyYes, 10, 0.5); err != nil {
			t.Fatalf("OpenPosition: %v", err)
		}
	}

	if rm.CanTrade(testSignal()).Allowed {
		t.Error("expected rejection once MaxOpenPositions is reached")
	}
}

func TestCanTradeKillsOnDrawdownBreach(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	rm.mu.Lock()
	rm.bankroll = 700 // 30% drawdown from the 1000 peak, exceeds the 20% cap
	rm.mu.Unlock()

	result := rm.CanTrade(testSignal())
	if result.Allowed {
		t.Error("expected rejection on drawdown breach")
	}

	select {
	case sig := <-rm.KillCh():
		if sig.Reason != "max drawdown exceeded" {
			t.Errorf("kill reason = %q, want max drawdown exceeded", sig.Reason)
		}
	default:
		t.Error("expected a kill signal on the channel")
	}

	if rm.CanTrade(testSignal()).Allowed {
		t.Error("kill switch should remain tripped on a later call")
	}
}

func TestOpenPositionRejectsOverBankroll(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	if err := rm.OpenPosition("m1", types.BuyYes, 2000, 0.5); err == nil {
		t.Error("expected an error opening a position larger than the bankroll")
	}
}

func TestClosePositionReturnsBankrollAndPnl(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	if err := rm.OpenPosition("m1", types.BuyYes, 100, 0.5); err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if got := rm.Bankroll(); got != 900 {
		t.Fatalf("bankroll after open = %v, want 900", got)
	}

	rm.ClosePosition("m1", 20)
	if got := rm.Bankroll(); got != 1020 {
		t.Errorf("bankroll after close = %v, want 1020 (900 + 100 + 20)", got)
	}
	if rm.OpenPositionCount() != 0 {
		t.Error("position should be removed after close")
	}
}

func TestApplyPartialCloseUpdatesLedgerAndBankroll(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	if err := rm.OpenPosition("m1", types.BuyYes, 100, 0.5); err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	rm.ApplyPartialClose("m1", 40, 5)
	if got := rm.Bankroll(); got != 945 { // 1000 - 100 + 40 + 5
		t.Errorf("bankroll after partial close = %v, want 945", got)
	}
	if rm.OpenPositionCount() != 1 {
		t.Error("position should remain open after a partial close")
	}
}

func TestNoteUnhandledRejectionKillsAfterFiveWithin60s(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	for i := 0; i < 4; i++ {
		rm.NoteUnhandledRejection()
	}
	if rm.CanTrade(testSignal()).Allowed == false {
		t.Fatal("should not be killed after only 4 rejections")
	}

	rm.NoteUnhandledRejection()
	if rm.CanTrade(testSignal()).Allowed {
		t.Error("expected the kill switch tripped after 5 rejections within 60s")
	}
}

func TestRestoreSeedsBankrollAndResetsPeak(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	resetAt := time.Now().Add(12 * time.Hour)
	rm.Restore(Snapshot{Bankroll: 400, DailyPnl: -10, DailyPnlResetAt: resetAt})

	snap := rm.Snapshot()
	if snap.Bankroll != 400 || snap.DailyPnl != -10 {
		t.Errorf("snapshot = %+v, want bankroll=400 dailyPnl=-10", snap)
	}

	// Peak re-seeded to the restored bankroll: a big gain shouldn't trip
	// drawdown immediately just because of stale pre-restart history.
	rm.mu.Lock()
	rm.bankroll = 600
	rm.mu.Unlock()
	if !rm.CanTrade(testSignal()).Allowed {
		t.Error("gaining above the restored bankroll should not trip drawdown")
	}
}

func TestRestorePositionsRepopulatesLedgerWithoutTouchingBankroll(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	before := rm.Bankroll()
	rm.RestorePositions([]PositionSnapshot{
		{ID: "m1", Direction: types.BuyYes, Size: 50, EntryPrice: 0.6},
	})

	if rm.Bankroll() != before {
		t.Errorf("RestorePositions must not touch bankroll, got %v want %v", rm.Bankroll(), before)
	}
	if rm.OpenPositionCount() != 1 {
		t.Error("expected the restored position in the ledger")
	}

	positions := rm.Positions()
	if len(positions) != 1 || positions[0].ID != "m1" {
		t.Errorf("Positions() = %+v, want exactly [m1]", positions)
	}
}
