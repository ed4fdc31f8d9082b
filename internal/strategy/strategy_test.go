package strategy

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"latencyarb/internal/config"
	"latencyarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		WindowDuration:         5 * time.Minute,
		VolEmaAlpha:            0.3,
		SpotEmaAlpha:           0.3,
		EdgeEmaAlpha:           0.3,
		LatencyArbThresholdBps: 500, // 5%
		CertaintyThreshold:     0.15,
		CertaintyMaxFraction:   0.02,
		CertaintyExpiryBuffer:  5 * time.Second,
		MaxBetFraction:         0.05,
		KellyMultiplier:        0.5,
	}
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{} // zero-value: no max-position cap, no fee/slippage drag
}

func newTestStrategy() *Strategy {
	return New(testStrategyConfig(), testRiskConfig(), "BTCUSDT", func() float64 { return 1000 }, nil, testLogger())
}

var baseTime = time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

func msAt(d time.Duration) int64 {
	return baseTime.Add(d).UnixMilli()
}

func TestOnSpotUpdateSuppressedBeforeMarketSetTwice(t *testing.T) {
	t.Parallel()
	s := newTestStrategy()

	// First SetMarket call only brings marketSetCount to 1 — P2 requires >1
	// so that a mid-window engine restart doesn't trade off a stale strike.
	s.SetMarket("yes1", "no1", baseTime.Add(5*time.Minute), "BTC/5m-r1")

	sig := s.OnSpotUpdate(types.SpotTick{Mid: 100, RealizedVol: 0.6, Timestamp: msAt(0)})
	if sig != nil {
		t.Errorf("expected no signal with marketSetCount==1, got %+v", sig)
	}

	sig = s.OnContractUpdate(types.ContractBookUpdate{Mid: 0.3, BestBid: 0.29, BestAsk: 0.31, BidDepth: 100, AskDepth: 100, Timestamp: msAt(2 * time.Second)})
	if sig != nil {
		t.Errorf("expected no signal with marketSetCount==1, got %+v", sig)
	}
}

func TestOnSpotUpdateSuppressedBeforeWindowStart(t *testing.T) {
	t.Parallel()
	s := newTestStrategy()
	s.SetMarket("yes0", "no0", baseTime, "warmup")
	// windowStart = endDate(+10min) - 5min = baseTime+5min, so the window
	// hasn't opened yet at baseTime.
	s.SetMarket("yes1", "no1", baseTime.Add(10*time.Minute), "BTC/5m-r1")

	sig := s.OnSpotUpdate(types.SpotTick{Mid: 100, RealizedVol: 0.6, Timestamp: msAt(0)})
	if sig != nil {
		t.Errorf("expected no signal before the window opens, got %+v", sig)
	}
	if s.strikeSet {
		t.Error("strike should not be captured before the window opens")
	}
}

func TestStrikeCapturedOnFirstInWindowTick(t *testing.T) {
	t.Parallel()
	s := newTestStrategy()
	s.SetMarket("yes0", "no0", baseTime, "warmup")
	s.SetMarket("yes1", "no1", baseTime.Add(5*time.Minute), "BTC/5m-r1")

	s.OnSpotUpdate(types.SpotTick{Mid: 100, RealizedVol: 0.6, Timestamp: msAt(0)})
	if !s.strikeSet {
		t.Fatal("expected the strike to be captured on the first in-window tick")
	}
	if s.marketOpenStrike != 100 {
		t.Errorf("marketOpenStrike = %v, want 100", s.marketOpenStrike)
	}

	// A later tick must not recapture the strike.
	s.OnSpotUpdate(types.SpotTick{Mid: 110, RealizedVol: 0.6, Timestamp: msAt(1 * time.Second)})
	if s.marketOpenStrike != 100 {
		t.Errorf("marketOpenStrike changed to %v after window open, want it to stay 100", s.marketOpenStrike)
	}
}

func TestSetMarketResetsStrikeAndIncrementsCount(t *testing.T) {
	t.Parallel()
	s := newTestStrategy()
	s.SetMarket("yes0", "no0", baseTime, "warmup")
	s.OnSpotUpdate(types.SpotTick{Mid: 100, RealizedVol: 0.6, Timestamp: msAt(0)})
	if !s.strikeSet {
		t.Fatal("expected strike captured under the first market")
	}

	s.SetMarket("yes1", "no1", baseTime.Add(5*time.Minute), "BTC/5m-r1")
	if s.strikeSet {
		t.Error("SetMarket must unset the strike on rotation")
	}
	if s.marketSetCount != 2 {
		t.Errorf("marketSetCount = %v, want 2", s.marketSetCount)
	}
}

func TestEvaluateSuppressedWithinFiveSecondsOfExpiry(t *testing.T) {
	t.Parallel()
	s := newTestStrategy()
	s.SetMarket("yes0", "no0", baseTime, "warmup")
	s.SetMarket("yes1", "no1", baseTime.Add(3*time.Second), "BTC/5m-r1")

	s.OnSpotUpdate(types.SpotTick{Mid: 100, RealizedVol: 0.6, Timestamp: msAt(0)})
	sig := s.OnContractUpdate(types.ContractBookUpdate{Mid: 0.3, BestBid: 0.29, BestAsk: 0.31, BidDepth: 100, AskDepth: 100, Timestamp: msAt(1 * time.Second)})
	if sig != nil {
		t.Errorf("expected no signal with < 5s to expiry, got %+v", sig)
	}
}

func TestLatencyArbSignalEmittedWhenThresholdsClear(t *testing.T) {
	t.Parallel()
	s := newTestStrategy()
	s.SetMarket("yes0", "no0", baseTime, "warmup")
	s.SetMarket("yesA", "noA", baseTime.Add(5*time.Minute), "BTC/5m-r1")

	s.OnSpotUpdate(types.SpotTick{Mid: 100, RealizedVol: 0.6, Timestamp: msAt(0)}) // captures the strike at 100
	s.OnSpotUpdate(types.SpotTick{Mid: 100.05, RealizedVol: 0.6, Timestamp: msAt(0)})

	sig := s.OnContractUpdate(types.ContractBookUpdate{
		Mid: 0.50, BestBid: 0.49, BestAsk: 0.51, BidDepth: 100, AskDepth: 200,
		Timestamp: msAt(2 * time.Second), // 2s feed lag: clears the >1s floor, under the 5s ceiling
	})
	if sig == nil {
		t.Fatal("expected a latency-arb signal")
	}
	if sig.Direction != types.BuyYes {
		t.Errorf("direction = %v, want BuyYes", sig.Direction)
	}
	if sig.IsCertainty {
		t.Error("expected IsCertainty=false this far from expiry")
	}
	if sig.TokenID != "yesA" {
		t.Errorf("tokenID = %v, want yesA", sig.TokenID)
	}
	if !sig.Size.IsPositive() {
		t.Errorf("signal size = %v, want > 0", sig.Size)
	}
}

func TestLatencyArbSuppressedWhenFeedLagBelowFloor(t *testing.T) {
	t.Parallel()
	s := newTestStrategy()
	s.SetMarket("yes0", "no0", baseTime, "warmup")
	s.SetMarket("yesA", "noA", baseTime.Add(5*time.Minute), "BTC/5m-r1")

	s.OnSpotUpdate(types.SpotTick{Mid: 100, RealizedVol: 0.6, Timestamp: msAt(0)}) // captures the strike at 100
	s.OnSpotUpdate(types.SpotTick{Mid: 100.05, RealizedVol: 0.6, Timestamp: msAt(0)})
	sig := s.OnContractUpdate(types.ContractBookUpdate{
		Mid: 0.50, BestBid: 0.49, BestAsk: 0.51, BidDepth: 100, AskDepth: 200,
		Timestamp: msAt(200 * time.Millisecond), // under the 1s feed-lag floor
	})
	if sig != nil {
		t.Errorf("expected no signal when feed lag is under the 1s floor, got %+v", sig)
	}
}

func TestLatencyArbSuppressedWhenFeedLagExceedsCeiling(t *testing.T) {
	t.Parallel()
	s := newTestStrategy()
	s.SetMarket("yes0", "no0", baseTime, "warmup")
	s.SetMarket("yesA", "noA", baseTime.Add(5*time.Minute), "BTC/5m-r1")

	s.OnSpotUpdate(types.SpotTick{Mid: 100, RealizedVol: 0.6, Timestamp: msAt(0)}) // captures the strike at 100
	s.OnSpotUpdate(types.SpotTick{Mid: 100.05, RealizedVol: 0.6, Timestamp: msAt(0)})
	sig := s.OnContractUpdate(types.ContractBookUpdate{
		Mid: 0.50, BestBid: 0.49, BestAsk: 0.51, BidDepth: 100, AskDepth: 200,
		Timestamp: msAt(6 * time.Second), // over the 5s stale-contract ceiling
	})
	if sig != nil {
		t.Errorf("expected no signal when feed lag exceeds the 5s ceiling, got %+v", sig)
	}
}

func TestCertaintyArbSignalEmittedNearExpiry(t *testing.T) {
	t.Parallel()
	s := newTestStrategy()
	s.SetMarket("yes0", "no0", baseTime, "warmup")
	// windowStart = endDate(60s) - 5min, already open at baseTime.
	s.SetMarket("yesA", "noA", baseTime.Add(60*time.Second), "BTC/5m-r1")

	s.OnSpotUpdate(types.SpotTick{Mid: 100, RealizedVol: 0.6, Timestamp: msAt(0)})
	// A large move this close to expiry drives modelProb near certainty.
	sig := s.OnSpotUpdate(types.SpotTick{Mid: 106, RealizedVol: 0.6, Timestamp: msAt(10 * time.Second)})
	if sig != nil {
		t.Fatal("P1 requires contractMid to be set first; expected no signal yet")
	}

	sig = s.OnContractUpdate(types.ContractBookUpdate{
		Mid: 0.70, BestBid: 0.69, BestAsk: 0.72, BidDepth: 100, AskDepth: 100,
		Timestamp: msAt(10 * time.Second),
	})
	if sig == nil {
		t.Fatal("expected a certainty-arb signal")
	}
	if !sig.IsCertainty {
		t.Error("expected IsCertainty=true within the last 90s")
	}
	if sig.Direction != types.BuyYes {
		t.Errorf("direction = %v, want BuyYes", sig.Direction)
	}
	if sig.ExpiresAt.IsZero() {
		t.Error("expected ExpiresAt to be set for a certainty signal")
	}
}

func TestCertaintyArbSuppressedBelowThreshold(t *testing.T) {
	t.Parallel()
	s := newTestStrategy()
	s.SetMarket("yes0", "no0", baseTime, "warmup")
	s.SetMarket("yesA", "noA", baseTime.Add(60*time.Second), "BTC/5m-r1")

	s.OnSpotUpdate(types.SpotTick{Mid: 100, RealizedVol: 0.6, Timestamp: msAt(0)})
	sig := s.OnContractUpdate(types.ContractBookUpdate{
		// Contract already priced near the model's fair value: edge is tiny.
		Mid: 0.50, BestBid: 0.49, BestAsk: 0.51, BidDepth: 100, AskDepth: 100,
		Timestamp: msAt(1 * time.Second),
	})
	if sig != nil {
		t.Errorf("expected no certainty signal below the edge threshold, got %+v", sig)
	}
}

func TestCertaintyArbSuppressedWhenEntrySideTooCheap(t *testing.T) {
	t.Parallel()
	s := newTestStrategy()
	s.SetMarket("yes0", "no0", baseTime, "warmup")
	s.SetMarket("yesA", "noA", baseTime.Add(60*time.Second), "BTC/5m-r1")

	s.OnSpotUpdate(types.SpotTick{Mid: 100, RealizedVol: 0.6, Timestamp: msAt(0)})
	s.OnSpotUpdate(types.SpotTick{Mid: 94, RealizedVol: 0.6, Timestamp: msAt(10 * time.Second)})
	// Spot collapsed well below the strike: the model favors BUY_NO, but the
	// NO side is nearly resolved-worthless (bid~1 means 1-bestBid is tiny).
	sig := s.OnContractUpdate(types.ContractBookUpdate{
		Mid: 0.965, BestBid: 0.96, BestAsk: 0.97, BidDepth: 100, AskDepth: 100,
		Timestamp: msAt(10 * time.Second),
	})
	if sig != nil {
		t.Errorf("expected no signal when the entry side is priced under 0.15, got %+v", sig)
	}
}
