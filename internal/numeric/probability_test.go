package numeric

import (
	"math"
	"testing"

	"latencyarb/pkg/types"
)

func TestNormalCDFKnownPoints(t *testing.T) {
	t.Parallel()
	cases := []struct {
		x    float64
		want float64
	}{
		{0, 0.5},
		{1.96, 0.975},
		{-1.96, 0.025},
	}
	for _, c := range cases {
		got := NormalCDF(c.x)
		if math.Abs(got-c.want) > 1e-3 {
			t.Errorf("NormalCDF(%v) = %v, want ~%v", c.x, got, c.want)
		}
	}
}

func TestImpliedProbabilityAtTheStrikeIsAboutHalf(t *testing.T) {
	t.Parallel()
	p := ImpliedProbability(100, 100, 0.6, 5.0/24.0/365.0)
	if math.Abs(p-0.5) > 0.01 {
		t.Errorf("ImpliedProbability at the strike = %v, want ~0.5", p)
	}
}

func TestImpliedProbabilityAboveStrikeExceedsHalf(t *testing.T) {
	t.Parallel()
	p := ImpliedProbability(105, 100, 0.6, 5.0/24.0/365.0)
	if p <= 0.5 {
		t.Errorf("ImpliedProbability above the strike = %v, want > 0.5", p)
	}
}

func TestImpliedProbabilityDegenerateInputsReturnHalf(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name              string
		spot, strike      float64
		sigma             float64
		timeToExpiryYears float64
	}{
		{"zero sigma", 100, 100, 0, 1.0 / 365.0},
		{"zero time", 100, 100, 0.6, 0},
		{"negative time", 100, 100, 0.6, -1},
		{"zero spot", 0, 100, 0.6, 1.0 / 365.0},
		{"zero strike", 100, 0, 0.6, 1.0 / 365.0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ImpliedProbability(c.spot, c.strike, c.sigma, c.timeToExpiryYears)
			if got != 0.5 {
				t.Errorf("ImpliedProbability(%s) = %v, want 0.5", c.name, got)
			}
		})
	}
}

func TestCalculateEdgeBuyYesWhenModelAboveMarket(t *testing.T) {
	t.Parallel()
	edge, direction := CalculateEdge(0.65, 0.55)
	if direction != types.BuyYes {
		t.Errorf("direction = %v, want BuyYes", direction)
	}
	if math.Abs(edge-0.10) > 1e-9 {
		t.Errorf("edge = %v, want 0.10", edge)
	}
}

func TestCalculateEdgeBuyNoWhenModelBelowMarket(t *testing.T) {
	t.Parallel()
	edge, direction := CalculateEdge(0.40, 0.55)
	if direction != types.BuyNo {
		t.Errorf("direction = %v, want BuyNo", direction)
	}
	if math.Abs(edge-0.15) > 1e-9 {
		t.Errorf("edge = %v, want 0.15", edge)
	}
}

func TestKellyFractionClampsNegativeToZero(t *testing.T) {
	t.Parallel()
	// A losing edge (p too low for the price paid) should never recommend a
	// stake.
	f := KellyFraction(0.3, 0.8)
	if f != 0 {
		t.Errorf("KellyFraction = %v, want 0 for a negative-edge bet", f)
	}
}

func TestKellyFractionPositiveEdge(t *testing.T) {
	t.Parallel()
	f := KellyFraction(0.7, 0.5)
	if f <= 0 {
		t.Errorf("KellyFraction = %v, want > 0 for a positive-edge bet", f)
	}
}

func TestKellyFractionInvalidPriceReturnsZero(t *testing.T) {
	t.Parallel()
	if f := KellyFraction(0.5, 0); f != 0 {
		t.Errorf("KellyFraction with price=0 = %v, want 0", f)
	}
	if f := KellyFraction(0.5, 1); f != 0 {
		t.Errorf("KellyFraction with price=1 = %v, want 0", f)
	}
}

func TestCalculatePositionSizeCapsAtMaxBetFraction(t *testing.T) {
	t.Parallel()
	// kellyFraction*kellyMultiplier alone would stake 500, well above the
	// 10% (100) bankroll cap.
	size, ok := CalculatePositionSize(1000, 0.5, 1.0, 0.10, 0, 0, 0, 1000)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if size != 100 {
		t.Errorf("size = %v, want 100 (10%% of 1000 bankroll)", size)
	}
}

func TestCalculatePositionSizeCapsAtMaxPositionUsd(t *testing.T) {
	t.Parallel()
	// 20% of 1000 = 200, but the hard USD cap of 50 should bind instead.
	size, ok := CalculatePositionSize(1000, 0.5, 1.0, 0.20, 50, 0, 0, 1000)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if size != 50 {
		t.Errorf("size = %v, want 50 (the max_position_usd cap)", size)
	}
}

func TestCalculatePositionSizeMaxPositionUsdZeroMeansUncapped(t *testing.T) {
	t.Parallel()
	size, ok := CalculatePositionSize(1000, 0.5, 1.0, 0.10, 0, 0, 0, 1000)
	if !ok || size != 100 {
		t.Errorf("size = %v ok=%v, want 100/true when max_position_usd<=0 disables the cap", size, ok)
	}
}

func TestCalculatePositionSizeDeductsFeeAndSlippage(t *testing.T) {
	t.Parallel()
	// Raw stake capped at 100; 50bps fee + 50bps slippage = 1% deduction.
	size, ok := CalculatePositionSize(1000, 0.5, 1.0, 0.10, 0, 50, 50, 1000)
	if !ok {
		t.Fatal("expected ok=true")
	}
	want := 100 * (1 - 0.01)
	if math.Abs(size-want) > 1e-9 {
		t.Errorf("size = %v, want %v", size, want)
	}
}

func TestCalculatePositionSizeCapsAtAvailableLiquidity(t *testing.T) {
	t.Parallel()
	size, ok := CalculatePositionSize(1000, 0.5, 1.0, 0.10, 0, 0, 0, 30)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if size != 30 {
		t.Errorf("size = %v, want 30 (liquidity cap)", size)
	}
}

func TestCalculatePositionSizeReturnsNotOkWhenNonPositive(t *testing.T) {
	t.Parallel()
	if _, ok := CalculatePositionSize(1000, 0, 1.0, 0.10, 0, 0, 0, 1000); ok {
		t.Error("expected ok=false for a zero kelly fraction")
	}
	if _, ok := CalculatePositionSize(1000, 0.5, 1.0, 0.10, 0, 10_000, 0, 1000); ok {
		t.Error("expected ok=false when fee+slippage consume the entire stake")
	}
}
