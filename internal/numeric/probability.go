// Package numeric provides the pure-math building blocks for the latency
// arbitrage model: the implied-probability transform from spot, strike,
// volatility and time to expiry, the model-vs-market edge, Kelly position sizing, and the running
// statistics (Welford variance, EMA) the strategy layer uses to track
// volatility and edge online without buffering history.
package numeric

import (
	"math"

	"latencyarb/pkg/types"
)

// normal coefficients for the Abramowitz & Stegun 7.1.26 approximation to
// the standard normal CDF. Accurate to ~1.5e-7, which is comfortably below
// the price resolution of a binary contract quoted in cents.
const (
	asA1 = 0.254829592
	asA2 = -0.284496736
	asA3 = 1.421413741
	asA4 = -1.453152027
	asA5 = 1.061405429
	asP  = 0.3275911
)

// NormalCDF returns P(Z <= x) for a standard normal random variable.
func NormalCDF(x float64) float64 {
	sign := 1.0
	if x < 0 {
		sign = -1.0
	}
	z := math.Abs(x) / math.Sqrt2

	t := 1.0 / (1.0 + asP*z)
	poly := ((((asA5*t+asA4)*t+asA3)*t+asA2)*t + asA1) * t
	y := 1.0 - poly*math.Exp(-z*z)

	return 0.5 * (1.0 + sign*y)
}

// ImpliedProbability converts a spot price, a strike (the level the binary
// contract resolves against), an annualized volatility, and time-to-expiry
// (in years) into the model's estimate of P(spot finishes above strike),
// using the Black-Scholes d2 term with zero drift.
//
//	d2 = (ln(spot/strike) - 0.5*sigma^2*T) / (sigma*sqrt(T))
//	P  = N(d2)
//
// Returns 0.5 if volatility or time-to-expiry are non-positive (no
// information to condition on).
func ImpliedProbability(spot, strike, sigma, timeToExpiryYears float64) float64 {
	if sigma <= 0 || timeToExpiryYears <= 0 || spot <= 0 || strike <= 0 {
		return 0.5
	}

	sqrtT := math.Sqrt(timeToExpiryYears)
	d2 := (math.Log(spot/strike) - 0.5*sigma*sigma*timeToExpiryYears) / (sigma * sqrtT)

	return NormalCDF(d2)
}

// CalculateEdge returns the absolute gap between the model's probability and
// the contract's current price, and which direction would capture it:
// BuyYes when the model thinks the contract is underpriced, BuyNo (buying
// NO at 1-contractPrice) otherwise.
func CalculateEdge(modelProb, contractPrice float64) (absolute float64, direction types.Direction) {
	if modelProb > contractPrice {
		return modelProb - contractPrice, types.BuyYes
	}
	return contractPrice - modelProb, types.BuyNo
}

// KellyFraction returns the fraction of bankroll the classic Kelly
// criterion would stake on a binary bet with probability p of paying out
// at odds b-to-1 (b = (1-price)/price for a contract bought at `price`
// that pays $1 on success). Negative results are clamped to zero — Kelly
// never recommends betting against your own edge.
func KellyFraction(p, price float64) float64 {
	if price <= 0 || price >= 1 {
		return 0
	}
	b := (1 - price) / price
	q := 1 - p
	f := (b*p - q) / b
	if f < 0 {
		return 0
	}
	return f
}

// CalculatePositionSize turns a Kelly fraction into a dollar stake: applies
// a fractional-Kelly multiplier (half-Kelly by convention), caps the raw
// stake at a fraction of bankroll and at a hard per-trade USD ceiling
// (maxPositionUsd <= 0 means no ceiling), deducts round-trip fee and
// slippage cost (in bps of notional) from that capped stake, then ceils the
// result at available liquidity. Returns ok=false when the post-deduction
// net size is <= 0 — the caller must suppress the signal in that case.
func CalculatePositionSize(bankroll, kellyFraction, kellyMultiplier, maxBetFraction, maxPositionUsd, feeBps, slippageBps, availableLiquidity float64) (netSize float64, ok bool) {
	rawSize := bankroll * kellyFraction * kellyMultiplier

	betCap := bankroll * maxBetFraction
	if rawSize > betCap {
		rawSize = betCap
	}
	if maxPositionUsd > 0 && rawSize > maxPositionUsd {
		rawSize = maxPositionUsd
	}
	if rawSize < 0 {
		rawSize = 0
	}

	costFrac := feeBps/1e4 + slippageBps/1e4
	netSize = rawSize * (1 - costFrac)

	if availableLiquidity > 0 && netSize > availableLiquidity {
		netSize = availableLiquidity
	}
	if netSize <= 0 {
		return 0, false
	}
	return netSize, true
}
