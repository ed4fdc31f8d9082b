// Package strategy implements the per-market latency-arbitrage signal
// generator. Each traded contract window gets its own Strategy instance,
// fed spot ticks and contract book updates by the router; it maintains
// smoothed volatility and edge estimates and emits a Signal whenever the
// model disagrees with the contract's current price by more than a
// window-dependent threshold.
//
// The quote/evaluate split and the per-market, ticker-free, update-driven
// shape follow the market maker's Maker — but this Strategy is pull-free:
// it reacts to onSpotUpdate/onContractUpdate instead of polling on a
// refresh ticker, since edge decays with feed lag and there is no quote to
// maintain between updates.
package strategy

import (
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"latencyarb/internal/config"
	"latencyarb/internal/filltracker"
	"latencyarb/internal/numeric"
	"latencyarb/pkg/types"
)

// BankrollGetter reads the live risk bankroll at sizing time. It must
// never return a cached snapshot.
type BankrollGetter func() float64

// Strategy tracks one contract window's state and produces Signals.
type Strategy struct {
	cfg     config.StrategyConfig
	riskCfg config.RiskConfig
	asset   string
	logger  *slog.Logger

	bankroll BankrollGetter
	tracker  *filltracker.Tracker

	spotPrice      float64
	spotDelta      float64
	lastSpotUpdate time.Time

	contractMid        float64
	contractBestBid    float64
	contractBestAsk    float64
	contractBidDepth   float64
	contractAskDepth   float64
	lastContractUpdate time.Time

	volEma  *numeric.EMA
	spotEma *numeric.EMA
	edgeEma *numeric.EMA

	tokenIDYes        string
	tokenIDNo         string
	marketEndDate     time.Time
	marketWindowStart time.Time
	marketOpenStrike  float64
	strikeSet         bool
	marketSetCount    int
	signalCount       int

	edgeStats numeric.RunningStats
	lagStats  numeric.RunningStats

	label string
}

// New creates a Strategy with no bound market; setMarket must be called
// before signals can be generated. riskCfg supplies the MaxPositionUsd/
// FeeBps/SlippageBps position-sizing inputs that Risk also uses for its
// edge-vs-cost floor.
func New(cfg config.StrategyConfig, riskCfg config.RiskConfig, asset string, bankroll BankrollGetter, tracker *filltracker.Tracker, logger *slog.Logger) *Strategy {
	return &Strategy{
		cfg:      cfg,
		riskCfg:  riskCfg,
		asset:    asset,
		bankroll: bankroll,
		tracker:  tracker,
		volEma:   numeric.NewEMA(cfg.VolEmaAlpha),
		spotEma:  numeric.NewEMA(cfg.SpotEmaAlpha),
		edgeEma:  numeric.NewEMA(cfg.EdgeEmaAlpha),
		logger:   logger.With("component", "strategy", "asset", asset),
	}
}

// SetMarket rotates this Strategy onto a new contract window. The strike
// is unset and will be captured on the next in-window spot tick.
func (s *Strategy) SetMarket(tokenIDYes, tokenIDNo string, endDate time.Time, label string) {
	s.tokenIDYes = tokenIDYes
	s.tokenIDNo = tokenIDNo
	s.marketEndDate = endDate
	s.marketWindowStart = endDate.Add(-s.cfg.WindowDuration)
	s.label = label
	s.strikeSet = false
	s.marketOpenStrike = 0
	s.marketSetCount++

	s.logger.Info("market rotated",
		"label", label,
		"token_id_yes", tokenIDYes,
		"window_start", s.marketWindowStart,
		"end_date", endDate,
	)
}

// Label returns the currently bound market's label.
func (s *Strategy) Label() string {
	return s.label
}

// TokenIDYes returns the currently bound YES token id.
func (s *Strategy) TokenIDYes() string {
	return s.tokenIDYes
}

// OnSpotUpdate folds a new spot tick into the running state and evaluates
// for a signal.
func (s *Strategy) OnSpotUpdate(tick types.SpotTick) *types.Signal {
	now := time.UnixMilli(tick.Timestamp)
	s.spotPrice = tick.Mid
	s.spotDelta = tick.Delta
	s.lastSpotUpdate = now

	if !s.strikeSet && !now.Before(s.marketWindowStart) && !s.marketWindowStart.IsZero() {
		s.marketOpenStrike = tick.Mid
		s.strikeSet = true
		s.logger.Info("strike captured", "strike", tick.Mid, "label", s.label)
	}

	vol := tick.RealizedVol
	if vol <= 0 {
		// Fallback: annualize |delta| assuming one tick per second.
		ticksPerDay := 86400.0
		vol = math.Abs(tick.Delta) * math.Sqrt(ticksPerDay*365.0)
	}
	s.volEma.Update(vol)
	s.spotEma.Update(tick.Mid)

	return s.evaluate(now)
}

// OnContractUpdate folds a new contract book update into the running state
// and evaluates for a signal. Upstream has already normalized NO-token
// books to YES-equivalent mid, so this always works in YES space.
func (s *Strategy) OnContractUpdate(book types.ContractBookUpdate) *types.Signal {
	now := time.UnixMilli(book.Timestamp)
	s.contractMid = book.Mid
	s.contractBestBid = book.BestBid
	s.contractBestAsk = book.BestAsk
	s.contractBidDepth = book.BidDepth
	s.contractAskDepth = book.AskDepth
	s.lastContractUpdate = now

	if !s.lastSpotUpdate.IsZero() {
		lagMs := math.Abs(float64(s.lastSpotUpdate.UnixMilli() - book.Timestamp))
		s.lagStats.Add(lagMs)
	}

	return s.evaluate(now)
}

// evaluate applies preconditions P1-P5, computes model probability and
// edge, and dispatches to the latency-arb or certainty-arb signal mode.
func (s *Strategy) evaluate(now time.Time) *types.Signal {
	// P1
	if s.spotPrice == 0 || s.contractMid == 0 {
		return nil
	}
	// P2: suppress signals during the startup window
	if s.marketSetCount <= 1 {
		return nil
	}
	// P3: suppress pre-window
	if s.marketWindowStart.IsZero() || now.Before(s.marketWindowStart) {
		return nil
	}
	// P4
	if !s.strikeSet {
		return nil
	}
	// P5
	hoursToExpiry := s.marketEndDate.Sub(now).Hours()
	if hoursToExpiry*3600 < 5 {
		return nil
	}

	vol := s.volEma.Value()
	modelProb := numeric.ImpliedProbability(s.spotPrice, s.marketOpenStrike, vol, hoursToExpiry/24.0/365.0)
	edgeAbs, direction := numeric.CalculateEdge(modelProb, s.contractMid)
	s.edgeEma.Update(edgeAbs)
	s.edgeStats.Add(edgeAbs)

	secondsToExpiry := s.marketEndDate.Sub(now).Seconds()
	feedLagMs := int64(0)
	if !s.lastSpotUpdate.IsZero() && !s.lastContractUpdate.IsZero() {
		feedLagMs = int64(math.Abs(float64(s.lastSpotUpdate.UnixMilli() - s.lastContractUpdate.UnixMilli())))
	}

	s.signalCount++ // counts evaluations that got this far, for observability

	if secondsToExpiry > 90 {
		return s.evaluateLatencyArb(now, modelProb, direction, edgeAbs, feedLagMs, hoursToExpiry)
	}
	if secondsToExpiry > 0 {
		return s.evaluateCertaintyArb(now, modelProb, direction, edgeAbs, feedLagMs, hoursToExpiry)
	}
	return nil
}

func (s *Strategy) evaluateLatencyArb(now time.Time, modelProb float64, direction types.Direction, edgeAbs float64, feedLagMs int64, hoursToExpiry float64) *types.Signal {
	threshold := s.cfg.ThresholdForWindow(s.cfg.WindowDuration)

	if s.edgeEma.Value() < threshold {
		return nil
	}
	if edgeAbs < threshold {
		return nil
	}
	if feedLagMs <= 1000 {
		return nil
	}
	if modelProb > 0.90 {
		return nil
	}
	if feedLagMs > 5000 {
		return nil
	}

	return s.buildSignal(now, modelProb, direction, edgeAbs, feedLagMs, hoursToExpiry, false, time.Time{})
}

func (s *Strategy) evaluateCertaintyArb(now time.Time, modelProb float64, direction types.Direction, edgeAbs float64, feedLagMs int64, hoursToExpiry float64) *types.Signal {
	if edgeAbs < s.cfg.CertaintyThreshold {
		return nil
	}

	entrySidePrice := s.entryPrice(direction)
	if entrySidePrice < 0.15 {
		return nil
	}

	expiresAt := s.marketEndDate.Add(-s.cfg.CertaintyExpiryBuffer)
	return s.buildSignal(now, modelProb, direction, edgeAbs, feedLagMs, hoursToExpiry, true, expiresAt)
}

func (s *Strategy) buildSignal(now time.Time, modelProb float64, direction types.Direction, edgeAbs float64, feedLagMs int64, hoursToExpiry float64, isCertainty bool, expiresAt time.Time) *types.Signal {
	bankroll := s.bankroll()
	maxBetFraction := s.cfg.MaxBetFraction
	if isCertainty {
		maxBetFraction = s.cfg.CertaintyMaxFraction
	}

	entryPrice := s.entryPrice(direction)
	availableLiquidity := s.availableLiquidity(direction)

	kelly := numeric.KellyFraction(modelProb, entryPrice)
	sizeUSD, ok := numeric.CalculatePositionSize(bankroll, kelly, s.cfg.KellyMultiplier, maxBetFraction,
		s.riskCfg.MaxPositionUsd, float64(s.riskCfg.FeeBps), float64(s.riskCfg.SlippageBps), availableLiquidity)
	if !ok {
		return nil
	}

	tokenID := s.tokenIDYes
	if direction == types.BuyNo {
		tokenID = s.tokenIDNo
	}

	sig := &types.Signal{
		TokenID:            tokenID,
		Label:              s.label,
		Direction:          direction,
		EntryPrice:         entryPrice,
		Size:               decimal.NewFromFloat(sizeUSD),
		Edge:               edgeAbs,
		ModelProb:          modelProb,
		ContractPrice:      s.contractMid,
		BestBid:            s.contractBestBid,
		BestAsk:            s.contractBestAsk,
		SpotPrice:          s.spotPrice,
		StrikePrice:        s.marketOpenStrike,
		FeedLagMs:          feedLagMs,
		AvailableLiquidity: availableLiquidity,
		HoursToExpiry:      hoursToExpiry,
		IsCertainty:        isCertainty,
		ExpiresAt:          expiresAt,
		GeneratedAt:        now,
	}

	if s.tracker != nil {
		fillProb := s.tracker.FillProbability(*sig, s.contractBestBid, s.contractBestAsk)
		s.logger.Debug("signal generated", "direction", direction, "edge", edgeAbs, "model_prob", modelProb, "fill_probability", fillProb)
	}

	return sig
}

// entryPrice returns the price we'd cross the book at for the given
// direction: bestAsk for BUY_YES, 1-bestBid for BUY_NO.
func (s *Strategy) entryPrice(direction types.Direction) float64 {
	if direction == types.BuyYes {
		if s.contractBestAsk > 0 {
			return s.contractBestAsk
		}
		return s.contractMid + tickHalfSpread(s)
	}
	if s.contractBestBid > 0 {
		return 1 - s.contractBestBid
	}
	return 1 - (s.contractMid - tickHalfSpread(s))
}

func (s *Strategy) availableLiquidity(direction types.Direction) float64 {
	if direction == types.BuyYes {
		return s.contractAskDepth
	}
	return s.contractBidDepth
}

func tickHalfSpread(s *Strategy) float64 {
	spread := s.contractBestAsk - s.contractBestBid
	if spread <= 0 {
		return 0.005
	}
	return spread / 2
}
