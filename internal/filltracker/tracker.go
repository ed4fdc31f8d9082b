// Package filltracker maintains a historical fill-rate bucket store keyed
// by (spread, depth), so the strategy layer can consult how often trades at
// a similar book shape actually got filled before committing capital.
//
// This is the same rolling-bucket, mutex-protected-counter idiom the market
// maker used to detect toxic flow, generalized from a time window to a
// 2-D spread/depth grid that never needs eviction.
package filltracker

import (
	"math"
	"sync"

	"latencyarb/pkg/types"
)

// SpreadBucket classifies the bid/ask spread at signal time.
type SpreadBucket string

const (
	SpreadNarrow SpreadBucket = "narrow" // < 2 cents
	SpreadMedium SpreadBucket = "medium" // <= 5 cents
	SpreadWide   SpreadBucket = "wide"   // > 5 cents
)

// DepthBucket classifies the available liquidity at signal time.
type DepthBucket string

const (
	DepthThin DepthBucket = "thin" // < 20
	DepthOK   DepthBucket = "ok"   // <= 100
	DepthDeep DepthBucket = "deep" // > 100
)

type bucketKey struct {
	spread SpreadBucket
	depth  DepthBucket
}

type counts struct {
	total  int64
	filled int64
}

// Tracker is the 2-D bucket store. Zero value is unusable; use New.
type Tracker struct {
	mu            sync.RWMutex
	buckets       map[bucketKey]*counts
	minSampleSize int64
}

// New creates an empty fill-rate tracker. minSampleSize is the number of
// observations a bucket needs before fillProbability trusts it over the
// optimistic 1.0 default.
func New(minSampleSize int64) *Tracker {
	return &Tracker{
		buckets:       make(map[bucketKey]*counts),
		minSampleSize: minSampleSize,
	}
}

func classifySpread(bestBid, bestAsk float64) SpreadBucket {
	// Rounded so float64 subtraction error (0.55-0.50 is 0.05000000000000004)
	// cannot push a whole-cent spread across a bucket boundary.
	spread := math.Round((bestAsk-bestBid)*1e9) / 1e9
	switch {
	case spread < 0.02:
		return SpreadNarrow
	case spread <= 0.05:
		return SpreadMedium
	default:
		return SpreadWide
	}
}

func classifyDepth(depth float64) DepthBucket {
	switch {
	case depth < 20:
		return DepthThin
	case depth <= 100:
		return DepthOK
	default:
		return DepthDeep
	}
}

func keyFor(sig types.Signal, bestBid, bestAsk float64) bucketKey {
	return bucketKey{
		spread: classifySpread(bestBid, bestAsk),
		depth:  classifyDepth(sig.AvailableLiquidity),
	}
}

// Record folds a fill outcome into the bucket matching the signal's book
// shape at the time it was generated.
func (t *Tracker) Record(sig types.Signal, bestBid, bestAsk float64, status types.FillStatus) {
	key := keyFor(sig, bestBid, bestAsk)

	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.buckets[key]
	if !ok {
		c = &counts{}
		t.buckets[key] = c
	}
	c.total++
	if status == types.FillMatched || status == types.FillPartial {
		c.filled++
	}
}

// FillProbability returns the observed fill rate for signals shaped like
// this one, or 1.0 (optimistic) if the bucket doesn't yet have enough
// samples to be trustworthy.
func (t *Tracker) FillProbability(sig types.Signal, bestBid, bestAsk float64) float64 {
	key := keyFor(sig, bestBid, bestAsk)

	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.buckets[key]
	if !ok || c.total < t.minSampleSize {
		return 1.0
	}
	return float64(c.filled) / float64(c.total)
}
