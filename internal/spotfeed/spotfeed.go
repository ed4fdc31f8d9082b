// Package spotfeed streams spot-exchange trade prices over WebSocket and
// turns them into the SpotTick stream Strategy consumes.
//
// One Feed tracks one symbol (e.g. "BTCUSDT"). It dials a public aggregate-
// trade stream, auto-reconnects with exponential backoff exactly like
// internal/exchange's WSFeed, and folds each trade into a mid/delta/
// realizedVol tick. RealizedVol is an online estimate — an EMA of squared
// log returns, annualized by the EMA'd inter-trade interval — so the
// strategy layer never needs to buffer a price history of its own.
package spotfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"latencyarb/internal/numeric"
	"latencyarb/pkg/types"
)

const (
	readTimeout      = 30 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	tickBufferSize   = 64

	msPerYear = float64(365 * 24 * 3600 * 1000)
)

// aggTrade is the wire shape of a Binance-style aggregate-trade stream
// message. Price and quantity arrive as strings; everything else we don't
// use is left for json.Unmarshal to ignore.
type aggTrade struct {
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

// Feed streams SpotTick updates for a single symbol.
type Feed struct {
	url    string
	symbol string

	conn   *websocket.Conn
	connMu sync.Mutex

	tickCh chan types.SpotTick

	lastPrice    float64
	havePrice    bool
	lastTradeMs  int64
	volEMA       *numeric.EMA // squared log return, per-tick
	intervalEMA  *numeric.EMA // inter-trade interval in ms
	seedDailyVol float64

	logger *slog.Logger
}

// NewFeed creates a feed that dials baseWSURL+"/"+lowercase(symbol)+"@aggTrade".
// seedDailyVol seeds the annualized vol estimate before enough trades have
// arrived to make the online estimate trustworthy (see AssetConfig.DailyVolSeed).
func NewFeed(baseWSURL, symbol string, seedDailyVol float64, logger *slog.Logger) *Feed {
	stream := fmt.Sprintf("%s/%s@aggTrade", baseWSURL, lowercase(symbol))
	return &Feed{
		url:          stream,
		symbol:       symbol,
		tickCh:       make(chan types.SpotTick, tickBufferSize),
		volEMA:       numeric.NewEMA(0.05),
		intervalEMA:  numeric.NewEMA(0.05),
		seedDailyVol: seedDailyVol,
		logger:       logger.With("component", "spotfeed", "symbol", symbol),
	}
}

// Ticks returns a read-only channel of spot ticks.
func (f *Feed) Ticks() <-chan types.SpotTick { return f.tickCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("spot feed disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	f.logger.Info("spot feed connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *Feed) dispatchMessage(data []byte) {
	var trade aggTrade
	if err := json.Unmarshal(data, &trade); err != nil {
		f.logger.Debug("ignoring unparseable spot message", "data", string(data))
		return
	}

	price, err := strconv.ParseFloat(trade.Price, 64)
	if err != nil || !isFinite(price) || price <= 0 {
		return
	}

	tick := f.buildTick(price, trade.TradeTime)

	select {
	case f.tickCh <- tick:
	default:
		f.logger.Warn("tick channel full, dropping spot update")
	}
}

// buildTick folds a new trade price into the running delta/vol estimate.
// Not goroutine-safe against concurrent callers, but dispatchMessage is the
// sole caller and runs on a single read loop per connection.
func (f *Feed) buildTick(price float64, tradeMs int64) types.SpotTick {
	var delta float64
	if f.havePrice {
		delta = price - f.lastPrice

		if f.lastPrice > 0 {
			logReturn := math.Log(price / f.lastPrice)
			f.volEMA.Update(logReturn * logReturn)
		}
		if f.lastTradeMs > 0 && tradeMs > f.lastTradeMs {
			f.intervalEMA.Update(float64(tradeMs - f.lastTradeMs))
		}
	}
	f.lastPrice = price
	f.havePrice = true
	f.lastTradeMs = tradeMs

	return types.SpotTick{
		Mid:         price,
		Delta:       delta,
		RealizedVol: f.annualizedVol(),
		Timestamp:   tradeMs,
	}
}

// annualizedVol converts the per-tick squared-log-return EMA into an
// annualized standard deviation, scaled by the EMA'd trade frequency.
// Falls back to the configured seed until both EMAs have enough samples.
func (f *Feed) annualizedVol() float64 {
	if !f.volEMA.Initialized() || !f.intervalEMA.Initialized() || f.intervalEMA.Value() <= 0 {
		return f.seedDailyVol
	}
	ticksPerYear := msPerYear / f.intervalEMA.Value()
	return math.Sqrt(f.volEMA.Value() * ticksPerYear)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func lowercase(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
