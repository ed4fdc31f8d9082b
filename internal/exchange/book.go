// book.go maintains a local mirror of each tracked market's order book from
// the market WS feed, and normalizes every update to YES-equivalent terms
// before it reaches the router — a NO-token update's mid is folded to
// 1-mid, exactly as the consumed-interface contract in the router's data
// flow requires.
//
// This mirrors the market maker's local order book (bids desc, asks asc,
// RWMutex-protected, derived MidPrice/BestBidAsk/staleness) but drops the
// maker's per-quote bookkeeping: this layer only ever emits normalized
// ContractBookUpdate events and on-demand snapshots, it never quotes.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"latencyarb/pkg/types"
)

const bookTopLevels = 3 // depth is the summed size of the top N levels near the touch

// side holds one token's resting levels, best-first.
type side struct {
	bids []types.PriceLevel
	asks []types.PriceLevel
}

// marketBook is the shared mirror for one market's YES+NO token pair.
type marketBook struct {
	mu        sync.RWMutex
	yesToken  string
	noToken   string
	yes       side
	no        side
	updated   time.Time
}

// BookMirror fans WS book/price_change events for many concurrently
// tracked markets into normalized ContractBookUpdate events.
type BookMirror struct {
	mu      sync.RWMutex
	byToken map[string]*marketBook // both yesToken and noToken key the same *marketBook

	updateCh chan types.ContractBookUpdate
	logger   *slog.Logger
}

// NewBookMirror creates an empty mirror.
func NewBookMirror(logger *slog.Logger) *BookMirror {
	return &BookMirror{
		byToken:  make(map[string]*marketBook),
		updateCh: make(chan types.ContractBookUpdate, 256),
		logger:   logger.With("component", "book_mirror"),
	}
}

// Updates returns the channel the router reads normalized book updates from.
func (m *BookMirror) Updates() <-chan types.ContractBookUpdate {
	return m.updateCh
}

// Register starts tracking a market's YES/NO token pair. Safe to call again
// on rotation with a fresh pair; the prior pair should be Unregistered first.
func (m *BookMirror) Register(yesToken, noToken string) {
	mb := &marketBook{yesToken: yesToken, noToken: noToken}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byToken[yesToken] = mb
	m.byToken[noToken] = mb
}

// Unregister stops tracking the given token ids (both sides of a rotated-out
// market should be passed).
func (m *BookMirror) Unregister(tokenIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range tokenIDs {
		delete(m.byToken, id)
	}
}

// ApplyBookEvent folds a full WS book snapshot into the owning market's
// mirror and emits a normalized update.
func (m *BookMirror) ApplyBookEvent(evt types.WSBookEvent) {
	mb := m.lookup(evt.AssetID)
	if mb == nil {
		return
	}

	mb.mu.Lock()
	if evt.AssetID == mb.yesToken {
		mb.yes = side{bids: evt.Buys, asks: evt.Sells}
	} else {
		mb.no = side{bids: evt.Buys, asks: evt.Sells}
	}
	mb.updated = time.Now()
	mb.mu.Unlock()

	m.emit(mb)
}

// ApplyPriceChange folds an incremental price_change event into the owning
// market's mirror and emits a normalized update. A size of 0 removes the
// level; any other size upserts it.
func (m *BookMirror) ApplyPriceChange(evt types.WSPriceChangeEvent) {
	touched := make(map[*marketBook]bool)

	for _, pc := range evt.PriceChanges {
		mb := m.lookup(pc.AssetID)
		if mb == nil {
			continue
		}

		mb.mu.Lock()
		s := &mb.yes
		if pc.AssetID == mb.noToken {
			s = &mb.no
		}
		switch pc.Side {
		case "BUY":
			s.bids = upsertLevel(s.bids, pc.Price, pc.Size, true)
		case "SELL":
			s.asks = upsertLevel(s.asks, pc.Price, pc.Size, false)
		}
		mb.updated = time.Now()
		mb.mu.Unlock()

		touched[mb] = true
	}

	for mb := range touched {
		m.emit(mb)
	}
}

func (m *BookMirror) lookup(tokenID string) *marketBook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byToken[tokenID]
}

func (m *BookMirror) emit(mb *marketBook) {
	update, ok := mb.normalizedUpdate()
	if !ok {
		return
	}
	select {
	case m.updateCh <- update:
	default:
		m.logger.Warn("book update channel full, dropping", "token_id", update.TokenID)
	}
}

// normalizedUpdate computes the YES-equivalent book state, preferring the
// YES token's own book and falling back to the NO book folded as 1-price
// when YES has no resting levels yet.
func (mb *marketBook) normalizedUpdate() (types.ContractBookUpdate, bool) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	if len(mb.yes.bids) > 0 && len(mb.yes.asks) > 0 {
		bid := parsePrice(mb.yes.bids[0].Price)
		ask := parsePrice(mb.yes.asks[0].Price)
		return types.ContractBookUpdate{
			TokenID:   mb.yesToken,
			BestBid:   bid,
			BestAsk:   ask,
			BidDepth:  sumDepth(mb.yes.bids, bookTopLevels),
			AskDepth:  sumDepth(mb.yes.asks, bookTopLevels),
			Mid:       (bid + ask) / 2,
			Timestamp: mb.updated.UnixMilli(),
		}, true
	}

	if len(mb.no.bids) > 0 && len(mb.no.asks) > 0 {
		// NO token's bid becomes YES ask (1-noBid) and vice versa.
		noBid := parsePrice(mb.no.bids[0].Price)
		noAsk := parsePrice(mb.no.asks[0].Price)
		yesBid := 1 - noAsk
		yesAsk := 1 - noBid
		return types.ContractBookUpdate{
			TokenID:   mb.yesToken,
			BestBid:   yesBid,
			BestAsk:   yesAsk,
			BidDepth:  sumDepth(mb.no.asks, bookTopLevels),
			AskDepth:  sumDepth(mb.no.bids, bookTopLevels),
			Mid:       (yesBid + yesAsk) / 2,
			Timestamp: mb.updated.UnixMilli(),
		}, true
	}

	return types.ContractBookUpdate{}, false
}

func upsertLevel(levels []types.PriceLevel, price, size string, descending bool) []types.PriceLevel {
	if parsePrice(size) == 0 {
		out := make([]types.PriceLevel, 0, len(levels))
		for _, lvl := range levels {
			if lvl.Price != price {
				out = append(out, lvl)
			}
		}
		return out
	}

	for i, lvl := range levels {
		if lvl.Price == price {
			levels[i].Size = size
			return levels
		}
	}

	levels = append(levels, types.PriceLevel{Price: price, Size: size})
	p := parsePrice(price)
	sort2(levels, descending, p)
	return levels
}

// sort2 re-sorts levels in place after an insert; N is small (order-book
// depth near the touch) so insertion sort is fine.
func sort2(levels []types.PriceLevel, descending bool, _ float64) {
	for i := len(levels) - 1; i > 0; i-- {
		a, b := parsePrice(levels[i-1].Price), parsePrice(levels[i].Price)
		swap := a < b
		if descending {
			swap = a > b
		}
		if swap {
			break
		}
		levels[i-1], levels[i] = levels[i], levels[i-1]
	}
}

func sumDepth(levels []types.PriceLevel, n int) float64 {
	if n > len(levels) {
		n = len(levels)
	}
	var total float64
	for _, lvl := range levels[:n] {
		total += parsePrice(lvl.Size)
	}
	return total
}

func parsePrice(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// FetchBook polls the REST order book for a single token and returns the
// parsed on-demand snapshot the position monitor consults between WS
// updates (the `fetchOrderbook` side of the ContractBookClient interface).
func (c *Client) FetchBook(ctx context.Context, tokenID string) (*types.Book, error) {
	resp, err := c.GetOrderBook(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("fetch book: %w", err)
	}
	if len(resp.Bids) == 0 || len(resp.Asks) == 0 {
		return nil, nil
	}

	bid := parsePrice(resp.Bids[0].Price)
	ask := parsePrice(resp.Asks[0].Price)
	book := &types.Book{
		TokenID:   tokenID,
		BestBid:   bid,
		BestAsk:   ask,
		BidDepth:  sumDepth(resp.Bids, bookTopLevels),
		AskDepth:  sumDepth(resp.Asks, bookTopLevels),
		Mid:       (bid + ask) / 2,
		Timestamp: time.Now(),
	}
	if !book.Valid() {
		return nil, nil
	}
	return book, nil
}
