// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — signals, trades,
// fill results, and the CLOB wire format (order payloads, book snapshots,
// WebSocket event envelopes). It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Direction is the trading direction of a Signal in YES-space.
type Direction string

const (
	BuyYes Direction = "BUY_YES"
	BuyNo  Direction = "BUY_NO"
)

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled: stays on book until filled or cancelled
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // Polymarket proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market. The CLOB supports
// four tick sizes; each market has a fixed tick size that determines the
// minimum price increment and USDC amount rounding precision.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the number of decimal places USDC amounts are
// rounded to for a tick size: two more than the price decimals.
func (t TickSize) AmountDecimals() int {
	return t.Decimals() + 2
}

// TradeStatus is the lifecycle state of a Trade, per the invariant that a
// trade is in exactly one of these states and, once CLOSED, never leaves.
type TradeStatus string

const (
	TradeOpen    TradeStatus = "OPEN"
	TradeClosing TradeStatus = "CLOSING"
	TradeClosed  TradeStatus = "CLOSED"
)

// FillStatus is the normalized status of a fill-polling cycle.
type FillStatus string

const (
	FillMatched   FillStatus = "MATCHED"
	FillPartial   FillStatus = "PARTIAL"
	FillCancelled FillStatus = "CANCELLED"
	FillTimeout   FillStatus = "TIMEOUT"
)

// ExitReason identifies why a position was closed.
type ExitReason string

const (
	ExitMaxHold          ExitReason = "MAX_HOLD_TIME"
	ExitProfitTarget     ExitReason = "PROFIT_TARGET"
	ExitStopLoss         ExitReason = "STOP_LOSS"
	ExitEdgeCollapsed    ExitReason = "EDGE_COLLAPSED"
	ExitCertaintyExpiry  ExitReason = "CERTAINTY_EXPIRY"
	ExitForceUnconfirmed ExitReason = "FORCE_EXIT_UNCONFIRMED"
	ExitForce            ExitReason = "FORCE_EXIT"
	ExitShutdown         ExitReason = "SHUTDOWN"
	ExitRotationCancel   ExitReason = "ROTATION_CANCEL"
)

// ————————————————————————————————————————————————————————————————————————
// Signal — produced by Strategy, consumed by Risk + Executor
// ————————————————————————————————————————————————————————————————————————

// Signal is a value object created by a per-market Strategy instance and
// handed to Risk and Executor for a single evaluation.
type Signal struct {
	TokenID            string
	Label              string // market identifier, e.g. "BTC/5m-2026-07-31T14:05Z"
	Direction          Direction
	EntryPrice         float64 // in (0,1)
	Size               decimal.Decimal
	Edge               float64 // in [0,1]
	ModelProb          float64 // in [0,1]
	ContractPrice      float64 // in (0,1)
	BestBid            float64 // book best bid at signal time, YES-equivalent
	BestAsk            float64 // book best ask at signal time, YES-equivalent
	SpotPrice          float64
	StrikePrice        float64
	FeedLagMs          int64
	AvailableLiquidity float64
	HoursToExpiry      float64
	IsCertainty        bool
	ExpiresAt          time.Time // only meaningful when IsCertainty
	GeneratedAt        time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Trade — Executor's execution state, Risk's accounting mirror keyed by ID
// ————————————————————————————————————————————————————————————————————————

// Trade is the Executor's view of a live or closed position.
type Trade struct {
	ID     string
	Signal Signal // immutable snapshot taken at open

	Direction Direction
	Status    TradeStatus

	EntryPrice  decimal.Decimal // confirmed fill price
	TokenQty    decimal.Decimal // mutable, decremented on partial exits
	Size        decimal.Decimal // mutable, = TokenQty * EntryPrice
	InitialSize decimal.Decimal // immutable, frozen at open

	OpenTime time.Time

	CurrentMid    float64
	UnrealizedPnl decimal.Decimal
	RealizedPnl   decimal.Decimal // accumulated over partial exits

	ExitPrice     decimal.Decimal
	ExitTime      time.Time
	ExitReason    ExitReason
	HoldTime      time.Duration
	FinalPnl      decimal.Decimal
	EstimatedExit bool // true if closed at mark without a confirmed exchange fill

	// OrderID is the exchange id of the currently-resting entry or exit
	// order (whichever is in flight); empty once the trade is flat.
	OrderID string
}

// OpenSnapshot is the serializable view of a live trade used for crash
// recovery on restart.
type OpenSnapshot struct {
	ID          string          `json:"id"`
	Signal      Signal          `json:"signal"`
	Direction   Direction       `json:"direction"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	TokenQty    decimal.Decimal `json:"token_qty"`
	Size        decimal.Decimal `json:"size"`
	InitialSize decimal.Decimal `json:"initial_size"`
	OpenTime    time.Time       `json:"open_time"`
	OrderID     string          `json:"order_id"`
}

// ————————————————————————————————————————————————————————————————————————
// FillResult — returned by fill-polling
// ————————————————————————————————————————————————————————————————————————

// FillResult is the outcome of a fill-polling cycle.
type FillResult struct {
	Status    FillStatus
	AvgPrice  *decimal.Decimal // nil if unparseable / not returned
	FilledQty decimal.Decimal  // always >= 0 and <= requested
}

// ExchangeOrder is the result of placing a single order: its exchange id
// and the status the exchange accepted it at.
type ExchangeOrder struct {
	ID     string
	Status string // "live", "SIMULATED" (dry-run), ...
}

// ExchangeOrderState is the normalized, defensively-parsed view of an order
// fetched by id. Numeric fields are nil when the exchange response couldn't
// be parsed, so callers can distinguish "zero" from "unknown".
type ExchangeOrderState struct {
	Status        string
	Size          *decimal.Decimal
	RemainingSize *decimal.Decimal
	MakerAmount   *decimal.Decimal
	AvgPrice      *decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// External collaborator wire shapes
// ————————————————————————————————————————————————————————————————————————

// SpotTick is a single update from the SpotFeed external collaborator.
type SpotTick struct {
	Mid         float64
	Delta       float64
	RealizedVol float64 // annualized; 0 if the feed doesn't supply one
	Timestamp   int64   // unix ms
}

// ContractBookUpdate is a single update from the contract book client's
// event stream. NO-token books have already been inverted to YES-equivalent
// mid before this reaches the router.
type ContractBookUpdate struct {
	TokenID   string
	BestBid   float64
	BestAsk   float64
	BidDepth  float64
	AskDepth  float64
	Mid       float64
	Timestamp int64 // unix ms
}

// Book is a point-in-time order book snapshot returned by fetchOrderbook.
type Book struct {
	TokenID   string
	BestBid   float64
	BestAsk   float64
	BidDepth  float64
	AskDepth  float64
	Mid       float64
	Timestamp time.Time
}

// Valid reports whether the book looks like a real, tradeable book.
func (b *Book) Valid() bool {
	if b == nil {
		return false
	}
	if b.BestBid <= 0 && b.BestAsk >= 1 {
		return false
	}
	if b.BestBid == 0 && b.BestAsk == 0 {
		return false
	}
	return true
}

// RotationEvent is emitted by market discovery shortly before a contract
// window expires, naming the pair that should trade next.
type RotationEvent struct {
	Asset      string // e.g. "BTCUSDT", stable across rotations
	Window     string // e.g. "5m", stable across rotations
	TokenIDYes string
	TokenIDNo  string
	EndDate    time.Time
	Label      string
}

// TradeEvent is the engine's exposed event stream.
type TradeEvent struct {
	Type      string // "open" | "close" | "partial_close" | "rotation_cancel"
	Trade     Trade
	Timestamp time.Time
}

// ————————————————————————————————————————————————————————————————————————
// CLOB wire format — orders
// ————————————————————————————————————————————————————————————————————————

// UserOrder is the order representation Executor hands to the exchange
// client. The client converts it to a SignedOrder for the CLOB API.
type UserOrder struct {
	TokenID    string    // which token to trade (YES or NO asset ID)
	Price      float64   // limit price (0.0 to 1.0 for binary markets)
	Size       float64   // quantity in tokens
	Side       Side      // BUY or SELL
	OrderType  OrderType // GTC
	TickSize   TickSize  // market's price granularity (for amount rounding)
	Expiration int64     // unix timestamp, 0 = no expiry
	FeeRateBps int       // fee rate in basis points
}

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens
// For SELL: maker gives MakerAmount tokens, receives TakerAmount USDC
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`       // funder/proxy wallet address
	Signer        string        `json:"signer"`      // EOA that signs the order
	Taker         string        `json:"taker"`       // zero address = open order
	TokenID       string        `json:"tokenId"`     // CTF token ID
	MakerAmount   *big.Int      `json:"makerAmount"` // what maker gives (scaled to 1e6)
	TakerAmount   *big.Int      `json:"takerAmount"` // what maker receives (scaled to 1e6)
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`    // unix timestamp as string
	Nonce         string        `json:"nonce"`         // replay protection
	FeeRateBps    string        `json:"feeRateBps"`    // fee in basis points as string
	SignatureType SignatureType `json:"signatureType"` // 0 = EOA
	Signature     string        `json:"signature"`     // EIP-712 signature hex
}

// OrderPayload is the REST API request body for POST /order.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"` // API key of the order owner
	OrderType OrderType   `json:"orderType"`
}

// OrderResponse is the REST API response to a single order submission.
type OrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"` // e.g. "live", "matched"
}

// OpenOrder represents a live resting order on the CLOB, as returned by
// GET /data/order/{id} and GET /data/orders.
type OpenOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"` // "live", "matched", "cancelled"
	Market       string `json:"market"` // condition ID
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"` // cumulative filled
	MakerAmount  string `json:"maker_amount"`
	Price        string `json:"price"`
}

// CancelResponse is returned by DELETE /order, /cancel-all, /cancel-market-orders.
type CancelResponse struct {
	Canceled []string `json:"canceled"`
}

// ————————————————————————————————————————————————————————————————————————
// CLOB wire format — order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in the order book. Price and Size
// are strings because the CLOB API returns them as strings to preserve
// decimal precision.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// OrderBookSnapshot is a point-in-time view of one token's order book.
type OrderBookSnapshot struct {
	AssetID   string
	Bids      []PriceLevel // sorted descending by price (best bid first)
	Asks      []PriceLevel // sorted ascending by price (best ask first)
	Hash      string       // server-provided hash for staleness detection
	Timestamp time.Time
}

// BookResponse is the REST response from GET /book for a single token.
type BookResponse struct {
	Market       string       `json:"market"`
	AssetID      string       `json:"asset_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Hash         string       `json:"hash"`
	Timestamp    string       `json:"timestamp"`
	MinOrderSize string       `json:"min_order_size"`
	TickSize     string       `json:"tick_size"`
	NegRisk      bool         `json:"neg_risk"`
}

// ————————————————————————————————————————————————————————————————————————
// CLOB wire format — WebSocket events
// ————————————————————————————————————————————————————————————————————————
// Market channel events: "book" (full snapshot), "price_change" (delta).
// User channel events: "trade" (fill), "order" (placement/cancel lifecycle).

// WSBookEvent is a full order book snapshot from the market WS channel.
type WSBookEvent struct {
	EventType string       `json:"event_type"` // always "book"
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"`
	Timestamp string       `json:"timestamp"`
	Hash      string       `json:"hash"`
	Buys      []PriceLevel `json:"buys"`
	Sells     []PriceLevel `json:"sells"`
}

// WSPriceChange is a single price level update within a price_change event.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"` // new size at that level (0 = removed)
	Side    string `json:"side"`
	Hash    string `json:"hash"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// WSPriceChangeEvent is an incremental order book update from the market WS.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"` // always "price_change"
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSTradeEvent is a fill notification from the user WS channel.
type WSTradeEvent struct {
	EventType string `json:"event_type"` // always "trade"
	ID        string `json:"id"`
	Market    string `json:"market"`
	AssetID   string `json:"asset_id"`
	Side      string `json:"side"`
	Size      string `json:"size"`
	Price     string `json:"price"`
	Outcome   string `json:"outcome"` // "Yes" or "No"
	Timestamp string `json:"timestamp"`
}

// WSOrderEvent is an order lifecycle notification from the user WS channel.
type WSOrderEvent struct {
	EventType       string   `json:"event_type"` // always "order"
	ID              string   `json:"id"`
	Market          string   `json:"market"`
	AssetID         string   `json:"asset_id"`
	Side            string   `json:"side"`
	Price           string   `json:"price"`
	OriginalSize    string   `json:"original_size"`
	SizeMatched     string   `json:"size_matched"`
	Outcome         string   `json:"outcome"`
	Owner           string   `json:"owner"`
	Timestamp       string   `json:"timestamp"`
	Type            string   `json:"type"` // "PLACEMENT", "UPDATE", "CANCELLATION"
	AssociateTrades []string `json:"associate_trades"`
}

// WSSubscribeMsg is the initial subscription message sent when connecting
// to a WebSocket channel. For user channels, Auth must be provided.
type WSSubscribeMsg struct {
	Auth     *WSAuth  `json:"auth,omitempty"`
	Type     string   `json:"type"` // "market" or "user"
	Markets  []string `json:"markets,omitempty"`
	AssetIDs []string `json:"assets_ids,omitempty"`
}

// WSAuth contains the L2 API credentials for authenticating the user WS channel.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSUpdateMsg dynamically subscribes or unsubscribes from channels after
// the initial connection is established, used on contract rotation.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Markets   []string `json:"markets,omitempty"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}
