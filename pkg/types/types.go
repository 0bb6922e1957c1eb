// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — pair metadata, market
// snapshots, signals, orders, positions, lots, and venue DTOs. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order or position: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// PositionSide is the directional sense of an open position.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// OrderType enumerates the order variants the router may submit.
type OrderType string

const (
	OrderTypeLimitMaker    OrderType = "LIMIT_MAKER"
	OrderTypeMarket        OrderType = "MARKET"
	OrderTypeLimit         OrderType = "LIMIT"
	OrderTypeStopLossLimit OrderType = "STOP_LOSS_LIMIT"
)

// OrderStatus is the lifecycle state of an Order. Terminal states are
// FILLED, CANCELLED, REJECTED.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderOpen            OrderStatus = "OPEN"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
)

// PositionStatus tracks a Position through its lifecycle.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
)

// CloseReason records why a Position was closed.
type CloseReason string

const (
	CloseStopLoss   CloseReason = "STOP_LOSS"
	CloseTarget     CloseReason = "TARGET"
	CloseManual     CloseReason = "MANUAL"
	CloseKillSwitch CloseReason = "KILL_SWITCH"
	CloseTimeStop   CloseReason = "TIME_STOP"
)

// LotStatus tracks a tax lot's remaining quantity.
type LotStatus string

const (
	LotOpen   LotStatus = "OPEN"
	LotClosed LotStatus = "CLOSED"
)

// Playbook identifies which of the four entry strategies produced a Signal.
type Playbook string

const (
	PlaybookBreakoutTrend Playbook = "A"
	PlaybookVWAPRevert    Playbook = "B"
	PlaybookEventBurst    Playbook = "C"
	PlaybookDipPullback   Playbook = "D"
)

// SignalAction records whether a candidate signal was executed or skipped.
type SignalAction string

const (
	ActionExecuted SignalAction = "EXECUTED"
	ActionSkipped  SignalAction = "SKIPPED"
)

// BotHaltStatus reflects the kill-switch state of the supervisor.
type BotHaltStatus string

const (
	StatusRunning     BotHaltStatus = "RUNNING"
	StatusHaltedDaily BotHaltStatus = "HALTED_DAILY"
	StatusHaltedWeek  BotHaltStatus = "HALTED_WEEKLY"
)

// SignalTier names the SIGNAL_TIER env var's allowed values. The engine does not
// derive any threshold, sizing or position-count profile from the tier.
type SignalTier string

const (
	TierConservative SignalTier = "TIER_1_CONSERVATIVE"
	TierModerate     SignalTier = "TIER_2_MODERATE"
	TierAggressive   SignalTier = "TIER_3_AGGRESSIVE"
)

// ————————————————————————————————————————————————————————————————————————
// Pair metadata & klines
// ————————————————————————————————————————————————————————————————————————

// Pair is venue-supplied metadata for a single tradeable symbol. Loaded at
// boot and refreshed daily by the Exchange Filter Service; immutable between
// refreshes.
type Pair struct {
	Symbol      string // e.g. "BTCUSDT"
	BaseAsset   string // e.g. "BTC"
	QuoteAsset  string // e.g. "USDT"
	TickSize    string // venue string, e.g. "0.01"
	StepSize    string // venue string, e.g. "0.00001"
	MinQty      string
	MaxQty      string
	MinNotional string
}

// Kline is a single OHLCV bar.
type Kline struct {
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Market snapshot
// ————————————————————————————————————————————————————————————————————————

// MarketSnapshot is the scanner's per-tick, per-pair output: last price, 24h
// volume, top-of-book, spread, ATR14, session VWAP, and the quality-gate
// verdict. Recomputed every scan tick; transient (not persisted standalone).
type MarketSnapshot struct {
	Pair          string
	Timestamp     time.Time
	LastPrice     float64
	QuoteVolume24 float64
	BestBid       float64
	BestBidSize   float64
	BestAsk       float64
	BestAskSize   float64
	SpreadBps     float64
	ATR14         float64
	SessionVWAP   float64

	GatePass       bool
	GateFailReason string
}

// ————————————————————————————————————————————————————————————————————————
// Signals & sizing
// ————————————————————————————————————————————————————————————————————————

// Signal is produced by a playbook. Valid iff entry>0, stop>0, entry≠stop,
// and (if target set) target/entry/stop obey directional ordering. Created
// by the generator, consumed at most once by the router.
type Signal struct {
	Pair        string
	Playbook    Playbook
	Side        Side
	Entry       float64
	Stop        float64
	Target      float64 // 0 = no target
	IsEvent     bool
	Reason      string
	GeneratedAt time.Time
}

// SizingDecision is the Risk & Sizing Engine's verdict for one Signal.
// Derived from Signal + account state; not persisted beyond the request.
type SizingDecision struct {
	KellyFraction    float64
	AdjustedFraction float64
	NotionalQuote    float64
	Reasoning        string
	RiskTier         string
}

// ————————————————————————————————————————————————————————————————————————
// Orders, fills, positions, lots
// ————————————————————————————————————————————————————————————————————————

// Fill records a single execution against an Order.
type Fill struct {
	Price      float64
	Qty        float64
	Commission float64
	Timestamp  time.Time
}

// Order is the router's persisted record of one submission to the venue.
type Order struct {
	ClientOrderID string
	VenueOrderID  string
	Pair          string
	Side          Side
	Type          OrderType
	ReqPrice      float64
	ReqQty        float64
	FilledQty     float64
	AvgFillPrice  float64
	Fees          float64
	Status        OrderStatus
	Fills         []Fill
	RejectReason  string
	EvidenceReq   string // serialized request, for audit
	EvidenceResp  string // serialized response, for audit
	SubmittedAt   time.Time
	FilledAt      time.Time
}

// Position tracks one open (or recently closed) directional exposure.
type Position struct {
	Pair          string
	Side          PositionSide
	Playbook      Playbook
	EntryOrderID  string
	EntryPrice    float64
	CurrentPrice  float64
	StopPrice     float64
	TargetPrice   float64 // 0 = no target
	Quantity      float64
	UnrealizedPnL float64
	RealizedPnL   float64
	Status        PositionStatus
	OpenedAt      time.Time
	ClosedAt      time.Time
	CloseReason   CloseReason
}

// Lot is an immutable tax-accounting record for one acquisition tranche,
// created by the router on every BUY fill.
type Lot struct {
	ID            string // "LOT-YYYYMMDD-NNN"
	Pair          string
	AcquiredAt    time.Time
	Quantity      float64
	CostPerUnit   float64
	RemainingQty  float64
	Status        LotStatus
	SourceOrderID string
}

// ————————————————————————————————————————————————————————————————————————
// Bot-wide state & config
// ————————————————————————————————————————————————————————————————————————

// BotState is the per-user singleton tracking equity, PnL, and cooldowns.
type BotState struct {
	StartingEquity   float64
	CurrentEquity    float64
	PeakEquity       float64
	DailyPnLDollars  float64
	DailyPnLR        float64
	WeeklyPnLDollars float64
	WeeklyPnLR       float64
	LastScanAt       time.Time
	LastSignalAt     map[string]time.Time // pair -> timestamp
	SessionCounters  map[string]int       // playbook-B per-pair per-session count
	Status           BotHaltStatus
	Connected        bool
}

// BotConfig is the per-user trading configuration.
type BotConfig struct {
	ScannerUniverse    []string
	MinVolume          float64
	MaxSpreadBps       float64
	MinTOBDepth        float64
	RPercent           float64 // fraction in [0,1], never a whole percent
	MaxExposurePercent float64
	MaxConcurrentPos   int
	ReserveTarget      float64
	ReserveFloor       float64

	PlaybookAEnabled bool
	PlaybookBEnabled bool
	PlaybookCEnabled bool
	PlaybookDEnabled bool
}

// ————————————————————————————————————————————————————————————————————————
// Venue DTOs (REST)
// ————————————————————————————————————————————————————————————————————————

// ServerTimeResponse is GET /api/v3/time.
type ServerTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

// Ticker24hr is GET /api/v3/ticker/24hr.
type Ticker24hr struct {
	Symbol      string `json:"symbol"`
	LastPrice   string `json:"lastPrice"`
	BidPrice    string `json:"bidPrice"`
	BidQty      string `json:"bidQty"`
	AskPrice    string `json:"askPrice"`
	AskQty      string `json:"askQty"`
	QuoteVolume string `json:"quoteVolume"`
}

// TickerPrice is GET /api/v3/ticker/price.
type TickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// DepthResponse is GET /api/v3/depth.
type DepthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// SymbolFilter is one entry of exchangeInfo's per-symbol filters array.
type SymbolFilter struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize,omitempty"`
	StepSize    string `json:"stepSize,omitempty"`
	MinPrice    string `json:"minPrice,omitempty"`
	MaxPrice    string `json:"maxPrice,omitempty"`
	MinQty      string `json:"minQty,omitempty"`
	MaxQty      string `json:"maxQty,omitempty"`
	MinNotional string `json:"minNotional,omitempty"`
}

// ExchangeInfoSymbol is one symbol entry of GET /api/v3/exchangeInfo.
type ExchangeInfoSymbol struct {
	Symbol     string         `json:"symbol"`
	BaseAsset  string         `json:"baseAsset"`
	QuoteAsset string         `json:"quoteAsset"`
	Filters    []SymbolFilter `json:"filters"`
}

// ExchangeInfoResponse is GET /api/v3/exchangeInfo.
type ExchangeInfoResponse struct {
	ServerTime int64                `json:"serverTime"`
	Symbols    []ExchangeInfoSymbol `json:"symbols"`
}

// OrderRequest is the form-encoded body/query for POST /api/v3/order.
type OrderRequest struct {
	Symbol           string
	Side             Side
	Type             OrderType
	TimeInForce      string
	Quantity         string
	Price            string
	NewClientOrderID string
}

// OrderAck is the venue's synchronous response to POST /api/v3/order.
type OrderAck struct {
	Symbol             string      `json:"symbol"`
	OrderID            int64       `json:"orderId"`
	ClientOrderID      string      `json:"clientOrderId"`
	Status             string      `json:"status"`
	Price              string      `json:"price"`
	ExecutedQty        string      `json:"executedQty"`
	CumulativeQuoteQty string      `json:"cummulativeQuoteQty"`
	Fills              []VenueFill `json:"fills"`
}

// VenueFill is one entry in OrderAck.Fills.
type VenueFill struct {
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
}

// VenueError is the venue's error envelope on non-2xx responses.
type VenueError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket ticker stream
// ————————————————————————————————————————————————————————————————————————

// WSTickerPayload is the "data" object of a combined-stream ticker message.
type WSTickerPayload struct {
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	BidPrice  string `json:"b"`
	AskPrice  string `json:"a"`
}

// WSCombinedMessage is the combined-stream envelope: {stream, data}.
type WSCombinedMessage struct {
	Stream string          `json:"stream"`
	Data   WSTickerPayload `json:"data"`
}
