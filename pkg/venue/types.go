package venue

import (
	"fmt"
	"time"
)

// EventKind tags a raw venue event.
type EventKind string

const (
	EventTick             EventKind = "tick"
	EventDepth            EventKind = "depth"
	EventBar              EventKind = "bar"
	EventHistoryPage      EventKind = "history_page"
	EventHistoryEnd       EventKind = "history_end"
	EventOrderAck         EventKind = "order_ack"
	EventOrderStatus      EventKind = "order_status"
	EventTrade            EventKind = "trade"
	EventPositionSnapshot EventKind = "position_snapshot"
	EventDisconnect       EventKind = "disconnect"
	EventError            EventKind = "error"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus is the venue's own order status vocabulary.
type OrderStatus string

const (
	StatusAccepted         OrderStatus = "ACCEPTED" // on the book, nothing traded
	StatusPartiallyFilled  OrderStatus = "PARTIAL"
	StatusFilled           OrderStatus = "FILLED"
	StatusPartialCancelled OrderStatus = "PARTIAL_CANCELLED"
	StatusCancelled        OrderStatus = "CANCELLED"
	StatusRejected         OrderStatus = "REJECTED"
	StatusUnknown          OrderStatus = "UNKNOWN"
)

// GranularityCode is the venue's candle interval vocabulary.
type GranularityCode string

const (
	GranularityTick GranularityCode = "tick"
	GranularityDay  GranularityCode = "1d"
)

// Tick is a raw quote snapshot. Prices are pointers so missing fields are
// distinguishable from zero.
type Tick struct {
	Time      int64    `json:"time"` // unix milliseconds, venue clock
	BidPrice  *float64 `json:"bid_price,omitempty"`
	AskPrice  *float64 `json:"ask_price,omitempty"`
	LastPrice *float64 `json:"last_price,omitempty"`
	Volume    *float64 `json:"volume,omitempty"`
}

// Bar is a raw aggregate candle.
type Bar struct {
	Time         int64    `json:"time"` // unix milliseconds, candle open
	Open         *float64 `json:"open,omitempty"`
	High         *float64 `json:"high,omitempty"`
	Low          *float64 `json:"low,omitempty"`
	Close        *float64 `json:"close,omitempty"`
	Volume       *float64 `json:"volume,omitempty"`
	OpenInterest *float64 `json:"open_interest,omitempty"`
}

// DepthLevel is one price level of a depth update.
type DepthLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// Depth is a raw order-book update. The bridge does not turn depth into bars.
type Depth struct {
	Time int64        `json:"time"`
	Bids []DepthLevel `json:"bids"`
	Asks []DepthLevel `json:"asks"`
}

// OrderReport is an order-status push or an order ack.
type OrderReport struct {
	OrderID  string      `json:"order_id"`  // venue id, empty on a failed ack
	ClientID string      `json:"client_id"` // our local id when the order is ours
	Ticker   string      `json:"ticker"`
	Exchange string      `json:"exchange"`
	Side     Side        `json:"side"`
	Quantity float64     `json:"quantity"`
	QtyLeft  float64     `json:"qty_left"`
	Price    string      `json:"price"` // decimal string
	Status   OrderStatus `json:"status"`
	Time     int64       `json:"time"`
}

// TradeReport is a single execution.
type TradeReport struct {
	OrderID     string  `json:"order_id"`
	ClientID    string  `json:"client_id"`
	ExecID      string  `json:"exec_id"`
	ReportIndex int64   `json:"report_index"`
	Exchange    string  `json:"exchange"`
	Ticker      string  `json:"ticker"`
	Side        Side    `json:"side"`
	Quantity    float64 `json:"quantity"`
	Price       string  `json:"price"`
	Time        int64   `json:"time"`
}

// PositionReport is one ticker of a position snapshot.
type PositionReport struct {
	Ticker   string  `json:"ticker"`
	Quantity float64 `json:"quantity"` // signed
	AvgPrice string  `json:"avg_price"`
}

// Error is a venue error payload.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("venue returned error code %d (%s)", e.Code, e.Message)
}

// Event is one push delivered by a Session.
type Event struct {
	Kind      EventKind        `json:"kind"`
	Ticker    string           `json:"ticker,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
	Tick      *Tick            `json:"tick,omitempty"`
	Bar       *Bar             `json:"bar,omitempty"`
	History   []Bar            `json:"history,omitempty"`
	Depth     *Depth           `json:"depth,omitempty"`
	Order     *OrderReport     `json:"order,omitempty"`
	Trade     *TradeReport     `json:"trade,omitempty"`
	Positions []PositionReport `json:"positions,omitempty"`
	Err       *Error           `json:"error,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// HistoryRequest asks for candles in [Start, End). A zero Start lets the
// venue pick its maximum lookback.
type HistoryRequest struct {
	RequestID   string          `json:"request_id"`
	Ticker      string          `json:"ticker"`
	Exchange    string          `json:"exchange"`
	Start       time.Time       `json:"start"`
	End         time.Time       `json:"end"`
	Granularity GranularityCode `json:"granularity"`
}

// OrderRequest captures an order intent sent to the venue.
type OrderRequest struct {
	ClientID string  `json:"client_id"`
	Ticker   string  `json:"ticker"`
	Exchange string  `json:"exchange"`
	Side     Side    `json:"side"`
	Quantity float64 `json:"quantity"`
	Price    string  `json:"price"` // empty for market orders
}
