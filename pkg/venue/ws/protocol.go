package ws

import (
	"encoding/json"

	"xtp-bridge/pkg/venue"
)

// Operation names understood by the venue gateway.
const (
	opLogin          = "login"
	opSubscribe      = "subscribe"
	opUnsubscribe    = "unsubscribe"
	opQueryHistory   = "query_history"
	opSubmitOrder    = "submit_order"
	opCancelOrder    = "cancel_order"
	opQueryPositions = "query_positions"
)

// request is a command frame sent to the gateway.
type request struct {
	ID   string `json:"id"`
	Op   string `json:"op"`
	Args any    `json:"args,omitempty"`
}

type loginArgs struct {
	User     string `json:"user"`
	Password string `json:"password"`
	ClientID int    `json:"client_id"`
}

type tickerArgs struct {
	Ticker   string `json:"ticker"`
	Exchange string `json:"exchange,omitempty"`
}

type cancelArgs struct {
	OrderID string `json:"order_id"`
}

// frame is anything received from the gateway. Replies carry ID; pushes
// carry Event.
type frame struct {
	ID        string                 `json:"id,omitempty"`
	OK        bool                   `json:"ok,omitempty"`
	Error     *venue.Error           `json:"error,omitempty"`
	Positions []venue.PositionReport `json:"positions,omitempty"`
	Event     json.RawMessage        `json:"event,omitempty"`
}

type reply struct {
	err       error
	positions []venue.PositionReport
}
