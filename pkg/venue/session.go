package venue

import (
	"context"
	"slices"
)

// Handler receives venue pushes. It runs on the session's delivery goroutine
// and must return quickly; a slow handler delays the venue's whole stream.
type Handler func(Event)

// Session abstracts the connection to the trading venue. Commands return once
// the venue accepted them for processing; their results arrive as events.
type Session interface {
	SetHandler(h Handler)
	Subscribe(ctx context.Context, ticker, exchange string) error
	Unsubscribe(ctx context.Context, ticker string) error
	QueryHistory(ctx context.Context, req HistoryRequest) error
	SubmitOrder(ctx context.Context, req OrderRequest) error
	CancelOrder(ctx context.Context, venueID string) error
	QueryPositions(ctx context.Context) ([]PositionReport, error)
	Close() error
}

// DefaultTransientCodes are the session-reset codes that allow a reconnect.
var DefaultTransientCodes = []int{596, 598, 599}

// TransientSet decides whether a venue error code is reconnect-eligible.
type TransientSet struct {
	codes []int
}

// NewTransientSet builds a set; an empty list falls back to the defaults.
func NewTransientSet(codes []int) TransientSet {
	if len(codes) == 0 {
		codes = DefaultTransientCodes
	}
	return TransientSet{codes: slices.Clone(codes)}
}

// Transient reports whether code is reconnect-eligible.
func (t TransientSet) Transient(code int) bool {
	if len(t.codes) == 0 {
		return slices.Contains(DefaultTransientCodes, code)
	}
	return slices.Contains(t.codes, code)
}
