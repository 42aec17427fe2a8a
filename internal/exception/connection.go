package exception

import "errors"

// Connection errors
var (
	ErrConnectionLost   = errors.New("connection: lost")
	ErrSessionClosed    = errors.New("connection: session closed")
	ErrNotConnected     = errors.New("connection: not connected")
	ErrCommandTimeout   = errors.New("connection: command timeout")
	ErrInboxOverflow    = errors.New("connection: inbox overflow")
	ErrReconnectBudget  = errors.New("connection: reconnect attempts exhausted")
	ErrVenueFatalCode   = errors.New("connection: non-transient venue error")
	ErrInvalidVenueAddr = errors.New("connection: invalid venue address")
)
