package market

import "fmt"

// ConnectionState is the lifecycle state of one feed subscription.
type ConnectionState uint8

const (
	StateConnecting ConnectionState = iota
	StateHistoricalBackfill
	StateLive
	StateDisconnected
	StateExhausted
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHistoricalBackfill:
		return "historical_backfill"
	case StateLive:
		return "live"
	case StateDisconnected:
		return "disconnected"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s ConnectionState) Terminal() bool { return s == StateExhausted }

// MarshalText renders the state by name in JSON and logs.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText reads a state name as written by MarshalText.
func (s *ConnectionState) UnmarshalText(b []byte) error {
	for v := StateConnecting; v <= StateExhausted; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", b)
}
