// Package exception holds the sentinel errors shared across the bridge and
// maps them onto the error taxonomy surfaced to the engine.
package exception

import (
	"errors"
	"fmt"
)

// Kind classifies an error for Error notifications.
type Kind uint8

const (
	KindInternal Kind = iota
	KindConnectionLost
	KindVenueRejected
	KindMalformedEvent
	KindReconciliationFault
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindConnectionLost:
		return "CONNECTION_LOST"
	case KindVenueRejected:
		return "VENUE_REJECTED"
	case KindMalformedEvent:
		return "MALFORMED_EVENT"
	case KindReconciliationFault:
		return "RECONCILIATION_FAULT"
	case KindUnsupported:
		return "UNSUPPORTED"
	default:
		return "INTERNAL"
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	for v := KindInternal; v <= KindUnsupported; v++ {
		if v.String() == string(b) {
			*k = v
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", b)
}

// Retryable reports whether the fault is handled by reconnecting.
func (k Kind) Retryable() bool {
	return k == KindConnectionLost
}

// KindOf maps err onto the taxonomy. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrCommandTimeout),
		errors.Is(err, ErrInboxOverflow),
		errors.Is(err, ErrReconnectBudget):
		return KindConnectionLost
	case errors.Is(err, ErrOrderRejected),
		errors.Is(err, ErrHistoryRejected),
		errors.Is(err, ErrPositionQueryRejected),
		errors.Is(err, ErrVenueFatalCode):
		return KindVenueRejected
	case errors.Is(err, ErrMalformedEvent):
		return KindMalformedEvent
	case errors.Is(err, ErrReconciliationFault):
		return KindReconciliationFault
	case errors.Is(err, ErrUnsupportedGranularity):
		return KindUnsupported
	default:
		return KindInternal
	}
}
