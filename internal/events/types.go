package events

import (
	"fmt"
	"time"

	"xtp-bridge/internal/exception"
	"xtp-bridge/internal/market"
	"xtp-bridge/internal/order"
)

// Event enumerates bus topics inside the bridge.
type Event string

const (
	EventNotification       Event = "notification"
	EventBarDelivered       Event = "bar.delivered"
	EventOrderChanged       Event = "order.changed"
	EventTradeApplied       Event = "trade.applied"
	EventPositionsReplaced  Event = "positions.replaced"
	EventReconcileCompleted Event = "reconcile.completed"
)

// Kind tags a Notification.
type Kind uint8

const (
	KindBarReady Kind = iota + 1
	KindOrderChanged
	KindConnectionChanged
	KindError
	// KindBatchEnd separates one drain cycle from the next.
	KindBatchEnd
)

func (k Kind) String() string {
	switch k {
	case KindBarReady:
		return "bar_ready"
	case KindOrderChanged:
		return "order_changed"
	case KindConnectionChanged:
		return "connection_changed"
	case KindError:
		return "error"
	case KindBatchEnd:
		return "batch_end"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	for v := KindBarReady; v <= KindBatchEnd; v++ {
		if v.String() == string(b) {
			*k = v
			return nil
		}
	}
	return fmt.Errorf("unknown notification kind %q", b)
}

// Notification is one engine-visible event. Which fields are set depends on
// Kind.
type Notification struct {
	Seq            uint64                 `json:"seq"`
	Kind           Kind                   `json:"kind"`
	Time           time.Time              `json:"time"`
	SubscriptionID string                 `json:"subscription_id,omitempty"`
	Ticker         string                 `json:"ticker,omitempty"`
	Bar            *market.Bar            `json:"bar,omitempty"`
	Order          *order.Order           `json:"order,omitempty"`
	PriorStatus    order.Status           `json:"prior_status,omitempty"`
	State          market.ConnectionState `json:"state,omitempty"`
	ErrKind        exception.Kind         `json:"error_kind,omitempty"`
	Detail         string                 `json:"detail,omitempty"`
}

// BarReady announces a delivered bar.
func BarReady(subID, ticker string, b market.Bar) Notification {
	return Notification{Kind: KindBarReady, SubscriptionID: subID, Ticker: ticker, Bar: &b}
}

// OrderChanged announces an order update with the status it had before.
func OrderChanged(o order.Order, prior order.Status) Notification {
	return Notification{Kind: KindOrderChanged, Ticker: o.Ticker, Order: &o, PriorStatus: prior}
}

// ConnectionChanged announces a feed state transition.
func ConnectionChanged(subID, ticker string, s market.ConnectionState) Notification {
	return Notification{Kind: KindConnectionChanged, SubscriptionID: subID, Ticker: ticker, State: s}
}

// Error announces a fault. err is classified onto the error taxonomy.
func Error(subID, ticker string, err error) Notification {
	return Notification{
		Kind:           KindError,
		SubscriptionID: subID,
		Ticker:         ticker,
		ErrKind:        exception.KindOf(err),
		Detail:         err.Error(),
	}
}
