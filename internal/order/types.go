package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"xtp-bridge/pkg/venue"
)

// Status is the local order lifecycle status.
type Status uint8

const (
	StatusNone Status = iota
	StatusSubmitted
	StatusAccepted
	StatusPartiallyFilled
	StatusFilled
	StatusPartiallyCancelled
	StatusCancelled
	StatusRejected
)

var statusNames = map[Status]string{
	StatusNone:               "NONE",
	StatusSubmitted:          "SUBMITTED",
	StatusAccepted:           "ACCEPTED",
	StatusPartiallyFilled:    "PARTIALLY_FILLED",
	StatusFilled:             "FILLED",
	StatusPartiallyCancelled: "PARTIALLY_CANCELLED",
	StatusCancelled:          "CANCELLED",
	StatusRejected:           "REJECTED",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, ok := ParseStatus(string(b))
	if !ok {
		return fmt.Errorf("unknown order status %q", b)
	}
	*s = v
	return nil
}

// ParseStatus reads a status name as written by String.
func ParseStatus(name string) (Status, bool) {
	for s, n := range statusNames {
		if n == name {
			return s, true
		}
	}
	return StatusNone, false
}

// rank orders statuses along the lifecycle; all terminal statuses share the
// top rank.
func (s Status) rank() int {
	switch s {
	case StatusNone:
		return 0
	case StatusSubmitted:
		return 1
	case StatusAccepted:
		return 2
	case StatusPartiallyFilled:
		return 3
	default:
		return 4
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s.rank() == 4 }

// CanAdvance reports whether moving from s to next is a forward transition.
// Repeats and regressions are refused.
func (s Status) CanAdvance(next Status) bool {
	if s == next || s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// FromVenue maps the venue's status vocabulary.
func FromVenue(s venue.OrderStatus) (Status, bool) {
	switch s {
	case venue.StatusAccepted:
		return StatusAccepted, true
	case venue.StatusPartiallyFilled:
		return StatusPartiallyFilled, true
	case venue.StatusFilled:
		return StatusFilled, true
	case venue.StatusPartialCancelled:
		return StatusPartiallyCancelled, true
	case venue.StatusCancelled:
		return StatusCancelled, true
	case venue.StatusRejected:
		return StatusRejected, true
	default:
		return StatusNone, false
	}
}

// Order is the local mirror of one venue order.
type Order struct {
	LocalID      string          `json:"local_id"`
	VenueID      string          `json:"venue_id,omitempty"`
	Ticker       string          `json:"ticker"`
	Exchange     string          `json:"exchange"`
	Side         venue.Side      `json:"side"`
	Quantity     float64         `json:"quantity"`
	Remaining    float64         `json:"remaining_quantity"`
	LimitPrice   decimal.Decimal `json:"limit_price"`
	FilledQty    float64         `json:"filled_quantity"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Status       Status          `json:"status"`
	Foreign      bool            `json:"foreign,omitempty"` // placed by another session, read-only
	Suspect      bool            `json:"suspect,omitempty"` // a reconciliation fault was seen
	Acked        bool            `json:"acked"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ClosedAt     time.Time       `json:"closed_at,omitzero"`
}

// IsFullyFilled checks if order is fully filled
func (o *Order) IsFullyFilled() bool {
	return o.Remaining <= 0 && o.FilledQty > 0
}

// ApplyFill books qty at price, keeping a volume-weighted average fill price.
// The caller has already checked qty against Remaining.
func (o *Order) ApplyFill(qty float64, price decimal.Decimal) {
	q := decimal.NewFromFloat(qty)
	prev := decimal.NewFromFloat(o.FilledQty)
	total := prev.Add(q)
	if total.IsPositive() {
		o.AvgFillPrice = o.AvgFillPrice.Mul(prev).Add(price.Mul(q)).Div(total)
	}
	o.FilledQty += qty
	o.Remaining -= qty
	if o.Remaining < 0 {
		o.Remaining = 0
	}
}

// SetStatus moves the order to s and stamps the close time on terminal
// statuses. Only rejection zeroes the remaining quantity: a cancelled order
// keeps it so a fill reported after the cancel can still be booked.
func (o *Order) SetStatus(s Status, now time.Time) {
	o.Status = s
	o.UpdatedAt = now
	if s == StatusRejected {
		o.Remaining = 0
	}
	if s.Terminal() {
		o.ClosedAt = now
	}
}
