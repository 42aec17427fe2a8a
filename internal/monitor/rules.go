package monitor

import (
	"fmt"

	"xtp-bridge/internal/events"
	"xtp-bridge/internal/exception"
	"xtp-bridge/internal/market"
)

// Rule inspects a notification and decides whether it warrants an alert.
type Rule func(n events.Notification) (bool, string)

// DefaultRules alert on reconciliation faults, venue rejections and feeds
// that gave up.
func DefaultRules() []Rule {
	return []Rule{
		func(n events.Notification) (bool, string) {
			if n.Kind == events.KindError && n.ErrKind == exception.KindReconciliationFault {
				return true, "reconciliation fault: " + n.Detail
			}
			return false, ""
		},
		func(n events.Notification) (bool, string) {
			if n.Kind == events.KindConnectionChanged && n.State == market.StateExhausted {
				return true, fmt.Sprintf("feed %s (%s) exhausted", n.SubscriptionID, n.Ticker)
			}
			return false, ""
		},
		func(n events.Notification) (bool, string) {
			if n.Kind == events.KindError && n.ErrKind == exception.KindVenueRejected {
				return true, "venue rejected: " + n.Detail
			}
			return false, ""
		},
	}
}
