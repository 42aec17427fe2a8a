package feed

import (
	"fmt"
	"strings"
	"time"

	"xtp-bridge/internal/exception"
	"xtp-bridge/internal/market"
)

// Unlimited disables the reconnect attempt bound.
const Unlimited = -1

// ReconnectPolicy bounds automatic reconnection.
type ReconnectPolicy struct {
	Enabled     bool
	MaxAttempts int // Unlimited for no bound
	Delay       time.Duration
}

// DefaultReconnectPolicy retries forever every five seconds.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Enabled: true, MaxAttempts: Unlimited, Delay: 5 * time.Second}
}

// Subscription is one requested feed.
type Subscription struct {
	ID           string             `json:"id"`
	Ticker       string             `json:"ticker"`
	Exchange     string             `json:"exchange"`
	Granularity  market.Granularity `json:"-"`
	BackfillFrom time.Time          `json:"backfill_from,omitzero"`
	// Historical feeds stop after the backfill instead of going live.
	Historical bool      `json:"historical"`
	Until      time.Time `json:"until,omitzero"`
	// UseAsk builds tick bars from the ask instead of the bid.
	UseAsk bool `json:"use_ask"`
	// Resume seeds the watermark from the bar store on start.
	Resume    bool            `json:"resume"`
	Reconnect ReconnectPolicy `json:"reconnect"`
}

// Validate checks the subscription before any venue command is issued.
func (s *Subscription) Validate() error {
	s.Ticker = strings.TrimSpace(s.Ticker)
	s.Exchange = strings.ToUpper(strings.TrimSpace(s.Exchange))
	if s.Ticker == "" {
		return fmt.Errorf("ticker is required: %w", exception.ErrInvalidSubscription)
	}
	if err := s.Granularity.Validate(); err != nil {
		return err
	}
	if s.Reconnect.MaxAttempts < Unlimited {
		return fmt.Errorf("reconnect attempts %d: %w", s.Reconnect.MaxAttempts, exception.ErrInvalidSubscription)
	}
	if s.Reconnect.Delay < 0 {
		return fmt.Errorf("reconnect delay %s: %w", s.Reconnect.Delay, exception.ErrInvalidSubscription)
	}
	if !s.Until.IsZero() && !s.BackfillFrom.IsZero() && !s.Until.After(s.BackfillFrom) {
		return fmt.Errorf("until %s not after backfill start %s: %w", s.Until, s.BackfillFrom, exception.ErrInvalidSubscription)
	}
	if !s.Until.IsZero() && !s.Historical {
		return fmt.Errorf("until is only valid for historical feeds: %w", exception.ErrInvalidSubscription)
	}
	return nil
}
