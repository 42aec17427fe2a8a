package feed

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"xtp-bridge/internal/exception"
	"xtp-bridge/internal/market"
)

// FeedConfig is one feed entry of the feeds file. The admin API accepts
// the same shape as JSON.
type FeedConfig struct {
	ID             string `yaml:"id" json:"id"`
	Ticker         string `yaml:"ticker" json:"ticker"`
	Exchange       string `yaml:"exchange" json:"exchange"`
	Granularity    string `yaml:"granularity" json:"granularity"`
	BackfillFrom   string `yaml:"backfill_from" json:"backfill_from"`
	Until          string `yaml:"until" json:"until"`
	Historical     bool   `yaml:"historical" json:"historical"`
	UseAsk         bool   `yaml:"use_ask" json:"use_ask"`
	Resume         bool   `yaml:"resume" json:"resume"`
	Reconnect      *bool  `yaml:"reconnect" json:"reconnect"`
	Reconnections  *int   `yaml:"reconnections" json:"reconnections"`
	ReconnectDelay string `yaml:"reconnect_delay" json:"reconnect_delay"`
}

// FeedsFile is the top-level YAML structure.
type FeedsFile struct {
	Feeds []FeedConfig `yaml:"feeds"`
}

// LoadFeeds reads subscriptions from a YAML file. Entries without their own
// reconnect settings take them from defaults.
func LoadFeeds(path string, defaults ReconnectPolicy) ([]Subscription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file FeedsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse feeds file %s: %w", path, err)
	}

	subs := make([]Subscription, 0, len(file.Feeds))
	for i, fc := range file.Feeds {
		sub, err := fc.Subscription(defaults)
		if err != nil {
			return nil, fmt.Errorf("feed #%d (%s): %w", i, fc.Ticker, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Subscription converts the entry, validating it.
func (fc FeedConfig) Subscription(defaults ReconnectPolicy) (Subscription, error) {
	g, err := market.ParseGranularity(fc.Granularity)
	if err != nil {
		return Subscription{}, err
	}
	sub := Subscription{
		ID:          fc.ID,
		Ticker:      fc.Ticker,
		Exchange:    fc.Exchange,
		Granularity: g,
		Historical:  fc.Historical,
		UseAsk:      fc.UseAsk,
		Resume:      fc.Resume,
		Reconnect:   defaults,
	}
	if sub.BackfillFrom, err = parseTime(fc.BackfillFrom); err != nil {
		return Subscription{}, err
	}
	if sub.Until, err = parseTime(fc.Until); err != nil {
		return Subscription{}, err
	}
	if fc.Reconnect != nil {
		sub.Reconnect.Enabled = *fc.Reconnect
	}
	if fc.Reconnections != nil {
		sub.Reconnect.MaxAttempts = *fc.Reconnections
	}
	if fc.ReconnectDelay != "" {
		d, err := time.ParseDuration(fc.ReconnectDelay)
		if err != nil {
			return Subscription{}, fmt.Errorf("reconnect_delay %q: %w", fc.ReconnectDelay, exception.ErrInvalidSubscription)
		}
		sub.Reconnect.Delay = d
	}
	if err := sub.Validate(); err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

// parseTime accepts RFC3339, a plain date-time or a date, read as UTC.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("time %q: %w", s, exception.ErrInvalidSubscription)
}

// ParseTime is parseTime for other packages reading user supplied times.
func ParseTime(s string) (time.Time, error) { return parseTime(s) }
