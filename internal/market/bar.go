package market

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"xtp-bridge/internal/exception"
	"xtp-bridge/pkg/venue"
)

// GranularityKind is the bar aggregation class.
type GranularityKind uint8

const (
	GranularityTick GranularityKind = iota + 1
	GranularityIntraday
	GranularityDaily
)

// Granularity describes bar aggregation. Period is set for intraday only.
type Granularity struct {
	Kind   GranularityKind
	Period time.Duration
}

var (
	Tick  = Granularity{Kind: GranularityTick}
	Daily = Granularity{Kind: GranularityDaily}
)

// Intraday returns an intraday aggregate of period d.
func Intraday(d time.Duration) Granularity {
	return Granularity{Kind: GranularityIntraday, Period: d}
}

// intradayPeriods are the candle sizes the venue serves.
var intradayPeriods = map[time.Duration]string{
	time.Minute:      "1m",
	5 * time.Minute:  "5m",
	15 * time.Minute: "15m",
	30 * time.Minute: "30m",
	time.Hour:        "1h",
}

// ParseGranularity reads "tick", "1d" or an intraday period such as "5m".
func ParseGranularity(s string) (Granularity, error) {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case "tick", "ticks":
		return Tick, nil
	case "1d", "d", "day", "daily":
		return Daily, nil
	}
	if len(s) < 2 {
		return Granularity{}, fmt.Errorf("granularity %q: %w", s, exception.ErrUnsupportedGranularity)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return Granularity{}, fmt.Errorf("granularity %q: %w", s, exception.ErrUnsupportedGranularity)
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	default:
		return Granularity{}, fmt.Errorf("granularity %q: %w", s, exception.ErrUnsupportedGranularity)
	}
	g := Intraday(time.Duration(n) * unit)
	if err := g.Validate(); err != nil {
		return Granularity{}, err
	}
	return g, nil
}

// Validate rejects granularities the venue cannot serve.
func (g Granularity) Validate() error {
	switch g.Kind {
	case GranularityTick, GranularityDaily:
		if g.Period != 0 {
			return fmt.Errorf("granularity %s with period %s: %w", g, g.Period, exception.ErrUnsupportedGranularity)
		}
		return nil
	case GranularityIntraday:
		if _, ok := intradayPeriods[g.Period]; ok {
			return nil
		}
	}
	return fmt.Errorf("granularity %s: %w", g, exception.ErrUnsupportedGranularity)
}

// Code is the venue's identifier for g.
func (g Granularity) Code() venue.GranularityCode {
	switch g.Kind {
	case GranularityTick:
		return venue.GranularityTick
	case GranularityDaily:
		return venue.GranularityDay
	default:
		return venue.GranularityCode(intradayPeriods[g.Period])
	}
}

func (g Granularity) String() string {
	switch g.Kind {
	case GranularityTick:
		return "tick"
	case GranularityDaily:
		return "1d"
	case GranularityIntraday:
		if code, ok := intradayPeriods[g.Period]; ok {
			return code
		}
		return "intraday(" + g.Period.String() + ")"
	default:
		return "unknown"
	}
}

// Bar is the canonical record delivered to the engine.
type Bar struct {
	Timestamp    time.Time   `json:"timestamp"`
	Open         float64     `json:"open"`
	High         float64     `json:"high"`
	Low          float64     `json:"low"`
	Close        float64     `json:"close"`
	Volume       float64     `json:"volume"`
	OpenInterest float64     `json:"open_interest"`
	Granularity  Granularity `json:"-"`
}
