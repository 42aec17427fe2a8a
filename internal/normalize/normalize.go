// Package normalize turns raw venue payloads into canonical records. Every
// function is pure; malformed input yields an error wrapping
// exception.ErrMalformedEvent.
package normalize

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"xtp-bridge/internal/exception"
	"xtp-bridge/internal/market"
	"xtp-bridge/internal/order"
	"xtp-bridge/pkg/db"
	"xtp-bridge/pkg/venue"
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), exception.ErrMalformedEvent)
}

func finite(name string, v *float64, required bool) (float64, error) {
	if v == nil {
		if required {
			return 0, malformed("missing %s", name)
		}
		return 0, nil
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0, malformed("%s is not finite", name)
	}
	return *v, nil
}

func timestamp(ms int64) (time.Time, error) {
	if ms <= 0 {
		return time.Time{}, malformed("missing timestamp")
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Bar passes an aggregate candle through. Open, high, low and close are
// required; volume and open interest default to zero.
func Bar(raw *venue.Bar, g market.Granularity) (market.Bar, error) {
	if raw == nil {
		return market.Bar{}, malformed("empty bar payload")
	}
	ts, err := timestamp(raw.Time)
	if err != nil {
		return market.Bar{}, err
	}
	b := market.Bar{Timestamp: ts, Granularity: g}
	fields := []struct {
		name     string
		src      *float64
		dst      *float64
		required bool
	}{
		{"open", raw.Open, &b.Open, true},
		{"high", raw.High, &b.High, true},
		{"low", raw.Low, &b.Low, true},
		{"close", raw.Close, &b.Close, true},
		{"volume", raw.Volume, &b.Volume, false},
		{"open_interest", raw.OpenInterest, &b.OpenInterest, false},
	}
	for _, f := range fields {
		v, err := finite(f.name, f.src, f.required)
		if err != nil {
			return market.Bar{}, err
		}
		*f.dst = v
	}
	if b.High < b.Low {
		return market.Bar{}, malformed("high %v below low %v", b.High, b.Low)
	}
	return b, nil
}

// Tick turns a quote into a single-price bar with zero volume. The bid is
// used unless useAsk is set; the last price stands in when the chosen side
// is absent.
func Tick(raw *venue.Tick, useAsk bool) (market.Bar, error) {
	if raw == nil {
		return market.Bar{}, malformed("empty tick payload")
	}
	ts, err := timestamp(raw.Time)
	if err != nil {
		return market.Bar{}, err
	}
	side, name := raw.BidPrice, "bid_price"
	if useAsk {
		side, name = raw.AskPrice, "ask_price"
	}
	if side == nil {
		side, name = raw.LastPrice, "last_price"
	}
	px, err := finite(name, side, true)
	if err != nil {
		return market.Bar{}, err
	}
	if px <= 0 {
		return market.Bar{}, malformed("%s %v is not positive", name, px)
	}
	return market.Bar{
		Timestamp:   ts,
		Open:        px,
		High:        px,
		Low:         px,
		Close:       px,
		Granularity: market.Tick,
	}, nil
}

// OrderUpdate is a canonical order-status record.
type OrderUpdate struct {
	VenueID  string
	ClientID string
	Ticker   string
	Exchange string
	Side     venue.Side
	Quantity float64
	QtyLeft  float64
	Price    decimal.Decimal
	Status   order.Status
	Time     time.Time
}

func parsePrice(name, s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, malformed("%s %q", name, s)
	}
	if d.IsNegative() {
		return decimal.Zero, malformed("%s %s is negative", name, d)
	}
	return d, nil
}

func parseSide(s venue.Side) (venue.Side, error) {
	switch venue.Side(strings.ToUpper(string(s))) {
	case venue.SideBuy:
		return venue.SideBuy, nil
	case venue.SideSell:
		return venue.SideSell, nil
	default:
		return "", malformed("unknown side %q", s)
	}
}

// Order normalizes an order ack or status push. Acks carry no status and map
// to StatusSubmitted.
func Order(raw *venue.OrderReport, ack bool) (OrderUpdate, error) {
	if raw == nil {
		return OrderUpdate{}, malformed("empty order payload")
	}
	if raw.OrderID == "" && raw.ClientID == "" {
		return OrderUpdate{}, malformed("order without id")
	}
	status := order.StatusSubmitted
	if !ack {
		var ok bool
		if status, ok = order.FromVenue(raw.Status); !ok {
			return OrderUpdate{}, malformed("order %s has unknown status %q", raw.OrderID, raw.Status)
		}
	}
	if raw.Quantity < 0 || raw.QtyLeft < 0 || raw.QtyLeft > raw.Quantity {
		return OrderUpdate{}, malformed("order %s quantities %v/%v", raw.OrderID, raw.QtyLeft, raw.Quantity)
	}
	px, err := parsePrice("price", raw.Price)
	if err != nil {
		return OrderUpdate{}, err
	}
	var side venue.Side
	if raw.Side != "" {
		if side, err = parseSide(raw.Side); err != nil {
			return OrderUpdate{}, err
		}
	}
	u := OrderUpdate{
		VenueID:  raw.OrderID,
		ClientID: raw.ClientID,
		Ticker:   raw.Ticker,
		Exchange: strings.ToUpper(raw.Exchange),
		Side:     side,
		Quantity: raw.Quantity,
		QtyLeft:  raw.QtyLeft,
		Price:    px,
		Status:   status,
	}
	if raw.Time > 0 {
		u.Time = time.UnixMilli(raw.Time).UTC()
	}
	return u, nil
}

// Fill is a canonical execution record.
type Fill struct {
	VenueID     string
	ClientID    string
	ExecID      string
	ReportIndex int64
	Ticker      string
	Exchange    string
	Side        venue.Side
	Quantity    float64
	Price       decimal.Decimal
	Time        time.Time
}

// Report returns the raw identity fields used for duplicate detection.
func (f Fill) Report() venue.TradeReport {
	return venue.TradeReport{ExecID: f.ExecID, ReportIndex: f.ReportIndex, Exchange: f.Exchange}
}

// Trade normalizes an execution report.
func Trade(raw *venue.TradeReport) (Fill, error) {
	if raw == nil {
		return Fill{}, malformed("empty trade payload")
	}
	if raw.OrderID == "" && raw.ClientID == "" {
		return Fill{}, malformed("trade without order id")
	}
	if raw.ExecID == "" && raw.ReportIndex <= 0 {
		return Fill{}, malformed("trade for %s without execution identity", raw.OrderID)
	}
	if raw.Quantity <= 0 || math.IsNaN(raw.Quantity) || math.IsInf(raw.Quantity, 0) {
		return Fill{}, malformed("trade %s quantity %v", raw.ExecID, raw.Quantity)
	}
	if strings.TrimSpace(raw.Price) == "" {
		return Fill{}, malformed("trade %s missing price", raw.ExecID)
	}
	px, err := parsePrice("price", raw.Price)
	if err != nil {
		return Fill{}, err
	}
	side, err := parseSide(raw.Side)
	if err != nil {
		return Fill{}, err
	}
	f := Fill{
		VenueID:     raw.OrderID,
		ClientID:    raw.ClientID,
		ExecID:      raw.ExecID,
		ReportIndex: raw.ReportIndex,
		Ticker:      raw.Ticker,
		Exchange:    strings.ToUpper(raw.Exchange),
		Side:        side,
		Quantity:    raw.Quantity,
		Price:       px,
	}
	if raw.Time > 0 {
		f.Time = time.UnixMilli(raw.Time).UTC()
	}
	return f, nil
}

// Positions normalizes a position snapshot. Duplicate tickers are rejected
// since the snapshot replaces the whole local set.
func Positions(raw []venue.PositionReport) ([]db.Position, error) {
	out := make([]db.Position, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, p := range raw {
		if p.Ticker == "" {
			return nil, malformed("position without ticker")
		}
		if _, dup := seen[p.Ticker]; dup {
			return nil, malformed("position %s listed twice", p.Ticker)
		}
		seen[p.Ticker] = struct{}{}
		if math.IsNaN(p.Quantity) || math.IsInf(p.Quantity, 0) {
			return nil, malformed("position %s quantity %v", p.Ticker, p.Quantity)
		}
		avg, err := parsePrice("avg_price", p.AvgPrice)
		if err != nil {
			return nil, err
		}
		out = append(out, db.Position{Ticker: p.Ticker, Qty: p.Quantity, AvgPrice: avg})
	}
	return out, nil
}
