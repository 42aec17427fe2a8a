package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"xtp-bridge/pkg/db"
	"xtp-bridge/pkg/logger"
	"xtp-bridge/pkg/venue"
)

// Diff is the change a snapshot applied to one ticker.
type Diff struct {
	Ticker     string  `json:"ticker"`
	LocalQty   float64 `json:"local_qty"`
	VenueQty   float64 `json:"venue_qty"`
	Difference float64 `json:"difference"`
}

// Manager keeps an in-memory view of positions while persisting to DB for durability.
type Manager struct {
	mu        sync.RWMutex
	positions map[string]db.Position
	db        *db.Database
	log       *logger.Entry
}

func NewManager(database *db.Database) *Manager {
	return &Manager{
		db:        database,
		positions: make(map[string]db.Position),
		log:       logger.GetLogger().WithComponent("positions"),
	}
}

// Load seeds in-memory state from DB on startup.
func (m *Manager) Load(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	pos, err := m.db.ListPositions(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pos {
		if p.Qty != 0 {
			m.positions[p.Ticker] = p
		}
	}
	return nil
}

// Position returns the latest snapshot for a ticker; flat tickers report zero.
func (m *Manager) Position(ticker string) db.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[ticker]
	if !ok {
		return db.Position{Ticker: ticker}
	}
	return p
}

// Positions returns all non-flat positions sorted by ticker.
func (m *Manager) Positions() []db.Position {
	m.mu.RLock()
	res := make([]db.Position, 0, len(m.positions))
	for _, p := range m.positions {
		res = append(res, p)
	}
	m.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].Ticker < res[j].Ticker })
	return res
}

// RecordFill applies a local fill. Adding to a position moves the average
// price; reducing keeps it; crossing through flat restarts it at price.
func (m *Manager) RecordFill(ctx context.Context, ticker string, side venue.Side, qty float64, price decimal.Decimal) (db.Position, error) {
	signed := qty
	if side == venue.SideSell {
		signed = -qty
	}

	m.mu.Lock()
	p := m.positions[ticker]
	oldQty := p.Qty
	newQty := oldQty + signed

	switch {
	case newQty == 0:
		p.AvgPrice = decimal.Zero
	case oldQty == 0 || (oldQty > 0) != (newQty > 0):
		p.AvgPrice = price
	case (signed > 0) == (oldQty > 0):
		prev := decimal.NewFromFloat(oldQty).Abs()
		add := decimal.NewFromFloat(qty)
		p.AvgPrice = p.AvgPrice.Mul(prev).Add(price.Mul(add)).Div(prev.Add(add))
	}
	p.Ticker = ticker
	p.Qty = newQty
	p.UpdatedAt = time.Now().UTC()
	if newQty == 0 {
		delete(m.positions, ticker)
	} else {
		m.positions[ticker] = p
	}
	m.mu.Unlock()

	if m.db != nil {
		if err := m.db.UpsertPosition(ctx, p); err != nil {
			return p, err
		}
	}
	return p, nil
}

// Replace makes the venue snapshot the whole position set. Tickers missing
// from the snapshot become flat. It returns the tickers whose quantity
// changed.
func (m *Manager) Replace(ctx context.Context, snapshot []db.Position) ([]Diff, error) {
	now := time.Now().UTC()
	next := make(map[string]db.Position, len(snapshot))
	for _, p := range snapshot {
		if p.Qty == 0 {
			continue
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = now
		}
		next[p.Ticker] = p
	}

	m.mu.Lock()
	var diffs []Diff
	for ticker, local := range m.positions {
		if _, ok := next[ticker]; !ok {
			diffs = append(diffs, Diff{Ticker: ticker, LocalQty: local.Qty, Difference: local.Qty})
		}
	}
	for ticker, remote := range next {
		local := m.positions[ticker]
		if local.Qty != remote.Qty {
			diffs = append(diffs, Diff{Ticker: ticker, LocalQty: local.Qty, VenueQty: remote.Qty, Difference: local.Qty - remote.Qty})
		}
	}
	m.positions = next
	m.mu.Unlock()

	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Ticker < diffs[j].Ticker })
	for _, d := range diffs {
		m.log.WithFields(logger.Fields{"ticker": d.Ticker, "local": d.LocalQty, "venue": d.VenueQty}).Info("position replaced from venue snapshot")
	}

	if m.db != nil {
		rows := make([]db.Position, 0, len(next))
		for _, p := range next {
			rows = append(rows, p)
		}
		if err := m.db.ReplacePositions(ctx, rows); err != nil {
			return diffs, err
		}
	}
	return diffs, nil
}
