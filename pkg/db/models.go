package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one delivered candle of a subscription.
type Bar struct {
	SubscriptionID string
	Ticker         string
	Granularity    string
	Time           time.Time
	Open           float64
	High           float64
	Low            float64
	Close          float64
	Volume         float64
	OpenInterest   float64
}

// Watermark is the last delivered bar time of a subscription.
type Watermark struct {
	SubscriptionID string
	Ticker         string
	Time           time.Time
	UpdatedAt      time.Time
}

// Order mirrors a local order row.
type Order struct {
	LocalID      string
	VenueID      string
	Ticker       string
	Exchange     string
	Side         string
	Qty          float64
	RemainingQty float64
	LimitPrice   decimal.Decimal
	FilledQty    float64
	AvgFillPrice decimal.Decimal
	Status       string
	Foreign      bool
	Suspect      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ClosedAt     sql.NullTime
}

// Trade represents a fill stored in the DB.
type Trade struct {
	OrderID      string
	ExecKey      string
	VenueOrderID string
	Ticker       string
	Exchange     string
	Side         string
	Price        decimal.Decimal
	Qty          float64
	CreatedAt    time.Time
}

// Position tracks the net signed position per ticker.
type Position struct {
	Ticker    string          `json:"ticker"`
	Qty       float64         `json:"qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ReconciliationReport is an audit row of one reconcile pass. Diffs holds
// the JSON encoded per-ticker differences.
type ReconciliationReport struct {
	ID          string    `json:"id"`
	HasDiffs    bool      `json:"has_diffs"`
	SyncedCount int       `json:"synced_count"`
	Diffs       string    `json:"diffs"`
	CreatedAt   time.Time `json:"created_at"`
}

func nowIfZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// Statements shared with batched writers.
const (
	InsertBarSQL = `
		INSERT OR IGNORE INTO bars (
			subscription_id, ticker, granularity, ts, open, high, low, close, volume, open_interest
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	UpsertWatermarkSQL = `
		INSERT INTO watermarks (subscription_id, ticker, ts, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(subscription_id) DO UPDATE SET
			ticker = excluded.ticker,
			ts = MAX(watermarks.ts, excluded.ts),
			updated_at = excluded.updated_at`
)

// Args returns the parameters of InsertBarSQL.
func (b Bar) Args() []any {
	return []any{
		b.SubscriptionID, b.Ticker, b.Granularity, b.Time.UnixMilli(),
		b.Open, b.High, b.Low, b.Close, b.Volume, b.OpenInterest,
	}
}

// Args returns the parameters of UpsertWatermarkSQL.
func (w Watermark) Args() []any {
	return []any{w.SubscriptionID, w.Ticker, w.Time.UnixMilli(), nowIfZero(w.UpdatedAt)}
}

// InsertBars stores candles in one transaction. Rows already present for the
// same subscription and time are left untouched.
func (d *Database) InsertBars(ctx context.Context, bars []Bar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bars tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, InsertBarSQL)
	if err != nil {
		return fmt.Errorf("prepare bars insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, b.Args()...); err != nil {
			return fmt.Errorf("insert bar %s@%d: %w", b.SubscriptionID, b.Time.UnixMilli(), err)
		}
	}
	return tx.Commit()
}

// UpsertWatermark stores the latest watermark of a subscription. An older
// time never overwrites a newer one.
func (d *Database) UpsertWatermark(ctx context.Context, w Watermark) error {
	_, err := d.DB.ExecContext(ctx, UpsertWatermarkSQL, w.Args()...)
	return err
}

// UpsertOrder stores the latest state of an order.
func (d *Database) UpsertOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			local_id, venue_id, ticker, exchange, side, qty, remaining_qty, limit_price,
			filled_qty, avg_fill_price, status, foreign_order, suspect, created_at, updated_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			venue_id = excluded.venue_id,
			remaining_qty = excluded.remaining_qty,
			filled_qty = excluded.filled_qty,
			avg_fill_price = excluded.avg_fill_price,
			status = excluded.status,
			suspect = excluded.suspect,
			updated_at = excluded.updated_at,
			closed_at = excluded.closed_at
	`,
		o.LocalID, o.VenueID, o.Ticker, o.Exchange, o.Side, o.Qty, o.RemainingQty, o.LimitPrice,
		o.FilledQty, o.AvgFillPrice, o.Status, o.Foreign, o.Suspect, nowIfZero(o.CreatedAt), nowIfZero(o.UpdatedAt), o.ClosedAt,
	)
	return err
}

// CreateTrade inserts a fill. Replays of the same execution are ignored.
func (d *Database) CreateTrade(ctx context.Context, t Trade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO trades (
			order_id, exec_key, venue_order_id, ticker, exchange, side, price, qty, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.OrderID, t.ExecKey, t.VenueOrderID, t.Ticker, t.Exchange, t.Side, t.Price, t.Qty, nowIfZero(t.CreatedAt),
	)
	return err
}

// UpsertPosition stores the latest position for a ticker.
func (d *Database) UpsertPosition(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (ticker, qty, avg_price, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ticker) DO UPDATE SET
			qty = excluded.qty,
			avg_price = excluded.avg_price,
			updated_at = excluded.updated_at
	`, p.Ticker, p.Qty, p.AvgPrice, nowIfZero(p.UpdatedAt))
	return err
}

// ReplacePositions swaps the whole position table for ps atomically.
func (d *Database) ReplacePositions(ctx context.Context, ps []Position) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin positions tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM positions`); err != nil {
		return fmt.Errorf("clear positions: %w", err)
	}
	for _, p := range ps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO positions (ticker, qty, avg_price, updated_at) VALUES (?, ?, ?, ?)
		`, p.Ticker, p.Qty, p.AvgPrice, nowIfZero(p.UpdatedAt)); err != nil {
			return fmt.Errorf("insert position %s: %w", p.Ticker, err)
		}
	}
	return tx.Commit()
}

// SaveReconciliationReport appends an audit row.
func (d *Database) SaveReconciliationReport(ctx context.Context, r ReconciliationReport) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO reconciliation_reports (id, has_diffs, synced_count, diffs, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.HasDiffs, r.SyncedCount, r.Diffs, nowIfZero(r.CreatedAt))
	return err
}
