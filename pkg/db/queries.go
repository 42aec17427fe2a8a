package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

// ListBars returns a subscription's stored candles in [from, to), oldest
// first. A zero bound is open.
func (d *Database) ListBars(ctx context.Context, subscriptionID string, from, to time.Time, limit int) ([]Bar, error) {
	if limit <= 0 {
		limit = 1000
	}
	lo := int64(0)
	if !from.IsZero() {
		lo = from.UnixMilli()
	}
	hi := int64(1<<63 - 1)
	if !to.IsZero() {
		hi = to.UnixMilli()
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT subscription_id, ticker, granularity, ts, open, high, low, close, volume, open_interest
		FROM bars
		WHERE subscription_id = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC
		LIMIT ?
	`, subscriptionID, lo, hi, limit)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	var res []Bar
	for rows.Next() {
		var (
			b  Bar
			ts int64
		)
		if err := rows.Scan(&b.SubscriptionID, &b.Ticker, &b.Granularity, &ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.OpenInterest); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		b.Time = time.UnixMilli(ts).UTC()
		res = append(res, b)
	}
	return res, rows.Err()
}

// GetWatermark returns the stored watermark or ErrNotFound.
func (d *Database) GetWatermark(ctx context.Context, subscriptionID string) (Watermark, error) {
	var (
		w  Watermark
		ts int64
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT subscription_id, ticker, ts, updated_at FROM watermarks WHERE subscription_id = ?
	`, subscriptionID).Scan(&w.SubscriptionID, &w.Ticker, &ts, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Watermark{}, ErrNotFound
	}
	if err != nil {
		return Watermark{}, fmt.Errorf("query watermark: %w", err)
	}
	w.Time = time.UnixMilli(ts).UTC()
	return w, nil
}

const orderColumns = `local_id, COALESCE(venue_id, ''), ticker, exchange, side, qty, remaining_qty, limit_price,
	COALESCE(filled_qty, 0), avg_fill_price, status, COALESCE(foreign_order, 0), COALESCE(suspect, 0),
	created_at, updated_at, closed_at`

func scanOrders(rows *sql.Rows) ([]Order, error) {
	defer rows.Close()
	var res []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.LocalID, &o.VenueID, &o.Ticker, &o.Exchange, &o.Side, &o.Qty, &o.RemainingQty, &o.LimitPrice,
			&o.FilledQty, &o.AvgFillPrice, &o.Status, &o.Foreign, &o.Suspect, &o.CreatedAt, &o.UpdatedAt, &o.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// ListOrders returns the most recent orders first.
func (d *Database) ListOrders(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	return scanOrders(rows)
}

// ListOpenOrders returns orders that are not in a terminal status.
func (d *Database) ListOpenOrders(ctx context.Context) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status NOT IN ('FILLED','CANCELLED','PARTIALLY_CANCELLED','REJECTED')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	return scanOrders(rows)
}

// ListTrades returns the fills of one order, oldest first.
func (d *Database) ListTrades(ctx context.Context, orderID string) ([]Trade, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT order_id, exec_key, COALESCE(venue_order_id, ''), ticker, exchange, side, price, qty, created_at
		FROM trades WHERE order_id = ? ORDER BY created_at ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var res []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.OrderID, &t.ExecKey, &t.VenueOrderID, &t.Ticker, &t.Exchange, &t.Side, &t.Price, &t.Qty, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListPositions returns all current positions.
func (d *Database) ListPositions(ctx context.Context) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT ticker, qty, avg_price, updated_at
		FROM positions ORDER BY ticker`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var res []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.Ticker, &p.Qty, &p.AvgPrice, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListReconciliationReports returns the most recent reports first.
func (d *Database) ListReconciliationReports(ctx context.Context, limit int) ([]ReconciliationReport, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, has_diffs, synced_count, diffs, created_at
		FROM reconciliation_reports ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query reconciliation reports: %w", err)
	}
	defer rows.Close()

	var res []ReconciliationReport
	for rows.Next() {
		var r ReconciliationReport
		if err := rows.Scan(&r.ID, &r.HasDiffs, &r.SyncedCount, &r.Diffs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reconciliation report: %w", err)
		}
		res = append(res, r)
	}
	return res, rows.Err()
}
