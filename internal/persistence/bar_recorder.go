package persistence

import (
	"context"
	"errors"
	"time"

	"xtp-bridge/internal/feed"
	"xtp-bridge/internal/market"
	"xtp-bridge/pkg/db"
)

// BarRecorder stores delivered bars and the watermark of each subscription
// through a BatchWriter. It is the feed manager's sink and resume source.
type BarRecorder struct {
	database *db.Database
	writer   *BatchWriter
}

// NewBarRecorder records into database in batches of batchSize.
func NewBarRecorder(database *db.Database, batchSize int, interval time.Duration) *BarRecorder {
	return &BarRecorder{
		database: database,
		writer:   NewBatchWriter(database.DB, batchSize, interval),
	}
}

// RecordBar buffers the bar and moves the subscription's watermark to it.
func (r *BarRecorder) RecordBar(sub feed.Subscription, b market.Bar) {
	row := db.Bar{
		SubscriptionID: sub.ID,
		Ticker:         sub.Ticker,
		Granularity:    sub.Granularity.String(),
		Time:           b.Timestamp,
		Open:           b.Open,
		High:           b.High,
		Low:            b.Low,
		Close:          b.Close,
		Volume:         b.Volume,
		OpenInterest:   b.OpenInterest,
	}
	r.writer.Write(WriteOp{Query: db.InsertBarSQL, Args: row.Args()})
	wm := db.Watermark{SubscriptionID: sub.ID, Ticker: sub.Ticker, Time: b.Timestamp}
	r.writer.Write(WriteOp{Query: db.UpsertWatermarkSQL, Args: wm.Args()})
}

// LastWatermark flushes pending writes and returns the stored watermark.
func (r *BarRecorder) LastWatermark(ctx context.Context, subscriptionID string) (time.Time, bool, error) {
	if err := r.writer.Flush(); err != nil {
		return time.Time{}, false, err
	}
	w, err := r.database.GetWatermark(ctx, subscriptionID)
	if errors.Is(err, db.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return w.Time, true, nil
}

// Flush writes buffered bars now.
func (r *BarRecorder) Flush() error { return r.writer.Flush() }

// Metrics returns the underlying writer's counters.
func (r *BarRecorder) Metrics() BatchWriterMetrics { return r.writer.GetMetrics() }

// Close flushes and stops the recorder.
func (r *BarRecorder) Close() error { return r.writer.Close() }
