// Package data serves recorded bars back to callers.
package data

import (
	"context"
	"time"

	"xtp-bridge/internal/market"
	"xtp-bridge/pkg/db"
)

// HistoricalDataService reads bars recorded for a subscription.
type HistoricalDataService struct {
	database *db.Database
}

// NewHistoricalDataService creates a service over database.
func NewHistoricalDataService(database *db.Database) *HistoricalDataService {
	return &HistoricalDataService{database: database}
}

// GetBars returns a subscription's recorded bars in [from, to), oldest
// first. Rows with an unreadable granularity keep the zero value.
func (s *HistoricalDataService) GetBars(ctx context.Context, subscriptionID string, from, to time.Time, limit int) ([]market.Bar, error) {
	rows, err := s.database.ListBars(ctx, subscriptionID, from, to, limit)
	if err != nil {
		return nil, err
	}

	bars := make([]market.Bar, 0, len(rows))
	for _, r := range rows {
		g, _ := market.ParseGranularity(r.Granularity)
		bars = append(bars, market.Bar{
			Timestamp:    r.Time,
			Open:         r.Open,
			High:         r.High,
			Low:          r.Low,
			Close:        r.Close,
			Volume:       r.Volume,
			OpenInterest: r.OpenInterest,
			Granularity:  g,
		})
	}
	return bars, nil
}
