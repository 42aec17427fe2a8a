package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"xtp-bridge/internal/events"
	"xtp-bridge/internal/exception"
	"xtp-bridge/internal/normalize"
	"xtp-bridge/internal/state"
	"xtp-bridge/pkg/db"
	"xtp-bridge/pkg/logger"
	"xtp-bridge/pkg/venue"
)

// Report is the outcome of one position reconcile.
type Report struct {
	ID        string       `json:"id"`
	Source    string       `json:"source"` // "query" or "push"
	Timestamp time.Time    `json:"timestamp"`
	Diffs     []state.Diff `json:"diffs"`
	HasDiffs  bool         `json:"has_diffs"`
	Positions int          `json:"positions"`
}

// ReconcilePositions pulls the venue's position snapshot and replaces the
// local table with it. Tickers missing from the snapshot become flat.
func (s *Service) ReconcilePositions(ctx context.Context) (Report, error) {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	qctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	start := time.Now()
	raw, err := s.venue.QueryPositions(qctx)
	cancel()
	if s.metrics != nil {
		s.metrics.VenueLatency.RecordDuration(time.Since(start))
	}
	if err != nil {
		var verr *venue.Error
		if errors.As(err, &verr) {
			err = fmt.Errorf("%w: %w", exception.ErrPositionQueryRejected, err)
		}
		s.queue.Push(events.Error("", "", fmt.Errorf("position query: %w", err)))
		return Report{}, fmt.Errorf("query positions: %w", err)
	}

	ps, err := normalize.Positions(raw)
	if err != nil {
		s.malformed(err)
		return Report{}, err
	}
	return s.replace(ctx, ps, "query")
}

func (s *Service) onPositionSnapshot(raw []venue.PositionReport) {
	ps, err := normalize.Positions(raw)
	if err != nil {
		s.malformed(err)
		return
	}
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()
	if _, err := s.replace(context.Background(), ps, "push"); err != nil {
		s.log.WithError(err).Error("apply position snapshot")
	}
}

// replace runs with reconcileMu held.
func (s *Service) replace(ctx context.Context, ps []db.Position, source string) (Report, error) {
	diffs, err := s.positions.Replace(ctx, ps)
	report := Report{
		ID:        uuid.NewString(),
		Source:    source,
		Timestamp: s.now(),
		Diffs:     diffs,
		HasDiffs:  len(diffs) > 0,
		Positions: len(s.positions.Positions()),
	}
	if err != nil {
		return report, fmt.Errorf("replace positions: %w", err)
	}
	if s.metrics != nil {
		s.metrics.IncReconciles()
	}

	log := s.log.WithFields(logger.Fields{"source": source, "diffs": len(diffs)})
	if report.HasDiffs {
		log.Warn("reconciliation - position differences replaced from venue")
		s.saveReport(ctx, report)
	} else {
		log.Debug("reconciliation OK - all positions match")
	}
	s.publish(events.EventPositionsReplaced, s.positions.Positions())
	s.publish(events.EventReconcileCompleted, report)
	return report, nil
}

// saveReport keeps an audit row of a reconcile that changed something.
func (s *Service) saveReport(ctx context.Context, report Report) {
	if s.database == nil {
		return
	}
	diffs, err := json.Marshal(report.Diffs)
	if err != nil {
		s.log.WithError(err).Error("encode reconciliation diffs")
		return
	}
	if err := s.database.SaveReconciliationReport(ctx, db.ReconciliationReport{
		ID:          report.ID,
		HasDiffs:    report.HasDiffs,
		SyncedCount: len(report.Diffs),
		Diffs:       string(diffs),
		CreatedAt:   report.Timestamp,
	}); err != nil {
		s.log.WithError(err).Error("save reconciliation report")
	}
}

func (s *Service) recordTrade(ctx context.Context, localID, key, ticker string, f normalize.Fill) {
	if s.database == nil {
		return
	}
	if err := s.database.CreateTrade(ctx, db.Trade{
		OrderID:      localID,
		ExecKey:      key,
		VenueOrderID: f.VenueID,
		Ticker:       ticker,
		Exchange:     f.Exchange,
		Side:         string(f.Side),
		Price:        f.Price,
		Qty:          f.Quantity,
		CreatedAt:    f.Time,
	}); err != nil {
		s.log.WithError(err).WithField("local_id", localID).Error("persist trade")
	}
}
