// Package reconciliation keeps local orders and positions consistent with
// what the venue reports.
package reconciliation

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"xtp-bridge/internal/events"
	"xtp-bridge/internal/monitor"
	"xtp-bridge/internal/order"
	"xtp-bridge/internal/state"
	"xtp-bridge/pkg/db"
	"xtp-bridge/pkg/logger"
	"xtp-bridge/pkg/venue"
)

// Config tunes the service.
type Config struct {
	Interval       time.Duration // periodic position reconcile, 0 disables
	Retention      time.Duration // how long terminal orders stay in the book
	WindowSize     int           // execution keys remembered per order
	Policies       order.ExecPolicies
	CommandTimeout time.Duration
}

// Service owns the order book and the position table. Venue events enter
// through HandleEvent; engine commands through Submit, Cancel and
// ReconcilePositions.
type Service struct {
	cfg       Config
	venue     venue.Session
	book      *order.Book
	positions *state.Manager
	database  *db.Database
	queue     *events.Queue
	bus       *events.Bus
	metrics   *monitor.SystemMetrics
	log       *logger.Entry

	// persistMu orders writes of one order so the row always ends at the
	// book's latest state.
	persistMu   sync.Mutex
	reconcileMu sync.Mutex
	now         func() time.Time
}

// NewService wires the service. database, bus and metrics may be nil.
func NewService(cfg Config, v venue.Session, positions *state.Manager, database *db.Database, q *events.Queue, bus *events.Bus, metrics *monitor.SystemMetrics) *Service {
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	if cfg.Policies == nil {
		cfg.Policies = order.ExecPolicies{}
	}
	return &Service{
		cfg:       cfg,
		venue:     v,
		book:      order.NewBook(cfg.WindowSize),
		positions: positions,
		database:  database,
		queue:     q,
		bus:       bus,
		metrics:   metrics,
		log:       logger.GetLogger().WithComponent("reconciliation"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Load restores open orders from the database. Their execution windows
// start empty.
func (s *Service) Load(ctx context.Context) error {
	if s.database == nil {
		return nil
	}
	rows, err := s.database.ListOpenOrders(ctx)
	if err != nil {
		return err
	}
	for _, r := range rows {
		o, ok := fromRow(r)
		if !ok {
			s.log.WithField("local_id", r.LocalID).Warn("skipping stored order with unknown status")
			continue
		}
		if err := s.book.Add(o); err != nil {
			return err
		}
	}
	if len(rows) > 0 {
		s.log.WithField("count", len(rows)).Info("restored open orders")
	}
	return nil
}

// Start runs the periodic position reconcile and order pruning until ctx is
// done.
func (s *Service) Start(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		s.log.Info("periodic reconciliation disabled")
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.ReconcilePositions(ctx); err != nil {
					s.log.WithError(err).Error("reconciliation failed")
				}
				s.Prune()
			case <-ctx.Done():
				return
			}
		}
	}()

	s.log.WithField("interval", s.cfg.Interval).Info("reconciliation service started")
}

// Prune drops terminal orders older than the retention period.
func (s *Service) Prune() []string {
	ids := s.book.Prune(s.now().Add(-s.cfg.Retention))
	if len(ids) > 0 {
		s.log.WithField("count", len(ids)).Debug("pruned terminal orders")
	}
	return ids
}

// Order returns one order.
func (s *Service) Order(localID string) (order.Order, bool) { return s.book.Get(localID) }

// Orders returns every order in the book, oldest first.
func (s *Service) Orders() []order.Order { return s.book.Snapshot() }

// OpenOrders returns the orders that are not terminal.
func (s *Service) OpenOrders() []order.Order { return s.book.Open() }

// Positions returns the current position table.
func (s *Service) Positions() []db.Position { return s.positions.Positions() }

// HandleEvent applies an order, trade or position event and reports whether
// ev was one. It runs on the venue's delivery goroutine and never issues a
// blocking venue command itself.
func (s *Service) HandleEvent(ev venue.Event) bool {
	switch ev.Kind {
	case venue.EventOrderAck:
		s.onOrderEvent(ev.Order, true)
	case venue.EventOrderStatus:
		s.onOrderEvent(ev.Order, false)
	case venue.EventTrade:
		s.onTrade(ev.Trade)
	case venue.EventPositionSnapshot:
		s.onPositionSnapshot(ev.Positions)
	default:
		return false
	}
	return true
}

func (s *Service) publish(e events.Event, payload any) {
	if s.bus != nil {
		s.bus.Publish(e, payload)
	}
}

func (s *Service) persist(ctx context.Context, localID string) {
	if s.database == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	o, ok := s.book.Get(localID)
	if !ok {
		return
	}
	if s.metrics != nil {
		defer monitor.NewTimer(s.metrics.DBLatency).Stop()
	}
	if err := s.database.UpsertOrder(ctx, toRow(o)); err != nil {
		s.log.WithError(err).WithField("local_id", localID).Error("persist order")
	}
}

func toRow(o order.Order) db.Order {
	r := db.Order{
		LocalID:      o.LocalID,
		VenueID:      o.VenueID,
		Ticker:       o.Ticker,
		Exchange:     o.Exchange,
		Side:         string(o.Side),
		Qty:          o.Quantity,
		RemainingQty: o.Remaining,
		LimitPrice:   o.LimitPrice,
		FilledQty:    o.FilledQty,
		AvgFillPrice: o.AvgFillPrice,
		Status:       o.Status.String(),
		Foreign:      o.Foreign,
		Suspect:      o.Suspect,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
	if !o.ClosedAt.IsZero() {
		r.ClosedAt = sql.NullTime{Time: o.ClosedAt, Valid: true}
	}
	return r
}

func fromRow(r db.Order) (order.Order, bool) {
	st, ok := order.ParseStatus(r.Status)
	if !ok {
		return order.Order{}, false
	}
	o := order.Order{
		LocalID:      r.LocalID,
		VenueID:      r.VenueID,
		Ticker:       r.Ticker,
		Exchange:     r.Exchange,
		Side:         venue.Side(r.Side),
		Quantity:     r.Qty,
		Remaining:    r.RemainingQty,
		LimitPrice:   r.LimitPrice,
		FilledQty:    r.FilledQty,
		AvgFillPrice: r.AvgFillPrice,
		Status:       st,
		Foreign:      r.Foreign,
		Suspect:      r.Suspect,
		Acked:        r.VenueID != "",
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.ClosedAt.Valid {
		o.ClosedAt = r.ClosedAt.Time
	}
	return o, true
}
