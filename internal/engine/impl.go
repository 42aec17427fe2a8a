package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"xtp-bridge/internal/events"
	"xtp-bridge/internal/exception"
	"xtp-bridge/internal/feed"
	"xtp-bridge/internal/market"
	"xtp-bridge/internal/monitor"
	"xtp-bridge/internal/order"
	"xtp-bridge/internal/reconciliation"
	"xtp-bridge/pkg/db"
	"xtp-bridge/pkg/logger"
	"xtp-bridge/pkg/venue"
)

// Bridge implements Service over one venue session. It owns the feed
// manager and the reconciliation service and routes every venue event to
// one of them.
type Bridge struct {
	venue   venue.Session
	feeds   *feed.Manager
	recon   *reconciliation.Service
	queue   *events.Queue
	bus     *events.Bus
	metrics *monitor.SystemMetrics
	log     *logger.Entry
	meta    SystemStatus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	pumped map[string]struct{}
}

// Config holds the collaborators of a Bridge.
type Config struct {
	Venue      venue.Session
	Feeds      *feed.Manager
	Reconciler *reconciliation.Service
	Queue      *events.Queue
	Bus        *events.Bus
	Metrics    *monitor.SystemMetrics
	Meta       SystemStatus
}

// NewBridge wires the bridge and installs itself as the venue's handler.
func NewBridge(cfg Config) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		venue:   cfg.Venue,
		feeds:   cfg.Feeds,
		recon:   cfg.Reconciler,
		queue:   cfg.Queue,
		bus:     cfg.Bus,
		metrics: cfg.Metrics,
		log:     logger.GetLogger().WithComponent("bridge"),
		meta:    cfg.Meta,
		ctx:     ctx,
		cancel:  cancel,
		pumped:  make(map[string]struct{}),
	}
	if b.meta.StartedAt.IsZero() {
		b.meta.StartedAt = time.Now().UTC()
	}
	b.venue.SetHandler(b.dispatch)
	return b
}

// dispatch runs on the venue's delivery goroutine and must return quickly.
func (b *Bridge) dispatch(ev venue.Event) {
	if b.feeds.Dispatch(ev) {
		return
	}
	if b.recon.HandleEvent(ev) {
		return
	}
	b.log.WithField("kind", ev.Kind).Debug("unhandled venue event")
}

// Start launches the periodic reconciliation.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.recon.Load(ctx); err != nil {
		return fmt.Errorf("restore orders: %w", err)
	}
	b.recon.Start(b.ctx)
	return nil
}

// Close stops every feed and pump and closes the venue session.
func (b *Bridge) Close(ctx context.Context) error {
	b.feeds.StopAll(ctx)
	b.cancel()
	b.wg.Wait()
	return b.venue.Close()
}

// --- Feeds ---

// StartFeed creates a subscription. With pump set the bridge consumes the
// feed itself and bars only reach the engine as BarReady notifications;
// otherwise the engine pulls them with NextBar.
func (b *Bridge) StartFeed(ctx context.Context, sub feed.Subscription, pump bool) (feed.Info, error) {
	s, err := b.feeds.Start(ctx, sub)
	if err != nil {
		return feed.Info{}, err
	}
	if pump {
		id := s.Subscription().ID
		b.mu.Lock()
		b.pumped[id] = struct{}{}
		b.mu.Unlock()
		b.wg.Add(1)
		go b.pump(s)
	}
	return s.Info(), nil
}

func (b *Bridge) pump(s *feed.Session) {
	defer b.wg.Done()
	id := s.Subscription().ID
	defer func() {
		b.mu.Lock()
		delete(b.pumped, id)
		b.mu.Unlock()
	}()

	for {
		_, err := s.Next(b.ctx)
		switch {
		case err == nil, errors.Is(err, exception.ErrNoData):
		case errors.Is(err, exception.ErrEndOfStream):
			b.log.WithField("subscription", id).Info("feed pump finished")
			return
		case b.ctx.Err() != nil:
			return
		default:
			b.log.WithError(err).WithField("subscription", id).Error("feed pump stopped")
			return
		}
	}
}

// StopFeed ends a subscription.
func (b *Bridge) StopFeed(ctx context.Context, id string) error {
	return b.feeds.Stop(ctx, id)
}

// NextBar pulls the next bar of a subscription. It returns
// exception.ErrNoData when nothing arrived within the quiescence timeout
// and exception.ErrEndOfStream once the feed is over.
func (b *Bridge) NextBar(ctx context.Context, id string) (market.Bar, error) {
	b.mu.Lock()
	_, pumped := b.pumped[id]
	b.mu.Unlock()
	if pumped {
		return market.Bar{}, fmt.Errorf("subscription %s: %w", id, exception.ErrFeedPumped)
	}
	s, err := b.feeds.Get(id)
	if err != nil {
		return market.Bar{}, err
	}
	return s.Next(ctx)
}

// ListFeeds returns every subscription.
func (b *Bridge) ListFeeds() []feed.Info { return b.feeds.List() }

// --- Notifications ---

// Drain marks the end of the current batch and returns every notification
// queued before the mark, followed by the KindBatchEnd marker itself.
func (b *Bridge) Drain() []events.Notification { return b.queue.DrainBatch() }

// --- Orders & positions ---

func (b *Bridge) PlaceOrder(ctx context.Context, req reconciliation.SubmitRequest) (order.Order, error) {
	return b.recon.Submit(ctx, req)
}

func (b *Bridge) CancelOrder(ctx context.Context, localID string) error {
	return b.recon.Cancel(ctx, localID)
}

func (b *Bridge) ListOrders(openOnly bool) []order.Order {
	if openOnly {
		return b.recon.OpenOrders()
	}
	return b.recon.Orders()
}

// QueryPositions reconciles against the venue and returns the result.
func (b *Bridge) QueryPositions(ctx context.Context) ([]db.Position, error) {
	if _, err := b.recon.ReconcilePositions(ctx); err != nil {
		return nil, err
	}
	return b.recon.Positions(), nil
}

// CachedPositions returns the local position table without asking the
// venue.
func (b *Bridge) CachedPositions() []db.Position { return b.recon.Positions() }

// --- System ---

func (b *Bridge) Metrics() monitor.MetricsSnapshot {
	if b.metrics == nil {
		return monitor.MetricsSnapshot{}
	}
	b.metrics.SetGauges(b.queue.Len(), b.feeds.Len(), len(b.recon.OpenOrders()))
	return b.metrics.GetSnapshot()
}

func (b *Bridge) GetSystemStatus(ctx context.Context) *SystemStatus {
	st := b.meta
	st.Feeds = b.feeds.Len()
	st.OpenOrders = len(b.recon.OpenOrders())
	st.QueueDepth = b.queue.Len()
	st.Backpressure = b.queue.Backpressure()
	st.ServerTime = time.Now().UTC()
	return &st
}

var _ Service = (*Bridge)(nil)
