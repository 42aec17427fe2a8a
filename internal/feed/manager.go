package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"xtp-bridge/internal/events"
	"xtp-bridge/internal/exception"
	"xtp-bridge/internal/monitor"
	"xtp-bridge/pkg/logger"
	"xtp-bridge/pkg/venue"
)

// WatermarkSource returns the last stored bar time of a subscription.
type WatermarkSource interface {
	LastWatermark(ctx context.Context, subscriptionID string) (time.Time, bool, error)
}

// Manager creates feed sessions and multiplexes them over one venue
// session. It routes market-data events to the sessions of their ticker.
type Manager struct {
	cfg     Config
	venue   venue.Session
	queue   *events.Queue
	metrics *monitor.SystemMetrics
	sink    BarSink
	marks   WatermarkSource
	log     *logger.Entry

	mu       sync.RWMutex
	sessions map[string]*Session
	byTicker map[string][]*Session
}

// NewManager creates a Manager. metrics may be nil.
func NewManager(cfg Config, v venue.Session, q *events.Queue, metrics *monitor.SystemMetrics) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		venue:    v,
		queue:    q,
		metrics:  metrics,
		log:      logger.GetLogger().WithComponent("feed"),
		sessions: make(map[string]*Session),
		byTicker: make(map[string][]*Session),
	}
}

// SetSink installs the recorder of delivered bars. Call before Start.
func (m *Manager) SetSink(sink BarSink) { m.sink = sink }

// SetWatermarkSource installs the store used to resume subscriptions.
func (m *Manager) SetWatermarkSource(src WatermarkSource) { m.marks = src }

// Start validates sub and creates its session. Venue commands are issued by
// the session on its first Next call. Unsupported granularities are rejected
// here.
func (m *Manager) Start(ctx context.Context, sub Subscription) (*Session, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}

	m.mu.Lock()
	if _, ok := m.sessions[sub.ID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("subscription %s: %w", sub.ID, exception.ErrDuplicateSubscription)
	}
	s := newSession(sub, m.cfg, m.venue, m.queue, m.sink, m.metrics)
	m.sessions[sub.ID] = s
	m.byTicker[sub.Ticker] = append(m.byTicker[sub.Ticker], s)
	m.mu.Unlock()

	if sub.Resume && m.marks != nil {
		ts, ok, err := m.marks.LastWatermark(ctx, sub.ID)
		switch {
		case err != nil:
			m.log.WithError(err).WithField("subscription", sub.ID).Warn("watermark lookup failed, starting from backfill_from")
		case ok:
			s.SeedWatermark(ts)
			m.log.WithFields(logger.Fields{"subscription": sub.ID, "watermark": ts}).Info("resuming feed from stored watermark")
		}
	}

	m.log.WithFields(logger.Fields{
		"subscription": sub.ID,
		"ticker":       sub.Ticker,
		"granularity":  sub.Granularity.String(),
		"historical":   sub.Historical,
	}).Info("feed started")
	s.announce()
	return s, nil
}

// Stop ends a subscription. A concurrent Next on it returns promptly. The
// ticker is unsubscribed once no other live session uses it.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("subscription %s: %w", id, exception.ErrUnknownSubscription)
	}
	delete(m.sessions, id)
	ticker := s.sub.Ticker
	rest := m.byTicker[ticker][:0]
	stillLive := false
	for _, other := range m.byTicker[ticker] {
		if other == s {
			continue
		}
		rest = append(rest, other)
		if !other.sub.Historical {
			stillLive = true
		}
	}
	if len(rest) == 0 {
		delete(m.byTicker, ticker)
	} else {
		m.byTicker[ticker] = rest
	}
	m.mu.Unlock()

	s.Stop()
	m.log.WithField("subscription", id).Info("feed stopped")

	if s.sub.Historical || stillLive {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	defer cancel()
	if err := m.venue.Unsubscribe(ctx, ticker); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", ticker, err)
	}
	return nil
}

// StopAll ends every subscription.
func (m *Manager) StopAll(ctx context.Context) {
	for _, info := range m.List() {
		if err := m.Stop(ctx, info.Subscription.ID); err != nil {
			m.log.WithError(err).Warn("stop feed")
		}
	}
}

// Get returns the session of a subscription.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, exception.ErrUnknownSubscription)
	}
	return s, nil
}

// List returns every session ordered by subscription id.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Subscription.ID < out[j].Subscription.ID })
	return out
}

// Len returns the number of subscriptions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Dispatch routes a venue event to the sessions it concerns and reports
// whether the event was market data. Disconnects and untargeted errors go
// to every session.
func (m *Manager) Dispatch(ev venue.Event) bool {
	switch ev.Kind {
	case venue.EventTick, venue.EventBar, venue.EventHistoryPage, venue.EventHistoryEnd:
		for _, s := range m.sessionsFor(ev.Ticker) {
			s.Push(ev)
		}
		return true
	case venue.EventDepth:
		// depth is not turned into bars
		return true
	case venue.EventDisconnect:
		for _, s := range m.sessionsFor("") {
			s.Push(ev)
		}
		return true
	case venue.EventError:
		for _, s := range m.sessionsFor(ev.Ticker) {
			s.Push(ev)
		}
		return true
	default:
		return false
	}
}

// sessionsFor returns the sessions of ticker, or all sessions when ticker is
// empty.
func (m *Manager) sessionsFor(ticker string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ticker != "" {
		return append([]*Session(nil), m.byTicker[ticker]...)
	}
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
