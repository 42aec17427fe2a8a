package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"xtp-bridge/internal/events"
	"xtp-bridge/internal/exception"
	"xtp-bridge/internal/market"
	"xtp-bridge/internal/monitor"
	"xtp-bridge/internal/normalize"
	"xtp-bridge/pkg/logger"
	"xtp-bridge/pkg/venue"
)

// Config tunes every session created by a Manager.
type Config struct {
	QCheck         time.Duration // quiescence timeout of one Next call
	InboxSize      int
	CommandTimeout time.Duration
	TransientCodes venue.TransientSet
}

func (c Config) withDefaults() Config {
	if c.QCheck <= 0 {
		c.QCheck = 500 * time.Millisecond
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 4096
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
	return c
}

// BarSink receives every bar delivered to the engine.
type BarSink interface {
	RecordBar(sub Subscription, b market.Bar)
}

// Info is a read-only view of a session.
type Info struct {
	Subscription Subscription           `json:"subscription"`
	Granularity  string                 `json:"granularity"`
	State        market.ConnectionState `json:"state"`
	Watermark    time.Time              `json:"watermark,omitzero"`
	Delivered    uint64                 `json:"delivered"`
	LastError    string                 `json:"last_error,omitempty"`
}

// Session is the state machine of one subscription. Venue pushes only land
// in its bounded inbox; every transition runs inside Next on the caller's
// goroutine.
type Session struct {
	sub     Subscription
	cfg     Config
	venue   venue.Session
	queue   *events.Queue
	sink    BarSink
	metrics *monitor.SystemMetrics
	log     *logger.Entry

	inbox    chan venue.Event
	overflow atomic.Bool
	done     chan struct{}
	stopOnce sync.Once

	// Owned by Next.
	nextMu       sync.Mutex
	pending      []market.Bar
	backlog      []venue.Event
	requestID    string
	historyDone  bool
	attemptsLeft int
	retryAt      time.Time
	cause        error

	mu        sync.RWMutex
	state     market.ConnectionState
	watermark time.Time
	delivered uint64
	lastErr   string
}

func newSession(sub Subscription, cfg Config, v venue.Session, q *events.Queue, sink BarSink, m *monitor.SystemMetrics) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		sub:          sub,
		cfg:          cfg,
		venue:        v,
		queue:        q,
		sink:         sink,
		metrics:      m,
		log:          logger.GetLogger().WithComponent("feed").WithFields(logger.Fields{"subscription": sub.ID, "ticker": sub.Ticker}),
		inbox:        make(chan venue.Event, cfg.InboxSize),
		done:         make(chan struct{}),
		attemptsLeft: sub.Reconnect.MaxAttempts,
		state:        market.StateConnecting,
	}
}

// Subscription returns the subscription the session serves.
func (s *Session) Subscription() Subscription { return s.sub }

// State returns the current connection state.
func (s *Session) State() market.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Watermark returns the timestamp of the last delivered bar.
func (s *Session) Watermark() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermark
}

// Info returns a snapshot for display.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		Subscription: s.sub,
		Granularity:  s.sub.Granularity.String(),
		State:        s.state,
		Watermark:    s.watermark,
		Delivered:    s.delivered,
		LastError:    s.lastErr,
	}
}

// SeedWatermark sets the starting watermark, e.g. from the bar store. It
// only moves the watermark forward.
func (s *Session) SeedWatermark(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.watermark) {
		s.watermark = t
	}
}

// Push hands a venue event to the session. It never blocks; when the inbox
// is full the event is dropped and the session treats it as a disconnect so
// the gap is backfilled.
func (s *Session) Push(ev venue.Event) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.inbox <- ev:
	default:
		if s.overflow.CompareAndSwap(false, true) {
			if s.metrics != nil {
				s.metrics.IncInboxOverflows()
			}
			s.log.Warn("inbox full, dropping venue events until reconnect")
		}
	}
}

// Stop ends the session. A Next blocked in its wait returns promptly with
// exception.ErrEndOfStream. Safe to call more than once and concurrently
// with Next.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Session) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Next returns the next bar, exception.ErrNoData when nothing arrived within
// the quiescence timeout, or exception.ErrEndOfStream once the session is
// exhausted or stopped.
func (s *Session) Next(ctx context.Context) (market.Bar, error) {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()

	deadline := time.Now().Add(s.cfg.QCheck)
	for {
		if s.stopped() {
			return market.Bar{}, exception.ErrEndOfStream
		}
		if err := ctx.Err(); err != nil {
			return market.Bar{}, err
		}
		if b, ok := s.popPending(); ok {
			return b, nil
		}

		switch s.State() {
		case market.StateExhausted:
			return market.Bar{}, exception.ErrEndOfStream

		case market.StateConnecting:
			if err := s.connect(ctx); err != nil {
				return market.Bar{}, err
			}

		case market.StateHistoricalBackfill:
			if s.overflow.Load() {
				s.disconnect(exception.ErrInboxOverflow)
				continue
			}
			if s.historyDone {
				if s.sub.Historical {
					s.exhaust(nil)
				} else {
					s.transition(market.StateLive)
				}
				continue
			}
			ev, err := s.wait(ctx, deadline, false)
			if err != nil {
				return market.Bar{}, err
			}
			s.onBackfillEvent(ev)

		case market.StateLive:
			if s.overflow.Load() {
				s.disconnect(exception.ErrInboxOverflow)
				continue
			}
			ev, err := s.wait(ctx, deadline, true)
			if err != nil {
				return market.Bar{}, err
			}
			if b, ok := s.onLiveEvent(ev); ok {
				return b, nil
			}

		case market.StateDisconnected:
			if err := s.reconnectStep(ctx, deadline); err != nil {
				return market.Bar{}, err
			}
		}
	}
}

// connect runs the Connecting entry action: subscribe live (unless the feed
// is historical) and start a backfill when there is a start point.
func (s *Session) connect(ctx context.Context) error {
	s.flushInbox()
	s.pending, s.backlog = nil, nil
	s.historyDone, s.requestID = false, ""

	if !s.sub.Historical {
		err := s.command(ctx, func(ctx context.Context) error {
			return s.venue.Subscribe(ctx, s.sub.Ticker, s.sub.Exchange)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.connectFailed(fmt.Errorf("subscribe: %w", err))
			return nil
		}
	}

	from := s.Watermark()
	if from.IsZero() {
		from = s.sub.BackfillFrom
	}
	if from.IsZero() && !s.sub.Historical {
		s.transition(market.StateLive)
		return nil
	}

	end := s.sub.Until
	if end.IsZero() {
		end = time.Now().UTC()
	}
	s.requestID = uuid.NewString()
	req := venue.HistoryRequest{
		RequestID:   s.requestID,
		Ticker:      s.sub.Ticker,
		Exchange:    s.sub.Exchange,
		Start:       from,
		End:         end,
		Granularity: s.sub.Granularity.Code(),
	}
	// Answers may arrive before QueryHistory returns; they wait in the inbox.
	err := s.command(ctx, func(ctx context.Context) error { return s.venue.QueryHistory(ctx, req) })
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.connectFailed(fmt.Errorf("query history: %w: %w", exception.ErrHistoryRejected, err))
		return nil
	}
	s.log.WithFields(logger.Fields{"from": from, "until": end}).Debug("backfill requested")
	s.transition(market.StateHistoricalBackfill)
	return nil
}

func (s *Session) connectFailed(err error) {
	if s.transient(err) {
		s.disconnect(err)
		return
	}
	s.exhaust(err)
}

func (s *Session) command(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	if s.metrics != nil {
		defer monitor.NewTimer(s.metrics.VenueLatency).Stop()
	}
	return fn(ctx)
}

// transient reports whether err allows a reconnect.
func (s *Session) transient(err error) bool {
	var verr *venue.Error
	if errors.As(err, &verr) {
		return s.cfg.TransientCodes.Transient(verr.Code)
	}
	return exception.KindOf(err).Retryable()
}

func (s *Session) flushInbox() {
	for {
		select {
		case <-s.inbox:
		default:
			s.overflow.Store(false)
			return
		}
	}
}

// wait returns the next event, honouring the deadline of the current Next
// call. Live waits consume events buffered during the backfill first.
func (s *Session) wait(ctx context.Context, deadline time.Time, live bool) (venue.Event, error) {
	if live && len(s.backlog) > 0 {
		ev := s.backlog[0]
		s.backlog = s.backlog[1:]
		return ev, nil
	}
	select {
	case ev := <-s.inbox:
		return ev, nil
	default:
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return venue.Event{}, exception.ErrNoData
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case ev := <-s.inbox:
		return ev, nil
	case <-timer.C:
		return venue.Event{}, exception.ErrNoData
	case <-s.done:
		return venue.Event{}, exception.ErrEndOfStream
	case <-ctx.Done():
		return venue.Event{}, ctx.Err()
	}
}

func (s *Session) onBackfillEvent(ev venue.Event) {
	switch ev.Kind {
	case venue.EventHistoryPage:
		if !s.current(ev) {
			return
		}
		for i := range ev.History {
			b, err := normalize.Bar(&ev.History[i], s.sub.Granularity)
			if err != nil {
				s.malformed(err)
				continue
			}
			s.pending = append(s.pending, b)
		}
		sort.SliceStable(s.pending, func(i, j int) bool { return s.pending[i].Timestamp.Before(s.pending[j].Timestamp) })
	case venue.EventHistoryEnd:
		if s.current(ev) {
			s.historyDone = true
		}
	case venue.EventBar, venue.EventTick:
		if len(s.backlog) >= s.cfg.InboxSize {
			s.overflow.Store(true)
			return
		}
		s.backlog = append(s.backlog, ev)
	case venue.EventDisconnect:
		s.disconnect(fmt.Errorf("%w: %s", exception.ErrConnectionLost, ev.Reason))
	case venue.EventError:
		s.onVenueError(ev.Err)
	}
}

func (s *Session) current(ev venue.Event) bool {
	return ev.RequestID == "" || ev.RequestID == s.requestID
}

func (s *Session) onLiveEvent(ev venue.Event) (market.Bar, bool) {
	var (
		b   market.Bar
		err error
	)
	switch ev.Kind {
	case venue.EventBar:
		if s.sub.Granularity.Kind == market.GranularityTick {
			return market.Bar{}, false
		}
		b, err = normalize.Bar(ev.Bar, s.sub.Granularity)
	case venue.EventTick:
		if s.sub.Granularity.Kind != market.GranularityTick {
			return market.Bar{}, false
		}
		b, err = normalize.Tick(ev.Tick, s.sub.UseAsk)
	case venue.EventDisconnect:
		s.disconnect(fmt.Errorf("%w: %s", exception.ErrConnectionLost, ev.Reason))
		return market.Bar{}, false
	case venue.EventError:
		s.onVenueError(ev.Err)
		return market.Bar{}, false
	default:
		return market.Bar{}, false
	}
	if err != nil {
		s.malformed(err)
		return market.Bar{}, false
	}
	s.attemptsLeft = s.sub.Reconnect.MaxAttempts
	return s.deliver(b)
}

func (s *Session) onVenueError(verr *venue.Error) {
	if verr == nil {
		s.malformed(fmt.Errorf("error event without payload: %w", exception.ErrMalformedEvent))
		return
	}
	if s.cfg.TransientCodes.Transient(verr.Code) {
		s.disconnect(fmt.Errorf("%w: %w", exception.ErrConnectionLost, verr))
		return
	}
	s.exhaust(fmt.Errorf("%w: %w", exception.ErrVenueFatalCode, verr))
}

// popPending delivers the oldest buffered history bar that is newer than the
// watermark.
func (s *Session) popPending() (market.Bar, bool) {
	for len(s.pending) > 0 {
		b := s.pending[0]
		s.pending = s.pending[1:]
		if out, ok := s.deliver(b); ok {
			return out, true
		}
	}
	return market.Bar{}, false
}

// deliver enforces the watermark: anything not strictly newer is a
// duplicate and is dropped silently.
func (s *Session) deliver(b market.Bar) (market.Bar, bool) {
	s.mu.Lock()
	if !b.Timestamp.After(s.watermark) {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.IncDuplicatesDropped()
		}
		return market.Bar{}, false
	}
	s.watermark = b.Timestamp
	s.delivered++
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.IncBarsDelivered()
	}
	if s.sink != nil {
		s.sink.RecordBar(s.sub, b)
	}
	s.queue.Push(events.BarReady(s.sub.ID, s.sub.Ticker, b))
	return b, true
}

func (s *Session) malformed(err error) {
	if s.metrics != nil {
		s.metrics.IncMalformed()
	}
	s.log.WithError(err).Debug("dropping malformed venue event")
	s.queue.Push(events.Error(s.sub.ID, s.sub.Ticker, err))
}

func (s *Session) disconnect(cause error) {
	s.cause = cause
	s.retryAt = time.Time{}
	s.setLastErr(cause)
	s.log.WithError(cause).Warn("feed disconnected")
	s.transition(market.StateDisconnected)
}

// reconnectStep runs the Disconnected state: schedule the next attempt,
// surfacing it as an Error notification before the budget is spent, then
// wait out the delay within the current Next deadline.
func (s *Session) reconnectStep(ctx context.Context, deadline time.Time) error {
	if s.retryAt.IsZero() {
		p := s.sub.Reconnect
		if !p.Enabled {
			s.exhaust(fmt.Errorf("reconnection disabled: %w: %w", exception.ErrReconnectBudget, s.cause))
			return nil
		}
		if s.attemptsLeft == 0 {
			s.exhaust(fmt.Errorf("%w: %w", exception.ErrReconnectBudget, s.cause))
			return nil
		}
		left := "unlimited"
		if s.attemptsLeft > 0 {
			left = fmt.Sprint(s.attemptsLeft - 1)
		}
		s.queue.Push(events.Error(s.sub.ID, s.sub.Ticker, fmt.Errorf("reconnecting (%s attempts left): %w", left, s.cause)))
		if s.attemptsLeft > 0 {
			s.attemptsLeft--
		}
		s.retryAt = time.Now().Add(p.Delay)
	}

	wait := time.Until(s.retryAt)
	if wait > 0 {
		until := min(wait, time.Until(deadline))
		if until <= 0 {
			return exception.ErrNoData
		}
		timer := time.NewTimer(until)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.done:
			return exception.ErrEndOfStream
		case <-ctx.Done():
			return ctx.Err()
		}
		if time.Now().Before(s.retryAt) {
			return exception.ErrNoData
		}
	}

	s.retryAt = time.Time{}
	if s.metrics != nil {
		s.metrics.IncReconnects()
	}
	s.transition(market.StateConnecting)
	return nil
}

func (s *Session) exhaust(err error) {
	if err != nil {
		s.setLastErr(err)
		s.log.WithError(err).Error("feed exhausted")
		s.queue.Push(events.Error(s.sub.ID, s.sub.Ticker, err))
	}
	if s.metrics != nil {
		s.metrics.IncExhausted()
	}
	s.transition(market.StateExhausted)
}

func (s *Session) setLastErr(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

func (s *Session) transition(next market.ConnectionState) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev == next {
		return
	}
	s.log.WithFields(logger.Fields{"from": prev.String(), "state": next.String()}).Info("feed state changed")
	s.queue.Push(events.ConnectionChanged(s.sub.ID, s.sub.Ticker, next))
}

// announce publishes the initial state.
func (s *Session) announce() {
	s.queue.Push(events.ConnectionChanged(s.sub.ID, s.sub.Ticker, s.State()))
}
