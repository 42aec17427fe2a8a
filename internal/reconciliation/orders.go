package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"xtp-bridge/internal/events"
	"xtp-bridge/internal/exception"
	"xtp-bridge/internal/normalize"
	"xtp-bridge/internal/order"
	"xtp-bridge/pkg/logger"
	"xtp-bridge/pkg/venue"
)

// qtyEpsilon absorbs float noise when comparing fills to remaining quantity.
const qtyEpsilon = 1e-9

// SubmitRequest is an engine order.
type SubmitRequest struct {
	Ticker     string          `json:"ticker"`
	Exchange   string          `json:"exchange"`
	Side       venue.Side      `json:"side"`
	Quantity   float64         `json:"quantity"`
	LimitPrice decimal.Decimal `json:"limit_price"`
}

func (r *SubmitRequest) validate() error {
	r.Ticker = strings.TrimSpace(r.Ticker)
	r.Exchange = strings.ToUpper(strings.TrimSpace(r.Exchange))
	r.Side = venue.Side(strings.ToUpper(string(r.Side)))
	switch {
	case r.Ticker == "":
		return fmt.Errorf("ticker is required: %w", exception.ErrOrderInvalidRequest)
	case r.Side != venue.SideBuy && r.Side != venue.SideSell:
		return fmt.Errorf("side %q: %w", r.Side, exception.ErrOrderInvalidRequest)
	case r.Quantity <= 0:
		return fmt.Errorf("quantity %v: %w", r.Quantity, exception.ErrOrderInvalidRequest)
	case r.LimitPrice.IsNegative():
		return fmt.Errorf("limit price %s: %w", r.LimitPrice, exception.ErrOrderInvalidRequest)
	}
	return nil
}

// Submit registers the order and forwards it. The order is Submitted
// locally; the engine hears about it once the venue acknowledges it.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (order.Order, error) {
	if err := req.validate(); err != nil {
		return order.Order{}, err
	}
	now := s.now()
	o := order.Order{
		LocalID:    uuid.NewString(),
		Ticker:     req.Ticker,
		Exchange:   req.Exchange,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Remaining:  req.Quantity,
		LimitPrice: req.LimitPrice,
		Status:     order.StatusSubmitted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	// The ack may be delivered before SubmitOrder returns.
	if err := s.book.Add(o); err != nil {
		return order.Order{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	err := s.venue.SubmitOrder(cctx, venue.OrderRequest{
		ClientID: o.LocalID,
		Ticker:   o.Ticker,
		Exchange: o.Exchange,
		Side:     o.Side,
		Quantity: o.Quantity,
		Price:    o.LimitPrice.String(),
	})
	if err != nil {
		s.book.Remove(o.LocalID)
		var verr *venue.Error
		if errors.As(err, &verr) {
			return order.Order{}, fmt.Errorf("submit %s: %w: %w", o.Ticker, exception.ErrOrderRejected, err)
		}
		return order.Order{}, fmt.Errorf("submit %s: %w", o.Ticker, err)
	}

	if s.metrics != nil {
		s.metrics.IncOrdersSubmitted()
	}
	s.log.WithFields(logger.Fields{"local_id": o.LocalID, "ticker": o.Ticker, "side": o.Side, "qty": o.Quantity}).Info("order submitted")
	s.persist(ctx, o.LocalID)
	cur, _ := s.book.Get(o.LocalID)
	return cur, nil
}

// Cancel forwards a cancel request. Unknown and terminal orders are left
// alone; an order without a venue id yet is cancelled once its ack arrives.
// The order only turns terminal on the venue's confirmation.
func (s *Service) Cancel(ctx context.Context, localID string) error {
	o, ok := s.book.Get(localID)
	if !ok {
		s.log.WithField("local_id", localID).Debug("cancel of unknown order ignored")
		return nil
	}
	if o.Foreign {
		return fmt.Errorf("cancel %s: %w", localID, exception.ErrOrderReadOnly)
	}
	if o.Status.Terminal() {
		return nil
	}
	if o.VenueID == "" {
		s.book.MarkCancelPending(localID)
		s.log.WithField("local_id", localID).Debug("cancel held until venue ack")
		return nil
	}
	return s.forwardCancel(ctx, localID, o.VenueID)
}

func (s *Service) forwardCancel(ctx context.Context, localID, venueID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	if err := s.venue.CancelOrder(ctx, venueID); err != nil {
		var verr *venue.Error
		if errors.As(err, &verr) {
			err = fmt.Errorf("%w: %w", exception.ErrOrderRejected, err)
		}
		return fmt.Errorf("cancel %s: %w", localID, err)
	}
	s.log.WithFields(logger.Fields{"local_id": localID, "venue_id": venueID}).Info("cancel requested")
	return nil
}

// resolve finds the local order of a venue payload: by venue id first, then
// by the client id we sent, which is the local id.
func (s *Service) resolve(venueID, clientID string) (string, bool) {
	if venueID != "" {
		if id, ok := s.book.LocalID(venueID); ok {
			return id, true
		}
	}
	if clientID != "" {
		if _, ok := s.book.Get(clientID); ok {
			return clientID, true
		}
	}
	return "", false
}

func foreignID(venueID string) string { return "foreign:" + venueID }

// adoptForeign registers a read-only mirror of an order placed elsewhere on
// the account.
func (s *Service) adoptForeign(venueID, ticker, exchange string, side venue.Side, qty float64, price decimal.Decimal) (string, error) {
	if venueID == "" {
		return "", fmt.Errorf("untracked order without venue id: %w", exception.ErrOrderUnknown)
	}
	now := s.now()
	o := order.Order{
		LocalID:    foreignID(venueID),
		VenueID:    venueID,
		Ticker:     ticker,
		Exchange:   exchange,
		Side:       side,
		Quantity:   qty,
		Remaining:  qty,
		LimitPrice: price,
		Status:     order.StatusNone,
		Foreign:    true,
		Acked:      true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.book.Add(o); err != nil {
		return "", err
	}
	s.log.WithFields(logger.Fields{"venue_id": venueID, "ticker": ticker}).Info("tracking order from another session")
	return o.LocalID, nil
}

func (s *Service) malformed(err error) {
	if s.metrics != nil {
		s.metrics.IncMalformed()
	}
	s.log.WithError(err).Debug("dropping malformed venue event")
	s.queue.Push(events.Error("", "", err))
}

func (s *Service) notifyOrder(o order.Order, prior order.Status) {
	s.queue.Push(events.OrderChanged(o, prior))
	s.publish(events.EventOrderChanged, o)
}

func (s *Service) onOrderEvent(raw *venue.OrderReport, ack bool) {
	u, err := normalize.Order(raw, ack)
	if err != nil {
		s.malformed(err)
		return
	}

	localID, ok := s.resolve(u.VenueID, u.ClientID)
	if !ok {
		if ack {
			// acks are addressed to the session that placed the order
			s.log.WithField("venue_id", u.VenueID).Debug("ack for unknown order ignored")
			return
		}
		if localID, err = s.adoptForeign(u.VenueID, u.Ticker, u.Exchange, u.Side, u.Quantity, u.Price); err != nil {
			s.malformed(fmt.Errorf("%w: %w", exception.ErrMalformedEvent, err))
			return
		}
	}

	now := s.now()
	var (
		impliedAck bool
		changed    bool
		regressed  bool
	)
	before, after, err := s.book.Update(localID, func(o *order.Order, _ *order.ExecWindow) error {
		if o.VenueID == "" && u.VenueID != "" {
			o.VenueID = u.VenueID
		}
		if !o.Acked {
			o.Acked = true
			impliedAck = true
			o.UpdatedAt = now
		}
		if o.Foreign && u.Quantity > o.Quantity {
			o.Quantity = u.Quantity
		}
		if ack {
			return nil
		}
		switch {
		case o.Status.CanAdvance(u.Status):
			o.SetStatus(u.Status, now)
			changed = true
		case o.Status != u.Status:
			regressed = true
		}
		return nil
	})
	if err != nil {
		s.log.WithError(err).Warn("order update")
		return
	}

	log := s.log.WithFields(logger.Fields{"local_id": localID, "venue_id": after.VenueID})
	if impliedAck {
		submitted := before
		submitted.VenueID = after.VenueID
		submitted.Acked = true
		if !submitted.Foreign {
			s.notifyOrder(submitted, order.StatusNone)
			log.Debug("order acknowledged")
		}
	}
	if regressed {
		log.WithFields(logger.Fields{"status": before.Status.String(), "reported": u.Status.String()}).Debug("ignoring stale order status")
	}
	if changed {
		s.notifyOrder(after, before.Status)
		log.WithFields(logger.Fields{"from": before.Status.String(), "status": after.Status.String()}).Info("order status changed")
	}
	if impliedAck || changed {
		s.persist(context.Background(), localID)
	}

	// a cancel requested before the ack can go out now
	if after.VenueID != "" && !after.Status.Terminal() && s.book.TakeCancelPending(localID) {
		go func() {
			if err := s.forwardCancel(context.Background(), localID, after.VenueID); err != nil {
				s.log.WithError(err).WithField("local_id", localID).Error("deferred cancel failed")
				s.queue.Push(events.Error("", after.Ticker, err))
			}
		}()
	}
}

func (s *Service) onTrade(raw *venue.TradeReport) {
	f, err := normalize.Trade(raw)
	if err != nil {
		s.malformed(err)
		return
	}

	localID, ok := s.resolve(f.VenueID, f.ClientID)
	if !ok {
		if localID, err = s.adoptForeign(f.VenueID, f.Ticker, f.Exchange, f.Side, f.Quantity, f.Price); err != nil {
			s.malformed(fmt.Errorf("%w: %w", exception.ErrMalformedEvent, err))
			return
		}
	}

	key := s.cfg.Policies.Key(f.Report())
	now := s.now()
	var impliedAck bool
	before, after, err := s.book.Update(localID, func(o *order.Order, execs *order.ExecWindow) error {
		if execs.Seen(key) {
			return exception.ErrDuplicateExecution
		}
		execs.Add(key)
		if !o.Acked {
			o.Acked = true
			impliedAck = true
		}
		if o.VenueID == "" && f.VenueID != "" {
			o.VenueID = f.VenueID
		}
		if !o.Foreign && f.Quantity > o.Remaining+qtyEpsilon {
			o.Suspect = true
			o.UpdatedAt = now
			return fmt.Errorf("fill %v exceeds remaining %v: %w", f.Quantity, o.Remaining, exception.ErrReconciliationFault)
		}
		if o.Foreign && o.FilledQty+f.Quantity > o.Quantity {
			o.Quantity = o.FilledQty + f.Quantity
			o.Remaining = o.Quantity - o.FilledQty
		}
		o.ApplyFill(f.Quantity, f.Price)
		next := order.StatusPartiallyFilled
		if o.Remaining <= qtyEpsilon {
			o.Remaining = 0
			next = order.StatusFilled
		}
		if o.Status.CanAdvance(next) {
			o.SetStatus(next, now)
		} else {
			o.UpdatedAt = now
		}
		return nil
	})

	log := s.log.WithFields(logger.Fields{"local_id": localID, "venue_id": after.VenueID, "exec": key})
	switch {
	case errors.Is(err, exception.ErrDuplicateExecution):
		if s.metrics != nil {
			s.metrics.IncDuplicateTrades()
		}
		log.Debug("duplicate execution ignored")
		return
	case errors.Is(err, exception.ErrReconciliationFault):
		if s.metrics != nil {
			s.metrics.IncFaults()
		}
		log.WithError(err).Error("reconciliation fault, order marked suspect")
		s.queue.Push(events.Error("", after.Ticker, fmt.Errorf("order %s: %w", localID, err)))
		s.notifyOrder(after, before.Status)
		s.persist(context.Background(), localID)
		return
	case err != nil:
		log.WithError(err).Warn("trade update")
		return
	}

	if impliedAck && !before.Foreign {
		submitted := before
		submitted.Acked = true
		submitted.VenueID = after.VenueID
		s.notifyOrder(submitted, order.StatusNone)
	}
	s.notifyOrder(after, before.Status)
	if s.metrics != nil {
		s.metrics.IncTradesApplied()
	}
	log.WithFields(logger.Fields{"qty": f.Quantity, "price": f.Price.String(), "status": after.Status.String()}).Info("fill applied")

	ticker := f.Ticker
	if ticker == "" {
		ticker = after.Ticker
	}
	ctx := context.Background()
	if _, err := s.positions.RecordFill(ctx, ticker, f.Side, f.Quantity, f.Price); err != nil {
		log.WithError(err).Error("persist position")
	}
	s.recordTrade(ctx, localID, key, ticker, f)
	s.persist(ctx, localID)
	s.publish(events.EventTradeApplied, f)
}
