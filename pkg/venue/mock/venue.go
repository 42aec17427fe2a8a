// Package mock provides an in-memory venue for local development and tests.
package mock

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"xtp-bridge/internal/exception"
	"xtp-bridge/pkg/venue"
)

// Options tune the automatic responses of the mock venue.
type Options struct {
	AutoAck    bool // emit order_ack on SubmitOrder
	AutoAccept bool // emit ACCEPTED status right after the ack
	AutoCancel bool // confirm cancels immediately
	PageSize   int  // history bars per page, 0 = one page
}

// Call records one command received by the venue.
type Call struct {
	Name    string
	Ticker  string
	VenueID string
	History *venue.HistoryRequest
	Order   *venue.OrderRequest
}

type order struct {
	report venue.OrderReport
	filled float64
}

// Venue implements venue.Session. Events are delivered synchronously on the
// caller's goroutine, outside the venue's own lock.
type Venue struct {
	opts Options

	mu         sync.Mutex
	handler    venue.Handler
	history    map[string][]venue.Bar
	subscribed map[string]string
	orders     map[string]*order
	byClient   map[string]string
	positions  []venue.PositionReport
	failures   map[string][]error
	calls      []Call
	nextID     int
	execSeq    int64
	closed     bool
}

// New returns an empty mock venue.
func New(opts Options) *Venue {
	return &Venue{
		opts:       opts,
		history:    make(map[string][]venue.Bar),
		subscribed: make(map[string]string),
		orders:     make(map[string]*order),
		byClient:   make(map[string]string),
		failures:   make(map[string][]error),
	}
}

func (v *Venue) SetHandler(h venue.Handler) {
	v.mu.Lock()
	v.handler = h
	v.mu.Unlock()
}

// SetHistory replaces the stored candles for ticker.
func (v *Venue) SetHistory(ticker string, bars []venue.Bar) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cp := append([]venue.Bar(nil), bars...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Time < cp[j].Time })
	v.history[ticker] = cp
}

// AppendHistory adds candles for ticker, keeping time order.
func (v *Venue) AppendHistory(ticker string, bars ...venue.Bar) {
	v.mu.Lock()
	cur := v.history[ticker]
	v.mu.Unlock()
	v.SetHistory(ticker, append(cur, bars...))
}

// SetPositions replaces the venue-side position snapshot.
func (v *Venue) SetPositions(ps []venue.PositionReport) {
	v.mu.Lock()
	v.positions = append([]venue.PositionReport(nil), ps...)
	v.mu.Unlock()
}

// FailNext makes the next call of the named command return err.
// Names: subscribe, unsubscribe, query_history, submit_order, cancel_order,
// query_positions.
func (v *Venue) FailNext(cmd string, err error) {
	v.mu.Lock()
	v.failures[cmd] = append(v.failures[cmd], err)
	v.mu.Unlock()
}

// Calls returns a copy of the recorded commands.
func (v *Venue) Calls() []Call {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Call(nil), v.calls...)
}

// HistoryRequests returns the recorded history queries for ticker.
func (v *Venue) HistoryRequests(ticker string) []venue.HistoryRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []venue.HistoryRequest
	for _, c := range v.calls {
		if c.Name == "query_history" && c.Ticker == ticker {
			out = append(out, *c.History)
		}
	}
	return out
}

// Subscribed reports whether ticker currently has a live subscription.
func (v *Venue) Subscribed(ticker string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.subscribed[ticker]
	return ok
}

// Emit pushes ev to the registered handler.
func (v *Venue) Emit(ev venue.Event) {
	v.mu.Lock()
	h := v.handler
	v.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// EmitBar pushes a live candle for ticker.
func (v *Venue) EmitBar(ticker string, b venue.Bar) {
	v.Emit(venue.Event{Kind: venue.EventBar, Ticker: ticker, Bar: &b})
}

// EmitTick pushes a quote for ticker.
func (v *Venue) EmitTick(ticker string, t venue.Tick) {
	v.Emit(venue.Event{Kind: venue.EventTick, Ticker: ticker, Tick: &t})
}

// Disconnect drops every subscription and signals the loss.
func (v *Venue) Disconnect(reason string) {
	v.mu.Lock()
	v.subscribed = make(map[string]string)
	v.mu.Unlock()
	v.Emit(venue.Event{Kind: venue.EventDisconnect, Reason: reason})
}

// EmitError pushes an error event. An empty ticker addresses the session.
func (v *Venue) EmitError(ticker string, code int, msg string) {
	v.Emit(venue.Event{Kind: venue.EventError, Ticker: ticker, Err: &venue.Error{Code: code, Message: msg}})
}

func (v *Venue) begin(c Call) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return exception.ErrSessionClosed
	}
	v.calls = append(v.calls, c)
	if q := v.failures[c.Name]; len(q) > 0 {
		v.failures[c.Name] = q[1:]
		return q[0]
	}
	return nil
}

func (v *Venue) Subscribe(ctx context.Context, ticker, exchange string) error {
	if err := v.begin(Call{Name: "subscribe", Ticker: ticker}); err != nil {
		return err
	}
	v.mu.Lock()
	v.subscribed[ticker] = exchange
	v.mu.Unlock()
	return nil
}

func (v *Venue) Unsubscribe(ctx context.Context, ticker string) error {
	if err := v.begin(Call{Name: "unsubscribe", Ticker: ticker}); err != nil {
		return err
	}
	v.mu.Lock()
	delete(v.subscribed, ticker)
	v.mu.Unlock()
	return nil
}

// QueryHistory answers with the stored candles in [Start, End) followed by
// the end marker.
func (v *Venue) QueryHistory(ctx context.Context, req venue.HistoryRequest) error {
	r := req
	if err := v.begin(Call{Name: "query_history", Ticker: req.Ticker, History: &r}); err != nil {
		return err
	}
	v.mu.Lock()
	var page []venue.Bar
	for _, b := range v.history[req.Ticker] {
		if !req.Start.IsZero() && b.Time < req.Start.UnixMilli() {
			continue
		}
		if !req.End.IsZero() && b.Time >= req.End.UnixMilli() {
			continue
		}
		page = append(page, b)
	}
	size := v.opts.PageSize
	v.mu.Unlock()

	if size <= 0 {
		size = len(page)
	}
	for len(page) > 0 {
		n := min(size, len(page))
		v.Emit(venue.Event{Kind: venue.EventHistoryPage, Ticker: req.Ticker, RequestID: req.RequestID, History: page[:n]})
		page = page[n:]
	}
	v.Emit(venue.Event{Kind: venue.EventHistoryEnd, Ticker: req.Ticker, RequestID: req.RequestID})
	return nil
}

func (v *Venue) SubmitOrder(ctx context.Context, req venue.OrderRequest) error {
	r := req
	if err := v.begin(Call{Name: "submit_order", Ticker: req.Ticker, Order: &r}); err != nil {
		return err
	}
	v.mu.Lock()
	v.nextID++
	id := "V" + strconv.Itoa(v.nextID)
	rep := venue.OrderReport{
		OrderID:  id,
		ClientID: req.ClientID,
		Ticker:   req.Ticker,
		Exchange: req.Exchange,
		Side:     req.Side,
		Quantity: req.Quantity,
		QtyLeft:  req.Quantity,
		Price:    req.Price,
		Status:   venue.StatusUnknown,
		Time:     time.Now().UnixMilli(),
	}
	v.orders[id] = &order{report: rep}
	v.byClient[req.ClientID] = id
	opts := v.opts
	v.mu.Unlock()

	if opts.AutoAck {
		v.Ack(req.ClientID)
		if opts.AutoAccept {
			v.SetStatus(id, venue.StatusAccepted)
		}
	}
	return nil
}

func (v *Venue) CancelOrder(ctx context.Context, venueID string) error {
	if err := v.begin(Call{Name: "cancel_order", VenueID: venueID}); err != nil {
		return err
	}
	v.mu.Lock()
	o, ok := v.orders[venueID]
	auto := v.opts.AutoCancel
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel %s: %w", venueID, &venue.Error{Code: 11000382, Message: "order not found"})
	}
	if auto {
		status := venue.StatusCancelled
		if o.filled > 0 {
			status = venue.StatusPartialCancelled
		}
		v.SetStatus(venueID, status)
	}
	return nil
}

func (v *Venue) QueryPositions(ctx context.Context) ([]venue.PositionReport, error) {
	if err := v.begin(Call{Name: "query_positions"}); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]venue.PositionReport(nil), v.positions...), nil
}

func (v *Venue) Close() error {
	v.mu.Lock()
	v.closed = true
	v.handler = nil
	v.mu.Unlock()
	return nil
}

// VenueID returns the id assigned to a client order.
func (v *Venue) VenueID(clientID string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.byClient[clientID]
}

// Ack emits the order_ack for a submitted client order.
func (v *Venue) Ack(clientID string) {
	v.mu.Lock()
	o, ok := v.orders[v.byClient[clientID]]
	var rep venue.OrderReport
	if ok {
		rep = o.report
	}
	v.mu.Unlock()
	if ok {
		v.Emit(venue.Event{Kind: venue.EventOrderAck, Ticker: rep.Ticker, Order: &rep})
	}
}

// SetStatus moves a venue order to status and pushes the update.
func (v *Venue) SetStatus(venueID string, status venue.OrderStatus) {
	v.mu.Lock()
	o, ok := v.orders[venueID]
	var rep venue.OrderReport
	if ok {
		o.report.Status = status
		if status == venue.StatusCancelled || status == venue.StatusPartialCancelled || status == venue.StatusRejected {
			o.report.QtyLeft = 0
		}
		o.report.Time = time.Now().UnixMilli()
		rep = o.report
	}
	v.mu.Unlock()
	if ok {
		v.Emit(venue.Event{Kind: venue.EventOrderStatus, Ticker: rep.Ticker, Order: &rep})
	}
}

// Fill executes qty of a venue order at price and pushes the trade followed
// by the resulting status.
func (v *Venue) Fill(venueID string, qty float64, price string) venue.TradeReport {
	v.mu.Lock()
	o, ok := v.orders[venueID]
	if !ok {
		v.mu.Unlock()
		return venue.TradeReport{}
	}
	v.execSeq++
	o.filled += qty
	o.report.QtyLeft = max(o.report.Quantity-o.filled, 0)
	status := venue.StatusPartiallyFilled
	if o.report.QtyLeft == 0 {
		status = venue.StatusFilled
	}
	tr := venue.TradeReport{
		OrderID:     venueID,
		ClientID:    o.report.ClientID,
		ExecID:      "E" + strconv.FormatInt(v.execSeq, 10),
		ReportIndex: v.execSeq,
		Exchange:    o.report.Exchange,
		Ticker:      o.report.Ticker,
		Side:        o.report.Side,
		Quantity:    qty,
		Price:       price,
		Time:        time.Now().UnixMilli(),
	}
	v.mu.Unlock()

	v.Emit(venue.Event{Kind: venue.EventTrade, Ticker: tr.Ticker, Trade: &tr})
	v.SetStatus(venueID, status)
	return tr
}
