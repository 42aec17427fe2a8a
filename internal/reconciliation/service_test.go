package reconciliation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xtp-bridge/internal/events"
	"xtp-bridge/internal/exception"
	"xtp-bridge/internal/monitor"
	"xtp-bridge/internal/order"
	"xtp-bridge/internal/state"
	"xtp-bridge/pkg/db"
	"xtp-bridge/pkg/venue"
	"xtp-bridge/pkg/venue/mock"
)

type harness struct {
	venue   *mock.Venue
	svc     *Service
	queue   *events.Queue
	db      *db.Database
	metrics *monitor.SystemMetrics
}

func newHarness(t *testing.T, opts mock.Options) *harness {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	policies, err := order.NewExecPolicies(map[string]string{"SSE": "exec_id", "SZSE": "report_index"})
	require.NoError(t, err)

	h := &harness{
		venue:   mock.New(opts),
		queue:   events.NewQueue(0, nil),
		db:      database,
		metrics: monitor.NewSystemMetrics(),
	}
	h.svc = NewService(Config{WindowSize: 16, Policies: policies, Retention: time.Hour},
		h.venue, state.NewManager(database), database, h.queue, nil, h.metrics)
	h.venue.SetHandler(func(ev venue.Event) { h.svc.HandleEvent(ev) })
	return h
}

func buy(qty float64) SubmitRequest {
	return SubmitRequest{Ticker: "600000", Exchange: "sse", Side: venue.SideBuy, Quantity: qty, LimitPrice: decimal.RequireFromString("10.5")}
}

type change struct {
	prior, status order.Status
}

func orderChanges(ns []events.Notification) []change {
	var out []change
	for _, n := range ns {
		if n.Kind == events.KindOrderChanged {
			out = append(out, change{n.PriorStatus, n.Order.Status})
		}
	}
	return out
}

func errorKinds(ns []events.Notification) []exception.Kind {
	var out []exception.Kind
	for _, n := range ns {
		if n.Kind == events.KindError {
			out = append(out, n.ErrKind)
		}
	}
	return out
}

func TestSubmitNotifiesOnlyAfterAck(t *testing.T) {
	h := newHarness(t, mock.Options{})
	ctx := context.Background()

	o, err := h.svc.Submit(ctx, buy(300))
	require.NoError(t, err)
	assert.Equal(t, order.StatusSubmitted, o.Status)
	assert.Equal(t, "SSE", o.Exchange)
	assert.Empty(t, h.queue.Drain(), "nothing is announced before the venue acks")

	h.venue.Ack(o.LocalID)
	got, ok := h.svc.Order(o.LocalID)
	require.True(t, ok)
	assert.True(t, got.Acked)
	assert.Equal(t, h.venue.VenueID(o.LocalID), got.VenueID)

	h.venue.SetStatus(got.VenueID, venue.StatusAccepted)
	// venue redelivery of a known status is a no-op
	h.venue.SetStatus(got.VenueID, venue.StatusAccepted)

	assert.Equal(t, []change{
		{order.StatusNone, order.StatusSubmitted},
		{order.StatusSubmitted, order.StatusAccepted},
	}, orderChanges(h.queue.Drain()))

	rows, err := h.db.ListOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ACCEPTED", rows[0].Status)
	assert.Equal(t, got.VenueID, rows[0].VenueID)
}

func TestStatusWithoutAckImpliesAck(t *testing.T) {
	h := newHarness(t, mock.Options{})
	o, err := h.svc.Submit(context.Background(), buy(100))
	require.NoError(t, err)

	h.venue.SetStatus(h.venue.VenueID(o.LocalID), venue.StatusRejected)

	assert.Equal(t, []change{
		{order.StatusNone, order.StatusSubmitted},
		{order.StatusSubmitted, order.StatusRejected},
	}, orderChanges(h.queue.Drain()))
	got, _ := h.svc.Order(o.LocalID)
	assert.Equal(t, 0.0, got.Remaining)
	assert.False(t, got.ClosedAt.IsZero())
}

func TestSubmitRejectedSynchronously(t *testing.T) {
	h := newHarness(t, mock.Options{AutoAck: true})
	h.venue.FailNext("submit_order", &venue.Error{Code: 11000350, Message: "insufficient funds"})

	_, err := h.svc.Submit(context.Background(), buy(100))
	require.ErrorIs(t, err, exception.ErrOrderRejected)
	assert.Empty(t, h.svc.Orders())
	assert.Empty(t, h.queue.Drain())
}

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{name: "no ticker", req: SubmitRequest{Side: venue.SideBuy, Quantity: 1}},
		{name: "bad side", req: SubmitRequest{Ticker: "X", Side: "HOLD", Quantity: 1}},
		{name: "zero qty", req: SubmitRequest{Ticker: "X", Side: venue.SideSell}},
		{name: "negative price", req: SubmitRequest{Ticker: "X", Side: venue.SideSell, Quantity: 1, LimitPrice: decimal.NewFromInt(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, mock.Options{})
			_, err := h.svc.Submit(context.Background(), tt.req)
			assert.ErrorIs(t, err, exception.ErrOrderInvalidRequest)
			assert.Empty(t, h.venue.Calls())
		})
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	h := newHarness(t, mock.Options{AutoAck: true, AutoAccept: true})
	o, err := h.svc.Submit(context.Background(), buy(100))
	require.NoError(t, err)
	vid := h.venue.VenueID(o.LocalID)

	h.venue.Fill(vid, 100, "10.4")
	h.venue.SetStatus(vid, venue.StatusAccepted)
	h.venue.SetStatus(vid, venue.StatusPartiallyFilled)
	h.venue.SetStatus(vid, venue.StatusCancelled)

	got, _ := h.svc.Order(o.LocalID)
	assert.Equal(t, order.StatusFilled, got.Status)
	assert.Equal(t, 0.0, got.Remaining)
	assert.True(t, decimal.RequireFromString("10.4").Equal(got.AvgFillPrice))

	changes := orderChanges(h.queue.Drain())
	for _, c := range changes {
		assert.GreaterOrEqual(t, c.status, c.prior)
	}
	assert.Equal(t, change{order.StatusAccepted, order.StatusFilled}, changes[len(changes)-1])
}

func TestFillsAndDuplicateExecutions(t *testing.T) {
	h := newHarness(t, mock.Options{AutoAck: true, AutoAccept: true})
	o, err := h.svc.Submit(context.Background(), buy(300))
	require.NoError(t, err)
	vid := h.venue.VenueID(o.LocalID)
	h.queue.Drain()

	tr := h.venue.Fill(vid, 100, "10")
	// replay the identical trade
	h.venue.Emit(venue.Event{Kind: venue.EventTrade, Ticker: tr.Ticker, Trade: &tr})

	got, _ := h.svc.Order(o.LocalID)
	assert.Equal(t, 200.0, got.Remaining)
	assert.Equal(t, 100.0, got.FilledQty)
	assert.Equal(t, order.StatusPartiallyFilled, got.Status)
	assert.Equal(t, uint64(1), h.metrics.GetSnapshot().DuplicateTrades)
	assert.Equal(t, 100.0, h.svc.positions.Position("600000").Qty)

	h.venue.Fill(vid, 200, "11")
	got, _ = h.svc.Order(o.LocalID)
	assert.Equal(t, order.StatusFilled, got.Status)
	assert.True(t, decimal.RequireFromString("10.6666666666666667").Sub(got.AvgFillPrice).Abs().LessThan(decimal.RequireFromString("0.0001")))

	trades, err := h.db.ListTrades(context.Background(), o.LocalID)
	require.NoError(t, err)
	assert.Len(t, trades, 2)

	// each applied fill is announced, the replay is not
	assert.Equal(t, []change{
		{order.StatusAccepted, order.StatusPartiallyFilled},
		{order.StatusPartiallyFilled, order.StatusFilled},
	}, orderChanges(h.queue.Drain()))
}

func TestReportIndexPolicy(t *testing.T) {
	h := newHarness(t, mock.Options{AutoAck: true, AutoAccept: true})
	req := buy(300)
	req.Exchange = "SZSE"
	o, err := h.svc.Submit(context.Background(), req)
	require.NoError(t, err)
	vid := h.venue.VenueID(o.LocalID)

	tr := h.venue.Fill(vid, 100, "10")
	// SZSE identifies executions by report index; a new exec id with the same
	// index is the same execution
	tr.ExecID = "other"
	h.venue.Emit(venue.Event{Kind: venue.EventTrade, Ticker: tr.Ticker, Trade: &tr})

	got, _ := h.svc.Order(o.LocalID)
	assert.Equal(t, 100.0, got.FilledQty)
	assert.Equal(t, uint64(1), h.metrics.GetSnapshot().DuplicateTrades)
}

func TestTradesWithoutExecIDAreDistinct(t *testing.T) {
	h := newHarness(t, mock.Options{AutoAck: true, AutoAccept: true})
	o, err := h.svc.Submit(context.Background(), buy(300))
	require.NoError(t, err)
	vid := h.venue.VenueID(o.LocalID)

	for i := int64(1); i <= 2; i++ {
		h.venue.Emit(venue.Event{Kind: venue.EventTrade, Ticker: "600000", Trade: &venue.TradeReport{
			OrderID: vid, ClientID: o.LocalID, ReportIndex: i, Exchange: "SSE",
			Ticker: "600000", Side: venue.SideBuy, Quantity: 100, Price: "10",
		}})
	}

	got, _ := h.svc.Order(o.LocalID)
	assert.Equal(t, 200.0, got.FilledQty)
	assert.Equal(t, uint64(0), h.metrics.GetSnapshot().DuplicateTrades)
	assert.Equal(t, 200.0, h.svc.positions.Position("600000").Qty)
}

func TestOverfillIsReconciliationFault(t *testing.T) {
	h := newHarness(t, mock.Options{AutoAck: true, AutoAccept: true})
	o, err := h.svc.Submit(context.Background(), buy(100))
	require.NoError(t, err)
	vid := h.venue.VenueID(o.LocalID)
	h.queue.Drain()

	h.venue.Fill(vid, 60, "10")
	h.venue.Fill(vid, 60, "10")

	got, _ := h.svc.Order(o.LocalID)
	assert.Equal(t, 40.0, got.Remaining, "remaining keeps its last valid value")
	assert.Equal(t, 60.0, got.FilledQty)
	assert.True(t, got.Suspect)
	assert.Equal(t, uint64(1), h.metrics.GetSnapshot().ReconciliationFaults)

	ns := h.queue.Drain()
	assert.Contains(t, errorKinds(ns), exception.KindReconciliationFault)
	assert.Equal(t, 60.0, h.svc.positions.Position("600000").Qty)
}

func TestCancel(t *testing.T) {
	t.Run("confirmed by venue", func(t *testing.T) {
		h := newHarness(t, mock.Options{AutoAck: true, AutoAccept: true, AutoCancel: true})
		o, err := h.svc.Submit(context.Background(), buy(100))
		require.NoError(t, err)
		h.queue.Drain()

		require.NoError(t, h.svc.Cancel(context.Background(), o.LocalID))
		got, _ := h.svc.Order(o.LocalID)
		assert.Equal(t, order.StatusCancelled, got.Status)
		assert.Equal(t, []change{{order.StatusAccepted, order.StatusCancelled}}, orderChanges(h.queue.Drain()))
	})

	t.Run("not terminal until confirmed", func(t *testing.T) {
		h := newHarness(t, mock.Options{AutoAck: true, AutoAccept: true})
		o, err := h.svc.Submit(context.Background(), buy(100))
		require.NoError(t, err)

		require.NoError(t, h.svc.Cancel(context.Background(), o.LocalID))
		got, _ := h.svc.Order(o.LocalID)
		assert.Equal(t, order.StatusAccepted, got.Status)
	})

	t.Run("terminal and unknown orders are no-ops", func(t *testing.T) {
		h := newHarness(t, mock.Options{AutoAck: true, AutoAccept: true, AutoCancel: true})
		o, err := h.svc.Submit(context.Background(), buy(100))
		require.NoError(t, err)
		h.venue.Fill(h.venue.VenueID(o.LocalID), 100, "10")

		require.NoError(t, h.svc.Cancel(context.Background(), o.LocalID))
		require.NoError(t, h.svc.Cancel(context.Background(), "nope"))
		for _, c := range h.venue.Calls() {
			assert.NotEqual(t, "cancel_order", c.Name)
		}
	})

	t.Run("held until ack", func(t *testing.T) {
		h := newHarness(t, mock.Options{AutoCancel: true})
		o, err := h.svc.Submit(context.Background(), buy(100))
		require.NoError(t, err)

		require.NoError(t, h.svc.Cancel(context.Background(), o.LocalID))
		h.venue.Ack(o.LocalID)

		require.Eventually(t, func() bool {
			got, _ := h.svc.Order(o.LocalID)
			return got.Status == order.StatusCancelled
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("partially filled", func(t *testing.T) {
		h := newHarness(t, mock.Options{AutoAck: true, AutoAccept: true, AutoCancel: true})
		o, err := h.svc.Submit(context.Background(), buy(100))
		require.NoError(t, err)
		h.venue.Fill(h.venue.VenueID(o.LocalID), 30, "10")

		require.NoError(t, h.svc.Cancel(context.Background(), o.LocalID))
		got, _ := h.svc.Order(o.LocalID)
		assert.Equal(t, order.StatusPartiallyCancelled, got.Status)
		assert.Equal(t, 30.0, got.FilledQty)
		assert.Equal(t, 70.0, got.Remaining)
	})

	t.Run("fill reported after the cancel", func(t *testing.T) {
		h := newHarness(t, mock.Options{AutoAck: true, AutoAccept: true})
		o, err := h.svc.Submit(context.Background(), buy(100))
		require.NoError(t, err)
		vid := h.venue.VenueID(o.LocalID)

		h.venue.SetStatus(vid, venue.StatusPartialCancelled)
		h.venue.Fill(vid, 30, "10")

		got, _ := h.svc.Order(o.LocalID)
		assert.Equal(t, order.StatusPartiallyCancelled, got.Status)
		assert.Equal(t, 30.0, got.FilledQty)
		assert.Equal(t, 70.0, got.Remaining)
		assert.False(t, got.Suspect)
		assert.NotContains(t, errorKinds(h.queue.Drain()), exception.KindReconciliationFault)
		assert.Equal(t, 30.0, h.svc.positions.Position("600000").Qty)
	})
}

func TestForeignOrdersAreReadOnly(t *testing.T) {
	h := newHarness(t, mock.Options{})
	h.venue.Emit(venue.Event{Kind: venue.EventOrderStatus, Order: &venue.OrderReport{
		OrderID: "EXT1", Ticker: "000001", Exchange: "SZSE", Side: venue.SideSell,
		Quantity: 200, QtyLeft: 200, Price: "8.8", Status: venue.StatusAccepted,
	}})

	orders := h.svc.Orders()
	require.Len(t, orders, 1)
	f := orders[0]
	assert.True(t, f.Foreign)
	assert.Equal(t, order.StatusAccepted, f.Status)
	assert.Equal(t, []change{{order.StatusNone, order.StatusAccepted}}, orderChanges(h.queue.Drain()))

	assert.ErrorIs(t, h.svc.Cancel(context.Background(), f.LocalID), exception.ErrOrderReadOnly)

	// fills of foreign orders still move the account position
	h.venue.Emit(venue.Event{Kind: venue.EventTrade, Trade: &venue.TradeReport{
		OrderID: "EXT1", ReportIndex: 7, Exchange: "SZSE", Ticker: "000001", Side: venue.SideSell, Quantity: 50, Price: "8.8",
	}})
	assert.Equal(t, -50.0, h.svc.positions.Position("000001").Qty)
}

func TestMalformedOrderEvents(t *testing.T) {
	h := newHarness(t, mock.Options{})
	h.venue.Emit(venue.Event{Kind: venue.EventOrderStatus})
	h.venue.Emit(venue.Event{Kind: venue.EventTrade, Trade: &venue.TradeReport{OrderID: "V1", ExecID: "E1", Side: venue.SideBuy, Quantity: 1}})

	assert.Equal(t, []exception.Kind{exception.KindMalformedEvent, exception.KindMalformedEvent}, errorKinds(h.queue.Drain()))
	assert.Empty(t, h.svc.Orders())
}

func TestReconcilePositionsReplaces(t *testing.T) {
	h := newHarness(t, mock.Options{AutoAck: true, AutoAccept: true})
	ctx := context.Background()
	o, err := h.svc.Submit(ctx, SubmitRequest{Ticker: "AAA", Exchange: "SSE", Side: venue.SideBuy, Quantity: 100, LimitPrice: decimal.NewFromInt(10)})
	require.NoError(t, err)
	h.venue.Fill(h.venue.VenueID(o.LocalID), 100, "10")
	require.Equal(t, 100.0, h.svc.positions.Position("AAA").Qty)

	h.venue.SetPositions([]venue.PositionReport{{Ticker: "BBB", Quantity: 50, AvgPrice: "20"}})
	report, err := h.svc.ReconcilePositions(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0.0, h.svc.positions.Position("AAA").Qty)
	assert.Equal(t, 50.0, h.svc.positions.Position("BBB").Qty)
	assert.True(t, report.HasDiffs)
	assert.Len(t, report.Diffs, 2)
	assert.Equal(t, 1, report.Positions)

	reports, err := h.db.ListReconciliationReports(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, report.ID, reports[0].ID)

	// a second pass with no change records nothing
	_, err = h.svc.ReconcilePositions(ctx)
	require.NoError(t, err)
	reports, err = h.db.ListReconciliationReports(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestReconcilePositionsQueryRejected(t *testing.T) {
	h := newHarness(t, mock.Options{})
	h.venue.FailNext("query_positions", &venue.Error{Code: 11000001, Message: "denied"})

	_, err := h.svc.ReconcilePositions(context.Background())
	require.ErrorIs(t, err, exception.ErrPositionQueryRejected)
	assert.Equal(t, []exception.Kind{exception.KindVenueRejected}, errorKinds(h.queue.Drain()))
}

func TestPositionSnapshotPush(t *testing.T) {
	h := newHarness(t, mock.Options{})
	h.venue.Emit(venue.Event{Kind: venue.EventPositionSnapshot, Positions: []venue.PositionReport{
		{Ticker: "AAA", Quantity: 10, AvgPrice: "1.5"},
	}})
	ps := h.svc.Positions()
	require.Len(t, ps, 1)
	assert.Equal(t, "AAA", ps[0].Ticker)
	assert.True(t, decimal.RequireFromString("1.5").Equal(ps[0].AvgPrice))
}

func TestPruneAndLoad(t *testing.T) {
	h := newHarness(t, mock.Options{AutoAck: true, AutoAccept: true})
	ctx := context.Background()

	done, err := h.svc.Submit(ctx, buy(100))
	require.NoError(t, err)
	h.venue.Fill(h.venue.VenueID(done.LocalID), 100, "10")
	open, err := h.svc.Submit(ctx, buy(100))
	require.NoError(t, err)

	h.svc.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	assert.Equal(t, []string{done.LocalID}, h.svc.Prune())
	_, ok := h.svc.Order(done.LocalID)
	assert.False(t, ok)

	// a fresh service restores only the open order
	fresh := NewService(Config{}, h.venue, state.NewManager(h.db), h.db, events.NewQueue(0, nil), nil, nil)
	require.NoError(t, fresh.Load(ctx))
	orders := fresh.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, open.LocalID, orders[0].LocalID)
	assert.Equal(t, order.StatusAccepted, orders[0].Status)
	assert.True(t, orders[0].Acked)
}
