package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xtp-bridge/pkg/venue"
)

func price(v float64) *float64 { return &v }

func day(d int) time.Time {
	return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
}

func TestQueryHistoryRange(t *testing.T) {
	v := New(Options{PageSize: 2})
	var got []venue.Event
	v.SetHandler(func(ev venue.Event) { got = append(got, ev) })

	var bars []venue.Bar
	for d := 1; d <= 5; d++ {
		bars = append(bars, venue.Bar{Time: day(d).UnixMilli(), Close: price(float64(d))})
	}
	v.SetHistory("600000", bars)

	err := v.QueryHistory(context.Background(), venue.HistoryRequest{
		RequestID: "r1", Ticker: "600000", Start: day(2), End: day(5),
	})
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, venue.EventHistoryPage, got[0].Kind)
	assert.Len(t, got[0].History, 2)
	assert.Len(t, got[1].History, 1)
	assert.Equal(t, venue.EventHistoryEnd, got[2].Kind)
	assert.Equal(t, "r1", got[2].RequestID)
	assert.Equal(t, day(4).UnixMilli(), got[1].History[0].Time)
}

func TestOrderLifecycle(t *testing.T) {
	v := New(Options{AutoAck: true, AutoAccept: true, AutoCancel: true})
	var kinds []venue.EventKind
	var last venue.OrderReport
	v.SetHandler(func(ev venue.Event) {
		kinds = append(kinds, ev.Kind)
		if ev.Order != nil {
			last = *ev.Order
		}
	})

	ctx := context.Background()
	require.NoError(t, v.SubmitOrder(ctx, venue.OrderRequest{ClientID: "c1", Ticker: "600000", Side: venue.SideBuy, Quantity: 300}))
	id := v.VenueID("c1")
	require.NotEmpty(t, id)

	tr := v.Fill(id, 100, "10.5")
	assert.Equal(t, "c1", tr.ClientID)
	assert.Equal(t, venue.StatusPartiallyFilled, last.Status)
	assert.Equal(t, 200.0, last.QtyLeft)

	require.NoError(t, v.CancelOrder(ctx, id))
	assert.Equal(t, venue.StatusPartialCancelled, last.Status)
	assert.Equal(t, []venue.EventKind{
		venue.EventOrderAck, venue.EventOrderStatus, venue.EventTrade, venue.EventOrderStatus, venue.EventOrderStatus,
	}, kinds)
}

func TestFailNext(t *testing.T) {
	v := New(Options{})
	boom := errors.New("boom")
	v.FailNext("subscribe", boom)

	ctx := context.Background()
	assert.ErrorIs(t, v.Subscribe(ctx, "600000", "SSE"), boom)
	assert.False(t, v.Subscribed("600000"))
	require.NoError(t, v.Subscribe(ctx, "600000", "SSE"))
	assert.True(t, v.Subscribed("600000"))

	v.Disconnect("link down")
	assert.False(t, v.Subscribed("600000"))
	assert.Len(t, v.Calls(), 2)
}
