package monitor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xtp-bridge/internal/events"
	"xtp-bridge/internal/exception"
	"xtp-bridge/internal/market"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSink) Send(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *captureSink) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestMonitorAlertsOnRules(t *testing.T) {
	bus := events.NewBus()
	sink := &captureSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	(&Monitor{Bus: bus, Sink: sink}).Start(ctx)

	q := events.NewQueue(100, bus)
	q.Push(events.BarReady("s1", "X", market.Bar{}))
	q.Push(events.Error("", "X", exception.ErrReconciliationFault))
	q.Push(events.ConnectionChanged("s1", "X", market.StateExhausted))

	require.Eventually(t, func() bool { return len(sink.all()) == 2 }, time.Second, 10*time.Millisecond)
	msgs := sink.all()
	assert.True(t, strings.Contains(msgs[0], "reconciliation fault"))
	assert.True(t, strings.Contains(msgs[1], "exhausted"))
}

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{5, 1, 3, 2} {
		h.Record(v)
	}
	s := h.Stats()
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 3.0, s.Max)
	assert.Equal(t, 2.0, s.Avg)
}

func TestSnapshotCounters(t *testing.T) {
	m := NewSystemMetrics()
	m.IncBarsDelivered()
	m.IncBarsDelivered()
	m.IncDuplicatesDropped()
	m.SetGauges(7, 2, 1)
	s := m.GetSnapshot()
	assert.Equal(t, uint64(2), s.BarsDelivered)
	assert.Equal(t, uint64(1), s.DuplicatesDropped)
	assert.Equal(t, 7, s.QueueDepth)
	assert.Equal(t, 2, s.ActiveFeeds)
}
