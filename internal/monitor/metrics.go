package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks feed and reconciliation counters.
type SystemMetrics struct {
	mu sync.RWMutex

	// Latency histograms
	VenueLatency *LatencyHistogram
	DBLatency    *LatencyHistogram
	APILatency   *LatencyHistogram

	// Feed counters
	barsDelivered     atomic.Uint64
	duplicatesDropped atomic.Uint64
	malformedEvents   atomic.Uint64
	reconnects        atomic.Uint64
	inboxOverflows    atomic.Uint64
	exhaustedFeeds    atomic.Uint64

	// Reconciliation counters
	ordersSubmitted      atomic.Uint64
	tradesApplied        atomic.Uint64
	duplicateTrades      atomic.Uint64
	reconciliationFaults atomic.Uint64
	positionReconciles   atomic.Uint64
	errorsCount          atomic.Uint64

	// Admin API counters
	apiRequests atomic.Uint64
	apiErrors   atomic.Uint64

	// Gauges updated from outside.
	queueDepth  int
	activeFeeds int
	openOrders  int

	lastUpdate time.Time
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		VenueLatency: NewLatencyHistogram(1000),
		DBLatency:    NewLatencyHistogram(1000),
		APILatency:   NewLatencyHistogram(1000),
		lastUpdate:   time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *SystemMetrics) IncBarsDelivered()     { m.barsDelivered.Add(1) }
func (m *SystemMetrics) IncDuplicatesDropped() { m.duplicatesDropped.Add(1) }
func (m *SystemMetrics) IncMalformed()         { m.malformedEvents.Add(1) }
func (m *SystemMetrics) IncReconnects()        { m.reconnects.Add(1) }
func (m *SystemMetrics) IncInboxOverflows()    { m.inboxOverflows.Add(1) }
func (m *SystemMetrics) IncExhausted()         { m.exhaustedFeeds.Add(1) }
func (m *SystemMetrics) IncOrdersSubmitted()   { m.ordersSubmitted.Add(1) }
func (m *SystemMetrics) IncTradesApplied()     { m.tradesApplied.Add(1) }
func (m *SystemMetrics) IncDuplicateTrades()   { m.duplicateTrades.Add(1) }
func (m *SystemMetrics) IncFaults()            { m.reconciliationFaults.Add(1) }
func (m *SystemMetrics) IncReconciles()        { m.positionReconciles.Add(1) }
func (m *SystemMetrics) IncErrors()            { m.errorsCount.Add(1) }
func (m *SystemMetrics) IncrementAPI()         { m.apiRequests.Add(1) }
func (m *SystemMetrics) IncrementAPIErrors()   { m.apiErrors.Add(1) }

// SetGauges updates the point-in-time gauges.
func (m *SystemMetrics) SetGauges(queueDepth, activeFeeds, openOrders int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepth = queueDepth
	m.activeFeeds = activeFeeds
	m.openOrders = openOrders
	m.lastUpdate = time.Now()
}

// MetricsSnapshot is a point-in-time copy of all metrics.
type MetricsSnapshot struct {
	VenueLatency         LatencyStats `json:"venue_latency"`
	DBLatency            LatencyStats `json:"db_latency"`
	APILatency           LatencyStats `json:"api_latency"`
	BarsDelivered        uint64       `json:"bars_delivered"`
	DuplicatesDropped    uint64       `json:"duplicates_dropped"`
	MalformedEvents      uint64       `json:"malformed_events"`
	Reconnects           uint64       `json:"reconnects"`
	InboxOverflows       uint64       `json:"inbox_overflows"`
	ExhaustedFeeds       uint64       `json:"exhausted_feeds"`
	OrdersSubmitted      uint64       `json:"orders_submitted"`
	TradesApplied        uint64       `json:"trades_applied"`
	DuplicateTrades      uint64       `json:"duplicate_trades"`
	ReconciliationFaults uint64       `json:"reconciliation_faults"`
	PositionReconciles   uint64       `json:"position_reconciles"`
	ErrorsCount          uint64       `json:"errors_count"`
	APIRequests          uint64       `json:"api_requests"`
	APIErrors            uint64       `json:"api_errors"`
	QueueDepth           int          `json:"queue_depth"`
	ActiveFeeds          int          `json:"active_feeds"`
	OpenOrders           int          `json:"open_orders"`
	GoroutineCount       int          `json:"goroutine_count"`
	HeapAlloc            uint64       `json:"heap_alloc_bytes"`
	HeapSys              uint64       `json:"heap_sys_bytes"`
	GaugesUpdated        time.Time    `json:"gauges_updated"`
	Timestamp            time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	depth, feeds, open, updated := m.queueDepth, m.activeFeeds, m.openOrders, m.lastUpdate
	m.mu.RUnlock()

	return MetricsSnapshot{
		VenueLatency:         m.VenueLatency.Stats(),
		DBLatency:            m.DBLatency.Stats(),
		APILatency:           m.APILatency.Stats(),
		BarsDelivered:        m.barsDelivered.Load(),
		DuplicatesDropped:    m.duplicatesDropped.Load(),
		MalformedEvents:      m.malformedEvents.Load(),
		Reconnects:           m.reconnects.Load(),
		InboxOverflows:       m.inboxOverflows.Load(),
		ExhaustedFeeds:       m.exhaustedFeeds.Load(),
		OrdersSubmitted:      m.ordersSubmitted.Load(),
		TradesApplied:        m.tradesApplied.Load(),
		DuplicateTrades:      m.duplicateTrades.Load(),
		ReconciliationFaults: m.reconciliationFaults.Load(),
		PositionReconciles:   m.positionReconciles.Load(),
		ErrorsCount:          m.errorsCount.Load(),
		APIRequests:          m.apiRequests.Load(),
		APIErrors:            m.apiErrors.Load(),
		QueueDepth:           depth,
		ActiveFeeds:          feeds,
		OpenOrders:           open,
		GoroutineCount:       runtime.NumGoroutine(),
		HeapAlloc:            memStats.HeapAlloc,
		HeapSys:              memStats.HeapSys,
		GaugesUpdated:        updated,
		Timestamp:            time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
