package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"xtp-bridge/internal/exception"
	"xtp-bridge/internal/feed"
	"xtp-bridge/internal/monitor"
	"xtp-bridge/internal/reconciliation"
	"xtp-bridge/pkg/logger"
)

type startFeedRequest struct {
	feed.FeedConfig
	// Pump lets the bridge consume the feed; bars then arrive only as
	// notifications.
	Pump bool `json:"pump"`
}

type barsQuery struct {
	From  string `form:"from"`
	To    string `form:"to"`
	Limit int    `form:"limit"`
}

type listOrdersQuery struct {
	Open bool `form:"open"`
}

func (q *barsQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 500
	}
	if q.Limit > 5000 {
		q.Limit = 5000
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondBridgeError maps bridge errors onto HTTP statuses.
func respondBridgeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, exception.KindOf(err).String()
	switch {
	case errors.Is(err, exception.ErrUnknownSubscription), errors.Is(err, exception.ErrOrderUnknown):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, exception.ErrInvalidSubscription),
		errors.Is(err, exception.ErrUnsupportedGranularity),
		errors.Is(err, exception.ErrOrderInvalidRequest):
		status, code = http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, exception.ErrDuplicateSubscription),
		errors.Is(err, exception.ErrOrderReadOnly),
		errors.Is(err, exception.ErrFeedPumped):
		status, code = http.StatusConflict, "CONFLICT"
	case errors.Is(err, exception.ErrEndOfStream):
		status, code = http.StatusGone, "END_OF_STREAM"
	case exception.KindOf(err) == exception.KindVenueRejected:
		status = http.StatusUnprocessableEntity
	case exception.KindOf(err) == exception.KindConnectionLost:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"code":  code,
		"error": err.Error(),
	})
}

// --- System ---

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.GetSystemStatus(c.Request.Context()))
}

// getMetrics returns bridge counters and latencies.
func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Metrics())
}

// getPromMetrics returns a minimal Prometheus text exposition of key metrics.
func (s *Server) getPromMetrics(c *gin.Context) {
	snapshot := s.engine.Metrics()

	var b strings.Builder
	// Counters
	fmt.Fprintf(&b, "xtp_bars_delivered_total %d\n", snapshot.BarsDelivered)
	fmt.Fprintf(&b, "xtp_duplicate_bars_total %d\n", snapshot.DuplicatesDropped)
	fmt.Fprintf(&b, "xtp_malformed_events_total %d\n", snapshot.MalformedEvents)
	fmt.Fprintf(&b, "xtp_reconnects_total %d\n", snapshot.Reconnects)
	fmt.Fprintf(&b, "xtp_inbox_overflows_total %d\n", snapshot.InboxOverflows)
	fmt.Fprintf(&b, "xtp_exhausted_feeds_total %d\n", snapshot.ExhaustedFeeds)
	fmt.Fprintf(&b, "xtp_orders_submitted_total %d\n", snapshot.OrdersSubmitted)
	fmt.Fprintf(&b, "xtp_trades_applied_total %d\n", snapshot.TradesApplied)
	fmt.Fprintf(&b, "xtp_duplicate_trades_total %d\n", snapshot.DuplicateTrades)
	fmt.Fprintf(&b, "xtp_reconciliation_faults_total %d\n", snapshot.ReconciliationFaults)
	fmt.Fprintf(&b, "xtp_position_reconciles_total %d\n", snapshot.PositionReconciles)
	fmt.Fprintf(&b, "xtp_errors_total %d\n", snapshot.ErrorsCount)
	fmt.Fprintf(&b, "xtp_api_requests_total %d\n", snapshot.APIRequests)
	fmt.Fprintf(&b, "xtp_api_errors_total %d\n", snapshot.APIErrors)

	// Gauges for latency (ms)
	writeLatency := func(prefix string, ls monitor.LatencyStats) {
		if ls.Count == 0 {
			return
		}
		fmt.Fprintf(&b, "xtp_%s_latency_ms_avg %f\n", prefix, ls.Avg)
		fmt.Fprintf(&b, "xtp_%s_latency_ms_p50 %f\n", prefix, ls.P50)
		fmt.Fprintf(&b, "xtp_%s_latency_ms_p95 %f\n", prefix, ls.P95)
		fmt.Fprintf(&b, "xtp_%s_latency_ms_p99 %f\n", prefix, ls.P99)
	}
	writeLatency("venue", snapshot.VenueLatency)
	writeLatency("db", snapshot.DBLatency)
	writeLatency("api", snapshot.APILatency)

	// Gauges for bridge state
	fmt.Fprintf(&b, "xtp_notification_queue_depth %d\n", snapshot.QueueDepth)
	fmt.Fprintf(&b, "xtp_active_feeds %d\n", snapshot.ActiveFeeds)
	fmt.Fprintf(&b, "xtp_open_orders %d\n", snapshot.OpenOrders)
	fmt.Fprintf(&b, "xtp_goroutines %d\n", snapshot.GoroutineCount)
	fmt.Fprintf(&b, "xtp_heap_alloc_bytes %d\n", snapshot.HeapAlloc)

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.String(http.StatusOK, b.String())
}

// --- Feeds ---

func (s *Server) listFeeds(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.ListFeeds())
}

// startFeed subscribes to a ticker. The body is a feeds file entry.
func (s *Server) startFeed(c *gin.Context) {
	var req startFeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	sub, err := req.Subscription(s.feedDefaults)
	if err != nil {
		respondBridgeError(c, err)
		return
	}
	info, err := s.engine.StartFeed(c.Request.Context(), sub, req.Pump)
	if err != nil {
		respondBridgeError(c, err)
		return
	}
	s.log.WithFields(logger.Fields{
		"subscription": info.Subscription.ID,
		"ticker":       info.Subscription.Ticker,
		"operator":     CurrentOperatorID(c),
	}).Info("feed started via api")
	c.JSON(http.StatusCreated, info)
}

func (s *Server) stopFeed(c *gin.Context) {
	if err := s.engine.StopFeed(c.Request.Context(), c.Param("id")); err != nil {
		respondBridgeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// nextBar pulls one bar. An empty wait answers 204.
func (s *Server) nextBar(c *gin.Context) {
	bar, err := s.engine.NextBar(c.Request.Context(), c.Param("id"))
	if errors.Is(err, exception.ErrNoData) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		respondBridgeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bar)
}

// getBars serves recorded bars of a subscription.
func (s *Server) getBars(c *gin.Context) {
	if s.history == nil {
		respondError(c, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "bar store not available")
		return
	}
	var q barsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()
	from, err := feed.ParseTime(q.From)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	to, err := feed.ParseTime(q.To)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}

	bars, err := s.history.GetBars(c.Request.Context(), c.Param("id"), from, to, q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.Header("X-Result-Limit", strconv.Itoa(q.Limit))
	c.JSON(http.StatusOK, bars)
}

// --- Notifications ---

func (s *Server) drainNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Drain())
}

// --- Orders & positions ---

func (s *Server) listOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	c.JSON(http.StatusOK, s.engine.ListOrders(q.Open))
}

// placeOrder submits a limit order. The order is answered as Submitted;
// the venue acknowledgement arrives as a notification.
func (s *Server) placeOrder(c *gin.Context) {
	var req reconciliation.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	o, err := s.engine.PlaceOrder(c.Request.Context(), req)
	if err != nil {
		respondBridgeError(c, err)
		return
	}
	s.log.WithFields(logger.Fields{
		"order":    o.LocalID,
		"ticker":   o.Ticker,
		"operator": CurrentOperatorID(c),
	}).Info("order placed via api")
	c.JSON(http.StatusAccepted, o)
}

func (s *Server) cancelOrder(c *gin.Context) {
	if err := s.engine.CancelOrder(c.Request.Context(), c.Param("id")); err != nil {
		respondBridgeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"local_id": c.Param("id"), "status": "cancel requested"})
}

// getPositions returns the cached table; refresh=true asks the venue first.
func (s *Server) getPositions(c *gin.Context) {
	if refresh, _ := strconv.ParseBool(c.Query("refresh")); refresh {
		s.reconcilePositions(c)
		return
	}
	c.JSON(http.StatusOK, s.engine.CachedPositions())
}

func (s *Server) reconcilePositions(c *gin.Context) {
	positions, err := s.engine.QueryPositions(c.Request.Context())
	if err != nil {
		respondBridgeError(c, err)
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) listReports(c *gin.Context) {
	if s.db == nil {
		respondError(c, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "database not available")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	reports, err := s.db.ListReconciliationReports(c.Request.Context(), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, reports)
}
