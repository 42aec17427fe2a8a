package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xtp-bridge/internal/engine"
	"xtp-bridge/internal/events"
	"xtp-bridge/internal/exception"
	"xtp-bridge/internal/feed"
	"xtp-bridge/internal/market"
	"xtp-bridge/internal/monitor"
	"xtp-bridge/internal/order"
	"xtp-bridge/internal/reconciliation"
	"xtp-bridge/pkg/db"
	"xtp-bridge/pkg/venue"
)

const testAPIKey = "k3y"

// stubEngine records calls and answers with canned values.
type stubEngine struct {
	mu sync.Mutex

	startedSub  feed.Subscription
	startedPump bool
	startErr    error
	nextBar     market.Bar
	nextErr     error
	placed      []reconciliation.SubmitRequest
	placeErr    error
	cancelled   []string
	cancelErr   error
	queried     int
	positions   []db.Position
	drained     []events.Notification
}

func (e *stubEngine) StartFeed(_ context.Context, sub feed.Subscription, pump bool) (feed.Info, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return feed.Info{}, e.startErr
	}
	sub.ID = "sub-1"
	e.startedSub, e.startedPump = sub, pump
	return feed.Info{Subscription: sub, Granularity: sub.Granularity.String()}, nil
}

func (e *stubEngine) StopFeed(_ context.Context, id string) error {
	if id != "sub-1" {
		return fmt.Errorf("stop %s: %w", id, exception.ErrUnknownSubscription)
	}
	return nil
}

func (e *stubEngine) NextBar(context.Context, string) (market.Bar, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextBar, e.nextErr
}

func (e *stubEngine) ListFeeds() []feed.Info { return nil }

func (e *stubEngine) Drain() []events.Notification {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.drained
	e.drained = nil
	return out
}

func (e *stubEngine) PlaceOrder(_ context.Context, req reconciliation.SubmitRequest) (order.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.placed = append(e.placed, req)
	if e.placeErr != nil {
		return order.Order{}, e.placeErr
	}
	return order.Order{LocalID: "L1", Ticker: req.Ticker, Side: req.Side, Quantity: req.Quantity, Status: order.StatusSubmitted}, nil
}

func (e *stubEngine) CancelOrder(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, id)
	return e.cancelErr
}

func (e *stubEngine) ListOrders(bool) []order.Order { return []order.Order{} }

func (e *stubEngine) QueryPositions(context.Context) ([]db.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queried++
	return e.positions, nil
}

func (e *stubEngine) CachedPositions() []db.Position { return []db.Position{} }

func (e *stubEngine) Metrics() monitor.MetricsSnapshot {
	return monitor.MetricsSnapshot{BarsDelivered: 3}
}

func (e *stubEngine) GetSystemStatus(context.Context) *engine.SystemStatus {
	return &engine.SystemStatus{Mode: "test"}
}

// with runs fn under the stub's lock; tests share fields with handlers.
func (e *stubEngine) with(fn func(e *stubEngine)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e)
}

var _ engine.Service = (*stubEngine)(nil)

type testEnv struct {
	srv    *httptest.Server
	eng    *stubEngine
	bus    *events.Bus
	db     *db.Database
	client *http.Client
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.Open(":memory:")
	require.NoError(t, err)
	hash, err := HashAPIKey(testAPIKey)
	require.NoError(t, err)

	env := &testEnv{eng: &stubEngine{}, bus: events.NewBus(), db: database}
	opts.Engine = env.eng
	opts.Bus = env.bus
	opts.DB = database
	opts.Metrics = monitor.NewSystemMetrics()
	opts.JWTSecret = "test-secret"
	opts.APIKeyHash = hash
	opts.FeedDefaults = feed.DefaultReconnectPolicy()

	env.srv = httptest.NewServer(NewServer(opts).Router)
	env.client = env.srv.Client()
	t.Cleanup(func() {
		env.srv.Close()
		env.bus.Close()
		_ = database.Close()
	})
	return env
}

func (env *testEnv) do(t *testing.T, method, path, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(payload))
	}
	req, err := http.NewRequest(method, env.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := env.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (env *testEnv) login(t *testing.T) string {
	t.Helper()
	var resp struct {
		Token string `json:"token"`
	}
	status := env.do(t, http.MethodPost, "/api/auth/token", "", map[string]string{"api_key": testAPIKey, "operator": "ops"}, &resp)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, Options{})

	var body errorBody
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/feeds", "", nil, &body))
	assert.Equal(t, "MISSING_TOKEN", body.Code)

	assert.Equal(t, http.StatusUnauthorized,
		env.do(t, http.MethodPost, "/api/auth/token", "", map[string]string{"api_key": "wrong"}, &body))
	assert.Equal(t, "INVALID_CREDENTIALS", body.Code)

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/feeds", "not-a-jwt", nil, &body))
	assert.Equal(t, "INVALID_TOKEN", body.Code)

	token := env.login(t)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/feeds", token, nil, nil))

	var status engine.SystemStatus
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/system/status", token, nil, &status))
	assert.Equal(t, "test", status.Mode)
}

func TestStartFeed(t *testing.T) {
	env := newTestEnv(t, Options{})
	token := env.login(t)

	tests := []struct {
		name     string
		payload  map[string]any
		startErr error
		want     int
		wantCode string
	}{
		{
			name:    "daily pumped feed",
			payload: map[string]any{"ticker": "600000", "exchange": "sse", "granularity": "1d", "backfill_from": "2024-03-01", "pump": true},
			want:    http.StatusCreated,
		},
		{
			name:     "unsupported granularity",
			payload:  map[string]any{"ticker": "600000", "granularity": "7x"},
			want:     http.StatusBadRequest,
			wantCode: "INVALID_REQUEST",
		},
		{
			name:     "missing ticker",
			payload:  map[string]any{"granularity": "1m"},
			want:     http.StatusBadRequest,
			wantCode: "INVALID_REQUEST",
		},
		{
			name:     "duplicate",
			payload:  map[string]any{"ticker": "600000", "granularity": "1d"},
			startErr: exception.ErrDuplicateSubscription,
			want:     http.StatusConflict,
			wantCode: "CONFLICT",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.eng.with(func(e *stubEngine) { e.startErr = tt.startErr })
			var body errorBody
			assert.Equal(t, tt.want, env.do(t, http.MethodPost, "/api/feeds", token, tt.payload, &body))
			assert.Equal(t, tt.wantCode, body.Code)
		})
	}

	env.eng.with(func(e *stubEngine) {
		assert.True(t, e.startedPump)
		assert.Equal(t, "SSE", e.startedSub.Exchange)
		assert.Equal(t, market.Daily, e.startedSub.Granularity)
		assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), e.startedSub.BackfillFrom)
		assert.True(t, e.startedSub.Reconnect.Enabled)
	})

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/feeds/sub-1", token, nil, nil))
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/api/feeds/nope", token, nil, nil))
}

func TestNextBar(t *testing.T) {
	env := newTestEnv(t, Options{})
	token := env.login(t)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"bar", nil, http.StatusOK},
		{"quiet", exception.ErrNoData, http.StatusNoContent},
		{"finished", exception.ErrEndOfStream, http.StatusGone},
		{"pumped", fmt.Errorf("s: %w", exception.ErrFeedPumped), http.StatusConflict},
		{"unknown", fmt.Errorf("s: %w", exception.ErrUnknownSubscription), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.eng.with(func(e *stubEngine) {
				e.nextBar = market.Bar{Close: 10.5}
				e.nextErr = tt.err
			})
			var bar market.Bar
			assert.Equal(t, tt.want, env.do(t, http.MethodGet, "/api/feeds/sub-1/next", token, nil, &bar))
			if tt.want == http.StatusOK {
				assert.Equal(t, 10.5, bar.Close)
			}
		})
	}
}

func TestRecordedBars(t *testing.T) {
	env := newTestEnv(t, Options{})
	token := env.login(t)

	day := func(d int) time.Time { return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC) }
	require.NoError(t, env.db.InsertBars(context.Background(), []db.Bar{
		{SubscriptionID: "s1", Ticker: "600000", Granularity: "1d", Time: day(1), Close: 1},
		{SubscriptionID: "s1", Ticker: "600000", Granularity: "1d", Time: day(2), Close: 2},
		{SubscriptionID: "s1", Ticker: "600000", Granularity: "1d", Time: day(3), Close: 3},
	}))

	var bars []market.Bar
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/feeds/s1/bars?from=2024-03-02", token, nil, &bars))
	require.Len(t, bars, 2)
	assert.Equal(t, 2.0, bars[0].Close)

	var body errorBody
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/feeds/s1/bars?from=yesterday", token, nil, &body))
	assert.Equal(t, "INVALID_QUERY", body.Code)
}

func TestOrders(t *testing.T) {
	env := newTestEnv(t, Options{})
	token := env.login(t)

	payload := map[string]any{"ticker": "600000", "exchange": "SSE", "side": "BUY", "quantity": 100, "limit_price": "10.25"}

	var o order.Order
	assert.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/api/orders", token, payload, &o))
	assert.Equal(t, "L1", o.LocalID)
	assert.Equal(t, order.StatusSubmitted, o.Status)
	env.eng.with(func(e *stubEngine) {
		require.Len(t, e.placed, 1)
		assert.True(t, decimal.RequireFromString("10.25").Equal(e.placed[0].LimitPrice))
		assert.Equal(t, venue.SideBuy, e.placed[0].Side)
	})

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", fmt.Errorf("qty: %w", exception.ErrOrderInvalidRequest), http.StatusBadRequest},
		{"rejected", fmt.Errorf("venue: %w", exception.ErrOrderRejected), http.StatusUnprocessableEntity},
		{"not connected", exception.ErrNotConnected, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.eng.with(func(e *stubEngine) { e.placeErr = tt.err })
			assert.Equal(t, tt.want, env.do(t, http.MethodPost, "/api/orders", token, payload, nil))
		})
	}

	assert.Equal(t, http.StatusAccepted, env.do(t, http.MethodDelete, "/api/orders/L1", token, nil, nil))
	env.eng.with(func(e *stubEngine) { e.cancelErr = fmt.Errorf("foreign: %w", exception.ErrOrderReadOnly) })
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodDelete, "/api/orders/foreign:V9", token, nil, nil))
	env.eng.with(func(e *stubEngine) {
		assert.Equal(t, []string{"L1", "foreign:V9"}, e.cancelled)
	})
}

func TestPositions(t *testing.T) {
	env := newTestEnv(t, Options{})
	token := env.login(t)
	env.eng.with(func(e *stubEngine) {
		e.positions = []db.Position{{Ticker: "600000", Qty: 100, AvgPrice: decimal.NewFromInt(10)}}
	})

	var ps []db.Position
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/positions", token, nil, &ps))
	assert.Empty(t, ps)
	env.eng.with(func(e *stubEngine) { assert.Equal(t, 0, e.queried) })

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/positions?refresh=true", token, nil, &ps))
	require.Len(t, ps, 1)
	assert.Equal(t, "600000", ps[0].Ticker)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/positions/reconcile", token, nil, &ps))
	env.eng.with(func(e *stubEngine) { assert.Equal(t, 2, e.queried) })
}

func TestDrainAndMetrics(t *testing.T) {
	env := newTestEnv(t, Options{})
	token := env.login(t)
	env.eng.with(func(e *stubEngine) {
		e.drained = []events.Notification{events.BarReady("s1", "X", market.Bar{Close: 1})}
	})

	var ns []struct {
		Kind string `json:"kind"`
	}
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/notifications/drain", token, nil, &ns))
	require.Len(t, ns, 1)
	assert.Equal(t, "bar_ready", ns[0].Kind)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/metrics/prom", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := env.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "xtp_bars_delivered_total 3")
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{RateLimit: 1, RateBurst: 1})
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", "", nil, nil))
	var body errorBody
	assert.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodGet, "/health", "", nil, &body))
	assert.Equal(t, "RATE_LIMITED", body.Code)
}

func TestWebsocketStreamsNotifications(t *testing.T) {
	env := newTestEnv(t, Options{})
	token := env.login(t)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/ws?kinds=error&token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The server subscribes after the upgrade, so keep publishing until the
	// client sees something.
	q := events.NewQueue(100, env.bus)
	done := make(chan struct{})
	defer close(done)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				q.Push(events.BarReady("s1", "X", market.Bar{Close: 1}))
				q.Push(events.Error("s1", "X", exception.ErrConnectionLost))
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var n struct {
		Kind      string `json:"kind"`
		ErrorKind string `json:"error_kind"`
	}
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, "error", n.Kind)
	assert.Equal(t, "CONNECTION_LOST", n.ErrorKind)
}
