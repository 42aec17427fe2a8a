package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xtp-bridge/internal/exception"
	"xtp-bridge/pkg/venue"
)

// gateway is a minimal fake of the venue's websocket gateway.
type gateway struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
	ops   []string
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.conns = append(g.conns, conn)
	g.mu.Unlock()

	for {
		var req struct {
			ID   string          `json:"id"`
			Op   string          `json:"op"`
			Args json.RawMessage `json:"args"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		g.mu.Lock()
		g.ops = append(g.ops, req.Op)
		g.mu.Unlock()

		resp := map[string]any{"id": req.ID, "ok": true}
		switch req.Op {
		case opSubscribe:
			var a tickerArgs
			_ = json.Unmarshal(req.Args, &a)
			if a.Ticker == "BAD" {
				resp = map[string]any{"id": req.ID, "error": venue.Error{Code: 11200000, Message: "unknown ticker"}}
			}
		case opQueryPositions:
			resp["positions"] = []venue.PositionReport{{Ticker: "600000", Quantity: 200, AvgPrice: "10.1"}}
		}
		g.mu.Lock()
		err := conn.WriteJSON(resp)
		g.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (g *gateway) push(ev venue.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	raw, _ := json.Marshal(ev)
	for _, c := range g.conns {
		_ = c.WriteJSON(map[string]any{"event": json.RawMessage(raw)})
	}
}

func (g *gateway) dropAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.conns {
		_ = c.Close()
	}
	g.conns = nil
}

func startGateway(t *testing.T) (*gateway, string) {
	g := &gateway{t: t}
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return g, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialRejectsBadURL(t *testing.T) {
	_, err := Dial(context.Background(), Config{URL: "http://example.com"})
	assert.ErrorIs(t, err, exception.ErrInvalidVenueAddr)
}

func TestCommandsAndPushes(t *testing.T) {
	g, url := startGateway(t)
	c, err := Dial(context.Background(), Config{URL: url, User: "u", Password: "p", ClientID: 1, CommandTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer c.Close()

	events := make(chan venue.Event, 4)
	c.SetHandler(func(ev venue.Event) { events <- ev })

	ctx := context.Background()
	require.NoError(t, c.Subscribe(ctx, "600000", "SSE"))

	err = c.Subscribe(ctx, "BAD", "SSE")
	var verr *venue.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 11200000, verr.Code)

	ps, err := c.QueryPositions(ctx)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, "600000", ps[0].Ticker)

	px := 10.2
	g.push(venue.Event{Kind: venue.EventBar, Ticker: "600000", Bar: &venue.Bar{Time: 1, Close: &px}})
	select {
	case ev := <-events:
		assert.Equal(t, venue.EventBar, ev.Kind)
		require.NotNil(t, ev.Bar)
		assert.Equal(t, 10.2, *ev.Bar.Close)
	case <-time.After(2 * time.Second):
		t.Fatal("push not delivered")
	}

	g.mu.Lock()
	assert.Equal(t, []string{opLogin, opSubscribe, opSubscribe, opQueryPositions}, g.ops)
	g.mu.Unlock()
}

func TestLinkLossReportsDisconnectAndRedials(t *testing.T) {
	g, url := startGateway(t)
	c, err := Dial(context.Background(), Config{URL: url, RedialDelay: 20 * time.Millisecond, CommandTimeout: time.Second})
	require.NoError(t, err)
	defer c.Close()

	events := make(chan venue.Event, 4)
	c.SetHandler(func(ev venue.Event) { events <- ev })

	g.dropAll()
	select {
	case ev := <-events:
		assert.Equal(t, venue.EventDisconnect, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}

	require.Eventually(t, func() bool {
		return c.Subscribe(context.Background(), "600000", "SSE") == nil
	}, 2*time.Second, 20*time.Millisecond)
}
