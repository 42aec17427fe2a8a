// Package ws implements venue.Session over the gateway's JSON websocket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"xtp-bridge/internal/exception"
	"xtp-bridge/pkg/logger"
	"xtp-bridge/pkg/venue"
)

// Config holds connection settings for the gateway.
type Config struct {
	URL            string
	User           string
	Password       string
	ClientID       int
	CommandTimeout time.Duration
	PingInterval   time.Duration
	RedialDelay    time.Duration
}

// Client is a venue.Session backed by one websocket. After a link failure it
// reports EventDisconnect and redials in the background; commands fail with
// exception.ErrNotConnected until the link is back.
type Client struct {
	cfg Config
	log *logger.Entry

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	handler venue.Handler
	pending map[string]chan reply

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects and logs in.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, fmt.Errorf("dial %q: %w", cfg.URL, exception.ErrInvalidVenueAddr)
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.RedialDelay <= 0 {
		cfg.RedialDelay = 3 * time.Second
	}
	c := &Client{
		cfg:     cfg,
		log:     logger.GetLogger().WithComponent("venue_ws"),
		pending: make(map[string]chan reply),
		done:    make(chan struct{}),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	go c.keepalive()
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w: %v", c.cfg.URL, exception.ErrConnectionLost, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)

	if _, err := c.call(ctx, opLogin, loginArgs{User: c.cfg.User, Password: c.cfg.Password, ClientID: c.cfg.ClientID}); err != nil {
		c.drop(conn)
		return fmt.Errorf("login: %w", err)
	}
	c.log.WithField("url", c.cfg.URL).Info("venue session established")
	return nil
}

func (c *Client) SetHandler(h venue.Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Client) emit(ev venue.Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.linkLost(conn, err)
			return
		}
		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.log.WithError(err).Debug("discarding unparsable frame")
			continue
		}
		if f.ID != "" {
			c.resolve(f)
			continue
		}
		if len(f.Event) == 0 {
			continue
		}
		var ev venue.Event
		if err := json.Unmarshal(f.Event, &ev); err != nil {
			c.log.WithError(err).Debug("discarding unparsable event")
			continue
		}
		c.emit(ev)
	}
}

func (c *Client) resolve(f frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if !ok {
		return
	}
	r := reply{positions: f.Positions}
	if f.Error != nil {
		r.err = f.Error
	} else if !f.OK {
		r.err = &venue.Error{Code: -1, Message: "request refused"}
	}
	ch <- r
}

// linkLost fails in-flight commands, reports the disconnect and starts the
// redial loop unless the client is closing.
func (c *Client) linkLost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan reply)
	c.mu.Unlock()
	_ = conn.Close()

	for _, ch := range pending {
		ch <- reply{err: exception.ErrConnectionLost}
	}

	select {
	case <-c.done:
		return
	default:
	}
	c.log.WithError(cause).Warn("venue link lost")
	c.emit(venue.Event{Kind: venue.EventDisconnect, Reason: cause.Error()})
	go c.redial()
}

func (c *Client) redial() {
	for {
		select {
		case <-c.done:
			return
		case <-time.After(c.cfg.RedialDelay):
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommandTimeout)
		err := c.connect(ctx)
		cancel()
		if err == nil {
			return
		}
		c.log.WithError(err).Warn("venue redial failed")
	}
}

func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) keepalive() {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.CommandTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.log.WithError(err).Debug("ping failed")
			}
		}
	}
}

// call sends one command and waits for its reply.
func (c *Client) call(ctx context.Context, op string, args any) (reply, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return reply{}, fmt.Errorf("%s: %w", op, exception.ErrNotConnected)
	}
	id := uuid.NewString()
	ch := make(chan reply, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.CommandTimeout))
	err := conn.WriteJSON(request{ID: id, Op: op, Args: args})
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return reply{}, fmt.Errorf("%s: %w: %v", op, exception.ErrConnectionLost, err)
	}

	timer := time.NewTimer(c.cfg.CommandTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			return r, fmt.Errorf("%s: %w", op, r.err)
		}
		return r, nil
	case <-timer.C:
		c.forget(id)
		return reply{}, fmt.Errorf("%s: %w", op, exception.ErrCommandTimeout)
	case <-ctx.Done():
		c.forget(id)
		return reply{}, fmt.Errorf("%s: %w", op, ctx.Err())
	case <-c.done:
		return reply{}, fmt.Errorf("%s: %w", op, exception.ErrSessionClosed)
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) Subscribe(ctx context.Context, ticker, exchange string) error {
	_, err := c.call(ctx, opSubscribe, tickerArgs{Ticker: ticker, Exchange: exchange})
	return err
}

func (c *Client) Unsubscribe(ctx context.Context, ticker string) error {
	_, err := c.call(ctx, opUnsubscribe, tickerArgs{Ticker: ticker})
	return err
}

func (c *Client) QueryHistory(ctx context.Context, req venue.HistoryRequest) error {
	_, err := c.call(ctx, opQueryHistory, req)
	return err
}

func (c *Client) SubmitOrder(ctx context.Context, req venue.OrderRequest) error {
	_, err := c.call(ctx, opSubmitOrder, req)
	return err
}

func (c *Client) CancelOrder(ctx context.Context, venueID string) error {
	_, err := c.call(ctx, opCancelOrder, cancelArgs{OrderID: venueID})
	return err
}

func (c *Client) QueryPositions(ctx context.Context) ([]venue.PositionReport, error) {
	r, err := c.call(ctx, opQueryPositions, nil)
	if err != nil {
		return nil, err
	}
	return r.positions, nil
}

// Close tears the link down without reporting a disconnect.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	if err := conn.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}
