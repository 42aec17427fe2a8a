package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xtp-bridge/internal/exception"
	"xtp-bridge/pkg/venue"
	"xtp-bridge/pkg/venue/mock"
)

// slowVenue simulates a venue that is slow to answer order commands.
type slowVenue struct {
	*mock.Venue
	delay time.Duration
}

func (v *slowVenue) SubmitOrder(ctx context.Context, req venue.OrderRequest) error {
	select {
	case <-time.After(v.delay):
		return v.Venue.SubmitOrder(ctx, req)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", exception.ErrCommandTimeout, ctx.Err())
	}
}

func TestHighLatencyOrders(t *testing.T) {
	tests := []struct {
		name       string
		delay      time.Duration
		timeout    time.Duration
		wantStatus int
		wantOpen   int
	}{
		{name: "slow but within the command timeout", delay: 200 * time.Millisecond, timeout: 2 * time.Second, wantStatus: http.StatusAccepted, wantOpen: 1},
		{name: "beyond the command timeout", delay: 5 * time.Second, timeout: 150 * time.Millisecond, wantStatus: http.StatusServiceUnavailable, wantOpen: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newBridgeEnv(t, envOptions{
				dbPath:         filepath.Join(t.TempDir(), "bridge.db"),
				commandTimeout: tt.timeout,
				wrap: func(v *mock.Venue) venue.Session {
					return &slowVenue{Venue: v, delay: tt.delay}
				},
			})

			var resp struct {
				LocalID string `json:"local_id"`
				Code    string `json:"code"`
			}
			start := time.Now()
			status := env.do(t, http.MethodPost, "/api/orders", map[string]any{
				"ticker":      "000001",
				"exchange":    "szse",
				"side":        "sell",
				"quantity":    200,
				"limit_price": "12.34",
			}, &resp)
			elapsed := time.Since(start)

			require.Equal(t, tt.wantStatus, status)
			assert.Less(t, elapsed, tt.delay+time.Second, "the api answers no later than the venue or the timeout")
			if tt.wantStatus == http.StatusServiceUnavailable {
				assert.Equal(t, "CONNECTION_LOST", resp.Code)
				assert.Less(t, elapsed, tt.delay, "a stuck venue does not hold the request past the command timeout")
			} else {
				assert.NotEmpty(t, resp.LocalID)
			}

			var open []struct {
				LocalID string `json:"local_id"`
			}
			require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/orders?open=true", nil, &open))
			assert.Len(t, open, tt.wantOpen, "an order the venue never took leaves the book")

			rows, err := env.db.ListOpenOrders(context.Background())
			require.NoError(t, err)
			assert.Len(t, rows, tt.wantOpen)
		})
	}
}
