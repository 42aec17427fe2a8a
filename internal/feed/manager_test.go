package feed

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xtp-bridge/internal/exception"
	"xtp-bridge/internal/market"
)

type staticMarks map[string]time.Time

func (m staticMarks) LastWatermark(_ context.Context, id string) (time.Time, bool, error) {
	t, ok := m[id]
	return t, ok, nil
}

func TestManagerStartValidation(t *testing.T) {
	h := newHarness(t, Config{})

	bad := dailySub("bad")
	bad.Granularity = market.Intraday(7 * time.Minute)
	_, err := h.manager.Start(context.Background(), bad)
	assert.ErrorIs(t, err, exception.ErrUnsupportedGranularity)

	empty := dailySub("empty")
	empty.Ticker = "  "
	_, err = h.manager.Start(context.Background(), empty)
	assert.ErrorIs(t, err, exception.ErrInvalidSubscription)

	s, err := h.manager.Start(context.Background(), dailySub("s1"))
	require.NoError(t, err)
	assert.Equal(t, "SSE", s.Subscription().Exchange)

	_, err = h.manager.Start(context.Background(), dailySub("s1"))
	assert.ErrorIs(t, err, exception.ErrDuplicateSubscription)

	anon, err := h.manager.Start(context.Background(), dailySub(""))
	require.NoError(t, err)
	assert.NotEmpty(t, anon.Subscription().ID)
	assert.Equal(t, 2, h.manager.Len())
	assert.Empty(t, h.venue.Calls(), "venue commands wait for the first read")
}

func TestManagerStopUnsubscribesLastLiveSession(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	a, err := h.manager.Start(ctx, dailySub("a"))
	require.NoError(t, err)
	b, err := h.manager.Start(ctx, dailySub("b"))
	require.NoError(t, err)
	for _, s := range []*Session{a, b} {
		_, err := s.Next(ctx)
		require.ErrorIs(t, err, exception.ErrNoData)
	}

	// both sessions of the ticker see the bar
	h.venue.EmitBar("X", candle(1))
	for _, s := range []*Session{a, b} {
		bar, err := nextBar(t, s)
		require.NoError(t, err)
		assert.Equal(t, day(1), bar.Timestamp)
	}

	require.NoError(t, h.manager.Stop(ctx, "a"))
	assert.True(t, h.venue.Subscribed("X"))
	_, err = a.Next(ctx)
	assert.ErrorIs(t, err, exception.ErrEndOfStream)

	require.NoError(t, h.manager.Stop(ctx, "b"))
	assert.False(t, h.venue.Subscribed("X"))

	assert.ErrorIs(t, h.manager.Stop(ctx, "b"), exception.ErrUnknownSubscription)
	_, err = h.manager.Get("a")
	assert.ErrorIs(t, err, exception.ErrUnknownSubscription)
}

func TestManagerResumeSeedsWatermark(t *testing.T) {
	h := newHarness(t, Config{})
	h.manager.SetWatermarkSource(staticMarks{"s1": day(2)})
	h.venue.SetHistory("X", candles(1, 3))

	sub := dailySub("s1")
	sub.BackfillFrom = day(1)
	sub.Resume = true
	s, err := h.manager.Start(context.Background(), sub)
	require.NoError(t, err)

	b, err := nextBar(t, s)
	require.NoError(t, err)
	assert.Equal(t, day(3), b.Timestamp)
	assert.Equal(t, day(2), h.venue.HistoryRequests("X")[0].Start)
}

func TestManagerListIsSorted(t *testing.T) {
	h := newHarness(t, Config{})
	for _, id := range []string{"c", "a", "b"} {
		_, err := h.manager.Start(context.Background(), dailySub(id))
		require.NoError(t, err)
	}
	var ids []string
	for _, info := range h.manager.List() {
		ids = append(ids, info.Subscription.ID)
		assert.Equal(t, market.StateConnecting, info.State)
		assert.Equal(t, "1d", info.Granularity)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestLoadFeeds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "feeds.yaml")
	content := `
feeds:
  - id: x-daily
    ticker: "600000"
    exchange: sse
    granularity: 1d
    backfill_from: "2024-03-01"
    resume: true
  - id: x-5m
    ticker: "000001"
    exchange: SZSE
    granularity: 5m
    reconnect: false
  - id: x-hist
    ticker: "600000"
    exchange: SSE
    granularity: tick
    historical: true
    backfill_from: "2024-03-01T09:30:00Z"
    until: "2024-03-01 15:00:00"
    reconnections: 3
    reconnect_delay: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	subs, err := LoadFeeds(path, DefaultReconnectPolicy())
	require.NoError(t, err)
	require.Len(t, subs, 3)

	assert.Equal(t, market.Daily, subs[0].Granularity)
	assert.Equal(t, "SSE", subs[0].Exchange)
	assert.Equal(t, day(1), subs[0].BackfillFrom)
	assert.True(t, subs[0].Resume)
	assert.Equal(t, DefaultReconnectPolicy(), subs[0].Reconnect)

	assert.Equal(t, market.Intraday(5*time.Minute), subs[1].Granularity)
	assert.False(t, subs[1].Reconnect.Enabled)

	assert.True(t, subs[2].Historical)
	assert.Equal(t, time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC), subs[2].Until)
	assert.Equal(t, ReconnectPolicy{Enabled: true, MaxAttempts: 3, Delay: 2 * time.Second}, subs[2].Reconnect)
}

func TestLoadFeedsRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{
			name:    "unsupported granularity",
			content: "feeds:\n  - ticker: X\n    granularity: 7m\n",
			wantErr: exception.ErrUnsupportedGranularity,
		},
		{
			name:    "until on a live feed",
			content: "feeds:\n  - ticker: X\n    granularity: 1d\n    until: \"2024-03-02\"\n",
			wantErr: exception.ErrInvalidSubscription,
		},
		{
			name:    "bad date",
			content: "feeds:\n  - ticker: X\n    granularity: 1d\n    backfill_from: yesterday\n",
			wantErr: exception.ErrInvalidSubscription,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "feeds.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := LoadFeeds(path, DefaultReconnectPolicy())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
