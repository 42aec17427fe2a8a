package venue

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"xtp-bridge/internal/exception"
)

// RateLimited paces commands sent to the venue. Push delivery is untouched.
type RateLimited struct {
	Session
	limiter *rate.Limiter
}

// NewRateLimited wraps s with a token bucket. perSecond <= 0 disables pacing.
func NewRateLimited(s Session, perSecond float64, burst int) *RateLimited {
	lim := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return &RateLimited{Session: s, limiter: lim}
}

func (r *RateLimited) wait(ctx context.Context, cmd string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limit wait: %w: %v", cmd, exception.ErrCommandTimeout, err)
	}
	return nil
}

func (r *RateLimited) Subscribe(ctx context.Context, ticker, exchange string) error {
	if err := r.wait(ctx, "subscribe"); err != nil {
		return err
	}
	return r.Session.Subscribe(ctx, ticker, exchange)
}

func (r *RateLimited) Unsubscribe(ctx context.Context, ticker string) error {
	if err := r.wait(ctx, "unsubscribe"); err != nil {
		return err
	}
	return r.Session.Unsubscribe(ctx, ticker)
}

func (r *RateLimited) QueryHistory(ctx context.Context, req HistoryRequest) error {
	if err := r.wait(ctx, "query history"); err != nil {
		return err
	}
	return r.Session.QueryHistory(ctx, req)
}

func (r *RateLimited) SubmitOrder(ctx context.Context, req OrderRequest) error {
	if err := r.wait(ctx, "submit order"); err != nil {
		return err
	}
	return r.Session.SubmitOrder(ctx, req)
}

func (r *RateLimited) CancelOrder(ctx context.Context, venueID string) error {
	if err := r.wait(ctx, "cancel order"); err != nil {
		return err
	}
	return r.Session.CancelOrder(ctx, venueID)
}

func (r *RateLimited) QueryPositions(ctx context.Context) ([]PositionReport, error) {
	if err := r.wait(ctx, "query positions"); err != nil {
		return nil, err
	}
	return r.Session.QueryPositions(ctx)
}
