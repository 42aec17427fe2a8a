// Package engine is the boundary between a trading engine and the bridge.
// The engine pulls bars and drains notifications; it pushes feed, order and
// position commands. The API layer talks to the bridge through the same
// interface.
package engine

import (
	"context"

	"xtp-bridge/internal/events"
	"xtp-bridge/internal/feed"
	"xtp-bridge/internal/market"
	"xtp-bridge/internal/monitor"
	"xtp-bridge/internal/order"
	"xtp-bridge/internal/reconciliation"
	"xtp-bridge/pkg/db"
)

// Service defines the operations available to an engine.
type Service interface {
	// Feeds
	StartFeed(ctx context.Context, sub feed.Subscription, pump bool) (feed.Info, error)
	StopFeed(ctx context.Context, id string) error
	NextBar(ctx context.Context, id string) (market.Bar, error)
	ListFeeds() []feed.Info

	// Notifications
	Drain() []events.Notification

	// Orders & positions
	PlaceOrder(ctx context.Context, req reconciliation.SubmitRequest) (order.Order, error)
	CancelOrder(ctx context.Context, localID string) error
	ListOrders(openOnly bool) []order.Order
	QueryPositions(ctx context.Context) ([]db.Position, error)
	CachedPositions() []db.Position

	// System
	Metrics() monitor.MetricsSnapshot
	GetSystemStatus(ctx context.Context) *SystemStatus
}
