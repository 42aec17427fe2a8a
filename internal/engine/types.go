package engine

import "time"

// SystemStatus represents the bridge runtime status.
type SystemStatus struct {
	Mode         string    `json:"mode"`
	Venue        string    `json:"venue"`
	UseMockVenue bool      `json:"use_mock_venue"`
	Feeds        int       `json:"feeds"`
	OpenOrders   int       `json:"open_orders"`
	QueueDepth   int       `json:"queue_depth"`
	Backpressure bool      `json:"backpressure"`
	Version      string    `json:"version"`
	StartedAt    time.Time `json:"started_at"`
	ServerTime   time.Time `json:"server_time"`
}
