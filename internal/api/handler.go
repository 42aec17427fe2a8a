package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"xtp-bridge/internal/data"
	"xtp-bridge/internal/engine"
	"xtp-bridge/internal/events"
	"xtp-bridge/internal/feed"
	"xtp-bridge/internal/monitor"
	"xtp-bridge/pkg/db"
	"xtp-bridge/pkg/logger"
)

// Options configures a Server.
type Options struct {
	Engine  engine.Service
	Bus     *events.Bus
	DB      *db.Database
	Metrics *monitor.SystemMetrics
	// FeedDefaults fills reconnect settings a feed request leaves out.
	FeedDefaults feed.ReconnectPolicy

	JWTSecret string
	// APIKeyHash is the bcrypt hash of the admin key. Empty disables token
	// issuance.
	APIKeyHash string

	RateLimit      float64
	RateBurst      int
	RequestTimeout time.Duration
}

// Server wires HTTP endpoints around the bridge.
type Server struct {
	Router *gin.Engine

	engine       engine.Service
	bus          *events.Bus
	db           *db.Database
	history      *data.HistoricalDataService
	metrics      *monitor.SystemMetrics
	feedDefaults feed.ReconnectPolicy
	jwtSecret    string
	apiKeyHash   string
	log          *logger.Entry
}

func NewServer(opts Options) *Server {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 50
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                                      // Panic recovery (first)
	r.Use(RequestIDMiddleware())                               // Request ID tracking
	r.Use(RequestLogger(opts.Metrics))                         // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(opts.RateLimit, opts.RateBurst)) // Rate limiting
	r.Use(TimeoutMiddleware(opts.RequestTimeout))
	r.Use(CORSMiddleware()) // CORS (last before routes)

	s := &Server{
		Router:       r,
		engine:       opts.Engine,
		bus:          opts.Bus,
		db:           opts.DB,
		metrics:      opts.Metrics,
		feedDefaults: opts.FeedDefaults,
		jwtSecret:    opts.JWTSecret,
		apiKeyHash:   opts.APIKeyHash,
		log:          logger.GetLogger().WithComponent("api"),
	}
	if opts.DB != nil {
		s.history = data.NewHistoricalDataService(opts.DB)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/token", s.issueToken)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.jwtSecret))
		{
			protected.GET("/system/status", s.getSystemStatus)
			protected.GET("/metrics", s.getMetrics)
			protected.GET("/metrics/prom", s.getPromMetrics)

			// Feeds
			protected.GET("/feeds", s.listFeeds)
			protected.POST("/feeds", s.startFeed)
			protected.DELETE("/feeds/:id", s.stopFeed)
			protected.GET("/feeds/:id/next", s.nextBar)
			protected.GET("/feeds/:id/bars", s.getBars)

			// Notifications
			protected.POST("/notifications/drain", s.drainNotifications)
			protected.GET("/ws", s.websocket)

			// Orders & positions
			protected.GET("/orders", s.listOrders)
			protected.POST("/orders", s.placeOrder)
			protected.DELETE("/orders/:id", s.cancelOrder)
			protected.GET("/positions", s.getPositions)
			protected.POST("/positions/reconcile", s.reconcilePositions)
			protected.GET("/reconciliation/reports", s.listReports)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
