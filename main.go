package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	pyroscope "github.com/grafana/pyroscope-go"

	"xtp-bridge/internal/api"
	"xtp-bridge/internal/engine"
	"xtp-bridge/internal/events"
	"xtp-bridge/internal/feed"
	"xtp-bridge/internal/monitor"
	"xtp-bridge/internal/order"
	"xtp-bridge/internal/persistence"
	"xtp-bridge/internal/reconciliation"
	"xtp-bridge/internal/state"
	"xtp-bridge/pkg/config"
	"xtp-bridge/pkg/db"
	"xtp-bridge/pkg/i18n"
	"xtp-bridge/pkg/logger"
	"xtp-bridge/pkg/venue"
	"xtp-bridge/pkg/venue/mock"
	"xtp-bridge/pkg/venue/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, i18n.Get("ConfigLoadFailed")+"\n", err)
		os.Exit(1)
	}
	i18n.SetLanguage(i18n.Language(cfg.Language))

	root := logger.GetLogger()
	if err := root.Configure(cfg.LogLevel, cfg.LogFormat, cfg.LogFile, cfg.LogMaxAge); err != nil {
		fmt.Fprintf(os.Stderr, i18n.Get("LoggerConfigFailed")+"\n", err)
		os.Exit(1)
	}
	log := root.WithComponent("main")
	log.Info(i18n.Get("Starting"))
	log.Infof(i18n.Get("ConfigLoaded"), cfg.Port)

	if cfg.PyroscopeAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "xtp-bridge",
			ServerAddress:   cfg.PyroscopeAddr,
			Tags:            map[string]string{"version": cfg.Version},
			Logger:          root,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Warnf(i18n.Get("ProfilingFailed"), err)
		} else {
			log.Infof(i18n.Get("ProfilingEnabled"), cfg.PyroscopeAddr)
			defer func() { _ = profiler.Stop() }()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Core services
	log.Infof(i18n.Get("UsingDBPath"), cfg.DBPath)
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf(i18n.Get("DBInitFailed"), err)
	}
	defer database.Close()

	bus := events.NewBus()
	defer bus.Close()
	queue := events.NewQueue(cfg.NotifyHighWater, bus)
	metrics := monitor.NewSystemMetrics()

	// Venue session
	session, synthetic, err := openVenue(ctx, cfg)
	if err != nil {
		log.Fatalf(i18n.Get("VenueConnectFail"), err)
	}
	paced := venue.NewRateLimited(session, cfg.VenueRateLimit, cfg.VenueRateBurst)

	// Feeds
	feeds := feed.NewManager(feed.Config{
		QCheck:         cfg.FeedQCheck,
		InboxSize:      cfg.FeedInboxSize,
		CommandTimeout: cfg.VenueCommandTimeout,
		TransientCodes: venue.NewTransientSet(cfg.VenueTransientCodes),
	}, paced, queue, metrics)
	if cfg.RecordBars {
		recorder := persistence.NewBarRecorder(database, cfg.BarBatchSize, cfg.BarFlushPeriod)
		defer func() {
			if err := recorder.Close(); err != nil {
				log.WithError(err).Warn("bar recorder close")
			}
			m := recorder.Metrics()
			log.WithFields(logger.Fields{"writes": m.TotalWrites, "batches": m.TotalBatches, "errors": m.TotalErrors}).Info("bar recorder stopped")
		}()
		feeds.SetSink(recorder)
		feeds.SetWatermarkSource(recorder)
		log.Infof(i18n.Get("BarRecording"), cfg.BarBatchSize)
	}

	// Orders & positions
	positions := state.NewManager(database)
	if err := positions.Load(ctx); err != nil {
		log.Fatalf(i18n.Get("StateLoadFailed"), err)
	}
	policies, err := order.NewExecPolicies(cfg.ExecIDPolicy)
	if err != nil {
		log.Fatalf(i18n.Get("ConfigLoadFailed"), err)
	}
	recon := reconciliation.NewService(reconciliation.Config{
		Interval:       cfg.ReconcileInterval,
		Retention:      cfg.OrderRetention,
		WindowSize:     cfg.ExecWindow,
		Policies:       policies,
		CommandTimeout: cfg.VenueCommandTimeout,
	}, paced, positions, database, queue, bus, metrics)

	venueName := "xtp"
	if synthetic != nil {
		venueName = "mock"
	}
	bridge := engine.NewBridge(engine.Config{
		Venue:      paced,
		Feeds:      feeds,
		Reconciler: recon,
		Queue:      queue,
		Bus:        bus,
		Metrics:    metrics,
		Meta: engine.SystemStatus{
			Mode:         bridgeMode(synthetic != nil),
			Venue:        venueName,
			UseMockVenue: synthetic != nil,
			Version:      cfg.Version,
		},
	})
	if err := bridge.Start(ctx); err != nil {
		log.Fatalf(i18n.Get("BridgeStartFailed"), err)
	}
	log.Infof(i18n.Get("BridgeStarted"), cfg.ReconcileInterval)

	(&monitor.Monitor{Bus: bus, Sink: monitor.LogSink{}}).Start(ctx)
	if synthetic != nil {
		(&mock.Generator{Venue: synthetic}).Start(ctx)
	}

	defaults := feed.ReconnectPolicy{
		Enabled:     cfg.FeedReconnect,
		MaxAttempts: cfg.FeedReconnections,
		Delay:       cfg.FeedReconnectDelay,
	}
	startConfiguredFeeds(ctx, cfg.FeedsFile, defaults, bridge)

	// Admin API
	keyHash := cfg.AdminAPIKeyHash
	if keyHash == "" && cfg.AdminAPIKey != "" {
		if keyHash, err = api.HashAPIKey(cfg.AdminAPIKey); err != nil {
			log.Fatalf(i18n.Get("ConfigLoadFailed"), err)
		}
	}
	if keyHash == "" {
		log.Warn(i18n.Get("AdminAuthDisabled"))
	}
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.NewServer(api.Options{
		Engine:       bridge,
		Bus:          bus,
		DB:           database,
		Metrics:      metrics,
		FeedDefaults: defaults,
		JWTSecret:    cfg.JWTSecret,
		APIKeyHash:   keyHash,
		RateLimit:    cfg.APIRateLimit,
		RateBurst:    cfg.APIRateBurst,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infof(i18n.Get("ServerListening"), httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf(i18n.Get("APIServerError"), err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info(i18n.Get("ShuttingDown"))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("admin api shutdown")
	}
	if err := bridge.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("venue close")
	}
	log.Info(i18n.Get("ShutdownComplete"))
}

// openVenue returns the venue session. In mock mode the synthetic venue is
// returned as well so the caller can drive it.
func openVenue(ctx context.Context, cfg *config.Config) (venue.Session, *mock.Venue, error) {
	log := logger.GetLogger().WithComponent("main")
	if cfg.UseMockVenue {
		log.Info(i18n.Get("VenueMock"))
		v := mock.New(mock.Options{AutoAck: true, AutoAccept: true, AutoCancel: true})
		return v, v, nil
	}

	log.Infof(i18n.Get("VenueConnecting"), cfg.VenueURL)
	dialCtx, cancel := context.WithTimeout(ctx, cfg.VenueCommandTimeout)
	defer cancel()
	client, err := ws.Dial(dialCtx, ws.Config{
		URL:            cfg.VenueURL,
		User:           cfg.VenueUser,
		Password:       cfg.VenuePassword,
		ClientID:       cfg.VenueClientID,
		CommandTimeout: cfg.VenueCommandTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	return client, nil, nil
}

// startConfiguredFeeds starts every feed of the feeds file. The bridge pumps
// them so their bars are recorded and announced without an engine pulling.
func startConfiguredFeeds(ctx context.Context, path string, defaults feed.ReconnectPolicy, svc engine.Service) {
	if path == "" {
		return
	}
	log := logger.GetLogger().WithComponent("main")
	subs, err := feed.LoadFeeds(path, defaults)
	if err != nil {
		log.Errorf(i18n.Get("FeedsLoadFailed"), err)
		return
	}
	for _, sub := range subs {
		if _, err := svc.StartFeed(ctx, sub, true); err != nil {
			log.Errorf(i18n.Get("FeedStartFailed"), sub.Ticker, err)
		}
	}
	log.Infof(i18n.Get("FeedsLoaded"), len(subs), path)
}

func bridgeMode(synthetic bool) string {
	if synthetic {
		return "MOCK"
	}
	return "LIVE"
}
