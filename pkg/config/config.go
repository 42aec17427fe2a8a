package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the bridge.
type Config struct {
	Port     string
	Language string
	Version  string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string
	LogMaxAge int

	// Venue session
	VenueURL            string
	VenueUser           string
	VenuePassword       string
	VenueClientID       int
	UseMockVenue        bool
	VenueRateLimit      float64 // commands per second, 0 disables pacing
	VenueRateBurst      int
	VenueCommandTimeout time.Duration
	VenueTransientCodes []int

	// Feed sessions
	FeedQCheck         time.Duration // quiescence timeout of the live wait
	FeedReconnect      bool
	FeedReconnections  int // -1 means unlimited
	FeedReconnectDelay time.Duration
	FeedInboxSize      int
	FeedsFile          string

	// Reconciliation
	ReconcileInterval time.Duration
	OrderRetention    time.Duration
	ExecWindow        int
	ExecIDPolicy      map[string]string // exchange -> "exec_id" | "report_index"

	// Notifications
	NotifyHighWater int

	// Persistence
	DBPath         string
	RecordBars     bool
	BarBatchSize   int
	BarFlushPeriod time.Duration

	// Admin API
	JWTSecret string
	// AdminAPIKeyHash is a bcrypt hash; when empty AdminAPIKey is hashed at
	// startup.
	AdminAPIKey     string
	AdminAPIKeyHash string
	APIRateLimit    float64
	APIRateBurst    int

	// Profiling
	PyroscopeAddr string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the bridge still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                getEnv("PORT", "8080"),
		Language:            getEnv("LANGUAGE", "en"),
		Version:             getEnv("APP_VERSION", "dev"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "json"),
		LogFile:             getEnv("LOG_FILE", "stdout"),
		LogMaxAge:           getEnvInt("LOG_MAX_AGE_DAYS", 7),
		VenueURL:            getEnv("VENUE_URL", "ws://127.0.0.1:6002/ws"),
		VenueUser:           os.Getenv("VENUE_USER"),
		VenuePassword:       os.Getenv("VENUE_PASSWORD"),
		VenueClientID:       getEnvInt("VENUE_CLIENT_ID", 1),
		UseMockVenue:        getEnvBool("USE_MOCK_VENUE", true),
		VenueRateLimit:      getEnvFloat("VENUE_RATE_LIMIT", 20),
		VenueRateBurst:      getEnvInt("VENUE_RATE_BURST", 40),
		VenueCommandTimeout: getEnvDuration("VENUE_COMMAND_TIMEOUT", 10*time.Second),
		VenueTransientCodes: splitInts(getEnv("VENUE_TRANSIENT_CODES", "596,598,599")),
		FeedQCheck:          getEnvDuration("FEED_QCHECK", 500*time.Millisecond),
		FeedReconnect:       getEnvBool("FEED_RECONNECT", true),
		FeedReconnections:   getEnvInt("FEED_RECONNECTIONS", -1),
		FeedReconnectDelay:  getEnvDuration("FEED_RECONNECT_DELAY", 5*time.Second),
		FeedInboxSize:       getEnvInt("FEED_INBOX_SIZE", 4096),
		FeedsFile:           getEnv("FEEDS_FILE", ""),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		OrderRetention:      getEnvDuration("ORDER_RETENTION", 24*time.Hour),
		ExecWindow:          getEnvInt("EXEC_WINDOW", 256),
		ExecIDPolicy:        splitPairs(getEnv("EXEC_ID_POLICY", "SSE=exec_id,SZSE=report_index")),
		NotifyHighWater:     getEnvInt("NOTIFY_HIGH_WATER", 10000),
		DBPath:              getEnv("DB_PATH", "./data/bridge.db"),
		RecordBars:          getEnvBool("RECORD_BARS", true),
		BarBatchSize:        getEnvInt("BAR_BATCH_SIZE", 200),
		BarFlushPeriod:      getEnvDuration("BAR_FLUSH_PERIOD", time.Second),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
		AdminAPIKey:         os.Getenv("ADMIN_API_KEY"),
		AdminAPIKeyHash:     os.Getenv("ADMIN_API_KEY_HASH"),
		APIRateLimit:        getEnvFloat("API_RATE_LIMIT", 20),
		APIRateBurst:        getEnvInt("API_RATE_BURST", 50),
		PyroscopeAddr:       os.Getenv("PYROSCOPE_ADDR"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func splitInts(val string) []int {
	parts := splitAndTrim(val)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		if i, err := strconv.Atoi(p); err == nil {
			out = append(out, i)
		}
	}
	return out
}

// splitPairs parses "A=x,B=y" into a map with upper-cased keys.
func splitPairs(val string) map[string]string {
	out := make(map[string]string)
	for _, p := range splitAndTrim(val) {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		k = strings.ToUpper(strings.TrimSpace(k))
		v = strings.ToLower(strings.TrimSpace(v))
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}
