package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents the application configuration sourced from the environment.
type Config struct {
	AppName        string
	HTTPListenAddr string
	MetricsAddr    string

	// Collaboration tuning.
	StaleThreshold        time.Duration
	EvictThreshold        time.Duration
	SessionCleanupDelay   time.Duration
	UserColorPalette      []string
	MaxFrameBytes         int64
	MaxConcurrentSessions int
	MaxPeersPerSession    int
	SendBuffer            int

	// Optional external collaborators. Empty values leave the respective
	// collaborator disabled and the service fully in-memory.
	PostgresURL     string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	ObjectEndpoint  string
	ObjectRegion    string
	ObjectBucket    string
	ObjectAccessKey string
	ObjectSecretKey string
	ObjectUseSSL    bool

	ShutdownTimeout  time.Duration
	HealthcheckProbe time.Duration
	OTLPEndpoint     string
}

// Load reads configuration from the environment while applying sensible
// defaults for local development.
func Load() (Config, error) {
	cfg := Config{
		AppName:        getEnv("APP_NAME", "codex-live"),
		HTTPListenAddr: getEnv("HTTP_LISTEN_ADDR", ":8080"),
		MetricsAddr:    getEnv("METRICS_LISTEN_ADDR", ":9090"),

		StaleThreshold:        getDuration("STALE_THRESHOLD", 30*time.Second),
		EvictThreshold:        getDuration("EVICT_THRESHOLD", 60*time.Second),
		SessionCleanupDelay:   getDuration("SESSION_CLEANUP_DELAY", 0),
		UserColorPalette:      getList("USER_COLOR_PALETTE"),
		MaxFrameBytes:         int64(getInt("MAX_FRAME_BYTES", 1<<20)),
		MaxConcurrentSessions: getInt("MAX_CONCURRENT_SESSIONS", 0),
		MaxPeersPerSession:    getInt("MAX_PEERS_PER_SESSION", 0),
		SendBuffer:            getInt("SEND_BUFFER", 64),

		PostgresURL:     os.Getenv("POSTGRES_URL"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         getInt("REDIS_DB", 0),
		ObjectEndpoint:  os.Getenv("OBJECT_ENDPOINT"),
		ObjectRegion:    getEnv("OBJECT_REGION", "us-east-1"),
		ObjectBucket:    getEnv("OBJECT_BUCKET", "codex-live"),
		ObjectAccessKey: os.Getenv("OBJECT_ACCESS_KEY"),
		ObjectSecretKey: os.Getenv("OBJECT_SECRET_KEY"),
		ObjectUseSSL:    getBool("OBJECT_USE_SSL", false),

		ShutdownTimeout:  getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		HealthcheckProbe: getDuration("HEALTHCHECK_INTERVAL", 30*time.Second),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

func getList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
