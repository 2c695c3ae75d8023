// Package config provides application configuration loaded from environment
// variables with defaults and validation, optionally overlaid by a TOML file.
// It centralizes the sync engine settings: local database, server endpoints,
// retry and scheduling policy, realtime tuning, the ops API and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// RetryConfig is the per-item retry policy of the outbound queue. The
// realtime channel reuses it for reconnect attempts.
type RetryConfig struct {
	MaxAttempts int // failures before dead-lettering
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	Jitter      float64 // ±fraction, [0,1)
}

// RealtimeConfig tunes the realtime channel.
type RealtimeConfig struct {
	URL               string
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	StableAfter       time.Duration // connected this long resets reconnect backoff
	TypingTTL         time.Duration
	TypingRPS         float64
}

// OpsConfig controls the local diagnostic HTTP API.
type OpsConfig struct {
	Addr           string // empty disables the API
	AllowedOrigins []string
	GinMode        string // debug|release|test
}

// Config holds all configuration values for the application.
type Config struct {
	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // console writer instead of JSON

	// Identity
	UserID    string // required to join the personal room
	AuthToken string // static bearer token (optional)

	// Local store
	DBPath string

	// Server
	APIBaseURL    string
	SubmitTimeout time.Duration

	// Sync scheduling
	SyncInterval  time.Duration
	ProbeInterval time.Duration // 0 disables the HTTP reachability probe
	DedupCacheTTL time.Duration

	Retry    RetryConfig
	Realtime RealtimeConfig
	Ops      OpsConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := fromEnv()
	normalize(&cfg)
	return cfg, cfg.Validate()
}

func fromEnv() Config {
	return Config{
		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// Identity
		UserID:    getenv("GATESYNC_USER_ID", ""),
		AuthToken: getenv("GATESYNC_AUTH_TOKEN", ""),

		// Local store
		DBPath: getenv("GATESYNC_DB_PATH", "gatesync.db"),

		// Server
		APIBaseURL:    strings.TrimRight(getenv("GATESYNC_API_BASE_URL", "http://localhost:3000"), "/"),
		SubmitTimeout: getdur("SUBMIT_TIMEOUT", 30*time.Second),

		// Sync scheduling
		SyncInterval:  getdur("SYNC_INTERVAL", 30*time.Second),
		ProbeInterval: getdur("PROBE_INTERVAL", 0),
		DedupCacheTTL: getdur("DEDUP_CACHE_TTL", 10*time.Minute),

		Retry: RetryConfig{
			MaxAttempts: getint("RETRY_MAX_ATTEMPTS", 3),
			Base:        getdur("RETRY_BASE", time.Second),
			Factor:      getfloat("RETRY_FACTOR", 2),
			Max:         getdur("RETRY_MAX", 60*time.Second),
			Jitter:      getfloat("RETRY_JITTER", 0.2),
		},

		Realtime: RealtimeConfig{
			URL:               getenv("GATESYNC_REALTIME_URL", "ws://localhost:3001/realtime"),
			ConnectTimeout:    getdur("CONNECT_TIMEOUT", 30*time.Second),
			HeartbeatInterval: getdur("HEARTBEAT_INTERVAL", 25*time.Second),
			StableAfter:       getdur("REALTIME_STABLE_AFTER", 60*time.Second),
			TypingTTL:         getdur("TYPING_TTL", 3*time.Second),
			TypingRPS:         getfloat("TYPING_RPS", 1),
		},

		Ops: OpsConfig{
			Addr:           getenv("OPS_ADDR", "127.0.0.1:8090"),
			AllowedOrigins: splitCSV(getenv("OPS_ALLOWED_ORIGINS", "")),
			GinMode:        strings.ToLower(getenv("GIN_MODE", "release")),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-gate-sync"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	switch cfg.Ops.GinMode {
	case "debug", "release", "test":
	default:
		cfg.Ops.GinMode = "release"
	}
}

// Validate reports the first invalid setting.
func (cfg Config) Validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return errors.New("GATESYNC_DB_PATH must not be empty")
	}
	if !strings.HasPrefix(cfg.APIBaseURL, "http://") && !strings.HasPrefix(cfg.APIBaseURL, "https://") {
		return errors.New("GATESYNC_API_BASE_URL must be an http(s) URL")
	}
	if !strings.HasPrefix(cfg.Realtime.URL, "ws://") && !strings.HasPrefix(cfg.Realtime.URL, "wss://") {
		return errors.New("GATESYNC_REALTIME_URL must be a ws(s) URL")
	}
	if cfg.SubmitTimeout <= 0 || cfg.SyncInterval <= 0 || cfg.DedupCacheTTL <= 0 {
		return errors.New("SUBMIT_TIMEOUT, SYNC_INTERVAL and DEDUP_CACHE_TTL must be positive durations")
	}
	if cfg.ProbeInterval < 0 {
		return errors.New("PROBE_INTERVAL must be >= 0")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return errors.New("RETRY_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Retry.Base <= 0 || cfg.Retry.Max < cfg.Retry.Base {
		return errors.New("RETRY_BASE must be > 0 and RETRY_MAX must be >= RETRY_BASE")
	}
	if cfg.Retry.Factor < 1 {
		return errors.New("RETRY_FACTOR must be >= 1")
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter >= 1 {
		return errors.New("RETRY_JITTER must be in [0,1)")
	}
	if cfg.Realtime.ConnectTimeout <= 0 || cfg.Realtime.HeartbeatInterval <= 0 || cfg.Realtime.TypingTTL <= 0 {
		return errors.New("CONNECT_TIMEOUT, HEARTBEAT_INTERVAL and TYPING_TTL must be positive durations")
	}
	if cfg.Realtime.TypingRPS <= 0 {
		return errors.New("TYPING_RPS must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
