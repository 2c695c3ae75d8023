package config

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// fileConfig mirrors the TOML layout. Every field is optional; absent keys
// leave the environment-derived value untouched. Durations are Go duration
// strings ("30s", "1m").
//
//	db_path = "/var/lib/gatesync/gatesync.db"
//	api_base_url = "https://api.example.com"
//
//	[sync]
//	interval = "30s"
//
//	[retry]
//	max_attempts = 3
//	base = "1s"
type fileConfig struct {
	LogLevel   *string `toml:"log_level"`
	LogPretty  *bool   `toml:"log_pretty"`
	UserID     *string `toml:"user_id"`
	AuthToken  *string `toml:"auth_token"`
	DBPath     *string `toml:"db_path"`
	APIBaseURL *string `toml:"api_base_url"`

	Sync struct {
		Interval      *string `toml:"interval"`
		SubmitTimeout *string `toml:"submit_timeout"`
		ProbeInterval *string `toml:"probe_interval"`
		DedupCacheTTL *string `toml:"dedup_cache_ttl"`
	} `toml:"sync"`

	Retry struct {
		MaxAttempts *int     `toml:"max_attempts"`
		Base        *string  `toml:"base"`
		Factor      *float64 `toml:"factor"`
		Max         *string  `toml:"max"`
		Jitter      *float64 `toml:"jitter"`
	} `toml:"retry"`

	Realtime struct {
		URL               *string  `toml:"url"`
		ConnectTimeout    *string  `toml:"connect_timeout"`
		HeartbeatInterval *string  `toml:"heartbeat_interval"`
		StableAfter       *string  `toml:"stable_after"`
		TypingTTL         *string  `toml:"typing_ttl"`
		TypingRPS         *float64 `toml:"typing_rps"`
	} `toml:"realtime"`

	Ops struct {
		Addr           *string  `toml:"addr"`
		AllowedOrigins []string `toml:"allowed_origins"`
		GinMode        *string  `toml:"gin_mode"`
	} `toml:"ops"`

	OTEL struct {
		Enabled     *bool    `toml:"enabled"`
		Endpoint    *string  `toml:"endpoint"`
		Insecure    *bool    `toml:"insecure"`
		ServiceName *string  `toml:"service_name"`
		SampleRatio *float64 `toml:"sample_ratio"`
	} `toml:"otel"`
}

// LoadFile decodes the TOML file at path over base. Keys absent from the file
// keep their base value. The result is normalized and validated.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return base, fmt.Errorf("parse config file %s: %w", path, err)
	}
	cfg := base
	if err := fc.apply(&cfg); err != nil {
		return base, fmt.Errorf("config file %s: %w", path, err)
	}
	normalize(&cfg)
	return cfg, cfg.Validate()
}

func (fc *fileConfig) apply(cfg *Config) error {
	setStr(&cfg.LogLevel, fc.LogLevel)
	setBool(&cfg.LogPretty, fc.LogPretty)
	setStr(&cfg.UserID, fc.UserID)
	setStr(&cfg.AuthToken, fc.AuthToken)
	setStr(&cfg.DBPath, fc.DBPath)
	setStr(&cfg.APIBaseURL, fc.APIBaseURL)

	durs := []struct {
		dst *time.Duration
		src *string
		key string
	}{
		{&cfg.SyncInterval, fc.Sync.Interval, "sync.interval"},
		{&cfg.SubmitTimeout, fc.Sync.SubmitTimeout, "sync.submit_timeout"},
		{&cfg.ProbeInterval, fc.Sync.ProbeInterval, "sync.probe_interval"},
		{&cfg.DedupCacheTTL, fc.Sync.DedupCacheTTL, "sync.dedup_cache_ttl"},
		{&cfg.Retry.Base, fc.Retry.Base, "retry.base"},
		{&cfg.Retry.Max, fc.Retry.Max, "retry.max"},
		{&cfg.Realtime.ConnectTimeout, fc.Realtime.ConnectTimeout, "realtime.connect_timeout"},
		{&cfg.Realtime.HeartbeatInterval, fc.Realtime.HeartbeatInterval, "realtime.heartbeat_interval"},
		{&cfg.Realtime.StableAfter, fc.Realtime.StableAfter, "realtime.stable_after"},
		{&cfg.Realtime.TypingTTL, fc.Realtime.TypingTTL, "realtime.typing_ttl"},
	}
	for _, d := range durs {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}

	if fc.Retry.MaxAttempts != nil {
		cfg.Retry.MaxAttempts = *fc.Retry.MaxAttempts
	}
	setFloat(&cfg.Retry.Factor, fc.Retry.Factor)
	setFloat(&cfg.Retry.Jitter, fc.Retry.Jitter)

	setStr(&cfg.Realtime.URL, fc.Realtime.URL)
	setFloat(&cfg.Realtime.TypingRPS, fc.Realtime.TypingRPS)

	setStr(&cfg.Ops.Addr, fc.Ops.Addr)
	if fc.Ops.AllowedOrigins != nil {
		cfg.Ops.AllowedOrigins = fc.Ops.AllowedOrigins
	}
	setStr(&cfg.Ops.GinMode, fc.Ops.GinMode)

	setBool(&cfg.OTEL.Enabled, fc.OTEL.Enabled)
	setStr(&cfg.OTEL.Endpoint, fc.OTEL.Endpoint)
	setBool(&cfg.OTEL.Insecure, fc.OTEL.Insecure)
	setStr(&cfg.OTEL.ServiceName, fc.OTEL.ServiceName)
	setFloat(&cfg.OTEL.SampleRatio, fc.OTEL.SampleRatio)
	return nil
}

func setStr(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}
