package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every runtime knob. Values come from a YAML file named by
// RAMPART_CONFIG (optional), then environment variables override.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// PGDSN enables the Postgres store; empty runs fully in memory.
	PGDSN string `yaml:"pg_dsn"`

	// RedisAddr enables periodic counter snapshots; empty disables them.
	RedisAddr string `yaml:"redis_addr"`

	// GeoIPPath points at a MaxMind country database; empty disables
	// country tagging of attack events.
	GeoIPPath string `yaml:"geoip_path"`

	SweepInterval     time.Duration `yaml:"sweep_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	CoalesceWindow    time.Duration `yaml:"coalesce_window"`

	SubscriberQueueSize int `yaml:"subscriber_queue_size"`

	ThreatFeeds    []string      `yaml:"threat_feeds"`
	ThreatFeedTTL  time.Duration `yaml:"threat_feed_ttl"`
	FeedRefresh    time.Duration `yaml:"feed_refresh"`
	SeedEdgeRanges bool          `yaml:"seed_edge_ranges"`
}

func defaults() Config {
	return Config{
		HTTPAddr:            ":8080",
		MetricsAddr:         ":9090",
		SweepInterval:       30 * time.Second,
		HeartbeatInterval:   10 * time.Second,
		CoalesceWindow:      5 * time.Second,
		SubscriberQueueSize: 256,
		ThreatFeedTTL:       time.Hour,
		FeedRefresh:         15 * time.Minute,
	}
}

// Load builds the configuration. A broken config file is fatal to the
// caller; env parsing falls back to defaults silently.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv("RAMPART_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.HTTPAddr = getenv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.MetricsAddr = getenv("METRICS_ADDR", cfg.MetricsAddr)
	cfg.PGDSN = getenv("PG_DSN", cfg.PGDSN)
	cfg.RedisAddr = getenv("REDIS_ADDR", cfg.RedisAddr)
	cfg.GeoIPPath = getenv("GEOIP_PATH", cfg.GeoIPPath)
	cfg.SweepInterval = getdur("SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.HeartbeatInterval = getdur("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.CoalesceWindow = getdur("COALESCE_WINDOW", cfg.CoalesceWindow)
	cfg.SubscriberQueueSize = getint("SUBSCRIBER_QUEUE_SIZE", cfg.SubscriberQueueSize)
	if v := os.Getenv("THREAT_FEEDS"); v != "" {
		cfg.ThreatFeeds = splitNonEmpty(v)
	}
	cfg.ThreatFeedTTL = getdur("THREAT_FEED_TTL", cfg.ThreatFeedTTL)
	cfg.FeedRefresh = getdur("FEED_REFRESH", cfg.FeedRefresh)
	if v := os.Getenv("SEED_EDGE_RANGES"); v != "" {
		cfg.SeedEdgeRanges = v == "1" || strings.EqualFold(v, "true")
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
