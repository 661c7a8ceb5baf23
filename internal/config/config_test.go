package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.MetricsAddr != ":9090" {
		t.Fatalf("addr defaults: %+v", cfg)
	}
	if cfg.SweepInterval != 30*time.Second || cfg.CoalesceWindow != 5*time.Second {
		t.Fatalf("interval defaults: %+v", cfg)
	}
	if cfg.SubscriberQueueSize != 256 {
		t.Fatalf("queue default: %d", cfg.SubscriberQueueSize)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rampart.yaml")
	body := "http_addr: \":9999\"\nsweep_interval: 5s\nthreat_feeds:\n  - https://feeds.example.com/bad-ips.txt\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RAMPART_CONFIG", path)
	t.Setenv("HTTP_ADDR", ":7777")
	t.Setenv("SUBSCRIBER_QUEUE_SIZE", "32")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":7777" {
		t.Fatalf("env did not override file: %s", cfg.HTTPAddr)
	}
	if cfg.SweepInterval != 5*time.Second {
		t.Fatalf("file value lost: %v", cfg.SweepInterval)
	}
	if len(cfg.ThreatFeeds) != 1 {
		t.Fatalf("feeds: %v", cfg.ThreatFeeds)
	}
	if cfg.SubscriberQueueSize != 32 {
		t.Fatalf("queue size: %d", cfg.SubscriberQueueSize)
	}
}

func TestBrokenConfigFileFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rampart.yaml")
	if err := os.WriteFile(path, []byte(":\nnot yaml"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RAMPART_CONFIG", path)
	if _, err := Load(); err == nil {
		t.Fatal("broken config accepted")
	}
}

func TestThreatFeedsFromEnv(t *testing.T) {
	t.Setenv("THREAT_FEEDS", "https://a.example.com/list.txt, https://b.example.com/list.txt,")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.ThreatFeeds) != 2 {
		t.Fatalf("feeds: %v", cfg.ThreatFeeds)
	}
}
