package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/seinn?sslmode=disable")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Database.MaxOpenConns != 10 || cfg.Database.MaxIdleConns != 5 {
		t.Errorf("pool defaults = %d/%d, want 10/5",
			cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	}
	if cfg.Feed.URL == "" {
		t.Error("feed URL default missing")
	}
	if cfg.Feed.Timeout != 10*time.Second {
		t.Errorf("feed timeout = %v, want 10s", cfg.Feed.Timeout)
	}
	if cfg.Schedule.RefreshInterval != 24*time.Hour {
		t.Errorf("refresh interval = %v, want 24h", cfg.Schedule.RefreshInterval)
	}
	if cfg.Monitor.PollInterval != 15*time.Second {
		t.Errorf("poll interval = %v, want 15s", cfg.Monitor.PollInterval)
	}
	if cfg.Monitor.RunOnce || cfg.Schedule.ForceRefresh {
		t.Error("boolean flags default to false")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/seinn?sslmode=disable")
	t.Setenv("POLL_INTERVAL", "30s")
	t.Setenv("SCHEDULE_REFRESH_INTERVAL", "6h")
	t.Setenv("DB_MAX_OPEN_CONNS", "20")
	t.Setenv("RUN_ONCE", "true")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("METRICS_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Monitor.PollInterval != 30*time.Second {
		t.Errorf("poll interval = %v, want 30s", cfg.Monitor.PollInterval)
	}
	if cfg.Schedule.RefreshInterval != 6*time.Hour {
		t.Errorf("refresh interval = %v, want 6h", cfg.Schedule.RefreshInterval)
	}
	if cfg.Database.MaxOpenConns != 20 {
		t.Errorf("max open conns = %d, want 20", cfg.Database.MaxOpenConns)
	}
	if !cfg.Monitor.RunOnce {
		t.Error("RUN_ONCE=true not applied")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Monitor.MetricsAddr != ":9090" {
		t.Errorf("metrics addr = %q, want :9090", cfg.Monitor.MetricsAddr)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Error("Load() succeeded without DATABASE_URL")
	}
}

func TestLoadRejectsInvalidFeedURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/seinn?sslmode=disable")
	t.Setenv("FEED_URL", "not a url")

	if _, err := Load(); err == nil {
		t.Error("Load() accepted a malformed feed URL")
	}
}

func TestLoadIgnoresMalformedDuration(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/seinn?sslmode=disable")
	t.Setenv("POLL_INTERVAL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Monitor.PollInterval != 15*time.Second {
		t.Errorf("poll interval = %v, want default 15s", cfg.Monitor.PollInterval)
	}
}
