package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Database DatabaseConfig
	Feed     FeedConfig
	Schedule ScheduleConfig
	Monitor  MonitorConfig
	Logging  LoggingConfig
}

type DatabaseConfig struct {
	URL          string `validate:"required"`
	MaxOpenConns int    `validate:"gt=0"`
	MaxIdleConns int    `validate:"gte=0"`
}

// FeedConfig for the vehicle position feed
type FeedConfig struct {
	URL     string        `validate:"required,url"`
	Timeout time.Duration `validate:"gt=0"`
}

// ScheduleConfig for the published schedule archive
type ScheduleConfig struct {
	URL             string        `validate:"required,url"`
	Timeout         time.Duration `validate:"gt=0"`
	RefreshInterval time.Duration `validate:"gt=0"`
	ForceRefresh    bool
}

type MonitorConfig struct {
	PollInterval time.Duration `validate:"gt=0"`
	RunOnce      bool
	MetricsAddr  string
	AlertWebhook string `validate:"omitempty,url"`
}

type LoggingConfig struct {
	Level    string
	FilePath string
}

func Load() (*Config, error) {
	cfg := &Config{
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: getIntEnv("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns: getIntEnv("DB_MAX_IDLE_CONNS", 5),
		},
		Feed: FeedConfig{
			URL:     getEnv("FEED_URL", "https://opendata.straeto.is/bus/x8061285850508698/status.xml"),
			Timeout: getDurationEnv("FEED_TIMEOUT", 10*time.Second),
		},
		Schedule: ScheduleConfig{
			URL:             getEnv("SCHEDULE_URL", "https://opendata.straeto.is/data/gtfs/gtfs.zip"),
			Timeout:         getDurationEnv("SCHEDULE_TIMEOUT", 30*time.Second),
			RefreshInterval: getDurationEnv("SCHEDULE_REFRESH_INTERVAL", 24*time.Hour),
			ForceRefresh:    getBoolEnv("FORCE_SCHEDULE_REFRESH", false),
		},
		Monitor: MonitorConfig{
			PollInterval: getDurationEnv("POLL_INTERVAL", 15*time.Second),
			RunOnce:      getBoolEnv("RUN_ONCE", false),
			MetricsAddr:  getEnv("METRICS_ADDR", ""),
			AlertWebhook: getEnv("ALERT_WEBHOOK_URL", ""),
		},
		Logging: LoggingConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			FilePath: getEnv("LOG_FILE", "seinn.log"),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
