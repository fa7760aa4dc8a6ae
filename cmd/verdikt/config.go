package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all verdikt server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	PoolSize        int    `json:"pool_size"`
	MetricsAddr     string `json:"metrics_addr"`
	StepTimeoutSec  int    `json:"step_timeout_sec"`
	ReviewDeadline  string `json:"review_deadline"`
	MaxEscalations  int    `json:"max_escalations"`
	MetricsLookback string `json:"metrics_lookback"`
}

func defaultConfig() Config {
	return Config{
		DBPath:          filepath.Join(verdiktDir(), "verdikt.db"),
		LogLevel:        "info",
		PoolSize:        10,
		MetricsAddr:     ":4200",
		StepTimeoutSec:  30,
		ReviewDeadline:  "24h",
		MaxEscalations:  3,
		MetricsLookback: "1h",
	}
}

func verdiktDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".verdikt"
	}
	return filepath.Join(home, ".verdikt")
}

func settingsPath() string {
	return filepath.Join(verdiktDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("VERDIKT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("VERDIKT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VERDIKT_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("VERDIKT_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("VERDIKT_STEP_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StepTimeoutSec = n
		}
	}
	if v := os.Getenv("VERDIKT_REVIEW_DEADLINE"); v != "" {
		cfg.ReviewDeadline = v
	}
	if v := os.Getenv("VERDIKT_MAX_ESCALATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxEscalations = n
		}
	}
	if v := os.Getenv("VERDIKT_METRICS_LOOKBACK"); v != "" {
		cfg.MetricsLookback = v
	}

	return cfg
}

// duration parses a config duration string, falling back on parse errors.
func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
