package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all loom configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath       string `json:"db_path"`
	LogLevel     string `json:"log_level"`
	GraphID      string `json:"graph_id"`
	Concurrency  int    `json:"concurrency"`
	HistoryLimit int    `json:"history_limit"`

	// Offline forces the deterministic runner for every node kind; no
	// provider calls are made.
	Offline bool `json:"offline"`

	ProviderEndpoint string `json:"provider_endpoint"`
	ProviderAPIKey   string `json:"provider_api_key"`
	ProviderExtract  string `json:"provider_extract"`
}

func defaultConfig() Config {
	return Config{
		DBPath:   filepath.Join(loomDir(), "loom.db"),
		LogLevel: "info",
	}
}

func loomDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

func settingsPath() string {
	return filepath.Join(loomDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("LOOM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOOM_GRAPH_ID"); v != "" {
		cfg.GraphID = v
	}
	if v := os.Getenv("LOOM_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("LOOM_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HistoryLimit = n
		}
	}
	if v := os.Getenv("LOOM_OFFLINE"); v != "" {
		cfg.Offline = v == "true" || v == "1"
	}
	if v := os.Getenv("LOOM_PROVIDER_ENDPOINT"); v != "" {
		cfg.ProviderEndpoint = v
	}
	if v := os.Getenv("LOOM_PROVIDER_API_KEY"); v != "" {
		cfg.ProviderAPIKey = v
	}
	if v := os.Getenv("LOOM_PROVIDER_EXTRACT"); v != "" {
		cfg.ProviderExtract = v
	}

	return cfg
}
