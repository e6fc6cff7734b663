package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all plangraph configuration.
// Priority: env vars > settings.yaml > defaults.
type Config struct {
	PlannerURL     string        `yaml:"planner_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PrefsDB        string        `yaml:"prefs_db"`
	LogLevel       string        `yaml:"log_level"`
	LogJSON        bool          `yaml:"log_json"`
	PollSchedule   string        `yaml:"poll_schedule"`
	Namespace      string        `yaml:"namespace"`
	LockKey        string        `yaml:"lock_key"`
	Metrics        bool          `yaml:"metrics"`
}

func defaultConfig() Config {
	return Config{
		PlannerURL:     "http://localhost:8000",
		RequestTimeout: 30 * time.Second,
		PrefsDB:        filepath.Join(plangraphDir(), "prefs.db"),
		LogLevel:       "info",
		PollSchedule:   "@every 2s",
		Namespace:      "default",
		LockKey:        "l",
	}
}

func plangraphDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".plangraph"
	}
	return filepath.Join(home, ".plangraph")
}

func settingsPath() string {
	return filepath.Join(plangraphDir(), "settings.yaml")
}

// loadConfig layers the settings file at path (ignored if missing) and the
// environment read through getenv over the defaults.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if v := getenv("PLANGRAPH_PLANNER_URL"); v != "" {
		cfg.PlannerURL = v
	}
	if v := getenv("PLANGRAPH_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("PLANGRAPH_REQUEST_TIMEOUT: %w", err)
		}
		cfg.RequestTimeout = d
	}
	if v, ok := lookup(getenv, "PLANGRAPH_PREFS_DB"); ok {
		cfg.PrefsDB = v
	}
	if v := getenv("PLANGRAPH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("PLANGRAPH_LOG_JSON"); v != "" {
		cfg.LogJSON = parseBool(v)
	}
	if v := getenv("PLANGRAPH_POLL_SCHEDULE"); v != "" {
		cfg.PollSchedule = v
	}
	if v := getenv("PLANGRAPH_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if v := getenv("PLANGRAPH_LOCK_KEY"); v != "" {
		cfg.LockKey = v
	}
	if v := getenv("PLANGRAPH_METRICS"); v != "" {
		cfg.Metrics = parseBool(v)
	}
	return cfg, nil
}

// lookup treats "-" as an explicit empty value.
func lookup(getenv func(string) string, key string) (string, bool) {
	v := getenv(key)
	switch v {
	case "":
		return "", false
	case "-":
		return "", true
	}
	return v, true
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
