// Package config loads runs-queue settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// History backends.
const (
	HistoryBackendMemory = "memory"
	HistoryBackendValkey = "valkey"
	HistoryBackendBadger = "badger"
)

// Config holds the service configuration.
type Config struct {
	ListenAddr string
	LogLevel   string

	NumberOfRetries      uint
	CheckAgainLater      time.Duration
	ReportAliveInterval  time.Duration
	AliveGracePeriod     time.Duration
	StuckSweepInterval   time.Duration
	StateMetricsInterval time.Duration

	HistoryBackend string
	HistoryTTL     time.Duration
	BadgerPath     string

	ValkeyAddr     string
	ValkeyPassword string
	ValkeyDB       int
	KeyPrefix      string

	EventsEnabled bool
	EventsMaxLen  int64

	WorkersFile string
	Workers     *WorkersFile

	AdminSecret string

	PrometheusEnabled bool
	PrometheusPath    string
	DatadogEnabled    bool
	DatadogAddr       string
	DatadogTags       []string
	MetricsNamespace  string
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        getEnv("RUNS_QUEUE_LISTEN_ADDR", ":8080"),
		LogLevel:          getEnv("RUNS_QUEUE_LOG_LEVEL", "info"),
		HistoryBackend:    strings.ToLower(getEnv("RUNS_QUEUE_HISTORY_BACKEND", HistoryBackendMemory)),
		BadgerPath:        getEnv("RUNS_QUEUE_BADGER_PATH", ""),
		ValkeyAddr:        getEnv("RUNS_QUEUE_VALKEY_ADDR", ""),
		ValkeyPassword:    getEnv("RUNS_QUEUE_VALKEY_PASSWORD", ""),
		KeyPrefix:         getEnv("RUNS_QUEUE_KEY_PREFIX", "runs-queue:"),
		EventsEnabled:     getEnvBool("RUNS_QUEUE_EVENTS_ENABLED", false),
		WorkersFile:       getEnv("RUNS_QUEUE_WORKERS_FILE", ""),
		AdminSecret:       getEnv("RUNS_QUEUE_ADMIN_SECRET", ""),
		PrometheusEnabled: getEnvBool("RUNS_QUEUE_METRICS_PROMETHEUS_ENABLED", true),
		PrometheusPath:    getEnv("RUNS_QUEUE_METRICS_PROMETHEUS_PATH", "/metrics"),
		DatadogEnabled:    getEnvBool("RUNS_QUEUE_METRICS_DATADOG_ENABLED", false),
		DatadogAddr:       getEnv("RUNS_QUEUE_METRICS_DATADOG_ADDR", "127.0.0.1:8125"),
		DatadogTags:       splitAndFilter(getEnv("RUNS_QUEUE_METRICS_DATADOG_TAGS", "")),
		MetricsNamespace:  getEnv("RUNS_QUEUE_METRICS_NAMESPACE", "runs_queue"),
	}

	var errs []error
	intVar := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	seconds := func(key string, def int) time.Duration {
		return time.Duration(intVar(key, def)) * time.Second
	}

	retries := intVar("RUNS_QUEUE_NUMBER_OF_RETRIES", 1)
	if retries < 0 {
		errs = append(errs, fmt.Errorf("RUNS_QUEUE_NUMBER_OF_RETRIES must be non-negative, got %d", retries))
		retries = 0
	}
	cfg.NumberOfRetries = uint(retries)
	cfg.CheckAgainLater = seconds("RUNS_QUEUE_CHECK_AGAIN_SECONDS", 30)
	cfg.ReportAliveInterval = seconds("RUNS_QUEUE_REPORT_ALIVE_SECONDS", 10)
	cfg.AliveGracePeriod = seconds("RUNS_QUEUE_ALIVE_GRACE_SECONDS", 20)
	cfg.StuckSweepInterval = seconds("RUNS_QUEUE_STUCK_SWEEP_SECONDS", 10)
	cfg.StateMetricsInterval = seconds("RUNS_QUEUE_STATE_METRICS_SECONDS", 30)
	cfg.HistoryTTL = time.Duration(intVar("RUNS_QUEUE_HISTORY_TTL_HOURS", 24)) * time.Hour
	cfg.ValkeyDB = intVar("RUNS_QUEUE_VALKEY_DB", 0)
	cfg.EventsMaxLen = int64(intVar("RUNS_QUEUE_EVENTS_MAXLEN", 10000))

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if cfg.WorkersFile != "" {
		workers, err := LoadWorkersFile(cfg.WorkersFile)
		if err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
		cfg.Workers = workers
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.HistoryBackend {
	case HistoryBackendMemory, HistoryBackendBadger:
	case HistoryBackendValkey:
		if c.ValkeyAddr == "" {
			return fmt.Errorf("RUNS_QUEUE_VALKEY_ADDR is required for the valkey history backend")
		}
	default:
		return fmt.Errorf("invalid RUNS_QUEUE_HISTORY_BACKEND %q (must be memory, valkey or badger)", c.HistoryBackend)
	}

	if c.EventsEnabled && c.ValkeyAddr == "" {
		return fmt.Errorf("RUNS_QUEUE_VALKEY_ADDR is required when RUNS_QUEUE_EVENTS_ENABLED is set")
	}
	if c.EventsMaxLen <= 0 {
		return fmt.Errorf("RUNS_QUEUE_EVENTS_MAXLEN must be positive, got %d", c.EventsMaxLen)
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"RUNS_QUEUE_CHECK_AGAIN_SECONDS", c.CheckAgainLater},
		{"RUNS_QUEUE_REPORT_ALIVE_SECONDS", c.ReportAliveInterval},
		{"RUNS_QUEUE_ALIVE_GRACE_SECONDS", c.AliveGracePeriod},
		{"RUNS_QUEUE_STUCK_SWEEP_SECONDS", c.StuckSweepInterval},
		{"RUNS_QUEUE_STATE_METRICS_SECONDS", c.StateMetricsInterval},
		{"RUNS_QUEUE_HISTORY_TTL_HOURS", c.HistoryTTL},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %v", d.name, d.value)
		}
	}

	if c.PrometheusEnabled && !strings.HasPrefix(c.PrometheusPath, "/") {
		return fmt.Errorf("RUNS_QUEUE_METRICS_PROMETHEUS_PATH must start with /, got %q", c.PrometheusPath)
	}
	return nil
}

// MaxSilence is how long a worker may go without reporting before it is
// considered silent.
func (c *Config) MaxSilence() time.Duration {
	return c.ReportAliveInterval + c.AliveGracePeriod
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: must be an integer", key, value)
	}
	return result, nil
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

func splitAndFilter(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
