package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	originalEnv := os.Environ()
	t.Cleanup(func() {
		os.Clearenv()
		for _, e := range originalEnv {
			pair := splitEnv(e)
			_ = os.Setenv(pair[0], pair[1])
		}
	})

	workersPath := filepath.Join(t.TempDir(), "workers.yaml")
	if err := os.WriteFile(workersPath, []byte("workers:\n  - id: worker-1\n  - id: worker-2\n    disabled: true\n"), 0o600); err != nil {
		t.Fatalf("write workers file: %v", err)
	}

	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "Defaults",
			env:  map[string]string{},
			check: func(t *testing.T, cfg *Config) {
				if cfg.ListenAddr != ":8080" {
					t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
				}
				if cfg.NumberOfRetries != 1 {
					t.Errorf("NumberOfRetries = %d, want 1", cfg.NumberOfRetries)
				}
				if cfg.CheckAgainLater != 30*time.Second {
					t.Errorf("CheckAgainLater = %v, want 30s", cfg.CheckAgainLater)
				}
				if cfg.MaxSilence() != 30*time.Second {
					t.Errorf("MaxSilence() = %v, want 30s", cfg.MaxSilence())
				}
				if cfg.HistoryBackend != HistoryBackendMemory {
					t.Errorf("HistoryBackend = %q, want memory", cfg.HistoryBackend)
				}
				if cfg.KeyPrefix != "runs-queue:" {
					t.Errorf("KeyPrefix = %q, want runs-queue:", cfg.KeyPrefix)
				}
				if !cfg.PrometheusEnabled || cfg.PrometheusPath != "/metrics" {
					t.Errorf("Prometheus = %v %q, want enabled at /metrics", cfg.PrometheusEnabled, cfg.PrometheusPath)
				}
				if cfg.DatadogEnabled {
					t.Error("DatadogEnabled = true, want false")
				}
				if cfg.EventsMaxLen != 10000 {
					t.Errorf("EventsMaxLen = %d, want 10000", cfg.EventsMaxLen)
				}
				if cfg.Workers != nil {
					t.Errorf("Workers = %+v, want nil without a workers file", cfg.Workers)
				}
			},
		},
		{
			name: "Valkey Backend With Events",
			env: map[string]string{
				"RUNS_QUEUE_HISTORY_BACKEND":            "Valkey",
				"RUNS_QUEUE_VALKEY_ADDR":                "valkey:6379",
				"RUNS_QUEUE_VALKEY_DB":                  "2",
				"RUNS_QUEUE_EVENTS_ENABLED":             "true",
				"RUNS_QUEUE_NUMBER_OF_RETRIES":          "3",
				"RUNS_QUEUE_REPORT_ALIVE_SECONDS":       "5",
				"RUNS_QUEUE_ALIVE_GRACE_SECONDS":        "10",
				"RUNS_QUEUE_METRICS_DATADOG_ENABLED":    "1",
				"RUNS_QUEUE_METRICS_DATADOG_TAGS":       "env:prod, team:mobile",
				"RUNS_QUEUE_METRICS_PROMETHEUS_PATH":    "/internal/metrics",
				"RUNS_QUEUE_METRICS_PROMETHEUS_ENABLED": "true",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.HistoryBackend != HistoryBackendValkey {
					t.Errorf("HistoryBackend = %q, want valkey", cfg.HistoryBackend)
				}
				if cfg.ValkeyDB != 2 {
					t.Errorf("ValkeyDB = %d, want 2", cfg.ValkeyDB)
				}
				if cfg.NumberOfRetries != 3 {
					t.Errorf("NumberOfRetries = %d, want 3", cfg.NumberOfRetries)
				}
				if cfg.MaxSilence() != 15*time.Second {
					t.Errorf("MaxSilence() = %v, want 15s", cfg.MaxSilence())
				}
				if len(cfg.DatadogTags) != 2 || cfg.DatadogTags[1] != "team:mobile" {
					t.Errorf("DatadogTags = %v", cfg.DatadogTags)
				}
			},
		},
		{
			name: "Workers File",
			env:  map[string]string{"RUNS_QUEUE_WORKERS_FILE": workersPath},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Workers == nil || len(cfg.Workers.Workers) != 2 {
					t.Fatalf("Workers = %+v, want 2 workers", cfg.Workers)
				}
			},
		},
		{
			name:    "Missing Workers File",
			env:     map[string]string{"RUNS_QUEUE_WORKERS_FILE": filepath.Join(t.TempDir(), "absent.yaml")},
			wantErr: "workers file",
		},
		{
			name:    "Valkey Backend Without Address",
			env:     map[string]string{"RUNS_QUEUE_HISTORY_BACKEND": "valkey"},
			wantErr: "RUNS_QUEUE_VALKEY_ADDR",
		},
		{
			name:    "Events Without Valkey",
			env:     map[string]string{"RUNS_QUEUE_EVENTS_ENABLED": "true"},
			wantErr: "RUNS_QUEUE_EVENTS_ENABLED",
		},
		{
			name:    "Unknown Backend",
			env:     map[string]string{"RUNS_QUEUE_HISTORY_BACKEND": "postgres"},
			wantErr: "RUNS_QUEUE_HISTORY_BACKEND",
		},
		{
			name:    "Negative Retries",
			env:     map[string]string{"RUNS_QUEUE_NUMBER_OF_RETRIES": "-1"},
			wantErr: "non-negative",
		},
		{
			name:    "Malformed Integer",
			env:     map[string]string{"RUNS_QUEUE_CHECK_AGAIN_SECONDS": "soon"},
			wantErr: "RUNS_QUEUE_CHECK_AGAIN_SECONDS",
		},
		{
			name:    "Zero Sweep Interval",
			env:     map[string]string{"RUNS_QUEUE_STUCK_SWEEP_SECONDS": "0"},
			wantErr: "RUNS_QUEUE_STUCK_SWEEP_SECONDS",
		},
		{
			name:    "Relative Prometheus Path",
			env:     map[string]string{"RUNS_QUEUE_METRICS_PROMETHEUS_PATH": "metrics"},
			wantErr: "RUNS_QUEUE_METRICS_PROMETHEUS_PATH",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.env {
				_ = os.Setenv(k, v)
			}

			cfg, err := Load()
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Load() error = nil, want error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("Load() error = %v, want it to contain %q", err, tt.wantErr)
				}
				if !strings.HasPrefix(err.Error(), "config validation failed") {
					t.Errorf("Load() error = %v, want config validation prefix", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() unexpected error: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "123")
	t.Setenv("TEST_BAD_INT", "abc")

	val, err := getEnvInt("TEST_INT", 0)
	if err != nil {
		t.Errorf("getEnvInt(TEST_INT) unexpected error: %v", err)
	}
	if val != 123 {
		t.Errorf("getEnvInt(TEST_INT) = %d, want 123", val)
	}

	val, err = getEnvInt("TEST_BAD_INT", 456)
	if err == nil {
		t.Errorf("getEnvInt(TEST_BAD_INT) expected error for invalid integer, got nil")
	}
	if val != 0 {
		t.Errorf("getEnvInt(TEST_BAD_INT) = %d, want 0 on error", val)
	}

	val, err = getEnvInt("TEST_MISSING", 789)
	if err != nil {
		t.Errorf("getEnvInt(TEST_MISSING) unexpected error: %v", err)
	}
	if val != 789 {
		t.Errorf("getEnvInt(TEST_MISSING) = %d, want 789", val)
	}
}

// Helper to split env string "KEY=VALUE"
func splitEnv(s string) []string {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return []string{s[:i], s[i+1:]}
		}
	}
	return []string{s, ""}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		envKey       string
		envValue     string
		defaultValue bool
		want         bool
	}{
		{"empty returns default true", "TEST_BOOL_EMPTY", "", true, true},
		{"empty returns default false", "TEST_BOOL_EMPTY2", "", false, false},
		{"true string", "TEST_BOOL_TRUE", "true", false, true},
		{"false string", "TEST_BOOL_FALSE", "false", true, false},
		{"1 is true", "TEST_BOOL_ONE", "1", false, true},
		{"0 is false", "TEST_BOOL_ZERO", "0", true, false},
		{"TRUE uppercase", "TEST_BOOL_UPPER", "TRUE", false, true},
		{"invalid returns default", "TEST_BOOL_INVALID", "invalid", true, true},
		{"yes is invalid", "TEST_BOOL_YES", "yes", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.envKey, tt.envValue)
			}
			if got := getEnvBool(tt.envKey, tt.defaultValue); got != tt.want {
				t.Errorf("getEnvBool(%q, %v) = %v, want %v", tt.envKey, tt.defaultValue, got, tt.want)
			}
		})
	}
}

func TestSplitAndFilter(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"", []string{}},
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , b , c ", []string{"a", "b", "c"}},
		{"single", []string{"single"}},
		{"a,,b", []string{"a", "b"}},
		{" , , ", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := splitAndFilter(tt.input)
			if len(got) != len(tt.want) {
				t.Errorf("splitAndFilter(%q) length = %v, want %v", tt.input, len(got), len(tt.want))
				return
			}
			for i, w := range tt.want {
				if got[i] != w {
					t.Errorf("splitAndFilter(%q)[%d] = %q, want %q", tt.input, i, got[i], w)
				}
			}
		})
	}
}
