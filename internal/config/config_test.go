package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/metorial/telemetry-hub/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWithEnvKeys(t *testing.T) {
	t.Setenv("COLLECTOR_API_KEYS", "alpha, beta,,gamma")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", "beta", "gamma"}, cfg.Auth.APIKeys)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, ":9090", cfg.Server.GRPCAddr)
	assert.Equal(t, 5*time.Second, cfg.History.MinInterval)
	assert.Equal(t, 720, cfg.History.Capacity)
	assert.Equal(t, 30*time.Second, cfg.Session.ProbeInterval)
	assert.Equal(t, 3, cfg.Session.LivenessMultiplier)
	assert.Len(t, cfg.Alerts.Rules, 3)
	assert.False(t, cfg.Journal.Enabled())
	assert.Equal(t, 7*24*time.Hour, cfg.Journal.Retention)
	assert.Equal(t, "telemetry-collector", cfg.Consul.ServiceName)
}

func TestLoadRequiresKeys(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_keys")
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":18080"
  grpc_addr: ""
auth:
  api_keys: [one, two]
history:
  min_interval: 2s
  capacity: 100
session:
  probe_interval: 10s
alerts:
  rules:
    - kind: disk
      low: 60
      medium: 70
      high: 80
journal:
  path: /tmp/journal.db
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":18080", cfg.Server.HTTPAddr)
	assert.Equal(t, "", cfg.Server.GRPCAddr)
	assert.Equal(t, []string{"one", "two"}, cfg.Auth.APIKeys)
	assert.Equal(t, 2*time.Second, cfg.History.MinInterval)
	assert.Equal(t, 100, cfg.History.Capacity)
	assert.Equal(t, 10*time.Second, cfg.Session.ProbeInterval)
	assert.True(t, cfg.Journal.Enabled())
	assert.Equal(t, "json", cfg.Log.Format)

	var disk models.AlertRule
	for _, r := range cfg.Alerts.Rules {
		if r.Kind == models.MetricDisk {
			disk = r
		}
	}
	assert.Equal(t, 60.0, disk.Low)
	assert.Len(t, cfg.Alerts.Rules, 3)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
auth:
  api_keys: [one]
history:
  capacity: 100
`)
	t.Setenv("COLLECTOR_HISTORY_CAPACITY", "50")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.History.Capacity)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero capacity", "auth:\n  api_keys: [k]\nhistory:\n  capacity: 0\n"},
		{"unordered rule", "auth:\n  api_keys: [k]\nalerts:\n  rules:\n    - {kind: cpu, low: 90, medium: 80, high: 95}\n"},
		{"no listeners", "auth:\n  api_keys: [k]\nserver:\n  http_addr: \"\"\n  grpc_addr: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestSessionOptions(t *testing.T) {
	t.Setenv("COLLECTOR_API_KEYS", "k")
	cfg, err := Load("")
	require.NoError(t, err)

	opts := cfg.SessionOptions()
	assert.Equal(t, []string{"k"}, opts.APIKeys)
	assert.Equal(t, cfg.Session.ProbeInterval, opts.ProbeInterval)
}
