package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8420, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.NATS.URL, "empty URL selects the in-memory bus")

	assert.Equal(t, 2000, cfg.Monitor.PollIntervalMs)
	assert.Equal(t, 300, cfg.Monitor.StuckThreshold)
	assert.Equal(t, 200, cfg.Monitor.CaptureLines)
	assert.True(t, cfg.Monitor.AutoDetect)

	assert.Equal(t, 5, cfg.Commands.Concurrency)
	assert.Equal(t, 3, cfg.Commands.MaxAttempts)
	assert.Equal(t, 2000, cfg.Commands.BackoffBaseMs)

	assert.Equal(t, "rateLimit", cfg.Alerts.Policy)
	assert.Equal(t, 300, cfg.Alerts.RateLimitWindow)
	assert.Equal(t, "system", cfg.Alerts.DeliveryMode)

	assert.Equal(t, 30, cfg.TaskSpec.TTL)
	assert.Contains(t, cfg.TaskSpec.Filenames, "TASKS.md")
	assert.Equal(t, 100, cfg.Events.RetainCompleted)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := `
server:
  port: 9999
monitor:
  pollIntervalMs: 500
  sessions:
    - alpha
    - beta
alerts:
  policy: batch
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 500, cfg.Monitor.PollIntervalMs)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.Monitor.Sessions)
	assert.Equal(t, "batch", cfg.Alerts.Policy)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5, cfg.Commands.Concurrency)
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad port",
			content: "server:\n  port: 0\n",
			wantErr: "server.port",
		},
		{
			name:    "bad log level",
			content: "logging:\n  level: verbose\n",
			wantErr: "logging.level",
		},
		{
			name:    "bad alert policy",
			content: "alerts:\n  policy: sometimes\n",
			wantErr: "alerts.policy",
		},
		{
			name:    "bad delivery mode",
			content: "alerts:\n  deliveryMode: carrier-pigeon\n",
			wantErr: "alerts.deliveryMode",
		},
		{
			name:    "bad poll interval",
			content: "monitor:\n  pollIntervalMs: -1\n",
			wantErr: "monitor.pollIntervalMs",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(tt.content), 0o644))

			_, err := LoadWithPath(dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	m := MonitorConfig{PollIntervalMs: 2000, StuckCheckInterval: 30, StuckThreshold: 300, CaptureTimeout: 5}
	assert.Equal(t, 2*time.Second, m.PollInterval())
	assert.Equal(t, 30*time.Second, m.StuckCheckIntervalDuration())
	assert.Equal(t, 5*time.Minute, m.StuckThresholdDuration())
	assert.Equal(t, 5*time.Second, m.CaptureTimeoutDuration())

	c := CommandsConfig{BackoffBaseMs: 2000}
	assert.Equal(t, 2*time.Second, c.BackoffBase())

	a := AlertsConfig{RateLimitWindow: 300, BatchWindow: 30, BackoffBase: 60, BackoffCap: 3600}
	assert.Equal(t, 5*time.Minute, a.RateLimitWindowDuration())
	assert.Equal(t, 30*time.Second, a.BatchWindowDuration())
	assert.Equal(t, time.Minute, a.BackoffBaseDuration())
	assert.Equal(t, time.Hour, a.BackoffCapDuration())
}

func TestStore_CurrentAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("monitor:\n  pollIntervalMs: 500\n"), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	store := NewStore(dir, cfg)
	assert.Equal(t, 500, store.Current().Monitor.PollIntervalMs)

	// Change the reloadable and a restart-only value.
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9999\nmonitor:\n  pollIntervalMs: 750\n"), 0o644))

	fresh, err := store.Reload()
	require.NoError(t, err)
	assert.Equal(t, 750, fresh.Monitor.PollIntervalMs)
	assert.Equal(t, 750, store.Current().Monitor.PollIntervalMs)

	// Server, storage, and NATS sections require a restart.
	assert.Equal(t, 8420, store.Current().Server.Port)
}

func TestStore_ReloadKeepsOldConfigOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("monitor:\n  pollIntervalMs: 500\n"), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	store := NewStore(dir, cfg)

	require.NoError(t, os.WriteFile(path, []byte("monitor:\n  pollIntervalMs: -5\n"), 0o644))

	_, err = store.Reload()
	require.Error(t, err)
	assert.Equal(t, 500, store.Current().Monitor.PollIntervalMs, "failed reload leaves the active config untouched")
}
