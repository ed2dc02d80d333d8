package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettings_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("STEPMACHINE_HOME", home)

	cfg, err := loadSettings(filepath.Join(home, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "stepmachine.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 4, cfg.SweepWorkers)
	assert.False(t, cfg.Breaker.Enabled)
	assert.Empty(t, cfg.MCP.SSEAddr)
}

func TestLoadSettings_File(t *testing.T) {
	home := t.TempDir()
	t.Setenv("STEPMACHINE_HOME", home)

	path := filepath.Join(home, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: /var/lib/stepmachine/data.db
log_level: debug
sweep_interval: 5s
breaker:
  enabled: true
  failure_threshold: 3
  cooldown: 1m
mcp:
  sse_addr: ":4100"
jobs:
  - id: nightly
    chain_id: report
    cron: "0 2 * * *"
    input:
      region: eu
`), 0o644))

	cfg, err := loadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/stepmachine/data.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat, "unset keys keep defaults")
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, BreakerSettings{Enabled: true, FailureThreshold: 3, Cooldown: time.Minute}, cfg.Breaker)
	assert.Equal(t, "http://localhost:4100", cfg.MCP.BaseURL)
	require.Len(t, cfg.Jobs, 1)
	assert.Equal(t, "report", cfg.Jobs[0].ChainID)
	assert.Equal(t, map[string]any{"region": "eu"}, cfg.Jobs[0].Input)
}

func TestLoadSettings_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("STEPMACHINE_HOME", home)
	path := filepath.Join(home, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\nsweep_workers: 2\n"), 0o644))

	t.Setenv("STEPMACHINE_DB_PATH", "/tmp/other.db")
	t.Setenv("STEPMACHINE_LOG_LEVEL", "warn")
	t.Setenv("STEPMACHINE_LOG_FORMAT", "json")
	t.Setenv("STEPMACHINE_SWEEP_INTERVAL", "2m")
	t.Setenv("STEPMACHINE_SWEEP_WORKERS", "8")
	t.Setenv("STEPMACHINE_MCP_SSE_ADDR", ":9000")

	cfg, err := loadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/other.db", cfg.DBPath)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 2*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 8, cfg.SweepWorkers)
	assert.Equal(t, ":9000", cfg.MCP.SSEAddr)
	assert.Equal(t, "http://localhost:9000", cfg.MCP.BaseURL)
}

func TestLoadSettings_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		env     map[string]string
		wantErr string
	}{
		{name: "malformed yaml", file: "log_level: [", wantErr: "parse"},
		{name: "bad interval env", env: map[string]string{"STEPMACHINE_SWEEP_INTERVAL": "soon"}, wantErr: "STEPMACHINE_SWEEP_INTERVAL"},
		{name: "bad workers env", env: map[string]string{"STEPMACHINE_SWEEP_WORKERS": "many"}, wantErr: "STEPMACHINE_SWEEP_WORKERS"},
		{name: "zero workers", file: "sweep_workers: 0", wantErr: "sweep_workers must be positive"},
		{name: "negative interval", file: "sweep_interval: -1s", wantErr: "sweep_interval must be positive"},
		{name: "incomplete job", file: "jobs:\n  - id: a\n    chain_id: c\n", wantErr: "jobs[0]"},
		{
			name:    "duplicate job",
			file:    "jobs:\n  - {id: a, chain_id: c, cron: '* * * * *'}\n  - {id: a, chain_id: d, cron: '* * * * *'}\n",
			wantErr: `duplicate id "a"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			t.Setenv("STEPMACHINE_HOME", home)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := filepath.Join(home, "settings.yaml")
			if tt.file != "" {
				require.NoError(t, os.WriteFile(path, []byte(tt.file), 0o644))
			}

			_, err := loadSettings(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWriteSettings_RoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("STEPMACHINE_HOME", home)

	cfg := defaultSettings()
	cfg.Breaker = BreakerSettings{Enabled: true, FailureThreshold: 5, Cooldown: 30 * time.Second}
	cfg.Jobs = []JobSettings{{ID: "hourly", ChainID: "sync", Cron: "0 * * * *"}}

	path := filepath.Join(home, "nested", "settings.yaml")
	require.NoError(t, writeSettings(path, cfg))

	got, err := loadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestStepmachineDir(t *testing.T) {
	t.Setenv("STEPMACHINE_HOME", "/opt/sm")
	assert.Equal(t, "/opt/sm", stepmachineDir())
	assert.Equal(t, "/opt/sm/settings.yaml", settingsPath())
	assert.Equal(t, "/opt/sm/bin", binDir())
}
