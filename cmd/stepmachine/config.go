package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/stepmachine/internal/orchestrator"
	"github.com/rendis/stepmachine/internal/scheduler"
)

// Settings holds all stepmachine CLI configuration.
// Priority: env vars > settings.yaml > defaults.
type Settings struct {
	DBPath        string          `yaml:"db_path"`
	LogLevel      string          `yaml:"log_level"`
	LogFormat     string          `yaml:"log_format"`
	SweepInterval time.Duration   `yaml:"sweep_interval"`
	SweepWorkers  int             `yaml:"sweep_workers"`
	Breaker       BreakerSettings `yaml:"breaker"`
	MCP           MCPSettings     `yaml:"mcp"`
	Jobs          []JobSettings   `yaml:"jobs,omitempty"`
}

// BreakerSettings enables per-procedure circuit breakers.
type BreakerSettings struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold,omitempty"`
	Cooldown         time.Duration `yaml:"cooldown,omitempty"`
}

// MCPSettings selects the MCP transport. An empty SSEAddr serves stdio.
type MCPSettings struct {
	SSEAddr string `yaml:"sse_addr,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// JobSettings declares a cron job registered when the server starts.
type JobSettings struct {
	ID      string         `yaml:"id"`
	ChainID string         `yaml:"chain_id"`
	Cron    string         `yaml:"cron"`
	Input   map[string]any `yaml:"input,omitempty"`
}

func defaultSettings() Settings {
	return Settings{
		DBPath:        filepath.Join(stepmachineDir(), "stepmachine.db"),
		LogLevel:      "info",
		LogFormat:     "text",
		SweepInterval: scheduler.DefaultInterval,
		SweepWorkers:  orchestrator.DefaultSweepWorkers,
	}
}

// stepmachineDir is $STEPMACHINE_HOME, or ~/.stepmachine.
func stepmachineDir() string {
	if dir := os.Getenv("STEPMACHINE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepmachine"
	}
	return filepath.Join(home, ".stepmachine")
}

func settingsPath() string {
	return filepath.Join(stepmachineDir(), "settings.yaml")
}

func binDir() string {
	return filepath.Join(stepmachineDir(), "bin")
}

// loadSettings layers the settings file at path (ignored if missing) and the
// environment over the defaults.
func loadSettings(path string) (Settings, error) {
	cfg := defaultSettings()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if v := os.Getenv("STEPMACHINE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STEPMACHINE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STEPMACHINE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("STEPMACHINE_SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("STEPMACHINE_SWEEP_INTERVAL: %w", err)
		}
		cfg.SweepInterval = d
	}
	if v := os.Getenv("STEPMACHINE_SWEEP_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("STEPMACHINE_SWEEP_WORKERS: %w", err)
		}
		cfg.SweepWorkers = n
	}
	if v := os.Getenv("STEPMACHINE_MCP_SSE_ADDR"); v != "" {
		cfg.MCP.SSEAddr = v
	}

	// Derive base_url from sse_addr if empty.
	if cfg.MCP.SSEAddr != "" && cfg.MCP.BaseURL == "" {
		cfg.MCP.BaseURL = "http://localhost" + cfg.MCP.SSEAddr
	}

	return cfg, cfg.validate()
}

func (s Settings) validate() error {
	if s.DBPath == "" {
		return errors.New("db_path is required")
	}
	if s.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %s", s.SweepInterval)
	}
	if s.SweepWorkers <= 0 {
		return fmt.Errorf("sweep_workers must be positive, got %d", s.SweepWorkers)
	}
	seen := make(map[string]struct{}, len(s.Jobs))
	for i, job := range s.Jobs {
		if job.ID == "" || job.ChainID == "" || job.Cron == "" {
			return fmt.Errorf("jobs[%d]: id, chain_id and cron are required", i)
		}
		if _, dup := seen[job.ID]; dup {
			return fmt.Errorf("jobs[%d]: duplicate id %q", i, job.ID)
		}
		seen[job.ID] = struct{}{}
	}
	return nil
}

// writeSettings stores cfg at path, creating its directory.
func writeSettings(path string, cfg Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
