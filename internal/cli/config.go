package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/geebatch/internal/batch"
	"github.com/ChuLiYu/geebatch/internal/engine"
	"github.com/ChuLiYu/geebatch/internal/launcher"
	"github.com/ChuLiYu/geebatch/internal/logging"
	"github.com/ChuLiYu/geebatch/internal/monitor"
)

const defaultConfigPath = "configs/default.yaml"

// Engine modes.
const (
	ModeSimulate = "simulate"
	ModeGRPC     = "grpc"
)

// Config represents the complete geebatch configuration.
// Durations are Go duration strings ("2s", "500ms").
type Config struct {
	Engine struct {
		Mode                   string `yaml:"mode"`    // simulate | grpc
		Address                string `yaml:"address"` // grpc target; listen address for serve
		engine.SimulatorConfig `yaml:",inline"`
	} `yaml:"engine"`

	Launcher struct {
		Pause time.Duration `yaml:"pause"`
	} `yaml:"launcher"`

	Monitor struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		Concurrency  int           `yaml:"concurrency"`
		MaxSweeps    int           `yaml:"max_sweeps"`
	} `yaml:"monitor"`

	Batch struct {
		Pause time.Duration `yaml:"pause"`
	} `yaml:"batch"`

	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`

	Snapshot struct {
		Path    string `yaml:"path"`
		Backups int    `yaml:"backups"`
	} `yaml:"snapshot"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Logging logging.Config `yaml:"logging"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Engine.Mode = ModeSimulate
	cfg.Engine.Address = "localhost:50051"
	cfg.Engine.SimulatorConfig = engine.DefaultSimulatorConfig()
	cfg.Launcher.Pause = launcher.DefaultPause
	cfg.Monitor.PollInterval = monitor.DefaultPollInterval
	cfg.Monitor.Concurrency = monitor.DefaultConcurrency
	cfg.Batch.Pause = batch.DefaultPause
	cfg.Store.Path = "data/geebatch.db"
	cfg.Snapshot.Path = "data/jobs.json"
	cfg.Snapshot.Backups = 3
	cfg.Metrics.Port = 9090
	cfg.Logging = logging.DefaultConfig()
	return cfg
}

// loadConfig reads path on top of DefaultConfig, so a partial file only
// overrides what it names.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveConfig loads path. A missing file is only tolerated when the
// user did not ask for it explicitly.
func resolveConfig(path string, explicit bool) (*Config, error) {
	cfg, err := loadConfig(path)
	if err != nil && !explicit && errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) validate() error {
	switch c.Engine.Mode {
	case ModeSimulate, ModeGRPC:
	default:
		return fmt.Errorf("invalid engine mode %q (want %s or %s)", c.Engine.Mode, ModeSimulate, ModeGRPC)
	}
	if c.Engine.Mode == ModeGRPC && c.Engine.Address == "" {
		return errors.New("engine.address is required in grpc mode")
	}
	if c.Monitor.Concurrency < 1 {
		return fmt.Errorf("monitor.concurrency must be at least 1, got %d", c.Monitor.Concurrency)
	}
	if c.Monitor.MaxSweeps < 0 {
		return fmt.Errorf("monitor.max_sweeps must not be negative, got %d", c.Monitor.MaxSweeps)
	}
	return nil
}
