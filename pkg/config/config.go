// Package config loads paramctl's configuration from YAML or TOML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"paramctl/pkg/protocol"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// Config is the full configuration of a terminal process.
type Config struct {
	Database    DatabaseConfig  `yaml:"database" toml:"database"`
	Link        LinkConfig      `yaml:"link" toml:"link"`
	RegisterMap string          `yaml:"register_map" toml:"register_map"`
	Intake      IntakeConfig    `yaml:"intake" toml:"intake"`
	Processor   ProcessorConfig `yaml:"processor" toml:"processor"`
	Executor    ExecutorConfig  `yaml:"executor" toml:"executor"`
	Terminal    TerminalConfig  `yaml:"terminal" toml:"terminal"`
	Monitor     MonitorConfig   `yaml:"monitor" toml:"monitor"`
	Reconcile   ReconcileConfig `yaml:"reconcile" toml:"reconcile"`
	Metrics     MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"` // empty: resolved from PARAMCTL_DB_PATH / home
}

type LinkConfig struct {
	Address     string   `yaml:"address" toml:"address"` // host:port of the Modbus TCP controller
	SlaveID     byte     `yaml:"slave_id" toml:"slave_id"`
	Timeout     Duration `yaml:"timeout" toml:"timeout"`
	IdleTimeout Duration `yaml:"idle_timeout" toml:"idle_timeout"`
}

type IntakeConfig struct {
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval"`
	Workers      int      `yaml:"workers" toml:"workers"`
	DisablePush  bool     `yaml:"disable_push" toml:"disable_push"`
}

type ProcessorConfig struct {
	DefaultTimeout Duration `yaml:"default_timeout" toml:"default_timeout"`
}

type ExecutorConfig struct {
	Retries        int      `yaml:"retries" toml:"retries"` // negative disables retries
	Settle         Duration `yaml:"settle" toml:"settle"`
	FloatTolerance float64  `yaml:"float_tolerance" toml:"float_tolerance"`
}

type TerminalConfig struct {
	Role              string   `yaml:"role" toml:"role"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
}

type MonitorConfig struct {
	Disabled         bool     `yaml:"disabled" toml:"disabled"`
	Interval         Duration `yaml:"interval" toml:"interval"`
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
}

type ReconcileConfig struct {
	Interval Duration `yaml:"interval" toml:"interval"` // zero disables the periodic pass in run
}

type MetricsConfig struct {
	Addr string `yaml:"addr" toml:"addr"` // empty disables the metrics server
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads path, choosing the decoder by extension (.toml, else YAML),
// then applies defaults and validates. A relative register_map is resolved
// against the config file's directory.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(raw, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if cfg.RegisterMap != "" && !filepath.IsAbs(cfg.RegisterMap) {
		cfg.RegisterMap = filepath.Join(filepath.Dir(path), cfg.RegisterMap)
	}
	return cfg, nil
}

// Parse decodes data; ext selects the format.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Link.Timeout == 0 {
		c.Link.Timeout = Duration(time.Second)
	}
	if c.Link.IdleTimeout == 0 {
		c.Link.IdleTimeout = Duration(60 * time.Second)
	}
	if c.Link.SlaveID == 0 {
		c.Link.SlaveID = 1
	}
	if c.Intake.PollInterval == 0 {
		c.Intake.PollInterval = Duration(protocol.DefaultPollInterval)
	}
	if c.Intake.Workers == 0 {
		c.Intake.Workers = 4
	}
	if c.Processor.DefaultTimeout == 0 {
		c.Processor.DefaultTimeout = Duration(protocol.DefaultCommandTimeout)
	}
	if c.Executor.Retries == 0 {
		c.Executor.Retries = protocol.DefaultRetries
	}
	if c.Executor.Settle == 0 {
		c.Executor.Settle = Duration(protocol.DefaultSettleInterval)
	}
	if c.Executor.FloatTolerance == 0 {
		c.Executor.FloatTolerance = protocol.DefaultFloatTolerance
	}
	if c.Terminal.Role == "" {
		c.Terminal.Role = protocol.RoleParameter
	}
	if c.Terminal.HeartbeatInterval == 0 {
		c.Terminal.HeartbeatInterval = Duration(protocol.DefaultHeartbeatInterval)
	}
	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = Duration(protocol.DefaultSweepInterval)
	}
	if c.Monitor.HeartbeatTimeout == 0 {
		c.Monitor.HeartbeatTimeout = Duration(protocol.DefaultHeartbeatTimeout)
	}
}

func (c *Config) validate() error {
	switch {
	case c.Intake.PollInterval < 0:
		return fmt.Errorf("intake.poll_interval must be positive")
	case c.Intake.Workers < 1:
		return fmt.Errorf("intake.workers must be at least 1")
	case c.Processor.DefaultTimeout < 0:
		return fmt.Errorf("processor.default_timeout must be positive")
	case c.Executor.Settle < 0:
		return fmt.Errorf("executor.settle must not be negative")
	case c.Executor.FloatTolerance < 0:
		return fmt.Errorf("executor.float_tolerance must not be negative")
	case c.Terminal.HeartbeatInterval < 0 || c.Monitor.Interval < 0:
		return fmt.Errorf("heartbeat and monitor intervals must be positive")
	case c.Monitor.HeartbeatTimeout <= c.Terminal.HeartbeatInterval:
		return fmt.Errorf("monitor.heartbeat_timeout (%s) must exceed terminal.heartbeat_interval (%s)",
			c.Monitor.HeartbeatTimeout.D(), c.Terminal.HeartbeatInterval.D())
	case c.Reconcile.Interval < 0:
		return fmt.Errorf("reconcile.interval must not be negative")
	}
	return nil
}
