// Package logging configures the process-wide zerolog logger. Every component
// derives a child logger carrying its component name and, for terminal
// processes, the terminal instance id.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Environment overrides.
const (
	EnvLogLevel   = "PARAMCTL_LOG_LEVEL"
	EnvLogFormat  = "PARAMCTL_LOG_FORMAT" // console or json
	EnvLogNoColor = "PARAMCTL_LOG_NOCOLOR"
)

// Profile selects the default configuration.
type Profile int

// Profiles.
const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Format is the output encoding.
type Format string

// Formats.
const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Config describes a logger.
type Config struct {
	Level     zerolog.Level
	Format    Format
	NoColor   bool
	Timestamp bool
}

var configureOnce sync.Once

// ConfigureRuntime sets up the global logger for a CLI process writing to stderr.
func ConfigureRuntime() {
	Configure(ProfileRuntime, os.Stderr)
}

// ConfigureTests sets up the global logger for tests.
func ConfigureTests() {
	Configure(ProfileTest, os.Stderr)
}

// Configure installs the global logger once. Later calls are no-ops.
func Configure(profile Profile, out io.Writer) {
	configureOnce.Do(func() {
		cfg := DefaultConfig(profile)
		if f, ok := out.(*os.File); ok && !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
			cfg.NoColor = true
		}
		applyEnvOverrides(&cfg)
		zerolog.SetGlobalLevel(cfg.Level)
		log.Logger = New(cfg, out)
	})
}

// DefaultConfig returns the profile defaults before env overrides.
func DefaultConfig(profile Profile) Config {
	switch profile {
	case ProfileTest:
		return Config{Level: zerolog.DebugLevel, Format: FormatConsole, NoColor: true}
	default:
		return Config{Level: zerolog.InfoLevel, Format: FormatConsole, Timestamp: true}
	}
}

// New builds a logger for cfg writing to out without touching global state.
func New(cfg Config, out io.Writer) zerolog.Logger {
	w := out
	if cfg.Format != FormatJSON {
		cw := zerolog.ConsoleWriter{Out: out, NoColor: cfg.NoColor, TimeFormat: time.RFC3339}
		if !cfg.Timestamp {
			cw.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		w = cw
	}
	zc := zerolog.New(w).Level(cfg.Level).With()
	if cfg.Timestamp {
		zc = zc.Timestamp()
	}
	return zc.Logger()
}

// Component returns a child of the global logger tagged with name.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}

func applyEnvOverrides(cfg *Config) {
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if f, ok := parseFormat(os.Getenv(EnvLogFormat)); ok {
		cfg.Format = f
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseFormat(raw string) (Format, bool) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case FormatConsole:
		return FormatConsole, true
	case FormatJSON:
		return FormatJSON, true
	default:
		return "", false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
