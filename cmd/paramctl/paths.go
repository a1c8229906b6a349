package main

import (
	"fmt"
	"os"
	"path/filepath"

	"paramctl/pkg/protocol"
)

// Paths holds all resolved paramctl state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home        string // ~/.paramctl or PARAMCTL_HOME
	StateDBPath string // state.db or PARAMCTL_DB_PATH
	ConfigPath  string // paramctl.yaml or PARAMCTL_CONFIG
	RunDir      string // PID files of running terminals or PARAMCTL_RUN_DIR
}

// ResolvePaths returns all paramctl paths, respecting env var overrides.
// Environment variables:
//   - PARAMCTL_HOME: base directory for all paramctl state (default: ~/.paramctl)
//   - PARAMCTL_DB_PATH: shared command database (default: $PARAMCTL_HOME/state.db)
//   - PARAMCTL_CONFIG: configuration file (default: $PARAMCTL_HOME/paramctl.yaml)
//   - PARAMCTL_RUN_DIR: terminal PID files (default: $PARAMCTL_HOME/run)
//
// If PARAMCTL_HOME is set, it becomes the base for all default paths.
// Specific env vars override both the default and the PARAMCTL_HOME base.
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}

	return &Paths{
		Home:        home,
		StateDBPath: resolvePathWithEnv("PARAMCTL_DB_PATH", home, protocol.StateDBName),
		ConfigPath:  resolvePathWithEnv("PARAMCTL_CONFIG", home, protocol.ConfigName),
		RunDir:      resolvePathWithEnv("PARAMCTL_RUN_DIR", home, "run"),
	}, nil
}

// resolveHome returns the paramctl home directory from PARAMCTL_HOME or ~/.paramctl.
func resolveHome() (string, error) {
	if v := os.Getenv("PARAMCTL_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.HomeDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
