package protocol

import "time"

// Directory and file name constants used throughout paramctl.
const (
	// HomeDir is the user-level state directory (e.g., ~/.paramctl).
	HomeDir = ".paramctl"

	// StateDBName is the shared SQLite database file name.
	StateDBName = "state.db"

	// ConfigName is the default configuration file name (YAML).
	ConfigName = "paramctl.yaml"
)

// Default timings.
const (
	DefaultPollInterval      = 5 * time.Second
	DefaultCommandTimeout    = 10 * time.Second
	DefaultSettleInterval    = 50 * time.Millisecond
	DefaultRetries           = 3
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHeartbeatTimeout  = 30 * time.Second
	DefaultSweepInterval     = 30 * time.Second
	DefaultFloatTolerance    = 1e-3
	DefaultStoreRetries      = 5
	DefaultStoreBackoff      = 100 * time.Millisecond
)
