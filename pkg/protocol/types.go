package protocol

import (
	"fmt"
	"time"
)

// TimeLayout is the fixed-width UTC layout used for every stored timestamp.
// Fixed width keeps lexical comparison in SQL equal to chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout timestamp. The empty string yields the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// CommandStatus is the lifecycle state of a ParameterCommand.
type CommandStatus string

// Command status constants. The last three are terminal.
const (
	StatusPending   CommandStatus = "pending"
	StatusClaimed   CommandStatus = "claimed"
	StatusExecuting CommandStatus = "executing"
	StatusCompleted CommandStatus = "completed"
	StatusFailed    CommandStatus = "failed"
	StatusTimedOut  CommandStatus = "timed_out"
)

// Terminal reports whether no further transition is allowed out of s.
func (s CommandStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s CommandStatus) Valid() bool {
	switch s {
	case StatusPending, StatusClaimed, StatusExecuting, StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is an edge of the command state
// machine. Claim release back to pending is a monitor-only edge and is
// allowed from claimed and executing.
func CanTransition(from, to CommandStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusClaimed
	case StatusClaimed:
		return to == StatusExecuting || to == StatusPending
	case StatusExecuting:
		return to == StatusCompleted || to == StatusFailed || to == StatusTimedOut || to == StatusPending
	default:
		return false
	}
}

// ProtocolType selects how a parameter value is represented on the wire.
type ProtocolType string

// Protocol type constants.
const (
	TypeCoil     ProtocolType = "coil"     // single coil, value 0 or 1
	TypeDiscrete ProtocolType = "discrete" // enumerated/boolean value in one holding register
	TypeHolding  ProtocolType = "holding"  // signed 16-bit integer in one holding register
	TypeFloat32  ProtocolType = "float32"  // IEEE-754 single split over two holding registers
)

// Valid reports whether p is a known protocol type.
func (p ProtocolType) Valid() bool {
	switch p {
	case TypeCoil, TypeDiscrete, TypeHolding, TypeFloat32:
		return true
	default:
		return false
	}
}

// Words returns the number of 16-bit registers (or coils) a value occupies.
func (p ProtocolType) Words() int {
	if p == TypeFloat32 {
		return 2
	}
	return 1
}

// TerminalStatus is the liveness state of a TerminalInstance.
type TerminalStatus string

// Terminal status constants.
const (
	TerminalStarting TerminalStatus = "starting"
	TerminalHealthy  TerminalStatus = "healthy"
	TerminalCrashed  TerminalStatus = "crashed" // set only by the heartbeat monitor
	TerminalStopped  TerminalStatus = "stopped"
)

// ErrorKind classifies the recorded failure of a command.
type ErrorKind string

// Error kind constants recorded in commands.error_kind.
const (
	KindProtocol     ErrorKind = "protocol"
	KindVerification ErrorKind = "verification"
	KindTimeout      ErrorKind = "timeout"
	KindInvalid      ErrorKind = "invalid"
)

// StateSource records which writer last set a parameter_state row.
type StateSource string

// State source constants.
const (
	SourcePublish   StateSource = "publish"
	SourceReconcile StateSource = "reconcile"
)

// Terminal role constants. Roles are free-form; these are the ones the CLI knows.
const (
	RoleParameter = "parameter" // processes parameter commands
	RoleRecipe    = "recipe"
	RoleCollector = "collector"
	RoleMonitor   = "monitor"
)
