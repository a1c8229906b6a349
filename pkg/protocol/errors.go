package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the core.
var (
	// ErrClaimConflict means another terminal already claimed the command.
	// It is benign: the loser discards the delivery.
	ErrClaimConflict = errors.New("claim conflict")

	// ErrClaimLost means a conditional transition found the command no longer
	// held by this terminal (typically reset by the heartbeat monitor).
	ErrClaimLost = errors.New("claim lost")

	// ErrCommandTimeout means the command's timeout budget elapsed before the
	// executor reported.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrNotFound is returned by lookups of unknown ids.
	ErrNotFound = errors.New("not found")

	// ErrTerminalReaped means the monitor marked this terminal instance
	// crashed, so its heartbeat no longer applies.
	ErrTerminalReaped = errors.New("terminal reaped")
)

// ProtocolError represents a hardware link or wire-level failure for one
// write/verify attempt. It enables typed error discrimination via errors.As.
type ProtocolError struct {
	Op      string // "write" or "read"
	Address uint16
	Attempt int
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s at address %d failed (attempt %d): %v", e.Op, e.Address, e.Attempt, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// MismatchError represents a read-back that disagrees with the written value
// beyond the encoding's tolerance.
type MismatchError struct {
	Address   uint16
	Want      float64
	Got       float64
	Tolerance float64
	Attempt   int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("verify mismatch at address %d (attempt %d): wrote %g, read back %g (tolerance %g)",
		e.Address, e.Attempt, e.Want, e.Got, e.Tolerance)
}

// InvalidCommandError represents a command that cannot be executed at all
// (unknown protocol type, value not representable by its encoding).
type InvalidCommandError struct {
	CommandID string
	Reason    string
}

func (e *InvalidCommandError) Error() string {
	return fmt.Sprintf("command %s invalid: %s", e.CommandID, e.Reason)
}

// PublishError wraps a failed optimistic state publish. The command outcome
// is unaffected; the reconciliation pass corrects the state later.
type PublishError struct {
	ParameterID string
	Err         error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish state for %s: %v", e.ParameterID, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ClassifyError maps an executor error onto the recorded error kind.
func ClassifyError(err error) ErrorKind {
	var (
		mismatch *MismatchError
		invalid  *InvalidCommandError
	)
	switch {
	case errors.Is(err, ErrCommandTimeout):
		return KindTimeout
	case errors.As(err, &mismatch):
		return KindVerification
	case errors.As(err, &invalid):
		return KindInvalid
	default:
		return KindProtocol
	}
}
