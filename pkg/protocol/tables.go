package protocol

import "time"

// Command represents a row in the commands SQLite table.
// Submitters insert pending rows; processors and the heartbeat monitor are
// the only writers afterwards.
type Command struct {
	ID           string        `json:"id"`
	ParameterID  string        `json:"parameter_id"`
	TargetValue  float64       `json:"target_value"`
	Address      uint16        `json:"address"`
	ProtocolType ProtocolType  `json:"protocol_type"`
	Timeout      time.Duration `json:"timeout"` // zero means the processor default
	Status       CommandStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	ExecutedAt   time.Time     `json:"executed_at"`
	CompletedAt  time.Time     `json:"completed_at"`
	ErrorKind    ErrorKind     `json:"error_kind,omitempty"`
	ErrorDetail  string        `json:"error_detail,omitempty"`
	ClaimedBy    string        `json:"claimed_by,omitempty"` // empty when unclaimed
	Attempts     int           `json:"attempts"`
}

// ParameterState represents a row in the parameter_state SQLite table.
type ParameterState struct {
	ParameterID string       `json:"parameter_id"`
	SetValue    float64      `json:"set_value"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Address     uint16       `json:"address"`
	Encoding    ProtocolType `json:"encoding"`
	Source      StateSource  `json:"source"`
}

// Terminal represents a row in the terminals SQLite table.
type Terminal struct {
	ID            string         `json:"id"`
	Role          string         `json:"role"`
	PID           int            `json:"pid"`
	Host          string         `json:"host"`
	Status        TerminalStatus `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	StoppedAt     time.Time      `json:"stopped_at"`
	Reason        string         `json:"reason,omitempty"`
}

// Event represents a row in the events SQLite table.
type Event struct {
	ID         int64     `json:"id"`
	Type       string    `json:"type"`
	Source     string    `json:"source"`
	CommandID  string    `json:"command_id"`
	TerminalID string    `json:"terminal_id"`
	Payload    string    `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}

// Event type constants written to the events table.
const (
	EventSubmitted     = "submitted"
	EventClaimed       = "claimed"
	EventExecuting     = "executing"
	EventCompleted     = "completed"
	EventFailed        = "failed"
	EventTimedOut      = "timed_out"
	EventClaimLost     = "claim_lost"
	EventClaimReset    = "claim_reset"
	EventPublishFailed = "publish_failed"
	EventRegistered    = "terminal_registered"
	EventCrashed       = "terminal_crashed"
	EventStopped       = "terminal_stopped"
	EventReregistered  = "terminal_reregistered"
)
