package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"paramctl/pkg/protocol"

	"github.com/google/uuid"
)

const commandColumns = `id, parameter_id, target_value, address, protocol_type, timeout_ms, status,
	created_at, executed_at, completed_at, COALESCE(error_kind, ''), COALESCE(error_detail, ''),
	COALESCE(claimed_by, ''), attempts`

// NewCommand holds the submitter-supplied fields of a command.
type NewCommand struct {
	ID           string // optional; a UUID is assigned when empty
	ParameterID  string
	TargetValue  float64
	Address      uint16
	ProtocolType protocol.ProtocolType
	Timeout      time.Duration
}

// InsertCommand adds a pending command and returns its id.
func (s *Store) InsertCommand(ctx context.Context, c NewCommand) (string, error) {
	if strings.TrimSpace(c.ParameterID) == "" {
		return "", fmt.Errorf("insert command: parameter id is required")
	}
	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.nowFunc()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO commands (id, parameter_id, target_value, address, protocol_type, timeout_ms, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, c.ParameterID, c.TargetValue, int64(c.Address), string(c.ProtocolType),
			c.Timeout.Milliseconds(), string(protocol.StatusPending), protocol.FormatTime(now))
		if err != nil {
			return fmt.Errorf("insert command: %w", err)
		}
		return logEvent(ctx, tx, now, protocol.Event{
			Type:      protocol.EventSubmitted,
			Source:    "submitter",
			CommandID: id,
			Payload:   fmt.Sprintf(`{"parameter":%q,"value":%g}`, c.ParameterID, c.TargetValue),
		})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetCommand returns one command by id.
func (s *Store) GetCommand(ctx context.Context, id string) (protocol.Command, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = ?`, id)
	c, err := scanCommand(row)
	if err != nil {
		return protocol.Command{}, notFound(err, "command", id)
	}
	return c, nil
}

// PendingCommandIDs returns up to limit pending command ids, oldest first.
func (s *Store) PendingCommandIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM commands WHERE status = ? ORDER BY created_at, id LIMIT ?`,
		string(protocol.StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending command: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending commands: %w", err)
	}
	return ids, nil
}

// ListOpts filters ListCommands.
type ListOpts struct {
	Status protocol.CommandStatus // empty = any
	Limit  int                    // 0 = 50
}

// ListCommands returns commands newest first.
func (s *Store) ListCommands(ctx context.Context, opts ListOpts) ([]protocol.Command, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + commandColumns + ` FROM commands`
	var args []any
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands: %w", err)
	}
	return out, nil
}

// ClaimCommand atomically moves a pending command to claimed for terminalID.
// It returns false when the command is no longer pending (another claimant
// won, or it already finished) or when terminalID is not a live terminal;
// that is a ClaimConflict, not an error. The liveness check shares the
// statement with the claim so a claim can never land on a reaped instance.
func (s *Store) ClaimCommand(ctx context.Context, id, terminalID string) (bool, error) {
	now := s.nowFunc()
	var won bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE commands SET status = ?, claimed_by = ?
			 WHERE id = ? AND status = ?
			   AND EXISTS (SELECT 1 FROM terminals WHERE id = ? AND status IN (?, ?))`,
			string(protocol.StatusClaimed), terminalID, id, string(protocol.StatusPending),
			terminalID, string(protocol.TerminalStarting), string(protocol.TerminalHealthy))
		if err != nil {
			return fmt.Errorf("claim command %s: %w", id, err)
		}
		if won, err = affected(res); err != nil || !won {
			return err
		}
		return logEvent(ctx, tx, now, protocol.Event{
			Type: protocol.EventClaimed, Source: terminalID, CommandID: id, TerminalID: terminalID,
		})
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

// MarkExecuting moves a claimed command held by terminalID to executing and
// records the execution timestamp. It returns protocol.ErrClaimLost when the
// command is no longer claimed by terminalID.
func (s *Store) MarkExecuting(ctx context.Context, id, terminalID string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE commands SET status = ?, executed_at = ?
			 WHERE id = ? AND status = ? AND claimed_by = ?`,
			string(protocol.StatusExecuting), protocol.FormatTime(at),
			id, string(protocol.StatusClaimed), terminalID)
		if err != nil {
			return fmt.Errorf("mark command %s executing: %w", id, err)
		}
		ok, err := affected(res)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("mark command %s executing: %w", id, protocol.ErrClaimLost)
		}
		return logEvent(ctx, tx, at, protocol.Event{
			Type: protocol.EventExecuting, Source: terminalID, CommandID: id, TerminalID: terminalID,
		})
	})
}

// Result is the terminal outcome of a command.
type Result struct {
	Status   protocol.CommandStatus // completed, failed or timed_out
	At       time.Time
	Kind     protocol.ErrorKind
	Detail   string
	Attempts int
}

// FinishCommand moves an executing command held by terminalID to its
// terminal status and releases the claim. It returns protocol.ErrClaimLost
// when the command is no longer executing under terminalID.
func (s *Store) FinishCommand(ctx context.Context, id, terminalID string, r Result) error {
	if !r.Status.Terminal() {
		return fmt.Errorf("finish command %s: %s is not a terminal status", id, r.Status)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE commands
			 SET status = ?, completed_at = ?, error_kind = ?, error_detail = ?, attempts = ?, claimed_by = NULL
			 WHERE id = ? AND status = ? AND claimed_by = ?`,
			string(r.Status), protocol.FormatTime(r.At), nullString(string(r.Kind)), nullString(r.Detail), r.Attempts,
			id, string(protocol.StatusExecuting), terminalID)
		if err != nil {
			return fmt.Errorf("finish command %s: %w", id, err)
		}
		ok, err := affected(res)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("finish command %s: %w", id, protocol.ErrClaimLost)
		}
		payload := ""
		if r.Detail != "" {
			payload = fmt.Sprintf(`{"kind":%q,"detail":%q,"attempts":%d}`, r.Kind, r.Detail, r.Attempts)
		}
		return logEvent(ctx, tx, r.At, protocol.Event{
			Type: string(r.Status), Source: terminalID, CommandID: id, TerminalID: terminalID, Payload: payload,
		})
	})
}

// ReleaseClaims resets every non-terminal command held by terminalID back to
// pending and returns their ids. Used on clean shutdown and by the monitor.
func (s *Store) ReleaseClaims(ctx context.Context, terminalID string) ([]string, error) {
	var ids []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ids, err = releaseClaims(ctx, tx, s.nowFunc(), terminalID, "released")
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func releaseClaims(ctx context.Context, tx *sql.Tx, now time.Time, terminalID, reason string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM commands WHERE claimed_by = ? AND status IN (?, ?)`,
		terminalID, string(protocol.StatusClaimed), string(protocol.StatusExecuting))
	if err != nil {
		return nil, fmt.Errorf("query claims of %s: %w", terminalID, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate claims: %w", err)
	}
	_ = rows.Close()

	for _, id := range ids {
		if _, err := resetClaim(ctx, tx, now, id, terminalID, "monitor", reason); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// ReleaseCommand resets one claimed or executing command held by terminalID
// back to pending. It returns false when terminalID no longer holds it.
func (s *Store) ReleaseCommand(ctx context.Context, id, terminalID, reason string) (bool, error) {
	var released bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		released, err = resetClaim(ctx, tx, s.nowFunc(), id, terminalID, terminalID, reason)
		return err
	})
	if err != nil {
		return false, err
	}
	return released, nil
}

// resetClaim moves id back to pending if terminalID still holds it and
// records a claim_reset event.
func resetClaim(ctx context.Context, tx *sql.Tx, now time.Time, id, terminalID, source, reason string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE commands SET status = ?, claimed_by = NULL, executed_at = NULL
		 WHERE id = ? AND claimed_by = ? AND status IN (?, ?)`,
		string(protocol.StatusPending), id, terminalID,
		string(protocol.StatusClaimed), string(protocol.StatusExecuting))
	if err != nil {
		return false, fmt.Errorf("reset claim %s: %w", id, err)
	}
	ok, err := affected(res)
	if err != nil || !ok {
		return false, err
	}
	return true, logEvent(ctx, tx, now, protocol.Event{
		Type:       protocol.EventClaimReset,
		Source:     source,
		CommandID:  id,
		TerminalID: terminalID,
		Payload:    fmt.Sprintf(`{"reason":%q}`, reason),
	})
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(r rowScanner) (protocol.Command, error) {
	var (
		c                     protocol.Command
		address, timeoutMS    int64
		protocolType, status  string
		createdAt, kind       string
		executedAt, completed sql.NullString
	)
	if err := r.Scan(&c.ID, &c.ParameterID, &c.TargetValue, &address, &protocolType, &timeoutMS, &status,
		&createdAt, &executedAt, &completed, &kind, &c.ErrorDetail, &c.ClaimedBy, &c.Attempts); err != nil {
		return protocol.Command{}, err
	}
	c.Address = uint16(address)
	c.ProtocolType = protocol.ProtocolType(protocolType)
	c.Timeout = time.Duration(timeoutMS) * time.Millisecond
	c.Status = protocol.CommandStatus(status)
	c.ErrorKind = protocol.ErrorKind(kind)

	var err error
	if c.CreatedAt, err = protocol.ParseTime(createdAt); err != nil {
		return protocol.Command{}, err
	}
	if c.ExecutedAt, err = parseNullTime(executedAt); err != nil {
		return protocol.Command{}, err
	}
	if c.CompletedAt, err = parseNullTime(completed); err != nil {
		return protocol.Command{}, err
	}
	return c, nil
}
