package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"paramctl/pkg/protocol"
)

const terminalColumns = `id, role, pid, host, status, started_at, last_heartbeat, stopped_at, COALESCE(reason, '')`

// RegisterTerminal inserts a starting terminal row.
func (s *Store) RegisterTerminal(ctx context.Context, t protocol.Terminal) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO terminals (id, role, pid, host, status, started_at, last_heartbeat)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Role, t.PID, t.Host, string(protocol.TerminalStarting),
			protocol.FormatTime(t.StartedAt), protocol.FormatTime(t.StartedAt))
		if err != nil {
			return fmt.Errorf("register terminal %s: %w", t.ID, err)
		}
		return logEvent(ctx, tx, t.StartedAt, protocol.Event{
			Type:       protocol.EventRegistered,
			Source:     t.Role,
			TerminalID: t.ID,
			Payload:    fmt.Sprintf(`{"pid":%d,"host":%q}`, t.PID, t.Host),
		})
	})
}

// Heartbeat refreshes a live terminal's heartbeat, promoting starting to
// healthy. It returns protocol.ErrTerminalReaped when the row is crashed,
// stopped or missing.
func (s *Store) Heartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE terminals SET last_heartbeat = ?, status = ?
		 WHERE id = ? AND status IN (?, ?)`,
		protocol.FormatTime(at), string(protocol.TerminalHealthy),
		id, string(protocol.TerminalStarting), string(protocol.TerminalHealthy))
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", id, err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("heartbeat %s: %w", id, protocol.ErrTerminalReaped)
	}
	return nil
}

// StopTerminal marks a terminal stopped and releases its non-terminal claims.
// It returns the released command ids.
func (s *Store) StopTerminal(ctx context.Context, id string, at time.Time) ([]string, error) {
	var released []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE terminals SET status = ?, stopped_at = ? WHERE id = ? AND status IN (?, ?)`,
			string(protocol.TerminalStopped), protocol.FormatTime(at),
			id, string(protocol.TerminalStarting), string(protocol.TerminalHealthy))
		if err != nil {
			return fmt.Errorf("stop terminal %s: %w", id, err)
		}
		if released, err = releaseClaims(ctx, tx, at, id, "terminal stopped"); err != nil {
			return err
		}
		return logEvent(ctx, tx, at, protocol.Event{
			Type: protocol.EventStopped, Source: "terminal", TerminalID: id,
			Payload: fmt.Sprintf(`{"released":%d}`, len(released)),
		})
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// Reaped describes one terminal the monitor marked crashed.
type Reaped struct {
	TerminalID    string
	Role          string
	LastHeartbeat time.Time
	Released      []string // command ids reset to pending
}

// ReapStale marks every starting/healthy terminal whose heartbeat is older
// than cutoff as crashed, recording reason, and resets the claimed/executing
// commands it held to pending. Commands already terminal are untouched.
// Safe to run from several monitors at once: each transition is conditional.
func (s *Store) ReapStale(ctx context.Context, cutoff time.Time, reason string) ([]Reaped, error) {
	now := s.nowFunc()
	var reaped []Reaped
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		reaped = nil
		stale, err := staleTerminals(ctx, tx, cutoff)
		if err != nil {
			return err
		}
		for _, r := range stale {
			res, err := tx.ExecContext(ctx,
				`UPDATE terminals SET status = ?, reason = ?, stopped_at = ?
				 WHERE id = ? AND status IN (?, ?) AND last_heartbeat < ?`,
				string(protocol.TerminalCrashed), reason, protocol.FormatTime(now),
				r.TerminalID, string(protocol.TerminalStarting), string(protocol.TerminalHealthy),
				protocol.FormatTime(cutoff))
			if err != nil {
				return fmt.Errorf("mark terminal %s crashed: %w", r.TerminalID, err)
			}
			ok, err := affected(res)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if r.Released, err = releaseClaims(ctx, tx, now, r.TerminalID, "terminal crashed"); err != nil {
				return err
			}
			if err := logEvent(ctx, tx, now, protocol.Event{
				Type:       protocol.EventCrashed,
				Source:     "monitor",
				TerminalID: r.TerminalID,
				Payload: fmt.Sprintf(`{"reason":%q,"last_heartbeat":%q,"released":%d}`,
					reason, protocol.FormatTime(r.LastHeartbeat), len(r.Released)),
			}); err != nil {
				return err
			}
			reaped = append(reaped, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reaped, nil
}

func staleTerminals(ctx context.Context, tx *sql.Tx, cutoff time.Time) ([]Reaped, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, role, last_heartbeat FROM terminals
		 WHERE status IN (?, ?) AND last_heartbeat < ? ORDER BY last_heartbeat`,
		string(protocol.TerminalStarting), string(protocol.TerminalHealthy), protocol.FormatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("query stale terminals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Reaped
	for rows.Next() {
		var r Reaped
		var hb string
		if err := rows.Scan(&r.TerminalID, &r.Role, &hb); err != nil {
			return nil, fmt.Errorf("scan stale terminal: %w", err)
		}
		if r.LastHeartbeat, err = protocol.ParseTime(hb); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale terminals: %w", err)
	}
	return out, nil
}

// GetTerminal returns one terminal row.
func (s *Store) GetTerminal(ctx context.Context, id string) (protocol.Terminal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+terminalColumns+` FROM terminals WHERE id = ?`, id)
	t, err := scanTerminal(row)
	if err != nil {
		return protocol.Terminal{}, notFound(err, "terminal", id)
	}
	return t, nil
}

// ListTerminals returns terminals, live ones first, then by start time.
// When includeDead is false, crashed and stopped rows are omitted.
func (s *Store) ListTerminals(ctx context.Context, includeDead bool) ([]protocol.Terminal, error) {
	query := `SELECT ` + terminalColumns + ` FROM terminals`
	var args []any
	if !includeDead {
		query += ` WHERE status IN (?, ?)`
		args = append(args, string(protocol.TerminalStarting), string(protocol.TerminalHealthy))
	}
	query += ` ORDER BY CASE WHEN status IN ('starting', 'healthy') THEN 0 ELSE 1 END, started_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list terminals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.Terminal
	for rows.Next() {
		t, err := scanTerminal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan terminal: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate terminals: %w", err)
	}
	return out, nil
}

func scanTerminal(r rowScanner) (protocol.Terminal, error) {
	var (
		t                         protocol.Terminal
		status, started, lastBeat string
		stopped                   sql.NullString
	)
	if err := r.Scan(&t.ID, &t.Role, &t.PID, &t.Host, &status, &started, &lastBeat, &stopped, &t.Reason); err != nil {
		return protocol.Terminal{}, err
	}
	t.Status = protocol.TerminalStatus(status)

	var err error
	if t.StartedAt, err = protocol.ParseTime(started); err != nil {
		return protocol.Terminal{}, err
	}
	if t.LastHeartbeat, err = protocol.ParseTime(lastBeat); err != nil {
		return protocol.Terminal{}, err
	}
	if t.StoppedAt, err = parseNullTime(stopped); err != nil {
		return protocol.Terminal{}, err
	}
	return t, nil
}
