// Package eventlog provides read-only access to the lifecycle event log
// shared by all terminals. It backs `paramctl logs` and other tooling that
// must never take a write lock on the live database.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"paramctl/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	// CommandID filters events to one command.
	CommandID string

	// TerminalID filters events to one terminal instance.
	TerminalID string

	// Type filters to one event type (e.g., "claimed", "terminal_crashed").
	Type string

	// After filters events created at or after this time.
	After *time.Time

	// Before filters events created at or before this time.
	Before *time.Time

	// AfterID returns only events with a larger id (for following the log).
	AfterID int64

	// Oldest returns events oldest first instead of newest first.
	Oldest bool

	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// Reader provides read-only access to the event log.
type Reader struct {
	db *sql.DB
}

// NewReader opens the database read-only. Returns an error if the database
// doesn't exist or cannot be opened.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	q := url.Values{}
	q.Set("mode", "ro")
	q.Add("_pragma", "busy_timeout(5000)")
	db, err := sql.Open("sqlite", "file:"+dbPath+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Reader{db: db}, nil
}

// Close releases the database connection.
// Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Query retrieves events matching opts. Returns an empty slice if no events
// match.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]protocol.Event, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []protocol.Event
	for rows.Next() {
		var e protocol.Event
		var createdAt string

		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &e.CommandID, &e.TerminalID, &e.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if e.CreatedAt, err = protocol.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := `SELECT id, type, source, COALESCE(command_id, ''), COALESCE(terminal_id, ''),
		COALESCE(payload, ''), created_at FROM events WHERE 1=1`

	if opts.CommandID != "" {
		conditions = append(conditions, "command_id = ?")
		args = append(args, opts.CommandID)
	}
	if opts.TerminalID != "" {
		conditions = append(conditions, "terminal_id = ?")
		args = append(args, opts.TerminalID)
	}
	if opts.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, opts.Type)
	}

	// Stored timestamps are fixed-width, so string comparison is chronological.
	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, protocol.FormatTime(*opts.After))
	}
	if opts.Before != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, protocol.FormatTime(*opts.Before))
	}

	if opts.AfterID > 0 {
		conditions = append(conditions, "id > ?")
		args = append(args, opts.AfterID)
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}

	if opts.Oldest {
		query += " ORDER BY id ASC"
	} else {
		query += " ORDER BY id DESC"
	}

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	return query, args
}
