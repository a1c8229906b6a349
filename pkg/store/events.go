package store

import (
	"context"
	"fmt"
	"time"

	"paramctl/pkg/protocol"
)

// LogEvent appends a row to the lifecycle event log.
func (s *Store) LogEvent(ctx context.Context, e protocol.Event) error {
	return logEvent(ctx, s.db, s.nowFunc(), e)
}

func logEvent(ctx context.Context, ex execer, now time.Time, e protocol.Event) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO events (type, source, command_id, terminal_id, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Type, e.Source, nullString(e.CommandID), nullString(e.TerminalID), nullString(e.Payload),
		protocol.FormatTime(now))
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}
