package store

import (
	"context"
	"fmt"

	"paramctl/pkg/protocol"
)

// PublishState writes a parameter's set value using last-write-wins by
// timestamp: the row is replaced only when st.UpdatedAt is not older than the
// stored one. It reports whether the write was applied.
func (s *Store) PublishState(ctx context.Context, st protocol.ParameterState) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO parameter_state (parameter_id, set_value, updated_at, address, encoding, source)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(parameter_id) DO UPDATE SET
		     set_value = excluded.set_value,
		     updated_at = excluded.updated_at,
		     address = excluded.address,
		     encoding = excluded.encoding,
		     source = excluded.source
		 WHERE excluded.updated_at >= parameter_state.updated_at`,
		st.ParameterID, st.SetValue, protocol.FormatTime(st.UpdatedAt), int64(st.Address),
		string(st.Encoding), string(st.Source))
	if err != nil {
		return false, fmt.Errorf("publish state %s: %w", st.ParameterID, err)
	}
	return affected(res)
}

const stateColumns = `parameter_id, set_value, updated_at, address, encoding, source`

// GetState returns the state row of one parameter.
func (s *Store) GetState(ctx context.Context, parameterID string) (protocol.ParameterState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM parameter_state WHERE parameter_id = ?`, parameterID)
	st, err := scanState(row)
	if err != nil {
		return protocol.ParameterState{}, notFound(err, "parameter state", parameterID)
	}
	return st, nil
}

// ListStates returns every parameter state row ordered by parameter id.
func (s *Store) ListStates(ctx context.Context) ([]protocol.ParameterState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stateColumns+` FROM parameter_state ORDER BY parameter_id`)
	if err != nil {
		return nil, fmt.Errorf("list parameter state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.ParameterState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan parameter state: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate parameter state: %w", err)
	}
	return out, nil
}

func scanState(r rowScanner) (protocol.ParameterState, error) {
	var (
		st                     protocol.ParameterState
		updatedAt, enc, source string
		address                int64
	)
	if err := r.Scan(&st.ParameterID, &st.SetValue, &updatedAt, &address, &enc, &source); err != nil {
		return protocol.ParameterState{}, err
	}
	t, err := protocol.ParseTime(updatedAt)
	if err != nil {
		return protocol.ParameterState{}, err
	}
	st.UpdatedAt = t
	st.Address = uint16(address)
	st.Encoding = protocol.ProtocolType(enc)
	st.Source = protocol.StateSource(source)
	return st, nil
}
