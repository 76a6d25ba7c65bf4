package status

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore persists status, configs, logs and traffic in the project database.
type SQLiteStore struct {
	db      *sql.DB
	maxLogs int
	now     func() time.Time
}

// NewSQLiteStore wraps an open database whose migrations have been applied.
// maxLogs <= 0 selects DefaultMaxLogs.
func NewSQLiteStore(db *sql.DB, maxLogs int) *SQLiteStore {
	if maxLogs <= 0 {
		maxLogs = DefaultMaxLogs
	}
	return &SQLiteStore{db: db, maxLogs: maxLogs, now: time.Now}
}

// GetStatus returns the persisted status or ErrNotFound.
func (s *SQLiteStore) GetStatus(ctx context.Context, protocol string) (ProtocolStatus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT state, pid, unit, started_at, version FROM core_status WHERE protocol = ?`,
		protocol,
	)
	st, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ProtocolStatus{}, fmt.Errorf("%w: status for %s", ErrNotFound, protocol)
	}
	if err != nil {
		return ProtocolStatus{}, fmt.Errorf("querying status for %s: %w", protocol, err)
	}
	return st, nil
}

// SetStatus validates and upserts the status.
func (s *SQLiteStore) SetStatus(ctx context.Context, protocol string, st ProtocolStatus) error {
	if err := st.Validate(); err != nil {
		return err
	}

	var pid, unit, startedAt any
	if st.Handle != nil {
		if st.Handle.PID > 0 {
			pid = st.Handle.PID
		}
		if st.Handle.Unit != "" {
			unit = st.Handle.Unit
		}
	}
	if st.StartedAt != nil {
		startedAt = st.StartedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_status (protocol, state, pid, unit, started_at, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(protocol) DO UPDATE SET
			state = excluded.state,
			pid = excluded.pid,
			unit = excluded.unit,
			started_at = excluded.started_at,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		protocol, string(st.State), pid, unit, startedAt, st.Version, s.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("saving status for %s: %w", protocol, err)
	}
	return nil
}

// ListStatuses returns every persisted status keyed by protocol.
func (s *SQLiteStore) ListStatuses(ctx context.Context) (map[string]ProtocolStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT protocol, state, pid, unit, started_at, version FROM core_status`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing statuses: %w", err)
	}
	defer rows.Close()

	out := make(map[string]ProtocolStatus)
	for rows.Next() {
		var protocol string
		st, err := scanStatus(rowScanner(func(dest ...any) error {
			return rows.Scan(append([]any{&protocol}, dest...)...)
		}))
		if err != nil {
			return nil, fmt.Errorf("scanning status row: %w", err)
		}
		out[protocol] = st
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

type rowScanner func(dest ...any) error

func (f rowScanner) Scan(dest ...any) error { return f(dest...) }

func scanStatus(row scanner) (ProtocolStatus, error) {
	var (
		state     string
		pid       sql.NullInt64
		unit      sql.NullString
		startedAt sql.NullString
		version   string
	)
	if err := row.Scan(&state, &pid, &unit, &startedAt, &version); err != nil {
		return ProtocolStatus{}, err
	}

	st := ProtocolStatus{State: State(state), Version: version}
	if pid.Valid || unit.Valid {
		st.Handle = &Handle{PID: int(pid.Int64), Unit: unit.String}
	}
	if startedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, startedAt.String)
		if err != nil {
			return ProtocolStatus{}, fmt.Errorf("parsing started_at %q: %w", startedAt.String, err)
		}
		st.StartedAt = &t
	}
	return st, nil
}

// GetConfig returns the stored document or ErrNotFound.
func (s *SQLiteStore) GetConfig(ctx context.Context, protocol string) (json.RawMessage, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM core_configs WHERE protocol = ?`, protocol,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: config for %s", ErrNotFound, protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("querying config for %s: %w", protocol, err)
	}
	return json.RawMessage(doc), nil
}

// UpdateConfig replaces the stored document.
func (s *SQLiteStore) UpdateConfig(ctx context.Context, protocol string, doc json.RawMessage) error {
	if !json.Valid(doc) {
		return fmt.Errorf("config for %s is not valid JSON", protocol)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_configs (protocol, document, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(protocol) DO UPDATE SET
			document = excluded.document,
			updated_at = excluded.updated_at`,
		protocol, string(doc), s.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("saving config for %s: %w", protocol, err)
	}
	return nil
}

// AppendLog inserts an entry and prunes the oldest beyond the cap.
func (s *SQLiteStore) AppendLog(ctx context.Context, level Level, source, message string) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (level, source, message, created_at) VALUES (?, ?, ?, ?)`,
		string(level), source, message, s.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("appending log: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil //nolint:nilerr // Pruning is best effort
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM logs WHERE id <= ?`, id-int64(s.maxLogs),
	); err != nil {
		return fmt.Errorf("pruning logs: %w", err)
	}
	return nil
}

// RecentLogs returns up to limit entries, newest first.
func (s *SQLiteStore) RecentLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 || limit > s.maxLogs {
		limit = s.maxLogs
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, level, source, message, created_at FROM logs ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying logs: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var level, createdAt string
		if err := rows.Scan(&e.ID, &level, &e.Source, &e.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning log row: %w", err)
		}
		e.Level = Level(level)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt) //nolint:errcheck // Format is controlled
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SetTraffic upserts one counter pair.
func (s *SQLiteStore) SetTraffic(ctx context.Context, protocol, client string, sample TrafficSample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO traffic (protocol, client, bytes_in, bytes_out, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(protocol, client) DO UPDATE SET
			bytes_in = excluded.bytes_in,
			bytes_out = excluded.bytes_out,
			updated_at = excluded.updated_at`,
		protocol, client, int64(sample.BytesIn), int64(sample.BytesOut), s.timestamp(), //nolint:gosec // Counters stay far below MaxInt64
	)
	if err != nil {
		return fmt.Errorf("saving traffic for %s: %w", protocol, err)
	}
	return nil
}

// GetTraffic returns every counter stored for the protocol, keyed by client.
func (s *SQLiteStore) GetTraffic(ctx context.Context, protocol string) (map[string]TrafficSample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT client, bytes_in, bytes_out FROM traffic WHERE protocol = ?`, protocol,
	)
	if err != nil {
		return nil, fmt.Errorf("querying traffic for %s: %w", protocol, err)
	}
	defer rows.Close()

	out := make(map[string]TrafficSample)
	for rows.Next() {
		var client string
		var in, outBytes int64
		if err := rows.Scan(&client, &in, &outBytes); err != nil {
			return nil, fmt.Errorf("scanning traffic row: %w", err)
		}
		out[client] = TrafficSample{BytesIn: uint64(in), BytesOut: uint64(outBytes)} //nolint:gosec // Stored from uint64
	}
	return out, rows.Err()
}

func (s *SQLiteStore) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}
