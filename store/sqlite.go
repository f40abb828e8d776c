package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS monitors (
	id               TEXT PRIMARY KEY,
	repo             TEXT NOT NULL,
	pr_number        INTEGER NOT NULL,
	pid              INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	iteration        INTEGER NOT NULL DEFAULT 0,
	max_iterations   INTEGER NOT NULL,
	interval_minutes INTEGER NOT NULL,
	comments_fixed   INTEGER NOT NULL DEFAULT 0,
	exit_reason      TEXT,
	log_file         TEXT NOT NULL DEFAULT '',
	started_at       TEXT NOT NULL,
	last_check_at    TEXT,
	next_check_at    TEXT,
	ended_at         TEXT
);
CREATE INDEX IF NOT EXISTS idx_monitors_pr ON monitors(repo, pr_number);
CREATE INDEX IF NOT EXISTS idx_monitors_status ON monitors(status);
`

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite handles one writer at a time; serialize at the pool level
	// rather than surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Insert(ctx context.Context, m *Monitor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO monitors (
			id, repo, pr_number, pid, status, iteration,
			max_iterations, interval_minutes, comments_fixed,
			exit_reason, log_file, started_at, last_check_at,
			next_check_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Repo, m.Number, m.PID, string(m.Status), m.Iteration,
		m.MaxIterations, m.IntervalMinutes, m.CommentsFixed,
		nullString(string(m.ExitReason)), m.LogFile, formatTime(m.StartedAt),
		nullTime(m.LastCheckAt), nullTime(m.NextCheckAt), nullTime(m.EndedAt))
	if err != nil {
		return fmt.Errorf("failed to insert monitor: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, m *Monitor) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE monitors SET
			pid = ?, status = ?, iteration = ?, comments_fixed = ?,
			exit_reason = ?, log_file = ?, last_check_at = ?,
			next_check_at = ?, ended_at = ?
		WHERE id = ?`,
		m.PID, string(m.Status), m.Iteration, m.CommentsFixed,
		nullString(string(m.ExitReason)), m.LogFile, nullTime(m.LastCheckAt),
		nullTime(m.NextCheckAt), nullTime(m.EndedAt), m.ID)
	if err != nil {
		return fmt.Errorf("failed to update monitor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update monitor: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Monitor, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	m, err := scanMonitor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *SQLiteStore) ActiveForPR(ctx context.Context, repo string, number int) (*Monitor, error) {
	row := s.db.QueryRowContext(ctx,
		selectColumns+` WHERE repo = ? AND pr_number = ? AND status IN (?, ?)
		ORDER BY started_at DESC LIMIT 1`,
		repo, number, string(StatusRunning), string(StatusSleeping))
	m, err := scanMonitor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*Monitor, error) {
	query := selectColumns
	var conds []string
	var args []any
	if filter.Repo != "" {
		conds = append(conds, "repo = ?")
		args = append(args, filter.Repo)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ActiveOnly {
		conds = append(conds, "status IN (?, ?)")
		args = append(args, string(StatusRunning), string(StatusSleeping))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitors: %w", err)
	}
	defer rows.Close()

	var monitors []*Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		monitors = append(monitors, m)
	}
	return monitors, rows.Err()
}

func (s *SQLiteStore) MarkOrphans(ctx context.Context, endedAt time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE monitors SET status = ?, exit_reason = ?, pid = 0, ended_at = ?
		WHERE status IN (?, ?)`,
		string(StatusFailed), string(ExitProcessError), formatTime(endedAt),
		string(StatusRunning), string(StatusSleeping))
	if err != nil {
		return 0, fmt.Errorf("failed to mark orphaned monitors: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to mark orphaned monitors: %w", err)
	}
	return int(n), nil
}

const selectColumns = `
	SELECT id, repo, pr_number, pid, status, iteration, max_iterations,
		interval_minutes, comments_fixed, exit_reason, log_file,
		started_at, last_check_at, next_check_at, ended_at
	FROM monitors`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMonitor(row rowScanner) (*Monitor, error) {
	var m Monitor
	var status, startedAt string
	var exitReason, lastCheck, nextCheck, endedAt sql.NullString
	err := row.Scan(&m.ID, &m.Repo, &m.Number, &m.PID, &status, &m.Iteration,
		&m.MaxIterations, &m.IntervalMinutes, &m.CommentsFixed,
		&exitReason, &m.LogFile, &startedAt, &lastCheck, &nextCheck, &endedAt)
	if err != nil {
		return nil, err
	}
	m.Status = Status(status)
	if exitReason.Valid {
		m.ExitReason = ExitReason(exitReason.String)
	}
	if m.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if m.LastCheckAt, err = parseNullTime(lastCheck); err != nil {
		return nil, fmt.Errorf("failed to parse last_check_at: %w", err)
	}
	if m.NextCheckAt, err = parseNullTime(nextCheck); err != nil {
		return nil, fmt.Errorf("failed to parse next_check_at: %w", err)
	}
	if m.EndedAt, err = parseNullTime(endedAt); err != nil {
		return nil, fmt.Errorf("failed to parse ended_at: %w", err)
	}
	return &m, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
