// Package store persists monitoring history to SQLite: one row per run, one
// per availability check, one per booking attempt. History is advisory; a
// write failure is logged by the caller and never stalls the monitor.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Schema creates the history tables. Applied on Open.
const Schema = `
CREATE TABLE IF NOT EXISTS monitoring_runs (
	id TEXT PRIMARY KEY,
	target_url TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER,
	outcome TEXT NOT NULL DEFAULT 'running',
	checks INTEGER NOT NULL DEFAULT 0,
	challenges INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON monitoring_runs(started_at);

CREATE TABLE IF NOT EXISTS run_checks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES monitoring_runs(id),
	at INTEGER NOT NULL,
	http_status INTEGER NOT NULL,
	challenge_kind TEXT NOT NULL DEFAULT '',
	available INTEGER NOT NULL DEFAULT 0,
	slots INTEGER NOT NULL DEFAULT 0,
	source TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_checks_run ON run_checks(run_id);

CREATE TABLE IF NOT EXISTS booking_attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES monitoring_runs(id),
	client_ref TEXT NOT NULL,
	outcome TEXT NOT NULL,
	reference TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_run ON booking_attempts(run_id);
`

// RunRecord is one monitoring run's summary row.
type RunRecord struct {
	ID         string
	TargetURL  string
	StartedAt  time.Time
	EndedAt    time.Time // zero while running
	Outcome    string
	Checks     int
	Challenges int
}

// CheckRecord is one availability check.
type CheckRecord struct {
	RunID         string
	At            time.Time
	HTTPStatus    int
	ChallengeKind string
	Available     bool
	Slots         int
	Source        string
}

// AttemptRecord is one booking attempt.
type AttemptRecord struct {
	RunID     string
	ClientRef string
	Outcome   string
	Reference string
	Error     string
	At        time.Time
}

// Store wraps the history database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database at path with production-safe
// pragmas and applies the schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// StartRun inserts the run row in the 'running' state.
func (s *Store) StartRun(ctx context.Context, id, targetURL string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO monitoring_runs (id, target_url, started_at) VALUES (?, ?, ?)`,
		id, targetURL, startedAt.Unix())
	if err != nil {
		return fmt.Errorf("store: start run: %w", err)
	}
	return nil
}

// FinishRun records the terminal outcome and counters for a run.
func (s *Store) FinishRun(ctx context.Context, id, outcome string, checks, challenges int, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE monitoring_runs SET outcome = ?, checks = ?, challenges = ?, ended_at = ? WHERE id = ?`,
		outcome, checks, challenges, endedAt.Unix(), id)
	if err != nil {
		return fmt.Errorf("store: finish run: %w", err)
	}
	return nil
}

// RecordCheck appends one availability check to the run's history.
func (s *Store) RecordCheck(ctx context.Context, c CheckRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_checks (run_id, at, http_status, challenge_kind, available, slots, source)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.RunID, c.At.Unix(), c.HTTPStatus, c.ChallengeKind, boolInt(c.Available), c.Slots, c.Source)
	if err != nil {
		return fmt.Errorf("store: record check: %w", err)
	}
	return nil
}

// RecordAttempt appends one booking attempt to the run's history.
func (s *Store) RecordAttempt(ctx context.Context, a AttemptRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO booking_attempts (run_id, client_ref, outcome, reference, error, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.RunID, a.ClientRef, a.Outcome, a.Reference, a.Error, a.At.Unix())
	if err != nil {
		return fmt.Errorf("store: record attempt: %w", err)
	}
	return nil
}

// RecentRuns lists runs newest first, up to limit.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target_url, started_at, COALESCE(ended_at, 0), outcome, checks, challenges
		 FROM monitoring_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var started, ended int64
		if err := rows.Scan(&r.ID, &r.TargetURL, &started, &ended, &r.Outcome, &r.Checks, &r.Challenges); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		r.StartedAt = time.Unix(started, 0)
		if ended > 0 {
			r.EndedAt = time.Unix(ended, 0)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ChecksForRun lists a run's checks in chronological order.
func (s *Store) ChecksForRun(ctx context.Context, runID string) ([]CheckRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, at, http_status, challenge_kind, available, slots, source
		 FROM run_checks WHERE run_id = ? ORDER BY at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: checks for run: %w", err)
	}
	defer rows.Close()

	var out []CheckRecord
	for rows.Next() {
		var c CheckRecord
		var at int64
		var avail int
		if err := rows.Scan(&c.RunID, &at, &c.HTTPStatus, &c.ChallengeKind, &avail, &c.Slots, &c.Source); err != nil {
			return nil, fmt.Errorf("store: scan check: %w", err)
		}
		c.At = time.Unix(at, 0)
		c.Available = avail != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// AttemptsForRun lists a run's booking attempts in chronological order.
func (s *Store) AttemptsForRun(ctx context.Context, runID string) ([]AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, client_ref, outcome, reference, error, at
		 FROM booking_attempts WHERE run_id = ? ORDER BY at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: attempts for run: %w", err)
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		var a AttemptRecord
		var at int64
		if err := rows.Scan(&a.RunID, &a.ClientRef, &a.Outcome, &a.Reference, &a.Error, &at); err != nil {
			return nil, fmt.Errorf("store: scan attempt: %w", err)
		}
		a.At = time.Unix(at, 0)
		out = append(out, a)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
