// Package store persists probe-run history in a local SQLite database so
// past batch results can be reviewed without re-probing the portal.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/snapetech/stalkerprobe/internal/portal"
	"github.com/snapetech/stalkerprobe/internal/prober"
)

// Repository is what the CLI layer consumes.
type Repository interface {
	SaveRun(ctx context.Context, run Run, entries []prober.Entry) (string, error)
	RecentRuns(ctx context.Context, limit int) ([]Run, error)
	RunResults(ctx context.Context, runID string) ([]Result, error)
}

// Compile-time interface guard.
var _ Repository = (*SQLiteStore)(nil)

// Run is one batch (or single) probe run.
type Run struct {
	ID         string
	PortalURL  string
	APIPath    string
	StartedAt  time.Time
	FinishedAt time.Time
	Summary    prober.Summary
}

// Result is one persisted per-MAC outcome.
type Result struct {
	RunID     string
	Position  int
	MAC       string
	Status    portal.AuthStatus
	Message   string
	CheckedAt time.Time
}

// SQLiteStore implements Repository backed by modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// New opens (or creates) the database at path and applies WAL pragmas and
// the schema. SQLite performs best with a single write connection.
func New(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id           TEXT PRIMARY KEY,
			portal_url   TEXT    NOT NULL,
			api_path     TEXT    NOT NULL,
			started_at   DATETIME NOT NULL,
			finished_at  DATETIME NOT NULL,
			total        INTEGER NOT NULL,
			active       INTEGER NOT NULL,
			unauthorized INTEGER NOT NULL,
			inactive     INTEGER NOT NULL,
			unknown      INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS results (
			run_id     TEXT    NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			position   INTEGER NOT NULL,
			mac        TEXT    NOT NULL,
			status     INTEGER NOT NULL,
			message    TEXT    NOT NULL,
			checked_at DATETIME NOT NULL,
			PRIMARY KEY (run_id, position)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_mac ON results(mac)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SaveRun records a run and its per-MAC results in one transaction and
// returns the generated run ID.
func (s *SQLiteStore) SaveRun(ctx context.Context, run Run, entries []prober.Entry) (string, error) {
	id := run.ID
	if id == "" {
		id = uuid.NewString()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, portal_url, api_path, started_at, finished_at, total, active, unauthorized, inactive, unknown)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, run.PortalURL, run.APIPath, run.StartedAt.UTC(), run.FinishedAt.UTC(),
		run.Summary.Total, run.Summary.Active, run.Summary.Unauthorized, run.Summary.Inactive, run.Summary.Unknown,
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	for _, e := range entries {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO results (run_id, position, mac, status, message, checked_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id, e.Position, e.Device.MAC, int(e.Result.Status), e.Result.Message, e.Result.CheckedAt.UTC(),
		)
		if err != nil {
			return "", fmt.Errorf("insert result %s: %w", e.Device.MAC, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// RecentRuns returns the most recent runs, newest first.
func (s *SQLiteStore) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, portal_url, api_path, started_at, finished_at, total, active, unauthorized, inactive, unknown
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.PortalURL, &r.APIPath, &r.StartedAt, &r.FinishedAt,
			&r.Summary.Total, &r.Summary.Active, &r.Summary.Unauthorized, &r.Summary.Inactive, &r.Summary.Unknown); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunResults returns the per-MAC results of one run in probe order.
func (s *SQLiteStore) RunResults(ctx context.Context, runID string) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, position, mac, status, message, checked_at
		 FROM results WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var status int
		if err := rows.Scan(&r.RunID, &r.Position, &r.MAC, &status, &r.Message, &r.CheckedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Status = portal.AuthStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}
