// Package store persists worker run history in SQLite. One row per
// finished run, written by the daemon on exit events and read by the
// runs command.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "github.com/ncruces/go-sqlite3/driver" // sqlite3 database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"  // embedded sqlite build
)

// Run is one finished worker run.
type Run struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Category   string    `json:"category"`
	Project    string    `json:"project,omitempty"`
	SpecID     string    `json:"specId,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt"`
	ExitCode   int       `json:"exitCode"`
	FinalPhase string    `json:"finalPhase"`
}

const runColumns = `id, key, category, project, spec_id, started_at, ended_at, exit_code, final_phase`

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	key         TEXT NOT NULL,
	category    TEXT NOT NULL,
	project     TEXT NOT NULL DEFAULT '',
	spec_id     TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMP NOT NULL,
	ended_at    TIMESTAMP NOT NULL,
	exit_code   INTEGER NOT NULL,
	final_phase TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_key ON runs(key);
CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project);
`

// Store is the run history repository.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the run history database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts a finished run. A missing ID gets a fresh UUID; the
// generated or provided ID is returned.
func (s *Store) Record(ctx context.Context, run Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Key, run.Category, run.Project, run.SpecID,
		run.StartedAt.UTC(), run.EndedAt.UTC(), run.ExitCode, run.FinalPhase,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	return run.ID, nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY ended_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ByKey returns up to limit runs for one worker key, newest first.
func (s *Store) ByKey(ctx context.Context, key string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE key = ? ORDER BY ended_at DESC LIMIT ?`,
		key, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs by key: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ByProject returns up to limit runs for one project, newest first.
func (s *Store) ByProject(ctx context.Context, project string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE project = ? ORDER BY ended_at DESC LIMIT ?`,
		project, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs by project: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	var runs []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(
			&run.ID, &run.Key, &run.Category, &run.Project, &run.SpecID,
			&run.StartedAt, &run.EndedAt, &run.ExitCode, &run.FinalPhase,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
