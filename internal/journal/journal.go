// Package journal keeps a local history of sync runs in SQLite.
//
// Every reconciliation and every incremental batch the engine performs is
// recorded as one run row, with one failure row per file that could not be
// transferred. The history backs the "history" command and lets a user see
// which files a background sync skipped.
//
// The database uses WAL mode so the CLI can read history while a watch
// process is writing to it.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Run is one sync operation.
type Run struct {
	ID          string
	Project     string
	Kind        string // sync mode or incremental handler name
	StartedAt   time.Time
	Duration    time.Duration
	Transferred int
	Failed      int
	Failures    []Failure // filled by RecordRun callers; not loaded by Runs
}

// Failure is one file that failed within a run.
type Failure struct {
	Path  string
	Op    string
	Error string
}

// Filter narrows Runs.
type Filter struct {
	Project string    // empty for all projects
	Since   time.Time // zero for no lower bound
	Limit   int       // 0 for the default of 50
}

// DB wraps the journal database.
type DB struct {
	conn *sql.DB
	path string
}

// DefaultPath returns ~/.dssync/journal.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".dssync", "journal.db"), nil
}

// Open opens (creating if needed) the journal at path and initializes the
// schema. The caller must Close it.
func Open(ctx context.Context, path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the database.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint journal WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the tables. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		kind TEXT NOT NULL,
		started_at INTEGER NOT NULL,  -- unix milliseconds
		duration_ms INTEGER NOT NULL,
		transferred INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS failures (
		run_id TEXT NOT NULL,
		path TEXT NOT NULL,
		op TEXT NOT NULL,
		error TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project, started_at);
	CREATE INDEX IF NOT EXISTS idx_failures_run ON failures(run_id);
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return nil
}

// RecordRun stores a run and its failures in one transaction. An empty ID
// is filled with a new UUID.
func (db *DB) RecordRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO runs (id, project, kind, started_at, duration_ms, transferred, failed)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Project,
		run.Kind,
		run.StartedAt.UnixMilli(),
		run.Duration.Milliseconds(),
		run.Transferred,
		run.Failed,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}

	for _, f := range run.Failures {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO failures (run_id, path, op, error) VALUES (?, ?, ?, ?)`,
			run.ID, f.Path, f.Op, f.Error)
		if err != nil {
			return fmt.Errorf("failed to insert failure for %s: %w", f.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", run.ID, err)
	}
	return nil
}

// Runs returns recorded runs, newest first.
func (db *DB) Runs(ctx context.Context, f Filter) ([]Run, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var since int64
	if !f.Since.IsZero() {
		since = f.Since.UnixMilli()
	}

	rows, err := db.conn.QueryContext(ctx, `
	SELECT id, project, kind, started_at, duration_ms, transferred, failed
	FROM runs
	WHERE (? = '' OR project = ?) AND started_at >= ?
	ORDER BY started_at DESC
	LIMIT ?`,
		f.Project, f.Project, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, dur int64
		if err := rows.Scan(&r.ID, &r.Project, &r.Kind, &started, &dur, &r.Transferred, &r.Failed); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt = time.UnixMilli(started)
		r.Duration = time.Duration(dur) * time.Millisecond
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read runs: %w", err)
	}
	return runs, nil
}

// Failures returns the failed files of one run.
func (db *DB) Failures(ctx context.Context, runID string) ([]Failure, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT path, op, error FROM failures WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.Path, &f.Op, &f.Error); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read failures: %w", err)
	}
	return out, nil
}
