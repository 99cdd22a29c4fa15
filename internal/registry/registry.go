// Package registry keeps a durable index of runs for a private data
// dir, so listing and pruning history does not require walking
// artifact directories. It is a single-writer embedded sqlite
// database living alongside the artifacts it describes.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ansible/ansible-runner/internal/status"
)

// ErrNotFound reports an ident with no recorded run.
var ErrNotFound = errors.New("registry: run not found")

// Run is one recorded job execution.
type Run struct {
	Ident          string
	PrivateDataDir string
	Status         status.Status
	RC             int
	PID            int
	StartedAt      time.Time
	FinishedAt     time.Time // zero while running
}

// Registry wraps the database handle. A single connection is enforced:
// sqlite serializes writers anyway and one connection sidesteps
// SQLITE_BUSY churn under concurrent CLI invocations.
type Registry struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	ident            TEXT PRIMARY KEY,
	private_data_dir TEXT NOT NULL,
	status           TEXT NOT NULL,
	rc               INTEGER NOT NULL DEFAULT 0,
	pid              INTEGER NOT NULL DEFAULT 0,
	started_at       INTEGER NOT NULL,
	finished_at      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS runs_started_at ON runs(started_at);
`

// Open opens or creates the registry at path.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("registry: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: create schema: %w", err)
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// Begin records a run as started. Re-running an ident replaces its
// previous record, matching how a rerun replaces its artifacts.
func (r *Registry) Begin(ident, privateDataDir string, pid int) error {
	_, err := r.db.Exec(`
		INSERT INTO runs (ident, private_data_dir, status, rc, pid, started_at, finished_at)
		VALUES (?, ?, ?, 0, ?, ?, 0)
		ON CONFLICT(ident) DO UPDATE SET
			private_data_dir = excluded.private_data_dir,
			status = excluded.status,
			rc = 0,
			pid = excluded.pid,
			started_at = excluded.started_at,
			finished_at = 0`,
		ident, privateDataDir, string(status.Running), pid, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("registry: begin %s: %w", ident, err)
	}
	return nil
}

// Finish records a run's terminal outcome.
func (r *Registry) Finish(ident string, st status.Status, rc int) error {
	res, err := r.db.Exec(
		`UPDATE runs SET status = ?, rc = ?, finished_at = ? WHERE ident = ?`,
		string(st), rc, time.Now().Unix(), ident)
	if err != nil {
		return fmt.Errorf("registry: finish %s: %w", ident, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, ident)
	}
	return nil
}

// Get returns one run by ident.
func (r *Registry) Get(ident string) (Run, error) {
	row := r.db.QueryRow(`
		SELECT ident, private_data_dir, status, rc, pid, started_at, finished_at
		FROM runs WHERE ident = ?`, ident)
	run, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, ident)
	}
	return run, err
}

// List returns all recorded runs, most recently started first.
func (r *Registry) List() ([]Run, error) {
	rows, err := r.db.Query(`
		SELECT ident, private_data_dir, status, rc, pid, started_at, finished_at
		FROM runs ORDER BY started_at DESC, ident`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// PruneOlderThan removes finished runs that ended before the cutoff
// and returns how many were dropped. In-flight runs are never pruned.
func (r *Registry) PruneOlderThan(age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age).Unix()
	res, err := r.db.Exec(
		`DELETE FROM runs WHERE finished_at > 0 AND finished_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("registry: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanRun(scan func(...any) error) (Run, error) {
	var run Run
	var st string
	var started, finished int64
	err := scan(&run.Ident, &run.PrivateDataDir, &st, &run.RC, &run.PID, &started, &finished)
	if err != nil {
		return Run{}, err
	}
	run.Status = status.Status(st)
	run.StartedAt = time.Unix(started, 0)
	if finished > 0 {
		run.FinishedAt = time.Unix(finished, 0)
	}
	return run, nil
}
