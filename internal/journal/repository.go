package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Repository persists run outcomes. It never feeds state back into a run.
type Repository interface {
	Save(rec *Record) error
	List(limit int) ([]Record, error)
	Close() error
}

type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// OpenAt creates or opens a SQLite journal at the given path.
func OpenAt(path string) (*SQLiteRepository, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: failed to create directory %s: %w", dir, err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("journal: failed to open database: %w", err)
	}

	r := &SQLiteRepository{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRepository) migrate() error {
	const ddl = `
        CREATE TABLE IF NOT EXISTS runs (
            id             INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id         TEXT    NOT NULL UNIQUE,
            vm_name        TEXT    NOT NULL,
            vm_addr        TEXT    NOT NULL DEFAULT '',
            script_path    TEXT    NOT NULL DEFAULT '',
            state          TEXT    NOT NULL,
            rounds         INTEGER NOT NULL DEFAULT 0,
            reason         TEXT    NOT NULL DEFAULT '',
            ram_spikes     INTEGER NOT NULL DEFAULT 0,
            net_spikes     INTEGER NOT NULL DEFAULT 0,
            syscall_spikes INTEGER NOT NULL DEFAULT 0,
            failures       INTEGER NOT NULL DEFAULT 0,
            stopped        INTEGER NOT NULL DEFAULT 0,
            started_at     TEXT    NOT NULL,
            finished_at    TEXT    NOT NULL
        );
        CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
        CREATE INDEX IF NOT EXISTS idx_runs_vm_name ON runs(vm_name);
    `
	if _, err := r.db.Exec(ddl); err != nil {
		return fmt.Errorf("journal: migration failed: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Save(rec *Record) error {
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now().UTC()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.FinishedAt
	}

	result, err := r.db.Exec(`
        INSERT INTO runs (run_id, vm_name, vm_addr, script_path, state, rounds, reason,
                          ram_spikes, net_spikes, syscall_spikes, failures, stopped, started_at, finished_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.VMName, rec.VMAddr, rec.ScriptPath, rec.State, rec.Rounds, rec.Reason,
		rec.RAMSpikes, rec.NetSpikes, rec.SyscallSpikes, rec.Failures, rec.Stopped,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("journal: insert failed: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("journal: failed to get last insert ID: %w", err)
	}
	rec.ID = id
	return nil
}

// List returns the most recent runs, newest first.
func (r *SQLiteRepository) List(limit int) ([]Record, error) {
	rows, err := r.db.Query(`
        SELECT id, run_id, vm_name, vm_addr, script_path, state, rounds, reason,
               ram_spikes, net_spikes, syscall_spikes, failures, stopped, started_at, finished_at
        FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query failed: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var started, finished string
		err := rows.Scan(
			&rec.ID, &rec.RunID, &rec.VMName, &rec.VMAddr, &rec.ScriptPath, &rec.State, &rec.Rounds, &rec.Reason,
			&rec.RAMSpikes, &rec.NetSpikes, &rec.SyscallSpikes, &rec.Failures, &rec.Stopped, &started, &finished,
		)
		if err != nil {
			return nil, fmt.Errorf("journal: scan failed: %w", err)
		}
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
