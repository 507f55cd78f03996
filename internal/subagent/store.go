package subagent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// Schema version for migrations
const currentSchemaVersion = 1

// Store persists sub-agent run records and their thread bindings
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the run database at path
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	L_info("subagent: run store opened", "path", path)
	return store, nil
}

func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		// Table doesn't exist, start from scratch
		version = 0
	}

	if version >= currentSchemaVersion {
		L_debug("subagent: schema up to date", "version", version)
		return nil
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		L_debug("subagent: applied migration", "version", i+1)
	}

	return nil
}

func migrateV1(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	INSERT INTO schema_version (version, applied_at) VALUES (1, ?);

	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		session_id TEXT,
		outcome TEXT NOT NULL DEFAULT '',
		reply TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		binding TEXT,
		announced_to TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);
	`
	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

// SaveRun inserts or replaces a run record with its binding. The binding
// is already validated at spawn time, so nothing partial lands here.
func (s *Store) SaveRun(ctx context.Context, run RunResult) error {
	var binding sql.NullString
	if run.Binding != nil {
		data, err := json.Marshal(run.Binding)
		if err != nil {
			return fmt.Errorf("marshal binding: %w", err)
		}
		binding = sql.NullString{String: string(data), Valid: true}
	}

	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, agent_id, session_id, outcome, reply, error, binding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			outcome = excluded.outcome,
			reply = excluded.reply,
			error = excluded.error,
			binding = excluded.binding,
			updated_at = excluded.updated_at`,
		run.RunID, run.AgentID, run.SessionID, run.Outcome, run.Reply, run.Error, binding, now, now)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.RunID, err)
	}
	return nil
}

// Run loads a run record by id
func (s *Store) Run(ctx context.Context, runID string) (*RunResult, error) {
	var run RunResult
	var binding sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, agent_id, session_id, outcome, reply, error, binding
		FROM runs WHERE run_id = ?`, runID).
		Scan(&run.RunID, &run.AgentID, &run.SessionID, &run.Outcome, &run.Reply, &run.Error, &binding)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	if binding.Valid {
		var b ThreadBinding
		if err := json.Unmarshal([]byte(binding.String), &b); err != nil {
			return nil, fmt.Errorf("unmarshal binding for run %s: %w", runID, err)
		}
		run.Binding = &b
	}
	return &run, nil
}

// MarkAnnounced records where a run's completion notice was delivered
func (s *Store) MarkAnnounced(ctx context.Context, runID, target string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE runs SET announced_to = ?, updated_at = ? WHERE run_id = ?",
		target, time.Now().Unix(), runID)
	return err
}

// DeleteRun removes a run record and its binding with it
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE run_id = ?", runID)
	return err
}

// SessionRuns lists the run ids recorded for one spawning session
func (s *Store) SessionRuns(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT run_id FROM runs WHERE session_id = ? ORDER BY created_at", sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}
