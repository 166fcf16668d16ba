// Package sqlite provides the SQLite implementation of the durable-store
// contract. It stores everything in a single-file database, which makes it
// the default for local-first deployments: zero setup, durable across
// process restarts, transactional enough to back the engine's atomic
// primitives.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/store"
	"github.com/loomworks/loom/pkg/store/sqlbase"
	_ "modernc.org/sqlite"
)

// Store implements store.Store on SQLite.
type Store struct {
	db             *sql.DB
	logger         *slog.Logger
	flowRepo       *FlowRepository
	runRepo        *RunRepository
	signalRepo     *SignalRepository
	checkpointRepo *CheckpointRepository
}

// NewStore opens (or creates) the database at path. ":memory:" gives an
// ephemeral database for tests.
func NewStore(ctx context.Context, logger *slog.Logger, path string) (*Store, error) {
	path = strings.TrimPrefix(path, "sqlite://")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite supports one writer at a time; a single pooled connection
	// also keeps :memory: databases from silently forking.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	migrationManager := sqlbase.NewMigrationManager(logger, db, migrations())
	if err := migrationManager.RunMigrations(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		db:             db,
		logger:         logger,
		flowRepo:       &FlowRepository{db: db},
		runRepo:        &RunRepository{db: db},
		signalRepo:     &SignalRepository{db: db},
		checkpointRepo: &CheckpointRepository{db: db},
	}, nil
}

func (s *Store) Flows() store.FlowRepository             { return s.flowRepo }
func (s *Store) Runs() store.RunRepository               { return s.runRepo }
func (s *Store) Signals() store.SignalRepository         { return s.signalRepo }
func (s *Store) Checkpoints() store.CheckpointRepository { return s.checkpointRepo }

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (s *Store) Close(_ context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS flows (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				description TEXT,
				metadata TEXT,
				owner TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				deleted_at TEXT
			);

			CREATE TABLE IF NOT EXISTS flow_versions (
				id TEXT PRIMARY KEY,
				flow_id TEXT NOT NULL,
				version INTEGER NOT NULL,
				definition TEXT NOT NULL,
				published INTEGER NOT NULL DEFAULT 0,
				schedule TEXT,
				created_at TEXT NOT NULL,
				published_at TEXT,
				UNIQUE(flow_id, version)
			);

			CREATE TABLE IF NOT EXISTS runs (
				id TEXT PRIMARY KEY,
				flow_id TEXT,
				flow_version_id TEXT NOT NULL,
				status TEXT NOT NULL,
				current_node TEXT,
				data TEXT,
				metadata TEXT,
				created_at TEXT NOT NULL,
				started_at TEXT,
				finished_at TEXT,
				last_event_at TEXT NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, created_at);

			CREATE TABLE IF NOT EXISTS signals (
				id TEXT PRIMARY KEY,
				run_id TEXT NOT NULL,
				type TEXT NOT NULL,
				payload TEXT,
				processed INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				processed_at TEXT
			);

			CREATE INDEX IF NOT EXISTS idx_signals_claim ON signals(run_id, type, processed, created_at);

			CREATE TABLE IF NOT EXISTS checkpoints (
				run_id TEXT NOT NULL,
				sequence INTEGER NOT NULL,
				node_id TEXT NOT NULL,
				data TEXT NOT NULL,
				created_at TEXT NOT NULL,
				PRIMARY KEY(run_id, sequence)
			);
		`,
	}
}

// Timestamps are stored as RFC 3339 text.

func encodeTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func encodeTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}

	return sql.NullString{String: encodeTime(*t), Valid: true}
}

func decodeTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}

	return t
}

func decodeTimePtr(raw sql.NullString) *time.Time {
	if !raw.Valid {
		return nil
	}

	t := decodeTime(raw.String)

	return &t
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode JSON column: %w", err)
	}

	return string(raw), nil
}

func decodeJSONMap(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil, fmt.Errorf("failed to decode JSON column: %w", err)
	}

	return out, nil
}
