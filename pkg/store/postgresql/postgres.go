// Package postgresql provides the PostgreSQL implementation of the
// durable-store contract, for deployments where several controller replicas
// share one store. Signal claims use row locks with SKIP LOCKED and status
// changes are guarded compare-and-set updates, so replicas coordinate
// through the database alone.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/loomworks/loom/pkg/store"
	"github.com/loomworks/loom/pkg/store/sqlbase"

	_ "github.com/lib/pq"
)

// Store implements store.Store on PostgreSQL.
type Store struct {
	db             *sql.DB
	logger         *slog.Logger
	flowRepo       *FlowRepository
	runRepo        *RunRepository
	signalRepo     *SignalRepository
	checkpointRepo *CheckpointRepository
}

// NewStore connects to the database, runs migrations and returns the store.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, db, migrations())
	if err := migrationManager.RunMigrations(ctx); err != nil {
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
		return fmt.Errorf("failed to close database connection: %w", err)
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
				metadata JSONB,
				owner TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE TABLE IF NOT EXISTS flow_versions (
				id TEXT PRIMARY KEY,
				flow_id TEXT NOT NULL REFERENCES flows(id),
				version INTEGER NOT NULL,
				definition JSONB NOT NULL,
				published BOOLEAN NOT NULL DEFAULT FALSE,
				schedule TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				published_at TIMESTAMP WITH TIME ZONE,
				UNIQUE(flow_id, version)
			);

			CREATE TABLE IF NOT EXISTS runs (
				id TEXT PRIMARY KEY,
				flow_id TEXT,
				flow_version_id TEXT NOT NULL REFERENCES flow_versions(id),
				status TEXT NOT NULL,
				current_node TEXT,
				data JSONB,
				metadata JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				last_event_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, created_at);

			CREATE TABLE IF NOT EXISTS signals (
				id TEXT PRIMARY KEY,
				run_id TEXT NOT NULL REFERENCES runs(id),
				type TEXT NOT NULL,
				payload JSONB,
				processed BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				processed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX IF NOT EXISTS idx_signals_claim
				ON signals(run_id, type, created_at) WHERE NOT processed;

			CREATE TABLE IF NOT EXISTS checkpoints (
				run_id TEXT NOT NULL REFERENCES runs(id),
				sequence INTEGER NOT NULL,
				node_id TEXT NOT NULL,
				data JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY(run_id, sequence)
			);
		`,
	}
}
