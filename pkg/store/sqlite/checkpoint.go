package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store"
)

// CheckpointRepository persists run checkpoints. The (run_id, sequence)
// primary key backs the gap-free ordering guarantee even if two writers
// somehow race.
type CheckpointRepository struct {
	db *sql.DB
}

func (r *CheckpointRepository) AppendCheckpoint(ctx context.Context, checkpoint *models.Checkpoint) error {
	data, err := encodeJSON(checkpoint.Data)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &store.PersistenceError{Op: "AppendCheckpoint", RunID: checkpoint.RunID, NodeID: checkpoint.NodeID, Err: err}
	}

	defer func() { _ = tx.Rollback() }()

	var latest int

	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM checkpoints WHERE run_id = ?`,
		checkpoint.RunID).Scan(&latest)
	if err != nil {
		return &store.PersistenceError{Op: "AppendCheckpoint", RunID: checkpoint.RunID, NodeID: checkpoint.NodeID, Err: err}
	}

	if checkpoint.Sequence != latest+1 {
		return store.ErrCheckpointSequence
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, sequence, node_id, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, checkpoint.RunID, checkpoint.Sequence, checkpoint.NodeID, data, encodeTime(checkpoint.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "constraint") {
			return store.ErrCheckpointSequence
		}

		return &store.PersistenceError{Op: "AppendCheckpoint", RunID: checkpoint.RunID, NodeID: checkpoint.NodeID, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &store.PersistenceError{Op: "AppendCheckpoint", RunID: checkpoint.RunID, NodeID: checkpoint.NodeID, Err: err}
	}

	return nil
}

func (r *CheckpointRepository) LatestCheckpoint(ctx context.Context, runID string) (*models.Checkpoint, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT run_id, sequence, node_id, data, created_at
		FROM checkpoints WHERE run_id = ?
		ORDER BY sequence DESC LIMIT 1
	`, runID)

	checkpoint, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrCheckpointNotFound
	}

	return checkpoint, err
}

func (r *CheckpointRepository) CheckpointsByRun(ctx context.Context, runID string) ([]*models.Checkpoint, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id, sequence, node_id, data, created_at
		FROM checkpoints WHERE run_id = ? ORDER BY sequence
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for run %s: %w", runID, err)
	}

	defer func() { _ = rows.Close() }()

	var checkpoints []*models.Checkpoint

	for rows.Next() {
		checkpoint, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}

		checkpoints = append(checkpoints, checkpoint)
	}

	return checkpoints, rows.Err()
}

func scanCheckpoint(row rowScanner) (*models.Checkpoint, error) {
	var (
		checkpoint models.Checkpoint
		data       sql.NullString
		createdAt  string
	)

	err := row.Scan(&checkpoint.RunID, &checkpoint.Sequence, &checkpoint.NodeID, &data, &createdAt)
	if err != nil {
		return nil, err
	}

	checkpoint.CreatedAt = decodeTime(createdAt)

	checkpoint.Data, err = decodeJSONMap(data)
	if err != nil {
		return nil, err
	}

	return &checkpoint, nil
}
