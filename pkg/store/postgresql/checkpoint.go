package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store"
)

// CheckpointRepository persists run checkpoints. The INSERT's sequence
// subquery and the (run_id, sequence) primary key together keep sequences
// strictly increasing and gap-free under concurrency.
type CheckpointRepository struct {
	db *sql.DB
}

func (r *CheckpointRepository) AppendCheckpoint(ctx context.Context, checkpoint *models.Checkpoint) error {
	data, err := encodeJSON(checkpoint.Data)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, sequence, node_id, data, created_at)
		SELECT $1, $2, $3, $4, $5
		WHERE $2 = (SELECT COALESCE(MAX(sequence), 0) + 1 FROM checkpoints WHERE run_id = $1)
	`, checkpoint.RunID, checkpoint.Sequence, checkpoint.NodeID, data, checkpoint.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return store.ErrCheckpointSequence
		}

		return &store.PersistenceError{Op: "AppendCheckpoint", RunID: checkpoint.RunID, NodeID: checkpoint.NodeID, Err: err}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return &store.PersistenceError{Op: "AppendCheckpoint", RunID: checkpoint.RunID, NodeID: checkpoint.NodeID, Err: err}
	}

	if affected == 0 {
		return store.ErrCheckpointSequence
	}

	return nil
}

func (r *CheckpointRepository) LatestCheckpoint(ctx context.Context, runID string) (*models.Checkpoint, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT run_id, sequence, node_id, data, created_at
		FROM checkpoints WHERE run_id = $1
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
		FROM checkpoints WHERE run_id = $1 ORDER BY sequence
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
	)

	err := row.Scan(&checkpoint.RunID, &checkpoint.Sequence, &checkpoint.NodeID, &data, &checkpoint.CreatedAt)
	if err != nil {
		return nil, err
	}

	checkpoint.Data, err = decodeJSONMap(data)
	if err != nil {
		return nil, err
	}

	return &checkpoint, nil
}
