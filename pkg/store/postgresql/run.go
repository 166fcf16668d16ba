package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store"
)

// RunRepository persists run records. TransitionStatus is the only status
// write path; it relies on the UPDATE's status predicate for atomicity so
// that concurrent replicas resolve races at the database.
type RunRepository struct {
	db *sql.DB
}

func (r *RunRepository) CreateRun(ctx context.Context, run *models.Run) error {
	data, err := encodeJSON(run.Data)
	if err != nil {
		return err
	}

	metadata, err := encodeJSON(run.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO runs (id, flow_id, flow_version_id, status, current_node, data, metadata,
			created_at, started_at, finished_at, last_event_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, run.ID, run.FlowID, run.FlowVersionID, string(run.Status), run.CurrentNode,
		data, metadata, run.CreatedAt, run.StartedAt, run.FinishedAt, run.LastEventAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return store.ErrRunExists
		}

		return &store.RunError{Op: "CreateRun", RunID: run.ID, Err: err}
	}

	return nil
}

func (r *RunRepository) RunByID(ctx context.Context, id string) (*models.Run, error) {
	row := r.db.QueryRowContext(ctx, selectRun+` WHERE id = $1`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrRunNotFound
	}

	return run, err
}

func (r *RunRepository) ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]*models.Run, error) {
	rows, err := r.db.QueryContext(ctx, selectRun+` WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list runs by status %s: %w", status, err)
	}

	defer func() { _ = rows.Close() }()

	var runs []*models.Run

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func (r *RunRepository) TransitionStatus(ctx context.Context, runID string, expected, next models.RunStatus, metadata map[string]any) (bool, error) {
	if !expected.CanTransitionTo(next) {
		return false, nil
	}

	encodedMetadata, err := encodeJSON(metadata)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()

	var startedAt, finishedAt sql.NullTime

	if next == models.RunStatusRunning {
		startedAt = sql.NullTime{Time: now, Valid: true}
	}

	if next.Terminal() {
		finishedAt = sql.NullTime{Time: now, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE runs SET
			status = $1,
			metadata = COALESCE(metadata, '{}'::jsonb) || COALESCE($2::jsonb, '{}'::jsonb),
			last_event_at = $3,
			started_at = COALESCE(started_at, $4),
			finished_at = COALESCE(finished_at, $5)
		WHERE id = $6 AND status = $7
	`, string(next), encodedMetadata, now, startedAt, finishedAt, runID, string(expected))
	if err != nil {
		return false, &store.RunError{Op: "TransitionStatus", RunID: runID, Err: err}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, &store.RunError{Op: "TransitionStatus", RunID: runID, Err: err}
	}

	if affected == 0 {
		var exists int
		if err := r.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = $1`, runID).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return false, store.ErrRunNotFound
		}

		return false, nil
	}

	return true, nil
}

func (r *RunRepository) UpdateProgress(ctx context.Context, runID string, status models.RunStatus, currentNode string, data map[string]any) error {
	encoded, err := encodeJSON(data)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE runs SET current_node = $1, data = $2, last_event_at = $3
		WHERE id = $4 AND status = $5
	`, currentNode, encoded, time.Now().UTC(), runID, string(status))
	if err != nil {
		return &store.RunError{Op: "UpdateProgress", RunID: runID, Err: err}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return &store.RunError{Op: "UpdateProgress", RunID: runID, Err: err}
	}

	if affected == 0 {
		var exists int
		if err := r.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = $1`, runID).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return store.ErrRunNotFound
		}

		return store.ErrRunNotOwned
	}

	return nil
}

const selectRun = `
	SELECT id, flow_id, flow_version_id, status, current_node, data, metadata,
		created_at, started_at, finished_at, last_event_at
	FROM runs
`

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		run                   models.Run
		flowID, currentNode   sql.NullString
		status                string
		data, metadata        sql.NullString
		startedAt, finishedAt sql.NullTime
	)

	err := row.Scan(&run.ID, &flowID, &run.FlowVersionID, &status, &currentNode,
		&data, &metadata, &run.CreatedAt, &startedAt, &finishedAt, &run.LastEventAt)
	if err != nil {
		return nil, err
	}

	run.FlowID = flowID.String
	run.Status = models.RunStatus(status)
	run.CurrentNode = currentNode.String

	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}

	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}

	run.Data, err = decodeJSONMap(data)
	if err != nil {
		return nil, err
	}

	run.Metadata, err = decodeJSONMap(metadata)
	if err != nil {
		return nil, err
	}

	return &run, nil
}
