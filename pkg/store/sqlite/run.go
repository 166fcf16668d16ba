package sqlite

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

// RunRepository persists run records. Status changes go through
// TransitionStatus exclusively; there is no unconditional status write.
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.FlowID, run.FlowVersionID, string(run.Status), run.CurrentNode,
		data, metadata, encodeTime(run.CreatedAt), encodeTimePtr(run.StartedAt),
		encodeTimePtr(run.FinishedAt), encodeTime(run.LastEventAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "constraint") {
			return store.ErrRunExists
		}

		return &store.RunError{Op: "CreateRun", RunID: run.ID, Err: err}
	}

	return nil
}

func (r *RunRepository) RunByID(ctx context.Context, id string) (*models.Run, error) {
	row := r.db.QueryRowContext(ctx, selectRun+` WHERE id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrRunNotFound
	}

	return run, err
}

func (r *RunRepository) ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]*models.Run, error) {
	rows, err := r.db.QueryContext(ctx, selectRun+` WHERE status = ? ORDER BY created_at`, string(status))
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

// TransitionStatus performs the compare-and-set inside a transaction: the
// UPDATE's status predicate is what makes losers observe zero affected rows
// instead of corrupting state.
func (r *RunRepository) TransitionStatus(ctx context.Context, runID string, expected, next models.RunStatus, metadata map[string]any) (bool, error) {
	if !expected.CanTransitionTo(next) {
		return false, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, &store.RunError{Op: "TransitionStatus", RunID: runID, Err: err}
	}

	defer func() { _ = tx.Rollback() }()

	var (
		currentStatus string
		rawMetadata   sql.NullString
	)

	err = tx.QueryRowContext(ctx, `SELECT status, metadata FROM runs WHERE id = ?`, runID).
		Scan(&currentStatus, &rawMetadata)
	if errors.Is(err, sql.ErrNoRows) {
		return false, store.ErrRunNotFound
	}

	if err != nil {
		return false, &store.RunError{Op: "TransitionStatus", RunID: runID, Err: err}
	}

	if models.RunStatus(currentStatus) != expected {
		return false, nil
	}

	merged, err := decodeJSONMap(rawMetadata)
	if err != nil {
		return false, err
	}

	if metadata != nil {
		if merged == nil {
			merged = make(map[string]any)
		}

		for k, v := range metadata {
			merged[k] = v
		}
	}

	encodedMetadata, err := encodeJSON(merged)
	if err != nil {
		return false, err
	}

	now := encodeTime(time.Now())

	startedAt := sql.NullString{}
	if next == models.RunStatusRunning {
		startedAt = sql.NullString{String: now, Valid: true}
	}

	finishedAt := sql.NullString{}
	if next.Terminal() {
		finishedAt = sql.NullString{String: now, Valid: true}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE runs SET
			status = ?,
			metadata = ?,
			last_event_at = ?,
			started_at = COALESCE(started_at, ?),
			finished_at = COALESCE(finished_at, ?)
		WHERE id = ? AND status = ?
	`, string(next), encodedMetadata, now, startedAt, finishedAt, runID, string(expected))
	if err != nil {
		return false, &store.RunError{Op: "TransitionStatus", RunID: runID, Err: err}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, &store.RunError{Op: "TransitionStatus", RunID: runID, Err: err}
	}

	if affected == 0 {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, &store.RunError{Op: "TransitionStatus", RunID: runID, Err: err}
	}

	return true, nil
}

func (r *RunRepository) UpdateProgress(ctx context.Context, runID string, status models.RunStatus, currentNode string, data map[string]any) error {
	encoded, err := encodeJSON(data)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE runs SET current_node = ?, data = ?, last_event_at = ?
		WHERE id = ? AND status = ?
	`, currentNode, encoded, encodeTime(time.Now()), runID, string(status))
	if err != nil {
		return &store.RunError{Op: "UpdateProgress", RunID: runID, Err: err}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return &store.RunError{Op: "UpdateProgress", RunID: runID, Err: err}
	}

	if affected == 0 {
		var exists int
		if err := r.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
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
		run                    models.Run
		status                 string
		currentNode            sql.NullString
		flowID                 sql.NullString
		data, metadata         sql.NullString
		createdAt, lastEventAt string
		startedAt, finishedAt  sql.NullString
	)

	err := row.Scan(&run.ID, &flowID, &run.FlowVersionID, &status, &currentNode,
		&data, &metadata, &createdAt, &startedAt, &finishedAt, &lastEventAt)
	if err != nil {
		return nil, err
	}

	run.FlowID = flowID.String
	run.Status = models.RunStatus(status)
	run.CurrentNode = currentNode.String
	run.CreatedAt = decodeTime(createdAt)
	run.LastEventAt = decodeTime(lastEventAt)
	run.StartedAt = decodeTimePtr(startedAt)
	run.FinishedAt = decodeTimePtr(finishedAt)

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
