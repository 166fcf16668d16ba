package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/loomworks/loom/pkg/models"
)

// SignalRepository persists control signals. The claim is a single UPDATE
// over a locked subselect, so N concurrent claimers get exactly one winner
// without blocking each other (SKIP LOCKED).
type SignalRepository struct {
	db *sql.DB
}

func (r *SignalRepository) EnqueueSignal(ctx context.Context, signal *models.Signal) error {
	payload, err := encodeJSON(signal.Payload)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO signals (id, run_id, type, payload, processed, created_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, signal.ID, signal.RunID, string(signal.Type), payload,
		signal.Processed, signal.CreatedAt, signal.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue signal %s for run %s: %w", signal.ID, signal.RunID, err)
	}

	return nil
}

func (r *SignalRepository) ClaimSignal(ctx context.Context, runID string, types ...models.SignalType) (*models.Signal, error) {
	if len(types) == 0 {
		return nil, nil
	}

	typeNames := make([]string, len(types))
	for i, t := range types {
		typeNames[i] = string(t)
	}

	row := r.db.QueryRowContext(ctx, `
		UPDATE signals SET processed = TRUE, processed_at = NOW()
		WHERE id = (
			SELECT id FROM signals
			WHERE run_id = $1 AND NOT processed AND type = ANY($2)
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, run_id, type, payload, processed, created_at, processed_at
	`, runID, pq.Array(typeNames))

	signal, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to claim signal for run %s: %w", runID, err)
	}

	return signal, nil
}

func (r *SignalRepository) PendingSignalRuns(ctx context.Context, signalType models.SignalType) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT run_id FROM signals
		WHERE NOT processed AND type = $1
		ORDER BY run_id
	`, string(signalType))
	if err != nil {
		return nil, fmt.Errorf("failed to list runs with pending %s signals: %w", signalType, err)
	}

	defer func() { _ = rows.Close() }()

	var runIDs []string

	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			return nil, err
		}

		runIDs = append(runIDs, runID)
	}

	return runIDs, rows.Err()
}

func (r *SignalRepository) SignalsByRun(ctx context.Context, runID string) ([]*models.Signal, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, run_id, type, payload, processed, created_at, processed_at
		FROM signals WHERE run_id = $1 ORDER BY created_at, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals for run %s: %w", runID, err)
	}

	defer func() { _ = rows.Close() }()

	var signals []*models.Signal

	for rows.Next() {
		signal, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}

		signals = append(signals, signal)
	}

	return signals, rows.Err()
}

func scanSignal(row rowScanner) (*models.Signal, error) {
	var (
		signal      models.Signal
		kind        string
		payload     sql.NullString
		processedAt sql.NullTime
	)

	err := row.Scan(&signal.ID, &signal.RunID, &kind, &payload, &signal.Processed,
		&signal.CreatedAt, &processedAt)
	if err != nil {
		return nil, err
	}

	signal.Type = models.SignalType(kind)

	if processedAt.Valid {
		signal.ProcessedAt = &processedAt.Time
	}

	signal.Payload, err = decodeJSONMap(payload)
	if err != nil {
		return nil, err
	}

	return &signal, nil
}
