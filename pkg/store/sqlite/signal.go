package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// SignalRepository persists control signals. Claims are transactional so
// that exactly one caller wins a signal.
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
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, signal.ID, signal.RunID, string(signal.Type), payload,
		boolToInt(signal.Processed), encodeTime(signal.CreatedAt), encodeTimePtr(signal.ProcessedAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue signal %s for run %s: %w", signal.ID, signal.RunID, err)
	}

	return nil
}

// ClaimSignal selects the oldest unprocessed signal of the requested types
// and flips its processed flag in one transaction. The flag flip's processed
// predicate guarantees a single winner even if two claimers read the same
// candidate row.
func (r *SignalRepository) ClaimSignal(ctx context.Context, runID string, types ...models.SignalType) (*models.Signal, error) {
	if len(types) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(types))
	args := []any{runID}

	for i, t := range types {
		placeholders[i] = "?"

		args = append(args, string(t))
	}

	for {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to begin claim transaction for run %s: %w", runID, err)
		}

		row := tx.QueryRowContext(ctx, `
			SELECT id, run_id, type, payload, created_at
			FROM signals
			WHERE run_id = ? AND processed = 0 AND type IN (`+strings.Join(placeholders, ", ")+`)
			ORDER BY created_at, id
			LIMIT 1
		`, args...)

		var (
			signal    models.Signal
			kind      string
			payload   sql.NullString
			createdAt string
		)

		err = row.Scan(&signal.ID, &signal.RunID, &kind, &payload, &createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			_ = tx.Rollback()

			return nil, nil
		}

		if err != nil {
			_ = tx.Rollback()

			return nil, fmt.Errorf("failed to select claimable signal for run %s: %w", runID, err)
		}

		now := time.Now()

		result, err := tx.ExecContext(ctx, `
			UPDATE signals SET processed = 1, processed_at = ?
			WHERE id = ? AND processed = 0
		`, encodeTime(now), signal.ID)
		if err != nil {
			_ = tx.Rollback()

			return nil, fmt.Errorf("failed to claim signal %s: %w", signal.ID, err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			_ = tx.Rollback()

			return nil, fmt.Errorf("failed to claim signal %s: %w", signal.ID, err)
		}

		if affected == 0 {
			// Lost the race for this signal; try the next oldest.
			_ = tx.Rollback()

			continue
		}

		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit claim of signal %s: %w", signal.ID, err)
		}

		signal.Type = models.SignalType(kind)
		signal.Processed = true
		signal.CreatedAt = decodeTime(createdAt)
		processedAt := now.UTC()
		signal.ProcessedAt = &processedAt

		signal.Payload, err = decodeJSONMap(payload)
		if err != nil {
			return nil, err
		}

		return &signal, nil
	}
}

func (r *SignalRepository) PendingSignalRuns(ctx context.Context, signalType models.SignalType) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT run_id FROM signals
		WHERE processed = 0 AND type = ?
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
		FROM signals WHERE run_id = ? ORDER BY created_at, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals for run %s: %w", runID, err)
	}

	defer func() { _ = rows.Close() }()

	var signals []*models.Signal

	for rows.Next() {
		var (
			signal      models.Signal
			kind        string
			payload     sql.NullString
			processed   int
			createdAt   string
			processedAt sql.NullString
		)

		err := rows.Scan(&signal.ID, &signal.RunID, &kind, &payload, &processed, &createdAt, &processedAt)
		if err != nil {
			return nil, err
		}

		signal.Type = models.SignalType(kind)
		signal.Processed = processed != 0
		signal.CreatedAt = decodeTime(createdAt)
		signal.ProcessedAt = decodeTimePtr(processedAt)

		signal.Payload, err = decodeJSONMap(payload)
		if err != nil {
			return nil, err
		}

		signals = append(signals, &signal)
	}

	return signals, rows.Err()
}
