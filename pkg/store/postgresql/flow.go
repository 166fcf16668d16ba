package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store"
)

// FlowRepository persists flows and their immutable versions.
type FlowRepository struct {
	db *sql.DB
}

func (r *FlowRepository) SaveFlow(ctx context.Context, flow *models.Flow) error {
	metadata, err := encodeJSON(flow.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO flows (id, name, description, metadata, owner, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			metadata = EXCLUDED.metadata,
			owner = EXCLUDED.owner,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
	`, flow.ID, flow.Name, flow.Description, metadata, flow.Owner,
		flow.CreatedAt, flow.UpdatedAt, flow.DeletedAt)
	if err != nil {
		return fmt.Errorf("failed to save flow %s: %w", flow.ID, err)
	}

	return nil
}

func (r *FlowRepository) FlowByID(ctx context.Context, id string) (*models.Flow, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, description, metadata, owner, created_at, updated_at, deleted_at
		FROM flows WHERE id = $1 AND deleted_at IS NULL
	`, id)

	flow, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrFlowNotFound
	}

	return flow, err
}

func (r *FlowRepository) ListFlows(ctx context.Context) ([]*models.Flow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, description, metadata, owner, created_at, updated_at, deleted_at
		FROM flows WHERE deleted_at IS NULL ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var flows []*models.Flow

	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}

		flows = append(flows, flow)
	}

	return flows, rows.Err()
}

func (r *FlowRepository) SaveVersion(ctx context.Context, version *models.FlowVersion) error {
	definition, err := json.Marshal(flowDefinition{
		Nodes:       version.Nodes,
		Edges:       version.Edges,
		InputSchema: version.InputSchema,
	})
	if err != nil {
		return fmt.Errorf("failed to encode flow version definition: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO flow_versions (id, flow_id, version, definition, published, schedule, created_at, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, version.ID, version.FlowID, version.Version, string(definition),
		version.Published, version.Schedule, version.CreatedAt, version.PublishedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return store.ErrVersionExists
		}

		return fmt.Errorf("failed to save flow version %s: %w", version.ID, err)
	}

	return nil
}

func (r *FlowRepository) VersionByID(ctx context.Context, id string) (*models.FlowVersion, error) {
	row := r.db.QueryRowContext(ctx, selectVersion+` WHERE id = $1`, id)

	version, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrVersionNotFound
	}

	return version, err
}

func (r *FlowRepository) PublishedVersion(ctx context.Context, flowID string) (*models.FlowVersion, error) {
	row := r.db.QueryRowContext(ctx,
		selectVersion+` WHERE flow_id = $1 AND published ORDER BY version DESC LIMIT 1`, flowID)

	version, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrVersionNotFound
	}

	return version, err
}

func (r *FlowRepository) ListVersions(ctx context.Context, flowID string) ([]*models.FlowVersion, error) {
	rows, err := r.db.QueryContext(ctx, selectVersion+` WHERE flow_id = $1 ORDER BY version`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list flow versions: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var versions []*models.FlowVersion

	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}

		versions = append(versions, version)
	}

	return versions, rows.Err()
}

const selectVersion = `
	SELECT id, flow_id, version, definition, published, schedule, created_at, published_at
	FROM flow_versions
`

type flowDefinition struct {
	Nodes       []*models.NodeDefinition `json:"nodes"`
	Edges       []*models.Edge           `json:"edges"`
	InputSchema map[string]any           `json:"input_schema,omitempty"`
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(row rowScanner) (*models.Flow, error) {
	var (
		flow               models.Flow
		description, owner sql.NullString
		metadata           sql.NullString
		deletedAt          sql.NullTime
	)

	err := row.Scan(&flow.ID, &flow.Name, &description, &metadata, &owner,
		&flow.CreatedAt, &flow.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}

	flow.Description = description.String
	flow.Owner = owner.String

	if deletedAt.Valid {
		flow.DeletedAt = &deletedAt.Time
	}

	flow.Metadata, err = decodeJSONMap(metadata)
	if err != nil {
		return nil, err
	}

	return &flow, nil
}

func scanVersion(row rowScanner) (*models.FlowVersion, error) {
	var (
		version     models.FlowVersion
		definition  string
		schedule    sql.NullString
		publishedAt sql.NullTime
	)

	err := row.Scan(&version.ID, &version.FlowID, &version.Version, &definition,
		&version.Published, &schedule, &version.CreatedAt, &publishedAt)
	if err != nil {
		return nil, err
	}

	var decoded flowDefinition
	if err := json.Unmarshal([]byte(definition), &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode flow version definition: %w", err)
	}

	version.Nodes = decoded.Nodes
	version.Edges = decoded.Edges
	version.InputSchema = decoded.InputSchema
	version.Schedule = schedule.String

	if publishedAt.Valid {
		version.PublishedAt = &publishedAt.Time
	}

	return &version, nil
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode JSON column: %w", err)
	}

	return sql.NullString{String: string(raw), Valid: true}, nil
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
