package sqlite

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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			metadata = excluded.metadata,
			owner = excluded.owner,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`, flow.ID, flow.Name, flow.Description, metadata, flow.Owner,
		encodeTime(flow.CreatedAt), encodeTime(flow.UpdatedAt), encodeTimePtr(flow.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to save flow %s: %w", flow.ID, err)
	}

	return nil
}

func (r *FlowRepository) FlowByID(ctx context.Context, id string) (*models.Flow, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, description, metadata, owner, created_at, updated_at, deleted_at
		FROM flows WHERE id = ? AND deleted_at IS NULL
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
	definition, err := json.Marshal(struct {
		Nodes       []*models.NodeDefinition `json:"nodes"`
		Edges       []*models.Edge           `json:"edges"`
		InputSchema map[string]any           `json:"input_schema,omitempty"`
	}{Nodes: version.Nodes, Edges: version.Edges, InputSchema: version.InputSchema})
	if err != nil {
		return fmt.Errorf("failed to encode flow version definition: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO flow_versions (id, flow_id, version, definition, published, schedule, created_at, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, version.ID, version.FlowID, version.Version, string(definition),
		boolToInt(version.Published), version.Schedule,
		encodeTime(version.CreatedAt), encodeTimePtr(version.PublishedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "constraint") {
			return store.ErrVersionExists
		}

		return fmt.Errorf("failed to save flow version %s: %w", version.ID, err)
	}

	return nil
}

func (r *FlowRepository) VersionByID(ctx context.Context, id string) (*models.FlowVersion, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, flow_id, version, definition, published, schedule, created_at, published_at
		FROM flow_versions WHERE id = ?
	`, id)

	version, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrVersionNotFound
	}

	return version, err
}

func (r *FlowRepository) PublishedVersion(ctx context.Context, flowID string) (*models.FlowVersion, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, flow_id, version, definition, published, schedule, created_at, published_at
		FROM flow_versions WHERE flow_id = ? AND published = 1
		ORDER BY version DESC LIMIT 1
	`, flowID)

	version, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrVersionNotFound
	}

	return version, err
}

func (r *FlowRepository) ListVersions(ctx context.Context, flowID string) ([]*models.FlowVersion, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, flow_id, version, definition, published, schedule, created_at, published_at
		FROM flow_versions WHERE flow_id = ? ORDER BY version
	`, flowID)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(row rowScanner) (*models.Flow, error) {
	var (
		flow                           models.Flow
		metadata                       sql.NullString
		description, owner             sql.NullString
		createdAt, updatedAt           string
		deletedAt                      sql.NullString
	)

	err := row.Scan(&flow.ID, &flow.Name, &description, &metadata, &owner, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}

	flow.Description = description.String
	flow.Owner = owner.String
	flow.CreatedAt = decodeTime(createdAt)
	flow.UpdatedAt = decodeTime(updatedAt)
	flow.DeletedAt = decodeTimePtr(deletedAt)

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
		published   int
		schedule    sql.NullString
		createdAt   string
		publishedAt sql.NullString
	)

	err := row.Scan(&version.ID, &version.FlowID, &version.Version, &definition,
		&published, &schedule, &createdAt, &publishedAt)
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Nodes       []*models.NodeDefinition `json:"nodes"`
		Edges       []*models.Edge           `json:"edges"`
		InputSchema map[string]any           `json:"input_schema,omitempty"`
	}

	if err := json.Unmarshal([]byte(definition), &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode flow version definition: %w", err)
	}

	version.Nodes = decoded.Nodes
	version.Edges = decoded.Edges
	version.InputSchema = decoded.InputSchema
	version.Published = published != 0
	version.Schedule = schedule.String
	version.CreatedAt = decodeTime(createdAt)
	version.PublishedAt = decodeTimePtr(publishedAt)

	return &version, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
