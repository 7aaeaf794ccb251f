package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
)

// VersionRepository handles version graph database operations.
type VersionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewVersionRepository creates a new version repository.
func NewVersionRepository(db *sql.DB, logger *slog.Logger) *VersionRepository {
	return &VersionRepository{db: db, logger: logger}
}

const versionColumns = `
	id
  , name
  , model_id
  , status
  , init_state_id
  , tenant
  , published_by
  , published_at
  , created_at
  , updated_at
`

func (r *VersionRepository) Save(ctx context.Context, version *models.Version) error {
	now := time.Now().UTC()
	if version.CreatedAt.IsZero() {
		version.CreatedAt = now
	}

	version.UpdatedAt = now

	query := `
		INSERT INTO flow_versions (` + versionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			init_state_id = EXCLUDED.init_state_id,
			published_by = EXCLUDED.published_by,
			published_at = EXCLUDED.published_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		version.ID, version.Name, version.ModelID, version.Status,
		nullString(version.InitStateID), version.Tenant,
		nullString(version.PublishedBy), version.PublishedAt,
		version.CreatedAt, version.UpdatedAt)
	if err != nil {
		return persistence.NewEntityError("Save", "version", version.ID, err)
	}

	return nil
}

func (r *VersionRepository) GetByID(ctx context.Context, id string) (*models.Version, error) {
	query := `SELECT ` + versionColumns + ` FROM flow_versions WHERE id = $1`

	version, err := r.scanVersion(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("GetByID", "version", id, persistence.ErrVersionNotFound)
		}

		return nil, persistence.NewEntityError("GetByID", "version", id, err)
	}

	return version, nil
}

func (r *VersionRepository) ListByModel(ctx context.Context, modelID string, statuses ...models.VersionStatus) ([]*models.Version, error) {
	query := `SELECT ` + versionColumns + ` FROM flow_versions WHERE model_id = $1`

	args := []any{modelID}

	if len(statuses) > 0 {
		statusStrings := make([]string, len(statuses))
		for i, s := range statuses {
			statusStrings[i] = string(s)
		}

		args = append(args, pq.Array(statusStrings))
		query += " AND status = ANY($2)"
	}

	query += " ORDER BY created_at"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	versions := make([]*models.Version, 0)

	for rows.Next() {
		version, err := r.scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}

		versions = append(versions, version)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}

	return versions, nil
}

func (r *VersionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM flow_versions WHERE id = $1`, id)
	if err != nil {
		return persistence.NewEntityError("Delete", "version", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewEntityError("Delete", "version", id, err)
	}

	if affected == 0 {
		return persistence.NewEntityError("Delete", "version", id, persistence.ErrVersionNotFound)
	}

	return nil
}

func (r *VersionRepository) scanVersion(row rowScanner) (*models.Version, error) {
	var (
		version     models.Version
		initStateID *string
		publishedBy *string
	)

	err := row.Scan(&version.ID, &version.Name, &version.ModelID, &version.Status,
		&initStateID, &version.Tenant, &publishedBy, &version.PublishedAt,
		&version.CreatedAt, &version.UpdatedAt)
	if err != nil {
		return nil, err
	}

	version.InitStateID = fromNullString(initStateID)
	version.PublishedBy = fromNullString(publishedBy)

	return &version, nil
}
