package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
)

// ModelRepository handles workflow model database operations.
type ModelRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewModelRepository creates a new model repository.
func NewModelRepository(db *sql.DB, logger *slog.Logger) *ModelRepository {
	return &ModelRepository{db: db, logger: logger}
}

const modelColumns = `
	id
  , name
  , icon
  , info
  , kind
  , status
  , current_version_id
  , tag
  , is_main
  , rel_model_id
  , rel_template_ids
  , rel_transition_id
  , tenant
  , created_at
  , updated_at
`

func (r *ModelRepository) Save(ctx context.Context, model *models.Model) error {
	now := time.Now().UTC()
	if model.CreatedAt.IsZero() {
		model.CreatedAt = now
	}

	model.UpdatedAt = now

	templateIDsJSON, err := jsonbValue(model.RelTemplateIDs)
	if err != nil {
		return persistence.NewEntityError("Save", "model", model.ID, err)
	}

	query := `
		INSERT INTO flow_models (` + modelColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			icon = EXCLUDED.icon,
			info = EXCLUDED.info,
			kind = EXCLUDED.kind,
			status = EXCLUDED.status,
			current_version_id = EXCLUDED.current_version_id,
			tag = EXCLUDED.tag,
			is_main = EXCLUDED.is_main,
			rel_model_id = EXCLUDED.rel_model_id,
			rel_template_ids = EXCLUDED.rel_template_ids,
			rel_transition_id = EXCLUDED.rel_transition_id,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		model.ID, model.Name, nullString(model.Icon), nullString(model.Info),
		model.Kind, model.Status, nullString(model.CurrentVersionID), model.Tag,
		model.IsMain, nullString(model.RelModelID), templateIDsJSON,
		nullString(model.RelTransitionID), model.Tenant, model.CreatedAt, model.UpdatedAt)
	if err != nil {
		return persistence.NewEntityError("Save", "model", model.ID, err)
	}

	return nil
}

func (r *ModelRepository) GetByID(ctx context.Context, id string) (*models.Model, error) {
	query := `SELECT ` + modelColumns + ` FROM flow_models WHERE id = $1`

	model, err := r.scanModel(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("GetByID", "model", id, persistence.ErrModelNotFound)
		}

		return nil, persistence.NewEntityError("GetByID", "model", id, err)
	}

	return model, nil
}

func (r *ModelRepository) List(ctx context.Context, filter persistence.ModelFilter) ([]*models.Model, error) {
	query := `SELECT ` + modelColumns + ` FROM flow_models WHERE 1=1`

	args := make([]any, 0, 4)

	if filter.Tenant != "" {
		args = append(args, filter.Tenant)
		query += fmt.Sprintf(" AND tenant = $%d", len(args))
	}

	if filter.Tag != "" {
		args = append(args, filter.Tag)
		query += fmt.Sprintf(" AND tag = $%d", len(args))
	}

	if filter.Kind != "" {
		args = append(args, filter.Kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	query += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	result := make([]*models.Model, 0)

	for rows.Next() {
		model, err := r.scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}

		result = append(result, model)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating models: %w", err)
	}

	return result, nil
}

func (r *ModelRepository) FindByTag(ctx context.Context, tenant, tag string) (*models.Model, error) {
	query := `SELECT ` + modelColumns + ` FROM flow_models
		WHERE tenant = $1 AND tag = $2 AND is_main = TRUE AND status = 'enabled'
		ORDER BY created_at DESC LIMIT 1`

	model, err := r.scanModel(r.db.QueryRowContext(ctx, query, tenant, tag))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("FindByTag", "model", tag, persistence.ErrModelNotFound)
		}

		return nil, persistence.NewEntityError("FindByTag", "model", tag, err)
	}

	return model, nil
}

func (r *ModelRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM flow_models WHERE id = $1`, id)
	if err != nil {
		return persistence.NewEntityError("Delete", "model", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewEntityError("Delete", "model", id, err)
	}

	if affected == 0 {
		return persistence.NewEntityError("Delete", "model", id, persistence.ErrModelNotFound)
	}

	return nil
}

func (r *ModelRepository) scanModel(row rowScanner) (*models.Model, error) {
	var (
		model            models.Model
		icon             *string
		info             *string
		currentVersionID *string
		relModelID       *string
		templateIDsRaw   []byte
		relTransitionID  *string
	)

	err := row.Scan(&model.ID, &model.Name, &icon, &info, &model.Kind,
		&model.Status, &currentVersionID, &model.Tag, &model.IsMain,
		&relModelID, &templateIDsRaw, &relTransitionID, &model.Tenant,
		&model.CreatedAt, &model.UpdatedAt)
	if err != nil {
		return nil, err
	}

	model.Icon = fromNullString(icon)
	model.Info = fromNullString(info)
	model.CurrentVersionID = fromNullString(currentVersionID)
	model.RelModelID = fromNullString(relModelID)
	model.RelTransitionID = fromNullString(relTransitionID)

	if err := scanJSONB(templateIDsRaw, &model.RelTemplateIDs); err != nil {
		return nil, err
	}

	return &model, nil
}
