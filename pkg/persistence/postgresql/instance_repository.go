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

// InstanceRepository handles instance database operations. Updates use an
// optimistic revision check so concurrent transfers cannot overwrite each
// other's artifacts.
type InstanceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewInstanceRepository creates a new instance repository.
func NewInstanceRepository(db *sql.DB, logger *slog.Logger) *InstanceRepository {
	return &InstanceRepository{db: db, logger: logger}
}

const instanceColumns = `
	id
  , code
  , version_id
  , business_obj_id
  , tag
  , current_state_id
  , main
  , rel_child_objs
  , artifacts
  , transitions
  , comments
  , create_ctx
  , created_at
  , finish_ctx
  , finish_time
  , finish_abort
  , output_message
  , tenant
  , revision
  , last_timer_check
`

func (r *InstanceRepository) Create(ctx context.Context, inst *models.Instance) error {
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}

	inst.Revision = 1

	fields, err := instanceJSONFields(inst)
	if err != nil {
		return persistence.NewEntityError("Create", "instance", inst.ID, err)
	}

	query := `
		INSERT INTO flow_instances (` + instanceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`

	_, err = r.db.ExecContext(ctx, query,
		inst.ID, inst.Code, inst.VersionID, inst.BusinessObjID, inst.Tag,
		inst.CurrentStateID, inst.Main, fields.relChildObjs, fields.artifacts,
		fields.transitions, fields.comments, fields.createCtx, inst.CreatedAt,
		fields.finishCtx, inst.FinishTime, inst.FinishAbort,
		nullString(inst.OutputMessage), inst.Tenant, inst.Revision, inst.LastTimerCheck)
	if err != nil {
		return persistence.NewEntityError("Create", "instance", inst.ID, err)
	}

	return nil
}

// Update writes the instance back, failing with ErrRevisionConflict when the
// stored revision no longer matches the one the caller read.
func (r *InstanceRepository) Update(ctx context.Context, inst *models.Instance) error {
	fields, err := instanceJSONFields(inst)
	if err != nil {
		return persistence.NewEntityError("Update", "instance", inst.ID, err)
	}

	query := `
		UPDATE flow_instances SET
			current_state_id = $2,
			rel_child_objs = $3,
			artifacts = $4,
			transitions = $5,
			comments = $6,
			finish_ctx = $7,
			finish_time = $8,
			finish_abort = $9,
			output_message = $10,
			last_timer_check = $11,
			revision = revision + 1
		WHERE id = $1 AND revision = $12
	`

	result, err := r.db.ExecContext(ctx, query,
		inst.ID, inst.CurrentStateID, fields.relChildObjs, fields.artifacts,
		fields.transitions, fields.comments, fields.finishCtx, inst.FinishTime,
		inst.FinishAbort, nullString(inst.OutputMessage), inst.LastTimerCheck,
		inst.Revision)
	if err != nil {
		return persistence.NewEntityError("Update", "instance", inst.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewEntityError("Update", "instance", inst.ID, err)
	}

	if affected == 0 {
		// Either the row is gone or a concurrent writer advanced the revision.
		var exists bool

		err = r.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM flow_instances WHERE id = $1)`, inst.ID).Scan(&exists)
		if err != nil {
			return persistence.NewEntityError("Update", "instance", inst.ID, err)
		}

		if !exists {
			return persistence.NewEntityError("Update", "instance", inst.ID, persistence.ErrInstanceNotFound)
		}

		return persistence.NewEntityError("Update", "instance", inst.ID, persistence.ErrRevisionConflict)
	}

	inst.Revision++

	return nil
}

func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM flow_instances WHERE id = $1`

	inst, err := r.scanInstance(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("GetByID", "instance", id, persistence.ErrInstanceNotFound)
		}

		return nil, persistence.NewEntityError("GetByID", "instance", id, err)
	}

	return inst, nil
}

func (r *InstanceRepository) FindByBusinessObj(ctx context.Context, tenant, tag, objID string, mainOnly bool) ([]*models.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM flow_instances
		WHERE tenant = $1 AND tag = $2 AND business_obj_id = $3`

	if mainOnly {
		query += " AND main = TRUE"
	}

	query += " ORDER BY created_at"

	return r.queryInstances(ctx, query, tenant, tag, objID)
}

func (r *InstanceRepository) ListRunning(ctx context.Context, tenant string) ([]*models.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM flow_instances WHERE finish_time IS NULL`

	args := make([]any, 0, 1)

	if tenant != "" {
		args = append(args, tenant)
		query += " AND tenant = $1"
	}

	query += " ORDER BY id"

	return r.queryInstances(ctx, query, args...)
}

func (r *InstanceRepository) CountByVersionState(ctx context.Context, versionID, stateID string) (int, error) {
	var count int

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM flow_instances
		 WHERE version_id = $1 AND current_state_id = $2 AND finish_time IS NULL`,
		versionID, stateID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count instances in state: %w", err)
	}

	return count, nil
}

func (r *InstanceRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM flow_instances WHERE id = $1`, id)
	if err != nil {
		return persistence.NewEntityError("Delete", "instance", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewEntityError("Delete", "instance", id, err)
	}

	if affected == 0 {
		return persistence.NewEntityError("Delete", "instance", id, persistence.ErrInstanceNotFound)
	}

	return nil
}

func (r *InstanceRepository) queryInstances(ctx context.Context, query string, args ...any) ([]*models.Instance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	instances := make([]*models.Instance, 0)

	for rows.Next() {
		inst, err := r.scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}

		instances = append(instances, inst)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return instances, nil
}

type instanceJSON struct {
	relChildObjs any
	artifacts    any
	transitions  any
	comments     any
	createCtx    any
	finishCtx    any
}

func instanceJSONFields(inst *models.Instance) (*instanceJSON, error) {
	fields := &instanceJSON{}

	var err error

	if fields.relChildObjs, err = jsonbValue(inst.RelChildObjs); err != nil {
		return nil, err
	}

	if fields.artifacts, err = jsonbValue(inst.Artifacts); err != nil {
		return nil, err
	}

	if fields.transitions, err = jsonbValue(inst.Transitions); err != nil {
		return nil, err
	}

	if fields.comments, err = jsonbValue(inst.Comments); err != nil {
		return nil, err
	}

	if fields.createCtx, err = jsonbValue(inst.CreateCtx); err != nil {
		return nil, err
	}

	if fields.finishCtx, err = jsonbValue(inst.FinishCtx); err != nil {
		return nil, err
	}

	return fields, nil
}

func (r *InstanceRepository) scanInstance(row rowScanner) (*models.Instance, error) {
	var (
		inst            models.Instance
		relChildObjsRaw []byte
		artifactsRaw    []byte
		transitionsRaw  []byte
		commentsRaw     []byte
		createCtxRaw    []byte
		finishCtxRaw    []byte
		outputMessage   *string
	)

	err := row.Scan(&inst.ID, &inst.Code, &inst.VersionID, &inst.BusinessObjID,
		&inst.Tag, &inst.CurrentStateID, &inst.Main, &relChildObjsRaw,
		&artifactsRaw, &transitionsRaw, &commentsRaw, &createCtxRaw,
		&inst.CreatedAt, &finishCtxRaw, &inst.FinishTime, &inst.FinishAbort,
		&outputMessage, &inst.Tenant, &inst.Revision, &inst.LastTimerCheck)
	if err != nil {
		return nil, err
	}

	inst.OutputMessage = fromNullString(outputMessage)

	jsonPairs := []struct {
		raw    []byte
		target any
	}{
		{relChildObjsRaw, &inst.RelChildObjs},
		{artifactsRaw, &inst.Artifacts},
		{transitionsRaw, &inst.Transitions},
		{commentsRaw, &inst.Comments},
		{createCtxRaw, &inst.CreateCtx},
		{finishCtxRaw, &inst.FinishCtx},
	}

	for _, pair := range jsonPairs {
		if err := scanJSONB(pair.raw, pair.target); err != nil {
			return nil, err
		}
	}

	return &inst, nil
}
