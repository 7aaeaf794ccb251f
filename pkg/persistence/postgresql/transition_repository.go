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

// TransitionRepository handles transition database operations.
type TransitionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTransitionRepository creates a new transition repository.
func NewTransitionRepository(db *sql.DB, logger *slog.Logger) *TransitionRepository {
	return &TransitionRepository{db: db, logger: logger}
}

const transitionColumns = `
	id
  , version_id
  , name
  , from_state_id
  , to_state_id
  , transfer_by_auto
  , transfer_by_timer
  , guard_by_creator
  , guard_by_his_operators
  , guard_by_assigned
  , guard_by_spec_account_ids
  , guard_by_spec_role_ids
  , guard_by_spec_org_ids
  , guard_by_other_conds
  , vars_collect
  , double_check
  , action_by_pre_callback
  , action_by_post_callback
  , post_actions
  , sort
  , created_at
  , updated_at
`

func (r *TransitionRepository) Save(ctx context.Context, transition *models.Transition) error {
	now := time.Now().UTC()
	if transition.CreatedAt.IsZero() {
		transition.CreatedAt = now
	}

	transition.UpdatedAt = now

	jsonFields := make([]any, 0, 6)

	for _, v := range []any{
		transition.GuardBySpecAccounts, transition.GuardBySpecRoles,
		transition.GuardBySpecOrgs, transition.GuardByOtherConds,
		transition.VarsCollect, transition.PostActions,
	} {
		raw, err := jsonbValue(v)
		if err != nil {
			return persistence.NewEntityError("Save", "transition", transition.ID, err)
		}

		jsonFields = append(jsonFields, raw)
	}

	doubleCheckJSON, err := jsonbValue(transition.DoubleCheck)
	if err != nil {
		return persistence.NewEntityError("Save", "transition", transition.ID, err)
	}

	query := `
		INSERT INTO flow_transitions (` + transitionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			from_state_id = EXCLUDED.from_state_id,
			to_state_id = EXCLUDED.to_state_id,
			transfer_by_auto = EXCLUDED.transfer_by_auto,
			transfer_by_timer = EXCLUDED.transfer_by_timer,
			guard_by_creator = EXCLUDED.guard_by_creator,
			guard_by_his_operators = EXCLUDED.guard_by_his_operators,
			guard_by_assigned = EXCLUDED.guard_by_assigned,
			guard_by_spec_account_ids = EXCLUDED.guard_by_spec_account_ids,
			guard_by_spec_role_ids = EXCLUDED.guard_by_spec_role_ids,
			guard_by_spec_org_ids = EXCLUDED.guard_by_spec_org_ids,
			guard_by_other_conds = EXCLUDED.guard_by_other_conds,
			vars_collect = EXCLUDED.vars_collect,
			double_check = EXCLUDED.double_check,
			action_by_pre_callback = EXCLUDED.action_by_pre_callback,
			action_by_post_callback = EXCLUDED.action_by_post_callback,
			post_actions = EXCLUDED.post_actions,
			sort = EXCLUDED.sort,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		transition.ID, transition.VersionID, transition.Name,
		transition.FromStateID, transition.ToStateID, transition.TransferByAuto,
		nullString(transition.TransferByTimer), transition.GuardByCreator,
		transition.GuardByHisOperators, transition.GuardByAssigned,
		jsonFields[0], jsonFields[1], jsonFields[2], jsonFields[3], jsonFields[4],
		doubleCheckJSON, nullString(transition.ActionByPreCallback),
		nullString(transition.ActionByPostCallback), jsonFields[5],
		transition.Sort, transition.CreatedAt, transition.UpdatedAt)
	if err != nil {
		return persistence.NewEntityError("Save", "transition", transition.ID, err)
	}

	return nil
}

func (r *TransitionRepository) GetByID(ctx context.Context, id string) (*models.Transition, error) {
	query := `SELECT ` + transitionColumns + ` FROM flow_transitions WHERE id = $1`

	transition, err := r.scanTransition(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("GetByID", "transition", id, persistence.ErrTransitionNotFound)
		}

		return nil, persistence.NewEntityError("GetByID", "transition", id, err)
	}

	return transition, nil
}

func (r *TransitionRepository) ListByVersion(ctx context.Context, versionID string) ([]*models.Transition, error) {
	query := `SELECT ` + transitionColumns + ` FROM flow_transitions
		WHERE version_id = $1 ORDER BY sort, id`

	rows, err := r.db.QueryContext(ctx, query, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	transitions := make([]*models.Transition, 0)

	for rows.Next() {
		transition, err := r.scanTransition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}

		transitions = append(transitions, transition)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	return transitions, nil
}

// DeleteBatch removes all named transitions in one transaction. Any id that
// is missing or owned by another version rejects the whole batch.
func (r *TransitionRepository) DeleteBatch(ctx context.Context, versionID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var owned int

	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM flow_transitions WHERE version_id = $1 AND id = ANY($2)`,
		versionID, pq.Array(ids)).Scan(&owned)
	if err != nil {
		return fmt.Errorf("failed to check transition ownership: %w", err)
	}

	if owned != len(ids) {
		err = persistence.ErrTransitionNotFound

		return persistence.NewEntityError("DeleteBatch", "transition", versionID, err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM flow_transitions WHERE version_id = $1 AND id = ANY($2)`,
		versionID, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to delete transitions: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit transition delete: %w", err)
	}

	return nil
}

func (r *TransitionRepository) scanTransition(row rowScanner) (*models.Transition, error) {
	var (
		transition    models.Transition
		timer         *string
		accountsRaw   []byte
		rolesRaw      []byte
		orgsRaw       []byte
		condsRaw      []byte
		varsRaw       []byte
		doubleRaw     []byte
		preCallback   *string
		postCallback  *string
		postActionRaw []byte
	)

	err := row.Scan(&transition.ID, &transition.VersionID, &transition.Name,
		&transition.FromStateID, &transition.ToStateID, &transition.TransferByAuto,
		&timer, &transition.GuardByCreator, &transition.GuardByHisOperators,
		&transition.GuardByAssigned, &accountsRaw, &rolesRaw, &orgsRaw,
		&condsRaw, &varsRaw, &doubleRaw, &preCallback, &postCallback,
		&postActionRaw, &transition.Sort, &transition.CreatedAt, &transition.UpdatedAt)
	if err != nil {
		return nil, err
	}

	transition.TransferByTimer = fromNullString(timer)
	transition.ActionByPreCallback = fromNullString(preCallback)
	transition.ActionByPostCallback = fromNullString(postCallback)

	jsonPairs := []struct {
		raw    []byte
		target any
	}{
		{accountsRaw, &transition.GuardBySpecAccounts},
		{rolesRaw, &transition.GuardBySpecRoles},
		{orgsRaw, &transition.GuardBySpecOrgs},
		{condsRaw, &transition.GuardByOtherConds},
		{varsRaw, &transition.VarsCollect},
		{doubleRaw, &transition.DoubleCheck},
		{postActionRaw, &transition.PostActions},
	}

	for _, pair := range jsonPairs {
		if err := scanJSONB(pair.raw, pair.target); err != nil {
			return nil, err
		}
	}

	return &transition, nil
}
