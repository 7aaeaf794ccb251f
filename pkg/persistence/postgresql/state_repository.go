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

// StateRepository handles state registry database operations.
type StateRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStateRepository creates a new state repository.
func NewStateRepository(db *sql.DB, logger *slog.Logger) *StateRepository {
	return &StateRepository{db: db, logger: logger}
}

const stateColumns = `
	id
  , name
  , kind
  , sys_state
  , tags
  , approval_conf
  , form_conf
  , is_template
  , disabled
  , color
  , sort
  , tenant
  , created_at
  , updated_at
`

func (r *StateRepository) Save(ctx context.Context, state *models.State) error {
	now := time.Now().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}

	state.UpdatedAt = now

	tagsJSON, err := jsonbValue(state.Tags)
	if err != nil {
		return persistence.NewEntityError("Save", "state", state.ID, err)
	}

	approvalJSON, err := jsonbValue(state.ApprovalConf)
	if err != nil {
		return persistence.NewEntityError("Save", "state", state.ID, err)
	}

	formJSON, err := jsonbValue(state.FormConf)
	if err != nil {
		return persistence.NewEntityError("Save", "state", state.ID, err)
	}

	query := `
		INSERT INTO flow_states (` + stateColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			kind = EXCLUDED.kind,
			sys_state = EXCLUDED.sys_state,
			tags = EXCLUDED.tags,
			approval_conf = EXCLUDED.approval_conf,
			form_conf = EXCLUDED.form_conf,
			is_template = EXCLUDED.is_template,
			disabled = EXCLUDED.disabled,
			color = EXCLUDED.color,
			sort = EXCLUDED.sort,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		state.ID, state.Name, state.Kind, state.SysState, tagsJSON, approvalJSON,
		formJSON, state.IsTemplate, state.Disabled, nullString(state.Color),
		state.Sort, state.Tenant, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		return persistence.NewEntityError("Save", "state", state.ID, err)
	}

	return nil
}

func (r *StateRepository) GetByID(ctx context.Context, id string) (*models.State, error) {
	query := `SELECT ` + stateColumns + ` FROM flow_states WHERE id = $1`

	state, err := r.scanState(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("GetByID", "state", id, persistence.ErrStateNotFound)
		}

		return nil, persistence.NewEntityError("GetByID", "state", id, err)
	}

	return state, nil
}

func (r *StateRepository) List(ctx context.Context, filter persistence.StateFilter) ([]*models.State, error) {
	query := `SELECT ` + stateColumns + ` FROM flow_states WHERE 1=1`

	args := make([]any, 0, 4)

	if filter.Tenant != "" {
		args = append(args, filter.Tenant)
		query += fmt.Sprintf(" AND tenant = $%d", len(args))
	}

	if filter.Kind != "" {
		args = append(args, filter.Kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}

	if filter.Tag != "" {
		// Empty tag scope admits any tag.
		args = append(args, fmt.Sprintf(`["%s"]`, filter.Tag))
		query += fmt.Sprintf(" AND (tags = '[]' OR tags IS NULL OR tags @> $%d)", len(args))
	}

	if filter.IsTemplate != nil {
		args = append(args, *filter.IsTemplate)
		query += fmt.Sprintf(" AND is_template = $%d", len(args))
	}

	if filter.Enabled != nil {
		args = append(args, !*filter.Enabled)
		query += fmt.Sprintf(" AND disabled = $%d", len(args))
	}

	query += " ORDER BY sort, id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query states: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	states := make([]*models.State, 0)

	for rows.Next() {
		state, err := r.scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}

		states = append(states, state)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating states: %w", err)
	}

	return states, nil
}

func (r *StateRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM flow_states WHERE id = $1`, id)
	if err != nil {
		return persistence.NewEntityError("Delete", "state", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewEntityError("Delete", "state", id, err)
	}

	if affected == 0 {
		return persistence.NewEntityError("Delete", "state", id, persistence.ErrStateNotFound)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *StateRepository) scanState(row rowScanner) (*models.State, error) {
	var (
		state       models.State
		tagsRaw     []byte
		approvalRaw []byte
		formRaw     []byte
		color       *string
	)

	err := row.Scan(&state.ID, &state.Name, &state.Kind, &state.SysState,
		&tagsRaw, &approvalRaw, &formRaw, &state.IsTemplate, &state.Disabled,
		&color, &state.Sort, &state.Tenant, &state.CreatedAt, &state.UpdatedAt)
	if err != nil {
		return nil, err
	}

	state.Color = fromNullString(color)

	if err := scanJSONB(tagsRaw, &state.Tags); err != nil {
		return nil, err
	}

	if err := scanJSONB(approvalRaw, &state.ApprovalConf); err != nil {
		return nil, err
	}

	if err := scanJSONB(formRaw, &state.FormConf); err != nil {
		return nil, err
	}

	return &state, nil
}
