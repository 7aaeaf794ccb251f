package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
)

// StateRegistry manages the catalog of reusable state definitions.
type StateRegistry struct {
	persistence persistence.Persistence
	logger      *slog.Logger
}

// NewStateRegistry creates a new state registry service.
func NewStateRegistry(persistence persistence.Persistence, logger *slog.Logger) *StateRegistry {
	return &StateRegistry{
		persistence: persistence,
		logger:      logger.With("module", "state-registry"),
	}
}

// CreateStateRequest carries a new state definition.
type CreateStateRequest struct {
	Name         string           `validate:"required"`
	Kind         models.StateKind `validate:"required"`
	SysState     models.SysState  `validate:"required"`
	Tags         []string
	ApprovalConf *models.ApprovalConf
	FormConf     *models.FormConf
	IsTemplate   bool
	Color        string
	Sort         int64
	Tenant       string
}

// Create persists a new standalone state definition.
func (s *StateRegistry) Create(ctx context.Context, req CreateStateRequest) (*models.State, error) {
	if err := validateKindConf(req.Kind, req.ApprovalConf, req.FormConf); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state ID: %w", err)
	}

	state := &models.State{
		ID:           id.String(),
		Name:         req.Name,
		Kind:         req.Kind,
		SysState:     req.SysState,
		Tags:         req.Tags,
		ApprovalConf: req.ApprovalConf,
		FormConf:     req.FormConf,
		IsTemplate:   req.IsTemplate,
		Color:        req.Color,
		Sort:         req.Sort,
		Tenant:       req.Tenant,
	}

	if err := s.persistence.States().Save(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to save state: %w", err)
	}

	return state, nil
}

// ModifyStateRequest patches an existing state definition. Nil fields are
// left unchanged.
type ModifyStateRequest struct {
	Name         *string
	SysState     *models.SysState
	Tags         *[]string
	ApprovalConf *models.ApprovalConf
	FormConf     *models.FormConf
	Disabled     *bool
	Color        *string
	Sort         *int64
}

// Modify applies a granular patch to the state definition.
func (s *StateRegistry) Modify(ctx context.Context, id string, req ModifyStateRequest) (*models.State, error) {
	state, err := s.persistence.States().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		state.Name = *req.Name
	}

	if req.SysState != nil {
		state.SysState = *req.SysState
	}

	if req.Tags != nil {
		state.Tags = *req.Tags
	}

	if req.ApprovalConf != nil {
		state.ApprovalConf = req.ApprovalConf
	}

	if req.FormConf != nil {
		state.FormConf = req.FormConf
	}

	if req.Disabled != nil {
		state.Disabled = *req.Disabled
	}

	if req.Color != nil {
		state.Color = *req.Color
	}

	if req.Sort != nil {
		state.Sort = *req.Sort
	}

	if err := validateKindConf(state.Kind, state.ApprovalConf, state.FormConf); err != nil {
		return nil, err
	}

	if err := s.persistence.States().Save(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to save state: %w", err)
	}

	return state, nil
}

// Get returns one state definition.
func (s *StateRegistry) Get(ctx context.Context, id string) (*models.State, error) {
	return s.persistence.States().GetByID(ctx, id)
}

// List returns state definitions matching the filter.
func (s *StateRegistry) List(ctx context.Context, filter persistence.StateFilter) ([]*models.State, error) {
	return s.persistence.States().List(ctx, filter)
}

// Delete removes a state definition. It refuses while any version binding or
// running instance still references the state.
func (s *StateRegistry) Delete(ctx context.Context, id string) error {
	if _, err := s.persistence.States().GetByID(ctx, id); err != nil {
		return err
	}

	bindings, err := s.persistence.Relations().FindTo(ctx, models.RelKindModelState, id)
	if err != nil {
		return fmt.Errorf("failed to check state bindings: %w", err)
	}

	// A bound state is reachable by the version's instances, so one check
	// covers both version and instance references.
	if len(bindings) > 0 {
		return fmt.Errorf("delete state %s: bound by %d versions: %w", id, len(bindings), ErrStateInUse)
	}

	return s.persistence.States().Delete(ctx, id)
}

// MergeByName unifies states sharing the same name and kind within a tenant.
// The oldest state of each group survives; transitions, instances and
// bindings referencing the others are repointed to it transactionally.
func (s *StateRegistry) MergeByName(ctx context.Context, tenant string) (int, error) {
	states, err := s.persistence.States().List(ctx, persistence.StateFilter{Tenant: tenant})
	if err != nil {
		return 0, fmt.Errorf("failed to list states: %w", err)
	}

	type groupKey struct {
		name string
		kind models.StateKind
	}

	groups := make(map[groupKey][]*models.State)
	for _, state := range states {
		key := groupKey{name: state.Name, kind: state.Kind}
		groups[key] = append(groups[key], state)
	}

	merged := 0

	for key, group := range groups {
		if len(group) < 2 {
			continue
		}

		keeper := group[0]
		for _, state := range group[1:] {
			if state.CreatedAt.Before(keeper.CreatedAt) {
				keeper = state
			}
		}

		dropIDs := make([]string, 0, len(group)-1)

		for _, state := range group {
			if state.ID != keeper.ID {
				dropIDs = append(dropIDs, state.ID)
			}
		}

		if err := s.persistence.MergeStates(ctx, keeper.ID, dropIDs); err != nil {
			return merged, fmt.Errorf("failed to merge states named %q: %w", key.name, err)
		}

		s.logger.InfoContext(ctx, "Merged duplicate states",
			"name", key.name, "kind", key.kind, "kept", keeper.ID, "dropped", len(dropIDs))

		merged += len(dropIDs)
	}

	return merged, nil
}

func validateKindConf(kind models.StateKind, approval *models.ApprovalConf, form *models.FormConf) error {
	switch kind {
	case models.StateKindApproval:
		if approval == nil {
			return NewValidationError("validateKindConf", "missing_conf",
				"approval states require an approval conf", ErrInvalidRequest)
		}

		if approval.MultiApprovalKind == models.MultiApprovalCountersign {
			conf := approval.CountersignConf
			if conf.Kind == models.CountersignMost && (conf.MostPercent <= 0 || conf.MostPercent > 100) {
				return NewValidationError("validateKindConf", "bad_countersign",
					"most-countersign requires a percent between 1 and 100", ErrInvalidRequest)
			}
		}
	case models.StateKindForm:
		if form == nil {
			return NewValidationError("validateKindConf", "missing_conf",
				"form states require a form conf", ErrInvalidRequest)
		}
	default:
	}

	return nil
}
