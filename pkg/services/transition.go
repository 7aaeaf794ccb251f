package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
)

// TransitionEngine manages the guarded edges of version graphs.
type TransitionEngine struct {
	persistence persistence.Persistence
	logger      *slog.Logger
}

// NewTransitionEngine creates a new transition engine service.
func NewTransitionEngine(persistence persistence.Persistence, logger *slog.Logger) *TransitionEngine {
	return &TransitionEngine{
		persistence: persistence,
		logger:      logger.With("module", "transition-engine"),
	}
}

// AddTransitionRequest carries one new transition for a version.
type AddTransitionRequest struct {
	Name                 string `validate:"required"`
	FromStateID          string `validate:"required"`
	ToStateID            string `validate:"required"`
	TransferByAuto       bool
	TransferByTimer      string
	GuardByCreator       bool
	GuardByHisOperators  bool
	GuardByAssigned      bool
	GuardBySpecAccounts  []string
	GuardBySpecRoles     []string
	GuardBySpecOrgs      []string
	GuardByOtherConds    models.ConditionGroups
	VarsCollect          []string
	DoubleCheck          *models.DoubleCheck
	ActionByPreCallback  string
	ActionByPostCallback string
	PostActions          []models.PostAction
	Sort                 int64
}

// AddTransitions validates and persists new transitions against the
// version's bound-state set. Any illegal request rejects the whole call.
func (s *TransitionEngine) AddTransitions(ctx context.Context, versionID string, reqs []AddTransitionRequest) ([]*models.Transition, error) {
	bound, err := s.boundStates(ctx, versionID)
	if err != nil {
		return nil, err
	}

	transitions := make([]*models.Transition, 0, len(reqs))

	for _, req := range reqs {
		if !bound[req.FromStateID] || !bound[req.ToStateID] {
			return nil, fmt.Errorf("transition %q references a state outside version %s: %w",
				req.Name, versionID, persistence.ErrStateNotFound)
		}

		fromState, err := s.persistence.States().GetByID(ctx, req.FromStateID)
		if err != nil {
			return nil, err
		}

		if err := checkAutoInvariant(fromState, req.TransferByAuto); err != nil {
			return nil, err
		}

		if err := validateTimer(req.TransferByTimer); err != nil {
			return nil, err
		}

		if err := validateConditionGroups(req.GuardByOtherConds); err != nil {
			return nil, err
		}

		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate transition ID: %w", err)
		}

		transitions = append(transitions, &models.Transition{
			ID:                   id.String(),
			VersionID:            versionID,
			Name:                 req.Name,
			FromStateID:          req.FromStateID,
			ToStateID:            req.ToStateID,
			TransferByAuto:       req.TransferByAuto,
			TransferByTimer:      req.TransferByTimer,
			GuardByCreator:       req.GuardByCreator,
			GuardByHisOperators:  req.GuardByHisOperators,
			GuardByAssigned:      req.GuardByAssigned,
			GuardBySpecAccounts:  req.GuardBySpecAccounts,
			GuardBySpecRoles:     req.GuardBySpecRoles,
			GuardBySpecOrgs:      req.GuardBySpecOrgs,
			GuardByOtherConds:    req.GuardByOtherConds,
			VarsCollect:          req.VarsCollect,
			DoubleCheck:          req.DoubleCheck,
			ActionByPreCallback:  req.ActionByPreCallback,
			ActionByPostCallback: req.ActionByPostCallback,
			PostActions:          req.PostActions,
			Sort:                 req.Sort,
		})
	}

	for _, transition := range transitions {
		if err := s.persistence.Transitions().Save(ctx, transition); err != nil {
			return nil, fmt.Errorf("failed to save transition %s: %w", transition.ID, err)
		}
	}

	return transitions, nil
}

// ModifyTransitionRequest patches one transition. Nil fields are unchanged.
// VarPostActions and StatePostActions each replace only their own kind's
// subset of post-actions, preserving the other kind's entries in place.
type ModifyTransitionRequest struct {
	ID                   string `validate:"required"`
	Name                 *string
	FromStateID          *string
	ToStateID            *string
	TransferByAuto       *bool
	TransferByTimer      *string
	GuardByCreator       *bool
	GuardByHisOperators  *bool
	GuardByAssigned      *bool
	GuardBySpecAccounts  *[]string
	GuardBySpecRoles     *[]string
	GuardBySpecOrgs      *[]string
	GuardByOtherConds    *models.ConditionGroups
	VarsCollect          *[]string
	DoubleCheck          *models.DoubleCheck
	ActionByPreCallback  *string
	ActionByPostCallback *string
	VarPostActions       *[]models.PostAction
	StatePostActions     *[]models.PostAction
	Sort                 *int64
}

// ModifyTransitions applies granular patches to transitions of the version.
func (s *TransitionEngine) ModifyTransitions(ctx context.Context, versionID string, reqs []ModifyTransitionRequest) error {
	bound, err := s.boundStates(ctx, versionID)
	if err != nil {
		return err
	}

	patched := make([]*models.Transition, 0, len(reqs))

	for _, req := range reqs {
		transition, err := s.persistence.Transitions().GetByID(ctx, req.ID)
		if err != nil {
			return err
		}

		if transition.VersionID != versionID {
			return fmt.Errorf("transition %s does not belong to version %s: %w",
				req.ID, versionID, persistence.ErrTransitionNotFound)
		}

		applyTransitionPatch(transition, req)

		if !bound[transition.FromStateID] || !bound[transition.ToStateID] {
			return fmt.Errorf("transition %s references a state outside version %s: %w",
				req.ID, versionID, persistence.ErrStateNotFound)
		}

		fromState, err := s.persistence.States().GetByID(ctx, transition.FromStateID)
		if err != nil {
			return err
		}

		if err := checkAutoInvariant(fromState, transition.TransferByAuto); err != nil {
			return err
		}

		if err := validateTimer(transition.TransferByTimer); err != nil {
			return err
		}

		if err := validateConditionGroups(transition.GuardByOtherConds); err != nil {
			return err
		}

		patched = append(patched, transition)
	}

	for _, transition := range patched {
		if err := s.persistence.Transitions().Save(ctx, transition); err != nil {
			return fmt.Errorf("failed to save transition %s: %w", transition.ID, err)
		}
	}

	return nil
}

func applyTransitionPatch(transition *models.Transition, req ModifyTransitionRequest) {
	if req.Name != nil {
		transition.Name = *req.Name
	}

	if req.FromStateID != nil {
		transition.FromStateID = *req.FromStateID
	}

	if req.ToStateID != nil {
		transition.ToStateID = *req.ToStateID
	}

	if req.TransferByAuto != nil {
		transition.TransferByAuto = *req.TransferByAuto
	}

	if req.TransferByTimer != nil {
		transition.TransferByTimer = *req.TransferByTimer
	}

	if req.GuardByCreator != nil {
		transition.GuardByCreator = *req.GuardByCreator
	}

	if req.GuardByHisOperators != nil {
		transition.GuardByHisOperators = *req.GuardByHisOperators
	}

	if req.GuardByAssigned != nil {
		transition.GuardByAssigned = *req.GuardByAssigned
	}

	if req.GuardBySpecAccounts != nil {
		transition.GuardBySpecAccounts = *req.GuardBySpecAccounts
	}

	if req.GuardBySpecRoles != nil {
		transition.GuardBySpecRoles = *req.GuardBySpecRoles
	}

	if req.GuardBySpecOrgs != nil {
		transition.GuardBySpecOrgs = *req.GuardBySpecOrgs
	}

	if req.GuardByOtherConds != nil {
		transition.GuardByOtherConds = *req.GuardByOtherConds
	}

	if req.VarsCollect != nil {
		transition.VarsCollect = *req.VarsCollect
	}

	if req.DoubleCheck != nil {
		transition.DoubleCheck = req.DoubleCheck
	}

	if req.ActionByPreCallback != nil {
		transition.ActionByPreCallback = *req.ActionByPreCallback
	}

	if req.ActionByPostCallback != nil {
		transition.ActionByPostCallback = *req.ActionByPostCallback
	}

	if req.VarPostActions != nil {
		transition.PostActions = recombinePostActions(transition.PostActions,
			*req.VarPostActions, models.PostActionKindVar)
	}

	if req.StatePostActions != nil {
		transition.PostActions = recombinePostActions(transition.PostActions,
			*req.StatePostActions, models.PostActionKindState)
	}

	if req.Sort != nil {
		transition.Sort = *req.Sort
	}
}

// recombinePostActions replaces the subset of post-actions of the given kind
// with the replacement list while keeping the other kind's entries.
func recombinePostActions(existing, replacement []models.PostAction, kind models.PostActionKind) []models.PostAction {
	kept := make([]models.PostAction, 0, len(existing)+len(replacement))

	for _, action := range existing {
		if action.Kind != kind {
			kept = append(kept, action)
		}
	}

	for _, action := range replacement {
		action.Kind = kind
		kept = append(kept, action)
	}

	return kept
}

// DeleteTransitions removes transitions of the version. Every id must belong
// to the version or the whole batch is rejected.
func (s *TransitionEngine) DeleteTransitions(ctx context.Context, versionID string, ids []string) error {
	return s.persistence.Transitions().DeleteBatch(ctx, versionID, ids)
}

// FindByState is a pure read filter over the version's transitions.
func (s *TransitionEngine) FindByState(ctx context.Context, versionID, fromStateID, toStateID string) ([]*models.Transition, error) {
	transitions, err := s.persistence.Transitions().ListByVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.Transition, 0, len(transitions))

	for _, transition := range transitions {
		if fromStateID != "" && transition.FromStateID != fromStateID {
			continue
		}

		if toStateID != "" && transition.ToStateID != toStateID {
			continue
		}

		filtered = append(filtered, transition)
	}

	return filtered, nil
}

func (s *TransitionEngine) boundStates(ctx context.Context, versionID string) (map[string]bool, error) {
	if _, err := s.persistence.Versions().GetByID(ctx, versionID); err != nil {
		return nil, err
	}

	rels, err := s.persistence.Relations().FindFrom(ctx, models.RelKindModelState, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bound states of version %s: %w", versionID, err)
	}

	bound := make(map[string]bool, len(rels))
	for _, rel := range rels {
		bound[rel.RelID] = true
	}

	return bound, nil
}

func checkAutoInvariant(fromState *models.State, transferByAuto bool) error {
	if transferByAuto != fromState.Kind.IsAutoSource() {
		return NewValidationError("checkAutoInvariant", "not_legal",
			fmt.Sprintf("transfer_by_auto=%t is not legal for a %s source state",
				transferByAuto, fromState.Kind), ErrTransitionNotLegal)
	}

	return nil
}

func validateTimer(expr string) error {
	if expr == "" {
		return nil
	}

	if _, err := cron.ParseStandard(expr); err != nil {
		return NewValidationError("validateTimer", "bad_timer",
			fmt.Sprintf("timer expression %q: %v", expr, err), ErrInvalidTimerExpr)
	}

	return nil
}

func validateConditionGroups(groups models.ConditionGroups) error {
	for _, group := range groups {
		for _, cond := range group {
			if err := cond.Validate(); err != nil {
				return NewValidationError("validateConditionGroups", "bad_condition",
					err.Error(), ErrInvalidCondition)
			}
		}
	}

	return nil
}
