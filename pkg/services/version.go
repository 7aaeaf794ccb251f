package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
)

// Placeholder state ids usable inside a BindStateRequest's transition
// requests before the bound states receive their real ids. BindStateSelfRef
// names the binding's own state; BindStateNameRef names a sibling binding of
// the same request by its state name.
const BindStateSelfRef = "@self"

func BindStateNameRef(name string) string {
	return "@name:" + name
}

// VersionManager manages the version lifecycle of models.
type VersionManager struct {
	persistence persistence.Persistence
	states      *StateRegistry
	transitions *TransitionEngine
	logger      *slog.Logger
}

// NewVersionManager creates a new version manager service.
func NewVersionManager(persistence persistence.Persistence, states *StateRegistry, transitions *TransitionEngine, logger *slog.Logger) *VersionManager {
	return &VersionManager{
		persistence: persistence,
		states:      states,
		transitions: transitions,
		logger:      logger.With("module", "version-manager"),
	}
}

// BindStateRequest binds one state into a version under construction. Either
// ExistStateID or NewState must be set.
type BindStateRequest struct {
	ExistStateID string
	NewState     *CreateStateRequest
	IsInit       bool
	Sort         int64
	ShowBtns     []string

	AddTransitions      []AddTransitionRequest
	ModifyTransitions   []ModifyTransitionRequest
	DeleteTransitionIDs []string
}

// CreateVersionRequest carries a new editing version for a model.
type CreateVersionRequest struct {
	Name       string `validate:"required"`
	BindStates []BindStateRequest
}

// CreateVersion builds a new editing version: per binding it reuses an
// existing state (its tag scope must admit the model's tag) or creates a new
// one, links it through the relation index, then records the binding's
// transition requests.
func (s *VersionManager) CreateVersion(ctx context.Context, modelID string, req CreateVersionRequest) (*models.Version, error) {
	model, err := s.persistence.Models().GetByID(ctx, modelID)
	if err != nil {
		return nil, err
	}

	// A model keeps at most one editing version; a fresh build replaces it.
	existing, err := s.persistence.Versions().ListByModel(ctx, modelID, models.VersionStatusEditing)
	if err != nil {
		return nil, fmt.Errorf("failed to list editing versions: %w", err)
	}

	for _, sibling := range existing {
		if err := s.deleteVersionGraph(ctx, sibling); err != nil {
			return nil, err
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate version ID: %w", err)
	}

	version := &models.Version{
		ID:      id.String(),
		Name:    req.Name,
		ModelID: modelID,
		Status:  models.VersionStatusEditing,
		Tenant:  model.Tenant,
	}

	if err := s.persistence.Versions().Save(ctx, version); err != nil {
		return nil, fmt.Errorf("failed to save version: %w", err)
	}

	refs := make(map[string]string) // placeholder -> real state id

	for _, bind := range req.BindStates {
		stateID, err := s.bindOneState(ctx, model, version, bind)
		if err != nil {
			return nil, err
		}

		if bind.NewState != nil {
			refs[BindStateNameRef(bind.NewState.Name)] = stateID
		}

		if bind.IsInit {
			version.InitStateID = stateID
		}
	}

	if version.InitStateID != "" {
		if err := s.persistence.Versions().Save(ctx, version); err != nil {
			return nil, fmt.Errorf("failed to save init state: %w", err)
		}
	}

	for _, bind := range req.BindStates {
		if err := s.applyBindTransitions(ctx, version.ID, bind, refs); err != nil {
			return nil, err
		}
	}

	return version, nil
}

func (s *VersionManager) bindOneState(ctx context.Context, model *models.Model, version *models.Version, bind BindStateRequest) (string, error) {
	var stateID string

	switch {
	case bind.ExistStateID != "":
		state, err := s.persistence.States().GetByID(ctx, bind.ExistStateID)
		if err != nil {
			return "", err
		}

		if !state.AllowsTag(model.Tag) {
			return "", fmt.Errorf("state %s does not admit tag %s: %w",
				state.ID, model.Tag, persistence.ErrStateNotFound)
		}

		stateID = state.ID
	case bind.NewState != nil:
		newState := *bind.NewState
		newState.Tenant = model.Tenant

		state, err := s.states.Create(ctx, newState)
		if err != nil {
			return "", err
		}

		stateID = state.ID
	default:
		return "", NewValidationError("bindOneState", "empty_binding",
			"a binding needs an existing state id or a new state", ErrInvalidRequest)
	}

	rel := &models.Relation{
		Kind:   models.RelKindModelState,
		FromID: version.ID,
		ToID:   stateID,
		Ext:    bindExt(bind.Sort, bind.ShowBtns),
	}

	if err := s.persistence.Relations().Add(ctx, rel, true); err != nil {
		return "", fmt.Errorf("failed to bind state %s: %w", stateID, err)
	}

	return stateID, nil
}

func (s *VersionManager) applyBindTransitions(ctx context.Context, versionID string, bind BindStateRequest, refs map[string]string) error {
	selfID := bind.ExistStateID
	if bind.NewState != nil {
		selfID = refs[BindStateNameRef(bind.NewState.Name)]
	}

	if len(bind.AddTransitions) > 0 {
		adds := make([]AddTransitionRequest, len(bind.AddTransitions))

		for i, add := range bind.AddTransitions {
			add.FromStateID = resolveStateRef(add.FromStateID, selfID, refs)
			add.ToStateID = resolveStateRef(add.ToStateID, selfID, refs)
			adds[i] = add
		}

		if _, err := s.transitions.AddTransitions(ctx, versionID, adds); err != nil {
			return err
		}
	}

	if len(bind.ModifyTransitions) > 0 {
		if err := s.transitions.ModifyTransitions(ctx, versionID, bind.ModifyTransitions); err != nil {
			return err
		}
	}

	if len(bind.DeleteTransitionIDs) > 0 {
		if err := s.transitions.DeleteTransitions(ctx, versionID, bind.DeleteTransitionIDs); err != nil {
			return err
		}
	}

	return nil
}

func resolveStateRef(ref, selfID string, refs map[string]string) string {
	if ref == BindStateSelfRef {
		return selfID
	}

	if resolved, ok := refs[ref]; ok {
		return resolved
	}

	return ref
}

func bindExt(sort int64, showBtns []string) string {
	if sort == 0 && len(showBtns) == 0 {
		return ""
	}

	return fmt.Sprintf(`{"sort":%d,"show_btns":"%s"}`, sort, strings.Join(showBtns, ","))
}

// ModifyVersion applies graph changes to an editing version: new bindings,
// init-state changes and per-binding transition operations. Enabled and
// disabled versions are immutable.
func (s *VersionManager) ModifyVersion(ctx context.Context, id string, binds []BindStateRequest) (*models.Version, error) {
	version, err := s.persistence.Versions().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if version.Status != models.VersionStatusEditing {
		return nil, fmt.Errorf("version %s is %s: %w", id, version.Status, ErrVersionNotEditable)
	}

	model, err := s.persistence.Models().GetByID(ctx, version.ModelID)
	if err != nil {
		return nil, err
	}

	refs := make(map[string]string)

	for _, bind := range binds {
		// A binding without a state carries only transition operations.
		if bind.ExistStateID == "" && bind.NewState == nil {
			continue
		}

		stateID, err := s.bindOneState(ctx, model, version, bind)
		if err != nil {
			return nil, err
		}

		if bind.NewState != nil {
			refs[BindStateNameRef(bind.NewState.Name)] = stateID
		}

		if bind.IsInit {
			version.InitStateID = stateID

			if err := s.persistence.Versions().Save(ctx, version); err != nil {
				return nil, fmt.Errorf("failed to save init state: %w", err)
			}
		}
	}

	for _, bind := range binds {
		if err := s.applyBindTransitions(ctx, version.ID, bind, refs); err != nil {
			return nil, err
		}
	}

	return version, nil
}

// EnableVersion enables the version, disables every Enabled or Editing
// sibling and repoints the owning model's current version.
func (s *VersionManager) EnableVersion(ctx context.Context, id string, opCtx models.OperationContext) (*models.Version, error) {
	version, err := s.persistence.Versions().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	siblings, err := s.persistence.Versions().ListByModel(ctx, version.ModelID,
		models.VersionStatusEnabled, models.VersionStatusEditing)
	if err != nil {
		return nil, fmt.Errorf("failed to list sibling versions: %w", err)
	}

	for _, sibling := range siblings {
		if sibling.ID == id {
			continue
		}

		sibling.Status = models.VersionStatusDisabled
		if err := s.persistence.Versions().Save(ctx, sibling); err != nil {
			return nil, fmt.Errorf("failed to disable version %s: %w", sibling.ID, err)
		}
	}

	now := time.Now().UTC()
	version.Status = models.VersionStatusEnabled
	version.PublishedBy = opCtx.Owner
	version.PublishedAt = &now

	if err := s.persistence.Versions().Save(ctx, version); err != nil {
		return nil, fmt.Errorf("failed to enable version: %w", err)
	}

	model, err := s.persistence.Models().GetByID(ctx, version.ModelID)
	if err != nil {
		return nil, err
	}

	model.CurrentVersionID = version.ID
	if err := s.persistence.Models().Save(ctx, model); err != nil {
		return nil, fmt.Errorf("failed to update model current version: %w", err)
	}

	return version, nil
}

// CreateEditingVersion deep-copies the source version into a fresh editing
// copy. Non-template states and all transitions get newly generated ids via
// an old-to-new mapping built first, so the source graph stays immutable.
func (s *VersionManager) CreateEditingVersion(ctx context.Context, sourceVersionID string) (*models.Version, error) {
	source, err := s.persistence.Versions().GetByID(ctx, sourceVersionID)
	if err != nil {
		return nil, err
	}

	editing, err := s.persistence.Versions().ListByModel(ctx, source.ModelID, models.VersionStatusEditing)
	if err != nil {
		return nil, fmt.Errorf("failed to list editing versions: %w", err)
	}

	for _, sibling := range editing {
		if err := s.deleteVersionGraph(ctx, sibling); err != nil {
			return nil, err
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate version ID: %w", err)
	}

	copied := &models.Version{
		ID:      id.String(),
		Name:    source.Name,
		ModelID: source.ModelID,
		Status:  models.VersionStatusEditing,
		Tenant:  source.Tenant,
	}

	bindings, err := s.persistence.Relations().FindFrom(ctx, models.RelKindModelState, source.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load source bindings: %w", err)
	}

	// First pass: clone states and build the id mapping.
	idMap := make(map[string]string, len(bindings))

	for _, binding := range bindings {
		state, err := s.persistence.States().GetByID(ctx, binding.RelID)
		if err != nil {
			return nil, err
		}

		if state.IsTemplate {
			// Template states are shared between versions, not copied.
			idMap[state.ID] = state.ID

			continue
		}

		newID, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate state ID: %w", err)
		}

		cloned := *state
		cloned.ID = newID.String()
		cloned.CreatedAt = time.Time{}

		if err := s.persistence.States().Save(ctx, &cloned); err != nil {
			return nil, fmt.Errorf("failed to clone state %s: %w", state.ID, err)
		}

		idMap[state.ID] = cloned.ID
	}

	copied.InitStateID = idMap[source.InitStateID]

	if err := s.persistence.Versions().Save(ctx, copied); err != nil {
		return nil, fmt.Errorf("failed to save editing version: %w", err)
	}

	for _, binding := range bindings {
		rel := &models.Relation{
			Kind:   models.RelKindModelState,
			FromID: copied.ID,
			ToID:   idMap[binding.RelID],
			Name:   binding.RelName,
			Ext:    binding.Ext,
		}

		if err := s.persistence.Relations().Add(ctx, rel, true); err != nil {
			return nil, fmt.Errorf("failed to bind cloned state: %w", err)
		}
	}

	// Second pass: clone transitions with remapped endpoints.
	sourceTransitions, err := s.persistence.Transitions().ListByVersion(ctx, source.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load source transitions: %w", err)
	}

	for _, transition := range sourceTransitions {
		newID, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate transition ID: %w", err)
		}

		cloned := *transition
		cloned.ID = newID.String()
		cloned.VersionID = copied.ID
		cloned.FromStateID = idMap[transition.FromStateID]
		cloned.ToStateID = idMap[transition.ToStateID]
		cloned.CreatedAt = time.Time{}

		if err := s.persistence.Transitions().Save(ctx, &cloned); err != nil {
			return nil, fmt.Errorf("failed to clone transition %s: %w", transition.ID, err)
		}
	}

	return copied, nil
}

// UnbindState removes the state from the version. It refuses while any
// unfinished instance of the version sits in the state; transitions touching
// the state are removed first.
func (s *VersionManager) UnbindState(ctx context.Context, versionID, stateID string) error {
	version, err := s.persistence.Versions().GetByID(ctx, versionID)
	if err != nil {
		return err
	}

	count, err := s.persistence.Instances().CountByVersionState(ctx, versionID, stateID)
	if err != nil {
		return fmt.Errorf("failed to count instances in state: %w", err)
	}

	if count > 0 {
		return fmt.Errorf("unbind state %s from version %s: %d running instances: %w",
			stateID, versionID, count, ErrStateInUse)
	}

	transitions, err := s.persistence.Transitions().ListByVersion(ctx, versionID)
	if err != nil {
		return fmt.Errorf("failed to list transitions: %w", err)
	}

	touching := make([]string, 0)

	for _, transition := range transitions {
		if transition.FromStateID == stateID || transition.ToStateID == stateID {
			touching = append(touching, transition.ID)
		}
	}

	if len(touching) > 0 {
		if err := s.persistence.Transitions().DeleteBatch(ctx, versionID, touching); err != nil {
			return fmt.Errorf("failed to delete transitions touching state %s: %w", stateID, err)
		}
	}

	if err := s.persistence.Relations().Delete(ctx, models.RelKindModelState, versionID, stateID); err != nil {
		return err
	}

	if version.InitStateID == stateID {
		version.InitStateID = ""
		if err := s.persistence.Versions().Save(ctx, version); err != nil {
			return fmt.Errorf("failed to clear init state: %w", err)
		}
	}

	return nil
}

// DeleteState unbinds the state and deletes its definition when no other
// version still binds it.
func (s *VersionManager) DeleteState(ctx context.Context, versionID, stateID string) error {
	if err := s.UnbindState(ctx, versionID, stateID); err != nil {
		return err
	}

	remaining, err := s.persistence.Relations().FindTo(ctx, models.RelKindModelState, stateID)
	if err != nil {
		return fmt.Errorf("failed to check remaining bindings: %w", err)
	}

	if len(remaining) > 0 {
		return nil
	}

	return s.persistence.States().Delete(ctx, stateID)
}

// Get returns one version.
func (s *VersionManager) Get(ctx context.Context, id string) (*models.Version, error) {
	return s.persistence.Versions().GetByID(ctx, id)
}

// VersionDetail aggregates a version with its bound states and transitions.
type VersionDetail struct {
	Version     *models.Version      `json:"version"`
	States      []*models.State      `json:"states"`
	Transitions []*models.Transition `json:"transitions"`
}

// GetDetail returns the version with its full graph materialized.
func (s *VersionManager) GetDetail(ctx context.Context, id string) (*VersionDetail, error) {
	version, err := s.persistence.Versions().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	bindings, err := s.persistence.Relations().FindFrom(ctx, models.RelKindModelState, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load bindings: %w", err)
	}

	states := make([]*models.State, 0, len(bindings))

	for _, binding := range bindings {
		state, err := s.persistence.States().GetByID(ctx, binding.RelID)
		if err != nil {
			return nil, err
		}

		states = append(states, state)
	}

	transitions, err := s.persistence.Transitions().ListByVersion(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load transitions: %w", err)
	}

	return &VersionDetail{Version: version, States: states, Transitions: transitions}, nil
}

// deleteVersionGraph removes a version together with its transitions and
// bindings, and any non-template states left unreferenced.
func (s *VersionManager) deleteVersionGraph(ctx context.Context, version *models.Version) error {
	transitions, err := s.persistence.Transitions().ListByVersion(ctx, version.ID)
	if err != nil {
		return fmt.Errorf("failed to list transitions: %w", err)
	}

	ids := make([]string, 0, len(transitions))
	for _, transition := range transitions {
		ids = append(ids, transition.ID)
	}

	if len(ids) > 0 {
		if err := s.persistence.Transitions().DeleteBatch(ctx, version.ID, ids); err != nil {
			return fmt.Errorf("failed to delete transitions: %w", err)
		}
	}

	bindings, err := s.persistence.Relations().FindFrom(ctx, models.RelKindModelState, version.ID)
	if err != nil {
		return fmt.Errorf("failed to load bindings: %w", err)
	}

	if err := s.persistence.Relations().DeleteFrom(ctx, models.RelKindModelState, version.ID); err != nil {
		return fmt.Errorf("failed to unbind states: %w", err)
	}

	for _, binding := range bindings {
		state, err := s.persistence.States().GetByID(ctx, binding.RelID)
		if err != nil {
			if persistence.IsNotFound(err) {
				continue
			}

			return err
		}

		if state.IsTemplate {
			continue
		}

		remaining, err := s.persistence.Relations().FindTo(ctx, models.RelKindModelState, state.ID)
		if err != nil {
			return fmt.Errorf("failed to check remaining bindings: %w", err)
		}

		if len(remaining) == 0 {
			if err := s.persistence.States().Delete(ctx, state.ID); err != nil {
				return err
			}
		}
	}

	if err := s.persistence.Versions().Delete(ctx, version.ID); err != nil {
		return err
	}

	return nil
}
