package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/procflow/procflow/pkg/eventbus"
	"github.com/procflow/procflow/pkg/events"
	"github.com/procflow/procflow/pkg/kv"
	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
)

// InstanceRuntime drives running instances through their version graphs.
type InstanceRuntime struct {
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	kvStore     kv.Store
	logger      *slog.Logger
}

// NewInstanceRuntime creates a new instance runtime service.
func NewInstanceRuntime(persistence persistence.Persistence, eventBus eventbus.EventBus, kvStore kv.Store, logger *slog.Logger) *InstanceRuntime {
	return &InstanceRuntime{
		persistence: persistence,
		eventBus:    eventBus,
		kvStore:     kvStore,
		logger:      logger.With("module", "instance-runtime"),
	}
}

// StartInstanceRequest starts an instance of a version for a business object.
type StartInstanceRequest struct {
	Tag           string `validate:"required"`
	BusinessObjID string `validate:"required"`
	// VersionID may be empty; the enabled version of the tag's main model is
	// used then.
	VersionID  string
	Main       bool
	CreateVars map[string]any
	// RelChildObjs binds child business objects reviewed by this instance;
	// each child gets its own non-main instance of the same version.
	RelChildObjs []models.RelChildObj
	// OperatorMap assigns operators per approval-state id at creation time.
	OperatorMap map[string][]string
	Tenant      string
	OpCtx       models.OperationContext
}

// Start creates the instance in the version's init state, seeds its
// artifacts and fires any automatic transitions leaving the init state.
func (s *InstanceRuntime) Start(ctx context.Context, req StartInstanceRequest) (*models.Instance, error) {
	version, err := s.resolveVersion(ctx, req)
	if err != nil {
		return nil, err
	}

	if version.InitStateID == "" {
		return nil, NewValidationError("Start", "no_init_state",
			fmt.Sprintf("version %s has no init state", version.ID), ErrInvalidRequest)
	}

	inst, err := s.createInstance(ctx, req, version, req.Main, req.BusinessObjID, req.Tag)
	if err != nil {
		return nil, err
	}

	for _, child := range req.RelChildObjs {
		rel := &models.Relation{
			Kind:   models.ObjRelKind(child.Tag),
			FromID: req.BusinessObjID,
			ToID:   child.ObjID,
		}

		if err := s.persistence.Relations().Add(ctx, rel, true); err != nil {
			return nil, fmt.Errorf("failed to relate child object %s: %w", child.ObjID, err)
		}

		childReq := req
		childReq.RelChildObjs = nil

		childInst, err := s.createInstance(ctx, childReq, version, false, child.ObjID, child.Tag)
		if err != nil {
			return nil, fmt.Errorf("failed to start child instance for %s: %w", child.ObjID, err)
		}

		if err := s.fireAutoTransitions(ctx, childInst, make(map[string]bool)); err != nil {
			s.logger.WarnContext(ctx, "auto transition after child start failed",
				"instance_id", childInst.ID, "error", err)
		}
	}

	visited := make(map[string]bool)
	if err := s.fireAutoTransitions(ctx, inst, visited); err != nil {
		s.logger.WarnContext(ctx, "auto transition after start failed",
			"instance_id", inst.ID, "error", err)
	}

	return s.persistence.Instances().GetByID(ctx, inst.ID)
}

func (s *InstanceRuntime) resolveVersion(ctx context.Context, req StartInstanceRequest) (*models.Version, error) {
	if req.VersionID != "" {
		return s.persistence.Versions().GetByID(ctx, req.VersionID)
	}

	model, err := s.persistence.Models().FindByTag(ctx, req.Tenant, req.Tag)
	if err != nil {
		return nil, err
	}

	if model.CurrentVersionID == "" {
		return nil, NewValidationError("resolveVersion", "no_enabled_version",
			fmt.Sprintf("model %s has no enabled version", model.ID), ErrInvalidRequest)
	}

	return s.persistence.Versions().GetByID(ctx, model.CurrentVersionID)
}

func (s *InstanceRuntime) createInstance(ctx context.Context, req StartInstanceRequest, version *models.Version, main bool, objID, tag string) (*models.Instance, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate instance ID: %w", err)
	}

	artifacts := models.Artifacts{
		Vars:        req.CreateVars,
		OperatorMap: req.OperatorMap,
	}

	if len(req.OperatorMap) > 0 {
		artifacts.ApprovalTotal = make(map[string]int, len(req.OperatorMap))
		for stateID, operators := range req.OperatorMap {
			artifacts.ApprovalTotal[stateID] = len(operators)
		}
	}

	inst := &models.Instance{
		ID:             id.String(),
		Code:           "FI-" + id.String()[:8],
		VersionID:      version.ID,
		BusinessObjID:  objID,
		Tag:            tag,
		CurrentStateID: version.InitStateID,
		Main:           main,
		RelChildObjs:   req.RelChildObjs,
		Artifacts:      artifacts,
		CreateCtx:      req.OpCtx,
		Tenant:         req.Tenant,
	}

	s.assignCurrentOperators(ctx, inst)

	if err := s.persistence.Instances().Create(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}

	s.publish(ctx, inst.ID, events.InstanceStarted{
		BaseEvent:     s.baseEvent(events.InstanceStartedEvent, inst),
		VersionID:     version.ID,
		BusinessObjID: objID,
		Tag:           tag,
		InitStateID:   version.InitStateID,
		CreateCtx:     req.OpCtx,
	})
	s.publishAudit(ctx, inst, "start", events.AuditContent{
		Subject: "instance", Operand: "create", SubID: inst.ID, New: inst.CurrentStateID,
	}, req.OpCtx)
	s.publishSearchUpsert(ctx, inst)

	return inst, nil
}

// Bind attaches an existing business object to a freshly started instance.
// Objects that already have a main instance are left untouched.
type BindInstanceRequest struct {
	Tag           string `validate:"required"`
	BusinessObjID string `validate:"required"`
	CreateVars    map[string]any
	Tenant        string
	OpCtx         models.OperationContext
}

// Bind starts a main instance for the business object unless one already runs.
func (s *InstanceRuntime) Bind(ctx context.Context, req BindInstanceRequest) (*models.Instance, error) {
	existing, err := s.persistence.Instances().FindByBusinessObj(ctx, req.Tenant, req.Tag, req.BusinessObjID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to look up existing instances: %w", err)
	}

	for _, inst := range existing {
		if !inst.Finished() {
			return inst, nil
		}
	}

	return s.Start(ctx, StartInstanceRequest{
		Tag:           req.Tag,
		BusinessObjID: req.BusinessObjID,
		Main:          true,
		CreateVars:    req.CreateVars,
		Tenant:        req.Tenant,
		OpCtx:         req.OpCtx,
	})
}

// BatchBind binds several business objects of the same tag.
func (s *InstanceRuntime) BatchBind(ctx context.Context, reqs []BindInstanceRequest) ([]models.BatchOperateItemResult, error) {
	results := make([]models.BatchOperateItemResult, 0, len(reqs))

	for _, req := range reqs {
		result := models.BatchOperateItemResult{ObjID: req.BusinessObjID, Success: true}

		if _, err := s.Bind(ctx, req); err != nil {
			result.Success = false
			result.Error = err.Error()
		}

		results = append(results, result)
	}

	return results, nil
}

// Get returns one instance.
func (s *InstanceRuntime) Get(ctx context.Context, id string) (*models.Instance, error) {
	return s.persistence.Instances().GetByID(ctx, id)
}

// TransferRequest fires one manual transition on an instance.
type TransferRequest struct {
	TransitionID string `validate:"required"`
	Vars         map[string]any
	Message      string
	Acknowledged bool
	OpCtx        models.OperationContext
}

// Transfer fires the named transition, enforcing guards and required
// variables, then applies the transition's post-actions.
func (s *InstanceRuntime) Transfer(ctx context.Context, instanceID string, req TransferRequest) (*models.Instance, error) {
	inst, err := s.persistence.Instances().GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	transition, err := s.persistence.Transitions().GetByID(ctx, req.TransitionID)
	if err != nil {
		return nil, err
	}

	if transition.DoubleCheck != nil && transition.DoubleCheck.IsOpen && !req.Acknowledged {
		return nil, fmt.Errorf("transition %s: %w", transition.ID, ErrDoubleCheckRequired)
	}

	visited := make(map[string]bool)

	if err := s.transfer(ctx, inst, transition, req.Vars, req.Message, req.OpCtx, visited); err != nil {
		return nil, err
	}

	return s.persistence.Instances().GetByID(ctx, instanceID)
}

// transfer is the single-transition engine step. The visited set breaks
// cyclic cross-instance post-action graphs.
func (s *InstanceRuntime) transfer(ctx context.Context, inst *models.Instance, transition *models.Transition, vars map[string]any, message string, opCtx models.OperationContext, visited map[string]bool) error {
	visitKey := inst.ID + "/" + transition.ID
	if visited[visitKey] {
		s.logger.WarnContext(ctx, "post-action transfer loop detected",
			"instance_id", inst.ID, "transition_id", transition.ID)

		return nil
	}

	visited[visitKey] = true

	if inst.Finished() {
		return fmt.Errorf("transfer on instance %s: %w", inst.ID, ErrInstanceFinished)
	}

	// States may be shared across versions (templates, merged duplicates), so
	// a matching from-state alone does not prove the transition is ours.
	if transition.VersionID != inst.VersionID {
		return fmt.Errorf("transition %s belongs to version %s, instance %s runs version %s: %w",
			transition.ID, transition.VersionID, inst.ID, inst.VersionID, ErrTransitionNotFromHere)
	}

	if transition.FromStateID != inst.CurrentStateID {
		return fmt.Errorf("transition %s starts at %s, instance %s is at %s: %w",
			transition.ID, transition.FromStateID, inst.ID, inst.CurrentStateID, ErrTransitionNotFromHere)
	}

	if !guardSatisfied(transition, inst, opCtx, vars) {
		return fmt.Errorf("transfer %s by %s: %w", transition.ID, opCtx.Owner, ErrNoGuardSatisfied)
	}

	inst.Artifacts.MergeVars(vars)

	if err := checkRequiredVars(transition, inst.Artifacts.Vars); err != nil {
		return err
	}

	s.invokeCallback(ctx, inst, transition.ActionByPreCallback, "pre")

	fromState, err := s.persistence.States().GetByID(ctx, transition.FromStateID)
	if err != nil {
		return err
	}

	toState, err := s.persistence.States().GetByID(ctx, transition.ToStateID)
	if err != nil {
		return err
	}

	if !fromState.Kind.IsAutoSource() && !opCtx.IsSystem() {
		inst.Artifacts.PrevNonAutoStateIDs = append(inst.Artifacts.PrevNonAutoStateIDs, fromState.ID)
		inst.Artifacts.PrevNonAutoAccountID = opCtx.Owner
	}

	if !opCtx.IsSystem() {
		inst.Artifacts.AddHisOperator(opCtx.Owner)
	}

	historyID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate history ID: %w", err)
	}

	inst.CurrentStateID = transition.ToStateID
	inst.Transitions = append(inst.Transitions, models.TransitionInfo{
		ID:           historyID.String(),
		TransitionID: transition.ID,
		FromStateID:  transition.FromStateID,
		ToStateID:    transition.ToStateID,
		OpCtx:        opCtx,
		Message:      message,
		Vars:         vars,
		CreatedAt:    time.Now().UTC(),
	})

	s.assignCurrentOperators(ctx, inst)

	finished := toState.Kind == models.StateKindFinish || toState.SysState == models.SysStateFinish
	if finished {
		now := time.Now().UTC()
		inst.FinishTime = &now
		finishCtx := opCtx
		inst.FinishCtx = &finishCtx
		inst.OutputMessage = message
	}

	if err := s.updateInstance(ctx, inst); err != nil {
		return err
	}

	s.publish(ctx, inst.ID, events.InstanceTransferred{
		BaseEvent:    s.baseEvent(events.InstanceTransferredEvent, inst),
		TransitionID: transition.ID,
		FromStateID:  transition.FromStateID,
		ToStateID:    transition.ToStateID,
		OpCtx:        opCtx,
		Message:      message,
	})
	s.publishSearchUpsert(ctx, inst)

	// Post-actions run after the state change committed; their failures are
	// logged, never rolled back into the transition.
	s.applyPostActions(ctx, inst, transition, opCtx, visited)

	s.invokeCallback(ctx, inst, transition.ActionByPostCallback, "post")

	if finished {
		s.publish(ctx, inst.ID, events.InstanceFinished{
			BaseEvent:    s.baseEvent(events.InstanceFinishedEvent, inst),
			FinalStateID: inst.CurrentStateID,
			FinishCtx:    opCtx,
		})

		return nil
	}

	return s.fireAutoTransitions(ctx, inst, visited)
}

// fireAutoTransitions fires every satisfiable auto transition leaving the
// instance's current state under the system identity.
func (s *InstanceRuntime) fireAutoTransitions(ctx context.Context, inst *models.Instance, visited map[string]bool) error {
	transitions, err := s.persistence.Transitions().ListByVersion(ctx, inst.VersionID)
	if err != nil {
		return fmt.Errorf("failed to list transitions: %w", err)
	}

	sysCtx := models.SystemContext()

	for _, transition := range transitions {
		if !transition.TransferByAuto || transition.FromStateID != inst.CurrentStateID {
			continue
		}

		if inst.Finished() {
			return nil
		}

		if !guardSatisfied(transition, inst, sysCtx, nil) {
			continue
		}

		if err := s.transfer(ctx, inst, transition, nil, "", sysCtx, visited); err != nil {
			return err
		}
	}

	return nil
}

// NextTransitions returns the transitions leaving the current state that the
// acting identity currently satisfies.
func (s *InstanceRuntime) NextTransitions(ctx context.Context, instanceID string, opCtx models.OperationContext, vars map[string]any) ([]*models.Transition, error) {
	inst, err := s.persistence.Instances().GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if inst.Finished() {
		return nil, nil
	}

	transitions, err := s.persistence.Transitions().ListByVersion(ctx, inst.VersionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}

	next := make([]*models.Transition, 0)

	for _, transition := range transitions {
		if transition.FromStateID != inst.CurrentStateID || transition.TransferByAuto {
			continue
		}

		if guardSatisfied(transition, inst, opCtx, vars) {
			next = append(next, transition)
		}
	}

	return next, nil
}

// Abort closes the instance without reaching a finish state.
func (s *InstanceRuntime) Abort(ctx context.Context, instanceID, message string, opCtx models.OperationContext) error {
	inst, err := s.persistence.Instances().GetByID(ctx, instanceID)
	if err != nil {
		return err
	}

	if inst.Finished() {
		return fmt.Errorf("abort instance %s: %w", instanceID, ErrInstanceFinished)
	}

	now := time.Now().UTC()
	inst.FinishTime = &now
	finishCtx := opCtx
	inst.FinishCtx = &finishCtx
	inst.FinishAbort = true
	inst.OutputMessage = message

	if err := s.updateInstance(ctx, inst); err != nil {
		return err
	}

	s.publish(ctx, inst.ID, events.InstanceFinished{
		BaseEvent:    s.baseEvent(events.InstanceFinishedEvent, inst),
		FinalStateID: inst.CurrentStateID,
		Abort:        true,
		FinishCtx:    opCtx,
	})
	s.publishAudit(ctx, inst, "abort", events.AuditContent{
		Subject: "instance", Operand: "abort", SubID: inst.ID, New: message,
	}, opCtx)
	s.publishSearchUpsert(ctx, inst)

	return nil
}

// AddComment appends a free-form comment to the instance.
func (s *InstanceRuntime) AddComment(ctx context.Context, instanceID, content string, opCtx models.OperationContext) (*models.Comment, error) {
	inst, err := s.persistence.Instances().GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate comment ID: %w", err)
	}

	comment := models.Comment{
		ID:        id.String(),
		OpCtx:     opCtx,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	inst.Comments = append(inst.Comments, comment)

	if err := s.updateInstance(ctx, inst); err != nil {
		return nil, err
	}

	return &comment, nil
}

// forceMove pushes the instance into the target state without a declared
// transition, used by back operations and review cascades.
func (s *InstanceRuntime) forceMove(ctx context.Context, inst *models.Instance, toStateID, message string, opCtx models.OperationContext, visited map[string]bool) error {
	if inst.Finished() {
		return fmt.Errorf("move on instance %s: %w", inst.ID, ErrInstanceFinished)
	}

	toState, err := s.persistence.States().GetByID(ctx, toStateID)
	if err != nil {
		return err
	}

	historyID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate history ID: %w", err)
	}

	fromStateID := inst.CurrentStateID
	inst.CurrentStateID = toStateID
	inst.Transitions = append(inst.Transitions, models.TransitionInfo{
		ID:          historyID.String(),
		FromStateID: fromStateID,
		ToStateID:   toStateID,
		OpCtx:       opCtx,
		Message:     message,
		CreatedAt:   time.Now().UTC(),
	})

	s.assignCurrentOperators(ctx, inst)

	if toState.Kind == models.StateKindFinish || toState.SysState == models.SysStateFinish {
		now := time.Now().UTC()
		inst.FinishTime = &now
		finishCtx := opCtx
		inst.FinishCtx = &finishCtx
	}

	if err := s.updateInstance(ctx, inst); err != nil {
		return err
	}

	s.publishSearchUpsert(ctx, inst)

	if inst.Finished() {
		return nil
	}

	return s.fireAutoTransitions(ctx, inst, visited)
}

// assignCurrentOperators recomputes curr_operators for the current state from
// the seeded operator map or the state's own guard configuration.
func (s *InstanceRuntime) assignCurrentOperators(ctx context.Context, inst *models.Instance) {
	if operators, ok := inst.Artifacts.OperatorMap[inst.CurrentStateID]; ok {
		inst.Artifacts.CurrOperators = operators

		return
	}

	state, err := s.persistence.States().GetByID(ctx, inst.CurrentStateID)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to load current state",
			"instance_id", inst.ID, "state_id", inst.CurrentStateID, "error", err)

		return
	}

	var custom *models.GuardConf

	switch {
	case state.Kind == models.StateKindApproval && state.ApprovalConf != nil:
		custom = state.ApprovalConf.GuardCustomConf
	case state.Kind == models.StateKindForm && state.FormConf != nil:
		custom = state.FormConf.GuardCustomConf
	}

	if custom != nil && len(custom.AccountIDs) > 0 {
		inst.Artifacts.CurrOperators = custom.AccountIDs

		return
	}

	inst.Artifacts.CurrOperators = nil
}

func (s *InstanceRuntime) updateInstance(ctx context.Context, inst *models.Instance) error {
	err := s.persistence.Instances().Update(ctx, inst)
	if err != nil {
		if persistence.IsRevisionConflict(err) {
			return fmt.Errorf("instance %s: %w", inst.ID, ErrConcurrentUpdate)
		}

		return fmt.Errorf("failed to update instance %s: %w", inst.ID, err)
	}

	return nil
}

func checkRequiredVars(transition *models.Transition, vars map[string]any) error {
	for _, name := range transition.VarsCollect {
		value, ok := vars[name]
		if !ok || value == nil || value == "" {
			return fmt.Errorf("variable %q required by transition %s: %w",
				name, transition.ID, ErrMissingRequiredVars)
		}
	}

	return nil
}

// invokeCallback notifies an external system about the transition. Failures
// are logged, never propagated.
func (s *InstanceRuntime) invokeCallback(ctx context.Context, inst *models.Instance, callback, phase string) {
	if callback == "" {
		return
	}

	event := events.AuditLog{
		BaseEvent: s.baseEvent(events.AuditLogEvent, inst),
		Scene:     "callback." + phase,
		Content: events.AuditContent{
			Subject: "callback",
			Operand: callback,
			SubID:   inst.ID,
		},
	}

	s.publish(ctx, inst.ID, event)
}

func (s *InstanceRuntime) baseEvent(eventType events.EventType, inst *models.Instance) events.BaseEvent {
	id := uuid.NewString()
	if s.eventBus != nil {
		id = s.eventBus.GenerateID()
	}

	return events.BaseEvent{
		ID:         id,
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		InstanceID: inst.ID,
		Tenant:     inst.Tenant,
	}
}

func (s *InstanceRuntime) publish(ctx context.Context, key string, event eventbus.Event) {
	if s.eventBus == nil {
		return
	}

	if err := s.eventBus.Publish(ctx, key, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish event",
			"event_type", event.GetType(), "key", key, "error", err)
	}
}

func (s *InstanceRuntime) publishAudit(ctx context.Context, inst *models.Instance, scene string, content events.AuditContent, opCtx models.OperationContext) {
	s.publish(ctx, inst.ID, events.AuditLog{
		BaseEvent: s.baseEvent(events.AuditLogEvent, inst),
		Scene:     scene,
		Content:   content,
		OpCtx:     opCtx,
	})
}

func (s *InstanceRuntime) publishSearchUpsert(ctx context.Context, inst *models.Instance) {
	state, err := s.persistence.States().GetByID(ctx, inst.CurrentStateID)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to load state for search upsert",
			"instance_id", inst.ID, "error", err)

		return
	}

	s.publish(ctx, inst.ID, events.SearchIndexUpsert{
		BaseEvent:     s.baseEvent(events.SearchIndexUpsertEvent, inst),
		Code:          inst.Code,
		BusinessObjID: inst.BusinessObjID,
		Tag:           inst.Tag,
		StateID:       state.ID,
		StateName:     state.Name,
		StateKind:     string(state.Kind),
		CurrOperators: inst.Artifacts.CurrOperators,
		FinishTime:    inst.FinishTime,
	})
}
