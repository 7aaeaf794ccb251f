package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/procflow/procflow/pkg/events"
	"github.com/procflow/procflow/pkg/kv"
	"github.com/procflow/procflow/pkg/models"
)

// Operate handles a sub-transition action against the instance's current
// state: voting on approvals, submitting forms, going back, revoking a vote
// or referring the decision to a delegate.
func (s *InstanceRuntime) Operate(ctx context.Context, instanceID string, req models.OperateReq, opCtx models.OperationContext) (*models.Instance, error) {
	inst, err := s.persistence.Instances().GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if inst.Finished() {
		return nil, fmt.Errorf("operate on instance %s: %w", instanceID, ErrInstanceFinished)
	}

	state, err := s.persistence.States().GetByID(ctx, inst.CurrentStateID)
	if err != nil {
		return nil, err
	}

	switch req.Operate {
	case models.OperateKindPass, models.OperateKindOverrule:
		err = s.operateVote(ctx, inst, state, req, opCtx)
	case models.OperateKindBack:
		err = s.operateBack(ctx, inst, state, req, opCtx)
	case models.OperateKindRevoke:
		err = s.operateRevoke(ctx, inst, state, opCtx)
	case models.OperateKindReferral:
		err = s.operateReferral(ctx, inst, state, req, opCtx)
	default:
		err = fmt.Errorf("unknown operate kind %q: %w", req.Operate, ErrInvalidOperate)
	}

	if err != nil {
		return nil, err
	}

	return s.persistence.Instances().GetByID(ctx, instanceID)
}

// BatchOperateItem addresses one child business object of a composite review.
type BatchOperateItem struct {
	ObjID string            `json:"obj_id" validate:"required"`
	Req   models.OperateReq `json:"req"`
}

// BatchOperate applies one operate call per listed child object's review
// instance. Failures are collected per item, never aborting the batch.
func (s *InstanceRuntime) BatchOperate(ctx context.Context, instanceID string, items []BatchOperateItem, opCtx models.OperationContext) ([]models.BatchOperateItemResult, error) {
	inst, err := s.persistence.Instances().GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	childTags := make(map[string]string, len(inst.RelChildObjs))
	for _, child := range inst.RelChildObjs {
		childTags[child.ObjID] = child.Tag
	}

	results := make([]models.BatchOperateItemResult, 0, len(items))

	for _, item := range items {
		result := models.BatchOperateItemResult{ObjID: item.ObjID, Success: true}

		child, err := s.childInstance(ctx, inst, childTags, item.ObjID)
		if err == nil {
			_, err = s.Operate(ctx, child.ID, item.Req, opCtx)
		}

		if err != nil {
			result.Success = false
			result.Error = err.Error()
		}

		results = append(results, result)
	}

	return results, nil
}

func (s *InstanceRuntime) childInstance(ctx context.Context, parent *models.Instance, childTags map[string]string, objID string) (*models.Instance, error) {
	tag, ok := childTags[objID]
	if !ok {
		return nil, fmt.Errorf("object %s is not a child of instance %s: %w",
			objID, parent.ID, ErrInvalidRequest)
	}

	candidates, err := s.persistence.Instances().FindByBusinessObj(ctx, parent.Tenant, tag, objID, false)
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		if !candidate.Main && candidate.VersionID == parent.VersionID && !candidate.Finished() {
			return candidate, nil
		}
	}

	return nil, fmt.Errorf("no running review instance for object %s: %w", objID, ErrInvalidRequest)
}

// operateVote records a pass or overrule vote and, once the state's
// aggregation policy is decisive, fires the matching outcome transition.
func (s *InstanceRuntime) operateVote(ctx context.Context, inst *models.Instance, state *models.State, req models.OperateReq, opCtx models.OperationContext) error {
	var outcome models.ApprovalOutcome

	switch {
	case state.Kind == models.StateKindApproval && state.ApprovalConf != nil:
		if req.Operate == models.OperateKindPass {
			outcome = models.ApprovalOutcomePass
		} else {
			outcome = models.ApprovalOutcomeOverrule
		}
	case state.Kind == models.StateKindForm:
		if req.Operate != models.OperateKindPass {
			return fmt.Errorf("form state %s only accepts pass: %w", state.ID, ErrInvalidOperate)
		}

		outcome = models.ApprovalOutcomePass
	default:
		return fmt.Errorf("state %s (%s) accepts no votes: %w", state.ID, state.Kind, ErrInvalidOperate)
	}

	if err := s.authorizeOperator(inst, opCtx); err != nil {
		return err
	}

	inst.Artifacts.MergeVars(req.Vars)
	inst.Artifacts.AddHisOperator(opCtx.Owner)

	if state.Kind == models.StateKindForm {
		if err := s.recordFormSubmission(inst, state, req.Vars); err != nil {
			return err
		}
	} else {
		for _, principal := range s.votingPrincipals(inst, opCtx.Owner) {
			inst.Artifacts.RecordVote(state.ID, outcome, principal)
		}
	}

	s.publish(ctx, inst.ID, events.InstanceOperated{
		BaseEvent: s.baseEvent(events.InstanceOperatedEvent, inst),
		StateID:   state.ID,
		Operate:   req.Operate,
		OpCtx:     opCtx,
		Message:   req.Message,
	})

	decided, decidedOutcome := s.decideOutcome(inst, state, outcome)
	if !decided {
		return s.updateInstance(ctx, inst)
	}

	transition := s.outcomeTransition(ctx, inst, state, decidedOutcome)
	if transition == nil {
		return fmt.Errorf("no transition for %s outcome on state %s: %w",
			decidedOutcome, state.ID, ErrInvalidOperate)
	}

	// Aggregated decisions fire under the system identity; the deciding voter
	// is already recorded in the history and operator sets.
	inst.Artifacts.PrevNonAutoStateIDs = append(inst.Artifacts.PrevNonAutoStateIDs, state.ID)
	inst.Artifacts.PrevNonAutoAccountID = opCtx.Owner

	visited := make(map[string]bool)

	if err := s.transfer(ctx, inst, transition, nil, req.Message, models.SystemContext(), visited); err != nil {
		return err
	}

	if inst.Finished() && !inst.Main {
		s.reviewCascade(ctx, inst, decidedOutcome, visited)
	}

	return nil
}

func (s *InstanceRuntime) recordFormSubmission(inst *models.Instance, state *models.State, vars map[string]any) error {
	if state.FormConf != nil {
		for field, required := range state.FormConf.VarsCollect {
			if !required {
				continue
			}

			value, ok := inst.Artifacts.Vars[field]
			if !ok || value == nil || value == "" {
				return fmt.Errorf("form field %q is required: %w", field, ErrMissingRequiredVars)
			}
		}
	}

	if inst.Artifacts.FormStateMap == nil {
		inst.Artifacts.FormStateMap = make(map[string]map[string]any)
	}

	if inst.Artifacts.FormStateMap[state.ID] == nil {
		inst.Artifacts.FormStateMap[state.ID] = make(map[string]any)
	}

	for k, v := range vars {
		inst.Artifacts.FormStateMap[state.ID][k] = v
	}

	return nil
}

// decideOutcome applies the state's multi-approval policy to the recorded
// votes. Form states are decisive on the first submission.
func (s *InstanceRuntime) decideOutcome(inst *models.Instance, state *models.State, latest models.ApprovalOutcome) (bool, models.ApprovalOutcome) {
	if state.Kind != models.StateKindApproval || state.ApprovalConf == nil {
		return true, latest
	}

	conf := state.ApprovalConf

	if conf.MultiApprovalKind != models.MultiApprovalCountersign {
		return true, latest
	}

	total := inst.Artifacts.ApprovalTotal[state.ID]
	if total == 0 {
		total = len(inst.Artifacts.CurrOperators)
	}

	if total == 0 {
		return true, latest
	}

	passes := inst.Artifacts.VoteCount(state.ID, models.ApprovalOutcomePass)
	overrules := inst.Artifacts.VoteCount(state.ID, models.ApprovalOutcomeOverrule)

	if conf.CountersignConf.Kind == models.CountersignMost {
		percent := conf.CountersignConf.MostPercent
		if percent <= 0 || percent > 100 {
			percent = 50
		}

		needed := (total*percent + 99) / 100
		if needed < 1 {
			needed = 1
		}

		if passes >= needed {
			return true, models.ApprovalOutcomePass
		}

		if overrules > total-needed {
			return true, models.ApprovalOutcomeOverrule
		}

		return false, ""
	}

	// Countersign "all": one overrule rejects, every operator must pass.
	if overrules > 0 {
		return true, models.ApprovalOutcomeOverrule
	}

	if passes >= total {
		return true, models.ApprovalOutcomePass
	}

	return false, ""
}

// outcomeTransition picks the manual transition leaving the state that
// matches the decided outcome, by button name first and then by convention.
func (s *InstanceRuntime) outcomeTransition(ctx context.Context, inst *models.Instance, state *models.State, outcome models.ApprovalOutcome) *models.Transition {
	transitions, err := s.persistence.Transitions().ListByVersion(ctx, inst.VersionID)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to list transitions",
			"instance_id", inst.ID, "error", err)

		return nil
	}

	names := outcomeNames(state, outcome)
	overruleNames := outcomeNames(state, models.ApprovalOutcomeOverrule)

	var fallback *models.Transition

	for _, transition := range transitions {
		if transition.FromStateID != state.ID || transition.TransferByAuto {
			continue
		}

		if names[strings.ToLower(transition.Name)] {
			return transition
		}

		// Any non-overrule edge may carry a decisive pass.
		if outcome == models.ApprovalOutcomePass && !overruleNames[strings.ToLower(transition.Name)] {
			if fallback == nil || transition.Sort < fallback.Sort {
				fallback = transition
			}
		}
	}

	return fallback
}

func outcomeNames(state *models.State, outcome models.ApprovalOutcome) map[string]bool {
	names := map[string]bool{string(outcome): true}

	if state.ApprovalConf == nil {
		return names
	}

	switch outcome {
	case models.ApprovalOutcomePass:
		if state.ApprovalConf.PassBtnName != "" {
			names[strings.ToLower(state.ApprovalConf.PassBtnName)] = true
		}
	case models.ApprovalOutcomeOverrule:
		names["reject"] = true

		if state.ApprovalConf.OverruleBtnName != "" {
			names[strings.ToLower(state.ApprovalConf.OverruleBtnName)] = true
		}
	}

	return names
}

// operateBack returns the instance to the most recent human-operated state.
func (s *InstanceRuntime) operateBack(ctx context.Context, inst *models.Instance, state *models.State, req models.OperateReq, opCtx models.OperationContext) error {
	if state.Kind.IsAutoSource() {
		return fmt.Errorf("cannot go back from a %s state: %w", state.Kind, ErrInvalidOperate)
	}

	if err := s.authorizeRewind(inst, opCtx); err != nil {
		return err
	}

	prev := inst.Artifacts.PrevNonAutoStateIDs
	if len(prev) == 0 {
		return fmt.Errorf("instance %s: %w", inst.ID, ErrNoPreviousState)
	}

	target := prev[len(prev)-1]
	inst.Artifacts.PrevNonAutoStateIDs = prev[:len(prev)-1]

	// Re-entering the state later starts a fresh vote round.
	delete(inst.Artifacts.ApprovalResult, state.ID)

	inst.Artifacts.AddHisOperator(opCtx.Owner)

	s.publish(ctx, inst.ID, events.InstanceOperated{
		BaseEvent: s.baseEvent(events.InstanceOperatedEvent, inst),
		StateID:   state.ID,
		Operate:   models.OperateKindBack,
		OpCtx:     opCtx,
		Message:   req.Message,
	})

	return s.forceMove(ctx, inst, target, req.Message, opCtx, make(map[string]bool))
}

// operateRevoke withdraws the operator's recorded vote on the current state.
func (s *InstanceRuntime) operateRevoke(ctx context.Context, inst *models.Instance, state *models.State, opCtx models.OperationContext) error {
	if state.Kind != models.StateKindApproval || state.ApprovalConf == nil || !state.ApprovalConf.Revocable {
		return fmt.Errorf("state %s: %w", state.ID, ErrRevokeNotAllowed)
	}

	removed := false

	for _, principal := range s.votingPrincipals(inst, opCtx.Owner) {
		if inst.Artifacts.RemoveVote(state.ID, models.ApprovalOutcomePass, principal) ||
			inst.Artifacts.RemoveVote(state.ID, models.ApprovalOutcomeOverrule, principal) {
			removed = true
		}
	}

	if !removed {
		return fmt.Errorf("operator %s on state %s: %w", opCtx.Owner, state.ID, ErrNoVoteToRevoke)
	}

	s.publish(ctx, inst.ID, events.InstanceOperated{
		BaseEvent: s.baseEvent(events.InstanceOperatedEvent, inst),
		StateID:   state.ID,
		Operate:   models.OperateKindRevoke,
		OpCtx:     opCtx,
	})

	return s.updateInstance(ctx, inst)
}

// operateReferral hands the operator's seat to the listed delegates. Votes
// cast by a delegate count for the principal whose seat they hold.
func (s *InstanceRuntime) operateReferral(ctx context.Context, inst *models.Instance, state *models.State, req models.OperateReq, opCtx models.OperationContext) error {
	if !state.Referable() {
		return fmt.Errorf("state %s: %w", state.ID, ErrReferralNotEnabled)
	}

	if len(req.ReferralAccountIDs) == 0 {
		return fmt.Errorf("referral needs at least one delegate: %w", ErrInvalidRequest)
	}

	if err := s.authorizeOperator(inst, opCtx); err != nil {
		return err
	}

	if inst.Artifacts.ReferralMap == nil {
		inst.Artifacts.ReferralMap = make(map[string][]string)
	}

	principals := s.votingPrincipals(inst, opCtx.Owner)

	operators := make([]string, 0, len(inst.Artifacts.CurrOperators))
	for _, operator := range inst.Artifacts.CurrOperators {
		if operator != opCtx.Owner {
			operators = append(operators, operator)
		}
	}

	for _, delegate := range req.ReferralAccountIDs {
		for _, principal := range principals {
			if !containsIdentity(inst.Artifacts.ReferralMap[delegate], principal) {
				inst.Artifacts.ReferralMap[delegate] = append(inst.Artifacts.ReferralMap[delegate], principal)
			}
		}

		if !containsIdentity(operators, delegate) {
			operators = append(operators, delegate)
		}
	}

	inst.Artifacts.CurrOperators = operators

	s.publish(ctx, inst.ID, events.InstanceOperated{
		BaseEvent: s.baseEvent(events.InstanceOperatedEvent, inst),
		StateID:   state.ID,
		Operate:   models.OperateKindReferral,
		OpCtx:     opCtx,
		Message:   req.Message,
	})
	s.publishAudit(ctx, inst, "referral", events.AuditContent{
		Subject: "instance",
		Operand: "referral",
		SubID:   inst.ID,
		New:     req.ReferralAccountIDs,
	}, opCtx)

	return s.updateInstance(ctx, inst)
}

// authorizeRewind admits the system identity, the creator, assigned
// operators and anyone who already acted on the instance.
func (s *InstanceRuntime) authorizeRewind(inst *models.Instance, opCtx models.OperationContext) error {
	if opCtx.IsSystem() || (opCtx.Owner != "" && opCtx.Owner == inst.CreateCtx.Owner) ||
		actorAssigned(inst, opCtx.Owner) ||
		containsIdentity(inst.Artifacts.HisOperators, opCtx.Owner) {
		return nil
	}

	return fmt.Errorf("operator %s cannot rewind instance %s: %w",
		opCtx.Owner, inst.ID, ErrNoGuardSatisfied)
}

// authorizeOperator admits the system identity, assigned operators and
// registered referral delegates.
func (s *InstanceRuntime) authorizeOperator(inst *models.Instance, opCtx models.OperationContext) error {
	if opCtx.IsSystem() || actorAssigned(inst, opCtx.Owner) {
		return nil
	}

	return fmt.Errorf("operator %s is not assigned to instance %s: %w",
		opCtx.Owner, inst.ID, ErrNoGuardSatisfied)
}

// votingPrincipals resolves whose seats the actor's vote fills.
func (s *InstanceRuntime) votingPrincipals(inst *models.Instance, actor string) []string {
	if principals, ok := inst.Artifacts.ReferralMap[actor]; ok && len(principals) > 0 {
		return principals
	}

	return []string{actor}
}

// reviewCascade pushes the business object's main instance into the
// configured pass or unpass state when its review instance finishes.
func (s *InstanceRuntime) reviewCascade(ctx context.Context, inst *models.Instance, outcome models.ApprovalOutcome, visited map[string]bool) {
	if s.kvStore == nil {
		return
	}

	app := inst.CreateCtx.OwnPaths
	if app == "" {
		app = "_"
	}

	items, err := kv.GetReviewConfig(ctx, s.kvStore, inst.Tenant, app)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to load review config",
			"instance_id", inst.ID, "error", err)

		return
	}

	mapping, ok := kv.FindReviewMapping(items, inst.Tag)
	if !ok {
		return
	}

	target := mapping.PassStateID
	if outcome == models.ApprovalOutcomeOverrule {
		target = mapping.UnpassStateID
	}

	if target == "" {
		return
	}

	mains, err := s.persistence.Instances().FindByBusinessObj(ctx, inst.Tenant, inst.Tag, inst.BusinessObjID, true)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to find main instances for cascade",
			"instance_id", inst.ID, "error", err)

		return
	}

	for _, main := range mains {
		if main.Finished() || main.CurrentStateID == target {
			continue
		}

		if err := s.pushToState(ctx, main, target, visited); err != nil {
			s.logger.WarnContext(ctx, "review cascade push failed",
				"instance_id", main.ID, "target_state_id", target, "error", err)
		}
	}
}
