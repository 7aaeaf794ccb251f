package services

import (
	"context"
	"strconv"
	"time"

	"github.com/procflow/procflow/pkg/models"
)

// applyPostActions executes the transition's post-actions in declaration
// order. The state change already committed, so failures here are logged and
// the remaining actions still run.
func (s *InstanceRuntime) applyPostActions(ctx context.Context, inst *models.Instance, transition *models.Transition, opCtx models.OperationContext, visited map[string]bool) {
	for _, action := range transition.PostActions {
		var err error

		switch action.Kind {
		case models.PostActionKindVar:
			err = s.applyVarAction(ctx, inst, action, opCtx)
		case models.PostActionKindState:
			err = s.applyStateAction(ctx, inst, action, visited)
		}

		if err != nil {
			s.logger.WarnContext(ctx, "post-action failed",
				"instance_id", inst.ID,
				"transition_id", transition.ID,
				"kind", action.Kind,
				"error", err)
		}
	}
}

// applyVarAction rewrites one variable on the current object or on every
// object related by the action's tag.
func (s *InstanceRuntime) applyVarAction(ctx context.Context, inst *models.Instance, action models.PostAction, opCtx models.OperationContext) error {
	if action.ObjTag == "" || action.ObjTag == inst.Tag {
		applyVarChange(inst, inst, action, opCtx)

		return s.updateInstance(ctx, inst)
	}

	targets, err := s.relatedMainInstances(ctx, inst, action.ObjTag, action.ObjTagRelKind)
	if err != nil {
		return err
	}

	for _, target := range targets {
		applyVarChange(target, inst, action, opCtx)

		if err := s.updateInstance(ctx, target); err != nil {
			return err
		}
	}

	return nil
}

// applyVarChange mutates the target instance's variable per the action's
// changed kind. The source instance supplies values for select_field.
func applyVarChange(target, source *models.Instance, action models.PostAction, opCtx models.OperationContext) {
	if target.Artifacts.Vars == nil {
		target.Artifacts.Vars = make(map[string]any)
	}

	switch action.ChangedKind {
	case models.VarChangedClean:
		delete(target.Artifacts.Vars, action.VarName)
	case models.VarChangedChangeContent:
		target.Artifacts.Vars[action.VarName] = action.ChangedContent
	case models.VarChangedAutoGetOperateTime:
		target.Artifacts.Vars[action.VarName] = time.Now().UTC().Format(time.RFC3339)
	case models.VarChangedAutoGetOperator:
		target.Artifacts.Vars[action.VarName] = opCtx.Owner
	case models.VarChangedSelectField:
		if field, ok := action.ChangedContent.(string); ok {
			if value, exists := source.Artifacts.Vars[field]; exists {
				target.Artifacts.Vars[action.VarName] = value
			}
		}
	case models.VarChangedAddOrSub:
		current, _ := floatValue(target.Artifacts.Vars[action.VarName])
		delta, ok := floatValue(action.ChangedContent)

		if ok {
			target.Artifacts.Vars[action.VarName] = current + delta
		}
	}
}

// applyStateAction pushes every matching related object's main instance into
// the action's target state under the system identity.
func (s *InstanceRuntime) applyStateAction(ctx context.Context, inst *models.Instance, action models.PostAction, visited map[string]bool) error {
	if action.ObjTag == "" || action.ChangedStateID == "" {
		return nil
	}

	targets, err := s.relatedMainInstances(ctx, inst, action.ObjTag, action.ObjTagRelKind)
	if err != nil {
		return err
	}

	for _, target := range targets {
		if target.Finished() || target.CurrentStateID == action.ChangedStateID {
			continue
		}

		if len(action.ObjCurrentStateIDs) > 0 && !containsIdentity(action.ObjCurrentStateIDs, target.CurrentStateID) {
			continue
		}

		ok, err := s.changeConditionHolds(ctx, target, action.ChangeCondition)
		if err != nil {
			return err
		}

		if !ok {
			continue
		}

		if err := s.pushToState(ctx, target, action.ChangedStateID, visited); err != nil {
			s.logger.WarnContext(ctx, "state post-action push failed",
				"instance_id", target.ID,
				"target_state_id", action.ChangedStateID,
				"error", err)
		}
	}

	return nil
}

// changeConditionHolds evaluates the state-membership filter over objects
// related to the candidate target. An item holds when every related object's
// main instance sits in one of the listed states; items with no related
// objects hold vacuously.
func (s *InstanceRuntime) changeConditionHolds(ctx context.Context, target *models.Instance, cond *models.StateChangeCondition) (bool, error) {
	if cond == nil || !cond.IsOpen || len(cond.Items) == 0 {
		return true, nil
	}

	for i, item := range cond.Items {
		holds, err := s.changeConditionItemHolds(ctx, target, item)
		if err != nil {
			return false, err
		}

		if cond.Op == models.StateChangeConditionOr {
			if holds {
				return true, nil
			}

			if i == len(cond.Items)-1 {
				return false, nil
			}

			continue
		}

		if !holds {
			return false, nil
		}
	}

	return true, nil
}

func (s *InstanceRuntime) changeConditionItemHolds(ctx context.Context, target *models.Instance, item models.StateChangeConditionItem) (bool, error) {
	related, err := s.relatedMainInstances(ctx, target, item.ObjTag, item.ObjTagRelKind)
	if err != nil {
		return false, err
	}

	for _, inst := range related {
		if !containsIdentity(item.CurrentStateIDs, inst.CurrentStateID) {
			return false, nil
		}
	}

	return true, nil
}

// pushToState prefers a declared transition into the target state; when the
// graph has none, the instance is moved directly.
func (s *InstanceRuntime) pushToState(ctx context.Context, inst *models.Instance, toStateID string, visited map[string]bool) error {
	transitions, err := s.persistence.Transitions().ListByVersion(ctx, inst.VersionID)
	if err != nil {
		return err
	}

	sysCtx := models.SystemContext()

	for _, transition := range transitions {
		if transition.FromStateID == inst.CurrentStateID && transition.ToStateID == toStateID {
			return s.transfer(ctx, inst, transition, nil, "", sysCtx, visited)
		}
	}

	return s.forceMove(ctx, inst, toStateID, "", sysCtx, visited)
}

// relatedMainInstances resolves the main instances of every business object
// related to the instance's object under the given tag and relation family.
func (s *InstanceRuntime) relatedMainInstances(ctx context.Context, inst *models.Instance, tag string, relKind models.TagRelKind) ([]*models.Instance, error) {
	objIDs, err := s.relatedObjIDs(ctx, inst.BusinessObjID, tag, relKind)
	if err != nil {
		return nil, err
	}

	instances := make([]*models.Instance, 0, len(objIDs))

	for _, objID := range objIDs {
		mains, err := s.persistence.Instances().FindByBusinessObj(ctx, inst.Tenant, tag, objID, true)
		if err != nil {
			return nil, err
		}

		for _, main := range mains {
			if !main.Finished() {
				instances = append(instances, main)
			}
		}
	}

	return instances, nil
}

func (s *InstanceRuntime) relatedObjIDs(ctx context.Context, objID, tag string, relKind models.TagRelKind) ([]string, error) {
	kinds := []string{models.ObjRelKind(tag)}
	if relKind == models.TagRelKindParentOrSub {
		kinds = []string{models.RelKindObjParent, models.RelKindObjSub}
	}

	seen := make(map[string]bool)
	ids := make([]string, 0)

	for _, kind := range kinds {
		from, err := s.persistence.Relations().FindFrom(ctx, kind, objID)
		if err != nil {
			return nil, err
		}

		for _, rel := range from {
			if !seen[rel.RelID] {
				seen[rel.RelID] = true
				ids = append(ids, rel.RelID)
			}
		}

		to, err := s.persistence.Relations().FindTo(ctx, kind, objID)
		if err != nil {
			return nil, err
		}

		for _, rel := range to {
			if !seen[rel.RelID] {
				seen[rel.RelID] = true
				ids = append(ids, rel.RelID)
			}
		}
	}

	return ids, nil
}

func floatValue(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case float32:
		return float64(value), true
	case int:
		return float64(value), true
	case int32:
		return float64(value), true
	case int64:
		return float64(value), true
	case string:
		parsed, err := strconv.ParseFloat(value, 64)

		return parsed, err == nil
	default:
		return 0, false
	}
}
