package services

import (
	"github.com/procflow/procflow/pkg/models"
)

// guardSatisfied decides whether the acting identity may fire the transition
// on the instance. Identity guard kinds combine with OR; when none is
// configured the transition is open. The variable condition groups act as a
// veto on top of the identity decision.
func guardSatisfied(transition *models.Transition, inst *models.Instance, opCtx models.OperationContext, vars map[string]any) bool {
	if !transition.GuardByOtherConds.Eval(mergedVars(inst, vars)) {
		return false
	}

	if !transition.HasGuard() {
		return true
	}

	// Auto and timer transitions run under the system identity.
	if opCtx.IsSystem() {
		return true
	}

	if transition.GuardByCreator && opCtx.Owner == inst.CreateCtx.Owner {
		return true
	}

	if transition.GuardByHisOperators && containsIdentity(inst.Artifacts.HisOperators, opCtx.Owner) {
		return true
	}

	if transition.GuardByAssigned && actorAssigned(inst, opCtx.Owner) {
		return true
	}

	if containsIdentity(transition.GuardBySpecAccounts, opCtx.Owner) {
		return true
	}

	if intersects(transition.GuardBySpecRoles, opCtx.Roles) {
		return true
	}

	if intersects(transition.GuardBySpecOrgs, opCtx.Groups) {
		return true
	}

	return false
}

// actorAssigned reports whether the identity is among the current operators,
// directly or as a registered referral delegate.
func actorAssigned(inst *models.Instance, owner string) bool {
	if containsIdentity(inst.Artifacts.CurrOperators, owner) {
		return true
	}

	_, delegated := inst.Artifacts.ReferralMap[owner]

	return delegated
}

// mergedVars overlays request variables on top of the instance's stored set
// without mutating either.
func mergedVars(inst *models.Instance, vars map[string]any) map[string]any {
	merged := make(map[string]any, len(inst.Artifacts.Vars)+len(vars))

	for k, v := range inst.Artifacts.Vars {
		merged[k] = v
	}

	for k, v := range vars {
		merged[k] = v
	}

	return merged
}

func containsIdentity(set []string, id string) bool {
	for _, member := range set {
		if member == id {
			return true
		}
	}

	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}

	return false
}
