package models

import "time"

// OperationContext is the immutable snapshot of the acting identity attached
// to every mutating call for audit purposes.
type OperationContext struct {
	Owner    string   `json:"owner"`
	OwnPaths string   `json:"own_paths"`
	Ak       string   `json:"ak,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Groups   []string `json:"groups,omitempty"`
}

// SystemContext is the identity auto and timer transitions run under.
func SystemContext() OperationContext {
	return OperationContext{Owner: "_system_"}
}

// IsSystem reports whether the context is the internal system identity.
func (c OperationContext) IsSystem() bool {
	return c.Owner == "_system_"
}

// ApprovalOutcome is the recorded result of one operate vote.
type ApprovalOutcome string

const (
	ApprovalOutcomePass     ApprovalOutcome = "pass"
	ApprovalOutcomeOverrule ApprovalOutcome = "overrule"
)

// Artifacts is the instance's mutable state bag beyond CurrentStateID. All
// mutation happens through read-modify-write against the latest persisted
// revision of the owning instance.
type Artifacts struct {
	// HisOperators accumulates every identity that acted on the instance.
	HisOperators []string `json:"his_operators,omitempty"`
	// CurrOperators are the identities expected to act in the current state.
	CurrOperators []string `json:"curr_operators,omitempty"`
	// OperatorMap assigns operators per approval-state id, seeded at start.
	OperatorMap map[string][]string `json:"operator_map,omitempty"`
	// ApprovalResult tallies votes: state id -> outcome -> operators.
	ApprovalResult map[string]map[ApprovalOutcome][]string `json:"approval_result,omitempty"`
	// ApprovalTotal is the number of votes needed per approval-state id.
	ApprovalTotal map[string]int `json:"approval_total,omitempty"`
	// ReferralMap records delegate -> principals whose vote the delegate casts.
	ReferralMap map[string][]string `json:"referral_map,omitempty"`
	// FormStateMap captures submitted form values per form-state id.
	FormStateMap map[string]map[string]any `json:"form_state_map,omitempty"`
	// PrevNonAutoStateIDs is the chain of left states that required a human,
	// consumed from the tail by the back operation.
	PrevNonAutoStateIDs []string `json:"prev_non_auto_state_ids,omitempty"`
	// PrevNonAutoAccountID is the operator who acted on the last such state.
	PrevNonAutoAccountID string `json:"prev_non_auto_account_id,omitempty"`
	// Vars is the merged variable set collected across transfers.
	Vars map[string]any `json:"vars,omitempty"`
}

// TransitionInfo is one append-only history record of a fired transition.
type TransitionInfo struct {
	ID           string           `json:"id"`
	TransitionID string           `json:"transition_id"`
	FromStateID  string           `json:"from_state_id"`
	ToStateID    string           `json:"to_state_id"`
	OpCtx        OperationContext `json:"op_ctx"`
	Message      string           `json:"message,omitempty"`
	Vars         map[string]any   `json:"vars,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Comment is a free-form note on an instance.
type Comment struct {
	ID        string           `json:"id"`
	OpCtx     OperationContext `json:"op_ctx"`
	Content   string           `json:"content"`
	CreatedAt time.Time        `json:"created_at"`
}

// RelChildObj names a child business object reviewed by a composite instance.
type RelChildObj struct {
	Tag   string `json:"tag"`
	ObjID string `json:"obj_id"`
}

// Instance is one running execution of a version against a business object.
type Instance struct {
	ID             string `json:"id"`
	Code           string `json:"code"`
	VersionID      string `json:"rel_version_id"`
	BusinessObjID  string `json:"rel_business_obj_id"`
	Tag            string `json:"tag"`
	CurrentStateID string `json:"current_state_id"`
	// Main marks the object's primary lifecycle instance as opposed to a
	// secondary approval flow (edit/delete/review) over the same object.
	Main         bool             `json:"main"`
	RelChildObjs []RelChildObj    `json:"rel_child_objs,omitempty"`
	Artifacts    Artifacts        `json:"artifacts"`
	Transitions  []TransitionInfo `json:"transitions,omitempty"`
	Comments     []Comment        `json:"comments,omitempty"`

	CreateCtx     OperationContext  `json:"create_ctx"`
	CreatedAt     time.Time         `json:"created_at"`
	FinishCtx     *OperationContext `json:"finish_ctx,omitempty"`
	FinishTime    *time.Time        `json:"finish_time,omitempty"`
	FinishAbort   bool              `json:"finish_abort"`
	OutputMessage string            `json:"output_message,omitempty"`

	Tenant string `json:"tenant"`
	// Revision guards concurrent read-modify-write cycles. Repositories
	// reject writes whose revision does not match the stored row.
	Revision int64 `json:"revision"`
	// LastTimerCheck is the high-water mark of the due-timer poller.
	LastTimerCheck *time.Time `json:"last_timer_check,omitempty"`
}

// Finished reports whether the instance reached a terminal state or was aborted.
func (i *Instance) Finished() bool {
	return i.FinishTime != nil
}

// VoteCount returns how many distinct operators recorded the outcome on the state.
func (a *Artifacts) VoteCount(stateID string, outcome ApprovalOutcome) int {
	results, ok := a.ApprovalResult[stateID]
	if !ok {
		return 0
	}

	return len(results[outcome])
}

// RecordVote appends the operator to the tally, once per operator per outcome.
func (a *Artifacts) RecordVote(stateID string, outcome ApprovalOutcome, operator string) {
	if a.ApprovalResult == nil {
		a.ApprovalResult = make(map[string]map[ApprovalOutcome][]string)
	}

	if a.ApprovalResult[stateID] == nil {
		a.ApprovalResult[stateID] = make(map[ApprovalOutcome][]string)
	}

	for _, op := range a.ApprovalResult[stateID][outcome] {
		if op == operator {
			return
		}
	}

	a.ApprovalResult[stateID][outcome] = append(a.ApprovalResult[stateID][outcome], operator)
}

// RemoveVote deletes the operator's vote for the outcome, if present.
func (a *Artifacts) RemoveVote(stateID string, outcome ApprovalOutcome, operator string) bool {
	results, ok := a.ApprovalResult[stateID]
	if !ok {
		return false
	}

	votes := results[outcome]
	for i, op := range votes {
		if op == operator {
			results[outcome] = append(votes[:i:i], votes[i+1:]...)

			return true
		}
	}

	return false
}

// AddHisOperator records the identity in the historical operator set.
func (a *Artifacts) AddHisOperator(operator string) {
	for _, op := range a.HisOperators {
		if op == operator {
			return
		}
	}

	a.HisOperators = append(a.HisOperators, operator)
}

// MergeVars overlays the supplied variables on top of the stored set.
func (a *Artifacts) MergeVars(vars map[string]any) {
	if len(vars) == 0 {
		return
	}

	if a.Vars == nil {
		a.Vars = make(map[string]any, len(vars))
	}

	for k, v := range vars {
		a.Vars[k] = v
	}
}
