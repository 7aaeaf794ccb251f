package models

import "time"

// Transition is a guarded edge between two states of one version. Transitions
// are owned by exactly one version; cloning a version copies them.
type Transition struct {
	ID          string `json:"id"`
	VersionID   string `json:"version_id"   validate:"required"`
	Name        string `json:"name"         validate:"required"`
	FromStateID string `json:"from_state_id" validate:"required"`
	ToStateID   string `json:"to_state_id"   validate:"required"`

	// TransferByAuto must equal FromState.Kind.IsAutoSource(). The services
	// layer enforces this on add and modify.
	TransferByAuto  bool   `json:"transfer_by_auto"`
	TransferByTimer string `json:"transfer_by_timer,omitempty"` // cron expression

	GuardByCreator      bool            `json:"guard_by_creator"`
	GuardByHisOperators bool            `json:"guard_by_his_operators"`
	GuardByAssigned     bool            `json:"guard_by_assigned"`
	GuardBySpecAccounts []string        `json:"guard_by_spec_account_ids,omitempty"`
	GuardBySpecRoles    []string        `json:"guard_by_spec_role_ids,omitempty"`
	GuardBySpecOrgs     []string        `json:"guard_by_spec_org_ids,omitempty"`
	GuardByOtherConds   ConditionGroups `json:"guard_by_other_conds,omitempty"`

	VarsCollect []string     `json:"vars_collect,omitempty"` // required variables for a manual transfer
	DoubleCheck *DoubleCheck `json:"double_check,omitempty"`

	ActionByPreCallback  string `json:"action_by_pre_callback,omitempty"`
	ActionByPostCallback string `json:"action_by_post_callback,omitempty"`

	PostActions []PostAction `json:"post_actions,omitempty"`

	Sort      int64     `json:"sort"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasGuard reports whether any identity guard kind is configured. When none
// is, the transition is open to every actor that can see the instance.
func (t *Transition) HasGuard() bool {
	return t.GuardByCreator ||
		t.GuardByHisOperators ||
		t.GuardByAssigned ||
		len(t.GuardBySpecAccounts) > 0 ||
		len(t.GuardBySpecRoles) > 0 ||
		len(t.GuardBySpecOrgs) > 0
}

// DoubleCheck makes the UI ask for confirmation before firing the transition.
type DoubleCheck struct {
	IsOpen  bool   `json:"is_open"`
	Content string `json:"content,omitempty"`
}

// PostActionKind discriminates the post-action union.
type PostActionKind string

const (
	// PostActionKindVar mutates a variable on the current or a related object.
	PostActionKindVar PostActionKind = "var"
	// PostActionKindState pushes related objects into a target state.
	PostActionKindState PostActionKind = "state"
)

// VarChangedKind is how a Var post-action rewrites the target field.
type VarChangedKind string

const (
	VarChangedClean              VarChangedKind = "clean"
	VarChangedChangeContent      VarChangedKind = "change_content"
	VarChangedAutoGetOperateTime VarChangedKind = "auto_get_operate_time"
	VarChangedAutoGetOperator    VarChangedKind = "auto_get_operator"
	VarChangedSelectField        VarChangedKind = "select_field"
	VarChangedAddOrSub           VarChangedKind = "add_or_sub"
)

// TagRelKind selects which relation family resolves the target object.
type TagRelKind string

const (
	TagRelKindDefault     TagRelKind = "default"
	TagRelKindParentOrSub TagRelKind = "parent_or_sub"
)

// StateChangeConditionOp joins StateChangeCondition items.
type StateChangeConditionOp string

const (
	StateChangeConditionAnd StateChangeConditionOp = "and"
	StateChangeConditionOr  StateChangeConditionOp = "or"
)

// StateChangeConditionItem is a state-membership predicate over objects
// related to the candidate target.
type StateChangeConditionItem struct {
	ObjTag          string     `json:"obj_tag"`
	ObjTagRelKind   TagRelKind `json:"obj_tag_rel_kind,omitempty"`
	CurrentStateIDs []string   `json:"current_state_ids,omitempty"`
}

// StateChangeCondition filters which related objects a State post-action may
// push. Items combine with Op; an unset condition matches everything.
type StateChangeCondition struct {
	IsOpen bool                       `json:"is_open"`
	Op     StateChangeConditionOp     `json:"op,omitempty"`
	Items  []StateChangeConditionItem `json:"items,omitempty"`
}

// PostAction is the tagged union executed after a transition commits, in
// declaration order.
type PostAction struct {
	Kind PostActionKind `json:"kind" validate:"required"`

	// Shared target addressing. Empty ObjTag targets the current object.
	ObjTag        string     `json:"obj_tag,omitempty"`
	ObjTagRelKind TagRelKind `json:"obj_tag_rel_kind,omitempty"`

	// Var kind fields.
	VarName     string         `json:"var_name,omitempty"`
	ChangedKind VarChangedKind `json:"changed_kind,omitempty"`
	// ChangedContent is the literal for change_content, the source field name
	// for select_field, or the signed delta for add_or_sub.
	ChangedContent any `json:"changed_content,omitempty"`

	// State kind fields.
	ObjCurrentStateIDs []string              `json:"obj_current_state_ids,omitempty"`
	ChangedStateID     string                `json:"changed_state_id,omitempty"`
	ChangeCondition    *StateChangeCondition `json:"change_condition,omitempty"`
}
