// Package models defines the core domain models for the approval workflow engine.
package models

import "time"

// StateKind classifies what a state node does when an instance sits in it.
type StateKind string

const (
	StateKindSimple   StateKind = "simple"   // Plain milestone, no interaction
	StateKindForm     StateKind = "form"     // Data entry by the assigned operators
	StateKindApproval StateKind = "approval" // Pass/overrule decision point
	StateKindBranch   StateKind = "branch"   // Automatic routing node
	StateKindStart    StateKind = "start"    // Entry node of a version graph
	StateKindFinish   StateKind = "finish"   // Terminal node
)

// IsAutoSource reports whether transitions leaving this kind of state fire
// without a human actor.
func (k StateKind) IsAutoSource() bool {
	return k == StateKindStart || k == StateKindBranch
}

// SysState is the coarse reporting bucket of a state.
type SysState string

const (
	SysStateStart    SysState = "start"
	SysStateProgress SysState = "progress"
	SysStateFinish   SysState = "finish"
)

// MultiApprovalKind selects how votes from several operators combine.
type MultiApprovalKind string

const (
	// MultiApprovalOrSign lets the first decisive vote settle the state.
	MultiApprovalOrSign MultiApprovalKind = "orsign"
	// MultiApprovalCountersign requires votes per the CountersignConf policy.
	MultiApprovalCountersign MultiApprovalKind = "countersign"
)

// CountersignKind is the vote threshold policy for countersign states.
type CountersignKind string

const (
	CountersignAll  CountersignKind = "all"
	CountersignMost CountersignKind = "most"
)

// CountersignConf tunes vote aggregation for a countersign approval state.
type CountersignConf struct {
	Kind        CountersignKind `json:"kind"`
	MostPercent int             `json:"most_percent,omitempty"` // Used when Kind is "most", 1-100
}

// GuardConf lists explicit identities allowed to act on a state or transition.
type GuardConf struct {
	AccountIDs []string `json:"account_ids,omitempty"`
	RoleIDs    []string `json:"role_ids,omitempty"`
	OrgIDs     []string `json:"org_ids,omitempty"`
}

// Empty reports whether no explicit identity is configured.
func (g GuardConf) Empty() bool {
	return len(g.AccountIDs) == 0 && len(g.RoleIDs) == 0 && len(g.OrgIDs) == 0
}

// ApprovalConf is the kind-specific configuration of an approval state.
type ApprovalConf struct {
	GuardByCreator      bool              `json:"guard_by_creator"`
	GuardByHisOperators bool              `json:"guard_by_his_operators"`
	GuardByAssigned     bool              `json:"guard_by_assigned"`
	GuardCustomConf     *GuardConf        `json:"guard_custom_conf,omitempty"`
	Revocable           bool              `json:"revocable"`
	Referral            bool              `json:"referral"`
	VarsCollect         map[string]bool   `json:"vars_collect,omitempty"` // field name -> required
	MultiApprovalKind   MultiApprovalKind `json:"multi_approval_kind"`
	CountersignConf     CountersignConf   `json:"countersign_conf"`
	PassBtnName         string            `json:"pass_btn_name,omitempty"`
	OverruleBtnName     string            `json:"overrule_btn_name,omitempty"`
	BackBtnName         string            `json:"back_btn_name,omitempty"`
}

// FormConf is the kind-specific configuration of a form state.
type FormConf struct {
	GuardByCreator      bool            `json:"guard_by_creator"`
	GuardByHisOperators bool            `json:"guard_by_his_operators"`
	GuardByAssigned     bool            `json:"guard_by_assigned"`
	GuardCustomConf     *GuardConf      `json:"guard_custom_conf,omitempty"`
	Referral            bool            `json:"referral"`
	VarsCollect         map[string]bool `json:"vars_collect,omitempty"`
}

// State is a reusable node definition. States live in a tenant-wide registry
// and are bound to versions through relations, never owned by one version.
type State struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"     validate:"required"`
	Kind     StateKind `json:"kind"     validate:"required"`
	SysState SysState  `json:"sys_state" validate:"required"`
	// Tags restricts which business-object tags may bind this state.
	// Empty means any tag.
	Tags         []string      `json:"tags,omitempty"`
	ApprovalConf *ApprovalConf `json:"approval_conf,omitempty"` // Kind == approval
	FormConf     *FormConf     `json:"form_conf,omitempty"`     // Kind == form
	IsTemplate   bool          `json:"is_template"`
	Disabled     bool          `json:"disabled"`
	Color        string        `json:"color,omitempty"`
	Sort         int64         `json:"sort"`
	Tenant       string        `json:"tenant"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// AllowsTag reports whether the state's tag scope admits the given tag.
func (s *State) AllowsTag(tag string) bool {
	if len(s.Tags) == 0 {
		return true
	}

	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}

	return false
}

// Referable reports whether operators of the state may refer their decision
// to another identity.
func (s *State) Referable() bool {
	switch s.Kind {
	case StateKindApproval:
		return s.ApprovalConf != nil && s.ApprovalConf.Referral
	case StateKindForm:
		return s.FormConf != nil && s.FormConf.Referral
	default:
		return false
	}
}
