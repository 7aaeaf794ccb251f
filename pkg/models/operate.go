package models

// OperateKind is a sub-transition action inside an approval or form state.
type OperateKind string

const (
	OperateKindPass     OperateKind = "pass"
	OperateKindOverrule OperateKind = "overrule"
	OperateKindBack     OperateKind = "back"
	OperateKindRevoke   OperateKind = "revoke"
	OperateKindReferral OperateKind = "referral"
)

// OperateReq is one operate call against an instance's current state.
type OperateReq struct {
	Operate OperateKind    `json:"operate" validate:"required"`
	Vars    map[string]any `json:"vars,omitempty"`
	Message string         `json:"message,omitempty"`
	// ReferralAccountIDs are the delegates for a referral operate.
	ReferralAccountIDs []string `json:"referral_account_ids,omitempty"`
}

// BatchOperateItemResult is the per-child outcome of a batch operate call.
type BatchOperateItemResult struct {
	ObjID   string `json:"obj_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SimpleRel is one tagged relation edge as seen by post-action resolution.
type SimpleRel struct {
	RelID   string `json:"rel_id"`
	RelName string `json:"rel_name,omitempty"`
	Ext     string `json:"ext,omitempty"`
}
