// Package web provides HTTP request and response types for the workflow API.
package web

import (
	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/services"
)

// CreateStateRequest is the request body for registering a state definition.
type CreateStateRequest struct {
	Name         string               `json:"name"      validate:"required"`
	Kind         models.StateKind     `json:"kind"      validate:"required"`
	SysState     models.SysState      `json:"sys_state" validate:"required"`
	Tags         []string             `json:"tags,omitempty"`
	ApprovalConf *models.ApprovalConf `json:"approval_conf,omitempty"`
	FormConf     *models.FormConf     `json:"form_conf,omitempty"`
	IsTemplate   bool                 `json:"is_template"`
	Color        string               `json:"color,omitempty"`
	Sort         int64                `json:"sort"`
}

func (r CreateStateRequest) toService(tenant string) services.CreateStateRequest {
	return services.CreateStateRequest{
		Name:         r.Name,
		Kind:         r.Kind,
		SysState:     r.SysState,
		Tags:         r.Tags,
		ApprovalConf: r.ApprovalConf,
		FormConf:     r.FormConf,
		IsTemplate:   r.IsTemplate,
		Color:        r.Color,
		Sort:         r.Sort,
		Tenant:       tenant,
	}
}

// ModifyStateRequest is the partial-update body for a state definition.
type ModifyStateRequest struct {
	Name         *string              `json:"name,omitempty"`
	SysState     *models.SysState     `json:"sys_state,omitempty"`
	Tags         *[]string            `json:"tags,omitempty"`
	ApprovalConf *models.ApprovalConf `json:"approval_conf,omitempty"`
	FormConf     *models.FormConf     `json:"form_conf,omitempty"`
	Disabled     *bool                `json:"disabled,omitempty"`
	Color        *string              `json:"color,omitempty"`
	Sort         *int64               `json:"sort,omitempty"`
}

func (r ModifyStateRequest) toService() services.ModifyStateRequest {
	return services.ModifyStateRequest{
		Name:         r.Name,
		SysState:     r.SysState,
		Tags:         r.Tags,
		ApprovalConf: r.ApprovalConf,
		FormConf:     r.FormConf,
		Disabled:     r.Disabled,
		Color:        r.Color,
		Sort:         r.Sort,
	}
}

// CreateModelRequest is the request body for creating a workflow model.
type CreateModelRequest struct {
	Name               string           `json:"name" validate:"required,min=2"`
	Icon               string           `json:"icon,omitempty"`
	Info               string           `json:"info,omitempty"`
	Kind               models.ModelKind `json:"kind" validate:"required"`
	Tag                string           `json:"tag"  validate:"required"`
	IsMain             bool             `json:"is_main"`
	RelModelID         string           `json:"rel_model_id,omitempty"`
	RelTemplateIDs     []string         `json:"rel_template_ids,omitempty"`
	RelTransitionID    string           `json:"rel_transition_id,omitempty"`
	SeedDefaultVersion bool             `json:"seed_default_version"`
}

func (r CreateModelRequest) toService(tenant string) services.CreateModelRequest {
	return services.CreateModelRequest{
		Name:               r.Name,
		Icon:               r.Icon,
		Info:               r.Info,
		Kind:               r.Kind,
		Tag:                r.Tag,
		IsMain:             r.IsMain,
		RelModelID:         r.RelModelID,
		RelTemplateIDs:     r.RelTemplateIDs,
		RelTransitionID:    r.RelTransitionID,
		Tenant:             tenant,
		SeedDefaultVersion: r.SeedDefaultVersion,
	}
}

// ModifyModelRequest is the partial-update body for a model.
type ModifyModelRequest struct {
	Name            *string             `json:"name,omitempty" validate:"omitempty,min=2"`
	Icon            *string             `json:"icon,omitempty"`
	Info            *string             `json:"info,omitempty"`
	Status          *models.ModelStatus `json:"status,omitempty"`
	RelTransitionID *string             `json:"rel_transition_id,omitempty"`
}

func (r ModifyModelRequest) toService() services.ModifyModelRequest {
	return services.ModifyModelRequest{
		Name:            r.Name,
		Icon:            r.Icon,
		Info:            r.Info,
		Status:          r.Status,
		RelTransitionID: r.RelTransitionID,
	}
}

// TransitionPayload is one new transition inside a version build or an
// add-transitions call.
type TransitionPayload struct {
	Name                 string                 `json:"name" validate:"required"`
	FromStateID          string                 `json:"from_state_id"`
	ToStateID            string                 `json:"to_state_id"`
	TransferByAuto       bool                   `json:"transfer_by_auto"`
	TransferByTimer      string                 `json:"transfer_by_timer,omitempty"`
	GuardByCreator       bool                   `json:"guard_by_creator"`
	GuardByHisOperators  bool                   `json:"guard_by_his_operators"`
	GuardByAssigned      bool                   `json:"guard_by_assigned"`
	GuardBySpecAccounts  []string               `json:"guard_by_spec_account_ids,omitempty"`
	GuardBySpecRoles     []string               `json:"guard_by_spec_role_ids,omitempty"`
	GuardBySpecOrgs      []string               `json:"guard_by_spec_org_ids,omitempty"`
	GuardByOtherConds    models.ConditionGroups `json:"guard_by_other_conds,omitempty"`
	VarsCollect          []string               `json:"vars_collect,omitempty"`
	DoubleCheck          *models.DoubleCheck    `json:"double_check,omitempty"`
	ActionByPreCallback  string                 `json:"action_by_pre_callback,omitempty"`
	ActionByPostCallback string                 `json:"action_by_post_callback,omitempty"`
	PostActions          []models.PostAction    `json:"post_actions,omitempty"`
	Sort                 int64                  `json:"sort"`
}

func (r TransitionPayload) toService() services.AddTransitionRequest {
	return services.AddTransitionRequest{
		Name:                 r.Name,
		FromStateID:          r.FromStateID,
		ToStateID:            r.ToStateID,
		TransferByAuto:       r.TransferByAuto,
		TransferByTimer:      r.TransferByTimer,
		GuardByCreator:       r.GuardByCreator,
		GuardByHisOperators:  r.GuardByHisOperators,
		GuardByAssigned:      r.GuardByAssigned,
		GuardBySpecAccounts:  r.GuardBySpecAccounts,
		GuardBySpecRoles:     r.GuardBySpecRoles,
		GuardBySpecOrgs:      r.GuardBySpecOrgs,
		GuardByOtherConds:    r.GuardByOtherConds,
		VarsCollect:          r.VarsCollect,
		DoubleCheck:          r.DoubleCheck,
		ActionByPreCallback:  r.ActionByPreCallback,
		ActionByPostCallback: r.ActionByPostCallback,
		PostActions:          r.PostActions,
		Sort:                 r.Sort,
	}
}

// TransitionPatch is the partial-update body for one transition. The var and
// state post-action lists each replace only their own kind.
type TransitionPatch struct {
	ID                   string                  `json:"id" validate:"required"`
	Name                 *string                 `json:"name,omitempty"`
	FromStateID          *string                 `json:"from_state_id,omitempty"`
	ToStateID            *string                 `json:"to_state_id,omitempty"`
	TransferByAuto       *bool                   `json:"transfer_by_auto,omitempty"`
	TransferByTimer      *string                 `json:"transfer_by_timer,omitempty"`
	GuardByCreator       *bool                   `json:"guard_by_creator,omitempty"`
	GuardByHisOperators  *bool                   `json:"guard_by_his_operators,omitempty"`
	GuardByAssigned      *bool                   `json:"guard_by_assigned,omitempty"`
	GuardBySpecAccounts  *[]string               `json:"guard_by_spec_account_ids,omitempty"`
	GuardBySpecRoles     *[]string               `json:"guard_by_spec_role_ids,omitempty"`
	GuardBySpecOrgs      *[]string               `json:"guard_by_spec_org_ids,omitempty"`
	GuardByOtherConds    *models.ConditionGroups `json:"guard_by_other_conds,omitempty"`
	VarsCollect          *[]string               `json:"vars_collect,omitempty"`
	DoubleCheck          *models.DoubleCheck     `json:"double_check,omitempty"`
	ActionByPreCallback  *string                 `json:"action_by_pre_callback,omitempty"`
	ActionByPostCallback *string                 `json:"action_by_post_callback,omitempty"`
	VarPostActions       *[]models.PostAction    `json:"var_post_actions,omitempty"`
	StatePostActions     *[]models.PostAction    `json:"state_post_actions,omitempty"`
	Sort                 *int64                  `json:"sort,omitempty"`
}

func (r TransitionPatch) toService() services.ModifyTransitionRequest {
	return services.ModifyTransitionRequest{
		ID:                   r.ID,
		Name:                 r.Name,
		FromStateID:          r.FromStateID,
		ToStateID:            r.ToStateID,
		TransferByAuto:       r.TransferByAuto,
		TransferByTimer:      r.TransferByTimer,
		GuardByCreator:       r.GuardByCreator,
		GuardByHisOperators:  r.GuardByHisOperators,
		GuardByAssigned:      r.GuardByAssigned,
		GuardBySpecAccounts:  r.GuardBySpecAccounts,
		GuardBySpecRoles:     r.GuardBySpecRoles,
		GuardBySpecOrgs:      r.GuardBySpecOrgs,
		GuardByOtherConds:    r.GuardByOtherConds,
		VarsCollect:          r.VarsCollect,
		DoubleCheck:          r.DoubleCheck,
		ActionByPreCallback:  r.ActionByPreCallback,
		ActionByPostCallback: r.ActionByPostCallback,
		VarPostActions:       r.VarPostActions,
		StatePostActions:     r.StatePostActions,
		Sort:                 r.Sort,
	}
}

// BindStatePayload binds one state into a version under construction.
type BindStatePayload struct {
	ExistStateID        string              `json:"exist_state_id,omitempty"`
	NewState            *CreateStateRequest `json:"new_state,omitempty"`
	IsInit              bool                `json:"is_init"`
	Sort                int64               `json:"sort"`
	ShowBtns            []string            `json:"show_btns,omitempty"`
	AddTransitions      []TransitionPayload `json:"add_transitions,omitempty"`
	ModifyTransitions   []TransitionPatch   `json:"modify_transitions,omitempty"`
	DeleteTransitionIDs []string            `json:"delete_transition_ids,omitempty"`
}

func (r BindStatePayload) toService(tenant string) services.BindStateRequest {
	bind := services.BindStateRequest{
		ExistStateID:        r.ExistStateID,
		IsInit:              r.IsInit,
		Sort:                r.Sort,
		ShowBtns:            r.ShowBtns,
		DeleteTransitionIDs: r.DeleteTransitionIDs,
	}

	if r.NewState != nil {
		newState := r.NewState.toService(tenant)
		bind.NewState = &newState
	}

	for _, add := range r.AddTransitions {
		bind.AddTransitions = append(bind.AddTransitions, add.toService())
	}

	for _, patch := range r.ModifyTransitions {
		bind.ModifyTransitions = append(bind.ModifyTransitions, patch.toService())
	}

	return bind
}

// CreateVersionRequest is the request body for building a version graph.
type CreateVersionRequest struct {
	Name       string             `json:"name" validate:"required"`
	BindStates []BindStatePayload `json:"bind_states,omitempty"`
}

func (r CreateVersionRequest) toService(tenant string) services.CreateVersionRequest {
	req := services.CreateVersionRequest{Name: r.Name}

	for _, bind := range r.BindStates {
		req.BindStates = append(req.BindStates, bind.toService(tenant))
	}

	return req
}

// ModifyVersionRequest applies graph changes to an editing version.
type ModifyVersionRequest struct {
	BindStates []BindStatePayload `json:"bind_states,omitempty"`
}

// AddTransitionsRequest is the request body for adding transitions.
type AddTransitionsRequest struct {
	Transitions []TransitionPayload `json:"transitions" validate:"required,min=1"`
}

// ModifyTransitionsRequest is the request body for patching transitions.
type ModifyTransitionsRequest struct {
	Transitions []TransitionPatch `json:"transitions" validate:"required,min=1"`
}

// DeleteTransitionsRequest is the request body for a batch transition delete.
type DeleteTransitionsRequest struct {
	IDs []string `json:"ids" validate:"required,min=1"`
}

// StartInstanceRequest is the request body for starting an instance.
type StartInstanceRequest struct {
	Tag           string               `json:"tag"             validate:"required"`
	BusinessObjID string               `json:"business_obj_id" validate:"required"`
	VersionID     string               `json:"version_id,omitempty"`
	Main          bool                 `json:"main"`
	CreateVars    map[string]any       `json:"create_vars,omitempty"`
	RelChildObjs  []models.RelChildObj `json:"rel_child_objs,omitempty"`
	OperatorMap   map[string][]string  `json:"operator_map,omitempty"`
}

func (r StartInstanceRequest) toService(tenant string, opCtx models.OperationContext) services.StartInstanceRequest {
	return services.StartInstanceRequest{
		Tag:           r.Tag,
		BusinessObjID: r.BusinessObjID,
		VersionID:     r.VersionID,
		Main:          r.Main,
		CreateVars:    r.CreateVars,
		RelChildObjs:  r.RelChildObjs,
		OperatorMap:   r.OperatorMap,
		Tenant:        tenant,
		OpCtx:         opCtx,
	}
}

// BindInstanceRequest is the request body for binding a business object.
type BindInstanceRequest struct {
	Tag           string         `json:"tag"             validate:"required"`
	BusinessObjID string         `json:"business_obj_id" validate:"required"`
	CreateVars    map[string]any `json:"create_vars,omitempty"`
}

// TransferRequest is the request body for firing one transition.
type TransferRequest struct {
	TransitionID string         `json:"transition_id" validate:"required"`
	Vars         map[string]any `json:"vars,omitempty"`
	Message      string         `json:"message,omitempty"`
	Acknowledged bool           `json:"acknowledged,omitempty"`
}

// AbortRequest is the request body for aborting an instance.
type AbortRequest struct {
	Message string `json:"message,omitempty"`
}

// CommentRequest is the request body for commenting on an instance.
type CommentRequest struct {
	Content string `json:"content" validate:"required"`
}
