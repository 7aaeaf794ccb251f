package web

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
	"github.com/procflow/procflow/pkg/services"
)

// Identity headers resolved into the acting operation context.
const (
	HeaderTenant   = "X-Tenant"
	HeaderOwner    = "X-Owner"
	HeaderOwnPaths = "X-Own-Paths"
	HeaderAk       = "X-Ak"
	HeaderRoles    = "X-Roles"
	HeaderGroups   = "X-Groups"
)

type APIHandlers struct {
	states      *services.StateRegistry
	transitions *services.TransitionEngine
	versions    *services.VersionManager
	models      *services.ModelManager
	runtime     *services.InstanceRuntime
	validator   *validator.Validate
}

func NewAPIHandlers(
	states *services.StateRegistry,
	transitions *services.TransitionEngine,
	versions *services.VersionManager,
	modelManager *services.ModelManager,
	runtime *services.InstanceRuntime,
	validate *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		states:      states,
		transitions: transitions,
		versions:    versions,
		models:      modelManager,
		runtime:     runtime,
		validator:   validate,
	}
}

func tenant(c fiber.Ctx) string {
	return c.Get(HeaderTenant)
}

func opCtx(c fiber.Ctx) models.OperationContext {
	ctx := models.OperationContext{
		Owner:    c.Get(HeaderOwner),
		OwnPaths: c.Get(HeaderOwnPaths),
		Ak:       c.Get(HeaderAk),
	}

	if roles := c.Get(HeaderRoles); roles != "" {
		ctx.Roles = strings.Split(roles, ",")
	}

	if groups := c.Get(HeaderGroups); groups != "" {
		ctx.Groups = strings.Split(groups, ",")
	}

	return ctx
}

// State registry endpoints.

func (h *APIHandlers) CreateState(c fiber.Ctx) error {
	var req CreateStateRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	state, err := h.states.Create(c.Context(), req.toService(tenant(c)))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(state)
}

func (h *APIHandlers) GetState(c fiber.Ctx) error {
	state, err := h.states.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(state)
}

func (h *APIHandlers) ListStates(c fiber.Ctx) error {
	filter := persistence.StateFilter{
		Tenant: tenant(c),
		Tag:    c.Query("tag"),
		Kind:   models.StateKind(c.Query("kind")),
	}

	if isTemplate := c.Query("is_template"); isTemplate != "" {
		value := isTemplate == "true"
		filter.IsTemplate = &value
	}

	if enabled := c.Query("enabled"); enabled != "" {
		value := enabled == "true"
		filter.Enabled = &value
	}

	states, err := h.states.List(c.Context(), filter)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"states": states, "total_count": len(states)})
}

func (h *APIHandlers) ModifyState(c fiber.Ctx) error {
	var req ModifyStateRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	state, err := h.states.Modify(c.Context(), c.Params("id"), req.toService())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(state)
}

func (h *APIHandlers) DeleteState(c fiber.Ctx) error {
	if err := h.states.Delete(c.Context(), c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) MergeStates(c fiber.Ctx) error {
	merged, err := h.states.MergeByName(c.Context(), tenant(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"merged": merged})
}

// Model endpoints.

func (h *APIHandlers) CreateModel(c fiber.Ctx) error {
	var req CreateModelRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	model, err := h.models.Create(c.Context(), req.toService(tenant(c)))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(model)
}

func (h *APIHandlers) GetModel(c fiber.Ctx) error {
	model, err := h.models.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(model)
}

func (h *APIHandlers) ListModels(c fiber.Ctx) error {
	filter := persistence.ModelFilter{
		Tenant: tenant(c),
		Tag:    c.Query("tag"),
		Kind:   models.ModelKind(c.Query("kind")),
		Status: models.ModelStatus(c.Query("status")),
	}

	list, err := h.models.List(c.Context(), filter)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"models": list, "total_count": len(list)})
}

func (h *APIHandlers) ModifyModel(c fiber.Ctx) error {
	var req ModifyModelRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	model, err := h.models.Modify(c.Context(), c.Params("id"), req.toService())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(model)
}

func (h *APIHandlers) DeleteModel(c fiber.Ctx) error {
	if err := h.models.Delete(c.Context(), c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// Version endpoints.

func (h *APIHandlers) CreateVersion(c fiber.Ctx) error {
	var req CreateVersionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	version, err := h.versions.CreateVersion(c.Context(), c.Params("id"), req.toService(tenant(c)))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(version)
}

func (h *APIHandlers) GetVersion(c fiber.Ctx) error {
	detail, err := h.versions.GetDetail(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(detail)
}

func (h *APIHandlers) ModifyVersion(c fiber.Ctx) error {
	var req ModifyVersionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	binds := make([]services.BindStateRequest, 0, len(req.BindStates))
	for _, bind := range req.BindStates {
		binds = append(binds, bind.toService(tenant(c)))
	}

	version, err := h.versions.ModifyVersion(c.Context(), c.Params("id"), binds)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(version)
}

func (h *APIHandlers) EnableVersion(c fiber.Ctx) error {
	version, err := h.versions.EnableVersion(c.Context(), c.Params("id"), opCtx(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(version)
}

func (h *APIHandlers) CreateEditingVersion(c fiber.Ctx) error {
	version, err := h.versions.CreateEditingVersion(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(version)
}

func (h *APIHandlers) UnbindState(c fiber.Ctx) error {
	if err := h.versions.UnbindState(c.Context(), c.Params("id"), c.Params("stateId")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// Transition endpoints.

func (h *APIHandlers) AddTransitions(c fiber.Ctx) error {
	var req AddTransitionsRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	adds := make([]services.AddTransitionRequest, 0, len(req.Transitions))
	for _, add := range req.Transitions {
		adds = append(adds, add.toService())
	}

	transitions, err := h.transitions.AddTransitions(c.Context(), c.Params("id"), adds)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"transitions": transitions})
}

func (h *APIHandlers) ModifyTransitions(c fiber.Ctx) error {
	var req ModifyTransitionsRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	patches := make([]services.ModifyTransitionRequest, 0, len(req.Transitions))
	for _, patch := range req.Transitions {
		patches = append(patches, patch.toService())
	}

	if err := h.transitions.ModifyTransitions(c.Context(), c.Params("id"), patches); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) DeleteTransitions(c fiber.Ctx) error {
	var req DeleteTransitionsRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.transitions.DeleteTransitions(c.Context(), c.Params("id"), req.IDs); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) FindTransitions(c fiber.Ctx) error {
	transitions, err := h.transitions.FindByState(c.Context(), c.Params("id"),
		c.Query("from_state_id"), c.Query("to_state_id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"transitions": transitions, "total_count": len(transitions)})
}

// Instance endpoints.

func (h *APIHandlers) StartInstance(c fiber.Ctx) error {
	var req StartInstanceRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	inst, err := h.runtime.Start(c.Context(), req.toService(tenant(c), opCtx(c)))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(inst)
}

func (h *APIHandlers) BindInstance(c fiber.Ctx) error {
	var req BindInstanceRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	inst, err := h.runtime.Bind(c.Context(), services.BindInstanceRequest{
		Tag:           req.Tag,
		BusinessObjID: req.BusinessObjID,
		CreateVars:    req.CreateVars,
		Tenant:        tenant(c),
		OpCtx:         opCtx(c),
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(inst)
}

func (h *APIHandlers) BatchBindInstances(c fiber.Ctx) error {
	var reqs []BindInstanceRequest
	if err := c.Bind().JSON(&reqs); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	binds := make([]services.BindInstanceRequest, 0, len(reqs))

	for _, req := range reqs {
		if err := h.validator.Struct(req); err != nil {
			return badRequest(c, err.Error())
		}

		binds = append(binds, services.BindInstanceRequest{
			Tag:           req.Tag,
			BusinessObjID: req.BusinessObjID,
			CreateVars:    req.CreateVars,
			Tenant:        tenant(c),
			OpCtx:         opCtx(c),
		})
	}

	results, err := h.runtime.BatchBind(c.Context(), binds)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"results": results, "total_count": len(results)})
}

func (h *APIHandlers) GetInstance(c fiber.Ctx) error {
	inst, err := h.runtime.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(inst)
}

func (h *APIHandlers) TransferInstance(c fiber.Ctx) error {
	var req TransferRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	inst, err := h.runtime.Transfer(c.Context(), c.Params("id"), services.TransferRequest{
		TransitionID: req.TransitionID,
		Vars:         req.Vars,
		Message:      req.Message,
		Acknowledged: req.Acknowledged,
		OpCtx:        opCtx(c),
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(inst)
}

func (h *APIHandlers) NextTransitions(c fiber.Ctx) error {
	transitions, err := h.runtime.NextTransitions(c.Context(), c.Params("id"), opCtx(c), nil)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"transitions": transitions, "total_count": len(transitions)})
}

func (h *APIHandlers) OperateInstance(c fiber.Ctx) error {
	var req models.OperateReq
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	inst, err := h.runtime.Operate(c.Context(), c.Params("id"), req, opCtx(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(inst)
}

func (h *APIHandlers) BatchOperateInstance(c fiber.Ctx) error {
	var items []services.BatchOperateItem
	if err := c.Bind().JSON(&items); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if len(items) == 0 {
		return badRequest(c, "At least one operate item is required")
	}

	results, err := h.runtime.BatchOperate(c.Context(), c.Params("id"), items, opCtx(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"results": results})
}

func (h *APIHandlers) AbortInstance(c fiber.Ctx) error {
	var req AbortRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.runtime.Abort(c.Context(), c.Params("id"), req.Message, opCtx(c)); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) AddComment(c fiber.Ctx) error {
	var req CommentRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	comment, err := h.runtime.AddComment(c.Context(), c.Params("id"), req.Content, opCtx(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(comment)
}

// Register mounts every API route on the app.
func (h *APIHandlers) Register(app *fiber.App) {
	states := app.Group("/states")
	states.Post("/", h.CreateState)
	states.Get("/", h.ListStates)
	states.Post("/merge", h.MergeStates)
	states.Get("/:id", h.GetState)
	states.Patch("/:id", h.ModifyState)
	states.Delete("/:id", h.DeleteState)

	modelGroup := app.Group("/models")
	modelGroup.Post("/", h.CreateModel)
	modelGroup.Get("/", h.ListModels)
	modelGroup.Get("/:id", h.GetModel)
	modelGroup.Patch("/:id", h.ModifyModel)
	modelGroup.Delete("/:id", h.DeleteModel)
	modelGroup.Post("/:id/versions", h.CreateVersion)

	versions := app.Group("/versions")
	versions.Get("/:id", h.GetVersion)
	versions.Patch("/:id", h.ModifyVersion)
	versions.Post("/:id/enable", h.EnableVersion)
	versions.Post("/:id/editing", h.CreateEditingVersion)
	versions.Delete("/:id/states/:stateId", h.UnbindState)
	versions.Post("/:id/transitions", h.AddTransitions)
	versions.Patch("/:id/transitions", h.ModifyTransitions)
	versions.Delete("/:id/transitions", h.DeleteTransitions)
	versions.Get("/:id/transitions", h.FindTransitions)

	instances := app.Group("/instances")
	instances.Post("/", h.StartInstance)
	instances.Post("/bind", h.BindInstance)
	instances.Post("/batch-bind", h.BatchBindInstances)
	instances.Get("/:id", h.GetInstance)
	instances.Put("/:id/transfer", h.TransferInstance)
	instances.Get("/:id/transitions/next", h.NextTransitions)
	instances.Post("/:id/operate", h.OperateInstance)
	instances.Post("/:id/batch-operate", h.BatchOperateInstance)
	instances.Put("/:id/abort", h.AbortInstance)
	instances.Post("/:id/comments", h.AddComment)
}
