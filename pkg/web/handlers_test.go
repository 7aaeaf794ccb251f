package web_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence/memory"
	"github.com/procflow/procflow/pkg/services"
	"github.com/procflow/procflow/pkg/web"
)

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewPersistence()

	states := services.NewStateRegistry(store, logger)
	transitions := services.NewTransitionEngine(store, logger)
	versions := services.NewVersionManager(store, states, transitions, logger)
	modelManager := services.NewModelManager(store, versions, logger)
	runtime := services.NewInstanceRuntime(store, nil, nil, logger)

	validate := validator.New(validator.WithRequiredStructEnabled())
	handlers := web.NewAPIHandlers(states, transitions, versions, modelManager, runtime, validate)

	app := fiber.New()
	handlers.Register(app)

	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()

	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(web.HeaderTenant, "t1")
	req.Header.Set(web.HeaderOwner, "alice")

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()

	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, out))
}

func TestCreateAndGetModel(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/models/", web.CreateModelRequest{
		Name: "orders",
		Kind: models.ModelKindModel,
		Tag:  "order",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.Model
	decodeBody(t, resp, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "t1", created.Tenant)

	resp = doJSON(t, app, http.MethodGet, "/models/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fetched models.Model
	decodeBody(t, resp, &fetched)
	assert.Equal(t, created.ID, fetched.ID)
}

func TestCreateModelValidation(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/models/", web.CreateModelRequest{
		Name: "x",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetModelNotFound(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	resp := doJSON(t, app, http.MethodGet, "/models/no-such-id", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateStateRejectsMissingConf(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/states/", web.CreateStateRequest{
		Name:     "review",
		Kind:     models.StateKindApproval,
		SysState: models.SysStateProgress,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVersionLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/models/", web.CreateModelRequest{
		Name: "orders", Kind: models.ModelKindModel, Tag: "order",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var model models.Model
	decodeBody(t, resp, &model)

	resp = doJSON(t, app, http.MethodPost, "/models/"+model.ID+"/versions", web.CreateVersionRequest{
		Name: "v1",
		BindStates: []web.BindStatePayload{
			{
				NewState: &web.CreateStateRequest{
					Name: "start", Kind: models.StateKindStart, SysState: models.SysStateStart,
				},
				IsInit: true,
				AddTransitions: []web.TransitionPayload{
					{
						Name:           "begin",
						FromStateID:    services.BindStateSelfRef,
						ToStateID:      services.BindStateNameRef("todo"),
						TransferByAuto: true,
					},
				},
			},
			{
				NewState: &web.CreateStateRequest{
					Name: "todo", Kind: models.StateKindSimple, SysState: models.SysStateProgress,
				},
				AddTransitions: []web.TransitionPayload{
					{
						Name:        "finish",
						FromStateID: services.BindStateSelfRef,
						ToStateID:   services.BindStateNameRef("done"),
					},
				},
			},
			{
				NewState: &web.CreateStateRequest{
					Name: "done", Kind: models.StateKindFinish, SysState: models.SysStateFinish,
				},
			},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var version models.Version
	decodeBody(t, resp, &version)
	assert.Equal(t, models.VersionStatusEditing, version.Status)

	resp = doJSON(t, app, http.MethodPost, "/versions/"+version.ID+"/enable", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var enabled models.Version
	decodeBody(t, resp, &enabled)
	assert.Equal(t, models.VersionStatusEnabled, enabled.Status)
	assert.Equal(t, "alice", enabled.PublishedBy)

	resp = doJSON(t, app, http.MethodGet, "/versions/"+version.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var detail services.VersionDetail
	decodeBody(t, resp, &detail)
	assert.Len(t, detail.States, 3)
	assert.Len(t, detail.Transitions, 2)
}

func TestInstanceFlowOverHTTP(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/models/", web.CreateModelRequest{
		Name: "orders", Kind: models.ModelKindModel, Tag: "order", IsMain: true,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var model models.Model
	decodeBody(t, resp, &model)

	resp = doJSON(t, app, http.MethodPost, "/models/"+model.ID+"/versions", web.CreateVersionRequest{
		Name: "v1",
		BindStates: []web.BindStatePayload{
			{
				NewState: &web.CreateStateRequest{
					Name: "start", Kind: models.StateKindStart, SysState: models.SysStateStart,
				},
				IsInit: true,
				AddTransitions: []web.TransitionPayload{
					{
						Name:           "begin",
						FromStateID:    services.BindStateSelfRef,
						ToStateID:      services.BindStateNameRef("todo"),
						TransferByAuto: true,
					},
				},
			},
			{
				NewState: &web.CreateStateRequest{
					Name: "todo", Kind: models.StateKindSimple, SysState: models.SysStateProgress,
				},
				AddTransitions: []web.TransitionPayload{
					{
						Name:        "finish",
						FromStateID: services.BindStateSelfRef,
						ToStateID:   services.BindStateNameRef("done"),
					},
				},
			},
			{
				NewState: &web.CreateStateRequest{
					Name: "done", Kind: models.StateKindFinish, SysState: models.SysStateFinish,
				},
			},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var version models.Version
	decodeBody(t, resp, &version)

	resp = doJSON(t, app, http.MethodPost, "/versions/"+version.ID+"/enable", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, app, http.MethodPost, "/instances/", web.StartInstanceRequest{
		Tag:           "order",
		BusinessObjID: "obj-1",
		Main:          true,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var inst models.Instance
	decodeBody(t, resp, &inst)
	assert.NotEmpty(t, inst.ID)
	assert.False(t, inst.Finished())

	resp = doJSON(t, app, http.MethodGet, "/instances/"+inst.ID+"/transitions/next", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var next struct {
		Transitions []*models.Transition `json:"transitions"`
	}
	decodeBody(t, resp, &next)
	require.Len(t, next.Transitions, 1)

	resp = doJSON(t, app, http.MethodPut, "/instances/"+inst.ID+"/transfer", web.TransferRequest{
		TransitionID: next.Transitions[0].ID,
		Message:      "done with it",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var moved models.Instance
	decodeBody(t, resp, &moved)
	assert.True(t, moved.Finished())
}

func TestAbortInstanceOverHTTP(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/models/", web.CreateModelRequest{
		Name: "orders", Kind: models.ModelKindModel, Tag: "order", IsMain: true,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var model models.Model
	decodeBody(t, resp, &model)

	resp = doJSON(t, app, http.MethodPost, "/models/"+model.ID+"/versions", web.CreateVersionRequest{
		Name: "v1",
		BindStates: []web.BindStatePayload{
			{
				NewState: &web.CreateStateRequest{
					Name: "start", Kind: models.StateKindStart, SysState: models.SysStateStart,
				},
				IsInit: true,
			},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var version models.Version
	decodeBody(t, resp, &version)

	resp = doJSON(t, app, http.MethodPost, "/versions/"+version.ID+"/enable", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, app, http.MethodPost, "/instances/", web.StartInstanceRequest{
		Tag: "order", BusinessObjID: "obj-1", Main: true,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var inst models.Instance
	decodeBody(t, resp, &inst)

	resp = doJSON(t, app, http.MethodPut, "/instances/"+inst.ID+"/abort", web.AbortRequest{
		Message: "not needed",
	}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, app, http.MethodGet, "/instances/"+inst.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var aborted models.Instance
	decodeBody(t, resp, &aborted)
	assert.True(t, aborted.Finished())
	assert.True(t, aborted.FinishAbort)
}
