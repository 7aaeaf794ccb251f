package services

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/kv"
	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence/memory"
)

type testEnv struct {
	persistence *memory.Persistence
	kvStore     *kv.MemoryStore
	states      *StateRegistry
	transitions *TransitionEngine
	versions    *VersionManager
	models      *ModelManager
	runtime     *InstanceRuntime
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewPersistence()
	kvStore := kv.NewMemoryStore()

	states := NewStateRegistry(store, logger)
	transitions := NewTransitionEngine(store, logger)
	versions := NewVersionManager(store, states, transitions, logger)
	modelMgr := NewModelManager(store, versions, logger)
	runtime := NewInstanceRuntime(store, nil, kvStore, logger)

	return &testEnv{
		persistence: store,
		kvStore:     kvStore,
		states:      states,
		transitions: transitions,
		versions:    versions,
		models:      modelMgr,
		runtime:     runtime,
	}
}

// newSimpleFlow builds a model with one enabled version shaped
// start -> todo -> done, where start-to-todo fires automatically and
// todo-to-done is the manual "finish" transition.
func (env *testEnv) newSimpleFlow(t *testing.T, tenant, tag string) (*models.Model, *models.Version) {
	t.Helper()

	ctx := context.Background()

	model, err := env.models.Create(ctx, CreateModelRequest{
		Name:   "flow-" + tag,
		Kind:   models.ModelKindModel,
		Tag:    tag,
		IsMain: true,
		Tenant: tenant,
	})
	require.NoError(t, err)

	version, err := env.versions.CreateVersion(ctx, model.ID, CreateVersionRequest{
		Name: "v1",
		BindStates: []BindStateRequest{
			{
				NewState: &CreateStateRequest{
					Name: "start", Kind: models.StateKindStart, SysState: models.SysStateStart,
				},
				IsInit: true,
				AddTransitions: []AddTransitionRequest{
					{
						Name:           "begin",
						FromStateID:    BindStateSelfRef,
						ToStateID:      BindStateNameRef("todo"),
						TransferByAuto: true,
					},
				},
			},
			{
				NewState: &CreateStateRequest{
					Name: "todo", Kind: models.StateKindSimple, SysState: models.SysStateProgress,
				},
				AddTransitions: []AddTransitionRequest{
					{
						Name:        "finish",
						FromStateID: BindStateSelfRef,
						ToStateID:   BindStateNameRef("done"),
					},
				},
			},
			{
				NewState: &CreateStateRequest{
					Name: "done", Kind: models.StateKindFinish, SysState: models.SysStateFinish,
				},
			},
		},
	})
	require.NoError(t, err)

	version, err = env.versions.EnableVersion(ctx, version.ID, models.OperationContext{Owner: "admin"})
	require.NoError(t, err)

	return model, version
}

// stateIDByName resolves a bound state of the version by its definition name.
func (env *testEnv) stateIDByName(t *testing.T, versionID, name string) string {
	t.Helper()

	detail, err := env.versions.GetDetail(context.Background(), versionID)
	require.NoError(t, err)

	for _, state := range detail.States {
		if state.Name == name {
			return state.ID
		}
	}

	t.Fatalf("no state named %q in version %s", name, versionID)

	return ""
}

// transitionByName resolves a transition of the version by name.
func (env *testEnv) transitionByName(t *testing.T, versionID, name string) *models.Transition {
	t.Helper()

	detail, err := env.versions.GetDetail(context.Background(), versionID)
	require.NoError(t, err)

	for _, transition := range detail.Transitions {
		if transition.Name == name {
			return transition
		}
	}

	t.Fatalf("no transition named %q in version %s", name, versionID)

	return nil
}
