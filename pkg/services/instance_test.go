package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/models"
)

// newApprovalFlow builds a model whose enabled version is shaped
// start -> review (approval) -> done, with manual "pass" and "overrule"
// transitions both ending in the finish state.
func (env *testEnv) newApprovalFlow(t *testing.T, tenant, tag string, conf *models.ApprovalConf) (*models.Model, *models.Version) {
	t.Helper()

	ctx := context.Background()

	model, err := env.models.Create(ctx, CreateModelRequest{
		Name:   "approval-" + tag,
		Kind:   models.ModelKindModel,
		Tag:    tag,
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
						ToStateID:      BindStateNameRef("review"),
						TransferByAuto: true,
					},
				},
			},
			{
				NewState: &CreateStateRequest{
					Name:         "review",
					Kind:         models.StateKindApproval,
					SysState:     models.SysStateProgress,
					ApprovalConf: conf,
				},
				AddTransitions: []AddTransitionRequest{
					{
						Name:        "pass",
						FromStateID: BindStateSelfRef,
						ToStateID:   BindStateNameRef("done"),
					},
					{
						Name:        "overrule",
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

func TestStartSeedsOperatorMap(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conf := &models.ApprovalConf{
		GuardByAssigned:   true,
		MultiApprovalKind: models.MultiApprovalCountersign,
		CountersignConf:   models.CountersignConf{Kind: models.CountersignAll},
	}
	_, version := env.newApprovalFlow(t, "t1", "contract", conf)
	reviewID := env.stateIDByName(t, version.ID, "review")

	inst, err := env.runtime.Start(ctx, StartInstanceRequest{
		Tag:           "contract",
		BusinessObjID: "obj-1",
		VersionID:     version.ID,
		Main:          true,
		OperatorMap:   map[string][]string{reviewID: {"alice", "bob"}},
		Tenant:        "t1",
		OpCtx:         models.OperationContext{Owner: "carol"},
	})
	require.NoError(t, err)

	// The auto transition already moved the instance into the approval state
	// and assigned its seeded operators.
	assert.Equal(t, reviewID, inst.CurrentStateID)
	assert.ElementsMatch(t, []string{"alice", "bob"}, inst.Artifacts.CurrOperators)
	assert.Equal(t, 2, inst.Artifacts.ApprovalTotal[reviewID])
	assert.Equal(t, "carol", inst.CreateCtx.Owner)
	assert.NotEmpty(t, inst.Code)
}

func TestStartResolvesEnabledVersionByTag(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	model, version := env.newSimpleFlow(t, "t1", "order")

	inst, err := env.runtime.Start(ctx, StartInstanceRequest{
		Tag:           "order",
		BusinessObjID: "obj-1",
		Main:          true,
		Tenant:        "t1",
		OpCtx:         models.OperationContext{Owner: "alice"},
	})
	require.NoError(t, err)
	assert.Equal(t, version.ID, inst.VersionID)

	reloaded, err := env.models.Get(ctx, model.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.VersionID, reloaded.CurrentVersionID)
}

func TestTransferRequiresCollectedVars(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, version := env.newSimpleFlow(t, "t1", "order")
	finish := env.transitionByName(t, version.ID, "finish")

	varsCollect := []string{"reason"}
	require.NoError(t, env.transitions.ModifyTransitions(ctx, version.ID, []ModifyTransitionRequest{
		{ID: finish.ID, VarsCollect: &varsCollect},
	}))

	inst, err := env.runtime.Start(ctx, StartInstanceRequest{
		Tag:           "order",
		BusinessObjID: "obj-1",
		VersionID:     version.ID,
		Main:          true,
		Tenant:        "t1",
		OpCtx:         models.OperationContext{Owner: "alice"},
	})
	require.NoError(t, err)

	_, err = env.runtime.Transfer(ctx, inst.ID, TransferRequest{
		TransitionID: finish.ID,
		OpCtx:        models.OperationContext{Owner: "alice"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRequiredVars)

	moved, err := env.runtime.Transfer(ctx, inst.ID, TransferRequest{
		TransitionID: finish.ID,
		Vars:         map[string]any{"reason": "all good"},
		OpCtx:        models.OperationContext{Owner: "alice"},
	})
	require.NoError(t, err)
	assert.True(t, moved.Finished())
	assert.Equal(t, "all good", moved.Artifacts.Vars["reason"])
	assert.Contains(t, moved.Artifacts.HisOperators, "alice")
}

func TestTransferRejectsWrongSourceState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, version := env.newSimpleFlow(t, "t1", "order")
	begin := env.transitionByName(t, version.ID, "begin")

	inst, err := env.runtime.Start(ctx, StartInstanceRequest{
		Tag:           "order",
		BusinessObjID: "obj-1",
		VersionID:     version.ID,
		Main:          true,
		Tenant:        "t1",
		OpCtx:         models.OperationContext{Owner: "alice"},
	})
	require.NoError(t, err)

	// The instance already left the start state, so "begin" no longer applies.
	_, err = env.runtime.Transfer(ctx, inst.ID, TransferRequest{
		TransitionID: begin.ID,
		OpCtx:        models.OperationContext{Owner: "alice"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransitionNotFromHere)
}

func TestTransferRecordsHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, version := env.newSimpleFlow(t, "t1", "order")
	finish := env.transitionByName(t, version.ID, "finish")

	inst, err := env.runtime.Start(ctx, StartInstanceRequest{
		Tag:           "order",
		BusinessObjID: "obj-1",
		VersionID:     version.ID,
		Main:          true,
		Tenant:        "t1",
		OpCtx:         models.OperationContext{Owner: "alice"},
	})
	require.NoError(t, err)

	moved, err := env.runtime.Transfer(ctx, inst.ID, TransferRequest{
		TransitionID: finish.ID,
		Message:      "closing",
		OpCtx:        models.OperationContext{Owner: "alice"},
	})
	require.NoError(t, err)

	// The auto step out of start comes first, then the manual one.
	require.Len(t, moved.Transitions, 2)
	assert.Equal(t, finish.ID, moved.Transitions[1].TransitionID)
	assert.Equal(t, "closing", moved.Transitions[1].Message)
	assert.Equal(t, "alice", moved.Transitions[1].OpCtx.Owner)
	require.NotNil(t, moved.FinishCtx)
	assert.Equal(t, "alice", moved.FinishCtx.Owner)
}

func TestOperateBackReturnsToPreviousState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	model, err := env.models.Create(ctx, CreateModelRequest{
		Name: "steps", Kind: models.ModelKindModel, Tag: "step", Tenant: "t1",
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
						ToStateID:      BindStateNameRef("draft"),
						TransferByAuto: true,
					},
				},
			},
			{
				NewState: &CreateStateRequest{
					Name: "draft", Kind: models.StateKindSimple, SysState: models.SysStateProgress,
				},
				AddTransitions: []AddTransitionRequest{
					{
						Name:        "submit",
						FromStateID: BindStateSelfRef,
						ToStateID:   BindStateNameRef("submitted"),
					},
				},
			},
			{
				NewState: &CreateStateRequest{
					Name: "submitted", Kind: models.StateKindSimple, SysState: models.SysStateProgress,
				},
			},
		},
	})
	require.NoError(t, err)

	draftID := env.stateIDByName(t, version.ID, "draft")
	submit := env.transitionByName(t, version.ID, "submit")

	inst, err := env.runtime.Start(ctx, StartInstanceRequest{
		Tag:           "step",
		BusinessObjID: "obj-1",
		VersionID:     version.ID,
		Main:          true,
		Tenant:        "t1",
		OpCtx:         models.OperationContext{Owner: "alice"},
	})
	require.NoError(t, err)

	moved, err := env.runtime.Transfer(ctx, inst.ID, TransferRequest{
		TransitionID: submit.ID,
		OpCtx:        models.OperationContext{Owner: "alice"},
	})
	require.NoError(t, err)
	require.Len(t, moved.Artifacts.PrevNonAutoStateIDs, 1)

	back, err := env.runtime.Operate(ctx, inst.ID, models.OperateReq{
		Operate: models.OperateKindBack,
	}, models.OperationContext{Owner: "alice"})
	require.NoError(t, err)
	assert.Equal(t, draftID, back.CurrentStateID)
	assert.Empty(t, back.Artifacts.PrevNonAutoStateIDs)

	// Going back again has no human-operated state left to return to.
	_, err = env.runtime.Operate(ctx, inst.ID, models.OperateReq{
		Operate: models.OperateKindBack,
	}, models.OperationContext{Owner: "alice"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoPreviousState)
}

func TestAbortFinishesInstance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, version := env.newSimpleFlow(t, "t1", "order")
	finish := env.transitionByName(t, version.ID, "finish")

	inst, err := env.runtime.Start(ctx, StartInstanceRequest{
		Tag:           "order",
		BusinessObjID: "obj-1",
		VersionID:     version.ID,
		Main:          true,
		Tenant:        "t1",
		OpCtx:         models.OperationContext{Owner: "alice"},
	})
	require.NoError(t, err)

	err = env.runtime.Abort(ctx, inst.ID, "cancelled by customer", models.OperationContext{Owner: "alice"})
	require.NoError(t, err)

	aborted, err := env.runtime.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, aborted.Finished())
	assert.True(t, aborted.FinishAbort)
	assert.Equal(t, "cancelled by customer", aborted.OutputMessage)

	_, err = env.runtime.Transfer(ctx, inst.ID, TransferRequest{
		TransitionID: finish.ID,
		OpCtx:        models.OperationContext{Owner: "alice"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInstanceFinished)
}

func TestBindReusesRunningMainInstance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.newSimpleFlow(t, "t1", "order")

	first, err := env.runtime.Bind(ctx, BindInstanceRequest{
		Tag:           "order",
		BusinessObjID: "obj-1",
		Tenant:        "t1",
		OpCtx:         models.OperationContext{Owner: "alice"},
	})
	require.NoError(t, err)

	second, err := env.runtime.Bind(ctx, BindInstanceRequest{
		Tag:           "order",
		BusinessObjID: "obj-1",
		Tenant:        "t1",
		OpCtx:         models.OperationContext{Owner: "bob"},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestAddComment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, version := env.newSimpleFlow(t, "t1", "order")

	inst, err := env.runtime.Start(ctx, StartInstanceRequest{
		Tag:           "order",
		BusinessObjID: "obj-1",
		VersionID:     version.ID,
		Main:          true,
		Tenant:        "t1",
		OpCtx:         models.OperationContext{Owner: "alice"},
	})
	require.NoError(t, err)

	comment, err := env.runtime.AddComment(ctx, inst.ID, "please expedite", models.OperationContext{Owner: "bob"})
	require.NoError(t, err)
	assert.NotEmpty(t, comment.ID)

	reloaded, err := env.runtime.Get(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, reloaded.Comments, 1)
	assert.Equal(t, "please expedite", reloaded.Comments[0].Content)
	assert.Equal(t, "bob", reloaded.Comments[0].OpCtx.Owner)
	assert.WithinDuration(t, time.Now().UTC(), reloaded.Comments[0].CreatedAt, time.Minute)
}

func TestCheckDueTimersFiresOverdueTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, version := env.newSimpleFlow(t, "t1", "order")
	finish := env.transitionByName(t, version.ID, "finish")

	timer := "*/5 * * * *"
	require.NoError(t, env.transitions.ModifyTransitions(ctx, version.ID, []ModifyTransitionRequest{
		{ID: finish.ID, TransferByTimer: &timer},
	}))

	inst, err := env.runtime.Start(ctx, StartInstanceRequest{
		Tag:           "order",
		BusinessObjID: "obj-1",
		VersionID:     version.ID,
		Main:          true,
		Tenant:        "t1",
		OpCtx:         models.OperationContext{Owner: "alice"},
	})
	require.NoError(t, err)

	// Nothing is due one second after creation.
	fired, err := env.runtime.CheckDueTimers(ctx, "t1", inst.CreatedAt.Add(time.Second))
	require.NoError(t, err)
	assert.Zero(t, fired)

	running, err := env.runtime.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.False(t, running.Finished())

	// Ten minutes later the five-minute schedule has come due.
	fired, err = env.runtime.CheckDueTimers(ctx, "t1", inst.CreatedAt.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	done, err := env.runtime.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, done.Finished())
}

func TestTransferRejectsForeignVersionTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	shared, err := env.states.Create(ctx, CreateStateRequest{
		Name:       "todo",
		Kind:       models.StateKindSimple,
		SysState:   models.SysStateProgress,
		IsTemplate: true,
		Tenant:     "t1",
	})
	require.NoError(t, err)

	buildFlow := func(tag, doneName string) *models.Version {
		model, err := env.models.Create(ctx, CreateModelRequest{
			Name: tag, Kind: models.ModelKindModel, Tag: tag, Tenant: "t1",
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
							ToStateID:      shared.ID,
							TransferByAuto: true,
						},
					},
				},
				{
					ExistStateID: shared.ID,
					AddTransitions: []AddTransitionRequest{
						{
							Name:        "finish",
							FromStateID: BindStateSelfRef,
							ToStateID:   BindStateNameRef(doneName),
						},
					},
				},
				{
					NewState: &CreateStateRequest{
						Name: doneName, Kind: models.StateKindFinish, SysState: models.SysStateFinish,
					},
				},
			},
		})
		require.NoError(t, err)

		version, err = env.versions.EnableVersion(ctx, version.ID, models.OperationContext{Owner: "admin"})
		require.NoError(t, err)

		return version
	}

	versionA := buildFlow("order", "done_a")
	versionB := buildFlow("ticket", "done_b")

	inst, err := env.runtime.Start(ctx, StartInstanceRequest{
		Tag:           "order",
		BusinessObjID: "obj-1",
		VersionID:     versionA.ID,
		Main:          true,
		Tenant:        "t1",
		OpCtx:         models.OperationContext{Owner: "alice"},
	})
	require.NoError(t, err)
	require.Equal(t, shared.ID, inst.CurrentStateID)

	// Version B's finish transition also starts at the shared state, but it
	// must not move an instance running version A.
	foreign := env.transitionByName(t, versionB.ID, "finish")

	_, err = env.runtime.Transfer(ctx, inst.ID, TransferRequest{
		TransitionID: foreign.ID,
		OpCtx:        models.OperationContext{Owner: "alice"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransitionNotFromHere)

	reloaded, err := env.runtime.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, shared.ID, reloaded.CurrentStateID)
	assert.Equal(t, versionA.ID, reloaded.VersionID)

	own := env.transitionByName(t, versionA.ID, "finish")

	moved, err := env.runtime.Transfer(ctx, inst.ID, TransferRequest{
		TransitionID: own.ID,
		OpCtx:        models.OperationContext{Owner: "alice"},
	})
	require.NoError(t, err)
	assert.True(t, moved.Finished())
}

func TestTransferRequiresDoubleCheckAck(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	model, err := env.models.Create(ctx, CreateModelRequest{
		Name: "orders", Kind: models.ModelKindModel, Tag: "order", Tenant: "t1",
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
						DoubleCheck: &models.DoubleCheck{IsOpen: true, Content: "really finish?"},
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

	finish := env.transitionByName(t, version.ID, "finish")

	inst, err := env.runtime.Start(ctx, StartInstanceRequest{
		Tag:           "order",
		BusinessObjID: "obj-1",
		VersionID:     version.ID,
		Main:          true,
		Tenant:        "t1",
		OpCtx:         models.OperationContext{Owner: "alice"},
	})
	require.NoError(t, err)

	_, err = env.runtime.Transfer(ctx, inst.ID, TransferRequest{
		TransitionID: finish.ID,
		OpCtx:        models.OperationContext{Owner: "alice"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDoubleCheckRequired)
	assert.True(t, IsValidationError(err))

	moved, err := env.runtime.Transfer(ctx, inst.ID, TransferRequest{
		TransitionID: finish.ID,
		Acknowledged: true,
		OpCtx:        models.OperationContext{Owner: "alice"},
	})
	require.NoError(t, err)
	assert.True(t, moved.Finished())
}
