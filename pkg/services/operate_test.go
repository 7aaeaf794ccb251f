package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/kv"
	"github.com/procflow/procflow/pkg/models"
)

func TestCountersignAllRequiresEveryOperator(t *testing.T) {
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

	// One of two votes keeps the instance in place.
	pending, err := env.runtime.Operate(ctx, inst.ID, models.OperateReq{
		Operate: models.OperateKindPass,
	}, models.OperationContext{Owner: "alice"})
	require.NoError(t, err)
	assert.Equal(t, reviewID, pending.CurrentStateID)
	assert.Equal(t, 1, pending.Artifacts.VoteCount(reviewID, models.ApprovalOutcomePass))

	decided, err := env.runtime.Operate(ctx, inst.ID, models.OperateReq{
		Operate: models.OperateKindPass,
	}, models.OperationContext{Owner: "bob"})
	require.NoError(t, err)
	assert.True(t, decided.Finished())
}

func TestCountersignAllOverruleIsDecisive(t *testing.T) {
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

	decided, err := env.runtime.Operate(ctx, inst.ID, models.OperateReq{
		Operate: models.OperateKindOverrule,
	}, models.OperationContext{Owner: "alice"})
	require.NoError(t, err)
	assert.True(t, decided.Finished())

	overrule := env.transitionByName(t, version.ID, "overrule")
	last := decided.Transitions[len(decided.Transitions)-1]
	assert.Equal(t, overrule.ID, last.TransitionID)
}

func TestCountersignMostPercentThreshold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conf := &models.ApprovalConf{
		GuardByAssigned:   true,
		MultiApprovalKind: models.MultiApprovalCountersign,
		CountersignConf:   models.CountersignConf{Kind: models.CountersignMost, MostPercent: 60},
	}
	_, version := env.newApprovalFlow(t, "t1", "contract", conf)
	reviewID := env.stateIDByName(t, version.ID, "review")

	inst, err := env.runtime.Start(ctx, StartInstanceRequest{
		Tag:           "contract",
		BusinessObjID: "obj-1",
		VersionID:     version.ID,
		Main:          true,
		OperatorMap:   map[string][]string{reviewID: {"alice", "bob", "carol"}},
		Tenant:        "t1",
		OpCtx:         models.OperationContext{Owner: "dave"},
	})
	require.NoError(t, err)

	// 60% of three operators needs two passes.
	pending, err := env.runtime.Operate(ctx, inst.ID, models.OperateReq{
		Operate: models.OperateKindPass,
	}, models.OperationContext{Owner: "alice"})
	require.NoError(t, err)
	assert.False(t, pending.Finished())

	decided, err := env.runtime.Operate(ctx, inst.ID, models.OperateReq{
		Operate: models.OperateKindPass,
	}, models.OperationContext{Owner: "bob"})
	require.NoError(t, err)
	assert.True(t, decided.Finished())
}

func TestOrsignFirstVoteDecides(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conf := &models.ApprovalConf{
		GuardByAssigned:   true,
		MultiApprovalKind: models.MultiApprovalOrSign,
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

	decided, err := env.runtime.Operate(ctx, inst.ID, models.OperateReq{
		Operate: models.OperateKindPass,
	}, models.OperationContext{Owner: "bob"})
	require.NoError(t, err)
	assert.True(t, decided.Finished())
}

func TestOperateRejectsUnassignedOperator(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conf := &models.ApprovalConf{
		GuardByAssigned:   true,
		MultiApprovalKind: models.MultiApprovalOrSign,
	}
	_, version := env.newApprovalFlow(t, "t1", "contract", conf)
	reviewID := env.stateIDByName(t, version.ID, "review")

	inst, err := env.runtime.Start(ctx, StartInstanceRequest{
		Tag:           "contract",
		BusinessObjID: "obj-1",
		VersionID:     version.ID,
		Main:          true,
		OperatorMap:   map[string][]string{reviewID: {"alice"}},
		Tenant:        "t1",
		OpCtx:         models.OperationContext{Owner: "carol"},
	})
	require.NoError(t, err)

	_, err = env.runtime.Operate(ctx, inst.ID, models.OperateReq{
		Operate: models.OperateKindPass,
	}, models.OperationContext{Owner: "mallory"})
	require.Error(t, err)
	assert.True(t, IsUnauthorizedError(err))
}

func TestRevokeWithdrawsVote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conf := &models.ApprovalConf{
		GuardByAssigned:   true,
		Revocable:         true,
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

	_, err = env.runtime.Operate(ctx, inst.ID, models.OperateReq{
		Operate: models.OperateKindPass,
	}, models.OperationContext{Owner: "alice"})
	require.NoError(t, err)

	revoked, err := env.runtime.Operate(ctx, inst.ID, models.OperateReq{
		Operate: models.OperateKindRevoke,
	}, models.OperationContext{Owner: "alice"})
	require.NoError(t, err)
	assert.Zero(t, revoked.Artifacts.VoteCount(reviewID, models.ApprovalOutcomePass))

	_, err = env.runtime.Operate(ctx, inst.ID, models.OperateReq{
		Operate: models.OperateKindRevoke,
	}, models.OperationContext{Owner: "alice"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoVoteToRevoke)
}

func TestRevokeRequiresRevocableState(t *testing.T) {
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

	_, err = env.runtime.Operate(ctx, inst.ID, models.OperateReq{
		Operate: models.OperateKindRevoke,
	}, models.OperationContext{Owner: "alice"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRevokeNotAllowed)
}

func TestReferralDelegateVotesForPrincipal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conf := &models.ApprovalConf{
		GuardByAssigned:   true,
		Referral:          true,
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

	// Alice hands her seat to dave.
	referred, err := env.runtime.Operate(ctx, inst.ID, models.OperateReq{
		Operate:            models.OperateKindReferral,
		ReferralAccountIDs: []string{"dave"},
	}, models.OperationContext{Owner: "alice"})
	require.NoError(t, err)
	assert.NotContains(t, referred.Artifacts.CurrOperators, "alice")
	assert.Contains(t, referred.Artifacts.CurrOperators, "dave")

	_, err = env.runtime.Operate(ctx, inst.ID, models.OperateReq{
		Operate: models.OperateKindPass,
	}, models.OperationContext{Owner: "bob"})
	require.NoError(t, err)

	// Dave's vote fills alice's seat and completes the countersign.
	decided, err := env.runtime.Operate(ctx, inst.ID, models.OperateReq{
		Operate: models.OperateKindPass,
	}, models.OperationContext{Owner: "dave"})
	require.NoError(t, err)
	assert.True(t, decided.Finished())
	assert.Contains(t, decided.Artifacts.ApprovalResult[reviewID][models.ApprovalOutcomePass], "alice")
}

func TestReferralRequiresEnabledState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conf := &models.ApprovalConf{
		GuardByAssigned:   true,
		MultiApprovalKind: models.MultiApprovalOrSign,
	}
	_, version := env.newApprovalFlow(t, "t1", "contract", conf)
	reviewID := env.stateIDByName(t, version.ID, "review")

	inst, err := env.runtime.Start(ctx, StartInstanceRequest{
		Tag:           "contract",
		BusinessObjID: "obj-1",
		VersionID:     version.ID,
		Main:          true,
		OperatorMap:   map[string][]string{reviewID: {"alice"}},
		Tenant:        "t1",
		OpCtx:         models.OperationContext{Owner: "carol"},
	})
	require.NoError(t, err)

	_, err = env.runtime.Operate(ctx, inst.ID, models.OperateReq{
		Operate:            models.OperateKindReferral,
		ReferralAccountIDs: []string{"dave"},
	}, models.OperationContext{Owner: "alice"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReferralNotEnabled)
}

// TestReviewCascade drives a composite review over two child business
// objects: one passes and its main instance is pushed into the configured
// pass state, the other is overruled and stays at its origin state.
func TestReviewCascade(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Main lifecycle of the "req" objects: start -> initial, with an extra
	// "processing" state bound for the cascade to target.
	reqModel, err := env.models.Create(ctx, CreateModelRequest{
		Name: "requirements", Kind: models.ModelKindModel, Tag: "req", IsMain: true, Tenant: "t1",
	})
	require.NoError(t, err)

	reqVersion, err := env.versions.CreateVersion(ctx, reqModel.ID, CreateVersionRequest{
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
						ToStateID:      BindStateNameRef("initial"),
						TransferByAuto: true,
					},
				},
			},
			{
				NewState: &CreateStateRequest{
					Name: "initial", Kind: models.StateKindSimple, SysState: models.SysStateProgress,
				},
			},
			{
				NewState: &CreateStateRequest{
					Name: "processing", Kind: models.StateKindSimple, SysState: models.SysStateProgress,
				},
			},
		},
	})
	require.NoError(t, err)

	_, err = env.versions.EnableVersion(ctx, reqVersion.ID, models.OperationContext{Owner: "admin"})
	require.NoError(t, err)

	initialID := env.stateIDByName(t, reqVersion.ID, "initial")
	processingID := env.stateIDByName(t, reqVersion.ID, "processing")

	// Review outcomes map onto the main lifecycle states through the shared
	// config cache.
	reviewConfig, err := json.Marshal([]kv.ReviewConfigItem{
		{
			Code: "req",
			Mapping: kv.ReviewStatusMapping{
				OriginStateID: initialID,
				PassStateID:   processingID,
				UnpassStateID: initialID,
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, env.kvStore.Put(ctx, kv.ReviewConfigKey("t1", "_"), string(reviewConfig)))

	main1, err := env.runtime.Start(ctx, StartInstanceRequest{
		Tag: "req", BusinessObjID: "obj-1", VersionID: reqVersion.ID, Main: true,
		Tenant: "t1", OpCtx: models.OperationContext{Owner: "carol"},
	})
	require.NoError(t, err)
	require.Equal(t, initialID, main1.CurrentStateID)

	main2, err := env.runtime.Start(ctx, StartInstanceRequest{
		Tag: "req", BusinessObjID: "obj-2", VersionID: reqVersion.ID, Main: true,
		Tenant: "t1", OpCtx: models.OperationContext{Owner: "carol"},
	})
	require.NoError(t, err)

	// The composite review binds both requirements as children.
	conf := &models.ApprovalConf{
		GuardByAssigned:   true,
		MultiApprovalKind: models.MultiApprovalOrSign,
	}
	_, reviewVersion := env.newApprovalFlow(t, "t1", "req_review", conf)
	reviewStateID := env.stateIDByName(t, reviewVersion.ID, "review")

	parent, err := env.runtime.Start(ctx, StartInstanceRequest{
		Tag:           "req_review",
		BusinessObjID: "batch-1",
		VersionID:     reviewVersion.ID,
		Main:          true,
		RelChildObjs: []models.RelChildObj{
			{Tag: "req", ObjID: "obj-1"},
			{Tag: "req", ObjID: "obj-2"},
		},
		OperatorMap: map[string][]string{reviewStateID: {"alice"}},
		Tenant:      "t1",
		OpCtx:       models.OperationContext{Owner: "carol"},
	})
	require.NoError(t, err)

	results, err := env.runtime.BatchOperate(ctx, parent.ID, []BatchOperateItem{
		{ObjID: "obj-1", Req: models.OperateReq{Operate: models.OperateKindPass}},
		{ObjID: "obj-2", Req: models.OperateReq{Operate: models.OperateKindOverrule}},
	}, models.OperationContext{Owner: "alice"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success, results[0].Error)
	assert.True(t, results[1].Success, results[1].Error)

	// The passed child's main instance moved to processing; the overruled
	// one stays at its origin state.
	reloaded1, err := env.runtime.Get(ctx, main1.ID)
	require.NoError(t, err)
	assert.Equal(t, processingID, reloaded1.CurrentStateID)

	reloaded2, err := env.runtime.Get(ctx, main2.ID)
	require.NoError(t, err)
	assert.Equal(t, initialID, reloaded2.CurrentStateID)
}

func TestOperateBackRejectsUnrelatedActor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conf := &models.ApprovalConf{
		GuardByAssigned:   true,
		MultiApprovalKind: models.MultiApprovalOrSign,
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

	// Not the creator, not an operator, never acted on the instance.
	_, err = env.runtime.Operate(ctx, inst.ID, models.OperateReq{
		Operate: models.OperateKindBack,
	}, models.OperationContext{Owner: "mallory"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoGuardSatisfied)
	assert.True(t, IsUnauthorizedError(err))

	reloaded, err := env.runtime.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, reviewID, reloaded.CurrentStateID)

	// The creator clears authorization; only the empty history stops them.
	_, err = env.runtime.Operate(ctx, inst.ID, models.OperateReq{
		Operate: models.OperateKindBack,
	}, models.OperationContext{Owner: "carol"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoPreviousState)
}
