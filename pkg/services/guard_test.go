package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/models"
)

func TestGuardByCreatorAdmitsOnlyCreator(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, version := env.newSimpleFlow(t, "t1", "order")
	finish := env.transitionByName(t, version.ID, "finish")

	guarded := true
	require.NoError(t, env.transitions.ModifyTransitions(ctx, version.ID, []ModifyTransitionRequest{
		{ID: finish.ID, GuardByCreator: &guarded},
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

	// A stranger sees no transition and cannot fire it.
	next, err := env.runtime.NextTransitions(ctx, inst.ID, models.OperationContext{Owner: "mallory"}, nil)
	require.NoError(t, err)
	assert.Empty(t, next)

	_, err = env.runtime.Transfer(ctx, inst.ID, TransferRequest{
		TransitionID: finish.ID,
		OpCtx:        models.OperationContext{Owner: "mallory"},
	})
	require.Error(t, err)
	assert.True(t, IsUnauthorizedError(err))

	// The creator passes the guard.
	next, err = env.runtime.NextTransitions(ctx, inst.ID, models.OperationContext{Owner: "alice"}, nil)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, finish.ID, next[0].ID)

	moved, err := env.runtime.Transfer(ctx, inst.ID, TransferRequest{
		TransitionID: finish.ID,
		OpCtx:        models.OperationContext{Owner: "alice"},
	})
	require.NoError(t, err)
	assert.True(t, moved.Finished())
}

func TestGuardBySpecRoles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, version := env.newSimpleFlow(t, "t1", "order")
	finish := env.transitionByName(t, version.ID, "finish")

	roles := []string{"reviewer"}
	require.NoError(t, env.transitions.ModifyTransitions(ctx, version.ID, []ModifyTransitionRequest{
		{ID: finish.ID, GuardBySpecRoles: &roles},
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
		OpCtx:        models.OperationContext{Owner: "bob"},
	})
	require.Error(t, err)
	assert.True(t, IsUnauthorizedError(err))

	_, err = env.runtime.Transfer(ctx, inst.ID, TransferRequest{
		TransitionID: finish.ID,
		OpCtx:        models.OperationContext{Owner: "bob", Roles: []string{"reviewer"}},
	})
	require.NoError(t, err)
}

func TestGuardVariableConditionsVeto(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, version := env.newSimpleFlow(t, "t1", "order")
	finish := env.transitionByName(t, version.ID, "finish")

	conds := models.ConditionGroups{
		{{Field: "amount", Op: models.ConditionOpGt, Values: []any{100}}},
	}
	require.NoError(t, env.transitions.ModifyTransitions(ctx, version.ID, []ModifyTransitionRequest{
		{ID: finish.ID, GuardByOtherConds: &conds},
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

	// The condition vetoes even an otherwise open transition.
	_, err = env.runtime.Transfer(ctx, inst.ID, TransferRequest{
		TransitionID: finish.ID,
		Vars:         map[string]any{"amount": 50},
		OpCtx:        models.OperationContext{Owner: "alice"},
	})
	require.Error(t, err)
	assert.True(t, IsUnauthorizedError(err))

	_, err = env.runtime.Transfer(ctx, inst.ID, TransferRequest{
		TransitionID: finish.ID,
		Vars:         map[string]any{"amount": 250},
		OpCtx:        models.OperationContext{Owner: "alice"},
	})
	require.NoError(t, err)
}
