package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/models"
)

func TestAddTransitionsAutoLegality(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, version := env.newSimpleFlow(t, "t1", "order")
	startID := env.stateIDByName(t, version.ID, "start")
	todoID := env.stateIDByName(t, version.ID, "todo")
	doneID := env.stateIDByName(t, version.ID, "done")

	// Manual transitions cannot leave a start state.
	_, err := env.transitions.AddTransitions(ctx, version.ID, []AddTransitionRequest{
		{Name: "shortcut", FromStateID: startID, ToStateID: doneID},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransitionNotLegal)

	// Auto transitions cannot leave a simple state.
	_, err = env.transitions.AddTransitions(ctx, version.ID, []AddTransitionRequest{
		{Name: "autodone", FromStateID: todoID, ToStateID: doneID, TransferByAuto: true},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransitionNotLegal)
}

func TestAddTransitionsRejectsForeignStates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, version := env.newSimpleFlow(t, "t1", "order")
	todoID := env.stateIDByName(t, version.ID, "todo")

	outsider, err := env.states.Create(ctx, CreateStateRequest{
		Name: "elsewhere", Kind: models.StateKindSimple, SysState: models.SysStateProgress, Tenant: "t1",
	})
	require.NoError(t, err)

	_, err = env.transitions.AddTransitions(ctx, version.ID, []AddTransitionRequest{
		{Name: "escape", FromStateID: todoID, ToStateID: outsider.ID},
	})
	require.Error(t, err)
}

func TestAddTransitionsValidatesTimerExpression(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, version := env.newSimpleFlow(t, "t1", "order")
	todoID := env.stateIDByName(t, version.ID, "todo")
	doneID := env.stateIDByName(t, version.ID, "done")

	_, err := env.transitions.AddTransitions(ctx, version.ID, []AddTransitionRequest{
		{Name: "expire", FromStateID: todoID, ToStateID: doneID, TransferByTimer: "not a cron"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTimerExpr)

	_, err = env.transitions.AddTransitions(ctx, version.ID, []AddTransitionRequest{
		{Name: "expire", FromStateID: todoID, ToStateID: doneID, TransferByTimer: "*/5 * * * *"},
	})
	require.NoError(t, err)
}

func TestDeleteTransitionsIsAtomic(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, version := env.newSimpleFlow(t, "t1", "order")
	finish := env.transitionByName(t, version.ID, "finish")

	err := env.transitions.DeleteTransitions(ctx, version.ID, []string{finish.ID, "no-such-id"})
	require.Error(t, err)

	// The batch was rejected as a whole, so the legal id survived.
	detail, err := env.versions.GetDetail(ctx, version.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Transitions, 2)

	require.NoError(t, env.transitions.DeleteTransitions(ctx, version.ID, []string{finish.ID}))

	detail, err = env.versions.GetDetail(ctx, version.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Transitions, 1)
}

func TestModifyTransitionsRecombinesPostActions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, version := env.newSimpleFlow(t, "t1", "order")
	finish := env.transitionByName(t, version.ID, "finish")

	err := env.transitions.ModifyTransitions(ctx, version.ID, []ModifyTransitionRequest{
		{
			ID: finish.ID,
			VarPostActions: &[]models.PostAction{
				{VarName: "closed_by", ChangedKind: models.VarChangedAutoGetOperator},
			},
			StatePostActions: &[]models.PostAction{
				{ObjTag: "shipment", ChangedStateID: "state-x"},
			},
		},
	})
	require.NoError(t, err)

	// Replacing only the var subset keeps the state subset untouched.
	err = env.transitions.ModifyTransitions(ctx, version.ID, []ModifyTransitionRequest{
		{
			ID: finish.ID,
			VarPostActions: &[]models.PostAction{
				{VarName: "closed_at", ChangedKind: models.VarChangedAutoGetOperateTime},
			},
		},
	})
	require.NoError(t, err)

	reloaded := env.transitionByName(t, version.ID, "finish")
	require.Len(t, reloaded.PostActions, 2)

	var varActions, stateActions []models.PostAction

	for _, action := range reloaded.PostActions {
		switch action.Kind {
		case models.PostActionKindVar:
			varActions = append(varActions, action)
		case models.PostActionKindState:
			stateActions = append(stateActions, action)
		}
	}

	require.Len(t, varActions, 1)
	assert.Equal(t, "closed_at", varActions[0].VarName)
	require.Len(t, stateActions, 1)
	assert.Equal(t, "shipment", stateActions[0].ObjTag)
}

func TestModifyTransitionsChecksOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, first := env.newSimpleFlow(t, "t1", "order")
	_, second := env.newSimpleFlow(t, "t1", "ticket")

	foreign := env.transitionByName(t, second.ID, "finish")

	name := "renamed"
	err := env.transitions.ModifyTransitions(ctx, first.ID, []ModifyTransitionRequest{
		{ID: foreign.ID, Name: &name},
	})
	require.Error(t, err)
}
