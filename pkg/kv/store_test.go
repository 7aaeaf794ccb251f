package kv

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, "k", "v"))

	value, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)

	require.NoError(t, store.Delete(ctx, "k"))

	_, err = store.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrKeyNotFound))
}

func TestGetReviewConfigMissingKey(t *testing.T) {
	t.Parallel()

	items, err := GetReviewConfig(context.Background(), NewMemoryStore(), "t1", "_")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestGetReviewConfigDecodesMapping(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()

	payload := `[{"code":"req","label":{"origin_state_id":"s1","pass_state_id":"s2","unpass_state_id":"s1"}}]`
	require.NoError(t, store.Put(ctx, ReviewConfigKey("t1", "_"), payload))

	items, err := GetReviewConfig(ctx, store, "t1", "_")
	require.NoError(t, err)
	require.Len(t, items, 1)

	mapping, ok := FindReviewMapping(items, "req")
	require.True(t, ok)
	assert.Equal(t, "s2", mapping.PassStateID)

	_, ok = FindReviewMapping(items, "other")
	assert.False(t, ok)
}

func TestGetReviewConfigRejectsBadPayload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, ReviewConfigKey("t1", "_"), "not json"))

	_, err := GetReviewConfig(ctx, store, "t1", "_")
	assert.Error(t, err)
}
