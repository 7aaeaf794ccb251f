package cmd

import (
	"context"
	"fmt"

	"github.com/procflow/procflow/pkg/kv"
)

// NewKVStore returns a Redis-backed store when redisURL is set,
// otherwise an in-process store.
func NewKVStore(ctx context.Context, redisURL string) kv.Store {
	if redisURL == "" {
		return kv.NewMemoryStore()
	}

	store, err := kv.NewRedisStore(ctx, redisURL)
	if err != nil {
		panic(fmt.Errorf("failed to create Redis KV store: %w", err))
	}

	return store
}
