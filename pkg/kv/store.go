// Package kv provides the tenant-scoped key-value config collaborator.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrKeyNotFound indicates no value is stored under the key.
var ErrKeyNotFound = errors.New("key not found")

// Store is a narrow key-value interface over the external config cache.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// ReviewConfigKey builds the composite key addressing a tenant's review
// pass/fail state mapping.
func ReviewConfigKey(tenant, app string) string {
	return fmt.Sprintf("__tag__:%s:%s:_:review_config", tenant, app)
}

// ReviewStatusMapping maps a review outcome to concrete business states.
type ReviewStatusMapping struct {
	OriginStateID string `json:"origin_state_id"`
	PassStateID   string `json:"pass_state_id"`
	UnpassStateID string `json:"unpass_state_id"`
}

// ReviewConfigItem configures the review cascade for one business tag.
type ReviewConfigItem struct {
	Code    string              `json:"code"`
	Mapping ReviewStatusMapping `json:"label"`
}

// GetReviewConfig fetches and decodes the tenant's review configuration.
// A missing key yields an empty configuration, not an error.
func GetReviewConfig(ctx context.Context, store Store, tenant, app string) ([]ReviewConfigItem, error) {
	raw, err := store.Get(ctx, ReviewConfigKey(tenant, app))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to fetch review config: %w", err)
	}

	var items []ReviewConfigItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("failed to decode review config: %w", err)
	}

	return items, nil
}

// FindReviewMapping returns the mapping for the tag code, if configured.
func FindReviewMapping(items []ReviewConfigItem, code string) (ReviewStatusMapping, bool) {
	for _, item := range items {
		if item.Code == code {
			return item.Mapping, true
		}
	}

	return ReviewStatusMapping{}, false
}
