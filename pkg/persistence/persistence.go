// Package persistence provides the storage abstraction layer for the workflow engine.
package persistence

import (
	"context"

	"github.com/procflow/procflow/pkg/models"
)

// StateFilter narrows state listings.
type StateFilter struct {
	Tenant     string
	Tag        string
	Kind       models.StateKind
	IsTemplate *bool
	Enabled    *bool
}

// ModelFilter narrows model listings.
type ModelFilter struct {
	Tenant string
	Tag    string
	Kind   models.ModelKind
	Status models.ModelStatus
}

// StateRepository stores reusable state definitions.
type StateRepository interface {
	Save(ctx context.Context, state *models.State) error
	GetByID(ctx context.Context, id string) (*models.State, error)
	List(ctx context.Context, filter StateFilter) ([]*models.State, error)
	Delete(ctx context.Context, id string) error
}

// ModelRepository stores workflow models.
type ModelRepository interface {
	Save(ctx context.Context, model *models.Model) error
	GetByID(ctx context.Context, id string) (*models.Model, error)
	List(ctx context.Context, filter ModelFilter) ([]*models.Model, error)
	// FindByTag returns the main enabled model governing a business tag.
	FindByTag(ctx context.Context, tenant, tag string) (*models.Model, error)
	Delete(ctx context.Context, id string) error
}

// VersionRepository stores version graphs of models.
type VersionRepository interface {
	Save(ctx context.Context, version *models.Version) error
	GetByID(ctx context.Context, id string) (*models.Version, error)
	ListByModel(ctx context.Context, modelID string, statuses ...models.VersionStatus) ([]*models.Version, error)
	Delete(ctx context.Context, id string) error
}

// TransitionRepository stores the edges of version graphs.
type TransitionRepository interface {
	Save(ctx context.Context, transition *models.Transition) error
	GetByID(ctx context.Context, id string) (*models.Transition, error)
	ListByVersion(ctx context.Context, versionID string) ([]*models.Transition, error)
	// DeleteBatch removes all named transitions atomically. Every id must
	// belong to the version or nothing is deleted.
	DeleteBatch(ctx context.Context, versionID string, ids []string) error
}

// InstanceRepository stores running and finished instances. Update enforces
// optimistic concurrency: the stored revision must equal the caller's read
// revision or ErrRevisionConflict is returned.
type InstanceRepository interface {
	Create(ctx context.Context, inst *models.Instance) error
	Update(ctx context.Context, inst *models.Instance) error
	GetByID(ctx context.Context, id string) (*models.Instance, error)
	// FindByBusinessObj returns instances bound to the business object,
	// optionally restricted to the main lifecycle instance.
	FindByBusinessObj(ctx context.Context, tenant, tag, objID string, mainOnly bool) ([]*models.Instance, error)
	// ListRunning returns unfinished instances, used by the timer poller.
	ListRunning(ctx context.Context, tenant string) ([]*models.Instance, error)
	// CountByVersionState counts unfinished instances of the version sitting
	// in the state. Used to refuse unbinding states that are in use.
	CountByVersionState(ctx context.Context, versionID, stateID string) (int, error)
	Delete(ctx context.Context, id string) error
}

// RelationRepository stores tagged many-to-many edges.
type RelationRepository interface {
	// Add inserts the edge. Duplicate (kind, from, to) returns
	// ErrRelationExists unless ignoreExists is set.
	Add(ctx context.Context, rel *models.Relation, ignoreExists bool) error
	Exists(ctx context.Context, kind, fromID, toID string) (bool, error)
	FindFrom(ctx context.Context, kind, fromID string) ([]models.SimpleRel, error)
	FindTo(ctx context.Context, kind, toID string) ([]models.SimpleRel, error)
	Delete(ctx context.Context, kind, fromID, toID string) error
	DeleteFrom(ctx context.Context, kind, fromID string) error
}

// Persistence aggregates the engine's repositories behind one handle.
type Persistence interface {
	States() StateRepository
	Models() ModelRepository
	Versions() VersionRepository
	Transitions() TransitionRepository
	Instances() InstanceRepository
	Relations() RelationRepository

	// MergeStates repoints every transition, instance and version binding
	// from the dropped state ids to keepID and removes the dropped states,
	// all within one transaction.
	MergeStates(ctx context.Context, keepID string, dropIDs []string) error

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
