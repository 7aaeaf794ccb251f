// Package memory provides an in-memory persistence implementation used by
// tests and embedded deployments.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
)

// Persistence keeps every entity in process memory behind one mutex. Reads
// and writes exchange deep copies so callers never share mutable state with
// the store.
type Persistence struct {
	mu          sync.RWMutex
	states      map[string]*models.State
	modelsByID  map[string]*models.Model
	versions    map[string]*models.Version
	transitions map[string]*models.Transition
	instances   map[string]*models.Instance
	relations   map[string]*models.Relation
}

// NewPersistence creates an empty in-memory store.
func NewPersistence() *Persistence {
	return &Persistence{
		states:      make(map[string]*models.State),
		modelsByID:  make(map[string]*models.Model),
		versions:    make(map[string]*models.Version),
		transitions: make(map[string]*models.Transition),
		instances:   make(map[string]*models.Instance),
		relations:   make(map[string]*models.Relation),
	}
}

func (p *Persistence) States() persistence.StateRepository           { return (*stateRepo)(p) }
func (p *Persistence) Models() persistence.ModelRepository           { return (*modelRepo)(p) }
func (p *Persistence) Versions() persistence.VersionRepository       { return (*versionRepo)(p) }
func (p *Persistence) Transitions() persistence.TransitionRepository { return (*transitionRepo)(p) }
func (p *Persistence) Instances() persistence.InstanceRepository     { return (*instanceRepo)(p) }
func (p *Persistence) Relations() persistence.RelationRepository     { return (*relationRepo)(p) }

func (p *Persistence) HealthCheck(_ context.Context) error { return nil }

func (p *Persistence) Close(_ context.Context) error { return nil }

// MergeStates repoints transitions, instances and bindings from the dropped
// states to keepID and deletes the dropped definitions.
func (p *Persistence) MergeStates(_ context.Context, keepID string, dropIDs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.states[keepID]; !ok {
		return persistence.NewEntityError("MergeStates", "state", keepID, persistence.ErrStateNotFound)
	}

	dropped := make(map[string]bool, len(dropIDs))
	for _, id := range dropIDs {
		dropped[id] = true
	}

	for _, t := range p.transitions {
		if dropped[t.FromStateID] {
			t.FromStateID = keepID
		}

		if dropped[t.ToStateID] {
			t.ToStateID = keepID
		}
	}

	for _, inst := range p.instances {
		if dropped[inst.CurrentStateID] {
			inst.CurrentStateID = keepID
		}
	}

	for key, rel := range p.relations {
		if rel.Kind == models.RelKindModelState && dropped[rel.ToID] {
			delete(p.relations, key)
			rel.ToID = keepID
			p.relations[relationKey(rel.Kind, rel.FromID, rel.ToID)] = rel
		}
	}

	for id := range dropped {
		delete(p.states, id)
	}

	return nil
}

func clone[T any](in *T) *T {
	raw, err := json.Marshal(in)
	if err != nil {
		panic(fmt.Sprintf("memory persistence clone: %v", err))
	}

	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		panic(fmt.Sprintf("memory persistence clone: %v", err))
	}

	return out
}

func relationKey(kind, fromID, toID string) string {
	return strings.Join([]string{kind, fromID, toID}, "\x00")
}

type stateRepo Persistence

func (r *stateRepo) Save(_ context.Context, state *models.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.states[state.ID] = clone(state)

	return nil
}

func (r *stateRepo) GetByID(_ context.Context, id string) (*models.State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.states[id]
	if !ok {
		return nil, persistence.NewEntityError("GetByID", "state", id, persistence.ErrStateNotFound)
	}

	return clone(state), nil
}

func (r *stateRepo) List(_ context.Context, filter persistence.StateFilter) ([]*models.State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.State

	for _, state := range r.states {
		if filter.Tenant != "" && state.Tenant != filter.Tenant {
			continue
		}

		if filter.Tag != "" && !state.AllowsTag(filter.Tag) {
			continue
		}

		if filter.Kind != "" && state.Kind != filter.Kind {
			continue
		}

		if filter.IsTemplate != nil && state.IsTemplate != *filter.IsTemplate {
			continue
		}

		if filter.Enabled != nil && state.Disabled == *filter.Enabled {
			continue
		}

		result = append(result, clone(state))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Sort != result[j].Sort {
			return result[i].Sort < result[j].Sort
		}

		return result[i].ID < result[j].ID
	})

	return result, nil
}

func (r *stateRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.states[id]; !ok {
		return persistence.NewEntityError("Delete", "state", id, persistence.ErrStateNotFound)
	}

	delete(r.states, id)

	return nil
}

type modelRepo Persistence

func (r *modelRepo) Save(_ context.Context, model *models.Model) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.modelsByID[model.ID] = clone(model)

	return nil
}

func (r *modelRepo) GetByID(_ context.Context, id string) (*models.Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	model, ok := r.modelsByID[id]
	if !ok {
		return nil, persistence.NewEntityError("GetByID", "model", id, persistence.ErrModelNotFound)
	}

	return clone(model), nil
}

func (r *modelRepo) List(_ context.Context, filter persistence.ModelFilter) ([]*models.Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Model

	for _, model := range r.modelsByID {
		if filter.Tenant != "" && model.Tenant != filter.Tenant {
			continue
		}

		if filter.Tag != "" && model.Tag != filter.Tag {
			continue
		}

		if filter.Kind != "" && model.Kind != filter.Kind {
			continue
		}

		if filter.Status != "" && model.Status != filter.Status {
			continue
		}

		result = append(result, clone(model))
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	return result, nil
}

func (r *modelRepo) FindByTag(_ context.Context, tenant, tag string) (*models.Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, model := range r.modelsByID {
		if model.Tenant == tenant && model.Tag == tag && model.IsMain &&
			model.Status == models.ModelStatusEnabled {
			return clone(model), nil
		}
	}

	return nil, persistence.NewEntityError("FindByTag", "model", tag, persistence.ErrModelNotFound)
}

func (r *modelRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.modelsByID[id]; !ok {
		return persistence.NewEntityError("Delete", "model", id, persistence.ErrModelNotFound)
	}

	delete(r.modelsByID, id)

	return nil
}

type versionRepo Persistence

func (r *versionRepo) Save(_ context.Context, version *models.Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.versions[version.ID] = clone(version)

	return nil
}

func (r *versionRepo) GetByID(_ context.Context, id string) (*models.Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, ok := r.versions[id]
	if !ok {
		return nil, persistence.NewEntityError("GetByID", "version", id, persistence.ErrVersionNotFound)
	}

	return clone(version), nil
}

func (r *versionRepo) ListByModel(_ context.Context, modelID string, statuses ...models.VersionStatus) ([]*models.Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Version

	for _, version := range r.versions {
		if version.ModelID != modelID {
			continue
		}

		if len(statuses) > 0 && !containsStatus(statuses, version.Status) {
			continue
		}

		result = append(result, clone(version))
	}

	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })

	return result, nil
}

func containsStatus(statuses []models.VersionStatus, status models.VersionStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}

	return false
}

func (r *versionRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.versions[id]; !ok {
		return persistence.NewEntityError("Delete", "version", id, persistence.ErrVersionNotFound)
	}

	delete(r.versions, id)

	return nil
}

type transitionRepo Persistence

func (r *transitionRepo) Save(_ context.Context, transition *models.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.transitions[transition.ID] = clone(transition)

	return nil
}

func (r *transitionRepo) GetByID(_ context.Context, id string) (*models.Transition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	transition, ok := r.transitions[id]
	if !ok {
		return nil, persistence.NewEntityError("GetByID", "transition", id, persistence.ErrTransitionNotFound)
	}

	return clone(transition), nil
}

func (r *transitionRepo) ListByVersion(_ context.Context, versionID string) ([]*models.Transition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Transition

	for _, transition := range r.transitions {
		if transition.VersionID == versionID {
			result = append(result, clone(transition))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Sort != result[j].Sort {
			return result[i].Sort < result[j].Sort
		}

		return result[i].ID < result[j].ID
	})

	return result, nil
}

func (r *transitionRepo) DeleteBatch(_ context.Context, versionID string, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Legality first: every id must belong to the version before anything
	// is removed, so a bad id rejects the whole batch.
	for _, id := range ids {
		transition, ok := r.transitions[id]
		if !ok || transition.VersionID != versionID {
			return persistence.NewEntityError("DeleteBatch", "transition", id, persistence.ErrTransitionNotFound)
		}
	}

	for _, id := range ids {
		delete(r.transitions, id)
	}

	return nil
}

type instanceRepo Persistence

func (r *instanceRepo) Create(_ context.Context, inst *models.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst.Revision = 1
	r.instances[inst.ID] = clone(inst)

	return nil
}

func (r *instanceRepo) Update(_ context.Context, inst *models.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.instances[inst.ID]
	if !ok {
		return persistence.NewEntityError("Update", "instance", inst.ID, persistence.ErrInstanceNotFound)
	}

	if stored.Revision != inst.Revision {
		return persistence.NewEntityError("Update", "instance", inst.ID, persistence.ErrRevisionConflict)
	}

	inst.Revision++
	r.instances[inst.ID] = clone(inst)

	return nil
}

func (r *instanceRepo) GetByID(_ context.Context, id string) (*models.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil, persistence.NewEntityError("GetByID", "instance", id, persistence.ErrInstanceNotFound)
	}

	return clone(inst), nil
}

func (r *instanceRepo) FindByBusinessObj(_ context.Context, tenant, tag, objID string, mainOnly bool) ([]*models.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Instance

	for _, inst := range r.instances {
		if inst.Tenant != tenant || inst.Tag != tag || inst.BusinessObjID != objID {
			continue
		}

		if mainOnly && !inst.Main {
			continue
		}

		result = append(result, clone(inst))
	}

	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })

	return result, nil
}

func (r *instanceRepo) ListRunning(_ context.Context, tenant string) ([]*models.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Instance

	for _, inst := range r.instances {
		if inst.FinishTime != nil {
			continue
		}

		if tenant != "" && inst.Tenant != tenant {
			continue
		}

		result = append(result, clone(inst))
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	return result, nil
}

func (r *instanceRepo) CountByVersionState(_ context.Context, versionID, stateID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0

	for _, inst := range r.instances {
		if inst.VersionID == versionID && inst.CurrentStateID == stateID && inst.FinishTime == nil {
			count++
		}
	}

	return count, nil
}

func (r *instanceRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[id]; !ok {
		return persistence.NewEntityError("Delete", "instance", id, persistence.ErrInstanceNotFound)
	}

	delete(r.instances, id)

	return nil
}

type relationRepo Persistence

func (r *relationRepo) Add(_ context.Context, rel *models.Relation, ignoreExists bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := relationKey(rel.Kind, rel.FromID, rel.ToID)
	if _, ok := r.relations[key]; ok {
		if ignoreExists {
			return nil
		}

		return &persistence.RelationError{
			Op: "Add", Kind: rel.Kind, FromID: rel.FromID, ToID: rel.ToID,
			Err: persistence.ErrRelationExists,
		}
	}

	stored := clone(rel)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	r.relations[key] = stored

	return nil
}

func (r *relationRepo) Exists(_ context.Context, kind, fromID, toID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.relations[relationKey(kind, fromID, toID)]

	return ok, nil
}

func (r *relationRepo) FindFrom(_ context.Context, kind, fromID string) ([]models.SimpleRel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []models.SimpleRel

	for _, rel := range r.relations {
		if rel.Kind == kind && rel.FromID == fromID {
			result = append(result, models.SimpleRel{RelID: rel.ToID, RelName: rel.Name, Ext: rel.Ext})
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].RelID < result[j].RelID })

	return result, nil
}

func (r *relationRepo) FindTo(_ context.Context, kind, toID string) ([]models.SimpleRel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []models.SimpleRel

	for _, rel := range r.relations {
		if rel.Kind == kind && rel.ToID == toID {
			result = append(result, models.SimpleRel{RelID: rel.FromID, RelName: rel.Name, Ext: rel.Ext})
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].RelID < result[j].RelID })

	return result, nil
}

func (r *relationRepo) Delete(_ context.Context, kind, fromID, toID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := relationKey(kind, fromID, toID)
	if _, ok := r.relations[key]; !ok {
		return &persistence.RelationError{
			Op: "Delete", Kind: kind, FromID: fromID, ToID: toID,
			Err: persistence.ErrRelationNotFound,
		}
	}

	delete(r.relations, key)

	return nil
}

func (r *relationRepo) DeleteFrom(_ context.Context, kind, fromID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, rel := range r.relations {
		if rel.Kind == kind && rel.FromID == fromID {
			delete(r.relations, key)
		}
	}

	return nil
}
