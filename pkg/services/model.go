package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
)

// ModelManager manages the workflow model lifecycle.
type ModelManager struct {
	persistence persistence.Persistence
	versions    *VersionManager
	logger      *slog.Logger
}

// NewModelManager creates a new model manager service.
func NewModelManager(persistence persistence.Persistence, versions *VersionManager, logger *slog.Logger) *ModelManager {
	return &ModelManager{
		persistence: persistence,
		versions:    versions,
		logger:      logger.With("module", "model-manager"),
	}
}

// CreateModelRequest carries a new model definition.
type CreateModelRequest struct {
	Name            string           `validate:"required,min=2"`
	Icon            string
	Info            string
	Kind            models.ModelKind `validate:"required"`
	Tag             string           `validate:"required"`
	IsMain          bool
	RelModelID      string
	RelTemplateIDs  []string
	RelTransitionID string
	Tenant          string
	// SeedDefaultVersion creates an initial editing version with start and
	// finish states joined by one automatic transition.
	SeedDefaultVersion bool
}

// Create persists a new model, optionally seeding a default editing version.
func (s *ModelManager) Create(ctx context.Context, req CreateModelRequest) (*models.Model, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate model ID: %w", err)
	}

	model := &models.Model{
		ID:              id.String(),
		Name:            req.Name,
		Icon:            req.Icon,
		Info:            req.Info,
		Kind:            req.Kind,
		Status:          models.ModelStatusEnabled,
		Tag:             req.Tag,
		IsMain:          req.IsMain,
		RelModelID:      req.RelModelID,
		RelTemplateIDs:  req.RelTemplateIDs,
		RelTransitionID: req.RelTransitionID,
		Tenant:          req.Tenant,
	}

	if err := s.persistence.Models().Save(ctx, model); err != nil {
		return nil, fmt.Errorf("failed to save model: %w", err)
	}

	for _, templateID := range req.RelTemplateIDs {
		rel := &models.Relation{Kind: models.RelKindModelTemplate, FromID: model.ID, ToID: templateID}
		if err := s.persistence.Relations().Add(ctx, rel, true); err != nil {
			return nil, fmt.Errorf("failed to link template %s: %w", templateID, err)
		}
	}

	if req.SeedDefaultVersion {
		if err := s.seedDefaultVersion(ctx, model); err != nil {
			return nil, err
		}
	}

	return model, nil
}

func (s *ModelManager) seedDefaultVersion(ctx context.Context, model *models.Model) error {
	_, err := s.versions.CreateVersion(ctx, model.ID, CreateVersionRequest{
		Name: "init",
		BindStates: []BindStateRequest{
			{
				NewState: &CreateStateRequest{
					Name:     "start",
					Kind:     models.StateKindStart,
					SysState: models.SysStateStart,
					Tenant:   model.Tenant,
				},
				IsInit: true,
				AddTransitions: []AddTransitionRequest{
					{
						Name:           "to_finish",
						FromStateID:    BindStateSelfRef,
						ToStateID:      BindStateNameRef("finish"),
						TransferByAuto: true,
					},
				},
			},
			{
				NewState: &CreateStateRequest{
					Name:     "finish",
					Kind:     models.StateKindFinish,
					SysState: models.SysStateFinish,
					Tenant:   model.Tenant,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to seed default version: %w", err)
	}

	return nil
}

// ModifyModelRequest patches a model. Nil fields are unchanged.
type ModifyModelRequest struct {
	Name            *string
	Icon            *string
	Info            *string
	Status          *models.ModelStatus
	RelTransitionID *string
}

// Modify applies a granular patch to the model.
func (s *ModelManager) Modify(ctx context.Context, id string, req ModifyModelRequest) (*models.Model, error) {
	model, err := s.persistence.Models().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		model.Name = *req.Name
	}

	if req.Icon != nil {
		model.Icon = *req.Icon
	}

	if req.Info != nil {
		model.Info = *req.Info
	}

	if req.Status != nil {
		model.Status = *req.Status
	}

	if req.RelTransitionID != nil {
		model.RelTransitionID = *req.RelTransitionID
	}

	if err := s.persistence.Models().Save(ctx, model); err != nil {
		return nil, fmt.Errorf("failed to save model: %w", err)
	}

	return model, nil
}

// Get returns one model.
func (s *ModelManager) Get(ctx context.Context, id string) (*models.Model, error) {
	return s.persistence.Models().GetByID(ctx, id)
}

// List returns models matching the filter.
func (s *ModelManager) List(ctx context.Context, filter persistence.ModelFilter) ([]*models.Model, error) {
	return s.persistence.Models().List(ctx, filter)
}

// Delete removes a model and its versions. It refuses while any version
// still has running instances.
func (s *ModelManager) Delete(ctx context.Context, id string) error {
	model, err := s.persistence.Models().GetByID(ctx, id)
	if err != nil {
		return err
	}

	versions, err := s.persistence.Versions().ListByModel(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to list versions of model %s: %w", id, err)
	}

	for _, version := range versions {
		bound, err := s.persistence.Relations().FindFrom(ctx, models.RelKindModelState, version.ID)
		if err != nil {
			return fmt.Errorf("failed to load bindings of version %s: %w", version.ID, err)
		}

		for _, rel := range bound {
			count, err := s.persistence.Instances().CountByVersionState(ctx, version.ID, rel.RelID)
			if err != nil {
				return fmt.Errorf("failed to count instances: %w", err)
			}

			if count > 0 {
				return fmt.Errorf("delete model %s: version %s has running instances: %w",
					id, version.ID, ErrStateInUse)
			}
		}
	}

	for _, version := range versions {
		if err := s.versions.deleteVersionGraph(ctx, version); err != nil {
			return err
		}
	}

	if err := s.persistence.Relations().DeleteFrom(ctx, models.RelKindModelTemplate, model.ID); err != nil {
		return fmt.Errorf("failed to remove template links: %w", err)
	}

	return s.persistence.Models().Delete(ctx, id)
}
