package models

import "time"

// ModelKind distinguishes reusable templates from tenant models.
type ModelKind string

const (
	ModelKindTemplate         ModelKind = "template"
	ModelKindModel            ModelKind = "model"
	ModelKindTemplateAndModel ModelKind = "template_and_model"
)

// ModelStatus is the lifecycle state of a model.
type ModelStatus string

const (
	ModelStatusEnabled  ModelStatus = "enabled"
	ModelStatusDisabled ModelStatus = "disabled"
)

// Model is a reusable workflow definition for one business-object tag. Its
// graph lives in versions; CurrentVersionID points at the enabled one.
type Model struct {
	ID               string      `json:"id"`
	Name             string      `json:"name" validate:"required,min=2"`
	Icon             string      `json:"icon,omitempty"`
	Info             string      `json:"info,omitempty"`
	Kind             ModelKind   `json:"kind" validate:"required"`
	Status           ModelStatus `json:"status"`
	CurrentVersionID string      `json:"current_version_id,omitempty"`
	// Tag is the business-object type this model governs (e.g. "REQ", "TICKET").
	Tag    string `json:"tag" validate:"required"`
	IsMain bool   `json:"is_main"`
	// RelModelID links a derived model back to the template it was created from.
	RelModelID     string   `json:"rel_model_id,omitempty"`
	RelTemplateIDs []string `json:"rel_template_ids,omitempty"`
	// RelTransitionID names the host-object action this model answers, for
	// models that approve another object's edit/delete/review.
	RelTransitionID string    `json:"rel_transition_id,omitempty"`
	Tenant          string    `json:"tenant"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// VersionStatus is the lifecycle state of one version graph.
type VersionStatus string

const (
	VersionStatusEditing  VersionStatus = "editing"
	VersionStatusEnabled  VersionStatus = "enabled"
	VersionStatusDisabled VersionStatus = "disabled"
)

// Version is one concrete state/transition graph of a model. At most one
// version per model is enabled, and at most one is editing.
type Version struct {
	ID          string        `json:"id"`
	Name        string        `json:"name" validate:"required"`
	ModelID     string        `json:"model_id" validate:"required"`
	Status      VersionStatus `json:"status"`
	InitStateID string        `json:"init_state_id,omitempty"`
	Tenant      string        `json:"tenant"`
	PublishedBy string        `json:"published_by,omitempty"`
	PublishedAt *time.Time    `json:"published_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
