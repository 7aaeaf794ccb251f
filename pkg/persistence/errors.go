// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrStateNotFound indicates a state definition was not found.
	ErrStateNotFound = errors.New("state not found")

	// ErrModelNotFound indicates a model was not found by the given identifier.
	ErrModelNotFound = errors.New("model not found")

	// ErrVersionNotFound indicates a model version was not found.
	ErrVersionNotFound = errors.New("version not found")

	// ErrTransitionNotFound indicates a transition was not found in its version.
	ErrTransitionNotFound = errors.New("transition not found")

	// ErrInstanceNotFound indicates an instance was not found.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrRelationNotFound indicates the relation edge does not exist.
	ErrRelationNotFound = errors.New("relation not found")

	// ErrRelationExists indicates the relation edge is already recorded.
	ErrRelationExists = errors.New("relation already exists")

	// ErrRevisionConflict indicates a stale instance write lost a concurrent update.
	ErrRevisionConflict = errors.New("instance revision conflict")
)

// EntityError wraps persistence errors with operation context.
type EntityError struct {
	Op     string // Operation being performed (e.g. "GetByID", "Save", "Delete")
	Entity string // Entity kind (state, model, version, transition, instance)
	ID     string // Entity ID if applicable
	Err    error  // Underlying error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for entity errors.
func (e *EntityError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewEntityError creates a new entity error with context.
func NewEntityError(op, entity, id string, err error) *EntityError {
	return &EntityError{
		Op:     op,
		Entity: entity,
		ID:     id,
		Err:    err,
	}
}

// RelationError wraps relation edge errors with the full edge key.
type RelationError struct {
	Op     string
	Kind   string
	FromID string
	ToID   string
	Err    error
}

func (e *RelationError) Error() string {
	return fmt.Sprintf("%s operation failed for relation %s %s->%s: %v", e.Op, e.Kind, e.FromID, e.ToID, e.Err)
}

func (e *RelationError) Unwrap() error {
	return e.Err
}

func (e *RelationError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsNotFound checks if an error indicates any entity was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStateNotFound) ||
		errors.Is(err, ErrModelNotFound) ||
		errors.Is(err, ErrVersionNotFound) ||
		errors.Is(err, ErrTransitionNotFound) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrRelationNotFound)
}

// IsRevisionConflict checks if an error indicates a lost optimistic update.
func IsRevisionConflict(err error) bool {
	return errors.Is(err, ErrRevisionConflict)
}

// IsRelationExists checks if an error indicates a duplicate relation edge.
func IsRelationExists(err error) bool {
	return errors.Is(err, ErrRelationExists)
}
