// Package services implements the workflow engine: state registry, transition
// engine, model/version lifecycle and the instance runtime.
package services

import (
	"errors"
	"fmt"
)

// Business logic errors. These indicate client errors (4xx responses).
var (
	// Validation errors (400 Bad Request).
	ErrInvalidRequest        = errors.New("invalid request")
	ErrTransitionNotLegal    = errors.New("transition not legal")
	ErrMissingRequiredVars   = errors.New("missing required variables")
	ErrInvalidCondition      = errors.New("invalid guard condition")
	ErrInvalidOperate        = errors.New("operate not allowed in current state")
	ErrInvalidTimerExpr      = errors.New("invalid timer expression")
	ErrReferralNotEnabled    = errors.New("referral is not enabled for the state")
	ErrRevokeNotAllowed      = errors.New("state is not revocable")
	ErrNoVoteToRevoke        = errors.New("no vote to revoke")
	ErrNoPreviousState       = errors.New("no previous state to go back to")
	ErrInstanceFinished      = errors.New("instance already finished")
	ErrTransitionNotFromHere = errors.New("transition does not start at the current state")
	ErrDoubleCheckRequired   = errors.New("transition requires double-check acknowledgment")

	// Conflicts (409).
	ErrStateInUse         = errors.New("state is in use by running instances")
	ErrVersionNotEditable = errors.New("version is not in editing status")
	ErrConcurrentUpdate   = errors.New("instance was modified concurrently")

	// Authorization (401).
	ErrNoGuardSatisfied = errors.New("no guard satisfied for the acting identity")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrTransitionNotLegal) ||
		errors.Is(err, ErrMissingRequiredVars) ||
		errors.Is(err, ErrInvalidCondition) ||
		errors.Is(err, ErrInvalidOperate) ||
		errors.Is(err, ErrInvalidTimerExpr) ||
		errors.Is(err, ErrReferralNotEnabled) ||
		errors.Is(err, ErrRevokeNotAllowed) ||
		errors.Is(err, ErrNoVoteToRevoke) ||
		errors.Is(err, ErrNoPreviousState) ||
		errors.Is(err, ErrInstanceFinished) ||
		errors.Is(err, ErrTransitionNotFromHere) ||
		errors.Is(err, ErrDoubleCheckRequired)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrStateInUse) ||
		errors.Is(err, ErrVersionNotEditable) ||
		errors.Is(err, ErrConcurrentUpdate)
}

// IsUnauthorizedError checks if an error means no guard admitted the actor.
func IsUnauthorizedError(err error) bool {
	return errors.Is(err, ErrNoGuardSatisfied)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
