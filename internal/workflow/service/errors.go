package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Error kinds. Every error returned by the services wraps exactly one of these.
var (
	// ErrConfiguration marks a missing or invalid flow definition. Not retryable.
	ErrConfiguration = errors.New("flow configuration error")
	// ErrFlowState marks a violated ledger invariant. Indicates corrupted state.
	ErrFlowState = errors.New("flow state error")
	// ErrConflict marks a row write that lost against a concurrent or locked edit.
	ErrConflict = errors.New("conflict")
	// ErrPermission marks an authorization failure.
	ErrPermission = errors.New("permission denied")
	// ErrValidation marks bad caller input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a missing card, template or attachment.
	ErrNotFound = errors.New("not found")
	// ErrState marks an operation that is not allowed in the card's current status.
	ErrState = errors.New("invalid state")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string         // Operation name
	Kind    error          // One of the Err* kinds above
	Code    string         // Error code for API responses
	Message string         // Human-readable message
	Details map[string]any // Context the caller needs to decide on a retry
	Err     error          // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func newServiceError(op string, kind error, code, message string, details map[string]any, err error) *ServiceError {
	return &ServiceError{Op: op, Kind: kind, Code: code, Message: message, Details: details, Err: err}
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(op, message string) *ServiceError {
	return newServiceError(op, ErrConfiguration, "CONFIGURATION_ERROR", message, nil, nil)
}

// NewFlowStateError creates a flow state error.
func NewFlowStateError(op, message string, details map[string]any) *ServiceError {
	return newServiceError(op, ErrFlowState, "FLOW_STATE_ERROR", message, details, nil)
}

// NewPermissionError creates a permission error.
func NewPermissionError(op, message string, details map[string]any) *ServiceError {
	return newServiceError(op, ErrPermission, "PERMISSION_DENIED", message, details, nil)
}

// NewValidationError creates a validation error.
func NewValidationError(op, message string, err error) *ServiceError {
	return newServiceError(op, ErrValidation, "VALIDATION_ERROR", message, nil, err)
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(op, message string) *ServiceError {
	return newServiceError(op, ErrNotFound, "NOT_FOUND", message, nil, nil)
}

// NewStateError creates an invalid state error.
func NewStateError(op, message string, details map[string]any) *ServiceError {
	return newServiceError(op, ErrState, "INVALID_STATE", message, details, nil)
}

// ConflictCode distinguishes the ways a row write can conflict.
type ConflictCode string

const (
	ConflictDataSubmitted    ConflictCode = "DATA_CONFLICT"
	ConflictVersionMismatch  ConflictCode = "VERSION_CONFLICT"
	ConflictAlreadySubmitted ConflictCode = "ALREADY_SUBMITTED"
)

// ConflictError reports a rejected row write with the state the caller must refresh to.
type ConflictError struct {
	Op              string
	Code            ConflictCode
	CardID          uuid.UUID
	RowNumber       int
	SubmittedBy     *uuid.UUID
	SubmittedAt     *time.Time
	CurrentVersion  int64
	ExpectedVersion *int64
}

func (e *ConflictError) Error() string {
	switch e.Code {
	case ConflictVersionMismatch:
		expected := "none"
		if e.ExpectedVersion != nil {
			expected = fmt.Sprintf("%d", *e.ExpectedVersion)
		}
		return fmt.Sprintf("%s: row %d version conflict: expected %s, current %d", e.Op, e.RowNumber, expected, e.CurrentVersion)
	case ConflictAlreadySubmitted:
		return fmt.Sprintf("%s: row %d already submitted by %s", e.Op, e.RowNumber, formatUUID(e.SubmittedBy))
	default:
		return fmt.Sprintf("%s: row %d is locked by submitter %s", e.Op, e.RowNumber, formatUUID(e.SubmittedBy))
	}
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Details returns the conflict context for API responses.
func (e *ConflictError) Details() map[string]any {
	details := map[string]any{
		"cardId":         e.CardID,
		"rowNumber":      e.RowNumber,
		"currentVersion": e.CurrentVersion,
	}
	if e.ExpectedVersion != nil {
		details["expectedVersion"] = *e.ExpectedVersion
	}
	if e.SubmittedBy != nil {
		details["submittedBy"] = *e.SubmittedBy
	}
	if e.SubmittedAt != nil {
		details["submittedAt"] = *e.SubmittedAt
	}
	return details
}

// IsConfigurationError checks if an error is a flow configuration error.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsFlowStateError checks if an error is a flow state invariant violation.
func IsFlowStateError(err error) bool {
	return errors.Is(err, ErrFlowState)
}

// IsConflictError checks if an error is a row conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsPermissionError checks if an error is an authorization failure that should return HTTP 403.
func IsPermissionError(err error) bool {
	return errors.Is(err, ErrPermission)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsStateError checks if an error is an operation not allowed in the current card status.
func IsStateError(err error) bool {
	return errors.Is(err, ErrState)
}

// ConflictCodeOf returns the conflict code of err, or an empty code.
func ConflictCodeOf(err error) ConflictCode {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict.Code
	}
	return ""
}

func formatUUID(id *uuid.UUID) string {
	if id == nil {
		return "unknown"
	}
	return id.String()
}
