package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrForbidden         = "FORBIDDEN"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrInternalError     = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrNoMatchingTemplate = "NO_MATCHING_TEMPLATE"
	ErrEmptyTemplate      = "EMPTY_TEMPLATE"
	ErrRemarksRequired    = "REMARKS_REQUIRED"
	ErrInvalidTarget      = "INVALID_TARGET"
	ErrStepNotFound       = "STEP_NOT_FOUND"
	ErrRevertNotAllowed   = "REVERT_NOT_ALLOWED"
)

// ErrorEnvelope is the standard error returned by the engine and written to
// API clients. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is an ErrorEnvelope with the same code, so that
// errors.Is(err, ErrCode(ErrForbidden)) matches any forbidden error.
func (e *ErrorEnvelope) Is(target error) bool {
	t, ok := target.(*ErrorEnvelope)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ErrCode returns a bare envelope usable as an errors.Is target.
func ErrCode(code string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code}
}

// HasCode reports whether err is or wraps an ErrorEnvelope with the given code.
func HasCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if !errors.As(err, &ee) {
		return false
	}
	return ee.Code == code
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewNoMatchingTemplateError returns a NO_MATCHING_TEMPLATE error.
func NewNoMatchingTemplateError(module Module) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNoMatchingTemplate,
		Message: fmt.Sprintf("No active workflow template resolves for module %q", module),
	}
}

// NewEmptyTemplateError returns an EMPTY_TEMPLATE error.
func NewEmptyTemplateError(templateID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrEmptyTemplate,
		Message: fmt.Sprintf("Workflow template %q has no steps", templateID),
	}
}

// NewRemarksRequiredError returns a REMARKS_REQUIRED error.
func NewRemarksRequiredError(stepName string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRemarksRequired,
		Message: fmt.Sprintf("Remarks are required at step %q", stepName),
		Details: []FieldError{{Field: "remarks", Code: "REQUIRED", Message: "Remarks are required"}},
	}
}

// NewInvalidTargetError returns an INVALID_TARGET error.
func NewInvalidTargetError(target, current int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidTarget,
		Message: fmt.Sprintf("Can only revert to an earlier step (target %d, current %d)", target, current),
	}
}

// NewStepNotFoundError returns a STEP_NOT_FOUND error.
func NewStepNotFoundError(sequence int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStepNotFound,
		Message: fmt.Sprintf("Step %d does not exist in the workflow template", sequence),
	}
}

// NewRevertNotAllowedError returns a REVERT_NOT_ALLOWED error.
func NewRevertNotAllowedError(stepName string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRevertNotAllowed,
		Message: fmt.Sprintf("Revert is not allowed from step %q", stepName),
	}
}
