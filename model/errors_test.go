package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "Instance not found"}
	want := "NOT_FOUND: Instance not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestErrorEnvelope_Is_matchesByCode(t *testing.T) {
	err := fmt.Errorf("forward: %w", NewForbiddenError("not your step"))
	if !errors.Is(err, ErrCode(ErrForbidden)) {
		t.Error("errors.Is should match wrapped FORBIDDEN envelope")
	}
	if errors.Is(err, ErrCode(ErrNotFound)) {
		t.Error("errors.Is should not match a different code")
	}
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("wrap: %w", NewInvalidTargetError(3, 2))
	if !HasCode(err, ErrInvalidTarget) {
		t.Error("HasCode should find INVALID_TARGET through wrapping")
	}
	if HasCode(errors.New("plain"), ErrInvalidTarget) {
		t.Error("HasCode should be false for non-envelope errors")
	}
	if HasCode(nil, ErrInvalidTarget) {
		t.Error("HasCode should be false for nil")
	}
}

func TestNewForbiddenError(t *testing.T) {
	e := NewForbiddenError("access denied")
	if e.Code != ErrForbidden {
		t.Errorf("Code = %q, want %q", e.Code, ErrForbidden)
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "entity_id", Code: "REQUIRED", Message: "entity_id is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "entity_id" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "entity_id")
	}
}

func TestNewRemarksRequiredError(t *testing.T) {
	e := NewRemarksRequiredError("EE Recommendation")
	if e.Code != ErrRemarksRequired {
		t.Errorf("Code = %q, want %q", e.Code, ErrRemarksRequired)
	}
	if len(e.Details) != 1 || e.Details[0].Field != "remarks" {
		t.Errorf("Details = %+v, want a remarks field error", e.Details)
	}
}

func TestWorkflowErrorConstructors_codes(t *testing.T) {
	tests := []struct {
		name string
		err  *ErrorEnvelope
		code string
	}{
		{"no matching template", NewNoMatchingTemplateError(ModuleRABill), ErrNoMatchingTemplate},
		{"empty template", NewEmptyTemplateError("tpl-1"), ErrEmptyTemplate},
		{"invalid target", NewInvalidTargetError(2, 2), ErrInvalidTarget},
		{"step not found", NewStepNotFoundError(9), ErrStepNotFound},
		{"revert not allowed", NewRevertNotAllowedError("CE Approval"), ErrRevertNotAllowed},
		{"invalid transition", NewInvalidTransitionError("terminal"), ErrInvalidTransition},
		{"internal", NewInternalError(), ErrInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.Message == "" {
				t.Error("Message should not be empty")
			}
		})
	}
}
