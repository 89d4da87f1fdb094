package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Engine error codes.
const (
	ErrInvalidState      = "INVALID_STATE"
	ErrDispatchFailure   = "DISPATCH_FAILURE"
	ErrResolutionFailure = "RESOLUTION_FAILURE"
	ErrExpressionError   = "EXPRESSION_ERROR"
	ErrChainLimit        = "CHAIN_LIMIT"
	ErrStepTimeout       = "STEP_TIMEOUT"
)

// ErrorEnvelope is the standard error returned by the engine and the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	StepID  string       `json:"step_id,omitempty"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("%s: step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code carried by err, or "" if err is not
// (and does not wrap) an *ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err carries the given envelope code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
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
func NewValidationError(msg string, details []FieldError) *ErrorEnvelope {
	if msg == "" {
		msg = "One or more fields are invalid"
	}
	return &ErrorEnvelope{Code: ErrValidationError, Message: msg, Details: details}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewInvalidStateError returns an INVALID_STATE error. Callers receiving it
// must re-query the instance; it is never retried by the engine.
func NewInvalidStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidState, Message: msg}
}

// NewDispatchFailure returns a DISPATCH_FAILURE for the given step.
func NewDispatchFailure(stepID string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrDispatchFailure, StepID: stepID, Message: cause.Error()}
}

// NewResolutionFailure returns a RESOLUTION_FAILURE error.
func NewResolutionFailure(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrResolutionFailure, Message: msg}
}

// NewExpressionError returns an EXPRESSION_ERROR error.
func NewExpressionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrExpressionError, Message: msg}
}

// NewChainLimitError returns a CHAIN_LIMIT error.
func NewChainLimitError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrChainLimit,
		Message: "Automatic step chain limit reached; instance suspended",
	}
}

// NewStepTimeoutError returns a STEP_TIMEOUT error for a step whose timer
// fired with no timeout or failure successor.
func NewStepTimeoutError(stepID string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrStepTimeout, StepID: stepID, Message: "step timed out"}
}
