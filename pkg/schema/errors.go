package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation   = "VALIDATION_ERROR"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeTransport    = "TRANSPORT_ERROR"
	ErrCodeStream       = "STREAM_ERROR"
	ErrCodeStore        = "STORE_ERROR"
	ErrCodeInvalidState = "INVALID_STATE"
	ErrCodeCancelled    = "CANCELLED"
	ErrCodeExpression   = "EXPRESSION_ERROR"
)

// PlanError is the structured error type returned by plangraph command paths.
type PlanError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *PlanError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PlanError) Unwrap() error {
	return e.Cause
}

// NewError creates a new PlanError.
func NewError(code, message string) *PlanError {
	return &PlanError{Code: code, Message: message}
}

// NewErrorf creates a new PlanError with a formatted message.
func NewErrorf(code, format string, args ...any) *PlanError {
	return &PlanError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *PlanError) WithNode(nodeID string) *PlanError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *PlanError) WithCause(err error) *PlanError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PlanError) WithDetails(details map[string]any) *PlanError {
	e.Details = details
	return e
}
