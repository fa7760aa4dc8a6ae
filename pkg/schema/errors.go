package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeSchemaValidation  = "SCHEMA_VALIDATION_ERROR"
	ErrCodeInputValidation   = "INPUT_VALIDATION_ERROR"
	ErrCodeStepExecution     = "STEP_EXECUTION_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeApprovalExpired   = "APPROVAL_EXPIRED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
)

// VerdiktError is the structured error type for all engine operations.
type VerdiktError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	StepName string         `json:"step_name,omitempty"`
	Cause    error          `json:"-"`
}

func (e *VerdiktError) Error() string {
	if e.StepName != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepName, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *VerdiktError) Unwrap() error {
	return e.Cause
}

// NewError creates a new VerdiktError.
func NewError(code, message string) *VerdiktError {
	return &VerdiktError{Code: code, Message: message}
}

// NewErrorf creates a new VerdiktError with a formatted message.
func NewErrorf(code, format string, args ...any) *VerdiktError {
	return &VerdiktError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *VerdiktError) WithStep(stepName string) *VerdiktError {
	e.StepName = stepName
	return e
}

// WithCause attaches an underlying cause.
func (e *VerdiktError) WithCause(err error) *VerdiktError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *VerdiktError) WithDetails(details map[string]any) *VerdiktError {
	e.Details = details
	return e
}
