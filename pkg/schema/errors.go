package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeDuplicateID          = "DUPLICATE_ID"
	ErrCodeUnknownStep          = "UNKNOWN_STEP"
	ErrCodeChainFrozen          = "CHAIN_FROZEN"
	ErrCodeUnreachableTerminal  = "UNREACHABLE_TERMINAL"
	ErrCodeUnresolvedTransition = "UNRESOLVED_TRANSITION"
	ErrCodeTerminalState        = "TERMINAL_STATE"
	ErrCodeSchemaVersion        = "SCHEMA_VERSION"
	ErrCodeMalformedData        = "MALFORMED_DATA"
	ErrCodeRetryExhausted       = "RETRY_EXHAUSTED"

	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeSelfTransition    = "SELF_TRANSITION"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeUnknownProcedure  = "UNKNOWN_PROCEDURE"
	ErrCodeChainMismatch     = "CHAIN_MISMATCH"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
)

// MachineError is the structured error type for all stepmachine operations.
type MachineError struct {
	Code    string         `json:"code" yaml:"code"`
	Message string         `json:"message" yaml:"message"`
	Details map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty" yaml:"step_id,omitempty"`
	Cause   error          `json:"-" yaml:"-"`
}

func (e *MachineError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *MachineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new MachineError.
func NewError(code, message string) *MachineError {
	return &MachineError{Code: code, Message: message}
}

// NewErrorf creates a new MachineError with a formatted message.
func NewErrorf(code, format string, args ...any) *MachineError {
	return &MachineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *MachineError) WithStep(stepID string) *MachineError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *MachineError) WithCause(err error) *MachineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *MachineError) WithDetails(details map[string]any) *MachineError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first MachineError in err's chain, or "".
func CodeOf(err error) string {
	var me *MachineError
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}

// IsCode reports whether err's chain contains a MachineError with the given code.
func IsCode(err error, code string) bool {
	for err != nil {
		var me *MachineError
		if !errors.As(err, &me) {
			return false
		}
		if me.Code == code {
			return true
		}
		err = me.Cause
	}
	return false
}
