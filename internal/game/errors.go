package game

import (
	"errors"
	"fmt"
)

// Validation error codes
const (
	CodeInvalidTransition = "invalid_transition"
	CodeNotRunnable       = "not_runnable"
	CodeTurnNotInPlay     = "turn_not_in_play"
	CodeInvalidOptions    = "invalid_options"
	CodeInvalidArgument   = "invalid_argument"
	CodeForbidden         = "forbidden"
)

// ValidationError reports input that does not fit the current state.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Invalid builds a *ValidationError.
func Invalid(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ContractViolation marks a state that normal operation never produces.
// Observing one means a bug elsewhere.
type ContractViolation struct {
	Rule   string
	Detail string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("contract violation (%s): %s", e.Rule, e.Detail)
}

// IsContractViolation reports whether err carries a *ContractViolation.
func IsContractViolation(err error) bool {
	var cv *ContractViolation
	return errors.As(err, &cv)
}
