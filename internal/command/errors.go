package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// UnregisteredCommandError is returned by Execute for an unknown name.
type UnregisteredCommandError struct {
	Name string
}

// Error implements the error interface.
func (e *UnregisteredCommandError) Error() string {
	return fmt.Sprintf("command %q is not registered", e.Name)
}

// FieldError is one validator finding.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) String() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError is returned when a command's validator rejects the
// payload. The handler was not invoked.
type ValidationError struct {
	Command string
	Errors  []FieldError
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.String()
	}
	return fmt.Sprintf("command %q: validation failed: %s", e.Command, strings.Join(msgs, "; "))
}

// EffectError records one failed effect. Effect failures never fail the
// command; they only appear in the execution record.
type EffectError struct {
	Command string
	// Index is the effect's registration position.
	Index int
	Err   error
}

// Error implements the error interface.
func (e *EffectError) Error() string {
	return fmt.Sprintf("command %q: effect %d failed: %v", e.Command, e.Index, e.Err)
}

// Unwrap returns the underlying error.
func (e *EffectError) Unwrap() error {
	return e.Err
}

// MarshalJSON renders the effect index and error message.
func (e *EffectError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Index   int    `json:"index"`
		Message string `json:"message"`
	}{e.Index, e.Err.Error()})
}

// PayloadTypeError is returned by a typed handler that received a payload
// of the wrong Go type.
type PayloadTypeError struct {
	Command string
	Want    string
	Got     string
}

// Error implements the error interface.
func (e *PayloadTypeError) Error() string {
	return fmt.Sprintf("command %q: payload is %s, want %s", e.Command, e.Got, e.Want)
}

// ResultTypeError is returned by Run when the handler's result does not have
// the requested type.
type ResultTypeError struct {
	Command string
	Want    string
	Got     string
}

// Error implements the error interface.
func (e *ResultTypeError) Error() string {
	return fmt.Sprintf("command %q: result is %s, want %s", e.Command, e.Got, e.Want)
}

// IsUnregistered reports whether err wraps an *UnregisteredCommandError.
func IsUnregistered(err error) bool {
	var ue *UnregisteredCommandError
	return errors.As(err, &ue)
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
