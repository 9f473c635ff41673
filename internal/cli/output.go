package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Scenario or config check failed
	ExitCommandError = 2 // Command error (missing file, unreachable database)
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError attaches an exit code to err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Errors that are not
// ExitErrors map to ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Response is the JSON envelope every command prints with --format json.
type Response struct {
	Status string         `json:"status"` // "ok" or "error"
	Data   any            `json:"data,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

// ResponseError is the error part of a Response.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Printer writes command results as text or JSON.
type Printer struct {
	Format string
	Out    io.Writer
}

// JSON reports whether output is JSON.
func (p Printer) JSON() bool { return p.Format == "json" }

// OK prints data. In text mode text is called to render it.
func (p Printer) OK(data any, text func(w io.Writer)) error {
	if p.JSON() {
		return p.encode(Response{Status: "ok", Data: data})
	}
	text(p.Out)
	return nil
}

// Fail prints an error response. The caller still returns its ExitError.
func (p Printer) Fail(code, message string, data, details any, text func(w io.Writer)) error {
	if p.JSON() {
		return p.encode(Response{
			Status: "error",
			Data:   data,
			Error:  &ResponseError{Code: code, Message: message, Details: details},
		})
	}
	if text != nil {
		text(p.Out)
	}
	fmt.Fprintf(p.Out, "Error [%s]: %s\n", code, message)
	return nil
}

func (p Printer) encode(r Response) error {
	enc := json.NewEncoder(p.Out)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(r)
}

// render prints v as compact JSON.
func render(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
