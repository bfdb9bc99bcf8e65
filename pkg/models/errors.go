package models

import "fmt"

// ValidationError marks malformed caller input. It is surfaced before
// any subprocess is spawned and is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Reason)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a named input field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ExecutionError marks a subprocess failure: spawn error, non-zero exit,
// unparsable output, or timeout. The original diagnostic text is preserved
// verbatim so a human reader can recover the underlying cause.
type ExecutionError struct {
	Reason   string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecutionError) Error() string {
	msg := e.Reason
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.ExitCode != 0 {
		msg = fmt.Sprintf("%s (exit code %d)", msg, e.ExitCode)
	}
	if e.Stderr != "" {
		msg = fmt.Sprintf("%s\nstderr: %s", msg, e.Stderr)
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }
