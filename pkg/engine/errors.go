package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and
// reporting logic.
type ErrorClass string

const (
	// ErrorClassConfig indicates invalid run configuration detected before
	// any attempt. Examples: empty availability-domain list, unreadable
	// configuration directory.
	ErrorClassConfig ErrorClass = "config"

	// ErrorClassCapacity indicates a capacity-exhaustion failure. Expected
	// during a run; drives the retry loop.
	ErrorClassCapacity ErrorClass = "capacity"

	// ErrorClassFatal indicates a provisioning failure that no retry will
	// fix. Examples: bad credentials, malformed terraform configuration.
	ErrorClassFatal ErrorClass = "fatal"

	// ErrorClassCleanup indicates a destroy call failed after a retryable
	// attempt. Logged prominently but does not abort the run by default.
	ErrorClassCleanup ErrorClass = "cleanup"

	// ErrorClassInterrupted indicates the operator cancelled the run.
	ErrorClassInterrupted ErrorClass = "interrupted"
)

// RunError represents a classified error with run context.
type RunError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Domain is the availability domain in use when the error occurred.
	Domain string `json:"domain,omitempty"`

	// Attempt is the 1-based attempt number, if the error occurred inside
	// the retry loop.
	Attempt int `json:"attempt,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *RunError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt=%d, domain=%s)", msg, e.Attempt, e.Domain)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *RunError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *RunError) Is(target error) bool {
	t, ok := target.(*RunError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithAttempt adds attempt context to an error.
func (e *RunError) WithAttempt(attempt int, domain string) *RunError {
	e.Attempt = attempt
	e.Domain = domain
	return e
}

// WithCode adds an error code to an error.
func (e *RunError) WithCode(code string) *RunError {
	e.Code = code
	return e
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassConfig, Message: message, Err: err}
}

// NewCapacityError creates a new retryable capacity error.
func NewCapacityError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassCapacity, Message: message, Err: err}
}

// NewFatalError creates a new fatal provisioning error.
func NewFatalError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassFatal, Message: message, Err: err}
}

// NewCleanupError creates a new cleanup warning error.
func NewCleanupError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassCleanup, Message: message, Err: err}
}

// NewInterruptedError creates a new interruption error.
func NewInterruptedError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassInterrupted, Message: message, Err: err}
}

// IsConfig returns true if the error is classified as a configuration error.
func IsConfig(err error) bool {
	return classOf(err) == ErrorClassConfig
}

// IsCapacity returns true if the error is classified as capacity exhaustion.
func IsCapacity(err error) bool {
	return classOf(err) == ErrorClassCapacity
}

// IsFatal returns true if the error is classified as fatal.
func IsFatal(err error) bool {
	return classOf(err) == ErrorClassFatal
}

// IsInterrupted returns true if the error is classified as an interruption.
func IsInterrupted(err error) bool {
	return classOf(err) == ErrorClassInterrupted
}

func classOf(err error) ErrorClass {
	var e *RunError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNoCapacity      = "NO_CAPACITY"
	ErrCodeTerraformFailed = "TERRAFORM_FAILED"
	ErrCodeDestroyFailed   = "DESTROY_FAILED"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeInterrupted     = "INTERRUPTED"
)
