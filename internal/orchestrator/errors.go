package orchestrator

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes orchestrator errors.
type ErrorCode string

const (
	// ErrCodeValidation indicates the subject ran but its output differed.
	// Never retried.
	ErrCodeValidation ErrorCode = "VALIDATION_FAILURE"

	// ErrCodeExecution indicates the subject failed or returned unusable output.
	ErrCodeExecution ErrorCode = "EXECUTION_ERROR"

	// ErrCodeTimeout indicates the subject did not finish within its timeout.
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeSetup indicates the suite setup hook failed.
	ErrCodeSetup ErrorCode = "SETUP_ERROR"

	// ErrCodeTeardown indicates the suite teardown hook failed.
	ErrCodeTeardown ErrorCode = "TEARDOWN_ERROR"

	// ErrCodeConfiguration indicates a test that cannot run as declared.
	// Never retried.
	ErrCodeConfiguration ErrorCode = "CONFIGURATION_ERROR"

	// ErrCodeFixture indicates the workflow copy could not be prepared.
	ErrCodeFixture ErrorCode = "FIXTURE_ERROR"
)

// Error is the typed error produced by suite and test execution.
type Error struct {
	Code    ErrorCode
	Message string

	// Test names the affected test, empty for suite-level errors.
	Test string

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Test != "" {
		return fmt.Sprintf("%s: %s (test=%s)", e.Code, msg, e.Test)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTimeout reports whether err is a subject timeout.
func IsTimeout(err error) bool {
	return CodeOf(err) == ErrCodeTimeout
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	return CodeOf(err) == ErrCodeConfiguration
}

// IsRetryable reports whether another attempt could succeed. Execution,
// timeout and fixture errors are retryable, as are errors without a code.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case ErrCodeConfiguration, ErrCodeValidation, ErrCodeSetup, ErrCodeTeardown:
		return false
	}
	return true
}
