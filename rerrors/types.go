// Package rerrors defines the coded error taxonomy shared by the oracle
// layer and its callers. Everything below the provider facade may return
// these; the facade converts them into caller-visible error strings.
package rerrors

import (
	"fmt"
)

// Code classifies an error by the subsystem and failure class it came from.
type Code string

const (
	// CodeConfig indicates invalid or missing configuration.
	CodeConfig Code = "CONFIG"

	// CodeNetwork indicates the RPC endpoint was unreachable.
	CodeNetwork Code = "NETWORK"

	// CodeRPC indicates a request reached the endpoint but failed there.
	CodeRPC Code = "RPC"

	// CodeSubmission indicates a transaction could not be submitted.
	CodeSubmission Code = "SUBMISSION"

	// CodeConfirmation indicates a submitted transaction was not confirmed
	// or reverted on chain.
	CodeConfirmation Code = "CONFIRMATION"

	// CodeTimeout indicates a watch deadline elapsed.
	CodeTimeout Code = "TIMEOUT"

	// CodeDecode indicates a block or event could not be decoded.
	CodeDecode Code = "DECODE"

	// CodeStorage indicates a journal/database failure.
	CodeStorage Code = "STORAGE"

	// CodeCancelled indicates the request was cancelled by the caller.
	CodeCancelled Code = "CANCELLED"

	// CodeInternal indicates an unexpected internal failure.
	CodeInternal Code = "INTERNAL"
)

// Severity ranks an error for log triage.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// CodedError is an error with a code, severity, and optional context.
// It wraps an underlying cause so errors.Is/As keep working through it.
type CodedError struct {
	Code     Code                   `json:"code"`
	Message  string                 `json:"message"`
	Severity Severity               `json:"severity"`
	Cause    error                  `json:"-"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// New creates a CodedError with the default severity for its code.
func New(code Code, message string, cause error) *CodedError {
	return &CodedError{
		Code:     code,
		Message:  message,
		Severity: defaultSeverity(code),
		Cause:    cause,
	}
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key/value pair to the error.
func (e *CodedError) WithContext(key string, value interface{}) *CodedError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSeverity overrides the default severity.
func (e *CodedError) WithSeverity(severity Severity) *CodedError {
	e.Severity = severity
	return e
}

// IsRetryable reports whether retrying the same operation may succeed.
func (e *CodedError) IsRetryable() bool {
	switch e.Code {
	case CodeNetwork, CodeRPC, CodeTimeout:
		return true
	default:
		return false
	}
}

func defaultSeverity(code Code) Severity {
	switch code {
	case CodeInternal:
		return SeverityCritical
	case CodeSubmission, CodeConfirmation, CodeStorage:
		return SeverityHigh
	case CodeNetwork, CodeRPC, CodeTimeout:
		return SeverityMedium
	case CodeConfig, CodeDecode:
		return SeverityLow
	case CodeCancelled:
		return SeverityInfo
	default:
		return SeverityInfo
	}
}

// Convenience constructors for the common codes.

// NewConfigError creates a configuration error.
func NewConfigError(message string) *CodedError {
	return New(CodeConfig, message, nil)
}

// NewNetworkError creates a network error.
func NewNetworkError(message string, cause error) *CodedError {
	return New(CodeNetwork, message, cause)
}

// NewRPCError creates an RPC error.
func NewRPCError(message string, cause error) *CodedError {
	return New(CodeRPC, message, cause)
}

// NewSubmissionError creates a submission error.
func NewSubmissionError(message string, cause error) *CodedError {
	return New(CodeSubmission, message, cause)
}

// NewConfirmationError creates a confirmation error.
func NewConfirmationError(message string) *CodedError {
	return New(CodeConfirmation, message, nil)
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(message string) *CodedError {
	return New(CodeTimeout, message, nil)
}

// NewDecodeError creates a decode error.
func NewDecodeError(message string, cause error) *CodedError {
	return New(CodeDecode, message, cause)
}

// NewStorageError creates a storage error.
func NewStorageError(message string, cause error) *CodedError {
	return New(CodeStorage, message, cause)
}

// NewCancelledError creates a cancellation error.
func NewCancelledError(message string) *CodedError {
	return New(CodeCancelled, message, nil)
}

// NewInternalError creates an internal error.
func NewInternalError(message string, cause error) *CodedError {
	return New(CodeInternal, message, cause)
}
