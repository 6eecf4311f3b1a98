package rerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Wrap wraps an error with additional context. Returns nil for nil input.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// IsCode reports whether err is (or wraps) a CodedError with the given code.
func IsCode(err error, code Code) bool {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code == code
	}
	return false
}

// IsTimeout reports whether err represents an elapsed watch deadline.
func IsTimeout(err error) bool {
	return IsCode(err, CodeTimeout)
}

// IsRetryable reports whether the operation behind err may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.IsRetryable()
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"too many requests",
		"rate limit",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// underpricedPatterns are the node error fragments that mean a transaction
// was rejected for carrying too low a fee. Node implementations disagree on
// the exact wording, so all known variants are matched.
var underpricedPatterns = []string{
	"underpriced",
	"fee too low",
	"gas price below",
	"gas price too low",
	"max fee per gas less than block base fee",
}

// IsUnderpriced reports whether err is the fee-too-low submission failure
// class. The submitter retries this class with an escalated fee; every
// other submission failure aborts immediately.
func IsUnderpriced(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range underpricedPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
