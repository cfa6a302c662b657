// Package retry wraps pipeline operations with error classification,
// a class-specific recovery action, and a configurable delay schedule.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Class is the closed error taxonomy used to choose a recovery action.
type Class string

const (
	ClassRateLimit     Class = "rate_limit"
	ClassTokenLimit    Class = "token_limit"
	ClassAuth          Class = "auth"
	ClassNetwork       Class = "network"
	ClassTimeout       Class = "timeout"
	ClassGeneration    Class = "generation"
	ClassValidation    Class = "validation"
	ClassToolError     Class = "tool_error"
	ClassUnrecoverable Class = "unrecoverable"
)

// Sentinels callers wrap to classify failures explicitly.
var (
	// ErrValidation marks an explicit validation failure.
	ErrValidation = errors.New("validation failed")

	// ErrToolExecution marks an agentic tool execution failure.
	ErrToolExecution = errors.New("tool execution failed")
)

// HTTPError carries an HTTP status for classification. RetryAfter, when
// positive, is honored for rate-limit delays.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter int // seconds, 0 = not supplied
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Classify maps an error onto the taxonomy. Unknown errors are
// unrecoverable.
func Classify(err error) Class {
	if err == nil {
		return ""
	}

	if errors.Is(err, ErrValidation) {
		return ClassValidation
	}
	if errors.Is(err, ErrToolExecution) {
		return ClassToolError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return ClassRateLimit
		case httpErr.StatusCode == http.StatusUnauthorized,
			httpErr.StatusCode == http.StatusForbidden:
			return ClassAuth
		case httpErr.StatusCode == http.StatusBadRequest && mentionsTokenLimit(httpErr.Message):
			return ClassTokenLimit
		case httpErr.StatusCode >= 500:
			return ClassNetwork
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		return ClassRateLimit
	case mentionsTokenLimit(msg):
		return ClassTokenLimit
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "invalid api key"):
		return ClassAuth
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"), strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "service unavailable"):
		return ClassNetwork
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"):
		return ClassTimeout
	case strings.Contains(msg, "json"), strings.Contains(msg, "parse"),
		strings.Contains(msg, "syntax"), strings.Contains(msg, "unexpected token"),
		strings.Contains(msg, "unmarshal"):
		return ClassGeneration
	default:
		return ClassUnrecoverable
	}
}

func mentionsTokenLimit(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "context length") ||
		strings.Contains(msg, "token limit") ||
		strings.Contains(msg, "too long")
}

// Retryable reports whether the class is ever worth retrying.
// Auth failures and unclassified errors are not.
func Retryable(class Class) bool {
	switch class {
	case ClassAuth, ClassUnrecoverable:
		return false
	default:
		return true
	}
}
