package engine

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass categorizes oracle failures for retry and failover decisions.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassUnavailable     ErrorClass = "UNAVAILABLE"
	ErrorClassMalformed       ErrorClass = "MALFORMED"
	ErrorClassUnknown         ErrorClass = "UNKNOWN"
)

// ErrMalformedReply is returned by oracles whose reply cannot be used.
var ErrMalformedReply = errors.New("oracle: malformed reply")

// ClassifyError maps a provider error onto an ErrorClass by inspecting
// sentinel errors first and then well-known message fragments.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	if errors.Is(err, ErrMalformedReply) {
		return ErrorClassMalformed
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "401", "unauthorized", "invalid key", "invalid api key", "forbidden", "403"):
		return ErrorClassAuth
	case containsAny(msg, "429", "rate limit", "rate_limit", "quota", "too many requests"):
		return ErrorClassRateLimit
	case containsAny(msg, "deadline exceeded", "timeout", "timed out"):
		return ErrorClassTimeout
	case containsAny(msg, "billing", "payment", "insufficient funds"):
		return ErrorClassBilling
	case containsAny(msg, "context_length", "context length", "token limit", "max tokens", "maximum context", "context window"):
		return ErrorClassContextOverflow
	case containsAny(msg, "connection refused", "no such host", "502", "503", "504", "unavailable", "overloaded", "eof"):
		return ErrorClassUnavailable
	}
	return ErrorClassUnknown
}

// Retryable reports whether repeating the same request could succeed.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrorClassAuth, ErrorClassBilling, ErrorClassContextOverflow:
		return false
	}
	return true
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
