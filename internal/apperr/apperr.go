// Package apperr defines the stable error vocabulary shared by every layer
// between the task store and the wire. Internal causes are retained for logs
// through Unwrap but are never rendered to callers.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a stable, caller-visible error identifier.
type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeNotFound      Code = "NOT_FOUND"
	CodeOwnership     Code = "OWNERSHIP"
	CodeAmbiguous     Code = "AMBIGUOUS_REFERENCE"
	CodeUnknownTool   Code = "UNKNOWN_TOOL"
	CodeToolExecution Code = "TOOL_EXECUTION_ERROR"
	CodeOracle        Code = "ORACLE_ERROR"
	CodeAgentLimit    Code = "AGENT_LIMIT"
	CodePersistence   Code = "PERSISTENCE_ERROR"
	CodeTimeout       Code = "TIMEOUT"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeRateLimited   Code = "RATE_LIMITED"
	CodeInternal      Code = "INTERNAL_ERROR"
)

// Error is a classified failure. Message is safe to show to callers; Err is
// the internal cause and stays server-side.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error with the given code and safe message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap returns an Error that carries cause for logging.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Err: cause}
}

func Validation(format string, args ...any) *Error {
	return New(CodeValidation, fmt.Sprintf(format, args...))
}

// NotFound reports a missing entity. what is the entity kind ("task",
// "conversation").
func NotFound(what string) *Error {
	return New(CodeNotFound, what+" not found")
}

// Ownership reports an entity owned by someone else. It renders exactly like
// NotFound so callers cannot probe for other users' data.
func Ownership(what string) *Error {
	return New(CodeOwnership, what+" not found")
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// IsDomain reports whether code is an expected business-rule outcome rather
// than an infrastructure fault.
func IsDomain(code Code) bool {
	switch code {
	case CodeValidation, CodeNotFound, CodeOwnership, CodeAmbiguous:
		return true
	}
	return false
}

// Public is the caller-facing projection of an error.
type Public struct {
	Code    Code   `json:"error_code"`
	Message string `json:"message"`
}

var genericMessages = map[Code]string{
	CodeUnknownTool:   "the assistant requested an unsupported operation",
	CodeToolExecution: "the operation could not be completed",
	CodeOracle:        "the assistant is temporarily unavailable",
	CodeAgentLimit:    "the request needed too many steps; please break it into smaller requests",
	CodePersistence:   "the conversation could not be saved; task changes may already have been applied, re-check before retrying",
	CodeTimeout:       "request timed out; some changes may already have been applied",
	CodeUnauthorized:  "authentication required",
	CodeRateLimited:   "too many requests",
	CodeInternal:      "internal error",
}

// From projects any error into its public form. Ownership collapses into
// NotFound. Non-domain codes always use a fixed message so that wrapped
// driver or provider text cannot leak.
func From(err error) Public {
	var ae *Error
	if !errors.As(err, &ae) {
		return Public{Code: CodeInternal, Message: genericMessages[CodeInternal]}
	}
	code := ae.Code
	if code == CodeOwnership {
		code = CodeNotFound
	}
	if IsDomain(code) {
		msg := ae.Message
		if msg == "" {
			msg = "invalid request"
		}
		return Public{Code: code, Message: msg}
	}
	msg, ok := genericMessages[code]
	if !ok {
		return Public{Code: CodeInternal, Message: genericMessages[CodeInternal]}
	}
	return Public{Code: code, Message: msg}
}
