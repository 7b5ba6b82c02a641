// Package apperr is the closed set of errors the search engine surfaces to callers.
//
// Codes:
//   - INVALID_QUERY: malformed input, never retried.
//   - RETRIEVER_UNAVAILABLE: no branch could serve the request.
//   - TIMEOUT: the request deadline passed or the caller cancelled; retryable.
//   - DIMENSION_MISMATCH: a query vector does not match the corpus dimensionality.
//   - INTERNAL: anything else.
package apperr

import (
	"errors"
	"fmt"
)

// Code classifies an Error.
type Code string

const (
	CodeInvalidQuery         Code = "INVALID_QUERY"
	CodeRetrieverUnavailable Code = "RETRIEVER_UNAVAILABLE"
	CodeTimeout              Code = "TIMEOUT"
	CodeDimensionMismatch    Code = "DIMENSION_MISMATCH"
	CodeInternal             Code = "INTERNAL"
)

// Error is a coded error with an optional cause.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Cause     error
}

// Sentinels for errors.Is; matching is by code only.
var (
	ErrInvalidQuery         = &Error{Code: CodeInvalidQuery}
	ErrRetrieverUnavailable = &Error{Code: CodeRetrieverUnavailable}
	ErrTimeout              = &Error{Code: CodeTimeout}
	ErrDimensionMismatch    = &Error{Code: CodeDimensionMismatch}
	ErrInternal             = &Error{Code: CodeInternal}
)

func (e *Error) Error() string {
	if e.Message == "" && e.Cause != nil {
		return fmt.Sprintf("[%s] %v", e.Code, e.Cause)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// New creates an error with the given code.
func New(code Code, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: code == CodeTimeout || code == CodeRetrieverUnavailable,
	}
}

// InvalidQuery reports malformed input.
func InvalidQuery(format string, args ...any) *Error {
	return New(CodeInvalidQuery, fmt.Sprintf(format, args...), nil)
}

// Unavailable reports that a retriever (or its backing index) cannot serve.
func Unavailable(what string, cause error) *Error {
	return New(CodeRetrieverUnavailable, what+" unavailable", cause)
}

// Timeout wraps a context error.
func Timeout(cause error) *Error {
	return New(CodeTimeout, "request deadline exceeded", cause)
}

// DimensionMismatch reports a vector of the wrong length.
func DimensionMismatch(want, got int) *Error {
	return New(CodeDimensionMismatch, fmt.Sprintf("expected %d dimensions, got %d", want, got), nil)
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable reports whether the caller may retry.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
