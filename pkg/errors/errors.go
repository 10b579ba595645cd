// Package errors defines the typed application errors used across the
// identity core and the helpers the HTTP layer uses to map them to status
// codes.
package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrValidation is returned for malformed input or missing required fields
	ErrValidation = "validation"

	// ErrAuth is returned for unknown or unverifiable credentials
	ErrAuth = "auth"

	// ErrPolicy is returned when an authenticated caller is not authorized
	ErrPolicy = "policy"

	// ErrNotFound is returned when an entity lookup fails
	ErrNotFound = "not_found"

	// ErrConflict is returned on unique-constraint violations
	ErrConflict = "conflict"

	// ErrRateLimited is returned when a rate-limit budget is exhausted
	ErrRateLimited = "rate_limited"

	// ErrUpstream is returned when an upstream service failed or timed out
	ErrUpstream = "upstream"

	// ErrInternal is returned when there is an unexpected internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *Error {
	return NewError(ErrValidation, message, cause)
}

// NewAuthError creates a new auth error
func NewAuthError(message string, cause error) *Error {
	return NewError(ErrAuth, message, cause)
}

// NewPolicyError creates a new policy error
func NewPolicyError(message string, cause error) *Error {
	return NewError(ErrPolicy, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewConflictError creates a new conflict error
func NewConflictError(message string, cause error) *Error {
	return NewError(ErrConflict, message, cause)
}

// NewRateLimitedError creates a new rate limited error
func NewRateLimitedError(message string, cause error) *Error {
	return NewError(ErrRateLimited, message, cause)
}

// NewUpstreamError creates a new upstream error
func NewUpstreamError(message string, cause error) *Error {
	return NewError(ErrUpstream, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// typeOf extracts the application error type, walking the wrap chain.
func typeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool {
	return typeOf(err) == ErrValidation
}

// IsAuth checks if the error is an auth error
func IsAuth(err error) bool {
	return typeOf(err) == ErrAuth
}

// IsPolicy checks if the error is a policy error
func IsPolicy(err error) bool {
	return typeOf(err) == ErrPolicy
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return typeOf(err) == ErrNotFound
}

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool {
	return typeOf(err) == ErrConflict
}

// IsRateLimited checks if the error is a rate limited error
func IsRateLimited(err error) bool {
	return typeOf(err) == ErrRateLimited
}

// IsUpstream checks if the error is an upstream error
func IsUpstream(err error) bool {
	return typeOf(err) == ErrUpstream
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return typeOf(err) == ErrInternal
}
