// Package oauth implements the OAuth2/OIDC provider state machine: code
// issuance, token exchange and refresh, revocation, userinfo and the
// discovery document.
package oauth

import "fmt"

// RFC 6749 error codes used by the token and authorize endpoints.
const (
	ErrCodeInvalidRequest          = "invalid_request"
	ErrCodeInvalidClient           = "invalid_client"
	ErrCodeInvalidGrant            = "invalid_grant"
	ErrCodeUnauthorizedClient      = "unauthorized_client"
	ErrCodeUnsupportedResponseType = "unsupported_response_type"
	ErrCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrCodeServerError             = "server_error"
)

// Error is an RFC 6749 protocol error. The HTTP layer serializes it as
// { error, error_description? } with the matching status code.
type Error struct {
	Code        string
	Description string
	Cause       error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return e.Code
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a protocol error.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

func invalidGrant(description string) *Error {
	return NewError(ErrCodeInvalidGrant, description)
}

func invalidClient(description string) *Error {
	return NewError(ErrCodeInvalidClient, description)
}

func serverError(cause error) *Error {
	return &Error{Code: ErrCodeServerError, Cause: cause}
}
