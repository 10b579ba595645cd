// Package models defines the persistent entities of the identity core:
// users, applications, authorization codes, tokens, groups, access grants,
// audit log rows and login history rows.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Token lifetimes and related defaults.
const (
	// AuthCodeTTL is the maximum lifetime of an authorization code.
	AuthCodeTTL = 10 * time.Minute

	// AccessTokenTTL is the default lifetime of an access token.
	AccessTokenTTL = time.Hour

	// RefreshTokenTTL is the default lifetime of a refresh token.
	RefreshTokenTTL = 30 * 24 * time.Hour
)

// PKCE challenge methods (RFC 7636).
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// Token kinds stored in the oauth_tokens table.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Login types recorded in login history.
const (
	LoginTypeSSO            = "sso"
	LoginTypeDev            = "dev"
	LoginTypeOAuthAuthorize = "oauth_authorize"
)

// Audit action tags. The convention is "<entity>.<verb>".
const (
	ActionUserUpdate      = "user.update"
	ActionUserBulk        = "user.bulk" // suffixed with the bulk action name
	ActionGroupCreate     = "group.create"
	ActionGroupUpdate     = "group.update"
	ActionGroupDelete     = "group.delete"
	ActionGroupMembers    = "group.members"
	ActionAccessGrant     = "access.grant"
	ActionAccessRevoke    = "access.revoke"
	ActionAppCreate       = "application.create"
	ActionAppUpdate       = "application.update"
	ActionAppDelete       = "application.delete"
	ActionAppRotateSecret = "application.rotate_secret"
	ActionTokenCleanup    = "token.cleanup"
)

// User is a person authenticated through the upstream SSO. Users are created
// on first successful login and never hard-deleted while referenced.
type User struct {
	ID           uuid.UUID
	Email        string // unique, stored lowercase
	DisplayName  string
	FirstName    string
	LastName     string
	MiddleName   string
	Department   string
	JobTitle     string
	SSOGroups    []string // group names asserted by the upstream IDP
	IsActive     bool
	IsAdmin      bool
	IsSuperAdmin bool
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Name returns the best human-readable name for the user.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Email
}

// Application is a registered OAuth2 relying party.
type Application struct {
	ID                 uuid.UUID
	Name               string
	Slug               string // unique
	Description        string
	BaseURL            string
	IconURL            string
	ClientID           string // public identifier, unique
	ClientSecretHash   string // argon2id hash; plaintext is never stored
	RedirectURIs       []string
	IsActive           bool
	IsPublic           bool     // visible and usable by every active user
	AllowedDepartments []string // empty means no departmental restriction
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AllowsDepartment reports whether the department gate admits dept.
// An empty allow-list admits everyone.
func (a *Application) AllowsDepartment(dept string) bool {
	if len(a.AllowedDepartments) == 0 {
		return true
	}
	for _, d := range a.AllowedDepartments {
		if d == dept {
			return true
		}
	}
	return false
}

// AuthorizationCode is the short-lived single-use artifact minted by the
// authorize endpoint and redeemed at the token endpoint. A code binds the
// redirect URI and client used at issuance; redemption must present the
// identical values.
type AuthorizationCode struct {
	ID            uuid.UUID
	Code          string // high-entropy opaque string
	UserID        uuid.UUID
	ApplicationID uuid.UUID
	RedirectURI   string
	Scopes        []string
	State         string

	// PKCE (RFC 7636). Both fields empty for non-PKCE codes.
	CodeChallenge       string
	CodeChallengeMethod string

	ExpiresAt  time.Time
	ConsumedAt *time.Time // nil until redeemed; set at most once
	CreatedAt  time.Time
}

// Expired reports whether the code is past its lifetime at now.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Consumed reports whether the code has already been redeemed.
func (c *AuthorizationCode) Consumed() bool {
	return c.ConsumedAt != nil
}

// HasPKCE reports whether the code was issued with a PKCE challenge.
func (c *AuthorizationCode) HasPKCE() bool {
	return c.CodeChallenge != ""
}

// Token is an opaque access or refresh token. Access and refresh tokens are
// minted in pairs at code exchange; refresh rotation mints a replacement pair.
type Token struct {
	ID            uuid.UUID
	Token         string // high-entropy opaque string
	TokenType     string // TokenTypeAccess or TokenTypeRefresh
	UserID        uuid.UUID
	ApplicationID uuid.UUID
	Scopes        []string

	// PublicGrant records that the originating grant was a public-client
	// (PKCE, no secret) exchange. Only public grants may refresh without
	// presenting a client secret.
	PublicGrant bool

	ExpiresAt time.Time
	RevokedAt *time.Time // monotonic: once set, never cleared
	CreatedAt time.Time
}

// Live reports whether the token is neither revoked nor expired at now.
func (t *Token) Live(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// UserGroup is a named set of users used to fan out access grants.
type UserGroup struct {
	ID          uuid.UUID
	Name        string // unique
	Description string
	Color       string
	CreatedBy   *uuid.UUID
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ApplicationAccess is a grant row. Exactly one of UserID and GroupID is set.
type ApplicationAccess struct {
	ID            uuid.UUID
	ApplicationID uuid.UUID
	UserID        *uuid.UUID
	GroupID       *uuid.UUID
	GrantedBy     *uuid.UUID
	CreatedAt     time.Time
}

// AuditLog is an append-only record of one admin mutation.
type AuditLog struct {
	ID         uuid.UUID
	UserID     *uuid.UUID // nil after the acting user is deleted
	Action     string
	EntityType string
	EntityID   *uuid.UUID
	OldValues  map[string]any
	NewValues  map[string]any
	IPAddress  string
	UserAgent  string
	CreatedAt  time.Time
}

// LoginHistory is an append-only record of one authentication attempt.
type LoginHistory struct {
	ID            uuid.UUID
	UserID        *uuid.UUID // nil for failed attempts with no resolved user
	LoginType     string
	IPAddress     string
	UserAgent     string
	Success       bool
	FailureReason string
	CreatedAt     time.Time
}
