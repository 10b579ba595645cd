// Package storage provides storage interfaces and implementations for the
// identity core: applications, users, groups, access grants, authorization
// codes, tokens, audit log and login history.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Prophet73/aihub/pkg/models"
)

// Sentinel errors returned by all storage backends.
var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned on unique-constraint violations.
	ErrAlreadyExists = errors.New("already exists")

	// ErrCodeConsumed is returned when an authorization code has already
	// been redeemed.
	ErrCodeConsumed = errors.New("authorization code already consumed")
)

// DefaultCleanupInterval is how often expired codes and tokens are swept.
const DefaultCleanupInterval = 5 * time.Minute

// ClientStore manages registered OAuth2 applications.
type ClientStore interface {
	// CreateApplication stores a new application. Returns ErrAlreadyExists
	// if the slug or client ID is taken.
	CreateApplication(ctx context.Context, app *models.Application) error

	// GetApplication retrieves an application by its internal ID.
	GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error)

	// GetApplicationByClientID retrieves an application by its public
	// client identifier.
	GetApplicationByClientID(ctx context.Context, clientID string) (*models.Application, error)

	// GetApplicationBySlug retrieves an application by its slug.
	GetApplicationBySlug(ctx context.Context, slug string) (*models.Application, error)

	// ListApplications returns all applications sorted by name. Inactive
	// applications are included only when includeInactive is set.
	ListApplications(ctx context.Context, includeInactive bool) ([]*models.Application, error)

	// UpdateApplication persists changes to an existing application.
	UpdateApplication(ctx context.Context, app *models.Application) error

	// DeleteApplication removes an application and its grants, codes and
	// tokens permanently.
	DeleteApplication(ctx context.Context, id uuid.UUID) error
}

// CodeStore manages short-lived single-use authorization codes.
type CodeStore interface {
	// CreateAuthCode stores a freshly minted authorization code.
	CreateAuthCode(ctx context.Context, code *models.AuthorizationCode) error

	// GetAuthCode retrieves a code by its string value without consuming it.
	GetAuthCode(ctx context.Context, code string) (*models.AuthorizationCode, error)

	// ConsumeAuthCode atomically marks the code as redeemed. Returns
	// ErrCodeConsumed if another caller won the race, ErrNotFound if the
	// code does not exist. At most one caller ever succeeds per code.
	ConsumeAuthCode(ctx context.Context, code string, now time.Time) error

	// DeleteExpiredCodes removes codes past their lifetime at the given
	// cutoff. Returns the number of rows removed.
	DeleteExpiredCodes(ctx context.Context, cutoff time.Time) (int64, error)
}

// TokenStore manages opaque access and refresh tokens.
type TokenStore interface {
	// CreateTokenPair stores an access and refresh token atomically.
	CreateTokenPair(ctx context.Context, access, refresh *models.Token) error

	// GetToken retrieves a token by its opaque string value.
	GetToken(ctx context.Context, token string) (*models.Token, error)

	// RevokeToken sets the revocation timestamp on a live token. Revoking
	// an already revoked token is a no-op.
	RevokeToken(ctx context.Context, id uuid.UUID, now time.Time) error

	// RotateRefreshToken atomically revokes the old refresh token and
	// stores the replacement pair. Returns ErrCodeConsumed semantics via
	// ErrNotFound if the old token was already revoked concurrently.
	RotateRefreshToken(ctx context.Context, oldRefreshID uuid.UUID, access, refresh *models.Token, now time.Time) error

	// RevokeUserTokens revokes every live token belonging to a user.
	// Returns the number of tokens revoked.
	RevokeUserTokens(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error)

	// CountActiveTokens counts tokens that are neither expired nor revoked.
	CountActiveTokens(ctx context.Context, now time.Time) (int64, error)

	// DeleteDeadTokens removes tokens that are expired or revoked at the
	// cutoff. Returns the number of rows removed.
	DeleteDeadTokens(ctx context.Context, cutoff time.Time) (int64, error)
}

// UserFilter narrows and pages a user listing.
type UserFilter struct {
	// Search matches case-insensitively against email and display name.
	Search string

	// Department filters by exact department.
	Department string

	// IsActive filters by activity flag when non-nil.
	IsActive *bool

	Limit  int
	Offset int
}

// UserStore manages user accounts created on first SSO login.
type UserStore interface {
	// UpsertUser creates the user keyed by email or refreshes the profile
	// fields of an existing one. Returns the stored user.
	UpsertUser(ctx context.Context, user *models.User) (*models.User, error)

	// GetUser retrieves a user by internal ID.
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)

	// GetUserByEmail retrieves a user by lowercase email.
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	// ListUsers returns the filtered page plus the total match count.
	ListUsers(ctx context.Context, filter UserFilter) ([]*models.User, int, error)

	// UpdateUser persists changes to an existing user.
	UpdateUser(ctx context.Context, user *models.User) error

	// SetLastLogin records a successful login timestamp.
	SetLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error

	// ListDepartments returns the distinct non-empty departments sorted
	// alphabetically.
	ListDepartments(ctx context.Context) ([]string, error)
}

// GroupStore manages user groups and their memberships.
type GroupStore interface {
	CreateGroup(ctx context.Context, group *models.UserGroup) error
	GetGroup(ctx context.Context, id uuid.UUID) (*models.UserGroup, error)
	ListGroups(ctx context.Context) ([]*models.UserGroup, error)
	UpdateGroup(ctx context.Context, group *models.UserGroup) error

	// DeleteGroup removes the group, its memberships and its grants.
	DeleteGroup(ctx context.Context, id uuid.UUID) error

	// AddGroupMembers adds users to a group. Existing memberships are
	// silently kept.
	AddGroupMembers(ctx context.Context, groupID uuid.UUID, userIDs []uuid.UUID) error

	// RemoveGroupMembers removes users from a group. Missing memberships
	// are silently ignored.
	RemoveGroupMembers(ctx context.Context, groupID uuid.UUID, userIDs []uuid.UUID) error

	// ListGroupMembers returns the member user IDs of a group.
	ListGroupMembers(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error)

	// ListUserGroupIDs returns the IDs of every group the user belongs to.
	ListUserGroupIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// AccessStore manages per-user and per-group application grants.
type AccessStore interface {
	// GrantAccess stores a grant row. Returns ErrAlreadyExists when an
	// identical grant is already present.
	GrantAccess(ctx context.Context, grant *models.ApplicationAccess) error

	// RevokeAccess removes a grant row by ID.
	RevokeAccess(ctx context.Context, id uuid.UUID) error

	// ListApplicationGrants returns all grant rows for an application.
	ListApplicationGrants(ctx context.Context, appID uuid.UUID) ([]*models.ApplicationAccess, error)

	// HasDirectGrant reports whether the user holds a direct grant.
	HasDirectGrant(ctx context.Context, appID, userID uuid.UUID) (bool, error)

	// HasGroupGrant reports whether any of the given groups holds a grant.
	HasGroupGrant(ctx context.Context, appID uuid.UUID, groupIDs []uuid.UUID) (bool, error)
}

// AuditFilter narrows and pages an audit log listing.
type AuditFilter struct {
	UserID     *uuid.UUID
	Action     string
	EntityType string
	Limit      int
	Offset     int
}

// LoginFilter narrows and pages a login history listing.
type LoginFilter struct {
	UserID    *uuid.UUID
	LoginType string
	Success   *bool
	Limit     int
	Offset    int
}

// LoginStats summarizes login activity since a cutoff.
type LoginStats struct {
	Total     int64
	Succeeded int64
	Failed    int64
	Unique    int64 // distinct users with at least one successful login
}

// AuditSink records and queries the append-only audit log.
type AuditSink interface {
	// RecordAudit appends an audit row. Callers wrap mutations and their
	// audit rows in WithTx so both commit or neither does.
	RecordAudit(ctx context.Context, entry *models.AuditLog) error

	// ListAudit returns the filtered page, newest first, plus the total
	// match count.
	ListAudit(ctx context.Context, filter AuditFilter) ([]*models.AuditLog, int, error)
}

// LoginSink records and queries the append-only login history.
type LoginSink interface {
	// RecordLogin appends a login history row.
	RecordLogin(ctx context.Context, entry *models.LoginHistory) error

	// ListLogins returns the filtered page, newest first, plus the total
	// match count.
	ListLogins(ctx context.Context, filter LoginFilter) ([]*models.LoginHistory, int, error)

	// GetLoginStats summarizes login activity since the cutoff.
	GetLoginStats(ctx context.Context, since time.Time) (*LoginStats, error)
}

// StatsSnapshot holds the entity counts shown on the admin dashboard.
type StatsSnapshot struct {
	TotalUsers        int64
	ActiveUsers       int64
	TotalApplications int64
	ActiveTokens      int64
	LoginsToday       int64
}

// Store combines every storage capability of the identity core.
type Store interface {
	ClientStore
	CodeStore
	TokenStore
	UserStore
	GroupStore
	AccessStore
	AuditSink
	LoginSink

	// WithTx runs fn against a Store bound to a single transaction.
	// The transaction commits when fn returns nil and rolls back otherwise.
	// The in-memory backend runs fn directly; it exists for development
	// and tests only.
	WithTx(ctx context.Context, fn func(Store) error) error

	// GetStats assembles the admin dashboard counters.
	GetStats(ctx context.Context, now time.Time) (*StatsSnapshot, error)

	// Health reports whether the backing store is reachable.
	Health(ctx context.Context) error

	// Close releases the backing resources.
	Close() error
}
