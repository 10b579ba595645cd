package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Prophet73/aihub/pkg/logger"
	"github.com/Prophet73/aihub/pkg/models"
)

// MemoryStore implements Store with in-memory maps. It is thread-safe and
// suitable for development and testing; production deployments use the
// PostgreSQL backend.
type MemoryStore struct {
	mu sync.RWMutex

	// apps is keyed by application ID with secondary indexes on the public
	// client ID and the slug for O(1) lookup on the hot token path.
	apps         map[uuid.UUID]*models.Application
	appsByClient map[string]uuid.UUID
	appsBySlug   map[string]uuid.UUID

	// codes is keyed by the opaque code string. Consumed codes stay until
	// the sweeper removes them so replayed redemptions can be told apart
	// from unknown codes.
	codes map[string]*models.AuthorizationCode

	// tokens is keyed by the opaque token string with a secondary index by
	// token ID for revocation.
	tokens     map[string]*models.Token
	tokensByID map[uuid.UUID]string

	users        map[uuid.UUID]*models.User
	usersByEmail map[string]uuid.UUID

	groups map[uuid.UUID]*models.UserGroup

	// members maps group ID -> set of member user IDs.
	members map[uuid.UUID]map[uuid.UUID]struct{}

	grants map[uuid.UUID]*models.ApplicationAccess

	// audit and logins are append-only, newest last.
	audit  []*models.AuditLog
	logins []*models.LoginHistory

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryStoreOption configures a MemoryStore instance.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets a custom sweep interval.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStore creates a MemoryStore with initialized maps and starts the
// background sweep goroutine.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		apps:            make(map[uuid.UUID]*models.Application),
		appsByClient:    make(map[string]uuid.UUID),
		appsBySlug:      make(map[string]uuid.UUID),
		codes:           make(map[string]*models.AuthorizationCode),
		tokens:          make(map[string]*models.Token),
		tokensByID:      make(map[uuid.UUID]string),
		users:           make(map[uuid.UUID]*models.User),
		usersByEmail:    make(map[string]uuid.UUID),
		groups:          make(map[uuid.UUID]*models.UserGroup),
		members:         make(map[uuid.UUID]map[uuid.UUID]struct{}),
		grants:          make(map[uuid.UUID]*models.ApplicationAccess),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStore) Health(_ context.Context) error {
	return nil
}

// Close stops the background sweep goroutine and waits for it to finish.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

// WithTx runs fn directly. The in-memory backend has no transactions; each
// operation is individually atomic, which is sufficient for tests.
func (s *MemoryStore) WithTx(_ context.Context, fn func(Store) error) error {
	return fn(s)
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			now := time.Now()
			codes, _ := s.DeleteExpiredCodes(context.Background(), now)
			tokens, _ := s.DeleteDeadTokens(context.Background(), now)
			if codes > 0 || tokens > 0 {
				logger.Debugw("swept expired entries", "codes", codes, "tokens", tokens)
			}
		}
	}
}

// Defensive copy helpers. Stored values are never handed out directly so
// callers cannot mutate storage state through aliases.

func copyApp(a *models.Application) *models.Application {
	c := *a
	c.RedirectURIs = slices.Clone(a.RedirectURIs)
	c.AllowedDepartments = slices.Clone(a.AllowedDepartments)
	return &c
}

func copyCode(c *models.AuthorizationCode) *models.AuthorizationCode {
	out := *c
	out.Scopes = slices.Clone(c.Scopes)
	if c.ConsumedAt != nil {
		t := *c.ConsumedAt
		out.ConsumedAt = &t
	}
	return &out
}

func copyToken(t *models.Token) *models.Token {
	out := *t
	out.Scopes = slices.Clone(t.Scopes)
	if t.RevokedAt != nil {
		at := *t.RevokedAt
		out.RevokedAt = &at
	}
	return &out
}

func copyUser(u *models.User) *models.User {
	c := *u
	c.SSOGroups = slices.Clone(u.SSOGroups)
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		c.LastLoginAt = &t
	}
	return &c
}

func copyGroup(g *models.UserGroup) *models.UserGroup {
	c := *g
	if g.CreatedBy != nil {
		id := *g.CreatedBy
		c.CreatedBy = &id
	}
	return &c
}

func copyGrant(g *models.ApplicationAccess) *models.ApplicationAccess {
	c := *g
	if g.UserID != nil {
		id := *g.UserID
		c.UserID = &id
	}
	if g.GroupID != nil {
		id := *g.GroupID
		c.GroupID = &id
	}
	if g.GrantedBy != nil {
		id := *g.GrantedBy
		c.GrantedBy = &id
	}
	return &c
}

func copyAudit(a *models.AuditLog) *models.AuditLog {
	c := *a
	if a.UserID != nil {
		id := *a.UserID
		c.UserID = &id
	}
	if a.EntityID != nil {
		id := *a.EntityID
		c.EntityID = &id
	}
	c.OldValues = maps.Clone(a.OldValues)
	c.NewValues = maps.Clone(a.NewValues)
	return &c
}

func copyLogin(l *models.LoginHistory) *models.LoginHistory {
	c := *l
	if l.UserID != nil {
		id := *l.UserID
		c.UserID = &id
	}
	return &c
}

// -----------------------
// ClientStore
// -----------------------

// CreateApplication stores a new application.
func (s *MemoryStore) CreateApplication(_ context.Context, app *models.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.appsBySlug[app.Slug]; exists {
		return fmt.Errorf("%w: slug %q", ErrAlreadyExists, app.Slug)
	}
	if _, exists := s.appsByClient[app.ClientID]; exists {
		return fmt.Errorf("%w: client_id", ErrAlreadyExists)
	}

	s.apps[app.ID] = copyApp(app)
	s.appsByClient[app.ClientID] = app.ID
	s.appsBySlug[app.Slug] = app.ID
	return nil
}

// GetApplication retrieves an application by its internal ID.
func (s *MemoryStore) GetApplication(_ context.Context, id uuid.UUID) (*models.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.apps[id]
	if !ok {
		return nil, fmt.Errorf("%w: application", ErrNotFound)
	}
	return copyApp(app), nil
}

// GetApplicationByClientID retrieves an application by its public client ID.
func (s *MemoryStore) GetApplicationByClientID(_ context.Context, clientID string) (*models.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.appsByClient[clientID]
	if !ok {
		logger.Debugw("client not found", "client_id", clientID)
		return nil, fmt.Errorf("%w: application", ErrNotFound)
	}
	return copyApp(s.apps[id]), nil
}

// GetApplicationBySlug retrieves an application by its slug.
func (s *MemoryStore) GetApplicationBySlug(_ context.Context, slug string) (*models.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.appsBySlug[slug]
	if !ok {
		return nil, fmt.Errorf("%w: application", ErrNotFound)
	}
	return copyApp(s.apps[id]), nil
}

// ListApplications returns all applications sorted by name.
func (s *MemoryStore) ListApplications(_ context.Context, includeInactive bool) ([]*models.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Application, 0, len(s.apps))
	for _, app := range s.apps {
		if !includeInactive && !app.IsActive {
			continue
		}
		out = append(out, copyApp(app))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateApplication persists changes to an existing application.
func (s *MemoryStore) UpdateApplication(_ context.Context, app *models.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.apps[app.ID]
	if !ok {
		return fmt.Errorf("%w: application", ErrNotFound)
	}
	if app.Slug != old.Slug {
		if _, taken := s.appsBySlug[app.Slug]; taken {
			return fmt.Errorf("%w: slug %q", ErrAlreadyExists, app.Slug)
		}
		delete(s.appsBySlug, old.Slug)
		s.appsBySlug[app.Slug] = app.ID
	}
	s.apps[app.ID] = copyApp(app)
	return nil
}

// DeleteApplication removes an application and its grants, codes and tokens.
func (s *MemoryStore) DeleteApplication(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.apps[id]
	if !ok {
		return fmt.Errorf("%w: application", ErrNotFound)
	}

	for gid, g := range s.grants {
		if g.ApplicationID == id {
			delete(s.grants, gid)
		}
	}
	for code, c := range s.codes {
		if c.ApplicationID == id {
			delete(s.codes, code)
		}
	}
	for tok, t := range s.tokens {
		if t.ApplicationID == id {
			delete(s.tokens, tok)
			delete(s.tokensByID, t.ID)
		}
	}

	delete(s.appsByClient, app.ClientID)
	delete(s.appsBySlug, app.Slug)
	delete(s.apps, id)
	return nil
}

// -----------------------
// CodeStore
// -----------------------

// CreateAuthCode stores a freshly minted authorization code.
func (s *MemoryStore) CreateAuthCode(_ context.Context, code *models.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.Code]; exists {
		return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
	}
	s.codes[code.Code] = copyCode(code)
	return nil
}

// GetAuthCode retrieves a code without consuming it.
func (s *MemoryStore) GetAuthCode(_ context.Context, code string) (*models.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.codes[code]
	if !ok {
		logger.Debugw("authorization code not found")
		return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
	}
	return copyCode(entry), nil
}

// ConsumeAuthCode atomically marks the code as redeemed.
func (s *MemoryStore) ConsumeAuthCode(_ context.Context, code string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.codes[code]
	if !ok {
		return fmt.Errorf("%w: authorization code", ErrNotFound)
	}
	if entry.ConsumedAt != nil {
		return ErrCodeConsumed
	}
	at := now
	entry.ConsumedAt = &at
	return nil
}

// DeleteExpiredCodes removes codes past their lifetime at the cutoff.
func (s *MemoryStore) DeleteExpiredCodes(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for code, entry := range s.codes {
		if cutoff.After(entry.ExpiresAt) {
			delete(s.codes, code)
			n++
		}
	}
	return n, nil
}

// -----------------------
// TokenStore
// -----------------------

// CreateTokenPair stores an access and refresh token atomically.
func (s *MemoryStore) CreateTokenPair(_ context.Context, access, refresh *models.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertTokensLocked(access, refresh)
}

func (s *MemoryStore) insertTokensLocked(toks ...*models.Token) error {
	for _, t := range toks {
		if _, exists := s.tokens[t.Token]; exists {
			return fmt.Errorf("%w: token", ErrAlreadyExists)
		}
	}
	for _, t := range toks {
		s.tokens[t.Token] = copyToken(t)
		s.tokensByID[t.ID] = t.Token
	}
	return nil
}

// GetToken retrieves a token by its opaque string value.
func (s *MemoryStore) GetToken(_ context.Context, token string) (*models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.tokens[token]
	if !ok {
		logger.Debugw("token not found")
		return nil, fmt.Errorf("%w: token", ErrNotFound)
	}
	return copyToken(entry), nil
}

// RevokeToken sets the revocation timestamp on a live token.
func (s *MemoryStore) RevokeToken(_ context.Context, id uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.revokeTokenLocked(id, now)
}

func (s *MemoryStore) revokeTokenLocked(id uuid.UUID, now time.Time) error {
	key, ok := s.tokensByID[id]
	if !ok {
		return fmt.Errorf("%w: token", ErrNotFound)
	}
	entry := s.tokens[key]
	if entry.RevokedAt == nil {
		at := now
		entry.RevokedAt = &at
	}
	return nil
}

// RotateRefreshToken atomically revokes the old refresh token and stores the
// replacement pair.
func (s *MemoryStore) RotateRefreshToken(_ context.Context, oldRefreshID uuid.UUID, access, refresh *models.Token, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.revokeTokenLocked(oldRefreshID, now); err != nil {
		return err
	}
	return s.insertTokensLocked(access, refresh)
}

// RevokeUserTokens revokes every live token belonging to a user.
func (s *MemoryStore) RevokeUserTokens(_ context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, entry := range s.tokens {
		if entry.UserID == userID && entry.RevokedAt == nil {
			at := now
			entry.RevokedAt = &at
			n++
		}
	}
	return n, nil
}

// CountActiveTokens counts tokens that are neither expired nor revoked.
func (s *MemoryStore) CountActiveTokens(_ context.Context, now time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, entry := range s.tokens {
		if entry.Live(now) {
			n++
		}
	}
	return n, nil
}

// DeleteDeadTokens removes tokens that are expired or revoked at the cutoff.
func (s *MemoryStore) DeleteDeadTokens(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, entry := range s.tokens {
		if entry.RevokedAt != nil || cutoff.After(entry.ExpiresAt) {
			delete(s.tokens, key)
			delete(s.tokensByID, entry.ID)
			n++
		}
	}
	return n, nil
}

// -----------------------
// UserStore
// -----------------------

// UpsertUser creates the user keyed by email or refreshes profile fields of
// an existing one.
func (s *MemoryStore) UpsertUser(_ context.Context, user *models.User) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(user.Email)
	if id, exists := s.usersByEmail[email]; exists {
		existing := s.users[id]
		existing.DisplayName = user.DisplayName
		existing.FirstName = user.FirstName
		existing.LastName = user.LastName
		existing.MiddleName = user.MiddleName
		existing.Department = user.Department
		existing.JobTitle = user.JobTitle
		existing.SSOGroups = slices.Clone(user.SSOGroups)
		existing.UpdatedAt = time.Now()
		return copyUser(existing), nil
	}

	stored := copyUser(user)
	stored.Email = email
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.users[stored.ID] = stored
	s.usersByEmail[email] = stored.ID
	return copyUser(stored), nil
}

// GetUser retrieves a user by internal ID.
func (s *MemoryStore) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user", ErrNotFound)
	}
	return copyUser(user), nil
}

// GetUserByEmail retrieves a user by lowercase email.
func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByEmail[strings.ToLower(email)]
	if !ok {
		return nil, fmt.Errorf("%w: user", ErrNotFound)
	}
	return copyUser(s.users[id]), nil
}

func matchesUserFilter(u *models.User, f UserFilter) bool {
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(u.Email), needle) &&
			!strings.Contains(strings.ToLower(u.DisplayName), needle) {
			return false
		}
	}
	if f.Department != "" && u.Department != f.Department {
		return false
	}
	if f.IsActive != nil && u.IsActive != *f.IsActive {
		return false
	}
	return true
}

// ListUsers returns the filtered page plus the total match count.
func (s *MemoryStore) ListUsers(_ context.Context, filter UserFilter) ([]*models.User, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.User
	for _, u := range s.users {
		if matchesUserFilter(u, filter) {
			matched = append(matched, u)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Email < matched[j].Email })

	total := len(matched)
	matched = pageSlice(matched, filter.Offset, filter.Limit)

	out := make([]*models.User, len(matched))
	for i, u := range matched {
		out[i] = copyUser(u)
	}
	return out, total, nil
}

func pageSlice[T any](in []T, offset, limit int) []T {
	if offset >= len(in) {
		return nil
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

// UpdateUser persists changes to an existing user.
func (s *MemoryStore) UpdateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.users[user.ID]
	if !ok {
		return fmt.Errorf("%w: user", ErrNotFound)
	}
	if !strings.EqualFold(old.Email, user.Email) {
		delete(s.usersByEmail, old.Email)
		s.usersByEmail[strings.ToLower(user.Email)] = user.ID
	}
	stored := copyUser(user)
	stored.Email = strings.ToLower(user.Email)
	s.users[user.ID] = stored
	return nil
}

// SetLastLogin records a successful login timestamp.
func (s *MemoryStore) SetLastLogin(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return fmt.Errorf("%w: user", ErrNotFound)
	}
	t := at
	user.LastLoginAt = &t
	return nil
}

// ListDepartments returns the distinct non-empty departments sorted.
func (s *MemoryStore) ListDepartments(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, u := range s.users {
		if u.Department != "" {
			seen[u.Department] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out, nil
}

// -----------------------
// GroupStore
// -----------------------

// CreateGroup stores a new group.
func (s *MemoryStore) CreateGroup(_ context.Context, group *models.UserGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range s.groups {
		if g.Name == group.Name {
			return fmt.Errorf("%w: group %q", ErrAlreadyExists, group.Name)
		}
	}
	s.groups[group.ID] = copyGroup(group)
	s.members[group.ID] = make(map[uuid.UUID]struct{})
	return nil
}

// GetGroup retrieves a group by ID.
func (s *MemoryStore) GetGroup(_ context.Context, id uuid.UUID) (*models.UserGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	group, ok := s.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: group", ErrNotFound)
	}
	return copyGroup(group), nil
}

// ListGroups returns all groups sorted by name.
func (s *MemoryStore) ListGroups(_ context.Context) ([]*models.UserGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.UserGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, copyGroup(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateGroup persists changes to an existing group.
func (s *MemoryStore) UpdateGroup(_ context.Context, group *models.UserGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[group.ID]; !ok {
		return fmt.Errorf("%w: group", ErrNotFound)
	}
	for _, g := range s.groups {
		if g.ID != group.ID && g.Name == group.Name {
			return fmt.Errorf("%w: group %q", ErrAlreadyExists, group.Name)
		}
	}
	s.groups[group.ID] = copyGroup(group)
	return nil
}

// DeleteGroup removes the group, its memberships and its grants.
func (s *MemoryStore) DeleteGroup(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[id]; !ok {
		return fmt.Errorf("%w: group", ErrNotFound)
	}
	for gid, g := range s.grants {
		if g.GroupID != nil && *g.GroupID == id {
			delete(s.grants, gid)
		}
	}
	delete(s.members, id)
	delete(s.groups, id)
	return nil
}

// AddGroupMembers adds users to a group.
func (s *MemoryStore) AddGroupMembers(_ context.Context, groupID uuid.UUID, userIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.members[groupID]
	if !ok {
		return fmt.Errorf("%w: group", ErrNotFound)
	}
	for _, uid := range userIDs {
		if _, exists := s.users[uid]; !exists {
			return fmt.Errorf("%w: user %s", ErrNotFound, uid)
		}
		set[uid] = struct{}{}
	}
	return nil
}

// RemoveGroupMembers removes users from a group.
func (s *MemoryStore) RemoveGroupMembers(_ context.Context, groupID uuid.UUID, userIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.members[groupID]
	if !ok {
		return fmt.Errorf("%w: group", ErrNotFound)
	}
	for _, uid := range userIDs {
		delete(set, uid)
	}
	return nil
}

// ListGroupMembers returns the member user IDs of a group.
func (s *MemoryStore) ListGroupMembers(_ context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.members[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: group", ErrNotFound)
	}
	out := make([]uuid.UUID, 0, len(set))
	for uid := range set {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// ListUserGroupIDs returns the IDs of every group the user belongs to.
func (s *MemoryStore) ListUserGroupIDs(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []uuid.UUID
	for gid, set := range s.members {
		if _, ok := set[userID]; ok {
			out = append(out, gid)
		}
	}
	return out, nil
}

// -----------------------
// AccessStore
// -----------------------

// GrantAccess stores a grant row.
func (s *MemoryStore) GrantAccess(_ context.Context, grant *models.ApplicationAccess) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range s.grants {
		if g.ApplicationID != grant.ApplicationID {
			continue
		}
		if grant.UserID != nil && g.UserID != nil && *g.UserID == *grant.UserID {
			return fmt.Errorf("%w: grant", ErrAlreadyExists)
		}
		if grant.GroupID != nil && g.GroupID != nil && *g.GroupID == *grant.GroupID {
			return fmt.Errorf("%w: grant", ErrAlreadyExists)
		}
	}
	s.grants[grant.ID] = copyGrant(grant)
	return nil
}

// RevokeAccess removes a grant row by ID.
func (s *MemoryStore) RevokeAccess(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.grants[id]; !ok {
		return fmt.Errorf("%w: grant", ErrNotFound)
	}
	delete(s.grants, id)
	return nil
}

// ListApplicationGrants returns all grant rows for an application.
func (s *MemoryStore) ListApplicationGrants(_ context.Context, appID uuid.UUID) ([]*models.ApplicationAccess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ApplicationAccess
	for _, g := range s.grants {
		if g.ApplicationID == appID {
			out = append(out, copyGrant(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// HasDirectGrant reports whether the user holds a direct grant.
func (s *MemoryStore) HasDirectGrant(_ context.Context, appID, userID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, g := range s.grants {
		if g.ApplicationID == appID && g.UserID != nil && *g.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// HasGroupGrant reports whether any of the given groups holds a grant.
func (s *MemoryStore) HasGroupGrant(_ context.Context, appID uuid.UUID, groupIDs []uuid.UUID) (bool, error) {
	if len(groupIDs) == 0 {
		return false, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, g := range s.grants {
		if g.ApplicationID != appID || g.GroupID == nil {
			continue
		}
		if slices.Contains(groupIDs, *g.GroupID) {
			return true, nil
		}
	}
	return false, nil
}

// -----------------------
// AuditSink and LoginSink
// -----------------------

// RecordAudit appends an audit row.
func (s *MemoryStore) RecordAudit(_ context.Context, entry *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, copyAudit(entry))
	return nil
}

// ListAudit returns the filtered page, newest first.
func (s *MemoryStore) ListAudit(_ context.Context, filter AuditFilter) ([]*models.AuditLog, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.AuditLog
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if filter.UserID != nil && (e.UserID == nil || *e.UserID != *filter.UserID) {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.EntityType != "" && e.EntityType != filter.EntityType {
			continue
		}
		matched = append(matched, e)
	}

	total := len(matched)
	matched = pageSlice(matched, filter.Offset, filter.Limit)

	out := make([]*models.AuditLog, len(matched))
	for i, e := range matched {
		out[i] = copyAudit(e)
	}
	return out, total, nil
}

// RecordLogin appends a login history row.
func (s *MemoryStore) RecordLogin(_ context.Context, entry *models.LoginHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logins = append(s.logins, copyLogin(entry))
	return nil
}

// ListLogins returns the filtered page, newest first.
func (s *MemoryStore) ListLogins(_ context.Context, filter LoginFilter) ([]*models.LoginHistory, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.LoginHistory
	for i := len(s.logins) - 1; i >= 0; i-- {
		e := s.logins[i]
		if filter.UserID != nil && (e.UserID == nil || *e.UserID != *filter.UserID) {
			continue
		}
		if filter.LoginType != "" && e.LoginType != filter.LoginType {
			continue
		}
		if filter.Success != nil && e.Success != *filter.Success {
			continue
		}
		matched = append(matched, e)
	}

	total := len(matched)
	matched = pageSlice(matched, filter.Offset, filter.Limit)

	out := make([]*models.LoginHistory, len(matched))
	for i, e := range matched {
		out[i] = copyLogin(e)
	}
	return out, total, nil
}

// GetLoginStats summarizes login activity since the cutoff.
func (s *MemoryStore) GetLoginStats(_ context.Context, since time.Time) (*LoginStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &LoginStats{}
	unique := make(map[uuid.UUID]struct{})
	for _, e := range s.logins {
		if e.CreatedAt.Before(since) {
			continue
		}
		stats.Total++
		if e.Success {
			stats.Succeeded++
			if e.UserID != nil {
				unique[*e.UserID] = struct{}{}
			}
		} else {
			stats.Failed++
		}
	}
	stats.Unique = int64(len(unique))
	return stats, nil
}

// GetStats assembles the admin dashboard counters.
func (s *MemoryStore) GetStats(_ context.Context, now time.Time) (*StatsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &StatsSnapshot{
		TotalApplications: int64(len(s.apps)),
	}
	for _, u := range s.users {
		snap.TotalUsers++
		if u.IsActive {
			snap.ActiveUsers++
		}
	}
	for _, t := range s.tokens {
		if t.Live(now) {
			snap.ActiveTokens++
		}
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for _, e := range s.logins {
		if e.Success && !e.CreatedAt.Before(midnight) {
			snap.LoginsToday++
		}
	}
	return snap, nil
}

// Compile-time interface compliance check
var _ Store = (*MemoryStore)(nil)
