package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/Prophet73/aihub/pkg/logger"
	"github.com/Prophet73/aihub/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// every store method can run either standalone or inside WithTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements Store on PostgreSQL via lib/pq.
type PostgresStore struct {
	// db is nil on transaction-bound copies created by WithTx.
	db *sql.DB
	q  querier
}

// NewPostgresStore opens a connection pool, verifies connectivity and runs
// any pending migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &PostgresStore{db: db, q: db}, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Health checks database connectivity.
func (s *PostgresStore) Health(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx runs fn against a transaction-bound copy of the store. Calling
// WithTx on an already transaction-bound store reuses the open transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.db == nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&PostgresStore{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Errorw("transaction rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// -----------------------
// ClientStore
// -----------------------

const appColumns = `id, name, slug, description, base_url, icon_url, client_id,
	client_secret_hash, redirect_uris, is_active, is_public,
	allowed_departments, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApp(row rowScanner) (*models.Application, error) {
	var app models.Application
	err := row.Scan(&app.ID, &app.Name, &app.Slug, &app.Description,
		&app.BaseURL, &app.IconURL, &app.ClientID, &app.ClientSecretHash,
		pq.Array(&app.RedirectURIs), &app.IsActive, &app.IsPublic,
		pq.Array(&app.AllowedDepartments), &app.CreatedAt, &app.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: application", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan application: %w", err)
	}
	return &app, nil
}

// CreateApplication stores a new application.
func (s *PostgresStore) CreateApplication(ctx context.Context, app *models.Application) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO applications (id, name, slug, description, base_url,
			icon_url, client_id, client_secret_hash, redirect_uris,
			is_active, is_public, allowed_departments, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		app.ID, app.Name, app.Slug, app.Description, app.BaseURL,
		app.IconURL, app.ClientID, app.ClientSecretHash, pq.Array(app.RedirectURIs),
		app.IsActive, app.IsPublic, pq.Array(app.AllowedDepartments),
		app.CreatedAt, app.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: application", ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert application: %w", err)
	}
	return nil
}

// GetApplication retrieves an application by its internal ID.
func (s *PostgresStore) GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error) {
	return scanApp(s.q.QueryRowContext(ctx,
		`SELECT `+appColumns+` FROM applications WHERE id = $1`, id))
}

// GetApplicationByClientID retrieves an application by its public client ID.
func (s *PostgresStore) GetApplicationByClientID(ctx context.Context, clientID string) (*models.Application, error) {
	return scanApp(s.q.QueryRowContext(ctx,
		`SELECT `+appColumns+` FROM applications WHERE client_id = $1`, clientID))
}

// GetApplicationBySlug retrieves an application by its slug.
func (s *PostgresStore) GetApplicationBySlug(ctx context.Context, slug string) (*models.Application, error) {
	return scanApp(s.q.QueryRowContext(ctx,
		`SELECT `+appColumns+` FROM applications WHERE slug = $1`, slug))
}

// ListApplications returns all applications sorted by name.
func (s *PostgresStore) ListApplications(ctx context.Context, includeInactive bool) ([]*models.Application, error) {
	query := `SELECT ` + appColumns + ` FROM applications`
	if !includeInactive {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY name`

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	defer rows.Close()

	var out []*models.Application
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	return out, rows.Err()
}

// UpdateApplication persists changes to an existing application.
func (s *PostgresStore) UpdateApplication(ctx context.Context, app *models.Application) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE applications SET name = $2, slug = $3, description = $4,
			base_url = $5, icon_url = $6, client_secret_hash = $7,
			redirect_uris = $8, is_active = $9, is_public = $10,
			allowed_departments = $11, updated_at = now()
		WHERE id = $1`,
		app.ID, app.Name, app.Slug, app.Description, app.BaseURL,
		app.IconURL, app.ClientSecretHash, pq.Array(app.RedirectURIs),
		app.IsActive, app.IsPublic, pq.Array(app.AllowedDepartments))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: application", ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to update application: %w", err)
	}
	return requireRow(res, "application")
}

// DeleteApplication removes an application. Grants, codes and tokens cascade.
func (s *PostgresStore) DeleteApplication(ctx context.Context, id uuid.UUID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM applications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete application: %w", err)
	}
	return requireRow(res, "application")
}

func requireRow(res sql.Result, entity string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, entity)
	}
	return nil
}

// -----------------------
// CodeStore
// -----------------------

const codeColumns = `id, code, user_id, application_id, redirect_uri, scopes,
	state, code_challenge, code_challenge_method, expires_at, consumed_at, created_at`

func scanCode(row rowScanner) (*models.AuthorizationCode, error) {
	var c models.AuthorizationCode
	var consumed sql.NullTime
	err := row.Scan(&c.ID, &c.Code, &c.UserID, &c.ApplicationID, &c.RedirectURI,
		pq.Array(&c.Scopes), &c.State, &c.CodeChallenge, &c.CodeChallengeMethod,
		&c.ExpiresAt, &consumed, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan authorization code: %w", err)
	}
	if consumed.Valid {
		c.ConsumedAt = &consumed.Time
	}
	return &c, nil
}

// CreateAuthCode stores a freshly minted authorization code.
func (s *PostgresStore) CreateAuthCode(ctx context.Context, code *models.AuthorizationCode) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO auth_codes (id, code, user_id, application_id,
			redirect_uri, scopes, state, code_challenge,
			code_challenge_method, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		code.ID, code.Code, code.UserID, code.ApplicationID,
		code.RedirectURI, pq.Array(code.Scopes), code.State,
		code.CodeChallenge, code.CodeChallengeMethod, code.ExpiresAt, code.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert authorization code: %w", err)
	}
	return nil
}

// GetAuthCode retrieves a code without consuming it.
func (s *PostgresStore) GetAuthCode(ctx context.Context, code string) (*models.AuthorizationCode, error) {
	return scanCode(s.q.QueryRowContext(ctx,
		`SELECT `+codeColumns+` FROM auth_codes WHERE code = $1`, code))
}

// ConsumeAuthCode atomically marks the code as redeemed. The WHERE guard on
// consumed_at makes concurrent redemptions race on a single row update; only
// one caller ever sees a row affected.
func (s *PostgresStore) ConsumeAuthCode(ctx context.Context, code string, now time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE auth_codes SET consumed_at = $2
		WHERE code = $1 AND consumed_at IS NULL`, code, now)
	if err != nil {
		return fmt.Errorf("failed to consume authorization code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := s.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM auth_codes WHERE code = $1)`, code).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check authorization code: %w", err)
	}
	if exists {
		return ErrCodeConsumed
	}
	return fmt.Errorf("%w: authorization code", ErrNotFound)
}

// DeleteExpiredCodes removes codes past their lifetime at the cutoff.
func (s *PostgresStore) DeleteExpiredCodes(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM auth_codes WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired codes: %w", err)
	}
	return res.RowsAffected()
}

// -----------------------
// TokenStore
// -----------------------

const tokenColumns = `id, token, token_type, user_id, application_id, scopes,
	public_grant, expires_at, revoked_at, created_at`

func scanToken(row rowScanner) (*models.Token, error) {
	var t models.Token
	var revoked sql.NullTime
	err := row.Scan(&t.ID, &t.Token, &t.TokenType, &t.UserID, &t.ApplicationID,
		pq.Array(&t.Scopes), &t.PublicGrant, &t.ExpiresAt, &revoked, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: token", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan token: %w", err)
	}
	if revoked.Valid {
		t.RevokedAt = &revoked.Time
	}
	return &t, nil
}

func (s *PostgresStore) insertToken(ctx context.Context, t *models.Token) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO oauth_tokens (id, token, token_type, user_id,
			application_id, scopes, public_grant, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.Token, t.TokenType, t.UserID, t.ApplicationID,
		pq.Array(t.Scopes), t.PublicGrant, t.ExpiresAt, t.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: token", ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

// CreateTokenPair stores an access and refresh token atomically.
func (s *PostgresStore) CreateTokenPair(ctx context.Context, access, refresh *models.Token) error {
	return s.WithTx(ctx, func(st Store) error {
		tx := st.(*PostgresStore)
		if err := tx.insertToken(ctx, access); err != nil {
			return err
		}
		return tx.insertToken(ctx, refresh)
	})
}

// GetToken retrieves a token by its opaque string value.
func (s *PostgresStore) GetToken(ctx context.Context, token string) (*models.Token, error) {
	return scanToken(s.q.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM oauth_tokens WHERE token = $1`, token))
}

// RevokeToken sets the revocation timestamp on a live token.
func (s *PostgresStore) RevokeToken(ctx context.Context, id uuid.UUID, now time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE oauth_tokens SET revoked_at = $2
		WHERE id = $1 AND revoked_at IS NULL`, id, now)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := s.q.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM oauth_tokens WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check token: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: token", ErrNotFound)
		}
	}
	return nil
}

// RotateRefreshToken atomically revokes the old refresh token and stores the
// replacement pair.
func (s *PostgresStore) RotateRefreshToken(ctx context.Context, oldRefreshID uuid.UUID, access, refresh *models.Token, now time.Time) error {
	return s.WithTx(ctx, func(st Store) error {
		tx := st.(*PostgresStore)
		res, err := tx.q.ExecContext(ctx, `
			UPDATE oauth_tokens SET revoked_at = $2
			WHERE id = $1 AND revoked_at IS NULL`, oldRefreshID, now)
		if err != nil {
			return fmt.Errorf("failed to revoke refresh token: %w", err)
		}
		if err := requireRow(res, "token"); err != nil {
			return err
		}
		if err := tx.insertToken(ctx, access); err != nil {
			return err
		}
		return tx.insertToken(ctx, refresh)
	})
}

// RevokeUserTokens revokes every live token belonging to a user.
func (s *PostgresStore) RevokeUserTokens(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE oauth_tokens SET revoked_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL`, userID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user tokens: %w", err)
	}
	return res.RowsAffected()
}

// CountActiveTokens counts tokens that are neither expired nor revoked.
func (s *PostgresStore) CountActiveTokens(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.q.QueryRowContext(ctx, `
		SELECT count(*) FROM oauth_tokens
		WHERE revoked_at IS NULL AND expires_at > $1`, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active tokens: %w", err)
	}
	return n, nil
}

// DeleteDeadTokens removes tokens that are expired or revoked at the cutoff.
func (s *PostgresStore) DeleteDeadTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM oauth_tokens
		WHERE revoked_at IS NOT NULL OR expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete dead tokens: %w", err)
	}
	return res.RowsAffected()
}

// -----------------------
// UserStore
// -----------------------

const userColumns = `id, email, display_name, first_name, last_name,
	middle_name, department, job_title, sso_groups, is_active, is_admin,
	is_super_admin, last_login_at, created_at, updated_at`

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var lastLogin sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.FirstName, &u.LastName,
		&u.MiddleName, &u.Department, &u.JobTitle, pq.Array(&u.SSOGroups),
		&u.IsActive, &u.IsAdmin, &u.IsSuperAdmin, &lastLogin,
		&u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	if lastLogin.Valid {
		u.LastLoginAt = &lastLogin.Time
	}
	return &u, nil
}

// UpsertUser creates the user keyed by email or refreshes the profile fields
// of an existing one. Authorization flags are never touched on conflict so a
// login cannot re-activate a deactivated account.
func (s *PostgresStore) UpsertUser(ctx context.Context, user *models.User) (*models.User, error) {
	id := user.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return scanUser(s.q.QueryRowContext(ctx, `
		INSERT INTO users (id, email, display_name, first_name, last_name,
			middle_name, department, job_title, sso_groups, is_active,
			is_admin, is_super_admin, created_at, updated_at)
		VALUES ($1, lower($2), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (email) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			middle_name = EXCLUDED.middle_name,
			department = EXCLUDED.department,
			job_title = EXCLUDED.job_title,
			sso_groups = EXCLUDED.sso_groups,
			updated_at = now()
		RETURNING `+userColumns,
		id, user.Email, user.DisplayName, user.FirstName, user.LastName,
		user.MiddleName, user.Department, user.JobTitle, pq.Array(user.SSOGroups),
		user.IsActive, user.IsAdmin, user.IsSuperAdmin,
		createdAt, createdAt))
}

// GetUser retrieves a user by internal ID.
func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return scanUser(s.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetUserByEmail retrieves a user by lowercase email.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(s.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = lower($1)`, email))
}

// ListUsers returns the filtered page plus the total match count.
func (s *PostgresStore) ListUsers(ctx context.Context, filter UserFilter) ([]*models.User, int, error) {
	where := ` WHERE TRUE`
	args := []any{}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		where += fmt.Sprintf(` AND (email ILIKE $%d OR display_name ILIKE $%d)`, len(args), len(args))
	}
	if filter.Department != "" {
		args = append(args, filter.Department)
		where += fmt.Sprintf(` AND department = $%d`, len(args))
	}
	if filter.IsActive != nil {
		args = append(args, *filter.IsActive)
		where += fmt.Sprintf(` AND is_active = $%d`, len(args))
	}

	var total int
	if err := s.q.QueryRowContext(ctx,
		`SELECT count(*) FROM users`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}

	query := `SELECT ` + userColumns + ` FROM users` + where + ` ORDER BY email`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, u)
	}
	return out, total, rows.Err()
}

// UpdateUser persists changes to an existing user.
func (s *PostgresStore) UpdateUser(ctx context.Context, user *models.User) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE users SET email = lower($2), display_name = $3, first_name = $4,
			last_name = $5, middle_name = $6, department = $7, job_title = $8,
			sso_groups = $9, is_active = $10, is_admin = $11,
			is_super_admin = $12, updated_at = now()
		WHERE id = $1`,
		user.ID, user.Email, user.DisplayName, user.FirstName, user.LastName,
		user.MiddleName, user.Department, user.JobTitle, pq.Array(user.SSOGroups),
		user.IsActive, user.IsAdmin, user.IsSuperAdmin)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: user", ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return requireRow(res, "user")
}

// SetLastLogin records a successful login timestamp.
func (s *PostgresStore) SetLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE users SET last_login_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to set last login: %w", err)
	}
	return requireRow(res, "user")
}

// ListDepartments returns the distinct non-empty departments sorted.
func (s *PostgresStore) ListDepartments(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT DISTINCT department FROM users
		WHERE department <> '' ORDER BY department`)
	if err != nil {
		return nil, fmt.Errorf("failed to list departments: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan department: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// -----------------------
// GroupStore
// -----------------------

const groupColumns = `id, name, description, color, created_by, created_at, updated_at`

func scanGroup(row rowScanner) (*models.UserGroup, error) {
	var g models.UserGroup
	var createdBy uuid.NullUUID
	err := row.Scan(&g.ID, &g.Name, &g.Description, &g.Color, &createdBy,
		&g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: group", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan group: %w", err)
	}
	if createdBy.Valid {
		g.CreatedBy = &createdBy.UUID
	}
	return &g, nil
}

// CreateGroup stores a new group.
func (s *PostgresStore) CreateGroup(ctx context.Context, group *models.UserGroup) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO user_groups (id, name, description, color, created_by,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		group.ID, group.Name, group.Description, group.Color,
		uuidOrNil(group.CreatedBy), group.CreatedAt, group.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: group %q", ErrAlreadyExists, group.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to insert group: %w", err)
	}
	return nil
}

func uuidOrNil(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

// GetGroup retrieves a group by ID.
func (s *PostgresStore) GetGroup(ctx context.Context, id uuid.UUID) (*models.UserGroup, error) {
	return scanGroup(s.q.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM user_groups WHERE id = $1`, id))
}

// ListGroups returns all groups sorted by name.
func (s *PostgresStore) ListGroups(ctx context.Context) ([]*models.UserGroup, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+groupColumns+` FROM user_groups ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var out []*models.UserGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpdateGroup persists changes to an existing group.
func (s *PostgresStore) UpdateGroup(ctx context.Context, group *models.UserGroup) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE user_groups SET name = $2, description = $3, color = $4,
			updated_at = now()
		WHERE id = $1`,
		group.ID, group.Name, group.Description, group.Color)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: group %q", ErrAlreadyExists, group.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to update group: %w", err)
	}
	return requireRow(res, "group")
}

// DeleteGroup removes the group. Memberships and grants cascade.
func (s *PostgresStore) DeleteGroup(ctx context.Context, id uuid.UUID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM user_groups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	return requireRow(res, "group")
}

// AddGroupMembers adds users to a group.
func (s *PostgresStore) AddGroupMembers(ctx context.Context, groupID uuid.UUID, userIDs []uuid.UUID) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO group_members (group_id, user_id)
		SELECT $1, unnest($2::uuid[])
		ON CONFLICT DO NOTHING`, groupID, pq.Array(userIDs))
	if err != nil {
		return fmt.Errorf("failed to add group members: %w", err)
	}
	return nil
}

// RemoveGroupMembers removes users from a group.
func (s *PostgresStore) RemoveGroupMembers(ctx context.Context, groupID uuid.UUID, userIDs []uuid.UUID) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := s.q.ExecContext(ctx, `
		DELETE FROM group_members
		WHERE group_id = $1 AND user_id = ANY ($2::uuid[])`, groupID, pq.Array(userIDs))
	if err != nil {
		return fmt.Errorf("failed to remove group members: %w", err)
	}
	return nil
}

// ListGroupMembers returns the member user IDs of a group.
func (s *PostgresStore) ListGroupMembers(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT user_id FROM group_members WHERE group_id = $1 ORDER BY user_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group members: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListUserGroupIDs returns the IDs of every group the user belongs to.
func (s *PostgresStore) ListUserGroupIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT group_id FROM group_members WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user groups: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan group ID: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// -----------------------
// AccessStore
// -----------------------

// GrantAccess stores a grant row.
func (s *PostgresStore) GrantAccess(ctx context.Context, grant *models.ApplicationAccess) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO application_access (id, application_id, user_id, group_id,
			granted_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		grant.ID, grant.ApplicationID, uuidOrNil(grant.UserID),
		uuidOrNil(grant.GroupID), uuidOrNil(grant.GrantedBy), grant.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: grant", ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert grant: %w", err)
	}
	return nil
}

// RevokeAccess removes a grant row by ID.
func (s *PostgresStore) RevokeAccess(ctx context.Context, id uuid.UUID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM application_access WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	return requireRow(res, "grant")
}

// ListApplicationGrants returns all grant rows for an application.
func (s *PostgresStore) ListApplicationGrants(ctx context.Context, appID uuid.UUID) ([]*models.ApplicationAccess, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, application_id, user_id, group_id, granted_by, created_at
		FROM application_access WHERE application_id = $1
		ORDER BY created_at`, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var out []*models.ApplicationAccess
	for rows.Next() {
		var g models.ApplicationAccess
		var userID, groupID, grantedBy uuid.NullUUID
		if err := rows.Scan(&g.ID, &g.ApplicationID, &userID, &groupID,
			&grantedBy, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		if userID.Valid {
			g.UserID = &userID.UUID
		}
		if groupID.Valid {
			g.GroupID = &groupID.UUID
		}
		if grantedBy.Valid {
			g.GrantedBy = &grantedBy.UUID
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

// HasDirectGrant reports whether the user holds a direct grant.
func (s *PostgresStore) HasDirectGrant(ctx context.Context, appID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM application_access
			WHERE application_id = $1 AND user_id = $2)`, appID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check direct grant: %w", err)
	}
	return exists, nil
}

// HasGroupGrant reports whether any of the given groups holds a grant.
func (s *PostgresStore) HasGroupGrant(ctx context.Context, appID uuid.UUID, groupIDs []uuid.UUID) (bool, error) {
	if len(groupIDs) == 0 {
		return false, nil
	}
	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM application_access
			WHERE application_id = $1 AND group_id = ANY ($2::uuid[]))`,
		appID, pq.Array(groupIDs)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check group grant: %w", err)
	}
	return exists, nil
}

// -----------------------
// AuditSink and LoginSink
// -----------------------

// RecordAudit appends an audit row.
func (s *PostgresStore) RecordAudit(ctx context.Context, entry *models.AuditLog) error {
	oldValues, err := marshalValues(entry.OldValues)
	if err != nil {
		return err
	}
	newValues, err := marshalValues(entry.NewValues)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, user_id, action, entity_type, entity_id,
			old_values, new_values, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, uuidOrNil(entry.UserID), entry.Action, entry.EntityType,
		uuidOrNil(entry.EntityID), oldValues, newValues,
		entry.IPAddress, entry.UserAgent, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit row: %w", err)
	}
	return nil
}

func marshalValues(values map[string]any) ([]byte, error) {
	if values == nil {
		return nil, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit values: %w", err)
	}
	return data, nil
}

// ListAudit returns the filtered page, newest first.
func (s *PostgresStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*models.AuditLog, int, error) {
	where := ` WHERE TRUE`
	args := []any{}
	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		where += fmt.Sprintf(` AND user_id = $%d`, len(args))
	}
	if filter.Action != "" {
		args = append(args, filter.Action)
		where += fmt.Sprintf(` AND action = $%d`, len(args))
	}
	if filter.EntityType != "" {
		args = append(args, filter.EntityType)
		where += fmt.Sprintf(` AND entity_type = $%d`, len(args))
	}

	var total int
	if err := s.q.QueryRowContext(ctx,
		`SELECT count(*) FROM audit_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit rows: %w", err)
	}

	query := `SELECT id, user_id, action, entity_type, entity_id, old_values,
		new_values, ip_address, user_agent, created_at
		FROM audit_log` + where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit rows: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditLog
	for rows.Next() {
		var e models.AuditLog
		var userID, entityID uuid.NullUUID
		var oldValues, newValues []byte
		if err := rows.Scan(&e.ID, &userID, &e.Action, &e.EntityType,
			&entityID, &oldValues, &newValues, &e.IPAddress, &e.UserAgent,
			&e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit row: %w", err)
		}
		if userID.Valid {
			e.UserID = &userID.UUID
		}
		if entityID.Valid {
			e.EntityID = &entityID.UUID
		}
		if len(oldValues) > 0 {
			if err := json.Unmarshal(oldValues, &e.OldValues); err != nil {
				return nil, 0, fmt.Errorf("failed to unmarshal audit values: %w", err)
			}
		}
		if len(newValues) > 0 {
			if err := json.Unmarshal(newValues, &e.NewValues); err != nil {
				return nil, 0, fmt.Errorf("failed to unmarshal audit values: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, total, rows.Err()
}

// RecordLogin appends a login history row.
func (s *PostgresStore) RecordLogin(ctx context.Context, entry *models.LoginHistory) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO login_history (id, user_id, login_type, ip_address,
			user_agent, success, failure_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, uuidOrNil(entry.UserID), entry.LoginType, entry.IPAddress,
		entry.UserAgent, entry.Success, entry.FailureReason, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert login row: %w", err)
	}
	return nil
}

// ListLogins returns the filtered page, newest first.
func (s *PostgresStore) ListLogins(ctx context.Context, filter LoginFilter) ([]*models.LoginHistory, int, error) {
	where := ` WHERE TRUE`
	args := []any{}
	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		where += fmt.Sprintf(` AND user_id = $%d`, len(args))
	}
	if filter.LoginType != "" {
		args = append(args, filter.LoginType)
		where += fmt.Sprintf(` AND login_type = $%d`, len(args))
	}
	if filter.Success != nil {
		args = append(args, *filter.Success)
		where += fmt.Sprintf(` AND success = $%d`, len(args))
	}

	var total int
	if err := s.q.QueryRowContext(ctx,
		`SELECT count(*) FROM login_history`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count login rows: %w", err)
	}

	query := `SELECT id, user_id, login_type, ip_address, user_agent, success,
		failure_reason, created_at
		FROM login_history` + where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list login rows: %w", err)
	}
	defer rows.Close()

	var out []*models.LoginHistory
	for rows.Next() {
		var e models.LoginHistory
		var userID uuid.NullUUID
		if err := rows.Scan(&e.ID, &userID, &e.LoginType, &e.IPAddress,
			&e.UserAgent, &e.Success, &e.FailureReason, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan login row: %w", err)
		}
		if userID.Valid {
			e.UserID = &userID.UUID
		}
		out = append(out, &e)
	}
	return out, total, rows.Err()
}

// GetLoginStats summarizes login activity since the cutoff.
func (s *PostgresStore) GetLoginStats(ctx context.Context, since time.Time) (*LoginStats, error) {
	stats := &LoginStats{}
	err := s.q.QueryRowContext(ctx, `
		SELECT count(*),
			count(*) FILTER (WHERE success),
			count(*) FILTER (WHERE NOT success),
			count(DISTINCT user_id) FILTER (WHERE success AND user_id IS NOT NULL)
		FROM login_history WHERE created_at >= $1`, since).
		Scan(&stats.Total, &stats.Succeeded, &stats.Failed, &stats.Unique)
	if err != nil {
		return nil, fmt.Errorf("failed to read login stats: %w", err)
	}
	return stats, nil
}

// GetStats assembles the admin dashboard counters.
func (s *PostgresStore) GetStats(ctx context.Context, now time.Time) (*StatsSnapshot, error) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	snap := &StatsSnapshot{}
	err := s.q.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM users),
			(SELECT count(*) FROM users WHERE is_active),
			(SELECT count(*) FROM applications),
			(SELECT count(*) FROM oauth_tokens WHERE revoked_at IS NULL AND expires_at > $1),
			(SELECT count(*) FROM login_history WHERE success AND created_at >= $2)`,
		now, midnight).
		Scan(&snap.TotalUsers, &snap.ActiveUsers, &snap.TotalApplications,
			&snap.ActiveTokens, &snap.LoginsToday)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}
	return snap, nil
}

// Compile-time interface compliance check
var _ Store = (*PostgresStore)(nil)
