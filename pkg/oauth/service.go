package oauth

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Prophet73/aihub/pkg/audit"
	"github.com/Prophet73/aihub/pkg/crypto"
	"github.com/Prophet73/aihub/pkg/logger"
	"github.com/Prophet73/aihub/pkg/models"
	"github.com/Prophet73/aihub/pkg/storage"
)

// ErrLoginRequired is returned by Authorize when the request carries no
// authenticated session. The HTTP layer redirects to the SSO login route.
var ErrLoginRequired = errors.New("login required")

// Scopes the provider understands.
var supportedScopes = []string{"openid", "profile", "email"}

// Config holds the provider parameters.
type Config struct {
	// Issuer is the public base URL of the hub, used in ID tokens and the
	// discovery document.
	Issuer string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.AccessTokenTTL <= 0 {
		out.AccessTokenTTL = models.AccessTokenTTL
	}
	if out.RefreshTokenTTL <= 0 {
		out.RefreshTokenTTL = models.RefreshTokenTTL
	}
	if out.AuthCodeTTL <= 0 {
		out.AuthCodeTTL = models.AuthCodeTTL
	}
	return out
}

// Service is the OAuth2/OIDC provider.
type Service struct {
	store    storage.Store
	signer   *crypto.IDTokenSigner
	recorder *audit.Recorder
	cfg      Config
}

// NewService creates a provider over store, signing ID tokens with signer.
func NewService(store storage.Store, signer *crypto.IDTokenSigner, recorder *audit.Recorder, cfg Config) *Service {
	return &Service{
		store:    store,
		signer:   signer,
		recorder: recorder,
		cfg:      cfg.withDefaults(),
	}
}

// AuthorizeRequest carries the query parameters of the authorize endpoint.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

func (r *AuthorizeRequest) scopes() []string {
	if strings.TrimSpace(r.Scope) == "" {
		return []string{"openid"}
	}
	return strings.Fields(r.Scope)
}

func errorRedirect(redirectURI, code, description, state string) string {
	q := url.Values{}
	q.Set("error", code)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	return appendQuery(redirectURI, q)
}

func appendQuery(redirectURI string, q url.Values) string {
	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}
	return redirectURI + sep + q.Encode()
}

// Authorize validates an authorization request and mints a code for user.
// The returned string is the URL to redirect the browser to, for both
// success and protocol errors reported via the client's redirect URI.
//
// Failures before the client and redirect URI are trusted return an error
// instead: ErrLoginRequired when user is nil, or a validation error that the
// HTTP layer reports as a direct 400.
func (s *Service) Authorize(ctx context.Context, user *models.User, req AuthorizeRequest, meta audit.RequestMeta) (string, error) {
	if req.ClientID == "" || req.RedirectURI == "" {
		return "", NewError(ErrCodeInvalidRequest, "client_id and redirect_uri are required")
	}

	if req.ResponseType != "code" {
		return errorRedirect(req.RedirectURI, ErrCodeUnsupportedResponseType, "only response_type=code is supported", req.State), nil
	}

	method := req.CodeChallengeMethod
	if method != "" && !crypto.ValidChallengeMethod(method) {
		return errorRedirect(req.RedirectURI, ErrCodeInvalidRequest, "unsupported code_challenge_method", req.State), nil
	}
	if req.CodeChallenge != "" && method == "" {
		method = models.PKCEMethodPlain
	}

	app, err := s.store.GetApplicationByClientID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorRedirect(req.RedirectURI, ErrCodeInvalidClient, "unknown client", req.State), nil
		}
		return "", serverError(err)
	}
	if !app.IsActive {
		return errorRedirect(req.RedirectURI, ErrCodeInvalidClient, "client is inactive", req.State), nil
	}

	// An unregistered redirect URI is never redirected to.
	if !slices.Contains(app.RedirectURIs, req.RedirectURI) {
		return "", NewError(ErrCodeInvalidRequest, "redirect_uri is not registered for this client")
	}

	if user == nil {
		return "", ErrLoginRequired
	}

	codeStr, err := crypto.GenerateAuthCode()
	if err != nil {
		return "", serverError(err)
	}
	now := time.Now()
	code := &models.AuthorizationCode{
		ID:                  uuid.New(),
		Code:                codeStr,
		UserID:              user.ID,
		ApplicationID:       app.ID,
		RedirectURI:         req.RedirectURI,
		Scopes:              req.scopes(),
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		ExpiresAt:           now.Add(s.cfg.AuthCodeTTL),
		CreatedAt:           now,
	}
	if err := s.store.CreateAuthCode(ctx, code); err != nil {
		return "", serverError(err)
	}

	s.recorder.LoginAttempt(ctx, &user.ID, models.LoginTypeOAuthAuthorize, true, "", meta)

	q := url.Values{}
	q.Set("code", codeStr)
	if req.State != "" {
		q.Set("state", req.State)
	}
	return appendQuery(req.RedirectURI, q), nil
}

// TokenRequest carries the form fields of the token endpoint.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	RefreshToken string
	Scope        string
}

// TokenResponse is the success envelope of the token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Exchange handles the token endpoint. Protocol failures return *Error.
func (s *Service) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case "authorization_code":
		return s.exchangeCode(ctx, req)
	case "refresh_token":
		return s.refresh(ctx, req)
	default:
		return nil, NewError(ErrCodeUnsupportedGrantType, "unsupported grant_type")
	}
}

func (s *Service) exchangeCode(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, NewError(ErrCodeInvalidRequest, "code is required")
	}

	now := time.Now()
	code, err := s.store.GetAuthCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, invalidGrant("unknown authorization code")
		}
		return nil, serverError(err)
	}
	if code.Consumed() {
		return nil, invalidGrant("authorization code already used")
	}
	if code.Expired(now) {
		return nil, invalidGrant("authorization code expired")
	}

	app, err := s.store.GetApplicationByClientID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, invalidClient("unknown client")
		}
		return nil, serverError(err)
	}
	if code.ApplicationID != app.ID {
		return nil, invalidGrant("authorization code was issued to a different client")
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, invalidGrant("redirect_uri does not match")
	}

	// Client authentication: PKCE codes require the verifier and may omit
	// the secret; non-PKCE codes require the secret. A failed verifier
	// leaves the code unconsumed so a typo cannot burn the grant.
	publicGrant := false
	if code.HasPKCE() {
		if err := crypto.VerifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
			return nil, invalidGrant("PKCE verification failed")
		}
		publicGrant = req.ClientSecret == ""
	}
	if !code.HasPKCE() || req.ClientSecret != "" {
		if !crypto.VerifySecret(req.ClientSecret, app.ClientSecretHash) {
			return nil, invalidClient("client authentication failed")
		}
	}

	user, err := s.store.GetUser(ctx, code.UserID)
	if err != nil {
		return nil, serverError(err)
	}
	if !user.IsActive {
		return nil, invalidGrant("user is inactive")
	}

	access, refresh, err := s.mintPair(user.ID, app.ID, code.Scopes, publicGrant, now)
	if err != nil {
		return nil, serverError(err)
	}

	// Consumption and issuance commit together; the consumed_at guard in
	// the store makes concurrent redemptions produce exactly one winner.
	err = s.store.WithTx(ctx, func(tx storage.Store) error {
		if err := tx.ConsumeAuthCode(ctx, code.Code, now); err != nil {
			return err
		}
		return tx.CreateTokenPair(ctx, access, refresh)
	})
	if err != nil {
		if errors.Is(err, storage.ErrCodeConsumed) || errors.Is(err, storage.ErrNotFound) {
			return nil, invalidGrant("authorization code already used")
		}
		return nil, serverError(err)
	}

	idToken, err := s.signer.Mint(user, app.ClientID, code.Scopes, s.cfg.AccessTokenTTL)
	if err != nil {
		return nil, serverError(err)
	}

	logger.Infow("issued token pair",
		"client_id", app.ClientID, "user_id", user.ID, "public_grant", publicGrant)

	return &TokenResponse{
		AccessToken:  access.Token,
		RefreshToken: refresh.Token,
		IDToken:      idToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
	}, nil
}

func (s *Service) refresh(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, NewError(ErrCodeInvalidRequest, "refresh_token is required")
	}

	now := time.Now()
	old, err := s.store.GetToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, invalidGrant("unknown refresh token")
		}
		return nil, serverError(err)
	}
	if old.TokenType != models.TokenTypeRefresh || !old.Live(now) {
		return nil, invalidGrant("refresh token is no longer valid")
	}

	app, err := s.store.GetApplicationByClientID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, invalidClient("unknown client")
		}
		return nil, serverError(err)
	}
	if old.ApplicationID != app.ID {
		return nil, invalidGrant("refresh token was issued to a different client")
	}

	// Only tokens from a public (PKCE, secretless) grant may refresh
	// without a client secret.
	if req.ClientSecret == "" {
		if !old.PublicGrant {
			return nil, invalidClient("client authentication required")
		}
	} else if !crypto.VerifySecret(req.ClientSecret, app.ClientSecretHash) {
		return nil, invalidClient("client authentication failed")
	}

	user, err := s.store.GetUser(ctx, old.UserID)
	if err != nil {
		return nil, serverError(err)
	}
	if !user.IsActive {
		return nil, invalidGrant("user is inactive")
	}

	access, refresh, err := s.mintPair(old.UserID, old.ApplicationID, old.Scopes, old.PublicGrant, now)
	if err != nil {
		return nil, serverError(err)
	}

	// Rotation: the old refresh token dies with the birth of the new pair.
	if err := s.store.RotateRefreshToken(ctx, old.ID, access, refresh, now); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, invalidGrant("refresh token is no longer valid")
		}
		return nil, serverError(err)
	}

	resp := &TokenResponse{
		AccessToken:  access.Token,
		RefreshToken: refresh.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
	}

	if slices.Contains(strings.Fields(req.Scope), "openid") && slices.Contains(old.Scopes, "openid") {
		idToken, err := s.signer.Mint(user, app.ClientID, old.Scopes, s.cfg.AccessTokenTTL)
		if err != nil {
			return nil, serverError(err)
		}
		resp.IDToken = idToken
	}
	return resp, nil
}

func (s *Service) mintPair(userID, appID uuid.UUID, scopes []string, publicGrant bool, now time.Time) (*models.Token, *models.Token, error) {
	accessStr, err := crypto.GenerateToken()
	if err != nil {
		return nil, nil, err
	}
	refreshStr, err := crypto.GenerateToken()
	if err != nil {
		return nil, nil, err
	}

	access := &models.Token{
		ID:            uuid.New(),
		Token:         accessStr,
		TokenType:     models.TokenTypeAccess,
		UserID:        userID,
		ApplicationID: appID,
		Scopes:        scopes,
		PublicGrant:   publicGrant,
		ExpiresAt:     now.Add(s.cfg.AccessTokenTTL),
		CreatedAt:     now,
	}
	refresh := &models.Token{
		ID:            uuid.New(),
		Token:         refreshStr,
		TokenType:     models.TokenTypeRefresh,
		UserID:        userID,
		ApplicationID: appID,
		Scopes:        scopes,
		PublicGrant:   publicGrant,
		ExpiresAt:     now.Add(s.cfg.RefreshTokenTTL),
		CreatedAt:     now,
	}
	return access, refresh, nil
}

// RevokeRequest carries the form fields of the revocation endpoint.
type RevokeRequest struct {
	Token        string
	ClientID     string
	ClientSecret string
}

// Revoke implements RFC 7009. The endpoint never discloses whether the token
// existed: any outcome other than an internal failure is success. A client
// may only revoke its own tokens; with no secret presented, only tokens from
// a public grant.
func (s *Service) Revoke(ctx context.Context, req RevokeRequest) error {
	if req.Token == "" || req.ClientID == "" {
		return nil
	}

	app, err := s.store.GetApplicationByClientID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if req.ClientSecret != "" && !crypto.VerifySecret(req.ClientSecret, app.ClientSecretHash) {
		return nil
	}

	token, err := s.store.GetToken(ctx, req.Token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if token.ApplicationID != app.ID {
		return nil
	}
	if req.ClientSecret == "" && !token.PublicGrant {
		return nil
	}

	if err := s.store.RevokeToken(ctx, token.ID, time.Now()); err != nil &&
		!errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// UserInfoClaims is the userinfo endpoint response.
type UserInfoClaims struct {
	Sub               string   `json:"sub"`
	Email             string   `json:"email"`
	Name              string   `json:"name"`
	PreferredUsername string   `json:"preferred_username"`
	Groups            []string `json:"groups"`
}

// UserInfo resolves a bearer access token to its user's claims. Any failure
// maps to 401 at the HTTP layer.
func (s *Service) UserInfo(ctx context.Context, bearer string) (*UserInfoClaims, error) {
	token, err := s.store.GetToken(ctx, bearer)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, invalidGrant("unknown token")
		}
		return nil, serverError(err)
	}
	if token.TokenType != models.TokenTypeAccess || !token.Live(time.Now()) {
		return nil, invalidGrant("token is no longer valid")
	}

	user, err := s.store.GetUser(ctx, token.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, invalidGrant("unknown user")
		}
		return nil, serverError(err)
	}
	if !user.IsActive {
		return nil, invalidGrant("user is inactive")
	}

	groups := user.SSOGroups
	if groups == nil {
		groups = []string{}
	}
	return &UserInfoClaims{
		Sub:               user.ID.String(),
		Email:             user.Email,
		Name:              user.Name(),
		PreferredUsername: user.Email,
		Groups:            groups,
	}, nil
}

// DiscoveryDocument is the OpenID Connect discovery metadata.
type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	JwksURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// Discovery builds the discovery document for the configured issuer.
func (s *Service) Discovery() *DiscoveryDocument {
	base := strings.TrimRight(s.cfg.Issuer, "/")
	return &DiscoveryDocument{
		Issuer:                            base,
		AuthorizationEndpoint:             base + "/oauth/authorize",
		TokenEndpoint:                     base + "/oauth/token",
		UserinfoEndpoint:                  base + "/oauth/userinfo",
		RevocationEndpoint:                base + "/oauth/revoke",
		JwksURI:                           base + "/oauth/jwks",
		ScopesSupported:                   supportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post", "client_secret_basic", "none"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"HS256"},
		CodeChallengeMethodsSupported:     []string{models.PKCEMethodS256, models.PKCEMethodPlain},
	}
}
