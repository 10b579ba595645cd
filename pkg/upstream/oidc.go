// Package upstream implements the client side of the corporate SSO: OIDC
// discovery, the login redirect, callback verification and the identity
// claims the hub provisions users from.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/Prophet73/aihub/pkg/logger"
	"github.com/Prophet73/aihub/pkg/models"
)

// HealthProbeTimeout bounds the upstream reachability check.
const HealthProbeTimeout = 5 * time.Second

// ErrNoIDToken is returned when the upstream token response carries no ID
// token. The hub cannot provision a user without one.
var ErrNoIDToken = errors.New("upstream token response has no id_token")

// Config describes the upstream OIDC provider.
type Config struct {
	// Issuer is the upstream issuer URL. Discovery fetches
	// {Issuer}/.well-known/openid-configuration.
	Issuer string

	ClientID     string
	ClientSecret string

	// RedirectURL is the hub's callback, e.g. https://hub/auth/sso/callback.
	RedirectURL string

	// Scopes defaults to openid, profile, email.
	Scopes []string
}

// Client talks to the upstream identity provider.
type Client struct {
	issuer     string
	provider   *oidc.Provider
	verifier   *oidc.IDTokenVerifier
	oauth      oauth2.Config
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for discovery, token exchange and
// health probes.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New runs OIDC discovery against cfg.Issuer and returns a ready client.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("upstream issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("upstream client ID is required")
	}

	c := &Client{
		issuer:     cfg.Issuer,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}

	ctx = oidc.ClientContext(ctx, c.httpClient)
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("upstream discovery failed: %w", err)
	}
	c.provider = provider
	c.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	// Credentials go in the request body for consistent behavior across
	// IDP implementations.
	endpoint := provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	c.oauth = oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       scopes,
		Endpoint:     endpoint,
	}

	logger.Debugw("upstream provider ready", "issuer", cfg.Issuer)
	return c, nil
}

// NewVerifier returns a fresh PKCE verifier for a login attempt. The caller
// keeps it alongside the state until the callback arrives.
func NewVerifier() string {
	return oauth2.GenerateVerifier()
}

// LoginURL builds the upstream authorization URL for one login attempt.
// The verifier binds the eventual code exchange to this attempt.
func (c *Client) LoginURL(state, verifier string) string {
	return c.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// Identity is the claim set extracted from a verified upstream ID token.
type Identity struct {
	Subject    string
	Email      string
	Name       string
	GivenName  string
	FamilyName string
	Department string
	JobTitle   string
	Groups     []string
}

// User maps the identity onto the hub's user model for upsert. New users
// start active with no admin rights.
func (id *Identity) User() *models.User {
	return &models.User{
		Email:       id.Email,
		DisplayName: id.Name,
		FirstName:   id.GivenName,
		LastName:    id.FamilyName,
		Department:  id.Department,
		JobTitle:    id.JobTitle,
		SSOGroups:   id.Groups,
		IsActive:    true,
	}
}

// Exchange redeems the callback code and verifies the returned ID token.
// verifier must be the one minted for this login attempt.
func (c *Client) Exchange(ctx context.Context, code, verifier string) (*Identity, error) {
	ctx = oidc.ClientContext(ctx, c.httpClient)

	token, err := c.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("upstream code exchange failed: %w", err)
	}

	rawID, ok := token.Extra("id_token").(string)
	if !ok || rawID == "" {
		return nil, ErrNoIDToken
	}

	idToken, err := c.verifier.Verify(ctx, rawID)
	if err != nil {
		return nil, fmt.Errorf("upstream ID token rejected: %w", err)
	}

	var claims struct {
		Email             string   `json:"email"`
		PreferredUsername string   `json:"preferred_username"`
		Name              string   `json:"name"`
		GivenName         string   `json:"given_name"`
		FamilyName        string   `json:"family_name"`
		Department        string   `json:"department"`
		JobTitle          string   `json:"job_title"`
		Groups            []string `json:"groups"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse ID token claims: %w", err)
	}

	email := claims.Email
	if email == "" {
		email = claims.PreferredUsername
	}
	if email == "" {
		return nil, errors.New("upstream ID token has no email claim")
	}

	return &Identity{
		Subject:    idToken.Subject,
		Email:      email,
		Name:       claims.Name,
		GivenName:  claims.GivenName,
		FamilyName: claims.FamilyName,
		Department: claims.Department,
		JobTitle:   claims.JobTitle,
		Groups:     claims.Groups,
	}, nil
}

// Health probes the upstream discovery endpoint. It returns nil when the
// upstream answers within HealthProbeTimeout.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, HealthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream discovery returned status %d", resp.StatusCode)
	}
	return nil
}
