package oauth

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prophet73/aihub/pkg/audit"
	"github.com/Prophet73/aihub/pkg/crypto"
	"github.com/Prophet73/aihub/pkg/models"
	"github.com/Prophet73/aihub/pkg/storage"
)

// RFC 7636 appendix B test vector.
const (
	testVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

type fixture struct {
	store   *storage.MemoryStore
	svc     *Service
	app     *models.Application
	user    *models.User
	secret  string
	signer  *crypto.IDTokenSigner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := storage.NewMemoryStore(storage.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = store.Close() })

	signer := crypto.NewIDTokenSigner("https://hub.example.com", []byte(strings.Repeat("k", 32)))
	svc := NewService(store, signer, audit.NewRecorder(store), Config{Issuer: "https://hub.example.com"})

	ctx := context.Background()
	user, err := store.UpsertUser(ctx, &models.User{
		ID:          uuid.New(),
		Email:       "alice@example.com",
		DisplayName: "Alice",
		SSOGroups:   []string{"staff"},
		IsActive:    true,
	})
	require.NoError(t, err)

	secret := "confidential-client-secret"
	hash, err := crypto.HashSecret(secret)
	require.NoError(t, err)

	app := &models.Application{
		ID:               uuid.New(),
		Name:             "Wiki",
		Slug:             "wiki",
		ClientID:         "hub_wiki",
		ClientSecretHash: hash,
		RedirectURIs:     []string{"https://wiki.example.com/cb"},
		IsActive:         true,
	}
	require.NoError(t, store.CreateApplication(ctx, app))

	return &fixture{store: store, svc: svc, app: app, user: user, secret: secret, signer: signer}
}

func (f *fixture) authorize(t *testing.T, challenge, method string) string {
	t.Helper()
	loc, err := f.svc.Authorize(context.Background(), f.user, AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            f.app.ClientID,
		RedirectURI:         f.app.RedirectURIs[0],
		Scope:               "openid profile",
		State:               "xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
	}, audit.RequestMeta{})
	require.NoError(t, err)

	u, err := url.Parse(loc)
	require.NoError(t, err)
	code := u.Query().Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "xyz", u.Query().Get("state"))
	return code
}

func protocolCode(t *testing.T, err error) string {
	t.Helper()
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	return oerr.Code
}

func TestAuthorizeValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	base := AuthorizeRequest{
		ResponseType: "code",
		ClientID:     f.app.ClientID,
		RedirectURI:  f.app.RedirectURIs[0],
	}

	t.Run("unsupported response type redirects with error", func(t *testing.T) {
		req := base
		req.ResponseType = "token"
		req.State = "s"
		loc, err := f.svc.Authorize(ctx, f.user, req, audit.RequestMeta{})
		require.NoError(t, err)
		assert.Contains(t, loc, "error=unsupported_response_type")
		assert.Contains(t, loc, "state=s")
	})

	t.Run("unknown challenge method redirects with error", func(t *testing.T) {
		req := base
		req.CodeChallenge = testChallenge
		req.CodeChallengeMethod = "S512"
		loc, err := f.svc.Authorize(ctx, f.user, req, audit.RequestMeta{})
		require.NoError(t, err)
		assert.Contains(t, loc, "error=invalid_request")
	})

	t.Run("unknown client redirects with error", func(t *testing.T) {
		req := base
		req.ClientID = "hub_nope"
		loc, err := f.svc.Authorize(ctx, f.user, req, audit.RequestMeta{})
		require.NoError(t, err)
		assert.Contains(t, loc, "error=invalid_client")
	})

	t.Run("unregistered redirect URI fails directly", func(t *testing.T) {
		req := base
		req.RedirectURI = "https://evil.example.com/cb"
		_, err := f.svc.Authorize(ctx, f.user, req, audit.RequestMeta{})
		assert.Equal(t, ErrCodeInvalidRequest, protocolCode(t, err))
	})

	t.Run("anonymous session requires login", func(t *testing.T) {
		_, err := f.svc.Authorize(ctx, nil, base, audit.RequestMeta{})
		assert.ErrorIs(t, err, ErrLoginRequired)
	})

	t.Run("challenge without method defaults to plain", func(t *testing.T) {
		req := base
		req.CodeChallenge = "plain-challenge-value-that-is-long-enough-0123"
		loc, err := f.svc.Authorize(ctx, f.user, req, audit.RequestMeta{})
		require.NoError(t, err)
		u, err := url.Parse(loc)
		require.NoError(t, err)
		code, err := f.store.GetAuthCode(ctx, u.Query().Get("code"))
		require.NoError(t, err)
		assert.Equal(t, models.PKCEMethodPlain, code.CodeChallengeMethod)
	})
}

func TestExchangePKCE(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	code := f.authorize(t, testChallenge, models.PKCEMethodS256)

	resp, err := f.svc.Exchange(ctx, TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  f.app.RedirectURIs[0],
		ClientID:     f.app.ClientID,
		CodeVerifier: testVerifier,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.NotEmpty(t, resp.IDToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, 3600, resp.ExpiresIn)

	claims, err := f.signer.Verify(resp.IDToken)
	require.NoError(t, err)
	assert.Equal(t, f.user.ID.String(), claims["sub"])
	assert.Equal(t, f.app.ClientID, claims["aud"])

	// A PKCE grant without a secret is public and recorded as such.
	access, err := f.store.GetToken(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.True(t, access.PublicGrant)

	// Second redemption fails: the code is single-use.
	_, err = f.svc.Exchange(ctx, TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  f.app.RedirectURIs[0],
		ClientID:     f.app.ClientID,
		CodeVerifier: testVerifier,
	})
	assert.Equal(t, ErrCodeInvalidGrant, protocolCode(t, err))
}

func TestExchangePKCEFailurePreservesCode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	code := f.authorize(t, testChallenge, models.PKCEMethodS256)

	_, err := f.svc.Exchange(ctx, TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  f.app.RedirectURIs[0],
		ClientID:     f.app.ClientID,
		CodeVerifier: strings.Repeat("wrong-verifier-", 3),
	})
	assert.Equal(t, ErrCodeInvalidGrant, protocolCode(t, err))

	// The failed attempt did not burn the code.
	resp, err := f.svc.Exchange(ctx, TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  f.app.RedirectURIs[0],
		ClientID:     f.app.ClientID,
		CodeVerifier: testVerifier,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
}

func TestExchangeConfidentialClient(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	code := f.authorize(t, "", "")

	_, err := f.svc.Exchange(ctx, TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  f.app.RedirectURIs[0],
		ClientID:     f.app.ClientID,
		ClientSecret: "wrong",
	})
	assert.Equal(t, ErrCodeInvalidClient, protocolCode(t, err))

	resp, err := f.svc.Exchange(ctx, TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  f.app.RedirectURIs[0],
		ClientID:     f.app.ClientID,
		ClientSecret: f.secret,
	})
	require.NoError(t, err)

	access, err := f.store.GetToken(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.False(t, access.PublicGrant)
}

func TestExchangeRedirectBinding(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code := f.authorize(t, "", "")

	_, err := f.svc.Exchange(context.Background(), TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  f.app.RedirectURIs[0] + "/",
		ClientID:     f.app.ClientID,
		ClientSecret: f.secret,
	})
	assert.Equal(t, ErrCodeInvalidGrant, protocolCode(t, err))
}

func TestExchangeExpiredCode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, f.store.CreateAuthCode(ctx, &models.AuthorizationCode{
		ID:            uuid.New(),
		Code:          "stale-code",
		UserID:        f.user.ID,
		ApplicationID: f.app.ID,
		RedirectURI:   f.app.RedirectURIs[0],
		ExpiresAt:     now.Add(-time.Minute),
		CreatedAt:     now.Add(-11 * time.Minute),
	}))

	_, err := f.svc.Exchange(ctx, TokenRequest{
		GrantType:    "authorization_code",
		Code:         "stale-code",
		RedirectURI:  f.app.RedirectURIs[0],
		ClientID:     f.app.ClientID,
		ClientSecret: f.secret,
	})
	assert.Equal(t, ErrCodeInvalidGrant, protocolCode(t, err))
}

func TestExchangeConcurrentSingleUse(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	code := f.authorize(t, testChallenge, models.PKCEMethodS256)

	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Exchange(ctx, TokenRequest{
				GrantType:    "authorization_code",
				Code:         code,
				RedirectURI:  f.app.RedirectURIs[0],
				ClientID:     f.app.ClientID,
				CodeVerifier: testVerifier,
			})
			if err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	assert.Len(t, wins, 1, "exactly one redemption must succeed")
}

func TestRefreshRotation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	code := f.authorize(t, testChallenge, models.PKCEMethodS256)
	first, err := f.svc.Exchange(ctx, TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  f.app.RedirectURIs[0],
		ClientID:     f.app.ClientID,
		CodeVerifier: testVerifier,
	})
	require.NoError(t, err)

	// Public grants refresh without a secret.
	second, err := f.svc.Exchange(ctx, TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: first.RefreshToken,
		ClientID:     f.app.ClientID,
		Scope:        "openid",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEmpty(t, second.IDToken, "openid re-requested")

	// The rotated-out refresh token is dead.
	_, err = f.svc.Exchange(ctx, TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: first.RefreshToken,
		ClientID:     f.app.ClientID,
	})
	assert.Equal(t, ErrCodeInvalidGrant, protocolCode(t, err))

	// Without re-requesting openid there is no ID token.
	third, err := f.svc.Exchange(ctx, TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: second.RefreshToken,
		ClientID:     f.app.ClientID,
	})
	require.NoError(t, err)
	assert.Empty(t, third.IDToken)
}

func TestRefreshConfidentialRequiresSecret(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	code := f.authorize(t, "", "")
	resp, err := f.svc.Exchange(ctx, TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  f.app.RedirectURIs[0],
		ClientID:     f.app.ClientID,
		ClientSecret: f.secret,
	})
	require.NoError(t, err)

	_, err = f.svc.Exchange(ctx, TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: resp.RefreshToken,
		ClientID:     f.app.ClientID,
	})
	assert.Equal(t, ErrCodeInvalidClient, protocolCode(t, err))

	_, err = f.svc.Exchange(ctx, TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: resp.RefreshToken,
		ClientID:     f.app.ClientID,
		ClientSecret: f.secret,
	})
	assert.NoError(t, err)
}

func TestUnsupportedGrantType(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.svc.Exchange(context.Background(), TokenRequest{GrantType: "password"})
	assert.Equal(t, ErrCodeUnsupportedGrantType, protocolCode(t, err))
}

func TestRevokeThenUserInfo(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	code := f.authorize(t, testChallenge, models.PKCEMethodS256)
	resp, err := f.svc.Exchange(ctx, TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  f.app.RedirectURIs[0],
		ClientID:     f.app.ClientID,
		CodeVerifier: testVerifier,
	})
	require.NoError(t, err)

	claims, err := f.svc.UserInfo(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, []string{"staff"}, claims.Groups)

	require.NoError(t, f.svc.Revoke(ctx, RevokeRequest{
		Token:    resp.AccessToken,
		ClientID: f.app.ClientID,
	}))

	_, err = f.svc.UserInfo(ctx, resp.AccessToken)
	assert.Error(t, err)

	// Revoking again, or revoking garbage, still succeeds silently.
	assert.NoError(t, f.svc.Revoke(ctx, RevokeRequest{
		Token:    resp.AccessToken,
		ClientID: f.app.ClientID,
	}))
	assert.NoError(t, f.svc.Revoke(ctx, RevokeRequest{
		Token:    "no-such-token",
		ClientID: f.app.ClientID,
	}))
}

func TestRevokeForeignClientToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	code := f.authorize(t, testChallenge, models.PKCEMethodS256)
	resp, err := f.svc.Exchange(ctx, TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  f.app.RedirectURIs[0],
		ClientID:     f.app.ClientID,
		CodeVerifier: testVerifier,
	})
	require.NoError(t, err)

	otherHash, err := crypto.HashSecret("other-secret")
	require.NoError(t, err)
	other := &models.Application{
		ID:               uuid.New(),
		Name:             "Other",
		Slug:             "other",
		ClientID:         "hub_other",
		ClientSecretHash: otherHash,
		IsActive:         true,
	}
	require.NoError(t, f.store.CreateApplication(ctx, other))

	// A different client cannot revoke the token, but still gets 200.
	require.NoError(t, f.svc.Revoke(ctx, RevokeRequest{
		Token:        resp.AccessToken,
		ClientID:     other.ClientID,
		ClientSecret: "other-secret",
	}))

	_, err = f.svc.UserInfo(ctx, resp.AccessToken)
	assert.NoError(t, err, "token must still be live")
}

func TestUserInfoRejectsRefreshToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	code := f.authorize(t, testChallenge, models.PKCEMethodS256)
	resp, err := f.svc.Exchange(ctx, TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  f.app.RedirectURIs[0],
		ClientID:     f.app.ClientID,
		CodeVerifier: testVerifier,
	})
	require.NoError(t, err)

	_, err = f.svc.UserInfo(ctx, resp.RefreshToken)
	assert.Error(t, err)
}

func TestDiscoveryDocument(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	doc := f.svc.Discovery()
	assert.Equal(t, "https://hub.example.com", doc.Issuer)
	assert.Equal(t, "https://hub.example.com/oauth/authorize", doc.AuthorizationEndpoint)
	assert.Equal(t, "https://hub.example.com/oauth/token", doc.TokenEndpoint)
	assert.Equal(t, []string{"code"}, doc.ResponseTypesSupported)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, doc.GrantTypesSupported)
	assert.Equal(t, []string{"HS256"}, doc.IDTokenSigningAlgValuesSupported)
	assert.Equal(t, []string{"S256", "plain"}, doc.CodeChallengeMethodsSupported)
	assert.Contains(t, doc.TokenEndpointAuthMethodsSupported, "none")
}
