package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prophet73/aihub/pkg/audit"
	"github.com/Prophet73/aihub/pkg/config"
	"github.com/Prophet73/aihub/pkg/crypto"
	"github.com/Prophet73/aihub/pkg/models"
	"github.com/Prophet73/aihub/pkg/oauth"
	"github.com/Prophet73/aihub/pkg/ratelimit"
	"github.com/Prophet73/aihub/pkg/session"
	"github.com/Prophet73/aihub/pkg/storage"
)

type testEnv struct {
	srv    *httptest.Server
	store  *storage.MemoryStore
	client *http.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := storage.NewMemoryStore(storage.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{
		ListenAddr:    ":0",
		PublicURL:     "http://hub.test",
		SigningSecret: []byte(strings.Repeat("k", 32)),
		DevMode:       true,
	}

	signer := crypto.NewIDTokenSigner(cfg.PublicURL, cfg.SigningSecret)
	provider := oauth.NewService(store, signer, audit.NewRecorder(store), oauth.Config{Issuer: cfg.PublicURL})

	limiter := ratelimit.NewMemoryLimiter()
	t.Cleanup(func() { _ = limiter.Close() })

	s := New(cfg, store, session.NewMemoryStore(0), provider, limiter, nil)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &testEnv{srv: srv, store: store, client: client}
}

func (e *testEnv) devLogin(t *testing.T, email string) *models.User {
	t.Helper()

	body, _ := json.Marshal(map[string]string{"email": email, "name": "Test User"})
	resp, err := e.client.Post(e.srv.URL+"/auth/dev-login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	user, err := e.store.GetUserByEmail(context.Background(), email)
	require.NoError(t, err)
	return user
}

func (e *testEnv) promoteAdmin(t *testing.T, user *models.User) {
	t.Helper()
	user.IsAdmin = true
	require.NoError(t, e.store.UpdateUser(context.Background(), user))
}

func (e *testEnv) createApp(t *testing.T, redirectURI string) (*models.Application, string) {
	t.Helper()

	secret, err := crypto.GenerateClientSecret()
	require.NoError(t, err)
	hash, err := crypto.HashSecret(secret)
	require.NoError(t, err)

	app := &models.Application{
		ID:               uuid.New(),
		Name:             "Wiki",
		Slug:             "wiki-" + uuid.NewString()[:8],
		ClientID:         "hub_" + uuid.NewString()[:8],
		ClientSecretHash: hash,
		RedirectURIs:     []string{redirectURI},
		IsActive:         true,
		IsPublic:         true,
	}
	require.NoError(t, e.store.CreateApplication(context.Background(), app))
	return app, secret
}

func (e *testEnv) getJSON(t *testing.T, path string, out any) *http.Response {
	t.Helper()
	resp, err := e.client.Get(e.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := e.client.Post(e.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestOAuthFlowEndToEnd(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	e.devLogin(t, "alice@example.com")
	app, secret := e.createApp(t, "https://wiki.test/cb")

	// Authorize mints a code and redirects back to the client.
	authURL := fmt.Sprintf("%s/oauth/authorize?response_type=code&client_id=%s&redirect_uri=%s&state=xyz&scope=openid",
		e.srv.URL, app.ClientID, url.QueryEscape("https://wiki.test/cb"))
	resp, err := e.client.Get(authURL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "xyz", loc.Query().Get("state"))

	// Exchange the code for tokens.
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://wiki.test/cb"},
		"client_id":     {app.ClientID},
		"client_secret": {secret},
	}
	resp, err = e.client.PostForm(e.srv.URL+"/oauth/token", form)
	require.NoError(t, err)
	var tokens oauth.TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tokens))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, tokens.AccessToken)
	require.NotEmpty(t, tokens.IDToken)

	// Replaying the code fails.
	resp, err = e.client.PostForm(e.srv.URL+"/oauth/token", form)
	require.NoError(t, err)
	var oauthErr struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&oauthErr))
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", oauthErr.Error)

	// Userinfo answers for the live token.
	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/oauth/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	resp, err = e.client.Do(req)
	require.NoError(t, err)
	var claims oauth.UserInfoClaims
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&claims))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice@example.com", claims.Email)

	// Revoke, then userinfo is a 401.
	resp, err = e.client.PostForm(e.srv.URL+"/oauth/revoke", url.Values{
		"token":         {tokens.AccessToken},
		"client_id":     {app.ClientID},
		"client_secret": {secret},
	})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, e.srv.URL+"/oauth/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	resp, err = e.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthorizeAnonymousRedirectsToLogin(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	app, _ := e.createApp(t, "https://wiki.test/cb")

	authURL := fmt.Sprintf("%s/oauth/authorize?response_type=code&client_id=%s&redirect_uri=%s",
		e.srv.URL, app.ClientID, url.QueryEscape("https://wiki.test/cb"))
	resp, err := e.client.Get(authURL)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc := resp.Header.Get("Location")
	assert.True(t, strings.HasPrefix(loc, "/auth/sso/login?redirect_to="))
	assert.Contains(t, loc, url.QueryEscape("/oauth/authorize"))
}

func TestAuthorizeUnregisteredRedirectURIFailsDirectly(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	e.devLogin(t, "alice@example.com")
	app, _ := e.createApp(t, "https://wiki.test/cb")

	authURL := fmt.Sprintf("%s/oauth/authorize?response_type=code&client_id=%s&redirect_uri=%s",
		e.srv.URL, app.ClientID, url.QueryEscape("https://evil.test/cb"))
	resp, err := e.client.Get(authURL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDiscoveryDocumentServed(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	var doc map[string]any
	resp := e.getJSON(t, "/.well-known/openid-configuration", &doc)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://hub.test", doc["issuer"])
	assert.Equal(t, "http://hub.test/oauth/token", doc["token_endpoint"])
}

func TestDepartmentGateAppliesToListingOnly(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	user := e.devLogin(t, "frank@example.com")
	user.Department = "Finance"
	require.NoError(t, e.store.UpdateUser(context.Background(), user))

	app, _ := e.createApp(t, "https://it-tool.test/cb")
	app.AllowedDepartments = []string{"IT"}
	require.NoError(t, e.store.UpdateApplication(context.Background(), app))

	// The listing hides the gated application.
	var listing struct {
		Items []applicationView `json:"items"`
	}
	resp := e.getJSON(t, "/api/applications/", &listing)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, item := range listing.Items {
		assert.NotEqual(t, app.ID, item.ID)
	}

	// Authorize still mints a code for it.
	authURL := fmt.Sprintf("%s/oauth/authorize?response_type=code&client_id=%s&redirect_uri=%s",
		e.srv.URL, app.ClientID, url.QueryEscape("https://it-tool.test/cb"))
	authResp, err := e.client.Get(authURL)
	require.NoError(t, err)
	authResp.Body.Close()
	require.Equal(t, http.StatusFound, authResp.StatusCode)
	loc, err := url.Parse(authResp.Header.Get("Location"))
	require.NoError(t, err)
	assert.NotEmpty(t, loc.Query().Get("code"))
}

func TestTokenEndpointRateLimited(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)

	var last *http.Response
	for i := 0; i < 21; i++ {
		resp, err := e.client.PostForm(e.srv.URL+"/oauth/token", url.Values{
			"grant_type": {"authorization_code"},
			"code":       {"bogus"},
		})
		require.NoError(t, err)
		resp.Body.Close()
		last = resp
	}

	require.Equal(t, http.StatusTooManyRequests, last.StatusCode)
	retryAfter := last.Header.Get("Retry-After")
	require.NotEmpty(t, retryAfter)
}

func TestAdminGuards(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)

	// Anonymous callers get a 401.
	resp := e.getJSON(t, "/api/admin/users", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Plain users get a 403.
	e.devLogin(t, "bob@example.com")
	resp = e.getJSON(t, "/api/admin/users", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAdminUserManagement(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	admin := e.devLogin(t, "root@example.com")
	e.promoteAdmin(t, admin)
	target := e.devLogin(t, "victim@example.com")

	// Re-login as the admin; devLogin switched the session cookie.
	e.devLogin(t, "root@example.com")

	var page struct {
		Items []userView `json:"items"`
		Total int        `json:"total"`
	}
	resp := e.getJSON(t, "/api/admin/users", &page)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, page.Total)

	// Bulk deactivate works on others.
	resp = e.postJSON(t, "/api/admin/users/bulk", map[string]any{
		"user_ids": []uuid.UUID{target.ID},
		"action":   "deactivate",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	updated, err := e.store.GetUser(context.Background(), target.ID)
	require.NoError(t, err)
	assert.False(t, updated.IsActive)

	// The guard blocks self-deactivation.
	resp = e.postJSON(t, "/api/admin/users/bulk", map[string]any{
		"user_ids": []uuid.UUID{admin.ID},
		"action":   "deactivate",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// The bulk mutation left an audit row.
	entries, _, err := e.store.ListAudit(context.Background(), storage.AuditFilter{})
	require.NoError(t, err)
	found := false
	for _, entry := range entries {
		if entry.Action == models.ActionUserBulk+".deactivate" {
			found = true
		}
	}
	assert.True(t, found, "bulk action must be audited")
}

func TestAdminApplicationLifecycle(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	admin := e.devLogin(t, "root@example.com")
	e.promoteAdmin(t, admin)
	e.devLogin(t, "root@example.com")

	// Create returns the plaintext secret exactly once.
	raw, _ := json.Marshal(map[string]any{
		"name":          "Chat",
		"slug":          "chat",
		"redirect_uris": []string{"https://chat.test/cb"},
		"is_public":     true,
	})
	resp, err := e.client.Post(e.srv.URL+"/api/applications/", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	var created struct {
		applicationView
		ClientSecret string `json:"client_secret"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, created.ClientSecret)
	require.True(t, strings.HasPrefix(created.ClientID, "hub_"))

	// Rotating invalidates the old secret.
	resp = e.postJSON(t, "/api/applications/"+created.ID.String()+"/rotate-secret", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	app, err := e.store.GetApplication(context.Background(), created.ID)
	require.NoError(t, err)
	assert.False(t, crypto.VerifySecret(created.ClientSecret, app.ClientSecretHash))

	// Soft delete deactivates, permanent delete removes.
	req, _ := http.NewRequest(http.MethodDelete, e.srv.URL+"/api/applications/"+created.ID.String(), nil)
	resp, err = e.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	app, err = e.store.GetApplication(context.Background(), created.ID)
	require.NoError(t, err)
	assert.False(t, app.IsActive)

	req, _ = http.NewRequest(http.MethodDelete, e.srv.URL+"/api/applications/"+created.ID.String()+"?permanent=true", nil)
	resp, err = e.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = e.store.GetApplication(context.Background(), created.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAdminGroupsAndGrants(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	admin := e.devLogin(t, "root@example.com")
	e.promoteAdmin(t, admin)
	member := e.devLogin(t, "member@example.com")
	e.devLogin(t, "root@example.com")

	resp, err := e.client.Post(e.srv.URL+"/api/admin/groups", "application/json",
		strings.NewReader(`{"name":"Engineering"}`))
	require.NoError(t, err)
	var group models.UserGroup
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&group))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = e.postJSON(t, "/api/admin/groups/"+group.ID.String()+"/members", map[string]any{
		"add": []uuid.UUID{member.ID},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	app, _ := e.createApp(t, "https://tool.test/cb")
	app.IsPublic = false
	require.NoError(t, e.store.UpdateApplication(context.Background(), app))

	resp = e.postJSON(t, "/api/admin/access", map[string]any{
		"application_id": app.ID,
		"group_id":       group.ID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ok, err := e.store.HasGroupGrant(context.Background(), app.ID, []uuid.UUID{group.ID})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAdminStatsAndCleanup(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	admin := e.devLogin(t, "root@example.com")
	e.promoteAdmin(t, admin)
	e.devLogin(t, "root@example.com")

	var stats map[string]int64
	resp := e.getJSON(t, "/api/admin/stats", &stats)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(1), stats["total_users"])

	var health struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	resp = e.getJSON(t, "/api/admin/health", &health)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "not_configured", health.Checks["upstream_sso"])

	resp = e.postJSON(t, "/api/admin/cleanup-tokens", map[string]any{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogoutClearsSession(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	e.devLogin(t, "alice@example.com")

	resp := e.getJSON(t, "/api/applications/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.postJSON(t, "/auth/logout", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.getJSON(t, "/api/applications/", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
