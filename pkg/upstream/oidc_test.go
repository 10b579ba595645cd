package upstream

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	mockClientID     = "hub-sso-client"
	mockClientSecret = "hub-sso-secret"
	mockRedirectURL  = "http://localhost:8080/auth/sso/callback"
)

// mockIDP is a minimal OIDC identity provider: discovery, token and JWKS.
type mockIDP struct {
	*httptest.Server
	issuer string
	key    *rsa.PrivateKey
	keyID  string

	// idClaims are merged into the ID token minted by the token endpoint.
	idClaims map[string]any
}

func newMockIDP(t *testing.T) *mockIDP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	m := &mockIDP{key: key, keyID: "mock-key-1"}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", m.handleDiscovery)
	mux.HandleFunc("/token", m.handleToken)
	mux.HandleFunc("/jwks", m.handleJWKS)

	m.Server = httptest.NewServer(mux)
	m.issuer = m.URL
	t.Cleanup(m.Close)
	return m
}

func (m *mockIDP) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"issuer":                                m.issuer,
		"authorization_endpoint":                m.issuer + "/authorize",
		"token_endpoint":                        m.issuer + "/token",
		"jwks_uri":                              m.issuer + "/jwks",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	})
}

func (m *mockIDP) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	claims := jwt.MapClaims{
		"iss": m.issuer,
		"sub": "upstream-subject-1",
		"aud": mockClientID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range m.idClaims {
		claims[k] = v
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = m.keyID
	signed, err := tok.SignedString(m.key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"access_token": "upstream-access-token",
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     signed,
	})
}

func (m *mockIDP) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	pub := m.key.Public().(*rsa.PublicKey)
	writeJSON(w, map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"use": "sig",
			"alg": "RS256",
			"kid": m.keyID,
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, idp *mockIDP) *Client {
	t.Helper()
	c, err := New(context.Background(), Config{
		Issuer:       idp.issuer,
		ClientID:     mockClientID,
		ClientSecret: mockClientSecret,
		RedirectURL:  mockRedirectURL,
	})
	require.NoError(t, err)
	return c
}

func TestNewRequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{ClientID: "x"})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Issuer: "https://idp.example.com"})
	assert.Error(t, err)
}

func TestLoginURL(t *testing.T) {
	t.Parallel()

	idp := newMockIDP(t)
	c := newTestClient(t, idp)

	verifier := NewVerifier()
	loc := c.LoginURL("state-123", verifier)

	u, err := url.Parse(loc)
	require.NoError(t, err)
	assert.Equal(t, "/authorize", u.Path)

	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, mockClientID, q.Get("client_id"))
	assert.Equal(t, mockRedirectURL, q.Get("redirect_uri"))
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Contains(t, q.Get("scope"), "openid")
}

func TestExchange(t *testing.T) {
	t.Parallel()

	idp := newMockIDP(t)
	idp.idClaims = map[string]any{
		"email":       "carol@example.com",
		"name":        "Carol Danvers",
		"given_name":  "Carol",
		"family_name": "Danvers",
		"department":  "Engineering",
		"groups":      []string{"eng", "leads"},
	}
	c := newTestClient(t, idp)

	id, err := c.Exchange(context.Background(), "any-code", NewVerifier())
	require.NoError(t, err)
	assert.Equal(t, "upstream-subject-1", id.Subject)
	assert.Equal(t, "carol@example.com", id.Email)
	assert.Equal(t, "Carol Danvers", id.Name)
	assert.Equal(t, "Engineering", id.Department)
	assert.Equal(t, []string{"eng", "leads"}, id.Groups)

	user := id.User()
	assert.Equal(t, "carol@example.com", user.Email)
	assert.Equal(t, "Carol Danvers", user.DisplayName)
	assert.Equal(t, "Carol", user.FirstName)
	assert.True(t, user.IsActive)
	assert.False(t, user.IsAdmin)
}

func TestExchangeEmailFallsBackToPreferredUsername(t *testing.T) {
	t.Parallel()

	idp := newMockIDP(t)
	idp.idClaims = map[string]any{"preferred_username": "dave@example.com"}
	c := newTestClient(t, idp)

	id, err := c.Exchange(context.Background(), "any-code", NewVerifier())
	require.NoError(t, err)
	assert.Equal(t, "dave@example.com", id.Email)
}

func TestExchangeRejectsMissingEmail(t *testing.T) {
	t.Parallel()

	idp := newMockIDP(t)
	c := newTestClient(t, idp)

	_, err := c.Exchange(context.Background(), "any-code", NewVerifier())
	assert.Error(t, err)
}

func TestExchangeRejectsWrongAudience(t *testing.T) {
	t.Parallel()

	idp := newMockIDP(t)
	idp.idClaims = map[string]any{
		"email": "eve@example.com",
		"aud":   "some-other-client",
	}
	c := newTestClient(t, idp)

	_, err := c.Exchange(context.Background(), "any-code", NewVerifier())
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	idp := newMockIDP(t)
	c := newTestClient(t, idp)

	assert.NoError(t, c.Health(context.Background()))

	idp.Close()
	assert.Error(t, c.Health(context.Background()))
}
