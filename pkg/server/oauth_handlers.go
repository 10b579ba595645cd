package server

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/Prophet73/aihub/pkg/audit"
	"github.com/Prophet73/aihub/pkg/oauth"
)

func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.Discovery())
}

// handleJWKS serves an empty key set. ID tokens are HS256; verification uses
// the shared secret, not published keys.
func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"keys": []any{}})
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := oauth.AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}

	location, err := s.provider.Authorize(r.Context(), currentUser(r.Context()), req, audit.MetaFromRequest(r))
	if err != nil {
		if errors.Is(err, oauth.ErrLoginRequired) {
			login := "/auth/sso/login?redirect_to=" + url.QueryEscape(r.URL.RequestURI())
			http.Redirect(w, r, login, http.StatusFound)
			return
		}
		writeOAuthError(w, err, req.State)
		return
	}

	http.Redirect(w, r, location, http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, oauth.NewError(oauth.ErrCodeInvalidRequest, "malformed form body"), "")
		return
	}

	req := oauth.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
	}

	// client_secret_basic: credentials in the Authorization header take
	// precedence over form fields.
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID = id
		req.ClientSecret = secret
	}

	resp, err := s.provider.Exchange(r.Context(), req)
	if err != nil {
		writeOAuthError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	bearer := bearerToken(r)
	if bearer == "" {
		writeJSON(w, http.StatusUnauthorized, oauthErrorBody{Error: oauth.ErrCodeInvalidRequest, ErrorDescription: "bearer token required"})
		return
	}

	claims, err := s.provider.UserInfo(r.Context(), bearer)
	if err != nil {
		var oerr *oauth.Error
		if errors.As(err, &oerr) && oerr.Code != oauth.ErrCodeServerError {
			writeJSON(w, http.StatusUnauthorized, oauthErrorBody{Error: oerr.Code, ErrorDescription: oerr.Description})
			return
		}
		writeOAuthError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, oauth.NewError(oauth.ErrCodeInvalidRequest, "malformed form body"), "")
		return
	}

	req := oauth.RevokeRequest{
		Token:        r.PostForm.Get("token"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
	}
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID = id
		req.ClientSecret = secret
	}

	// RFC 7009: the response does not disclose whether the token existed.
	if err := s.provider.Revoke(r.Context(), req); err != nil {
		writeOAuthError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}
