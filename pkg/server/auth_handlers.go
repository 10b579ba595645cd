package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Prophet73/aihub/pkg/audit"
	"github.com/Prophet73/aihub/pkg/crypto"
	"github.com/Prophet73/aihub/pkg/logger"
	"github.com/Prophet73/aihub/pkg/models"
	"github.com/Prophet73/aihub/pkg/session"
	"github.com/Prophet73/aihub/pkg/upstream"
)

// loginStateTTL bounds how long an SSO round trip may take.
const loginStateTTL = 10 * time.Minute

type pendingLogin struct {
	verifier   string
	redirectTo string
	expiresAt  time.Time
}

// pendingLogins tracks in-flight SSO logins keyed by state.
type pendingLogins struct {
	mu      sync.Mutex
	entries map[string]pendingLogin
}

func newPendingLogins() *pendingLogins {
	return &pendingLogins{entries: make(map[string]pendingLogin)}
}

func (p *pendingLogins) add(state string, entry pendingLogin) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for k, e := range p.entries {
		if now.After(e.expiresAt) {
			delete(p.entries, k)
		}
	}
	p.entries[state] = entry
}

// take removes and returns the entry for state, if it exists and is fresh.
func (p *pendingLogins) take(state string) (pendingLogin, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[state]
	if !ok {
		return pendingLogin{}, false
	}
	delete(p.entries, state)
	if time.Now().After(entry.expiresAt) {
		return pendingLogin{}, false
	}
	return entry, true
}

// safeRedirect keeps post-login redirects on-site.
func safeRedirect(redirectTo string) string {
	if redirectTo == "" || !strings.HasPrefix(redirectTo, "/") || strings.HasPrefix(redirectTo, "//") {
		return "/"
	}
	return redirectTo
}

func (s *Server) setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   strings.HasPrefix(s.cfg.PublicURL, "https://"),
		MaxAge:   int(session.DefaultTTL.Seconds()),
	})
}

func (s *Server) handleSSOLogin(w http.ResponseWriter, r *http.Request) {
	if s.sso == nil {
		writeDetail(w, http.StatusServiceUnavailable, "SSO is not configured")
		return
	}

	state, err := crypto.GenerateToken()
	if err != nil {
		writeError(w, err)
		return
	}
	verifier := upstream.NewVerifier()

	s.pending.add(state, pendingLogin{
		verifier:   verifier,
		redirectTo: safeRedirect(r.URL.Query().Get("redirect_to")),
		expiresAt:  time.Now().Add(loginStateTTL),
	})

	http.Redirect(w, r, s.sso.LoginURL(state, verifier), http.StatusFound)
}

func (s *Server) handleSSOCallback(w http.ResponseWriter, r *http.Request) {
	if s.sso == nil {
		writeDetail(w, http.StatusServiceUnavailable, "SSO is not configured")
		return
	}

	ctx := r.Context()
	meta := audit.MetaFromRequest(r)

	if errCode := r.FormValue("error"); errCode != "" {
		s.recorder.LoginAttempt(ctx, nil, models.LoginTypeSSO, false, "upstream error: "+errCode, meta)
		writeDetail(w, http.StatusUnauthorized, "upstream login failed")
		return
	}

	entry, ok := s.pending.take(r.FormValue("state"))
	if !ok {
		s.recorder.LoginAttempt(ctx, nil, models.LoginTypeSSO, false, "unknown or expired state", meta)
		writeDetail(w, http.StatusUnauthorized, "unknown or expired login attempt")
		return
	}

	identity, err := s.sso.Exchange(ctx, r.FormValue("code"), entry.verifier)
	if err != nil {
		logger.Warnw("sso callback verification failed", "error", err)
		s.recorder.LoginAttempt(ctx, nil, models.LoginTypeSSO, false, "callback verification failed", meta)
		writeDetail(w, http.StatusUnauthorized, "upstream login failed")
		return
	}

	user, err := s.store.UpsertUser(ctx, identity.User())
	if err != nil {
		writeError(w, err)
		return
	}
	if !user.IsActive {
		s.recorder.LoginAttempt(ctx, &user.ID, models.LoginTypeSSO, false, "user is deactivated", meta)
		writeDetail(w, http.StatusForbidden, "account is deactivated")
		return
	}

	now := time.Now()
	if err := s.store.SetLastLogin(ctx, user.ID, now); err != nil {
		logger.Warnw("failed to record last login", "error", err, "user_id", user.ID)
	}
	s.recorder.LoginAttempt(ctx, &user.ID, models.LoginTypeSSO, true, "", meta)

	sessionID, err := s.sessions.Create(ctx, user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.setSessionCookie(w, sessionID)

	http.Redirect(w, r, entry.redirectTo, http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(session.CookieName); err == nil && cookie.Value != "" {
		if err := s.sessions.Delete(r.Context(), cookie.Value); err != nil {
			logger.Warnw("failed to delete session", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]any{})
}

// handleDevLogin signs in without the upstream SSO. Registered only in dev
// mode.
func (s *Server) handleDevLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Email == "" {
		writeDetail(w, http.StatusBadRequest, "email is required")
		return
	}

	ctx := r.Context()
	user, err := s.store.UpsertUser(ctx, &models.User{
		Email:       req.Email,
		DisplayName: req.Name,
		IsActive:    true,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	meta := audit.MetaFromRequest(r)
	if !user.IsActive {
		s.recorder.LoginAttempt(ctx, &user.ID, models.LoginTypeDev, false, "user is deactivated", meta)
		writeDetail(w, http.StatusForbidden, "account is deactivated")
		return
	}

	if err := s.store.SetLastLogin(ctx, user.ID, time.Now()); err != nil {
		logger.Warnw("failed to record last login", "error", err, "user_id", user.ID)
	}
	s.recorder.LoginAttempt(ctx, &user.ID, models.LoginTypeDev, true, "", meta)

	sessionID, err := s.sessions.Create(ctx, user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.setSessionCookie(w, sessionID)

	writeJSON(w, http.StatusOK, userResponse(user))
}
