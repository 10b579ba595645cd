package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Prophet73/aihub/pkg/models"
	"github.com/Prophet73/aihub/pkg/session"
)

type contextKey string

const userContextKey contextKey = "hub.user"

const (
	defaultPerPage = 50
	maxPerPage     = 200
)

// currentUser returns the authenticated user, or nil for anonymous requests.
func currentUser(ctx context.Context) *models.User {
	user, _ := ctx.Value(userContextKey).(*models.User)
	return user
}

// authenticate resolves the caller from the session cookie or a bearer access
// token and stores the user in the request context. Anonymous and failed
// lookups pass through with no user; route guards decide what that means.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := s.resolveUser(r)
		if user != nil && user.IsActive {
			r = r.WithContext(context.WithValue(r.Context(), userContextKey, user))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) resolveUser(r *http.Request) *models.User {
	ctx := r.Context()

	if cookie, err := r.Cookie(session.CookieName); err == nil && cookie.Value != "" {
		userID, err := s.sessions.Get(ctx, cookie.Value)
		if err == nil {
			user, err := s.store.GetUser(ctx, userID)
			if err == nil {
				return user
			}
		}
	}

	if bearer := bearerToken(r); bearer != "" {
		token, err := s.store.GetToken(ctx, bearer)
		if err != nil || token.TokenType != models.TokenTypeAccess || !token.Live(time.Now()) {
			return nil
		}
		user, err := s.store.GetUser(ctx, token.UserID)
		if err == nil {
			return user
		}
	}

	return nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// requireUser rejects anonymous requests.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if currentUser(r.Context()) == nil {
			writeDetail(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin rejects callers without admin rights.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := currentUser(r.Context())
		if user == nil {
			writeDetail(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !user.IsAdmin && !user.IsSuperAdmin {
			writeDetail(w, http.StatusForbidden, "admin rights required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// pagination parses page and per_page query parameters into limit and offset.
func pagination(r *http.Request) (page, perPage, limit, offset int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	perPage, _ = strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	return page, perPage, perPage, (page - 1) * perPage
}
