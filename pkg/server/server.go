// Package server wires the HTTP surface of the hub: the OAuth2/OIDC provider
// endpoints, the SSO login flow, the application listing and the admin API.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Prophet73/aihub/pkg/access"
	"github.com/Prophet73/aihub/pkg/audit"
	"github.com/Prophet73/aihub/pkg/config"
	"github.com/Prophet73/aihub/pkg/logger"
	"github.com/Prophet73/aihub/pkg/oauth"
	"github.com/Prophet73/aihub/pkg/ratelimit"
	"github.com/Prophet73/aihub/pkg/session"
	"github.com/Prophet73/aihub/pkg/storage"
	"github.com/Prophet73/aihub/pkg/upstream"
)

const (
	readHeaderTimeout = 10 * time.Second
	requestTimeout    = 60 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Server holds the dependencies of the HTTP layer.
type Server struct {
	cfg      *config.Config
	store    storage.Store
	sessions session.Store
	provider *oauth.Service
	engine   *access.Engine
	recorder *audit.Recorder
	limiter  ratelimit.Limiter

	// sso is nil in dev mode without an upstream configured.
	sso     *upstream.Client
	pending *pendingLogins

	httpSrv *http.Server
}

// New assembles the server. sso may be nil only when cfg.DevMode is set.
func New(
	cfg *config.Config,
	store storage.Store,
	sessions session.Store,
	provider *oauth.Service,
	limiter ratelimit.Limiter,
	sso *upstream.Client,
) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		provider: provider,
		engine:   access.NewEngine(store),
		recorder: audit.NewRecorder(store),
		limiter:  limiter,
		sso:      sso,
		pending:  newPendingLogins(),
	}
}

// Router builds the chi router with all routes and middleware attached.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(requestTimeout),
		ratelimit.Middleware(s.limiter),
		s.authenticate,
	)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/.well-known/openid-configuration", s.handleDiscovery)

	r.Route("/oauth", func(r chi.Router) {
		r.Get("/authorize", s.handleAuthorize)
		r.Post("/token", s.handleToken)
		r.Get("/userinfo", s.handleUserInfo)
		r.Post("/revoke", s.handleRevoke)
		r.Get("/jwks", s.handleJWKS)
	})

	r.Route("/auth", func(r chi.Router) {
		r.Get("/sso/login", s.handleSSOLogin)
		r.Get("/sso/callback", s.handleSSOCallback)
		r.Post("/sso/callback", s.handleSSOCallback)
		r.Post("/logout", s.handleLogout)
		if s.cfg.DevMode {
			r.Post("/dev-login", s.handleDevLogin)
		}
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/applications", func(r chi.Router) {
			r.Use(s.requireUser)
			r.Get("/", s.handleListVisibleApplications)

			r.Group(func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Post("/", s.handleCreateApplication)
				r.Get("/{id}", s.handleGetApplication)
				r.Put("/{id}", s.handleUpdateApplication)
				r.Delete("/{id}", s.handleDeleteApplication)
				r.Post("/{id}/rotate-secret", s.handleRotateSecret)
				r.Get("/{id}/access", s.handleListApplicationGrants)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireUser, s.requireAdmin)

			r.Get("/users", s.handleListUsers)
			r.Put("/users/{id}", s.handleUpdateUser)
			r.Post("/users/bulk", s.handleBulkUserAction)

			r.Get("/groups", s.handleListGroups)
			r.Post("/groups", s.handleCreateGroup)
			r.Put("/groups/{id}", s.handleUpdateGroup)
			r.Delete("/groups/{id}", s.handleDeleteGroup)
			r.Get("/groups/{id}/members", s.handleListGroupMembers)
			r.Post("/groups/{id}/members", s.handleChangeGroupMembers)

			r.Post("/access", s.handleGrantAccess)
			r.Delete("/access/{id}", s.handleRevokeAccess)

			r.Get("/departments", s.handleListDepartments)
			r.Get("/audit-log", s.handleListAudit)
			r.Get("/login-history", s.handleListLogins)
			r.Get("/stats", s.handleStats)
			r.Get("/stats/logins", s.handleLoginStats)
			r.Get("/health", s.handleAdminHealth)
			r.Post("/cleanup-tokens", s.handleCleanupTokens)
		})
	})

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("http server listening", "addr", s.cfg.ListenAddr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Infow("shutting down http server")
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"service": "aihub", "status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
