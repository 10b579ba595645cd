// Package ratelimit provides per-IP request rate limiting with separate
// budgets for authentication, token and admin routes.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Prophet73/aihub/pkg/audit"
	"github.com/Prophet73/aihub/pkg/logger"
)

// Class is a rate-limit budget applied to a family of routes.
type Class struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Route class budgets. Windows are one minute across the board; auth routes
// get the tightest budget because they are a credential-guessing target.
var (
	ClassAuth    = Class{Name: "auth", Limit: 10, Window: time.Minute}
	ClassToken   = Class{Name: "token", Limit: 20, Window: time.Minute}
	ClassAdmin   = Class{Name: "admin", Limit: 100, Window: time.Minute}
	ClassDefault = Class{Name: "default", Limit: 200, Window: time.Minute}
)

// exemptPaths never count against any budget.
var exemptPaths = map[string]struct{}{
	"/":             {},
	"/health":       {},
	"/docs":         {},
	"/openapi.json": {},
}

// Classify maps a request path to its rate-limit class. The bool result is
// false for exempt paths.
func Classify(path string) (Class, bool) {
	if _, ok := exemptPaths[path]; ok {
		return Class{}, false
	}
	switch {
	case strings.HasPrefix(path, "/auth/"):
		return ClassAuth, true
	case path == "/oauth/token":
		return ClassToken, true
	case strings.HasPrefix(path, "/api/admin/"):
		return ClassAdmin, true
	default:
		return ClassDefault, true
	}
}

// Limiter counts requests per key within a class window.
type Limiter interface {
	// Allow records one request for key under class and reports whether it
	// fits the budget. When denied, retryAfter is how long the caller
	// should wait.
	Allow(ctx context.Context, class Class, key string) (allowed bool, retryAfter time.Duration, err error)
}

// Middleware enforces limiter on every non-exempt request, keyed by client
// IP. Limiter failures let the request through; availability wins over
// precision here.
func Middleware(limiter Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			class, limited := Classify(r.URL.Path)
			if !limited {
				next.ServeHTTP(w, r)
				return
			}

			ip := audit.ClientIP(r)
			allowed, retryAfter, err := limiter.Allow(r.Context(), class, ip)
			if err != nil {
				logger.Warnw("rate limiter unavailable", "error", err, "class", class.Name)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				secs := int(retryAfter.Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"detail":"Rate limit exceeded. Retry after %d seconds."}`, secs)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
