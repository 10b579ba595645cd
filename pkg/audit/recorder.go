// Package audit records admin mutations and authentication attempts.
package audit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Prophet73/aihub/pkg/logger"
	"github.com/Prophet73/aihub/pkg/models"
	"github.com/Prophet73/aihub/pkg/storage"
)

// maxUserAgentLen caps stored user agent strings.
const maxUserAgentLen = 500

// RequestMeta carries the client network details attached to audit and login
// rows.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// MetaFromRequest extracts the client IP and user agent from an HTTP request.
// Behind a proxy the first X-Forwarded-For entry is the client.
func MetaFromRequest(r *http.Request) RequestMeta {
	ua := r.UserAgent()
	if len(ua) > maxUserAgentLen {
		ua = ua[:maxUserAgentLen]
	}
	return RequestMeta{
		IPAddress: ClientIP(r),
		UserAgent: ua,
	}
}

// ClientIP returns the originating client IP of a request.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Recorder writes audit and login history rows.
type Recorder struct {
	store storage.Store
}

// NewRecorder creates a recorder over store.
func NewRecorder(store storage.Store) *Recorder {
	return &Recorder{store: store}
}

// Entry describes one admin mutation to be audited.
type Entry struct {
	ActorID    *uuid.UUID
	Action     string
	EntityType string
	EntityID   *uuid.UUID
	OldValues  map[string]any
	NewValues  map[string]any
	Meta       RequestMeta
}

// Record appends an audit row via the given store. Callers inside WithTx
// pass the transaction-bound store so the row commits with the mutation.
func (*Recorder) Record(ctx context.Context, store storage.Store, e Entry) error {
	return store.RecordAudit(ctx, &models.AuditLog{
		ID:         uuid.New(),
		UserID:     e.ActorID,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		OldValues:  e.OldValues,
		NewValues:  e.NewValues,
		IPAddress:  e.Meta.IPAddress,
		UserAgent:  e.Meta.UserAgent,
		CreatedAt:  time.Now(),
	})
}

// LoginAttempt records an authentication attempt. Login history is
// best-effort: a storage failure is logged and swallowed so it can never
// break a login.
func (r *Recorder) LoginAttempt(ctx context.Context, userID *uuid.UUID, loginType string, success bool, failureReason string, meta RequestMeta) {
	err := r.store.RecordLogin(ctx, &models.LoginHistory{
		ID:            uuid.New(),
		UserID:        userID,
		LoginType:     loginType,
		IPAddress:     meta.IPAddress,
		UserAgent:     meta.UserAgent,
		Success:       success,
		FailureReason: failureReason,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		logger.Warnw("failed to record login attempt", "error", err, "login_type", loginType)
	}
}
