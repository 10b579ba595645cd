// Package session stores browser sessions for the hub UI. A session maps an
// opaque cookie value to a user ID with a fixed lifetime.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Prophet73/aihub/pkg/crypto"
)

// DefaultTTL is the browser session lifetime.
const DefaultTTL = 24 * time.Hour

// CookieName is the session cookie set after login.
const CookieName = "hub_session"

// ErrNotFound is returned for unknown or expired sessions.
var ErrNotFound = errors.New("session not found")

// Store persists browser sessions.
type Store interface {
	// Create mints a new session for the user and returns its opaque ID.
	Create(ctx context.Context, userID uuid.UUID) (string, error)

	// Get resolves a session ID to its user. Expired sessions behave as
	// missing.
	Get(ctx context.Context, id string) (uuid.UUID, error)

	// Delete removes a session. Deleting a missing session is a no-op.
	Delete(ctx context.Context, id string) error
}

type memoryEntry struct {
	userID    uuid.UUID
	expiresAt time.Time
}

// MemoryStore implements Store with an in-process map.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry
	ttl      time.Duration
}

// NewMemoryStore creates a memory session store with the given TTL. A
// non-positive TTL selects DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		sessions: make(map[string]memoryEntry),
		ttl:      ttl,
	}
}

// Create mints a new session for the user.
func (s *MemoryStore) Create(_ context.Context, userID uuid.UUID) (string, error) {
	id, err := crypto.GenerateToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Opportunistic sweep keeps the map from growing unbounded.
	now := time.Now()
	for k, e := range s.sessions {
		if now.After(e.expiresAt) {
			delete(s.sessions, k)
		}
	}

	s.sessions[id] = memoryEntry{userID: userID, expiresAt: now.Add(s.ttl)}
	return id, nil
}

// Get resolves a session ID to its user.
func (s *MemoryStore) Get(_ context.Context, id string) (uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[id]
	if !ok || time.Now().After(entry.expiresAt) {
		return uuid.Nil, ErrNotFound
	}
	return entry.userID, nil
}

// Delete removes a session.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
