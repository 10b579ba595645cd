package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) *MemoryLimiter {
	t.Helper()
	l := NewMemoryLimiter()
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path    string
		class   string
		limited bool
	}{
		{"/auth/sso/login", "auth", true},
		{"/auth/dev-login", "auth", true},
		{"/oauth/token", "token", true},
		{"/oauth/authorize", "default", true},
		{"/api/admin/users", "admin", true},
		{"/api/applications", "default", true},
		{"/", "", false},
		{"/health", "", false},
		{"/docs", "", false},
		{"/openapi.json", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			class, limited := Classify(tt.path)
			assert.Equal(t, tt.limited, limited)
			if limited {
				assert.Equal(t, tt.class, class.Name)
			}
		})
	}
}

func TestMemoryLimiterBudget(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < ClassAuth.Limit; i++ {
		allowed, _, err := l.Allow(ctx, ClassAuth, "203.0.113.7")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should fit the budget", i+1)
	}

	allowed, retryAfter, err := l.Allow(ctx, ClassAuth, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))

	// A different IP has its own budget.
	allowed, _, err = l.Allow(ctx, ClassAuth, "198.51.100.2")
	require.NoError(t, err)
	assert.True(t, allowed)

	// The same IP still has budget in another class.
	allowed, _, err = l.Allow(ctx, ClassToken, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestMemoryLimiterWindowSlides(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t)
	ctx := context.Background()

	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < ClassAuth.Limit; i++ {
		allowed, _, err := l.Allow(ctx, ClassAuth, "ip")
		require.NoError(t, err)
		require.True(t, allowed)
	}
	allowed, _, err := l.Allow(ctx, ClassAuth, "ip")
	require.NoError(t, err)
	require.False(t, allowed)

	// After the window passes, the budget resets.
	now = now.Add(ClassAuth.Window + time.Second)
	allowed, _, err = l.Allow(ctx, ClassAuth, "ip")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRedisLimiterBudget(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	l := NewRedisLimiter(rdb)
	ctx := context.Background()

	for i := 0; i < ClassToken.Limit; i++ {
		allowed, _, err := l.Allow(ctx, ClassToken, "203.0.113.7")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, retryAfter, err := l.Allow(ctx, ClassToken, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))

	// Expiring the window resets the counter.
	mr.FastForward(ClassToken.Window + time.Second)
	allowed, _, err = l.Allow(ctx, ClassToken, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestMiddleware(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t)

	handler := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(path, ip string) *httptest.ResponseRecorder {
		r := httptest.NewRequest("GET", path, nil)
		r.RemoteAddr = ip + ":12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	for i := 0; i < ClassAuth.Limit; i++ {
		assert.Equal(t, http.StatusOK, do("/auth/sso/login", "10.0.0.1").Code)
	}

	w := do("/auth/sso/login", "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "Rate limit exceeded")

	// Exempt paths are never limited.
	for i := 0; i < ClassDefault.Limit+5; i++ {
		require.Equal(t, http.StatusOK, do("/health", "10.0.0.1").Code)
	}
}
