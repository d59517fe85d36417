package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagnosis/turnstile/pkg/auth"
)

func okHandler(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }

func TestRateLimiter_PerClient(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RPS: 1, Burst: 2})
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	h := rl.Middleware()(http.HandlerFunc(okHandler))

	call := func(ip string) int {
		req := httptest.NewRequest("POST", "/gate/test", nil)
		req.RemoteAddr = ip + ":5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("10.0.0.1"))
	assert.Equal(t, http.StatusOK, call("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1"))
	assert.Equal(t, http.StatusOK, call("10.0.0.2"), "other clients keep their own bucket")

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, call("10.0.0.1"))
}

func TestRateLimiter_ForgetsIdleClients(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RPS: 1, Burst: 1, IdleTTL: time.Minute})
	now := time.Now()
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("a"))
	now = now.Add(2 * time.Minute)
	assert.True(t, rl.allow("b"))

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.clients, "a")
	assert.Contains(t, rl.clients, "b")
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.168.0.9:4000"
	assert.Equal(t, "192.168.0.9", getClientIP(req))

	req.Header.Set("X-Real-IP", "10.1.1.1")
	assert.Equal(t, "10.1.1.1", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "172.16.0.1, 10.0.0.1")
	assert.Equal(t, "172.16.0.1", getClientIP(req))
}

func TestRequireRole(t *testing.T) {
	const secret = "s3cret"
	var seen *auth.Claims
	h := RequireRole(secret, auth.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = Claims(r)
		w.WriteHeader(http.StatusOK)
	}))

	call := func(authz string) int {
		req := httptest.NewRequest("POST", "/sensor/clear", nil)
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	admin, err := auth.NewOperatorToken("u1", "Admin", auth.RoleAdmin, secret, time.Hour)
	require.NoError(t, err)
	operator, err := auth.NewOperatorToken("u2", "Op", auth.RoleOperator, secret, time.Hour)
	require.NoError(t, err)
	expired, err := auth.NewOperatorToken("u1", "Admin", auth.RoleAdmin, secret, -time.Minute)
	require.NoError(t, err)
	foreign, err := auth.NewOperatorToken("u1", "Admin", auth.RoleAdmin, "other", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, call(""))
	assert.Equal(t, http.StatusUnauthorized, call("Bearer "+expired))
	assert.Equal(t, http.StatusUnauthorized, call("Bearer "+foreign))
	assert.Equal(t, http.StatusForbidden, call("Bearer "+operator))

	assert.Equal(t, http.StatusOK, call("Bearer "+admin))
	require.NotNil(t, seen)
	assert.Equal(t, "u1", seen.Sub)
}
