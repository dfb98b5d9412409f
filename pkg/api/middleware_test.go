package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlekkr/hlekkr/pkg/review"
)

func TestRequireModeratorPutsClaimsOnContext(t *testing.T) {
	key := []byte("middleware-test-key")
	token, err := review.SignModeratorToken(key, "mod-7", review.RoleLead, time.Hour, time.Now())
	require.NoError(t, err)

	var seen *review.ModeratorClaims
	handler := RequireModerator(key, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ModeratorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reviews/r-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "mod-7", seen.ModeratorID)
	assert.Equal(t, review.RoleLead, seen.Role)
}

func TestRequireModeratorRejects(t *testing.T) {
	key := []byte("middleware-test-key")
	otherKey := []byte("a-different-key")
	wrongKeyToken, err := review.SignModeratorToken(otherKey, "mod-7", review.RoleLead, time.Hour, time.Now())
	require.NoError(t, err)
	expiredToken, err := review.SignModeratorToken(key, "mod-7", review.RoleLead, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer garbage"},
		{"wrong key", "Bearer " + wrongKeyToken},
		{"expired", "Bearer " + expiredToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			handler := RequireModerator(key, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				called = true
			}))
			req := httptest.NewRequest(http.MethodGet, "/api/v1/reviews/r-1", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.False(t, called)
		})
	}
}

func TestGlobalRateLimiterThrottlesPerIP(t *testing.T) {
	rl := NewGlobalRateLimiter(1, 2)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1234"))
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:1234"))

	// A different client gets its own bucket.
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1234"))
}

func TestGlobalRateLimiterSetsRetryAfter(t *testing.T) {
	rl := NewGlobalRateLimiter(1, 1)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.3:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}
