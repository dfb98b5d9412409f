package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hlekkr/hlekkr/pkg/review"
)

// moderatorContextKey carries validated moderator claims through a request.
type moderatorContextKey struct{}

// ModeratorFromContext returns the claims the auth middleware validated, or
// nil outside an authenticated request.
func ModeratorFromContext(ctx context.Context) *review.ModeratorClaims {
	claims, _ := ctx.Value(moderatorContextKey{}).(*review.ModeratorClaims)
	return claims
}

// RequireModerator validates the bearer token on review endpoints and puts
// the claims on the request context. Fail-closed: a missing or invalid token
// is a 401, never a pass-through.
func RequireModerator(key []byte, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			WriteUnauthorized(w, "")
			return
		}
		claims, err := review.ParseModeratorToken(key, token)
		if err != nil {
			WriteUnauthorized(w, "Invalid moderator token")
			return
		}
		ctx := context.WithValue(r.Context(), moderatorContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimitConfig holds the rate limiter settings.
type rateLimitConfig struct {
	rps   rate.Limit
	burst int
}

// GlobalRateLimiter manages per-IP rate limiters.
type GlobalRateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	config   rateLimitConfig
}

// visitor tracks the rate limiter and last seen time for an IP.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewGlobalRateLimiter creates a new rate limiter allowing rps requests per
// second with the given burst per client IP.
func NewGlobalRateLimiter(rps int, burst int) *GlobalRateLimiter {
	rl := &GlobalRateLimiter{
		visitors: make(map[string]*visitor),
		config: rateLimitConfig{
			rps:   rate.Limit(rps),
			burst: burst,
		},
	}
	go rl.cleanupVisitors()
	return rl
}

// getVisitor retrieves the limiter for a given IP, creating if necessary.
func (rl *GlobalRateLimiter) getVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		limiter := rate.NewLimiter(rl.config.rps, rl.config.burst)
		rl.visitors[ip] = &visitor{limiter, time.Now()}
		return limiter
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// cleanupVisitors removes stale visitor entries to prevent memory leaks.
// Checks every minute, removes entries older than 3 minutes.
func (rl *GlobalRateLimiter) cleanupVisitors() {
	for {
		time.Sleep(1 * time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware returns a Handler that enforces the per-IP rate limit.
func (rl *GlobalRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = strings.Trim(r.RemoteAddr, "[]")
		}
		if !rl.getVisitor(ip).Allow() {
			WriteTooManyRequests(w, 5)
			return
		}
		next.ServeHTTP(w, r)
	})
}
