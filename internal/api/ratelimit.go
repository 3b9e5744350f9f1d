package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/filament/server/internal/api/apiutil"
	"github.com/filament/server/internal/auth"
	"github.com/filament/server/internal/presence"
)

const globalRateWindow = 1 * time.Minute

// rateLimitMiddleware enforces the global per-identity rate limit
// (limits.rate_limit_requests_per_minute, keyed by user id when
// one is already in the request context, else client IP) and the tighter
// auth-route limit (limits.auth_route_requests_per_minute) on /auth/login
// and /auth/register. registerMiddleware installs it globally, ahead of the
// per-route RequireAuth, so as wired the global limit is keyed by client IP.
func (s *Server) rateLimitMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.Cache == nil {
				next.ServeHTTP(w, r)
				return
			}

			ip := apiutil.ClientIP(r, s.Config.TrustedProxyCIDRs)

			if isAuthEndpoint(r) {
				result, err := s.Cache.CheckRateLimitInfo(r.Context(), "auth:"+ip, s.Config.Limits.AuthRouteRequestsPerMinute, globalRateWindow)
				if err != nil {
					s.Logger.Debug("auth rate limit check failed", slog.String("error", err.Error()))
					next.ServeHTTP(w, r)
					return
				}
				setRateLimitHeaders(w, result, globalRateWindow)
				if !result.Allowed {
					writeRateLimitResponse(w, globalRateWindow)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			key := "global:" + ip
			if userID := auth.UserIDFromContext(r.Context()); userID != "" {
				key = "global:" + userID
			}
			result, err := s.Cache.CheckRateLimitInfo(r.Context(), key, s.Config.Limits.RateLimitRequestsPerMinute, globalRateWindow)
			if err != nil {
				s.Logger.Debug("rate limit check failed", slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}
			setRateLimitHeaders(w, result, globalRateWindow)
			if !result.Allowed {
				writeRateLimitResponse(w, globalRateWindow)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// setRateLimitHeaders sets X-RateLimit-* headers on every response so
// clients can track their remaining quota proactively.
func setRateLimitHeaders(w http.ResponseWriter, result presence.RateLimitResult, window time.Duration) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(window).Unix()))
}

// writeRateLimitResponse sends a 429 with a Retry-After header.
func writeRateLimitResponse(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	apiutil.WriteError(w, http.StatusTooManyRequests, "rate_limited")
}

// isAuthEndpoint reports whether the request targets a login or register
// route, which get the stricter auth-route limit instead of the global one.
func isAuthEndpoint(r *http.Request) bool {
	path := r.URL.Path
	return path == "/api/v1/auth/login" || path == "/api/v1/auth/register"
}
