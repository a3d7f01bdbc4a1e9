package web

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/towns-protocol/towns-sub009/internal/config"
	"github.com/towns-protocol/towns-sub009/internal/limiter"
	"github.com/towns-protocol/towns-sub009/internal/metrics"
)

// Middleware wraps an http.Handler with additional behavior.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares to a handler, first middleware outermost.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

type contextKey string

const callerKey contextKey = "caller"

// CallerFromContext returns the authenticated caller subject, if any.
func CallerFromContext(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey).(string)
	return caller
}

/* ------------------------------------------------------------------ *
|  Request logging and metrics                                        |
* -------------------------------------------------------------------*/

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// LoggingMiddleware records every request with its outcome and latency.
func LoggingMiddleware(log *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			metrics.HTTPRequests.Inc()
			metrics.HTTPRequestDuration.Observe(elapsed.Seconds())
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("elapsed", elapsed))
		})
	}
}

/* ------------------------------------------------------------------ *
|  Authentication                                                     |
* -------------------------------------------------------------------*/

// AuthMiddleware requires a bearer token signed with the shared secret.
// The token subject identifies the calling service and is attached to the
// request context.
func AuthMiddleware(secret string, log *zap.Logger) Middleware {
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tokenStr, found := strings.CutPrefix(header, "Bearer ")
			if !found || tokenStr == "" {
				metrics.ErrorsCount.WithLabelValues("auth").Inc()
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			claims := &jwt.RegisteredClaims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc,
				jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				metrics.ErrorsCount.WithLabelValues("auth").Inc()
				log.Debug("rejected bearer token", zap.Error(err))
				writeError(w, http.StatusUnauthorized, "invalid bearer token")
				return
			}

			ctx := context.WithValue(r.Context(), callerKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

/* ------------------------------------------------------------------ *
|  Rate limiting                                                      |
* -------------------------------------------------------------------*/

// RateLimitMiddleware enforces a per-client request rate keyed by remote
// address.
func RateLimitMiddleware(cfg config.RateLimitConfig) Middleware {
	clients := limiter.NewPerClient(cfg)

	return func(next http.Handler) http.Handler {
		if !clients.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if !clients.Allow(host) {
				metrics.ErrorsCount.WithLabelValues("rate_limit").Inc()
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

/* ------------------------------------------------------------------ *
|  Security headers                                                   |
* -------------------------------------------------------------------*/

// SecurityHeadersMiddleware sets the restrictive header set appropriate
// for a JSON API with no browser-facing surface.
func SecurityHeadersMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Cache-Control", "no-store")
			next.ServeHTTP(w, r)
		})
	}
}
