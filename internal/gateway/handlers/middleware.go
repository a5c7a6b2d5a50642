package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/auth"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/apperr"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/logger"
)

// Resolver turns request credentials into a principal.
type Resolver interface {
	ResolveAPIKey(ctx context.Context, raw string) (*auth.Principal, error)
	ResolveBearer(ctx context.Context, token string) (*auth.Principal, error)
}

// Limiter is a fixed-window rate limiter.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error)
}

type principalKey struct{}

// PrincipalFrom returns the principal set by the auth middleware.
func PrincipalFrom(ctx context.Context) (*auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*auth.Principal)
	return p, ok
}

func withPrincipal(ctx context.Context, p *auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

type Middleware struct {
	resolver  Resolver
	limiter   Limiter
	rateLimit int
	logger    *slog.Logger
}

// NewMiddleware creates the gateway middleware. A nil limiter disables
// rate limiting.
func NewMiddleware(resolver Resolver, limiter Limiter, rateLimit int, logger *slog.Logger) *Middleware {
	return &Middleware{
		resolver:  resolver,
		limiter:   limiter,
		rateLimit: rateLimit,
		logger:    logger,
	}
}

// APIKeyAuth resolves the x-api-key header.
func (m *Middleware) APIKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := m.resolver.ResolveAPIKey(r.Context(), r.Header.Get("x-api-key"))
		if err != nil {
			writeAppError(w, m.logger, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

// BearerAuth verifies the identity token in the Authorization header.
func (m *Middleware) BearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeAppError(w, m.logger, apperr.ErrUnauthenticated)
			return
		}

		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "invalid authorization header format")
			return
		}

		p, err := m.resolver.ResolveBearer(r.Context(), token)
		if err != nil {
			writeAppError(w, m.logger, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

// RateLimit enforces the per-credential request limit. Limiter failures
// let the request through.
func (m *Middleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok || m.limiter == nil || m.rateLimit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := "credential:" + p.Account.ID + ":" + p.CredentialID
		allowed, remaining, err := m.limiter.Allow(r.Context(), key, m.rateLimit, time.Minute)
		if err != nil {
			m.logger.Warn("rate limiter unavailable", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.rateLimit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// CORS handles CORS
func (m *Middleware) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequestLogger carries chi's request id into the logging context and logs
// one line per request.
func (m *Middleware) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logger.WithRequestID(r.Context(), chimiddleware.GetReqID(r.Context()))

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		m.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", logger.RequestID(ctx),
		)
	})
}
