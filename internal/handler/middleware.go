package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"marketplace-identity/internal/metrics"
	"marketplace-identity/internal/util"
)

type accountKey struct{}

var errUnauthorized = errors.New("missing or invalid session")

// accountID returns the authenticated account set by AuthMiddleware.
func accountID(ctx context.Context) string {
	id, _ := ctx.Value(accountKey{}).(string)
	return id
}

// requireHTTPS rejects any request that wasn't made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUpgradeRequired)
			_, _ = w.Write([]byte(`{"success":false,"error":"https required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// MetricsMiddleware counts requests by their chi route pattern, so path
// parameters do not explode label cardinality.
func MetricsMiddleware(m *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// Authenticator resolves a bearer token to an account id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// AuthMiddleware requires a valid bearer session token.
func AuthMiddleware(auth Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	res := responder{logger: logger}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				res.respondWithError(w, errUnauthorized, "Authentication required")
				return
			}
			id, err := auth.Authenticate(r.Context(), strings.TrimSpace(raw))
			if err != nil {
				res.respondWithError(w, err, "Authentication required")
				return
			}
			ctx := context.WithValue(r.Context(), accountKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
