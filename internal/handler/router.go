package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"marketplace-identity/internal/config"
	"marketplace-identity/internal/metrics"
)

// HealthChecker reports per-dependency health. An empty string means healthy.
type HealthChecker interface {
	HealthCheck(ctx context.Context) map[string]string
}

type RouterDeps struct {
	Server   config.ServerConfig
	Auth     *AuthHandler
	Account  *AccountHandler
	Payments *PaymentHandler
	Sessions Authenticator
	Metrics  *metrics.Registry
	Health   HealthChecker
	Logger   *zap.Logger
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(deps RouterDeps) chi.Router {
	router := chi.NewRouter()

	if deps.Server.EnableTLS {
		router.Use(requireHTTPS)
	}

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(deps.Logger))
	router.Use(MetricsMiddleware(deps.Metrics))
	router.Use(middleware.Recoverer)
	if deps.Server.RequestTimeout > 0 {
		router.Use(middleware.Timeout(deps.Server.RequestTimeout))
	}

	origins := deps.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", signatureHeader},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", healthHandler(deps.Health, deps.Logger))
	router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		deps.Auth.RegisterRoutes(r)
		deps.Payments.RegisterRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(deps.Sessions, deps.Logger))
			deps.Account.RegisterRoutes(r)
		})
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"success":false,"error":"endpoint not found"}`))
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, _ = w.Write([]byte(`{"success":false,"error":"method not allowed"}`))
	})

	return router
}

func healthHandler(checker HealthChecker, logger *zap.Logger) http.HandlerFunc {
	res := responder{logger: logger}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		report := map[string]string{}
		if checker != nil {
			report = checker.HealthCheck(ctx)
		}
		status := http.StatusOK
		components := make(map[string]string, len(report))
		for name, problem := range report {
			if problem == "" {
				components[name] = "healthy"
				continue
			}
			components[name] = problem
			status = http.StatusServiceUnavailable
		}
		res.respondWithJSON(w, status, Response{
			Success: status == http.StatusOK,
			Data: map[string]interface{}{
				"service":    "marketplace-identity",
				"components": components,
			},
		})
	}
}
