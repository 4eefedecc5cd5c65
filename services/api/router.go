package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nestsync/services/auth"
)

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if a.config.Middleware != nil {
		r.Use(a.config.Middleware)
	}

	allowed := a.config.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", auth.AccountHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)

	metricsHandler := promhttp.Handler()
	if a.deps.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(a.deps.Gatherer, promhttp.HandlerOpts{})
	}
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	r.Route("/v1", func(r chi.Router) {
		if a.config.RateLimitPerMinute > 0 {
			r.Use(httprate.LimitByIP(a.config.RateLimitPerMinute, time.Minute))
		}
		r.Use(a.authenticate)

		// The event stream stays open; it must not share the request timeout.
		r.Get("/events", a.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Get("/partners", a.handlePartners)
			r.Get("/sessions", a.handleListSessions)
			r.Post("/sessions/start", a.handleStart)
			r.Post("/sessions/{id}/stop", a.handleStop)
			r.Patch("/sessions/{id}", a.handleEdit)
			r.Delete("/sessions/{id}", a.handleDelete)
			r.Post("/sync", a.handleSync)
			r.Post("/migrations/shares", a.handleMigrateShares)
		})
	})

	return r, nil
}

func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID, err := a.deps.Auth.AccountID(r)
		if err != nil {
			a.respondErr(w, err)
			return
		}
		if a.config.MigrateOnAuth {
			a.deps.Migrator.Schedule(context.WithoutCancel(r.Context()), accountID)
		}
		next.ServeHTTP(w, r.WithContext(auth.WithAccount(r.Context(), accountID)))
	})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.deps.Ready != nil {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()
		if err := a.deps.Ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
