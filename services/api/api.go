// Package api exposes the sleep sync core over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"nestsync/pkg/metrics"
	"nestsync/services/auth"
	"nestsync/services/links"
	"nestsync/services/realtime"
	"nestsync/services/reconcile"
	"nestsync/services/sessions"
	"nestsync/services/sharemigrate"
	"nestsync/services/tracker"
)

// Config controls runtime behaviour for the API handlers.
type Config struct {
	AllowedOrigins     []string
	RateLimitPerMinute int
	// MigrateOnAuth schedules the legacy share migration the first time an
	// account is seen.
	MigrateOnAuth bool
	// Middleware wraps every request, e.g. tracing and request logging.
	Middleware func(http.Handler) http.Handler
}

// Deps holds the components the handlers call.
type Deps struct {
	Auth       auth.Provider
	Links      *links.Resolver
	Sessions   *sessions.Client
	Guard      *tracker.Guard
	Reconciler *reconcile.Reconciler
	Migrator   *sharemigrate.Adapter
	// Events is nil when realtime delivery is disabled.
	Events   realtime.Transport
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Ready    func(ctx context.Context) error
	Log      zerolog.Logger
}

// API wires dependencies and configuration for HTTP handlers.
type API struct {
	deps   Deps
	config Config
	log    zerolog.Logger
}

// New validates deps and returns an API.
func New(deps Deps, cfg Config) (*API, error) {
	switch {
	case deps.Auth == nil:
		return nil, errors.New("auth provider is required")
	case deps.Links == nil:
		return nil, errors.New("link resolver is required")
	case deps.Sessions == nil:
		return nil, errors.New("session client is required")
	case deps.Guard == nil:
		return nil, errors.New("guard is required")
	case deps.Reconciler == nil:
		return nil, errors.New("reconciler is required")
	case deps.Migrator == nil:
		return nil, errors.New("migration adapter is required")
	}
	if cfg.RateLimitPerMinute < 0 {
		return nil, errors.New("rate limit must not be negative")
	}

	return &API{
		deps:   deps,
		config: cfg,
		log:    deps.Log.With().Str("component", "api").Logger(),
	}, nil
}
