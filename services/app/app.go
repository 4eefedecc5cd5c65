// Package app assembles the sync core from configuration. The API server
// and sleepctl both build through it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"nestsync/pkg/bus"
	"nestsync/pkg/config"
	"nestsync/pkg/db"
	"nestsync/pkg/metrics"
	"nestsync/pkg/telemetry"
	"nestsync/services/audit"
	"nestsync/services/links"
	"nestsync/services/realtime"
	"nestsync/services/reconcile"
	"nestsync/services/sessions"
	"nestsync/services/sharemigrate"
	"nestsync/services/store"
	"nestsync/services/store/memory"
	"nestsync/services/store/postgres"
	"nestsync/services/tracker"
)

// App holds the wired components.
type App struct {
	Backend    store.Backend
	Links      *links.Resolver
	Sessions   *sessions.Client
	Guard      *tracker.Guard
	Reconciler *reconcile.Reconciler
	Migrator   *sharemigrate.Adapter
	// Audit is nil on the memory backend.
	Audit *audit.GormRecorder
	// Events is nil when realtime delivery is disabled.
	Events   realtime.Transport
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	pool *pgxpool.Pool
	bus  *bus.Bus
}

// Build connects the configured backend and transport and wires every
// component. Close must be called on the returned App.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	var auditor audit.Recorder

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := db.Open(ctx, cfg.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.pool = pool
		if cfg.DBMigrate {
			if err := db.Migrate(ctx, pool); err != nil {
				a.Close()
				return nil, fmt.Errorf("migrate database: %w", err)
			}
		}
		pg, err := postgres.New(pool)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Backend = pg

		orm, err := audit.OpenGorm(pool)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		rec, err := audit.NewGormRecorder(orm)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Audit = rec
		auditor = rec
	case config.BackendMemory:
		a.Backend = memory.New()
		auditor = audit.LogRecorder{Log: logger}
		logger.Warn().Msg("using in-memory store; data is lost on exit")
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	// One throttle so a shared outage is logged once per key across components.
	throttle := telemetry.NewThrottle(cfg.TransientLogInterval)
	opts := []sessions.Option{
		sessions.WithMetrics(a.Metrics),
		sessions.WithThrottle(throttle),
	}
	if cfg.RealtimeEnabled {
		b, err := bus.New(cfg.NATSURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.bus = b
		if err := b.EnsureStream(cfg.NATSStream, cfg.NATSStreamMaxAge, realtime.SubjectPrefix+".>"); err != nil {
			a.Close()
			return nil, fmt.Errorf("ensure stream: %w", err)
		}
		pub, err := realtime.NewPublisher(b, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Events = b
		opts = append(opts, sessions.WithNotifier(pub))
	}

	var err error
	if a.Links, err = links.NewResolver(a.Backend, logger, links.WithThrottle(throttle)); err != nil {
		a.Close()
		return nil, err
	}
	if a.Sessions, err = sessions.New(a.Backend, logger, opts...); err != nil {
		a.Close()
		return nil, err
	}
	if a.Guard, err = tracker.NewGuard(a.Sessions, a.Links, a.Metrics, logger); err != nil {
		a.Close()
		return nil, err
	}
	if a.Reconciler, err = reconcile.New(a.Sessions, a.Links, auditor, a.Metrics, logger, reconcile.WithThrottle(throttle)); err != nil {
		a.Close()
		return nil, err
	}
	if a.Migrator, err = sharemigrate.New(a.Backend, auditor, a.Metrics, logger, sharemigrate.WithThrottle(throttle)); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Ready reports whether the backing services answer.
func (a *App) Ready(ctx context.Context) error {
	if a.pool != nil {
		if err := db.Ping(ctx, a.pool); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if a.bus != nil && !a.bus.Connected() {
		return errors.New("nats: not connected")
	}
	return nil
}

// Close waits for scheduled migrations and releases connections.
func (a *App) Close() {
	if a.Migrator != nil {
		a.Migrator.Wait()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
