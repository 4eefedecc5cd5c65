package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"nestsync/pkg/config"
	"nestsync/pkg/telemetry"
	"nestsync/services/api"
	"nestsync/services/app"
	"nestsync/services/auth"
)

const serviceName = "sleepsync-api"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	logger, err := telemetry.NewLogger(serviceName, cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		log.Fatal().Err(err).Msg("init logger")
	}

	cleanup, middleware, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cleanup(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	core, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build app")
	}
	defer core.Close()

	handler, err := api.New(api.Deps{
		Auth:       auth.HeaderProvider{RequireUUID: cfg.StoreBackend == config.BackendPostgres},
		Links:      core.Links,
		Sessions:   core.Sessions,
		Guard:      core.Guard,
		Reconciler: core.Reconciler,
		Migrator:   core.Migrator,
		Events:     core.Events,
		Metrics:    core.Metrics,
		Gatherer:   core.Registry,
		Ready:      core.Ready,
		Log:        logger,
	}, api.Config{
		AllowedOrigins:     cfg.AllowedOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		MigrateOnAuth:      cfg.ShareMigrationOnAuth,
		Middleware:         middleware,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("init api")
	}
	routes, err := handler.Routes()
	if err != nil {
		logger.Fatal().Err(err).Msg("build routes")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           routes,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("backend", cfg.StoreBackend).Msg("starting sleepsync-api")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
}
