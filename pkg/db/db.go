package db

import (
	"context"
	"errors"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"nestsync/pkg/db/migrations"
)

const (
	// DefaultTimeout bounds a single attempt of a query.
	DefaultTimeout = 5 * time.Second

	// RetryDelay is the pause before a read is attempted a second time.
	RetryDelay = 100 * time.Millisecond

	// Idle connections are recycled before common proxy idle cutoffs.
	maxConnIdleTime   = 5 * time.Minute
	healthCheckPeriod = 30 * time.Second
)

// Open creates a new pgx connection pool using the provided DSN.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	// Prefer simple protocol for compatibility with tools like goose.
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	cfg.MaxConnIdleTime = maxConnIdleTime
	cfg.HealthCheckPeriod = healthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// Migrate runs the embedded schema migrations against the provided pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("nil pool provided")
	}

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	goose.SetBaseFS(migrations.FS)
	defer goose.SetBaseFS(nil)

	connString := pool.Config().ConnConfig.ConnString()
	sqlDB, err := goose.OpenDBWithDriver("pgx", connString)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	return goose.UpContext(ctx, sqlDB, ".")
}

// Exec executes a statement with the default timeout applied. Writes are
// never retried here; the stores decide whether a statement is idempotent.
func Exec(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) (pgconn.CommandTag, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	return pool.Exec(ctx, query, args...)
}

// Get retrieves a single row into dest. A transient failure is retried once.
func Get(ctx context.Context, pool *pgxpool.Pool, dest any, query string, args ...any) error {
	return retryRead(ctx, func(ctx context.Context) error {
		return pgxscan.Get(ctx, pool, dest, query, args...)
	})
}

// Select retrieves multiple rows into dest. A transient failure is retried once.
func Select(ctx context.Context, pool *pgxpool.Pool, dest any, query string, args ...any) error {
	return retryRead(ctx, func(ctx context.Context) error {
		return pgxscan.Select(ctx, pool, dest, query, args...)
	})
}

// Returning runs a data-modifying statement with a RETURNING clause and scans
// its single row into dest. Like Exec it makes one attempt only.
func Returning(ctx context.Context, pool *pgxpool.Pool, dest any, query string, args ...any) error {
	return withTimeout(ctx, func(ctx context.Context) error {
		return pgxscan.Get(ctx, pool, dest, query, args...)
	})
}

// Ping ensures the database is reachable with the default timeout.
func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	return pool.Ping(ctx)
}

// retryRead runs fn under DefaultTimeout and repeats it once, after
// RetryDelay, when the first attempt failed with a connectivity error. The
// caller's own deadline or cancellation ends the retry.
func retryRead(ctx context.Context, fn func(context.Context) error) error {
	err := withTimeout(ctx, fn)
	if err == nil || !IsTransient(err) || ctx.Err() != nil {
		return err
	}

	timer := time.NewTimer(RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return err
	case <-timer.C:
	}
	return withTimeout(ctx, fn)
}

func withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	return fn(ctx)
}
