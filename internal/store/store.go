// Package store is the PostgreSQL persistence layer: leaderboard scores,
// vote history, and the message dedupe table, with transient-failure retry
// around every query.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Store manages the PostgreSQL connection pool.
type Store struct {
	db      *sql.DB
	logger  zerolog.Logger
	retries int
	ping    func(ctx context.Context) error
	onRetry func()

	// recovery collapses concurrent "wait for the database to come back"
	// probes into a single in-flight ping loop.
	recovery singleflight.Group
}

// Option configures a Store.
type Option func(*Store)

// WithRetries overrides the number of retries after a transient failure.
func WithRetries(n int) Option {
	return func(s *Store) { s.retries = n }
}

// WithRetryObserver registers a callback invoked once per retried operation,
// used to feed the retry metric.
func WithRetryObserver(fn func()) Option {
	return func(s *Store) { s.onRetry = fn }
}

// New opens the connection pool, waits for the database to become reachable
// (it may still be starting up), and runs migrations.
func New(ctx context.Context, dsn string, logger zerolog.Logger, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{
		db:      db,
		logger:  logger.With().Str("component", "store").Logger(),
		retries: defaultRetries,
	}
	s.ping = db.PingContext
	for _, opt := range opts {
		opt(s)
	}

	// The startup ping goes through the same retry machinery as queries, so
	// a database that is still booting does not fail the process.
	if err := s.WithRetry(ctx, func(ctx context.Context) error {
		return s.db.PingContext(ctx)
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info().Msg("store initialized")
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable. Used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB returns the underlying pool (for tests).
func (s *Store) DB() *sql.DB {
	return s.db
}
