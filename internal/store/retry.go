package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	defaultRetries = 3

	recoveryProbes    = 10
	recoveryBaseDelay = 500 * time.Millisecond
	recoveryMaxDelay  = 5 * time.Second
)

// transientPgCodes are SQLSTATE codes that signal the database is
// unreachable or not ready, not that the query itself is wrong.
var transientPgCodes = map[string]struct{}{
	"57P03": {}, // cannot_connect_now (database system is starting up)
	"57P01": {}, // admin_shutdown
	"08000": {}, // connection_exception
	"08001": {}, // sqlclient_unable_to_establish_sqlconnection
	"08003": {}, // connection_does_not_exist
	"08006": {}, // connection_failure
	"53300": {}, // too_many_connections
}

var transientSubstrings = []string{
	"the database system is starting up",
	"the database system is shutting down",
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"unexpected eof",
}

var transientErrnos = []syscall.Errno{
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.ETIMEDOUT,
	syscall.EPIPE,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
}

// IsTransient classifies an error as a transient infrastructure failure
// worth retrying. Permanent query errors (syntax, constraint violations)
// are never transient. Wrapped and joined errors are inspected recursively;
// a composite counts as transient if any inner error does.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Aggregates first: a composite is transient if any branch is, even
	// when another branch holds a permanent query error. The aggregate's
	// own message counts too.
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, inner := range joined.Unwrap() {
			if IsTransient(inner) {
				return true
			}
		}
		return matchesTransientMessage(err.Error())
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		_, ok := transientPgCodes[pgErr.Code]
		return ok
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return matchesTransientMessage(err.Error())
}

func matchesTransientMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, frag := range transientSubstrings {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// IsUniqueViolation reports whether the error is a Postgres unique-constraint
// violation, used to absorb duplicate idempotent writes.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// WithRetry executes op, retrying transient failures up to the configured
// retry budget. Before each retry it waits for the shared database recovery
// probe, so N concurrent failures trigger one ping loop, not N. Permanent
// errors and exhausted retries propagate unchanged.
func (s *Store) WithRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) || attempt >= s.retries {
			return err
		}

		s.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("transient database error, waiting for recovery")
		if s.onRetry != nil {
			s.onRetry()
		}
		if waitErr := s.waitForRecovery(ctx); waitErr != nil {
			s.logger.Warn().Err(waitErr).Msg("database recovery wait failed")
			return err
		}
	}
}

// waitForRecovery pings the database with capped backoff until it answers or
// the probe budget runs out. Concurrent callers share one in-flight probe via
// singleflight.
func (s *Store) waitForRecovery(ctx context.Context) error {
	ch := s.recovery.DoChan("recovery", func() (any, error) {
		delay := recoveryBaseDelay
		var lastErr error
		for probe := 0; probe < recoveryProbes; probe++ {
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			lastErr = s.ping(pingCtx)
			cancel()
			if lastErr == nil {
				s.logger.Info().Int("probes", probe+1).Msg("database recovered")
				return nil, nil
			}

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > recoveryMaxDelay {
				delay = recoveryMaxDelay
			}
		}
		return nil, lastErr
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}
