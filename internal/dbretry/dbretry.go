// Package dbretry wraps database operations in a bounded retry for
// transient failures (connection drops, deadlocks, serialization aborts).
// Anything else fails immediately.
package dbretry

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// maxRetries bounds the retry loop; with the default exponential policy
// this spans roughly 4 seconds.
const maxRetries = 4

// Do runs fn, retrying transient database errors with exponential backoff.
// op names the operation for logging.
func Do(ctx context.Context, op string, fn func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(newPolicy(), maxRetries), ctx)
	attempt := 0
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !Transient(err) {
			return backoff.Permanent(err)
		}
		attempt++
		slog.Warn("transient database error, retrying", "op", op, "attempt", attempt, "error", err)
		return err
	}, policy)
}

func newPolicy() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	return policy
}

// Transient reports whether an error is worth retrying: connection-level
// failures and the SQLSTATE classes Postgres documents as retryable.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exceptions
			return true
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization / deadlock
			return true
		case pgErr.Code == "57P03": // cannot_connect_now
			return true
		case strings.HasPrefix(pgErr.Code, "53"): // insufficient resources
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
