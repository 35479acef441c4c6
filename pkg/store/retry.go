package store

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var dbRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "graph_export_db_retries_total",
	Help: "Total retried database operations by operation",
}, []string{"operation"})

// maxDBRetries bounds retries of one database operation.
const maxDBRetries = 5

// IsRetryable reports whether err is a transient database failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08":
			// connection exceptions
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			// serialization failure, deadlock
			return true
		case pgErr.Code == "53300", pgErr.Code == "57P01", pgErr.Code == "57P03":
			// too many connections, admin shutdown, cannot connect now
			return true
		}
		return false
	}

	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 200 * time.Millisecond
	exp.MaxInterval = 10 * time.Second
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, maxDBRetries), ctx)
}

// withRetry runs fn, retrying transient failures.
func withRetry(ctx context.Context, logger zerolog.Logger, op string, fn func(ctx context.Context) error) error {
	attempt := func() error {
		err := fn(ctx)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		dbRetriesTotal.WithLabelValues(op).Inc()
		logger.Warn().Err(err).Str("operation", op).Dur("backoff", wait).Msg("Retrying database operation")
	}

	return backoff.RetryNotify(attempt, newBackOff(ctx), notify)
}
