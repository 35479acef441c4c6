package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var dbQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "graph_export_db_query_duration_seconds",
	Help:    "Database query duration in seconds",
	Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
})

// QueryObserver receives query lifecycle events.
type QueryObserver interface {
	AddQueryStarted()
	AddQueryCompleted()
}

type queryStartKey struct{}

// queryTracer implements pgx.QueryTracer.
type queryTracer struct {
	observer QueryObserver
	logger   zerolog.Logger
}

func newQueryTracer(observer QueryObserver, logger zerolog.Logger) *queryTracer {
	return &queryTracer{observer: observer, logger: logger}
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	if t.observer != nil {
		t.observer.AddQueryStarted()
	}
	return context.WithValue(ctx, queryStartKey{}, time.Now())
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.observer != nil {
		t.observer.AddQueryCompleted()
	}

	start, ok := ctx.Value(queryStartKey{}).(time.Time)
	if !ok {
		return
	}
	elapsed := time.Since(start)
	dbQueryDuration.Observe(elapsed.Seconds())

	if data.Err != nil {
		t.logger.Debug().Err(data.Err).Dur("elapsed", elapsed).Msg("Query failed")
	}
}
