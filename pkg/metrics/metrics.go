// Package metrics exposes the Prometheus registry used by graph-export.
// All metrics are defined in their respective packages via promauto to keep
// the packages independent; this package serves them.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the registerer every package's promauto metrics land in.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the matching gatherer.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the HTTP handler serving /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// Serve listens on addr until ctx is done. The listener is bound before
// Serve returns so a bad address fails fast.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) (<-chan error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
		close(done)
	}()
	return done, nil
}

// Metrics Documentation
//
// Fetch client (pkg/client):
//   - graph_export_requests_total{status} (Counter): Graph requests by HTTP status
//   - graph_export_request_duration_seconds (Histogram): Graph request latency
//   - graph_export_errors_total{class} (Counter): Failed attempts by error class
//   - graph_export_retries_total{error_class} (Counter): Retry attempts
//   - graph_export_retry_backoff_seconds{error_class} (Histogram): Backoff before a retry
//   - graph_export_retry_exhausted_total{error_class} (Counter): Requests that spent the retry budget
//
// Throttle gate (pkg/ratelimit):
//   - graph_export_throttle_events_total (Counter): Throttle responses carrying Retry-After
//   - graph_export_throttle_waits_total (Counter): Requests held by the gate
//   - graph_export_throttle_wait_seconds (Histogram): Time spent at the gate
//
// Tokens (pkg/auth):
//   - graph_export_token_acquisitions_total{source} (Counter): Tokens from the identity provider or cache
//
// Paging (pkg/pagination):
//   - graph_export_pages_fetched_total (Counter): Pages decoded
//   - graph_export_resources_skipped_total{status} (Counter): Mailboxes skipped on 401/403/404
//   - graph_export_model_fallbacks_total (Counter): Licensing model flips
//
// Stages (pkg/taskpool, pkg/loader, pkg/sink, pkg/pipeline):
//   - graph_export_pool_in_flight{stage} (Gauge): Tracked units per stage
//   - graph_export_pool_faults_total{stage} (Counter): Failed units per stage
//   - graph_export_mailboxes_loaded_total{result} (Counter): Descriptors loaded or skipped
//   - graph_export_messages_stored_total{result} (Counter): Messages inserted or already present
//   - graph_export_mailboxes_swept_total{outcome} (Counter): Mailbox sweeps by outcome
//
// Store (pkg/store):
//   - graph_export_db_query_duration_seconds (Histogram): Query latency
//   - graph_export_db_retries_total{operation} (Counter): Retried store operations
//
// Monitor (pkg/monitor):
//   - graph_export_items_processed_total (Counter)
//   - graph_export_bytes_total{direction} (Counter)
//   - graph_export_queries_total{phase} (Counter)
//   - graph_export_stage_progress_ratio (Gauge)
//   - graph_export_stage_tasks{stage} (Gauge)
//
// Example Prometheus Queries:
//
//	# Throttled share of requests
//	rate(graph_export_throttle_events_total[5m]) / rate(graph_export_requests_total[5m])
//
//	# P95 Graph latency
//	histogram_quantile(0.95, rate(graph_export_request_duration_seconds_bucket[5m]))
//
//	# Messages per second
//	rate(graph_export_items_processed_total[1m])
