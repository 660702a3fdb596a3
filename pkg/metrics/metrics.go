// Package metrics exposes the Prometheus metrics of the harvester.
// The metrics are defined in their packages (client, cache, ratelimit, retry,
// parallel, harvest) and registered with the default registry via promauto.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
)

// Namespace prefixes every harvester metric.
const Namespace = "istex_"

// Registry is the registerer all packages use.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer served on /metrics.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the metrics of Gatherer.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// ReadyFunc reports whether the process can do useful work.
type ReadyFunc func(ctx context.Context) error

// NewMux returns a mux serving /metrics, /health and, when ready is set,
// /ready.
func NewMux(ready ReadyFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	if ready != nil {
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "OK")
		})
	}
	return mux
}

// Serve runs an HTTP server on addr until ctx is done, then shuts it down.
func Serve(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	logger.Info().Msg("Metrics server stopped")
	return nil
}

// Snapshot sums the counters and gauges of g whose name starts with prefix,
// across all label values.
func Snapshot(g prometheus.Gatherer, prefix string) (map[string]float64, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}

	out := make(map[string]float64)
	for _, family := range families {
		if !strings.HasPrefix(family.GetName(), prefix) {
			continue
		}
		var sum float64
		for _, m := range family.GetMetric() {
			sum += value(family.GetType(), m)
		}
		out[family.GetName()] = sum
	}
	return out, nil
}

func value(t dto.MetricType, m *dto.Metric) float64 {
	switch t {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_HISTOGRAM:
		return float64(m.GetHistogram().GetSampleCount())
	default:
		return 0
	}
}

// Metrics Documentation
//
// Harvest Metrics (pkg/harvest):
//   - istex_harvest_items_delivered_total (Counter): Hits handed to the consumer
//   - istex_harvest_duplicates_skipped_total (Counter): Hits skipped after a partition restart
//   - istex_harvest_partition_restarts_total (Counter): Partition scrolls restarted from scratch
//   - istex_harvest_partitions_completed_total (Counter): Partitions scrolled to the end
//
// Pool Metrics (pkg/parallel):
//   - istex_pool_runners{pool, state} (Gauge): Active and retiring runners
//   - istex_pool_target_size{pool} (Gauge): Target number of runners
//   - istex_pool_tasks_done_total{pool} (Counter): Tasks completed
//   - istex_pool_items_produced_total{pool} (Counter): Items reported by tasks
//   - istex_pool_errors_total{pool} (Counter): Errors collected
//
// Request Metrics (pkg/client):
//   - istex_requests_total{kind, status} (Counter): Requests by kind (count, scroll_start, scroll_next)
//   - istex_request_duration_seconds{kind} (Histogram): Request duration
//   - istex_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, service)
//
// Retry Metrics (pkg/retry):
//   - istex_retries_total{operation} (Counter): Retry attempts
//   - istex_retry_backoff_seconds{operation} (Histogram): Backoff durations
//   - istex_retry_exhausted_total{operation} (Counter): Operations that exhausted their attempts
//
// Rate Limit Metrics (pkg/ratelimit):
//   - istex_rate_limit_remaining (Gauge): Requests remaining in the window
//   - istex_rate_limit_blocks_total (Counter): Requests held in the critical state
//   - istex_rate_limit_throttles_total (Counter): Requests delayed in the warning state
//
// Cache Metrics (pkg/cache):
//   - istex_cache_hits_total{layer} (Counter), istex_cache_misses_total (Counter)
//   - istex_cache_size_bytes{layer} (Gauge)
//   - istex_304_responses_total (Counter): Count responses revalidated with 304
//   - istex_cache_errors_total{operation} (Counter)
//   - istex_seen_set_operations_total{operation} (Counter)
//
// Example Prometheus Queries:
//
//   # Harvest throughput
//   rate(istex_harvest_items_delivered_total[1m])
//
//   # Restart ratio
//   istex_harvest_partition_restarts_total / istex_harvest_partitions_completed_total
//
//   # P95 page latency
//   histogram_quantile(0.95, rate(istex_request_duration_seconds_bucket{kind="scroll_next"}[5m]))
