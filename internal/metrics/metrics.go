package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FetchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pinpoint_fetch_requests_total",
			Help: "Total number of outbound page fetches",
		},
		[]string{"host", "status", "blocked"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pinpoint_fetch_duration_seconds",
			Help:    "Duration of outbound page fetches in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3.5, 5, 10},
		},
		[]string{"host"},
	)

	ProxyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pinpoint_proxy_failures_total",
			Help: "Total number of proxy failures during fetches",
		},
		[]string{"proxy_url"},
	)

	SearchQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pinpoint_search_queries_total",
			Help: "Search engine queries by provider and result",
		},
		[]string{"provider", "result"},
	)

	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pinpoint_resolutions_total",
			Help: "Completed resolutions by mode, source and outcome",
		},
		[]string{"mode", "source", "outcome"},
	)

	ResolutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pinpoint_resolution_duration_seconds",
			Help:    "Wall time of a single resolution",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 120},
		},
		[]string{"mode"},
	)

	EnrichRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pinpoint_enrich_rows_total",
			Help: "Dataset rows processed by the batch enricher",
		},
		[]string{"status"},
	)
)

// RecordFetch updates the fetch metrics. A non-empty errMsg marks the status
// label as "error" regardless of code.
func RecordFetch(host string, code int, errMsg, blocked string, d time.Duration) {
	status := strconv.Itoa(code)
	if errMsg != "" {
		status = "error"
	}
	FetchRequestsTotal.WithLabelValues(host, status, blocked).Inc()
	FetchDuration.WithLabelValues(host).Observe(d.Seconds())
}

// RecordSearch counts one provider query. result is one of ok, empty,
// blocked or error.
func RecordSearch(provider, result string) {
	SearchQueriesTotal.WithLabelValues(provider, result).Inc()
}

// RecordResolution counts one finished resolution.
func RecordResolution(mode, source, outcome string, d time.Duration) {
	ResolutionsTotal.WithLabelValues(mode, source, outcome).Inc()
	ResolutionDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// RecordRow counts one enriched dataset row.
func RecordRow(status string) {
	EnrichRowsTotal.WithLabelValues(status).Inc()
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server encapsulates an HTTP server for Prometheus metrics.
type Server struct {
	srv *http.Server
}

// Start begins listening on addr and exposes /metrics.
func Start(addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()

	return &Server{srv: srv}
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
