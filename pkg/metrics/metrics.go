// Package metrics exposes the exporter's Prometheus metrics over HTTP.
// The metrics themselves are defined in their packages (client, auth,
// ratelimit, export, load) and registered via promauto.
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

// Registry is the default Prometheus registry used by the exporter.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the HTTP handler serving the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server serves /metrics and /health while a long command runs.
type Server struct {
	srv      *http.Server
	listener net.Listener
	logger   zerolog.Logger
}

// Listen binds addr and starts serving in the background.
func Listen(addr string, logger zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", healthHandler)

	s := &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
		logger:   logger.With().Str("component", "metrics").Logger(),
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")

	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops the server, waiting for in-flight scrapes until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - zoho_requests_total{method, status} (Counter): Requests by method and HTTP status
//   - zoho_request_duration_seconds{method} (Histogram): Request duration by method
//   - zoho_errors_total{class} (Counter): Failed attempts by class (client, server, rate_limit, network, auth, protocol)
//
// Retry Metrics (pkg/client):
//   - zoho_retries_total{error_class} (Counter): Retry attempts by error class
//   - zoho_retry_backoff_seconds{error_class} (Histogram): Chosen delay by error class
//   - zoho_retry_exhausted_total{error_class} (Counter): Requests that exhausted their retry budget
//
// Token Metrics (pkg/auth):
//   - zoho_token_refreshes_total{result} (Counter): Access token refreshes by result
//
// Rate Limit Metrics (pkg/ratelimit):
//   - zoho_rate_limit_remaining (Gauge): Requests remaining in the current window
//   - zoho_rate_limit_waits_total{reason} (Counter): Requests delayed by the tracker
//   - zoho_rate_limit_wait_seconds (Histogram): Time spent waiting for quota
//
// Export Metrics (pkg/export):
//   - zoho_export_records_total{resource} (Counter): Records written by resource
//   - zoho_export_errors_total{resource} (Counter): Failed resource exports
//   - zoho_export_duration_seconds{resource} (Histogram): Resource export duration
//
// Load Metrics (pkg/load):
//   - zoho_load_rows_total{table, outcome} (Counter): Rows upserted or skipped as stale
//
// Example Prometheus Queries:
//
//   # Retry rate by class
//   sum by (error_class) (rate(zoho_retries_total[5m]))
//
//   # Quota nearly used up
//   zoho_rate_limit_remaining < 50
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(zoho_request_duration_seconds_bucket[5m]))
//
//   # Records exported per resource in the last hour
//   increase(zoho_export_records_total[1h])
