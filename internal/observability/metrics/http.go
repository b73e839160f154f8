package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"
)

var (
	httpRequests = newCounterVec("fundrouter_http_requests_total",
		"Total number of HTTP requests processed.", "handler", "method", "code")
	httpErrors = newCounterVec("fundrouter_http_request_errors_total",
		"Total number of HTTP requests that resulted in a server error.", "handler", "method")
	httpLatency = newHistogramVec("fundrouter_http_request_duration_seconds",
		"HTTP request duration in seconds.", []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}, "handler", "method")
)

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.inc(handler, method, strconv.Itoa(status))
	if status >= http.StatusInternalServerError {
		httpErrors.inc(handler, method)
	}
	httpLatency.observe(duration.Seconds(), handler, method)
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeAll(w)
	})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
// It blocks until ctx is done or the listener fails.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
