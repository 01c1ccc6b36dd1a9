// Package metrics provides Prometheus instrumentation for the fund engine.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts committed and rejected operations.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_operations_total",
		Help: "Total number of fund operations, by outcome",
	}, []string{"operation", "outcome"})

	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fund_operation_latency_seconds",
		Help:    "Fund operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// FeesCollected accumulates fee base units by recipient kind
	// (platform, performance_platform, performance_manager).
	FeesCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_fees_collected_total",
		Help: "Cumulative fees collected in base-asset units",
	}, []string{"fund_id", "kind"})

	// OpenWithdrawals tracks workflows between initiate and finalize/abandon.
	OpenWithdrawals = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fund_open_withdrawals",
		Help: "Number of open withdrawal workflows",
	})

	// SwapRejections counts delegated calls rejected by the swap delegate.
	SwapRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_swap_rejections_total",
		Help: "Delegated swaps rejected, by reason",
	}, []string{"reason"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fund_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fund_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Observe records one operation outcome and its latency.
func Observe(operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	OperationsTotal.WithLabelValues(operation, outcome).Inc()
	OperationLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern labels by chi route pattern so fund ids and holders do not
// explode cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(w.ResponseWriter).Hijack()
}
