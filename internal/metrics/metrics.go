// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"bufio"
	"errors"
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
	// TradesPlaced counts accepted placements, partitioned by direction.
	TradesPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_trades_placed_total",
		Help: "Total number of trades placed",
	}, []string{"direction"})

	// TradesSettled counts terminal transitions by resulting status.
	TradesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_trades_settled_total",
		Help: "Total number of trades moved to a terminal status",
	}, []string{"status"})

	// SettleLag measures how late a settlement committed relative to ResolveAt.
	SettleLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_settle_lag_seconds",
		Help:    "Delay between a trade's resolve time and its settlement commit",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// SettleFailures counts settlement attempts that returned an error.
	SettleFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_settle_failures_total",
		Help: "Settlement attempts that failed and were left pending",
	})

	// RecoveredTrades counts overdue trades settled by recovery or the sweep.
	RecoveredTrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_recovered_trades_total",
		Help: "Overdue trades settled by startup recovery or the periodic sweep",
	})

	// PendingTimers tracks in-process settlement timers.
	PendingTimers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_pending_timers",
		Help: "Number of registered settlement timers",
	})

	// ConcurrencyRetries counts transactions retried after a lock conflict.
	ConcurrencyRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_concurrency_retries_total",
		Help: "Transactions retried after a serialization or lock conflict",
	}, []string{"op"})

	// LedgerEntries counts ledger entries staged, by kind. Entries staged in a
	// transaction that later rolls back are included.
	LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_ledger_entries_total",
		Help: "Ledger entries staged, by kind",
	}, []string{"kind"})

	// ExposureRejections counts placements rejected by the exposure limiter.
	ExposureRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_exposure_rejections_total",
		Help: "Trades rejected by the exposure limiter",
	})

	// AuditDropped counts audit events discarded because the queue was full.
	AuditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_audit_dropped_total",
		Help: "Audit events dropped on a full queue",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

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

// routePattern prefers the chi route pattern over the raw path so trade and
// account ids do not become label values.
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

// Hijack lets the WebSocket upgrader take over connections that pass through
// the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
