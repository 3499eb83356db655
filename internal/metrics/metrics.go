// Package metrics provides Prometheus instrumentation for the order engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersAdmitted counts orders that passed risk admission, by source.
	OrdersAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_admitted_total",
		Help: "Orders admitted by the risk gate",
	}, []string{"source"})

	// RiskRejections counts intents rejected at admission, by reason.
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_risk_rejections_total",
		Help: "Trade intents rejected by the risk gate",
	}, []string{"reason"})

	// OrdersTerminal counts orders reaching a terminal state, by status.
	OrdersTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_terminal_total",
		Help: "Orders that reached a terminal state",
	}, []string{"status"})

	// FillsApplied counts reconciled fills, partitioned by outcome
	// (applied / duplicate).
	FillsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_fills_total",
		Help: "Exchange fills processed by the reconciler",
	}, []string{"outcome"})

	// SubmitLatency tracks exchange submission latency in seconds.
	SubmitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_submit_latency_seconds",
		Help:    "Exchange order submission latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// SubmitRetries counts submission attempts beyond the first.
	SubmitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_submit_retries_total",
		Help: "Exchange submission retries after timeout or transient failure",
	})

	// OpenPositions tracks the number of currently open positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_open_positions",
		Help: "Number of currently open positions",
	})

	// TriggerExits counts synthetic closing orders emitted by the trigger
	// sweep, by kind (stop_loss / take_profit).
	TriggerExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_trigger_exits_total",
		Help: "Positions closed by stop-loss or take-profit triggers",
	}, []string{"kind"})

	// InvariantViolations counts frozen orders/positions needing manual review.
	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_invariant_violations_total",
		Help: "Invariant violations that froze an order or position",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
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
