// Package metrics provides Prometheus instrumentation for the execution engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts completed order intents by side and terminal status.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_orders_total",
		Help: "Total number of order intents by terminal status",
	}, []string{"side", "status"})

	// OrderLatency tracks intent latency from first attempt to final status.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exec_order_latency_seconds",
		Help:    "Order intent latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"side"})

	// OrderRetries counts placement attempts after the first.
	OrderRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_order_retries_total",
		Help: "Order placement retries after transient failures",
	}, []string{"side"})

	// OrderReconciliations counts orders adopted from a client-id lookup
	// instead of resubmitted.
	OrderReconciliations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exec_order_reconciliations_total",
		Help: "Orders adopted via idempotency-key lookup",
	})

	// OrderFailures counts intents that ended in an error, by error class.
	OrderFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_order_failures_total",
		Help: "Failed order intents by error class",
	}, []string{"side", "class"})

	// SlippageRejections counts orders blocked by the spread guard.
	SlippageRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exec_slippage_rejections_total",
		Help: "Orders rejected by the bid/ask spread guard",
	})

	// ExposureRejections counts entries blocked by the exposure limiter.
	ExposureRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_exposure_rejections_total",
		Help: "Entries rejected by the exposure limiter",
	}, []string{"reason"})

	// LifecycleActions counts applied lifecycle actions by type and reason.
	LifecycleActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_lifecycle_actions_total",
		Help: "Position lifecycle actions applied",
	}, []string{"type", "reason"})

	// ActivePositions tracks the number of open positions.
	ActivePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exec_active_positions",
		Help: "Number of currently open positions",
	})

	// KillSwitch is 1 while live order placement is blocked.
	KillSwitch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exec_kill_switch",
		Help: "1 if the order kill switch is engaged",
	})

	// CycleDuration tracks one full trading cycle.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exec_cycle_duration_seconds",
		Help:    "Trading cycle duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// TradedVolume tracks cumulative executed quote notional per symbol.
	TradedVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_traded_quote_volume_total",
		Help: "Cumulative executed quote notional",
	}, []string{"symbol", "side"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exec_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exec_http_request_duration_seconds",
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

		// Route pattern keeps the label set bounded (/positions/{symbol}).
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
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
