// Package metrics provides Prometheus instrumentation for the simulation engine.
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
	// BarsTotal counts barriers completed by the dispatcher.
	BarsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simengine_bars_total",
		Help: "Total number of bars dispatched to strategies",
	})

	// StrategyResults counts per-strategy bar results by status.
	StrategyResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_strategy_results_total",
		Help: "Per-strategy bar results by runtime status",
	}, []string{"strategy", "status"})

	// FillsTotal counts simulated fills, partitioned by side.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_fills_total",
		Help: "Total number of simulated fills",
	}, []string{"strategy", "side"})

	// FilledVolume tracks cumulative filled quantity per symbol.
	FilledVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_filled_volume_total",
		Help: "Cumulative filled quantity",
	}, []string{"symbol", "side"})

	// OrderRejections counts orders rejected or cancelled, by reason.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_order_rejections_total",
		Help: "Orders rejected or cancelled by the simulator or risk gate",
	}, []string{"strategy", "reason"})

	// StrategyFaults counts strategies moved to FAILED.
	StrategyFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_strategy_faults_total",
		Help: "Strategies isolated after a panic, error or timeout",
	}, []string{"strategy"})

	// RiskEvents counts governor events by reason and target state.
	RiskEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_risk_events_total",
		Help: "Risk governor breaches and transitions",
	}, []string{"strategy", "reason", "to"})

	// Equity tracks the latest equity per strategy.
	Equity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "simengine_equity",
		Help: "Latest mark-to-market equity",
	}, []string{"strategy"})

	// Drawdown tracks the latest drawdown fraction per strategy.
	Drawdown = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "simengine_drawdown_ratio",
		Help: "Latest drawdown from the high-water mark",
	}, []string{"strategy"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simengine_http_request_duration_seconds",
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
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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
