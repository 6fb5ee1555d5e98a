// Package metrics provides Prometheus instrumentation for the trading engine.
package metrics

import (
	"bufio"
	"fmt"
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
	// TicksTotal counts control-loop ticks by outcome (ok, error, paused, killed).
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotrader_ticks_total",
		Help: "Total control-loop ticks by result",
	}, []string{"result"})

	// TickDuration tracks how long a running tick takes.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "autotrader_tick_duration_seconds",
		Help:    "Control-loop tick duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// TradesTotal counts fills recorded in the ledger, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotrader_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// OrderLatency tracks broker order round-trip time.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autotrader_order_latency_seconds",
		Help:    "Broker order latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"adapter"})

	// RiskRejections counts blocked signals by check.
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotrader_risk_rejections_total",
		Help: "Signals blocked by the risk engine",
	}, []string{"kind"})

	// CircuitBreakerTrips counts automatic halts on daily loss.
	CircuitBreakerTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autotrader_circuit_breaker_trips_total",
		Help: "Tenants halted by the daily loss circuit breaker",
	})

	// IdempotencyHits counts signals dropped as already acted on.
	IdempotencyHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autotrader_idempotency_hits_total",
		Help: "Signals skipped because their decision key was already seen",
	})

	// ActiveEngines tracks running control loops.
	ActiveEngines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autotrader_active_engines",
		Help: "Number of running tenant control loops",
	})

	// NotificationsTotal counts notifier deliveries by result.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotrader_notifications_total",
		Help: "Notifications delivered or dropped",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autotrader_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotrader_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autotrader_http_request_duration_seconds",
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

		// Label by route pattern; tenant ids would explode cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
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

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	return hj.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
