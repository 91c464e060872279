// Package metrics provides Prometheus instrumentation for the options engine.
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
	// TradesPlaced counts accepted trades, partitioned by symbol and direction.
	TradesPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_trades_placed_total",
		Help: "Total number of trades placed",
	}, []string{"symbol", "direction"})

	// TradesSettled counts settlements by result and trigger (expiry, admin, client).
	TradesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_trades_settled_total",
		Help: "Total number of trades settled",
	}, []string{"result", "trigger"})

	// SettlementLatency measures how late a trade settles past its expiry.
	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "options_settlement_delay_seconds",
		Help:    "Delay between trade expiry and settlement in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// StakeVolume tracks cumulative staked amount per symbol.
	StakeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_stake_volume_total",
		Help: "Cumulative staked amount in USDT",
	}, []string{"symbol"})

	// PendingTrades tracks trades armed in the settlement scheduler.
	PendingTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "options_scheduled_trades",
		Help: "Number of pending trades armed in the scheduler",
	})

	// SettlementRetries counts scheduler retries while persistence is down.
	SettlementRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "options_settlement_retries_total",
		Help: "Settlement attempts retried by the scheduler",
	})

	// DegradedWrites counts writes that landed only in the in-process cache.
	DegradedWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_degraded_writes_total",
		Help: "Writes applied to the fallback cache because the durable store failed",
	}, []string{"op"})

	// DegradedWritesPending is the reconciliation backlog after the last sweep.
	DegradedWritesPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "options_degraded_writes_pending",
		Help: "Cache-only writes still awaiting replay to the durable store",
	})

	// RiskLimitRejections counts trades rejected by the risk limiter.
	RiskLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "options_risk_limit_rejections_total",
		Help: "Trades rejected by risk limits",
	})

	// AuditDropped counts audit events the sink could not deliver.
	AuditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "options_audit_events_dropped_total",
		Help: "Audit events dropped by the sink",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "options_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "options_http_request_duration_seconds",
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

		// Route pattern, not raw path, to keep label cardinality bounded.
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
