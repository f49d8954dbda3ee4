// Package metrics provides Prometheus instrumentation for the market engine.
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
	// TradesTotal counts trades by side and outcome (executed, rejected, failed).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockmarket_trades_total",
		Help: "Total number of trades attempted",
	}, []string{"side", "outcome"})

	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockmarket_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// SharesTraded tracks cumulative share volume by side.
	SharesTraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockmarket_shares_traded_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"side"})

	// Compensations counts unwound trade steps by outcome (ok, failed).
	Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockmarket_compensations_total",
		Help: "Trade steps undone after a later step failed",
	}, []string{"step", "outcome"})

	// TicksTotal counts guild price ticks by outcome (ok, partial, skipped, noop).
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockmarket_ticks_total",
		Help: "Guild price ticks run",
	}, []string{"outcome"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stockmarket_tick_duration_seconds",
		Help:    "Duration of one guild tick including order evaluation",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// OrdersResolved counts orders reaching a terminal status.
	OrdersResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockmarket_orders_resolved_total",
		Help: "Orders moved to a terminal status",
	}, []string{"status"})

	AlertsFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockmarket_alerts_fired_total",
		Help: "Price alerts triggered",
	})

	EventsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockmarket_events_created_total",
		Help: "Market events created by type",
	}, []string{"type"})

	// DividendPayouts counts per-holder dividend credits by outcome.
	DividendPayouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockmarket_dividend_payouts_total",
		Help: "Dividend credits to holders",
	}, []string{"outcome"})

	// Notifications counts dispatched notifications by sink and outcome
	// (sent, failed, dropped).
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockmarket_notifications_total",
		Help: "Notifications handed to sinks",
	}, []string{"sink", "outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockmarket_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockmarket_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockmarket_http_request_duration_seconds",
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

		// Route pattern keeps the path label low-cardinality.
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot be hijacked")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
