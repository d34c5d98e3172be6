// Package metrics provides Prometheus instrumentation for the sync engine.
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
	// SessionRefreshes counts token refresh exchanges by result.
	SessionRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_session_refreshes_total",
		Help: "Token refresh exchanges by result",
	}, []string{"result"})

	// FencingInvalidations counts sessions torn down because another
	// device claimed the active-session slot.
	FencingInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_fencing_invalidations_total",
		Help: "Sessions invalidated by a concurrent login",
	})

	// SessionTeardowns counts all session teardowns by terminal state.
	SessionTeardowns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_session_teardowns_total",
		Help: "Session teardowns by terminal state",
	}, []string{"state"})

	// Reconciliations counts authoritative ledger pulls by result.
	Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_ledger_reconciliations_total",
		Help: "Authoritative balance pulls by result",
	}, []string{"result"})

	// OptimisticDeltas counts local balance mutations by kind.
	OptimisticDeltas = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_ledger_optimistic_deltas_total",
		Help: "Optimistic balance mutations by kind",
	}, []string{"kind"})

	// BalanceRejections counts debits rejected for insufficient balance.
	BalanceRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_ledger_rejections_total",
		Help: "Debits rejected for insufficient balance",
	})

	// FeedTicks counts quote ticks applied, partitioned by symbol.
	FeedTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_feed_ticks_total",
		Help: "Price feed ticks applied",
	}, []string{"symbol"})

	// FeedReconnects counts websocket feed reconnect attempts.
	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_feed_reconnects_total",
		Help: "Price feed reconnect attempts",
	})

	// FeedSubscriptions tracks currently subscribed symbols upstream.
	FeedSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_feed_subscriptions",
		Help: "Symbols currently subscribed on the upstream feed",
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

		// Use the raw path for the label; the API surface is small and
		// fixed, so cardinality stays bounded.
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
