// Package metrics provides Prometheus instrumentation for the game engine.
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
	// QuotesReceived counts quotes accepted from each feed.
	QuotesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boxgame_quotes_received_total",
		Help: "Quotes accepted from upstream feeds",
	}, []string{"feed"})

	// QuotesDiscarded counts quotes dropped during ingestion, by reason.
	QuotesDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boxgame_quotes_discarded_total",
		Help: "Quotes discarded during ingestion",
	}, []string{"feed", "reason"})

	// FeedSilenceWarnings counts liveness warnings raised per feed.
	FeedSilenceWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boxgame_feed_silence_warnings_total",
		Help: "Feed liveness warnings raised by the health monitor",
	}, []string{"feed"})

	// BetsPlaced counts bets accepted, partitioned by instrument.
	BetsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boxgame_bets_placed_total",
		Help: "Bets accepted by the engine",
	}, []string{"instrument"})

	// BetsSettled counts terminal bet outcomes.
	BetsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boxgame_bets_settled_total",
		Help: "Bets reaching a terminal state",
	}, []string{"instrument", "outcome"})

	// ActiveBets tracks bets currently in the monitored set.
	ActiveBets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "boxgame_active_bets",
		Help: "Bets currently monitored for win conditions",
	})

	// CachedSessions tracks the in-memory session cache size.
	CachedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "boxgame_cached_sessions",
		Help: "User sessions held in the in-memory cache",
	})

	// CoeffRefreshDuration observes coefficient cache refresh latency.
	CoeffRefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "boxgame_coeff_refresh_duration_seconds",
		Help:    "Coefficient cache refresh latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// WebSocketClients tracks connected result-stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "boxgame_websocket_clients",
		Help: "Connected WebSocket result-stream clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boxgame_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "boxgame_http_request_duration_seconds",
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

		// Use the raw path for the label to keep the middleware simple;
		// the API surface is small enough that cardinality stays bounded.
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
