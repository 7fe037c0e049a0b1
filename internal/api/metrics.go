package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

// streamRoutes hold their connection for the life of a session. Their
// durations are session lengths, not request latencies.
var streamRoutes = map[string]bool{
	"/v1/sessions/{id}/ws":     true,
	"/session/ws/{id}":         true,
	"/v1/sessions/{id}/output": true,
}

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	// Compilation happens inside session creation and /run, so the upper
	// buckets cover the compile timeout.
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds, excluding session streams.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"method", "path"},
	)

	httpStreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_http_stream_duration_seconds",
			Help:    "Lifetime of websocket and SSE session streams in seconds.",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(httpStreamDuration)
}

// metricsMiddleware records request count and duration for every HTTP request,
// labelled by chi route pattern. Session streams go to their own histogram.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		path := routePattern(r)
		stream := streamRoutes[path]

		status := ww.Status()
		if status == 0 {
			// A hijacked websocket never reports a status through the wrapper.
			if stream && websocketUpgrade(r) {
				status = http.StatusSwitchingProtocols
			} else {
				status = http.StatusOK
			}
		}

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		if stream && status < http.StatusBadRequest {
			httpStreamDuration.WithLabelValues(path).Observe(duration)
			return
		}
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

func websocketUpgrade(r *http.Request) bool {
	return r.Header.Get("Upgrade") != ""
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
