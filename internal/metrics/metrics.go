// Package metrics exposes Prometheus instrumentation for the proxy: inbound
// HTTP requests, upstream Wren calls and stream health.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/wrenproxy/internal/wren"
)

const namespace = "wrenproxy"

// Collector owns a registry and every metric the proxy records. It
// implements wren.Observer so the Wren client can report into it directly.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	upstreamTotal    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	streamChunks     prometheus.Counter
	streamBytes      prometheus.Counter
	streamErrors     *prometheus.CounterVec
}

var _ wren.Observer = (*Collector)(nil)

// NewCollector registers all metrics with registry. A nil registry gets a
// fresh one.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	// Upstream Wren calls range from sub-second validation to multi-minute
	// streamed answers.
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

	c := &Collector{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Inbound HTTP requests by route and status code.",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Inbound HTTP request duration in seconds.",
			Buckets:   buckets,
		}, []string{"route"}),
		upstreamTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Requests sent to the Wren API by operation and status class.",
		}, []string{"op", "method", "status_class"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Time until the Wren API answered with a status line.",
			Buckets:   buckets,
		}, []string{"op"}),
		streamChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Chunks relayed from upstream event streams.",
		}),
		streamBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_bytes_total",
			Help:      "Bytes relayed from upstream event streams.",
		}),
		streamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Streams terminated by an error frame, by failure kind.",
		}, []string{"kind"}),
	}

	registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.upstreamTotal,
		c.upstreamDuration,
		c.streamChunks,
		c.streamBytes,
		c.streamErrors,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// UpstreamCall implements wren.Observer. A zero status means the request
// never got a response.
func (c *Collector) UpstreamCall(op, method string, status int, elapsed time.Duration) {
	c.upstreamTotal.WithLabelValues(op, method, statusClass(status)).Inc()
	c.upstreamDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// StreamChunk implements wren.Observer.
func (c *Collector) StreamChunk(size int) {
	c.streamChunks.Inc()
	c.streamBytes.Add(float64(size))
}

// StreamError implements wren.Observer.
func (c *Collector) StreamError(kind wren.ErrorKind) {
	c.streamErrors.WithLabelValues(kind.String()).Inc()
}

// Middleware records inbound request counts and latency. Routes are
// labelled by their chi pattern so wildcard paths stay low-cardinality.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		c.requestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		c.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

func statusClass(status int) string {
	switch {
	case status == 0:
		return "error"
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
