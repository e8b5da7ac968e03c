// Package metrics instruments the web service endpoints for Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type label string

// LabelRoute is the context key of the route label.
const LabelRoute label = "route"

// Middleware records the traffic of the handlers it monitors.
type Middleware struct {
	buckets  []float64
	registry prometheus.Registerer
}

// New creates a Middleware registering its collectors on registry.
func New(registry prometheus.Registerer) *Middleware {
	return &Middleware{
		// Webhook acknowledgements are expected well under a second; the bootstrap trigger reaches the top buckets.
		buckets:  prometheus.ExponentialBuckets(0.005, 2, 14),
		registry: registry,
	}
}

// Monitor wraps handler so that its requests are counted, timed and sized under the handler label.
func (m *Middleware) Monitor(handlerName string, handler http.Handler) http.HandlerFunc {
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"handler": handlerName}, m.registry)
	labels := []string{"method", "code", string(LabelRoute)}
	routeLabel := promhttp.WithLabelFromCtx(string(LabelRoute), routeLabelFromCtx)

	inFlight := promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "activity_sync_http_requests_in_flight",
		Help: "Number of HTTP requests being served.",
	})
	requestsTotal := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "activity_sync_http_requests_total",
		Help: "Number of HTTP requests served.",
	}, labels)
	requestDuration := promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "activity_sync_http_request_duration_seconds",
		Help:    "Latency of HTTP requests.",
		Buckets: m.buckets,
	}, labels)
	requestSize := promauto.With(reg).NewSummaryVec(prometheus.SummaryOpts{
		Name: "activity_sync_http_request_size_bytes",
		Help: "Size of HTTP requests.",
	}, labels)

	base := promhttp.InstrumentHandlerInFlight(inFlight,
		promhttp.InstrumentHandlerCounter(requestsTotal,
			promhttp.InstrumentHandlerDuration(requestDuration,
				promhttp.InstrumentHandlerRequestSize(requestSize, handler, routeLabel),
				routeLabel),
			routeLabel),
	)
	return base.ServeHTTP
}

func routeLabelFromCtx(ctx context.Context) string {
	if route, ok := ctx.Value(LabelRoute).(string); ok {
		return route
	}
	return "unknown"
}

// ApplyLabels stores the route of r in its context. The matched mux pattern is preferred to the raw path.
func ApplyLabels(r *http.Request) {
	route := r.Pattern
	if route == "" {
		route = r.URL.Path
	}
	*r = *r.WithContext(context.WithValue(r.Context(), LabelRoute, route))
}
