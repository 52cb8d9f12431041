package obs

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StatusRecorder captures the status and size of a response.
type StatusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	bytes       int64
}

// NewStatusRecorder wraps w. The status defaults to 200.
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *StatusRecorder) WriteHeader(code int) {
	if !sr.wroteHeader {
		sr.status = code
		sr.wroteHeader = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *StatusRecorder) Write(p []byte) (int, error) {
	sr.wroteHeader = true
	n, err := sr.ResponseWriter.Write(p)
	sr.bytes += int64(n)
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (sr *StatusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

func (sr *StatusRecorder) Status() int { return sr.status }

func (sr *StatusRecorder) BytesWritten() int64 { return sr.bytes }

// HTTPObs records request metrics per purchase flow.
type HTTPObs struct {
	Metrics *HTTPMetrics
}

func (o HTTPObs) Middleware(next http.Handler) http.Handler {
	if o.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := NewStatusRecorder(w)
		o.Metrics.InFlight.Inc()
		defer o.Metrics.InFlight.Dec()
		start := time.Now()
		next.ServeHTTP(recorder, r)

		route := routeOf(r, "unmatched")
		flow := Flow(route)
		o.Metrics.Requests.WithLabelValues(flow, route, r.Method, statusClass(recorder.Status())).Inc()
		o.Metrics.Latency.WithLabelValues(flow, route).Observe(DurationMillis(time.Since(start)))
	})
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// TracingMiddleware starts a server span per request through otelhttp. Once
// routing is done the span is renamed after the matched route and tagged with
// the purchase flow and any order reference the handler resolved.
func TracingMiddleware(next http.Handler) http.Handler {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		span := trace.SpanFromContext(r.Context())
		route := routeOf(r, r.URL.Path)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.String("checkout.flow", Flow(route)),
		)
		if ref := OrderRef(r.Context()); ref != "" {
			span.SetAttributes(attribute.String("checkout.order_ref", ref))
		}
	})
	return otelhttp.NewHandler(inner, "http.server",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}
