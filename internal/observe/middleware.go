package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// adminRoutes are the paths the admin server serves. Any other path is
// recorded under the "other" route so scanners cannot inflate the metric
// cardinality.
var adminRoutes = map[string]bool{
	"/metrics": true,
	"/healthz": true,
	"/readyz":  true,
}

// routeLabel returns the metric label for path.
func routeLabel(path string) string {
	if adminRoutes[path] {
		return path
	}
	return "other"
}

// responseMeter records what the wrapped handler wrote.
type responseMeter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *responseMeter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseMeter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *responseMeter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// instrumented is the handler returned by [Middleware].
type instrumented struct {
	next    http.Handler
	metrics *Metrics
	prop    propagation.TextMapPropagator
}

// Middleware wraps the admin handlers. Each request continues the W3C trace
// in its headers or starts a new one, and gets the trace ID back as
// X-Correlation-ID. Its duration goes to [Metrics.HTTPRequestDuration] when m
// is non-nil. Successful probe and scrape requests are logged at debug level.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return &instrumented{next: next, metrics: m, prop: propagation.TraceContext{}}
	}
}

func (h *instrumented) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := h.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		),
	)
	defer span.End()

	cid := CorrelationID(ctx)
	if cid != "" {
		w.Header().Set("X-Correlation-ID", cid)
	}
	h.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

	rw := &responseMeter{ResponseWriter: w}
	h.next.ServeHTTP(rw, r.WithContext(ctx))
	elapsed := time.Since(start)
	status := rw.code()

	span.SetAttributes(semconv.HTTPResponseStatusCode(status))
	if h.metrics != nil {
		h.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", routeLabel(r.URL.Path)),
		))
	}

	level := slog.LevelInfo
	if adminRoutes[r.URL.Path] && status < http.StatusBadRequest {
		level = slog.LevelDebug
	}
	slog.LogAttrs(ctx, level, "admin request completed",
		slog.String("trace_id", cid),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Int("bytes", rw.bytes),
		slog.Duration("duration", elapsed),
	)
}
