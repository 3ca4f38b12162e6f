package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pbinitiative/zenflow/internal/config"
	otelint "github.com/pbinitiative/zenflow/internal/otel"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder remembers the status code and the number of bytes written.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.written += int64(n)
	return n, err
}

// Opentelemetry returns middleware that will trace and meter incoming requests.
// Spans are named after the chi route pattern once routing is done.
func Opentelemetry(conf config.Tracing) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		metered := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r = r.WithContext(getTransferHeadersCtx(r.Context(), r, conf.TransferHeaders))
			span := trace.SpanFromContext(r.Context())
			span.SetAttributes(getTransferHeaderAttributes(r, conf.TransferHeaders)...)

			rec := &statusRecorder{ResponseWriter: w}
			startTime := time.Now()
			next.ServeHTTP(rec, r)

			routePattern := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				routePattern = rctx.RoutePattern()
			}
			span.SetName(r.Method + " " + routePattern)
			span.SetAttributes(attribute.String("http.route", routePattern), otelint.WroteBytesKey.Int64(rec.written))
			setAfterServeMetrics(routePattern, r, rec, startTime)
		})
		return otelhttp.NewHandler(metered, "request",
			otelhttp.WithServerName(conf.Name),
			otelhttp.WithSpanOptions(trace.WithSpanKind(trace.SpanKindServer)),
		)
	}
}

func setAfterServeMetrics(routePattern string, r *http.Request, rec *statusRecorder, startTime time.Time) {
	if otelint.RequestTotal == nil {
		// providers were not set up
		return
	}
	tags := metric.WithAttributes(
		attribute.String("path", routePattern),
		attribute.String("method", r.Method),
		attribute.Int("status", rec.statusCode),
	)
	otelint.RequestTotal.Add(r.Context(), 1)
	otelint.RequestUriTotal.Add(r.Context(), 1, tags)
	if r.ContentLength >= 0 {
		otelint.RequestBodySize.Add(r.Context(), float64(r.ContentLength), tags)
	}
	if rec.written > 0 {
		otelint.ResponseBodySize.Add(r.Context(), float64(rec.written), tags)
	}
	otelint.RequestDuration.Record(r.Context(), float64(time.Since(startTime).Microseconds())/1000, tags)
}

func getTransferHeadersCtx(ctx context.Context, r *http.Request, transferHeaders []string) context.Context {
	for _, header := range transferHeaders {
		ctx = context.WithValue(ctx, otelint.TransferHeaderKey(header), r.Header.Get(header))
	}
	return ctx
}

func getTransferHeaderAttributes(r *http.Request, transferHeaders []string) []attribute.KeyValue {
	attributes := make([]attribute.KeyValue, len(transferHeaders))
	for i, header := range transferHeaders {
		attributes[i] = attribute.String(header, r.Header.Get(header))
	}
	return attributes
}
