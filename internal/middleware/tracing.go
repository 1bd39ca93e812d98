package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tracing starts a server span per request. Once chi has routed the request
// the span is renamed to "METHOD /route/{pattern}".
func Tracing(service string) func(http.Handler) http.Handler {
	instrument := otelhttp.NewMiddleware(service, otelhttp.WithSpanNameFormatter(spanName))
	return func(next http.Handler) http.Handler {
		named := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)

			if route := routePattern(r); route != "" {
				span := trace.SpanFromContext(r.Context())
				span.SetName(r.Method + " " + route)
				span.SetAttributes(attribute.String("http.route", route))
			}
		})
		return instrument(named)
	}
}

func spanName(_ string, r *http.Request) string {
	if route := routePattern(r); route != "" {
		return r.Method + " " + route
	}
	return r.Method + " " + r.URL.Path
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	return rctx.RoutePattern()
}
