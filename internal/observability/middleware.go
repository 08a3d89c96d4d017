package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// userKey is the okapi context key the API authenticator sets.
const userKey = "userID"

// MetricsMiddleware records request counts and latency per route and wraps
// each request in a server span carrying the caller and slot.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()
			route := routeLabel(r)

			var span trace.Span
			if tracer != nil {
				_, span = tracer.Start(r.Context(), r.Method+" "+route,
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(
						semconv.HTTPRequestMethodKey.String(r.Method),
						semconv.HTTPRoute(route),
						semconv.URLPath(r.URL.Path),
					))
				defer span.End()
			}

			if metrics != nil {
				metrics.ActiveRequests.Inc()
				defer metrics.ActiveRequests.Dec()
			}

			start := time.Now()
			err := next(c)
			duration := time.Since(start).Seconds()

			code := c.Response().StatusCode()
			if code == 0 {
				code = http.StatusOK
			}

			if span != nil {
				// The user is only known once authentication ran.
				if userID := c.GetString(userKey); userID != "" {
					span.SetAttributes(SlotAttributes(userID, slotFromPath(r.URL.Path))...)
				}
				span.SetAttributes(semconv.HTTPResponseStatusCode(code))
				if err != nil {
					span.RecordError(err)
				}
				if code >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(code))
				}
			}

			if metrics != nil {
				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, statusCode(code)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration)
			}
			return err
		}
	}
}

// routeLabel returns the matched route template, so slot numbers and upload
// ids do not fan out into separate label values. Unmatched paths have their
// numeric segments folded.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	segs := strings.Split(r.URL.Path, "/")
	for i, s := range segs {
		if _, err := strconv.Atoi(s); err == nil {
			segs[i] = "{n}"
		}
	}
	return strings.Join(segs, "/")
}

// slotFromPath returns the number following a "slots" segment, or 0.
func slotFromPath(path string) int {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i+1 < len(segs); i++ {
		if segs[i] != "slots" {
			continue
		}
		if n, err := strconv.Atoi(segs[i+1]); err == nil && n > 0 {
			return n
		}
	}
	return 0
}
