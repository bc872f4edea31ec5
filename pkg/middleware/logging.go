package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/cids-io/cids/pkg/contextkeys"
	"github.com/cids-io/cids/pkg/observability"
)

// statusRecorder captures the response status for logging and metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// RequestLogger assigns a request ID, logs each request, and records
// HTTP metrics. The metrics path label is the mux route template, not the
// raw URL, to keep cardinality bounded.
type RequestLogger struct {
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRequestLogger creates request logging middleware. metrics may be nil.
func NewRequestLogger(logger *observability.Logger, metrics *observability.Metrics) *RequestLogger {
	return &RequestLogger{logger: logger, metrics: metrics}
}

// Handler wraps an HTTP handler with request logging and instrumentation
func (m *RequestLogger) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := observability.WithRequestID(r.Context(), requestID)
		ctx = observability.WithLogger(ctx, m.logger)
		ctx = contextkeys.WithRequestStartTime(ctx, start)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		duration := time.Since(start)
		m.logger.WithFields(map[string]interface{}{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     recorder.status,
			"duration":   duration.String(),
		}).Info("request handled")

		if m.metrics != nil {
			m.metrics.ObserveHTTPRequest(r.Method, routeTemplate(r), recorder.status, duration)
		}
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}
