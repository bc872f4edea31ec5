package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cids-io/cids/pkg/observability"
)

func TestRequestLoggerAssignsRequestID(t *testing.T) {
	logger := observability.NewLogger(observability.InfoLevel, io.Discard)

	var seenID string
	handler := NewRequestLogger(logger, nil).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = observability.GetRequestID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	assert.NotEmpty(t, seenID)
	assert.Equal(t, seenID, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRequestLoggerPropagatesIncomingRequestID(t *testing.T) {
	logger := observability.NewLogger(observability.InfoLevel, io.Discard)

	var seenID string
	handler := NewRequestLogger(logger, nil).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = observability.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "upstream-id", seenID)
}
