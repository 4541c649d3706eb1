package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/queue-api/internal/api/shared"
	"github.com/phrazzld/queue-api/internal/platform/logger"
)

func TestTraceMiddleware(t *testing.T) {
	t.Parallel()

	baseLogger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var seenTraceID string
	var seenLogger *slog.Logger
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenTraceID = shared.GetTraceID(r.Context())
		seenLogger = logger.FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	handler := NewTraceMiddleware(baseLogger)(next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks", nil))

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, seenTraceID, 2*shared.TraceIDLength)
	assert.NotEqual(t, slog.Default(), seenLogger, "context logger should be trace-scoped, not the process default")

	t.Run("trace IDs are unique per request", func(t *testing.T) {
		first := seenTraceID
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks", nil))
		assert.NotEqual(t, first, seenTraceID)
	})

	t.Run("nil base logger falls back to default", func(t *testing.T) {
		h := NewTraceMiddleware(nil)(next)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}
