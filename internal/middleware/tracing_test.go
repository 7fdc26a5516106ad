package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecorder() (*tracetest.SpanRecorder, otelhttp.Option) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return recorder, otelhttp.WithTracerProvider(tp)
}

func TestTracing_NamesSpanAfterRoute(t *testing.T) {
	recorder, opt := newRecorder()

	r := chi.NewRouter()
	r.Use(Tracing(opt))
	r.Get("/api/v1/sagas/{id}/transitions", func(w http.ResponseWriter, req *http.Request) {
		assert.True(t, trace.SpanContextFromContext(req.Context()).IsValid())
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sagas/s-1/transitions", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /api/v1/sagas/{id}/transitions", spans[0].Name())
}

func TestTracing_FallsBackToPath(t *testing.T) {
	recorder, opt := newRecorder()
	h := Tracing(opt)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/unknown", nil))

	assert.Equal(t, http.StatusTeapot, w.Code)
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /unknown", spans[0].Name())
}

func TestTracing_PreservesResponse(t *testing.T) {
	_, opt := newRecorder()
	body := `{"status":"ok"}`
	h := Tracing(opt)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, body, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}
