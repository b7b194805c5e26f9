package tracing

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

func TestSafeErrorRedactsBearer(t *testing.T) {
	err := SafeError(errors.New("request failed: Authorization: Bearer ya29.secret"))
	assert.Equal(t, "request failed: Authorization: bearer [redacted]", err.Error())
	assert.Nil(t, SafeError(nil))
}

func TestSamplingRatioBounds(t *testing.T) {
	assert.Equal(t, 1.0, samplingRatio(0))
	assert.Equal(t, 1.0, samplingRatio(3))
	assert.Equal(t, 0.25, samplingRatio(0.25))
}

func TestWrapHTTPClientInjectsTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	otel.SetTracerProvider(sdktrace.NewTracerProvider())
	t.Cleanup(func() { otel.SetTracerProvider(nooptrace.NewTracerProvider()) })

	var traceparent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := WrapHTTPClient(srv.Client())
	resp, err := client.Get(srv.URL + "/videos/1")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.NotEmpty(t, traceparent)
}
