package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zaptest"

	"github.com/KennLDN/mc-panel-docker/internal/config"
)

func TestDisabledTracerIsNoop(t *testing.T) {
	tr, err := Init(config.TracingConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, tr.Enabled())

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })

	rec := httptest.NewRecorder()
	tr.HTTPMiddleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	require.NoError(t, tr.Shutdown(context.Background()))
}

func TestStdoutTracerRecordsRequests(t *testing.T) {
	tr, err := Init(config.TracingConfig{
		Enabled:      true,
		ExporterType: ExporterStdout,
		SamplerType:  "always_on",
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.True(t, tr.Enabled())

	var sampled bool

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sampled = trace.SpanContextFromContext(r.Context()).IsSampled()
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	tr.HTTPMiddleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/services", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, sampled)
	require.NoError(t, tr.Shutdown(context.Background()))
}

func TestCreateSampler(t *testing.T) {
	assert.Equal(t, sdktrace.NeverSample().Description(),
		createSampler(config.TracingConfig{SamplerType: "always_off"}).Description())
	assert.Equal(t, sdktrace.AlwaysSample().Description(),
		createSampler(config.TracingConfig{}).Description())
	assert.Equal(t, sdktrace.TraceIDRatioBased(0.5).Description(),
		createSampler(config.TracingConfig{SamplerType: "traceidratio", SamplerParam: 0.5}).Description())
}
