package tracing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// recordedService builds a TracingService whose spans land in an in-memory
// recorder instead of a collector.
func recordedService(t *testing.T) (*TracingService, *tracetest.SpanRecorder) {
	t.Helper()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	return &TracingService{
		tracer:   tp.Tracer("test"),
		config:   &Config{Enabled: true},
		provider: tp,
	}, sr
}

func attrValue(span sdktrace.ReadOnlySpan, key attribute.Key) string {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestStartTurnSpanCarriesIdentity(t *testing.T) {
	ts, sr := recordedService(t)

	_, span := ts.StartTurnSpan(context.Background(), "vu-7", "session-abc")
	span.End()

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "turn", ended[0].Name())
	assert.Equal(t, oteltrace.SpanKindInternal, ended[0].SpanKind())
	assert.Equal(t, "vu-7", attrValue(ended[0], "turn.virtual_user_id"))
	assert.Equal(t, "session-abc", attrValue(ended[0], "turn.session_id"))
}

func TestStartCompletionSpanNamesMode(t *testing.T) {
	ts, sr := recordedService(t)

	_, span := ts.StartCompletionSpan(context.Background(), "mock-1", "stream")
	span.End()

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "completion.stream", ended[0].Name())
	assert.Equal(t, "mock-1", attrValue(ended[0], "completion.model"))
	assert.Equal(t, "stream", attrValue(ended[0], "completion.mode"))
}

func TestInstrumentHTTPClientEmitsClientSpans(t *testing.T) {
	ts, sr := recordedService(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := ts.InstrumentHTTPClient(&http.Client{})
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "HTTP GET", ended[0].Name())
	assert.Equal(t, oteltrace.SpanKindClient, ended[0].SpanKind())
	assert.Equal(t, "200", attrValue(ended[0], "http.status_code"))
	assert.Equal(t, codes.Ok, ended[0].Status().Code)
}

func TestInstrumentHTTPClientMarksServerErrors(t *testing.T) {
	ts, sr := recordedService(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := ts.InstrumentHTTPClient(&http.Client{})
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
}

func TestInstrumentHTTPClientDisabledLeavesClientUntouched(t *testing.T) {
	ts := &TracingService{config: &Config{Enabled: false}}

	client := &http.Client{}
	instrumented := ts.InstrumentHTTPClient(client)

	assert.Same(t, client, instrumented)
	assert.Nil(t, client.Transport)
}

func TestTraceableFunctionRecordsOutcome(t *testing.T) {
	ts, sr := recordedService(t)

	require.NoError(t, ts.TraceableFunction(context.Background(), "load_run", func(ctx context.Context) error {
		return nil
	}))

	boom := fmt.Errorf("run aborted")
	assert.Equal(t, boom, ts.TraceableFunction(context.Background(), "load_run", func(ctx context.Context) error {
		return boom
	}))

	ended := sr.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, codes.Ok, ended[0].Status().Code)
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Equal(t, "run aborted", ended[1].Status().Description)
}

func TestGetTraceIDOutsideSpanIsEmpty(t *testing.T) {
	assert.Empty(t, GetTraceID(context.Background()))
	assert.Empty(t, GetSpanID(context.Background()))
}
