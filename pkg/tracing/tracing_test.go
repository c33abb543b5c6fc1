package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return sr
}

func TestInit_DisabledIsNoop(t *testing.T) {
	tp, err := Init(Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceSignaling_RecordsAttributes(t *testing.T) {
	sr := installRecorder(t)

	ctx, span := TraceSignaling(context.Background(), "publish", "stream-1", "viewer-1")
	AddSpanAttributes(ctx, EventTypeKey.String("offer"))
	MeasureDuration(ctx, time.Now())
	span.End()

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "signaling.publish", ended[0].Name())

	attrs := map[string]string{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "stream-1", attrs["stream.id"])
	assert.Equal(t, "viewer-1", attrs["user.id"])
	assert.Equal(t, "offer", attrs["signaling.event_type"])
}

func TestRecordError_SetsStatus(t *testing.T) {
	sr := installRecorder(t)

	ctx, span := TraceRecording(context.Background(), "segment", "stream-1")
	RecordError(ctx, errors.New("store unavailable"))
	span.End()

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Len(t, ended[0].Events(), 1)
}

func TestHelpers_WithoutProvider(t *testing.T) {
	ctx, span := TraceHTTPRequest(context.Background(), "GET", "/api/v1/streams")
	RecordError(ctx, errors.New("ignored"))
	span.End()

	ctx, span = TraceStoreOperation(context.Background(), "take", "mailbox")
	AddSpanAttributes(ctx, ChunkSeqKey.Int64(3))
	span.End()
}
