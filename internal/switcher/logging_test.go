package switcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/gardener/internal/budget"
)

func newObservedLogger() (*Logger, *observer.ObservedLogs) {
	core, observed := observer.New(zapcore.DebugLevel)
	return NewLogger(zap.New(core)), observed
}

func TestNewLogger_Nil(t *testing.T) {
	l := NewLogger(nil)
	require.NotNil(t, l)
	l.SwitchCommitted(context.Background(), &SwitchResult{})

	var nilLogger *Logger
	assert.NotPanics(t, func() {
		nilLogger.SwitchFailed(context.Background(), &SwitchResult{})
	})
}

func TestLogger_ResultLevels(t *testing.T) {
	l, logs := newObservedLogger()
	ctx := context.Background()
	r := &SwitchResult{
		Outcome:    OutcomeDegraded,
		Reasons:    []Reason{ReasonIncompatibleAdapter},
		ProjectID:  "p1",
		Capability: CapabilityBaseIndex,
		Duration:   40 * time.Millisecond,
	}

	l.SwitchCommitted(ctx, r)
	l.SwitchDegraded(ctx, r)
	l.SwitchFailed(ctx, r)
	l.SwitchNoOp(ctx, r)

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, zapcore.DebugLevel, entries[3].Level)
	assert.Equal(t, "switcher", entries[1].LoggerName)

	fields := entries[1].ContextMap()
	assert.Equal(t, "p1", fields["project.id"])
	assert.Equal(t, "degraded", fields["outcome"])
	assert.Equal(t, "base+index", fields["capability"])
	assert.Equal(t, []interface{}{"incompatible_adapter"}, fields["reasons"])
}

func TestLogger_DoubleRelease(t *testing.T) {
	l, logs := newObservedLogger()
	r := &budget.Reservation{ID: "r1", Label: "project:p1", Bytes: 1024}

	l.DoubleRelease(context.Background(), r, budget.ErrDoubleRelease)

	entries := logs.FilterMessage("budget reservation released twice").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "r1", entries[0].ContextMap()["reservation_id"])
}

func TestLogger_Evicted(t *testing.T) {
	l, logs := newObservedLogger()
	l.Evicted(context.Background(), "p1", 3<<20, true)

	entries := logs.FilterMessage("resources evicted").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "3.0 MiB", fields["size"])
	assert.Equal(t, true, fields["active"])
}

func TestLogger_TraceFields(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	ctx, span := tp.Tracer("test").Start(context.Background(), "switch")
	defer span.End()

	l, logs := newObservedLogger()
	l.ResourceFailed(ctx, "p1", ReasonIndexOpenFailed, errors.New("corrupt"))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, span.SpanContext().TraceID().String(), fields["trace_id"])
	assert.Equal(t, "corrupt", fields["error"])
}
