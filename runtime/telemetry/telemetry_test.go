package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unpod/corertc/runtime/telemetry"
)

func TestNoop_DoesNotPanic(t *testing.T) {
	logger, metrics, tracer := telemetry.NewNoop()
	ctx := context.Background()

	logger.Info(ctx, "hello", "key", "value")
	logger.Error(ctx, "boom", "err", "oops")
	metrics.IncCounter("calls", 1, "tier:normal")
	metrics.RecordTimer("latency", 10*time.Millisecond)
	metrics.RecordGauge("active", 3)

	spanCtx, span := tracer.Start(ctx, "op")
	require.NotNil(t, spanCtx)
	span.AddEvent("did thing", "n", 1)
	span.End()
}

func TestCallbackMetrics_InvokesEmitters(t *testing.T) {
	var gotCounter string
	var gotValue float64
	m := telemetry.NewCallbackMetrics(
		func(name string, value float64, tags []string) {
			gotCounter = name
			gotValue = value
		},
		nil,
		nil,
	)

	m.IncCounter("task.claimed", 1, "tier:bulk")
	require.Equal(t, "task.claimed", gotCounter)
	require.Equal(t, float64(1), gotValue)

	// nil timer/gauge callbacks must not panic.
	m.RecordTimer("x", time.Second)
	m.RecordGauge("y", 1)
}
