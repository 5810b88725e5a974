package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitExportsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	shutdown, err := Init(context.Background(), WithService("charterguard-test", "1.2.3"), WithExporter(exp))
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "audit")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "audit", spans[0].Name)
	assert.Contains(t, spans[0].Resource.String(), "charterguard-test")
}

func TestInitZeroRatioDropsRootSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	shutdown, err := Init(context.Background(), WithExporter(exp), WithSampleRatio(0))
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "audit")
	span.End()
	require.NoError(t, shutdown(context.Background()))
	assert.Empty(t, exp.GetSpans())
}

func TestInitWritesSpansFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spans.json")
	shutdown, err := Init(context.Background(), WithEndpoint(""), WithSpansOut(path))
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "canary")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"Name":"canary"`)
}

func TestInitRejectsUnwritableSpansFile(t *testing.T) {
	_, err := Init(context.Background(), WithSpansOut(filepath.Join(t.TempDir(), "missing", "spans.json")))
	require.Error(t, err)
}

func TestMetricsRecordWithoutSDK(t *testing.T) {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(meterName))
	require.NoError(t, err)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.AuditCompleted(ctx, true, map[string]int{"warn": 2, "info": 0})
		m.RuleFaulted(ctx, "structure.domain_boundary")
		m.CanaryCompleted(ctx, "pass", 3*time.Second)
		m.ProposalTransition(ctx, "ratified")
	})
	assert.Same(t, Default(), Default())
}
