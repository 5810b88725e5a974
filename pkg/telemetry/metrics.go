package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "charterguard"

// Metrics holds the engine's instruments. The zero value is not usable; use
// NewMetrics or Default.
type Metrics struct {
	auditRuns      metric.Int64Counter
	findings       metric.Int64Counter
	ruleFaults     metric.Int64Counter
	canaryRuns     metric.Int64Counter
	canaryDuration metric.Float64Histogram
	transitions    metric.Int64Counter
}

// NewMetrics creates every instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error
	if m.auditRuns, err = meter.Int64Counter("charterguard.audit.runs",
		metric.WithDescription("Completed audits by outcome")); err != nil {
		return nil, err
	}
	if m.findings, err = meter.Int64Counter("charterguard.audit.findings",
		metric.WithDescription("Findings emitted by severity")); err != nil {
		return nil, err
	}
	if m.ruleFaults, err = meter.Int64Counter("charterguard.rules.faults",
		metric.WithDescription("Rules that failed to execute")); err != nil {
		return nil, err
	}
	if m.canaryRuns, err = meter.Int64Counter("charterguard.canary.runs",
		metric.WithDescription("Canary validations by outcome")); err != nil {
		return nil, err
	}
	if m.canaryDuration, err = meter.Float64Histogram("charterguard.canary.duration",
		metric.WithDescription("Canary validation wall time"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("charterguard.proposals.transitions",
		metric.WithDescription("Proposal state changes by target state")); err != nil {
		return nil, err
	}
	return &m, nil
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns instruments on the global meter provider. If the provider
// refuses an instrument the no-op meter is used instead.
func Default() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.Meter(meterName))
		if err != nil {
			m, _ = NewMetrics(noop.NewMeterProvider().Meter(meterName))
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

func (m *Metrics) AuditCompleted(ctx context.Context, pass bool, bySeverity map[string]int) {
	m.auditRuns.Add(ctx, 1, metric.WithAttributes(attribute.Bool("pass", pass)))
	for sev, n := range bySeverity {
		if n > 0 {
			m.findings.Add(ctx, int64(n), metric.WithAttributes(attribute.String("severity", sev)))
		}
	}
}

func (m *Metrics) RuleFaulted(ctx context.Context, ruleID string) {
	m.ruleFaults.Add(ctx, 1, metric.WithAttributes(attribute.String("rule_id", ruleID)))
}

// CanaryCompleted records outcome as "pass", "fail" or "timeout".
func (m *Metrics) CanaryCompleted(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.canaryRuns.Add(ctx, 1, attrs)
	m.canaryDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) ProposalTransition(ctx context.Context, state string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}
