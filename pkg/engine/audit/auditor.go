// Package audit runs every charter rule against a source tree and turns the
// findings into a scored report.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/DrSkyle/charterguard/pkg/engine/finding"
	"github.com/DrSkyle/charterguard/pkg/engine/report"
	"github.com/DrSkyle/charterguard/pkg/engine/rules"
	"github.com/DrSkyle/charterguard/pkg/graph"
	"github.com/DrSkyle/charterguard/pkg/policy"
	"github.com/DrSkyle/charterguard/pkg/source"
	"github.com/DrSkyle/charterguard/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PolicySource yields the policy snapshot an audit runs against.
// *policy.Store satisfies it.
type PolicySource interface {
	Snapshot(ctx context.Context) (*policy.Snapshot, error)
}

// Result is a report together with the inputs it was computed from.
type Result struct {
	Report   *report.Report
	Graph    *graph.Graph
	Snapshot *policy.Snapshot
}

// Auditor is stateless between runs and safe for concurrent use.
type Auditor struct {
	workers  int
	weights  map[string]float64
	minScore *float64
	now      func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *telemetry.Metrics
	builder  *graph.Builder
	engine   *rules.Engine
	registry *source.Registry
}

type Option func(*Auditor)

// WithWorkers bounds both the parse pool and the rule pool.
func WithWorkers(n int) Option {
	return func(a *Auditor) {
		if n > 0 {
			a.workers = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Auditor) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock sets the source of generated_at.
func WithClock(now func() time.Time) Option {
	return func(a *Auditor) {
		if now != nil {
			a.now = now
		}
	}
}

// WithMinScore sets the pass threshold used when the charter declares none.
func WithMinScore(v float64) Option {
	return func(a *Auditor) {
		a.minScore = &v
	}
}

// WithWeights overrides the default severity weights. Charter scoring still
// takes precedence.
func WithWeights(w map[string]float64) Option {
	return func(a *Auditor) {
		a.weights = w
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Auditor) {
		if m != nil {
			a.metrics = m
		}
	}
}

func WithRegistry(r *source.Registry) Option {
	return func(a *Auditor) {
		a.registry = r
	}
}

func New(opts ...Option) (*Auditor, error) {
	a := &Auditor{
		workers: runtime.NumCPU(),
		now:     time.Now,
		logger:  slog.Default(),
		tracer:  otel.Tracer("charterguard/audit"),
		metrics: telemetry.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}

	engine, err := rules.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("init rule engine: %w", err)
	}
	a.engine = engine
	a.builder = graph.NewBuilder(a.registry, graph.WithWorkers(a.workers), graph.WithLogger(a.logger))
	return a, nil
}

// Run audits tree against the policy in store. Only an unreadable tree or
// policy root, or cancellation, returns an error; every other problem is a
// finding.
func (a *Auditor) Run(ctx context.Context, tree source.Tree, store PolicySource) (*report.Report, error) {
	res, err := a.Audit(ctx, tree, store)
	if err != nil {
		return nil, err
	}
	return res.Report, nil
}

// Audit is Run, also returning the graph and snapshot.
func (a *Auditor) Audit(ctx context.Context, tree source.Tree, store PolicySource) (*Result, error) {
	ctx, span := a.tracer.Start(ctx, "Auditor.Run")
	defer span.End()

	snap, err := store.Snapshot(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "policy unreadable")
		return nil, fmt.Errorf("load policy: %w", err)
	}

	g, parseErrs, err := a.builder.Build(ctx, tree, graph.Options{
		Domains:       snap.Domains,
		Capabilities:  snap.Capabilities,
		EntryPatterns: snap.EntryPatterns,
		SourceRoots:   snap.SourceRoots,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tree unreadable")
		return nil, fmt.Errorf("build graph: %w", err)
	}

	findings := make([]finding.Finding, 0, len(parseErrs)+len(snap.Problems))
	findings = append(findings, parseFindings(parseErrs)...)
	findings = append(findings, schemaFindings(snap)...)

	composed, overlaps := rules.Compose(snap)
	findings = append(findings, overlaps...)

	evaluated, err := a.evaluate(ctx, composed, g, snap)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	findings = append(findings, evaluated...)

	rep := report.New(findings, report.Params{
		Weights:           a.weightsFor(snap),
		MinScore:          a.minScoreFor(snap),
		GraphFingerprint:  g.Fingerprint(),
		PolicyFingerprint: snap.Hash(),
		GeneratedAt:       a.now(),
	})

	span.SetAttributes(
		attribute.Int("audit.rules", len(composed)),
		attribute.Int("audit.findings", rep.Summary.Total),
		attribute.Float64("audit.score", rep.Score),
		attribute.Bool("audit.pass", rep.Pass),
	)
	a.metrics.AuditCompleted(ctx, rep.Pass, map[string]int{
		string(finding.Block): rep.Summary.Block,
		string(finding.Warn):  rep.Summary.Warn,
		string(finding.Info):  rep.Summary.Info,
	})
	a.logger.Info("Audit complete",
		"score", rep.Score,
		"pass", rep.Pass,
		"block", rep.Summary.Block,
		"warn", rep.Summary.Warn,
		"info", rep.Summary.Info,
	)

	return &Result{Report: rep, Graph: g, Snapshot: snap}, nil
}

// evaluate runs every rule on a bounded pool. Each rule writes only its own
// slot of results.
func (a *Auditor) evaluate(ctx context.Context, all []policy.Rule, g *graph.Graph, snap *policy.Snapshot) ([]finding.Finding, error) {
	results := make([][]finding.Finding, len(all))
	sem := make(chan struct{}, a.workers)
	var wg sync.WaitGroup

	for i, rule := range all {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, rule policy.Rule) {
			defer wg.Done()
			defer func() { <-sem }()

			start := time.Now()
			ctx, span := a.tracer.Start(ctx, "Rule."+rule.ID)
			defer span.End()

			fs, err := a.engine.Evaluate(ctx, rule, g, snap)
			span.SetAttributes(
				attribute.String("rule", rule.ID),
				attribute.Int64("duration_ms", time.Since(start).Milliseconds()),
				attribute.Int("findings", len(fs)),
			)

			var execErr *rules.ExecutionError
			switch {
			case err == nil:
				results[i] = fs
			case errors.As(err, &execErr):
				span.RecordError(err)
				a.metrics.RuleFaulted(ctx, rule.ID)
				a.logger.Warn("Rule failed", "rule_id", rule.ID, "error", execErr.Err)
				results[i] = []finding.Finding{faultFinding(snap, rule, execErr)}
			default:
				// Cancellation; reported once below.
				span.RecordError(err)
			}
		}(i, rule)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []finding.Finding
	for _, fs := range results {
		out = append(out, fs...)
	}
	return out, nil
}

func (a *Auditor) weightsFor(snap *policy.Snapshot) report.Weights {
	w := report.DefaultWeights().Merge(a.weights)
	if snap.Scoring != nil {
		w = w.Merge(snap.Scoring.Weights)
	}
	return w
}

func (a *Auditor) minScoreFor(snap *policy.Snapshot) float64 {
	switch {
	case snap.Scoring != nil && snap.Scoring.MinScore != nil:
		return *snap.Scoring.MinScore
	case a.minScore != nil:
		return *a.minScore
	}
	return report.DefaultMinScore
}

func parseFindings(errs []*graph.ParseError) []finding.Finding {
	out := make([]finding.Finding, 0, len(errs))
	for _, e := range errs {
		out = append(out, finding.Finding{
			RuleID:   rules.RuleSourceParse,
			Severity: finding.Warn,
			Subject:  e.Path,
			Message:  fmt.Sprintf("unit could not be parsed: %v", e.Err),
		})
	}
	return out
}

func schemaFindings(snap *policy.Snapshot) []finding.Finding {
	out := make([]finding.Finding, 0, len(snap.Problems))
	for _, p := range snap.Problems {
		f := finding.Finding{
			RuleID:   rules.RulePolicySchema,
			Severity: finding.Block,
			Subject:  snap.SubjectPath(p.Path),
			Message:  strings.Join(p.Problems, "; "),
		}
		if p.Schema != "" {
			f.Evidence = map[string]string{"schema": p.Schema}
		}
		out = append(out, f)
	}
	return out
}

// faultFinding cites the declaring document, or the policy root for a
// built-in rule.
func faultFinding(snap *policy.Snapshot, rule policy.Rule, err *rules.ExecutionError) finding.Finding {
	subject := snap.SubjectPath("")
	if rule.Source != "" {
		subject = snap.SubjectPath(rule.Source)
	}
	return finding.Finding{
		RuleID:   rule.ID,
		Severity: finding.Block,
		Subject:  subject,
		Message:  "rule failed to execute: " + err.Err.Error(),
		Evidence: map[string]string{"error": "execution"},
	}
}
