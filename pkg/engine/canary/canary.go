// Package canary re-audits a proposed charter change in a disposable copy of
// the repository before it may touch the live policy store.
package canary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/DrSkyle/charterguard/pkg/engine/audit"
	"github.com/DrSkyle/charterguard/pkg/engine/report"
	"github.com/DrSkyle/charterguard/pkg/policy"
	"github.com/DrSkyle/charterguard/pkg/source"
	"github.com/DrSkyle/charterguard/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrSandbox wraps failures to allocate or populate a sandbox. These are the
// only errors Validate returns besides cancellation.
var ErrSandbox = errors.New("canary sandbox unavailable")

// TimeoutError is a canary that did not finish within its budget. It counts
// as a failed validation.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("canary timed out after %s", e.After)
}

// Result is the outcome of one canary run. It is immutable once returned.
type Result struct {
	ProposalID  string         `json:"proposal_id"`
	ContentHash string         `json:"content_hash"`
	Pass        bool           `json:"pass"`
	Report      *report.Report `json:"report,omitempty"`
	// Error explains a failure that happened before a report existed.
	Error      string    `json:"error,omitempty"`
	TimedOut   bool      `json:"timed_out,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	// Sandbox is set only when the sandbox was kept.
	Sandbox string `json:"sandbox,omitempty"`
}

// Failure returns the reason a result did not pass, or nil.
func (r *Result) Failure() error {
	switch {
	case r.Pass:
		return nil
	case r.TimedOut:
		return &TimeoutError{After: time.Duration(r.DurationMS) * time.Millisecond}
	case r.Error != "":
		return errors.New(r.Error)
	}
	return errors.New("canary audit failed")
}

// Auditor is the audit entry point the canary drives. *audit.Auditor
// satisfies it.
type Auditor interface {
	Run(ctx context.Context, tree source.Tree, store audit.PolicySource) (*report.Report, error)
}

type Validator struct {
	auditor      Auditor
	materializer Materializer
	timeout      time.Duration
	workDir      string
	policyDir    string
	ignore       []string
	keep         bool
	now          func() time.Time
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *telemetry.Metrics
}

type Option func(*Validator)

func WithMaterializer(m Materializer) Option {
	return func(v *Validator) {
		if m != nil {
			v.materializer = m
		}
	}
}

// DefaultTimeout bounds a run when no positive timeout is configured.
const DefaultTimeout = 5 * time.Minute

// WithTimeout bounds a whole run. Zero or less falls back to DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(v *Validator) { v.timeout = d }
}

// WithWorkDir sets the parent directory of sandboxes. Empty uses the system
// temp directory.
func WithWorkDir(dir string) Option {
	return func(v *Validator) { v.workDir = dir }
}

// WithPolicyDir sets the policy root relative to the repository.
func WithPolicyDir(dir string) Option {
	return func(v *Validator) { v.policyDir = dir }
}

// WithIgnore adds source-tree ignore globs for the sandbox audit.
func WithIgnore(globs ...string) Option {
	return func(v *Validator) { v.ignore = append(v.ignore, globs...) }
}

// KeepSandbox leaves sandboxes on disk for inspection.
func KeepSandbox(keep bool) Option {
	return func(v *Validator) { v.keep = keep }
}

func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		if now != nil {
			v.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.logger = l
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(v *Validator) {
		if m != nil {
			v.metrics = m
		}
	}
}

func New(auditor Auditor, opts ...Option) *Validator {
	v := &Validator{
		auditor:      auditor,
		materializer: CopyMaterializer{},
		policyDir:    policy.DefaultDir,
		now:          time.Now,
		logger:       slog.Default(),
		tracer:       otel.Tracer("charterguard/canary"),
		metrics:      telemetry.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.timeout <= 0 {
		v.timeout = DefaultTimeout
	}
	return v
}

// Validate applies change to a fresh copy of baseRoot and audits the copy.
// The live repository is only read. A timeout, a change that cannot be
// applied, or a failing audit all produce a Result with Pass=false; an error
// is returned only for sandbox failures or when ctx is cancelled.
func (v *Validator) Validate(ctx context.Context, baseRoot string, change policy.Amendment) (*Result, error) {
	ctx, span := v.tracer.Start(ctx, "Canary.Validate", trace.WithAttributes(
		attribute.String("proposal_id", change.ProposalID),
		attribute.String("target", change.TargetPath),
	))
	defer span.End()

	started := v.now()
	wall := time.Now()
	res := &Result{
		ProposalID:  change.ProposalID,
		ContentHash: change.ContentHash,
		StartedAt:   started.UTC(),
	}
	finish := func(outcome string) *Result {
		d := time.Since(wall)
		res.DurationMS = d.Milliseconds()
		v.metrics.CanaryCompleted(ctx, outcome, d)
		span.SetAttributes(attribute.String("outcome", outcome))
		v.logger.Info("Canary finished", "proposal_id", change.ProposalID, "outcome", outcome, "duration_ms", res.DurationMS)
		return res
	}

	runCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	// interrupted decides between cooperative cancellation and timeout.
	interrupted := func() (*Result, error) {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			return nil, context.Cause(ctx)
		}
		res.TimedOut = true
		res.Error = (&TimeoutError{After: v.timeout}).Error()
		return finish("timeout"), nil
	}

	sandbox, err := os.MkdirTemp(v.workDir, "charterguard-canary-*")
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrSandbox, err)
	}
	if v.keep {
		res.Sandbox = sandbox
	} else {
		defer func() {
			if err := os.RemoveAll(sandbox); err != nil {
				v.logger.Warn("Failed to remove canary sandbox", "sandbox", sandbox, "error", err)
			}
		}()
	}

	if err := v.materializer.Materialize(runCtx, baseRoot, sandbox); err != nil {
		if runCtx.Err() != nil {
			return interrupted()
		}
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrSandbox, err)
	}
	if runCtx.Err() != nil {
		return interrupted()
	}

	layout := policy.Layout{Repo: sandbox, Dir: v.policyDir}
	writer := policy.NewWriter(layout, policy.WithClock(v.now), policy.WithWriterLogger(v.logger))
	if _, err := writer.Apply(runCtx, change); err != nil {
		if runCtx.Err() != nil {
			return interrupted()
		}
		res.Error = "apply change: " + err.Error()
		return finish("fail"), nil
	}
	if runCtx.Err() != nil {
		return interrupted()
	}

	tree := source.NewDirTree(sandbox, v.ignore...)
	store := policy.NewStore(sandbox, policy.WithDir(v.policyDir), policy.WithLogger(v.logger))
	rep, err := v.auditor.Run(runCtx, tree, store)
	if err != nil {
		if runCtx.Err() != nil {
			return interrupted()
		}
		res.Error = "audit: " + err.Error()
		return finish("fail"), nil
	}

	res.Report = rep
	res.Pass = rep.Pass
	if res.Pass {
		return finish("pass"), nil
	}
	return finish("fail"), nil
}
