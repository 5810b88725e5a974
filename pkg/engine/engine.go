package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/DrSkyle/charterguard/pkg/config"
	"github.com/DrSkyle/charterguard/pkg/engine/amendment"
	"github.com/DrSkyle/charterguard/pkg/engine/audit"
	"github.com/DrSkyle/charterguard/pkg/engine/canary"
	"github.com/DrSkyle/charterguard/pkg/engine/history"
	"github.com/DrSkyle/charterguard/pkg/engine/lazarus"
	"github.com/DrSkyle/charterguard/pkg/engine/lock"
	"github.com/DrSkyle/charterguard/pkg/engine/notifier"
	"github.com/DrSkyle/charterguard/pkg/engine/provenance"
	"github.com/DrSkyle/charterguard/pkg/engine/report"
	"github.com/DrSkyle/charterguard/pkg/engine/watch"
	"github.com/DrSkyle/charterguard/pkg/policy"
	"github.com/DrSkyle/charterguard/pkg/source"
	"github.com/DrSkyle/charterguard/pkg/storage"
	"github.com/DrSkyle/charterguard/pkg/telemetry"
	"github.com/DrSkyle/charterguard/pkg/version"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrPanic wraps a panic recovered at the engine boundary.
var ErrPanic = errors.New("charterguard engine panicked")

// ErrUnsealed is returned by Verify for a charter that was never sealed.
var ErrUnsealed = errors.New("charter has no ledger; run 'charterguard charter seal'")

// Engine wires the governance components of one repository.
type Engine struct {
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *telemetry.Metrics

	Auditor   *audit.Auditor
	Policy    *policy.Store
	Writer    *policy.Writer
	Canary    *canary.Validator
	Proposals *amendment.Manager
	Locker    lock.Locker
	Notifier  *notifier.SlackClient
	History   *history.Client
	Vault     *lazarus.Vault

	// Immutable config.
	config config.Config
	now    func() time.Time

	// External dependencies.
	blobs    storage.BlobStore
	redis    *redis.Client
	shutdown telemetry.Shutdown
}

// Option defines a functional configuration override.
type Option func(*Engine)

// WithConfig sets the full configuration.
func WithConfig(cfg config.Config) Option {
	return func(e *Engine) {
		e.config = cfg
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.Logger = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLocker overrides the configured lock backend.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) {
		e.Locker = l
	}
}

// WithBlobStore overrides the configured proposal store location.
func WithBlobStore(b storage.BlobStore) Option {
	return func(e *Engine) {
		e.blobs = b
	}
}

// NewLogger returns the engine's slog logger: JSON or text on w, with
// sensitive attributes redacted.
func NewLogger(w io.Writer, tc config.TelemetryConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       slog.LevelWarn,
		ReplaceAttr: redactSensitiveData,
	}
	if tc.Verbose {
		opts.Level = slog.LevelDebug
	}
	if tc.JSONLogs {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// New initializes the Engine.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	e := &Engine{
		Tracer: otel.Tracer("charterguard/engine"),
		config: config.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.config.Validate(); err != nil {
		return nil, err
	}
	if e.Logger == nil {
		e.Logger = NewLogger(os.Stderr, e.config.Telemetry)
	}
	slog.SetDefault(e.Logger)

	if !e.config.Telemetry.Disabled {
		tc := e.config.Telemetry
		shutdown, err := telemetry.Init(ctx,
			telemetry.WithService(version.AppName, version.Current),
			telemetry.WithEndpoint(tc.Endpoint),
			telemetry.WithSpansOut(tc.SpansOut),
			telemetry.WithSampleRatio(tc.SampleRatio),
		)
		if err != nil {
			e.Logger.Warn("Telemetry failed", "error", err)
		} else {
			e.shutdown = shutdown
		}
	}
	e.Metrics = telemetry.Default()

	if err := e.initLocker(ctx); err != nil {
		return nil, err
	}
	if e.blobs == nil {
		blobs, err := storage.Open(ctx, e.storeLocation())
		if err != nil {
			return nil, fmt.Errorf("open proposal store: %w", err)
		}
		e.blobs = blobs
	}

	cfg := e.config
	auditor, err := audit.New(
		audit.WithWorkers(cfg.Audit.Workers),
		audit.WithLogger(e.Logger),
		audit.WithClock(e.now),
		audit.WithMinScore(cfg.Audit.MinScore),
		audit.WithWeights(cfg.Audit.Weights),
		audit.WithMetrics(e.Metrics),
	)
	if err != nil {
		return nil, err
	}
	e.Auditor = auditor

	e.Policy = policy.NewStore(cfg.Paths.Repo, policy.WithDir(cfg.Paths.PolicyDir), policy.WithLogger(e.Logger))
	e.Writer = policy.NewWriter(e.Policy.Layout(), policy.WithClock(e.now), policy.WithWriterLogger(e.Logger))

	materializer, err := canary.MaterializerFor(cfg.Canary.Materializer)
	if err != nil {
		return nil, err
	}
	if dir := e.storeDir(); dir != "" {
		if cm, ok := materializer.(canary.CopyMaterializer); ok {
			cm.Skip = append(cm.Skip, dir, dir+"/**")
			materializer = cm
		}
	}
	e.Canary = canary.New(auditor,
		canary.WithMaterializer(materializer),
		canary.WithTimeout(cfg.Canary.Timeout),
		canary.WithWorkDir(cfg.Canary.WorkDir),
		canary.WithPolicyDir(cfg.Paths.PolicyDir),
		canary.WithIgnore(e.sourceIgnore()...),
		canary.KeepSandbox(cfg.Canary.Keep),
		canary.WithClock(e.now),
		canary.WithLogger(e.Logger),
		canary.WithMetrics(e.Metrics),
	)

	e.History = history.NewClient(e.blobs, history.DefaultPrefix, e.Logger)
	e.Vault = lazarus.NewVault(e.blobs, lazarus.DefaultPrefix, e.now)
	e.Notifier = notifier.NewSlackClient(cfg.Notify.SlackWebhook, cfg.Notify.Channel, cfg.Notify.Timeout, e.Logger)

	e.Proposals = amendment.NewManager(cfg.Paths.Repo,
		amendment.NewStore(e.blobs, cfg.Proposals.Prefix),
		e.Canary,
		amendment.WithPolicyDir(cfg.Paths.PolicyDir),
		amendment.WithLocker(e.Locker),
		amendment.WithClock(e.now),
		amendment.WithLogger(e.Logger),
		amendment.WithMetrics(e.Metrics),
		amendment.WithObserver(e.Notifier),
		amendment.WithArchiver(e.Vault),
	)

	e.Logger.Debug("Engine ready",
		"repo", cfg.Paths.Repo,
		"policy_dir", cfg.Paths.PolicyDir,
		"lock_backend", cfg.Lock.Backend,
		"proposal_store", e.storeLocation(),
	)
	return e, nil
}

func (e *Engine) initLocker(ctx context.Context) error {
	if e.Locker != nil {
		return nil
	}
	if e.config.Lock.Backend != config.LockRedis {
		e.Locker = lock.NewLocalLocker()
		return nil
	}
	client, err := lock.DialRedis(ctx, e.config.Lock.RedisURL)
	if err != nil {
		return err
	}
	e.redis = client
	e.Locker = lock.NewRedisLocker(client, lock.WithLease(e.config.Lock.Lease))
	return nil
}

// storeLocation resolves a relative local proposal store against the repo.
func (e *Engine) storeLocation() string {
	loc := e.config.Proposals.Store
	if strings.HasPrefix(loc, "s3://") || filepath.IsAbs(loc) {
		return loc
	}
	return filepath.Join(e.config.Paths.Repo, loc)
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() config.Config { return e.config }

// storeDir is the local proposal store relative to the repo, or "" when it
// lives elsewhere.
func (e *Engine) storeDir() string {
	loc := e.storeLocation()
	if strings.HasPrefix(loc, "s3://") {
		return ""
	}
	rel, err := filepath.Rel(e.config.Paths.Repo, loc)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return filepath.ToSlash(rel)
}

// Tree is the source tree being governed. The policy root and a local
// proposal store are never source.
func (e *Engine) Tree() *source.DirTree {
	return source.NewDirTree(e.config.Paths.Repo, e.sourceIgnore()...)
}

// sourceIgnore is shared by the live tree and canary sandboxes so both
// audits see the same source set.
func (e *Engine) sourceIgnore() []string {
	ignore := append([]string{}, e.config.Paths.Ignore...)
	ignore = append(ignore, strings.TrimSuffix(filepath.ToSlash(e.config.Paths.PolicyDir), "/")+"/**")
	if dir := e.storeDir(); dir != "" {
		ignore = append(ignore, dir+"/**")
	}
	return ignore
}

// Watch audits the repository on start and after every change until ctx is
// done.
func (e *Engine) Watch(ctx context.Context, onReport func(*report.Report, error)) error {
	var skip []string
	for _, g := range e.config.Paths.Ignore {
		skip = append(skip, strings.TrimSuffix(g, "/**"))
	}
	if dir := e.storeDir(); dir != "" {
		skip = append(skip, dir)
	}
	w, err := watch.New(e.config.Paths.Repo,
		watch.WithDebounce(e.config.Audit.Debounce),
		watch.WithSkip(skip...),
		watch.WithLogger(e.Logger),
	)
	if err != nil {
		return err
	}
	return w.Run(ctx, func(ctx context.Context) (*report.Report, error) {
		res, err := e.Audit(ctx)
		if err != nil {
			return nil, err
		}
		return res.Report, nil
	}, onReport)
}

// Audit runs the rule set against the repository.
func (e *Engine) Audit(ctx context.Context) (res *audit.Result, err error) {
	ctx, span := e.Tracer.Start(ctx, "Engine.Audit")
	defer span.End()
	defer e.recoverPanic(ctx, &err)

	res, err = e.Auditor.Audit(ctx, e.Tree(), e.Policy)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "audit failed")
		return nil, err
	}
	if e.config.Audit.Attribute {
		e.attribute(ctx, res.Report)
	}
	if e.config.Audit.Record {
		if err := e.History.Append(ctx, history.FromReport(res.Report)); err != nil {
			e.Logger.Warn("Audit not recorded", "error", err)
		}
	}
	return res, nil
}

// Trend analyzes the newest n recorded audits.
func (e *Engine) Trend(ctx context.Context, n int) ([]history.Snapshot, history.Trend, error) {
	window, err := e.History.LoadWindow(ctx, n)
	if err != nil {
		return nil, history.Trend{}, err
	}
	return window, history.Analyze(window, e.config.Audit.DropAlert), nil
}

// attribute adds last-commit evidence to the report's findings. It is best
// effort: a repository without git history audits the same as before.
func (e *Engine) attribute(ctx context.Context, rep *report.Report) {
	r, err := provenance.Open(e.config.Paths.Repo)
	if err != nil {
		e.Logger.Warn("Finding attribution skipped", "error", err)
		return
	}
	n, err := r.Annotate(ctx, rep.Findings)
	if err != nil {
		e.Logger.Warn("Finding attribution incomplete", "annotated", n, "error", err)
		return
	}
	e.Logger.Debug("Findings attributed", "annotated", n, "findings", len(rep.Findings))
}

// Seal records the charter area as the ratified baseline.
func (e *Engine) Seal(ctx context.Context, force bool) (ledger *policy.Ledger, err error) {
	defer e.recoverPanic(ctx, &err)
	return e.Writer.Seal(ctx, force)
}

// Verify lists the charter documents that drifted from the ledger.
func (e *Engine) Verify(ctx context.Context) (mismatches []policy.LedgerMismatch, err error) {
	defer e.recoverPanic(ctx, &err)

	snap, err := e.Policy.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if !snap.Sealed() {
		return nil, ErrUnsealed
	}
	return snap.VerifyLedger(), nil
}

// Close flushes telemetry and releases the lock backend.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.shutdown != nil {
		errs = append(errs, e.shutdown(ctx))
	}
	if e.redis != nil {
		errs = append(errs, e.redis.Close())
	}
	return errors.Join(errs...)
}

// recoverPanic turns a panic into ErrPanic on *errp and records the stack.
func (e *Engine) recoverPanic(ctx context.Context, errp *error) {
	if r := recover(); r != nil {
		tr := otel.Tracer("charterguard/engine")
		_, span := tr.Start(ctx, "CriticalPanic")

		stack := debug.Stack()

		span.RecordError(fmt.Errorf("%v", r), trace.WithStackTrace(true))
		span.SetStatus(codes.Error, "CRITICAL FAILURE")
		span.SetAttributes(
			attribute.String("crash.stack", string(stack)),
			attribute.String("crash.reason", fmt.Sprintf("%v", r)),
		)
		span.End()

		e.Logger.Error("CRITICAL FAILURE", "error", r, "stack", string(stack))
		if errp != nil {
			*errp = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}
}

var sensitiveKeys = map[string]bool{
	"password": true, "token": true, "secret": true, "private_key": true,
	"signature": true, "credential": true, "ssh_key": true, "access_key": true,
	"api_key": true, "redis_url": true, "connection_string": true,
	"slack_webhook": true, "webhook": true,
}

// redactSensitiveData scrubs sensitive keys from logs.
func redactSensitiveData(groups []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[a.Key] {
		return slog.Attr{
			Key:   a.Key,
			Value: slog.StringValue("[REDACTED]"),
		}
	}
	return a
}
