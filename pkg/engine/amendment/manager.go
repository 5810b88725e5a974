package amendment

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DrSkyle/charterguard/pkg/engine/audit"
	"github.com/DrSkyle/charterguard/pkg/engine/canary"
	"github.com/DrSkyle/charterguard/pkg/engine/lock"
	"github.com/DrSkyle/charterguard/pkg/policy"
	"github.com/DrSkyle/charterguard/pkg/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CanaryRunner validates a change in isolation. *canary.Validator
// satisfies it.
type CanaryRunner interface {
	Validate(ctx context.Context, baseRoot string, change policy.Amendment) (*canary.Result, error)
}

// Lock keys. Proposal locks are short and never held while waiting for
// another lock; the ledger lock may take proposal locks.
const (
	ledgerLockKey = "ledger"
)

func proposalLockKey(id string) string { return "proposal:" + id }

func canaryLockKey(target string) string { return "canary:" + target }

// Manager drives proposals through their lifecycle. It is safe for
// concurrent use; processes sharing a proposal store coordinate through a
// shared Locker.
type Manager struct {
	layout     policy.Layout
	policy     audit.PolicySource
	writer     *policy.Writer
	store      *Store
	canary     CanaryRunner
	locker     lock.Locker
	classifier RiskClassifier
	now        func() time.Time
	newID      func() string
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *telemetry.Metrics
	observers  []Observer
	archiver   policy.Archiver

	mu   sync.Mutex
	runs map[string]*canaryRun
}

// canaryRun is one in-flight canary that later callers join.
type canaryRun struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	res    *canary.Result
	err    error
}

type Option func(*Manager)

// Observer is told about every persisted state change, after the proposal
// lock is released. from is empty for a new proposal.
type Observer interface {
	ProposalChanged(ctx context.Context, p *Proposal, from State)
}

// WithArchiver keeps the charter content each ratification overwrites.
func WithArchiver(ar policy.Archiver) Option {
	return func(m *Manager) { m.archiver = ar }
}

func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
}

// WithPolicyDir sets the policy root relative to the repository.
func WithPolicyDir(dir string) Option {
	return func(m *Manager) {
		if dir != "" {
			m.layout.Dir = dir
		}
	}
}

func WithLocker(l lock.Locker) Option {
	return func(m *Manager) {
		if l != nil {
			m.locker = l
		}
	}
}

func WithClassifier(c RiskClassifier) Option {
	return func(m *Manager) {
		if c != nil {
			m.classifier = c
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIDs replaces the proposal id generator.
func WithIDs(next func() string) Option {
	return func(m *Manager) {
		if next != nil {
			m.newID = next
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMetrics(mt *telemetry.Metrics) Option {
	return func(m *Manager) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// NewManager manages proposals against the charter of the repository at
// repo, validating them with runner.
func NewManager(repo string, store *Store, runner CanaryRunner, opts ...Option) *Manager {
	m := &Manager{
		layout:     policy.NewLayout(repo),
		store:      store,
		canary:     runner,
		locker:     lock.NewLocalLocker(),
		classifier: GlobClassifier{},
		now:        time.Now,
		newID:      uuid.NewString,
		logger:     slog.Default(),
		tracer:     otel.Tracer("charterguard/amendment"),
		metrics:    telemetry.Default(),
		runs:       make(map[string]*canaryRun),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.policy = policy.NewStore(m.layout.Repo, policy.WithDir(m.layout.Dir), policy.WithLogger(m.logger))
	m.writer = policy.NewWriter(m.layout, policy.WithClock(m.now), policy.WithWriterLogger(m.logger), policy.WithArchiver(m.archiver))
	return m
}

// Submit records a new proposal. A bundle whose content hash does not match
// its content is persisted as rejected and returned together with an
// *IntegrityError. Other malformed bundles are refused with
// ErrInvalidBundle and not persisted.
func (m *Manager) Submit(ctx context.Context, b Bundle, proposer string) (*Proposal, error) {
	ctx, span := m.tracer.Start(ctx, "Proposals.Submit")
	defer span.End()

	if err := m.checkBundle(&b); err != nil {
		return nil, err
	}
	snap, err := m.policy.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	now := m.now()
	p := &Proposal{
		ID:        m.newID(),
		Proposer:  proposer,
		Bundle:    b,
		RiskTier:  raiseTier(m.classifier.Classify(b, snap.Quorum), b.RiskTier),
		CreatedAt: now.UTC(),
	}
	span.SetAttributes(attribute.String("proposal_id", p.ID), attribute.String("risk_tier", p.RiskTier))

	var integrity *IntegrityError
	if got := policy.HashContent(b.body()); got != b.ContentHash {
		integrity = &IntegrityError{ProposalID: p.ID, Expected: b.ContentHash, Actual: got, Stage: "submitted"}
		p.transition(StateRejected, now, integrity.Error())
	} else {
		p.transition(StateOpen, now, "")
	}

	if err := m.store.Save(ctx, p); err != nil {
		span.RecordError(err)
		return nil, err
	}
	m.metrics.ProposalTransition(ctx, string(p.State))
	m.notify(ctx, p, "")
	m.logger.Info("Proposal submitted",
		"proposal_id", p.ID,
		"target", b.TargetPath,
		"action", b.Action,
		"risk_tier", p.RiskTier,
		"state", p.State,
	)
	if integrity != nil {
		return p, integrity
	}
	return p, nil
}

func (m *Manager) checkBundle(b *Bundle) error {
	target, err := policy.CleanDocPath(b.TargetPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if policy.AreaOf(target) != policy.AreaCharter || target == policy.AreaCharter {
		return fmt.Errorf("%w: %s is not a charter document", ErrInvalidBundle, target)
	}
	if policy.FormatOf(target) == "" {
		return fmt.Errorf("%w: %s has no policy document extension", ErrInvalidBundle, target)
	}
	switch b.Action {
	case policy.ActionCreate, policy.ActionReplace:
	case policy.ActionDelete:
		if b.Content != "" {
			return fmt.Errorf("%w: delete carries no content", ErrInvalidBundle)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidBundle, b.Action)
	}
	if b.RiskTier != "" && policy.TierRank(b.RiskTier) == 0 {
		return fmt.Errorf("%w: unknown risk tier %q", ErrInvalidBundle, b.RiskTier)
	}
	if b.ContentHash == "" {
		return fmt.Errorf("%w: content_hash is required", ErrInvalidBundle)
	}
	b.TargetPath = target
	return nil
}

func (m *Manager) Get(ctx context.Context, id string) (*Proposal, error) {
	return m.store.Load(ctx, id)
}

func (m *Manager) List(ctx context.Context) ([]*Proposal, error) {
	return m.store.List(ctx)
}

// Quorum evaluates a proposal's signatures against the live charter.
func (m *Manager) Quorum(ctx context.Context, id string) (QuorumStatus, error) {
	p, err := m.store.Load(ctx, id)
	if err != nil {
		return QuorumStatus{}, err
	}
	snap, err := m.policy.Snapshot(ctx)
	if err != nil {
		return QuorumStatus{}, fmt.Errorf("load policy: %w", err)
	}
	return EvaluateQuorum(p, snap.Quorum, snap.Approvers, m.now()), nil
}

// Sign appends a verified signature. An open proposal whose signatures now
// satisfy quorum moves to quorum_reached.
func (m *Manager) Sign(ctx context.Context, id string, in SignatureInput) (*Proposal, error) {
	ctx, span := m.tracer.Start(ctx, "Proposals.Sign", trace.WithAttributes(
		attribute.String("proposal_id", id),
		attribute.String("approver", in.ApproverID),
	))
	defer span.End()

	snap, err := m.policy.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	now := m.now()

	p, err := m.update(ctx, id, func(p *Proposal) (bool, error) {
		if p.State.Terminal() {
			return false, terminalError(p)
		}
		a, ok := snap.Approver(in.ApproverID)
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrUnknownApprover, in.ApproverID)
		}
		if a.Revoked(now) {
			return false, fmt.Errorf("%w: %s is revoked", ErrUnknownApprover, in.ApproverID)
		}
		if p.signedBy(a.ID) {
			return false, fmt.Errorf("%w: %s", ErrDuplicateSigner, a.ID)
		}
		key, err := a.Key()
		if err != nil {
			return false, err
		}
		if !ed25519.Verify(key, CanonicalMessage(p), in.Signature) {
			return false, fmt.Errorf("%w: approver %s", ErrBadSignature, a.ID)
		}
		fp, err := a.Fingerprint()
		if err != nil {
			return false, err
		}
		signedAt := in.SignedAt
		if signedAt.IsZero() {
			signedAt = now
		}
		if signedAt.After(now.Add(MaxClockSkew)) {
			return false, fmt.Errorf("%w: approver %s signed at %s", ErrFutureSignature, a.ID, signedAt.UTC().Format(time.RFC3339))
		}
		p.Signatures = append(p.Signatures, Signature{
			ApproverID:     a.ID,
			KeyFingerprint: fp,
			Signature:      in.Signature,
			SignedAt:       signedAt.UTC(),
		})
		p.UpdatedAt = now.UTC()

		if p.State == StateOpen && EvaluateQuorum(p, snap.Quorum, snap.Approvers, now).Met {
			p.transition(StateQuorumReached, now, "")
		}
		return true, nil
	})
	if err != nil {
		span.RecordError(err)
		return p, err
	}
	m.logger.Info("Proposal signed", "proposal_id", id, "approver", in.ApproverID, "signatures", len(p.Signatures))
	return p, nil
}

// RunCanary validates the proposal in a sandbox once quorum holds. A call
// for a proposal whose canary is already running joins that run, and a
// stored result for the current content is returned without re-running.
// Runs for the same target path are serialised. A failing or timed out
// canary rejects the proposal; a passing one leaves it awaiting
// ratification.
func (m *Manager) RunCanary(ctx context.Context, id string) (*canary.Result, error) {
	ctx, span := m.tracer.Start(ctx, "Proposals.RunCanary", trace.WithAttributes(attribute.String("proposal_id", id)))
	defer span.End()

	run, owner := m.startRun(ctx, id)
	if !owner {
		m.logger.Debug("Joining in-flight canary", "proposal_id", id)
		select {
		case <-run.done:
			return run.res, run.err
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}

	res, err := m.runCanary(run.ctx, id)
	m.finishRun(id, run, res, err)
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

func (m *Manager) startRun(ctx context.Context, id string) (*canaryRun, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok {
		return r, false
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	r := &canaryRun{ctx: runCtx, cancel: cancel, done: make(chan struct{})}
	m.runs[id] = r
	return r, true
}

func (m *Manager) finishRun(id string, r *canaryRun, res *canary.Result, err error) {
	m.mu.Lock()
	delete(m.runs, id)
	m.mu.Unlock()
	r.res, r.err = res, err
	r.cancel(nil)
	close(r.done)
}

func (m *Manager) runCanary(ctx context.Context, id string) (*canary.Result, error) {
	snap, err := m.policy.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	now := m.now()

	var stored *canary.Result
	p, err := m.update(ctx, id, func(p *Proposal) (bool, error) {
		if r, ok := storedResult(p); ok {
			stored = r
			return false, nil
		}
		if p.State.Terminal() {
			return false, terminalError(p)
		}
		st := EvaluateQuorum(p, snap.Quorum, snap.Approvers, now)
		if !st.Met {
			if p.State == StateOpen {
				return false, &QuorumError{ProposalID: p.ID, Status: st}
			}
			p.transition(StateOpen, now, "quorum lapsed")
			return true, &QuorumError{ProposalID: p.ID, Status: st}
		}
		if p.State == StateOpen {
			p.transition(StateQuorumReached, now, "")
		}
		if p.State != StateCanaryRunning {
			p.transition(StateCanaryRunning, now, "")
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if stored != nil {
		return stored, nil
	}

	key := canaryLockKey(p.Bundle.TargetPath)
	unlock, err := m.locker.Lock(ctx, key)
	if err != nil {
		return nil, m.interrupted(ctx, id, err)
	}
	defer m.release(key, unlock)

	// Another process may have finished this canary while we waited.
	p, err = m.store.Load(ctx, id)
	if err != nil {
		return nil, m.interrupted(ctx, id, err)
	}
	if r, ok := storedResult(p); ok {
		return r, nil
	}
	if p.State.Terminal() {
		return nil, terminalError(p)
	}

	res, err := m.canary.Validate(ctx, m.layout.Repo, p.Amendment())
	if err != nil {
		return nil, m.interrupted(ctx, id, err)
	}

	_, err = m.update(context.WithoutCancel(ctx), id, func(p *Proposal) (bool, error) {
		if p.State.Terminal() {
			return false, terminalError(p)
		}
		p.Canary = res
		at := m.now()
		if res.Pass {
			p.UpdatedAt = at.UTC()
			return true, nil
		}
		reason := "canary failed"
		if f := res.Failure(); f != nil {
			reason = "canary failed: " + f.Error()
		}
		p.transition(StateRejected, at, reason)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// storedResult returns the canary result already recorded for the
// proposal's current content.
func storedResult(p *Proposal) (*canary.Result, bool) {
	if p.State == StateSuperseded || p.Canary == nil || p.Canary.ContentHash != p.Bundle.ContentHash {
		return nil, false
	}
	return p.Canary, true
}

// interrupted puts a proposal whose canary did not finish back to
// quorum_reached, unless it was superseded meanwhile.
func (m *Manager) interrupted(ctx context.Context, id string, cause error) error {
	_, err := m.update(context.WithoutCancel(ctx), id, func(p *Proposal) (bool, error) {
		if p.State == StateSuperseded {
			return false, terminalError(p)
		}
		if p.State != StateCanaryRunning {
			return false, nil
		}
		p.transition(StateQuorumReached, m.now(), "canary interrupted: "+cause.Error())
		return true, nil
	})
	if errors.Is(err, ErrSuperseded) {
		return err
	}
	return fmt.Errorf("canary for proposal %s: %w", id, cause)
}

// Ratify writes a proposal that passed its canary through to the live
// charter, then supersedes every other pending proposal on the same path.
// Ratifying a ratified proposal is a no-op.
func (m *Manager) Ratify(ctx context.Context, id string) (*Proposal, error) {
	ctx, span := m.tracer.Start(ctx, "Proposals.Ratify", trace.WithAttributes(attribute.String("proposal_id", id)))
	defer span.End()

	unlock, err := m.locker.Lock(ctx, ledgerLockKey)
	if err != nil {
		return nil, err
	}
	defer m.release(ledgerLockKey, unlock)

	snap, err := m.policy.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	now := m.now()

	p, err := m.update(ctx, id, func(p *Proposal) (bool, error) {
		switch {
		case p.State == StateRatified:
			return false, nil
		case p.State.Terminal():
			return false, terminalError(p)
		}
		if got := policy.HashContent(p.Bundle.body()); got != p.Bundle.ContentHash {
			ierr := &IntegrityError{ProposalID: p.ID, Expected: p.Bundle.ContentHash, Actual: got, Stage: "stored"}
			p.transition(StateRejected, now, ierr.Error())
			return true, ierr
		}
		if p.Canary == nil || !p.Canary.Pass {
			return false, fmt.Errorf("%w: %s", ErrCanaryRequired, p.ID)
		}
		if p.Canary.ContentHash != p.Bundle.ContentHash {
			ierr := &IntegrityError{ProposalID: p.ID, Expected: p.Bundle.ContentHash, Actual: p.Canary.ContentHash, Stage: "canaried"}
			p.transition(StateRejected, now, ierr.Error())
			return true, ierr
		}
		if st := EvaluateQuorum(p, snap.Quorum, snap.Approvers, now); !st.Met {
			return false, &QuorumError{ProposalID: p.ID, Status: st}
		}
		if _, err := m.writer.Apply(ctx, p.Amendment()); err != nil {
			return false, fmt.Errorf("write charter: %w", err)
		}
		p.transition(StateRatified, now, "")
		return true, nil
	})
	if err != nil {
		span.RecordError(err)
		return p, err
	}

	m.supersedeCompetitors(ctx, p)
	return p, nil
}

func (m *Manager) supersedeCompetitors(ctx context.Context, winner *Proposal) {
	all, err := m.store.List(ctx)
	if err != nil {
		m.logger.Warn("Failed to list competing proposals", "proposal_id", winner.ID, "error", err)
		return
	}
	for _, q := range all {
		if q.ID == winner.ID || q.State.Terminal() || q.Bundle.TargetPath != winner.Bundle.TargetPath {
			continue
		}
		if _, err := m.supersede(ctx, q.ID, "superseded by "+winner.ID, winner.ID); err != nil {
			m.logger.Warn("Failed to supersede proposal", "proposal_id", q.ID, "winner", winner.ID, "error", err)
		}
	}
}

// Supersede withdraws a pending proposal and cancels its canary run.
func (m *Manager) Supersede(ctx context.Context, id, reason string) (*Proposal, error) {
	ctx, span := m.tracer.Start(ctx, "Proposals.Supersede", trace.WithAttributes(attribute.String("proposal_id", id)))
	defer span.End()
	if reason == "" {
		reason = "superseded manually"
	}
	return m.supersede(ctx, id, reason, "")
}

func (m *Manager) supersede(ctx context.Context, id, reason, by string) (*Proposal, error) {
	p, err := m.update(ctx, id, func(p *Proposal) (bool, error) {
		switch {
		case p.State == StateSuperseded:
			return false, nil
		case p.State.Terminal():
			return false, terminalError(p)
		}
		p.SupersededBy = by
		p.transition(StateSuperseded, m.now(), reason)
		return true, nil
	})
	if err != nil {
		return p, err
	}

	m.mu.Lock()
	run := m.runs[id]
	m.mu.Unlock()
	if run != nil {
		m.logger.Info("Cancelling canary of superseded proposal", "proposal_id", id)
		run.cancel(fmt.Errorf("%w: %s", ErrSuperseded, reason))
	}
	return p, nil
}

// Process advances a proposal as far as it can go: quorum, canary, then
// ratification. A failed canary returns the rejected proposal without an
// error.
func (m *Manager) Process(ctx context.Context, id string) (*Proposal, error) {
	res, err := m.RunCanary(ctx, id)
	if err != nil {
		return nil, err
	}
	if !res.Pass {
		return m.store.Load(ctx, id)
	}
	return m.Ratify(ctx, id)
}

// update runs fn on the stored proposal under its lock and saves it when fn
// reports a change, even if fn also returns an error.
func (m *Manager) update(ctx context.Context, id string, fn func(*Proposal) (bool, error)) (*Proposal, error) {
	p, from, err := m.updateLocked(ctx, id, fn)
	if p != nil && p.State != from {
		m.notify(ctx, p, from)
	}
	return p, err
}

func (m *Manager) updateLocked(ctx context.Context, id string, fn func(*Proposal) (bool, error)) (*Proposal, State, error) {
	key := proposalLockKey(id)
	unlock, err := m.locker.Lock(ctx, key)
	if err != nil {
		return nil, "", err
	}
	defer m.release(key, unlock)

	p, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, "", err
	}
	from := p.State
	changed, ferr := fn(p)
	if changed {
		if err := m.store.Save(ctx, p); err != nil {
			return nil, "", err
		}
		if p.State != from {
			m.metrics.ProposalTransition(ctx, string(p.State))
			m.logger.Info("Proposal transitioned", "proposal_id", id, "from", from, "to", p.State, "reason", p.Reason)
		}
	}
	return p, from, ferr
}

func (m *Manager) notify(ctx context.Context, p *Proposal, from State) {
	for _, o := range m.observers {
		o.ProposalChanged(ctx, p, from)
	}
}

func (m *Manager) release(key string, unlock lock.Unlock) {
	if err := unlock(); err != nil {
		m.logger.Warn("Failed to release lock", "key", key, "error", err)
	}
}

func terminalError(p *Proposal) error {
	if p.State == StateSuperseded {
		return fmt.Errorf("%w: %s", ErrSuperseded, p.ID)
	}
	return fmt.Errorf("%w: %s is %s", ErrTerminal, p.ID, p.State)
}
