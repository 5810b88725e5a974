package amendment

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DrSkyle/charterguard/pkg/engine/audit"
	"github.com/DrSkyle/charterguard/pkg/engine/canary"
	"github.com/DrSkyle/charterguard/pkg/engine/finding"
	"github.com/DrSkyle/charterguard/pkg/engine/lock"
	"github.com/DrSkyle/charterguard/pkg/policy"
	"github.com/DrSkyle/charterguard/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type approver struct {
	id   string
	priv ed25519.PrivateKey
	line string
}

func newApprover(t *testing.T, id string) approver {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return approver{id: id, priv: priv, line: strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))}
}

func (a approver) sign(p *Proposal) SignatureInput {
	return SignatureInput{ApproverID: a.id, Signature: ed25519.Sign(a.priv, CanonicalMessage(p))}
}

func (a approver) registered() policy.Approver {
	return policy.Approver{ID: a.id, PublicKey: a.line}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

const structureV1 = `schema: charter.structure/v1
domains:
  - name: api
    paths: ["cmd/**"]
    allowed_imports: [billing]
  - name: billing
    paths: ["billing/**"]
`

const structureV2 = structureV1 + `  - name: storage
    paths: ["storage/**"]
`

const structureV3 = structureV1 + `  - name: reports
    paths: ["reports/**"]
`

// structureClosed drops api's permission to import billing, which
// cmd/shop/main.go relies on.
const structureClosed = `schema: charter.structure/v1
domains:
  - name: api
    paths: ["cmd/**"]
  - name: billing
    paths: ["billing/**"]
`

const quorumDoc = `schema: charter.quorum/v1
thresholds:
  standard: 2
  elevated: 2
  critical: 3
critical_paths: ["charter/quorum.*", "charter/approvers.*"]
elevated_paths: ["charter/safety.*"]
required_approvers: [alice]
signature_ttl: 24h
`

type fixture struct {
	repo      string
	clock     *testClock
	approvers map[string]approver
	runner    *stubRunner
	manager   *Manager
}

func newFixture(t *testing.T, runner CanaryRunner) *fixture {
	t.Helper()
	f := &fixture{
		repo:      t.TempDir(),
		clock:     newClock(),
		approvers: make(map[string]approver),
	}
	var doc strings.Builder
	doc.WriteString("schema: charter.approvers/v1\napprovers:\n")
	for _, id := range []string{"alice", "bob", "carol"} {
		a := newApprover(t, id)
		f.approvers[id] = a
		fmt.Fprintf(&doc, "  - id: %s\n    public_key: %q\n", id, a.line)
	}

	writeFile(t, f.repo, "go.mod", "module example.com/shop\n\ngo 1.22\n")
	writeFile(t, f.repo, "cmd/shop/main.go", "package main\n\nimport \"example.com/shop/billing\"\n\nfunc main() { billing.Charge() }\n")
	writeFile(t, f.repo, "billing/charge.go", "package billing\n\nfunc Charge() {}\n")
	writeFile(t, f.repo, ".charter/charter/structure.yaml", structureV1)
	writeFile(t, f.repo, ".charter/charter/quorum.yaml", quorumDoc)
	writeFile(t, f.repo, ".charter/charter/approvers.yaml", doc.String())
	_, err := policy.NewWriter(policy.NewLayout(f.repo), policy.WithClock(f.clock.Now)).Seal(context.Background(), false)
	require.NoError(t, err)

	if runner == nil {
		f.runner = newStubRunner()
		runner = f.runner
	}
	var seq atomic.Int32
	store := NewStore(storage.NewLocalStore(t.TempDir()), "")
	f.manager = NewManager(f.repo, store, runner,
		WithClock(f.clock.Now),
		WithIDs(func() string { return fmt.Sprintf("p-%d", seq.Add(1)) }),
	)
	return f
}

func (f *fixture) submit(t *testing.T, content string) *Proposal {
	t.Helper()
	p, err := f.manager.Submit(context.Background(), NewBundle("charter/structure.yaml", policy.ActionReplace, content, "add a domain"), "dana")
	require.NoError(t, err)
	return p
}

func (f *fixture) signBy(t *testing.T, p *Proposal, ids ...string) *Proposal {
	t.Helper()
	var err error
	for _, id := range ids {
		p, err = f.manager.Sign(context.Background(), p.ID, f.approvers[id].sign(p))
		require.NoError(t, err)
	}
	return p
}

// stubRunner passes every change unless told otherwise. Blocked proposals
// wait for their context to end.
type stubRunner struct {
	mu      sync.Mutex
	fail    map[string]*canary.Result
	block   map[string]bool
	gate    chan struct{}
	started chan string
	calls   atomic.Int32
}

func newStubRunner() *stubRunner {
	return &stubRunner{
		fail:    make(map[string]*canary.Result),
		block:   make(map[string]bool),
		started: make(chan string, 16),
	}
}

func (s *stubRunner) Validate(ctx context.Context, _ string, change policy.Amendment) (*canary.Result, error) {
	s.calls.Add(1)
	s.started <- change.ProposalID

	s.mu.Lock()
	failed, blocked, gate := s.fail[change.ProposalID], s.block[change.ProposalID], s.gate
	s.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
	if failed != nil {
		res := *failed
		res.ProposalID, res.ContentHash = change.ProposalID, change.ContentHash
		return &res, nil
	}
	return &canary.Result{ProposalID: change.ProposalID, ContentHash: change.ContentHash, Pass: true}, nil
}

func TestCanonicalMessage(t *testing.T) {
	p := &Proposal{
		ID:       "p-1",
		RiskTier: policy.TierStandard,
		Bundle: Bundle{
			TargetPath:    "charter/structure.yaml",
			Action:        policy.ActionReplace,
			ContentHash:   "abc123",
			Justification: "",
		},
	}
	want := "charterguard-proposal/v1\n" +
		"id: p-1\n" +
		"target: charter/structure.yaml\n" +
		"action: replace\n" +
		"content-sha256: abc123\n" +
		"justification-sha256: e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855\n" +
		"risk-tier: standard\n"
	assert.Equal(t, want, string(CanonicalMessage(p)))
}

func TestSubmitRejectsHashMismatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	b := NewBundle("charter/structure.yaml", policy.ActionReplace, structureV2, "tamper")
	b.ContentHash = policy.HashContent([]byte(structureV1))
	p, err := f.manager.Submit(ctx, b, "mallory")

	var integrity *IntegrityError
	require.True(t, errors.As(err, &integrity), "got %v", err)
	require.NotNil(t, p)
	assert.Equal(t, StateRejected, p.State)
	assert.Equal(t, b.ContentHash, integrity.Expected)

	stored, err := f.manager.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, stored.State)

	_, err = f.manager.Sign(ctx, p.ID, f.approvers["alice"].sign(p))
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = f.manager.RunCanary(ctx, p.ID)
	assert.ErrorIs(t, err, ErrTerminal)
	assert.Zero(t, f.runner.calls.Load())
	assert.Equal(t, structureV1, readFile(t, f.repo, ".charter/charter/structure.yaml"))
}

func TestSubmitRefusesMalformedBundles(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		name   string
		bundle Bundle
	}{
		{"working area", NewBundle("working/manifest.yaml", policy.ActionReplace, "x", "")},
		{"escapes root", NewBundle("../charter/structure.yaml", policy.ActionReplace, "x", "")},
		{"not a document", NewBundle("charter/notes.txt", policy.ActionCreate, "x", "")},
		{"unknown action", NewBundle("charter/structure.yaml", "rename", "x", "")},
		{"delete with content", Bundle{TargetPath: "charter/structure.yaml", Action: policy.ActionDelete, Content: "x", ContentHash: "h"}},
		{"unknown tier", func() Bundle {
			b := NewBundle("charter/structure.yaml", policy.ActionReplace, "x", "")
			b.RiskTier = "extreme"
			return b
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.Submit(context.Background(), tt.bundle, "dana")
			assert.ErrorIs(t, err, ErrInvalidBundle)
		})
	}
	all, err := f.manager.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRiskTierIsClassifiedAndOnlyRaised(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p := f.submit(t, structureV2)
	assert.Equal(t, policy.TierStandard, p.RiskTier)

	b := NewBundle("charter/structure.yaml", policy.ActionReplace, structureV2, "")
	b.RiskTier = policy.TierElevated
	p, err := f.manager.Submit(ctx, b, "dana")
	require.NoError(t, err)
	assert.Equal(t, policy.TierElevated, p.RiskTier)

	b = NewBundle("charter/quorum.yaml", policy.ActionReplace, quorumDoc, "")
	b.RiskTier = policy.TierLow
	p, err = f.manager.Submit(ctx, b, "dana")
	require.NoError(t, err)
	assert.Equal(t, policy.TierCritical, p.RiskTier)

	p, err = f.manager.Submit(ctx, NewBundle("charter/structure.yaml", policy.ActionDelete, "", ""), "dana")
	require.NoError(t, err)
	assert.Equal(t, policy.TierElevated, p.RiskTier)
}

func TestSignVerifiesSignatures(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.submit(t, structureV2)

	stranger := newApprover(t, "mallory")
	_, err := f.manager.Sign(ctx, p.ID, stranger.sign(p))
	assert.ErrorIs(t, err, ErrUnknownApprover)

	forged := stranger.sign(p)
	forged.ApproverID = "alice"
	_, err = f.manager.Sign(ctx, p.ID, forged)
	assert.ErrorIs(t, err, ErrBadSignature)

	p = f.signBy(t, p, "alice")
	assert.Equal(t, StateOpen, p.State)
	require.Len(t, p.Signatures, 1)
	assert.True(t, strings.HasPrefix(p.Signatures[0].KeyFingerprint, "SHA256:"))

	_, err = f.manager.Sign(ctx, p.ID, f.approvers["alice"].sign(p))
	assert.ErrorIs(t, err, ErrDuplicateSigner)

	p = f.signBy(t, p, "bob")
	assert.Equal(t, StateQuorumReached, p.State)
}

func TestQuorumIsMonotonic(t *testing.T) {
	f := newFixture(t, nil)
	var registered []policy.Approver
	for _, id := range []string{"alice", "bob", "carol"} {
		registered = append(registered, f.approvers[id].registered())
	}
	q := policy.QuorumPolicy{Thresholds: map[string]int{policy.TierStandard: 2}}
	now := f.clock.Now()

	p := &Proposal{ID: "p-1", RiskTier: policy.TierStandard, Bundle: NewBundle("charter/structure.yaml", policy.ActionReplace, structureV2, "")}
	stranger := newApprover(t, "mallory")
	sigs := []SignatureInput{
		stranger.sign(p),
		f.approvers["carol"].sign(p),
		{ApproverID: "bob", Signature: []byte("garbage")},
		f.approvers["alice"].sign(p),
		f.approvers["bob"].sign(p),
	}

	met := false
	for i, s := range sigs {
		p.Signatures = append(p.Signatures, Signature{ApproverID: s.ApproverID, Signature: s.Signature, SignedAt: now})
		st := EvaluateQuorum(p, q, registered, now)
		if met {
			assert.True(t, st.Met, "signature %d turned quorum off", i)
		}
		met = st.Met
	}
	assert.True(t, met)

	satisfying := []Signature{
		{ApproverID: "alice", Signature: f.approvers["alice"].sign(p).Signature, SignedAt: now},
		{ApproverID: "bob", Signature: f.approvers["bob"].sign(p).Signature, SignedAt: now},
	}
	p.Signatures = satisfying
	require.True(t, EvaluateQuorum(p, q, registered, now).Met)

	p.Signatures = append([]Signature{{ApproverID: "bob", Signature: []byte("garbage"), SignedAt: now}}, satisfying...)
	st := EvaluateQuorum(p, q, registered, now)
	assert.True(t, st.Met)
	assert.Equal(t, []string{"alice", "bob"}, st.Valid)
	assert.Empty(t, st.Invalid)
}

func TestQuorumDropsStaleSignatures(t *testing.T) {
	f := newFixture(t, nil)
	alice, bob := f.approvers["alice"], f.approvers["bob"]
	q := policy.QuorumPolicy{
		Thresholds:   map[string]int{policy.TierStandard: 2},
		SignatureTTL: policy.Duration{Duration: 24 * time.Hour},
	}
	now := f.clock.Now()
	p := &Proposal{ID: "p-1", RiskTier: policy.TierStandard, Bundle: NewBundle("charter/structure.yaml", policy.ActionReplace, structureV2, "")}
	for _, a := range []approver{alice, bob} {
		p.Signatures = append(p.Signatures, Signature{ApproverID: a.id, Signature: a.sign(p).Signature, SignedAt: now})
	}
	registered := []policy.Approver{alice.registered(), bob.registered()}

	assert.True(t, EvaluateQuorum(p, q, registered, now).Met)

	st := EvaluateQuorum(p, q, registered, now.Add(25*time.Hour))
	assert.False(t, st.Met)
	assert.Equal(t, "signature expired", st.Invalid["alice"])

	revoked := bob.registered()
	revoked.RevokedAt = now.Add(-time.Hour).Format(time.RFC3339)
	st = EvaluateQuorum(p, q, []policy.Approver{alice.registered(), revoked}, now)
	assert.False(t, st.Met)
	assert.Equal(t, []string{"alice"}, st.Valid)

	rotated := newApprover(t, "bob").registered()
	st = EvaluateQuorum(p, q, []policy.Approver{alice.registered(), rotated}, now)
	assert.False(t, st.Met)
	assert.Contains(t, st.Invalid, "bob")
}

func TestQuorumIgnoresFutureDatedSignatures(t *testing.T) {
	f := newFixture(t, nil)
	alice, bob := f.approvers["alice"], f.approvers["bob"]
	q := policy.QuorumPolicy{
		Thresholds:   map[string]int{policy.TierStandard: 2},
		SignatureTTL: policy.Duration{Duration: 24 * time.Hour},
	}
	now := f.clock.Now()
	p := &Proposal{ID: "p-1", RiskTier: policy.TierStandard, Bundle: NewBundle("charter/structure.yaml", policy.ActionReplace, structureV2, "")}
	far := now.AddDate(100, 0, 0)
	for _, a := range []approver{alice, bob} {
		p.Signatures = append(p.Signatures, Signature{ApproverID: a.id, Signature: a.sign(p).Signature, SignedAt: far})
	}
	registered := []policy.Approver{alice.registered(), bob.registered()}

	for _, at := range []time.Time{now, now.Add(30 * 24 * time.Hour)} {
		st := EvaluateQuorum(p, q, registered, at)
		assert.False(t, st.Met)
		assert.Empty(t, st.Valid)
		assert.Equal(t, "signature is dated in the future", st.Invalid["alice"])
	}

	p.Signatures[0].SignedAt = now.Add(MaxClockSkew / 2)
	p.Signatures[1].SignedAt = now
	assert.True(t, EvaluateQuorum(p, q, registered, now).Met)
}

func TestSignRefusesFutureTimestamps(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.submit(t, structureV2)

	in := f.approvers["alice"].sign(p)
	in.SignedAt = f.clock.Now().AddDate(100, 0, 0)
	_, err := f.manager.Sign(ctx, p.ID, in)
	assert.ErrorIs(t, err, ErrFutureSignature)

	in.SignedAt = f.clock.Now().Add(time.Minute)
	p, err = f.manager.Sign(ctx, p.ID, in)
	require.NoError(t, err)
	require.Len(t, p.Signatures, 1)

	p = f.signBy(t, p, "bob")
	assert.Equal(t, StateQuorumReached, p.State)

	f.clock.Advance(30 * 24 * time.Hour)
	st, err := f.manager.Quorum(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, st.Met)
}

func TestCriticalChangesNeedNamedApprovers(t *testing.T) {
	f := newFixture(t, nil)
	q := policy.QuorumPolicy{
		Thresholds:        map[string]int{policy.TierCritical: 2},
		RequiredApprovers: []string{"alice"},
	}
	var registered []policy.Approver
	for _, a := range f.approvers {
		registered = append(registered, a.registered())
	}
	now := f.clock.Now()
	p := &Proposal{ID: "p-1", RiskTier: policy.TierCritical, Bundle: NewBundle("charter/quorum.yaml", policy.ActionReplace, quorumDoc, "")}
	for _, id := range []string{"bob", "carol"} {
		p.Signatures = append(p.Signatures, Signature{ApproverID: id, Signature: f.approvers[id].sign(p).Signature, SignedAt: now})
	}

	st := EvaluateQuorum(p, q, registered, now)
	assert.False(t, st.Met)
	assert.Equal(t, []string{"alice"}, st.MissingRequired)

	p.Signatures = append(p.Signatures, Signature{ApproverID: "alice", Signature: f.approvers["alice"].sign(p).Signature, SignedAt: now})
	assert.True(t, EvaluateQuorum(p, q, registered, now).Met)
}

func TestRunCanaryRequiresQuorum(t *testing.T) {
	f := newFixture(t, nil)
	p := f.signBy(t, f.submit(t, structureV2), "alice")

	_, err := f.manager.RunCanary(context.Background(), p.ID)
	var qerr *QuorumError
	require.True(t, errors.As(err, &qerr), "got %v", err)
	assert.Equal(t, 2, qerr.Status.Required)
	assert.Zero(t, f.runner.calls.Load())

	p, err = f.manager.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, p.State)
}

func TestRatifiedChangeIsWrittenThrough(t *testing.T) {
	a, err := audit.New(audit.WithWorkers(2))
	require.NoError(t, err)
	validator := canary.New(a, canary.WithWorkDir(t.TempDir()))
	f := newFixture(t, validator)
	ctx := context.Background()

	p := f.signBy(t, f.submit(t, structureV2), "alice", "bob")
	require.Equal(t, StateQuorumReached, p.State)

	p, err = f.manager.Process(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRatified, p.State)
	require.NotNil(t, p.Canary)
	assert.True(t, p.Canary.Pass)
	assert.Equal(t, structureV2, readFile(t, f.repo, ".charter/charter/structure.yaml"))

	snap, err := policy.NewStore(f.repo).Snapshot(ctx)
	require.NoError(t, err)
	entry, ok := snap.Ledger.Entry("charter/structure.yaml")
	require.True(t, ok)
	assert.Equal(t, p.ID, entry.ProposalID)
	assert.Empty(t, snap.VerifyLedger())
	history := len(snap.Ledger.History)

	again, err := f.manager.Ratify(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRatified, again.State)
	snap, err = policy.NewStore(f.repo).Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Ledger.History, history)
}

func TestSandboxedAuditDecidesRatification(t *testing.T) {
	a, err := audit.New(audit.WithWorkers(2))
	require.NoError(t, err)
	f := newFixture(t, canary.New(a, canary.WithWorkDir(t.TempDir())))
	ctx := context.Background()
	live := policy.NewStore(f.repo)

	before, err := live.Snapshot(ctx)
	require.NoError(t, err)

	bad := f.signBy(t, f.submit(t, structureClosed), "alice", "bob")
	bad, err = f.manager.Process(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, bad.State)
	require.NotNil(t, bad.Canary)
	assert.False(t, bad.Canary.Pass)
	require.NotNil(t, bad.Canary.Report)
	blocked := false
	for _, fd := range bad.Canary.Report.Findings {
		if fd.RuleID == "structure.domain_boundary" && fd.Severity == finding.Block {
			blocked = true
		}
	}
	assert.True(t, blocked, "the sandbox audit should report the boundary violation")

	after, err := live.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Hash(), after.Hash())
	assert.Equal(t, structureV1, readFile(t, f.repo, ".charter/charter/structure.yaml"))

	good := f.signBy(t, f.submit(t, structureV2), "alice", "bob")
	good, err = f.manager.Process(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRatified, good.State)
	require.NotNil(t, good.Canary)
	assert.True(t, good.Canary.Pass)
	assert.Zero(t, good.Canary.Report.Summary.Block)
	assert.Equal(t, structureV2, readFile(t, f.repo, ".charter/charter/structure.yaml"))

	ratified, err := live.Snapshot(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before.Hash(), ratified.Hash())
}

func TestFailedCanaryRejects(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.signBy(t, f.submit(t, structureV2), "alice", "bob")
	f.runner.fail[p.ID] = &canary.Result{Error: "apply change: boom"}

	p, err := f.manager.Process(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, p.State)
	require.NotNil(t, p.Canary)
	assert.False(t, p.Canary.Pass)
	assert.Contains(t, p.Reason, "boom")

	_, err = f.manager.Ratify(ctx, p.ID)
	assert.ErrorIs(t, err, ErrTerminal)
	assert.Equal(t, structureV1, readFile(t, f.repo, ".charter/charter/structure.yaml"))
}

func TestCanaryTimeoutRejects(t *testing.T) {
	f := newFixture(t, nil)
	p := f.signBy(t, f.submit(t, structureV2), "alice", "bob")
	f.runner.fail[p.ID] = &canary.Result{TimedOut: true, DurationMS: 1000}

	res, err := f.manager.RunCanary(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)

	p, err = f.manager.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, p.State)
	assert.Contains(t, p.Reason, "timed out")
}

func TestRatifyRequiresPassingCanary(t *testing.T) {
	f := newFixture(t, nil)
	p := f.signBy(t, f.submit(t, structureV2), "alice", "bob")

	_, err := f.manager.Ratify(context.Background(), p.ID)
	assert.ErrorIs(t, err, ErrCanaryRequired)
	p, err = f.manager.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQuorumReached, p.State)
}

func TestRatifyRechecksQuorum(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.signBy(t, f.submit(t, structureV2), "alice", "bob")

	_, err := f.manager.RunCanary(ctx, p.ID)
	require.NoError(t, err)
	p, err = f.manager.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, p.AwaitingRatification())

	f.clock.Advance(25 * time.Hour)
	_, err = f.manager.Ratify(ctx, p.ID)
	var qerr *QuorumError
	require.True(t, errors.As(err, &qerr), "got %v", err)

	p, err = f.manager.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCanaryRunning, p.State)
	assert.Equal(t, structureV1, readFile(t, f.repo, ".charter/charter/structure.yaml"))
}

func TestCanaryRunsOncePerContent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.signBy(t, f.submit(t, structureV2), "alice", "bob")

	gate := make(chan struct{})
	f.runner.gate = gate

	results := make(chan *canary.Result, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.manager.RunCanary(ctx, p.ID)
			assert.NoError(t, err)
			results <- res
		}()
	}
	<-f.runner.started
	close(gate)
	wg.Wait()
	close(results)

	for res := range results {
		require.NotNil(t, res)
		assert.True(t, res.Pass)
	}
	_, err := f.manager.RunCanary(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.runner.calls.Load())
}

func TestRatifySupersedesCompetitor(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first := f.signBy(t, f.submit(t, structureV2), "alice", "bob")
	second := f.signBy(t, f.submit(t, structureV3), "alice", "carol")

	_, err := f.manager.RunCanary(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, <-f.runner.started)

	f.runner.mu.Lock()
	f.runner.block[second.ID] = true
	f.runner.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := f.manager.RunCanary(ctx, second.ID)
		done <- err
	}()
	require.Equal(t, second.ID, <-f.runner.started)

	ratified, err := f.manager.Ratify(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRatified, ratified.State)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(5 * time.Second):
		t.Fatal("competing canary was not cancelled")
	}

	loser, err := f.manager.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSuperseded, loser.State)
	assert.Equal(t, first.ID, loser.SupersededBy)
	assert.Nil(t, loser.Canary)
	assert.Equal(t, structureV2, readFile(t, f.repo, ".charter/charter/structure.yaml"))
}

func TestManualSupersede(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.submit(t, structureV2)

	p, err := f.manager.Supersede(ctx, p.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StateSuperseded, p.State)
	assert.Equal(t, "superseded manually", p.Reason)

	_, err = f.manager.Sign(ctx, p.ID, f.approvers["alice"].sign(p))
	assert.ErrorIs(t, err, ErrSuperseded)

	again, err := f.manager.Supersede(ctx, p.ID, "twice")
	require.NoError(t, err)
	assert.Equal(t, "superseded manually", again.Reason)

	_, err = f.manager.Get(ctx, "p-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListIsOrderedBySubmission(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 3; i++ {
		f.submit(t, structureV2)
		f.clock.Advance(time.Minute)
	}
	all, err := f.manager.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"p-1", "p-2", "p-3"}, []string{all[0].ID, all[1].ID, all[2].ID})
}

type recorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *recorder) ProposalChanged(_ context.Context, p *Proposal, from State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, fmt.Sprintf("%s:%s->%s", p.ID, from, p.State))
}

func TestObserversSeeEveryTransition(t *testing.T) {
	f := newFixture(t, nil)
	rec := &recorder{}
	f.manager = NewManager(f.repo, NewStore(storage.NewLocalStore(t.TempDir()), ""), f.runner,
		WithClock(f.clock.Now),
		WithIDs(func() string { return "p-obs" }),
		WithObserver(rec),
	)

	p := f.signBy(t, f.submit(t, structureV2), "alice", "bob")
	p, err := f.manager.Process(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, StateRatified, p.State)

	assert.Equal(t, []string{
		"p-obs:->open",
		"p-obs:open->quorum_reached",
		"p-obs:quorum_reached->canary_running",
		"p-obs:canary_running->ratified",
	}, rec.steps)
}

type archiveFunc func(ctx context.Context, a policy.Amendment, previous []byte) error

func (f archiveFunc) Archive(ctx context.Context, a policy.Amendment, previous []byte) error {
	return f(ctx, a, previous)
}

func TestRatifyArchivesReplacedContent(t *testing.T) {
	f := newFixture(t, nil)
	var archived []string
	f.manager = NewManager(f.repo, NewStore(storage.NewLocalStore(t.TempDir()), ""), f.runner,
		WithClock(f.clock.Now),
		WithArchiver(archiveFunc(func(_ context.Context, a policy.Amendment, previous []byte) error {
			archived = append(archived, a.ProposalID+" "+a.TargetPath+"\n"+string(previous))
			return nil
		})),
	)

	p := f.signBy(t, f.submit(t, structureV2), "alice", "bob")
	p, err := f.manager.Process(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, StateRatified, p.State)
	assert.Equal(t, []string{p.ID + " charter/structure.yaml\n" + structureV1}, archived)
}

// recordingLocker tracks which keys are held.
type recordingLocker struct {
	inner lock.Locker

	mu     sync.Mutex
	held   map[string]bool
	events []string
}

func newRecordingLocker() *recordingLocker {
	return &recordingLocker{inner: lock.NewLocalLocker(), held: make(map[string]bool)}
}

func (r *recordingLocker) Lock(ctx context.Context, key string) (lock.Unlock, error) {
	unlock, err := r.inner.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.held[key] = true
	r.events = append(r.events, "lock "+key)
	r.mu.Unlock()
	return func() error {
		r.mu.Lock()
		delete(r.held, key)
		r.events = append(r.events, "unlock "+key)
		r.mu.Unlock()
		return unlock()
	}, nil
}

func (r *recordingLocker) holding() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for k := range r.held {
		keys = append(keys, k)
	}
	return keys
}

// lockObservingRunner records the keys held while a canary runs.
type lockObservingRunner struct {
	*stubRunner
	locks *recordingLocker
	held  []string
}

func (r *lockObservingRunner) Validate(ctx context.Context, base string, change policy.Amendment) (*canary.Result, error) {
	r.held = r.locks.holding()
	return r.stubRunner.Validate(ctx, base, change)
}

func TestLockOrdering(t *testing.T) {
	f := newFixture(t, nil)
	locks := newRecordingLocker()
	runner := &lockObservingRunner{stubRunner: f.runner, locks: locks}
	var seq atomic.Int32
	f.manager = NewManager(f.repo, NewStore(storage.NewLocalStore(t.TempDir()), ""), runner,
		WithClock(f.clock.Now),
		WithIDs(func() string { return fmt.Sprintf("p-%d", seq.Add(1)) }),
		WithLocker(locks),
	)
	ctx := context.Background()
	p := f.signBy(t, f.submit(t, structureV2), "alice", "bob")

	_, err := f.manager.RunCanary(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{canaryLockKey("charter/structure.yaml")}, runner.held,
		"only the per-target canary lock is held while the sandbox runs")

	locks.mu.Lock()
	locks.events = nil
	locks.mu.Unlock()

	p, err = f.manager.Ratify(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StateRatified, p.State)

	locks.mu.Lock()
	events := append([]string(nil), locks.events...)
	locks.mu.Unlock()
	require.GreaterOrEqual(t, len(events), 4)
	assert.Equal(t, "lock "+ledgerLockKey, events[0])
	assert.Equal(t, "lock "+proposalLockKey(p.ID), events[1])
	assert.Equal(t, "unlock "+proposalLockKey(p.ID), events[2])
	assert.Equal(t, "unlock "+ledgerLockKey, events[len(events)-1])
	assert.Empty(t, locks.holding())
}
