package canary

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DrSkyle/charterguard/pkg/engine/audit"
	"github.com/DrSkyle/charterguard/pkg/engine/report"
	"github.com/DrSkyle/charterguard/pkg/policy"
	"github.com/DrSkyle/charterguard/pkg/source"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
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

const permissive = `schema: charter.structure/v1
domains:
  - name: api
    paths: ["cmd/**"]
    allowed_imports: [billing]
  - name: billing
    paths: ["billing/**"]
`

// strict forbids the import cmd/ already makes.
const strict = `schema: charter.structure/v1
domains:
  - name: api
    paths: ["cmd/**"]
  - name: billing
    paths: ["billing/**"]
`

func baseRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	writeFile(t, repo, "go.mod", "module example.com/shop\n\ngo 1.22\n")
	writeFile(t, repo, "cmd/shop/main.go", "package main\n\nimport \"example.com/shop/billing\"\n\nfunc main() { billing.charge() }\n")
	writeFile(t, repo, "billing/charge.go", "package billing\n\nfunc charge() {}\n")
	writeFile(t, repo, ".charter/charter/structure.yaml", permissive)
	_, err := policy.NewWriter(policy.NewLayout(repo), policy.WithClock(fixedClock)).Seal(context.Background(), false)
	require.NoError(t, err)
	return repo
}

func amendment(id, target, action, content string) policy.Amendment {
	var body []byte
	if action != policy.ActionDelete {
		body = []byte(content)
	}
	return policy.Amendment{
		ProposalID:  id,
		TargetPath:  target,
		Action:      action,
		Content:     body,
		ContentHash: policy.HashContent(body),
	}
}

func newValidator(t *testing.T, opts ...Option) *Validator {
	t.Helper()
	a, err := audit.New(audit.WithClock(fixedClock), audit.WithWorkers(2))
	require.NoError(t, err)
	return New(a, append([]Option{WithClock(fixedClock), WithWorkDir(t.TempDir())}, opts...)...)
}

func TestPassingChangeLeavesBaseUntouched(t *testing.T) {
	repo := baseRepo(t)
	ledgerBefore := readFile(t, repo, ".charter/charter.lock")
	change := amendment("p1", "charter/naming.yaml", policy.ActionCreate, "schema: charter.naming/v1\n")

	res, err := newValidator(t).Validate(context.Background(), repo, change)
	require.NoError(t, err)

	assert.True(t, res.Pass, "%+v", res.Report)
	assert.Nil(t, res.Failure())
	assert.Equal(t, "p1", res.ProposalID)
	assert.Equal(t, change.ContentHash, res.ContentHash)
	require.NotNil(t, res.Report)
	assert.Empty(t, res.Sandbox)

	assert.NoFileExists(t, filepath.Join(repo, ".charter", "charter", "naming.yaml"))
	assert.Equal(t, ledgerBefore, readFile(t, repo, ".charter/charter.lock"))
}

func TestFailingChangeCarriesReport(t *testing.T) {
	repo := baseRepo(t)
	change := amendment("p2", "charter/structure.yaml", policy.ActionReplace, strict)

	res, err := newValidator(t).Validate(context.Background(), repo, change)
	require.NoError(t, err)

	assert.False(t, res.Pass)
	require.NotNil(t, res.Report)
	assert.Equal(t, report.ExitBlocked, res.Report.ExitCode())
	var boundary int
	for _, f := range res.Report.Findings {
		if f.RuleID == "structure.domain_boundary" {
			boundary++
		}
	}
	assert.Equal(t, 1, boundary)
	assert.Equal(t, permissive, readFile(t, repo, ".charter/charter/structure.yaml"))
}

func TestUnappliableChangeFails(t *testing.T) {
	repo := baseRepo(t)
	change := amendment("p3", "charter/structure.yaml", policy.ActionReplace, permissive)
	change.ContentHash = policy.HashContent([]byte("something else"))

	res, err := newValidator(t).Validate(context.Background(), repo, change)
	require.NoError(t, err)
	assert.False(t, res.Pass)
	assert.Nil(t, res.Report)
	assert.Contains(t, res.Error, "content hash")
	assert.Error(t, res.Failure())
}

func TestKeepSandbox(t *testing.T) {
	repo := baseRepo(t)
	change := amendment("p4", "charter/naming.yaml", policy.ActionCreate, "schema: charter.naming/v1\n")

	res, err := newValidator(t, KeepSandbox(true)).Validate(context.Background(), repo, change)
	require.NoError(t, err)
	require.NotEmpty(t, res.Sandbox)
	assert.Equal(t, "schema: charter.naming/v1\n", readFile(t, res.Sandbox, ".charter/charter/naming.yaml"))
}

// blockingAuditor waits for its context to end.
type blockingAuditor struct{}

func (blockingAuditor) Run(ctx context.Context, _ source.Tree, _ audit.PolicySource) (*report.Report, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTimeoutIsAFailedResult(t *testing.T) {
	repo := baseRepo(t)
	v := New(blockingAuditor{}, WithTimeout(50*time.Millisecond), WithWorkDir(t.TempDir()))

	res, err := v.Validate(context.Background(), repo, amendment("p5", "charter/naming.yaml", policy.ActionCreate, "schema: charter.naming/v1\n"))
	require.NoError(t, err)
	assert.False(t, res.Pass)
	assert.True(t, res.TimedOut)

	var timeout *TimeoutError
	assert.True(t, errors.As(res.Failure(), &timeout))
}

func TestRunsAreAlwaysBounded(t *testing.T) {
	assert.Equal(t, DefaultTimeout, New(blockingAuditor{}).timeout)
	assert.Equal(t, DefaultTimeout, New(blockingAuditor{}, WithTimeout(0)).timeout)
	assert.Equal(t, DefaultTimeout, New(blockingAuditor{}, WithTimeout(-time.Second)).timeout)
	assert.Equal(t, time.Minute, New(blockingAuditor{}, WithTimeout(time.Minute)).timeout)
}

func TestCancellationIsAnError(t *testing.T) {
	repo := baseRepo(t)
	v := New(blockingAuditor{}, WithTimeout(time.Minute), WithWorkDir(t.TempDir()))

	superseded := errors.New("superseded")
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel(superseded)
	}()

	res, err := v.Validate(ctx, repo, amendment("p6", "charter/naming.yaml", policy.ActionCreate, "schema: charter.naming/v1\n"))
	assert.Nil(t, res)
	assert.ErrorIs(t, err, superseded)
}

func TestSandboxAllocationFailure(t *testing.T) {
	v := newValidator(t, WithWorkDir(filepath.Join(t.TempDir(), "missing", "dir")))
	_, err := v.Validate(context.Background(), baseRepo(t), amendment("p7", "charter/naming.yaml", policy.ActionCreate, "x"))
	assert.ErrorIs(t, err, ErrSandbox)
}

func TestGitMaterializerUsesHead(t *testing.T) {
	repo := baseRepo(t)

	r, err := git.PlainInit(repo, false)
	require.NoError(t, err)
	wt, err := r.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.AddWithOptions(&git.AddOptions{All: true}))
	_, err = wt.Commit("baseline", &git.CommitOptions{
		Author: &object.Signature{Name: "charter", Email: "charter@example.com", When: fixedClock()},
	})
	require.NoError(t, err)

	// Uncommitted work is invisible to a git-mode canary.
	writeFile(t, repo, "scratch/notes.go", "package scratch\n")

	dst := t.TempDir()
	require.NoError(t, GitMaterializer{}.Materialize(context.Background(), repo, dst))
	assert.FileExists(t, filepath.Join(dst, "billing", "charge.go"))
	assert.FileExists(t, filepath.Join(dst, ".charter", "charter.lock"))
	assert.NoFileExists(t, filepath.Join(dst, "scratch", "notes.go"))
	assert.NoDirExists(t, filepath.Join(dst, ".git"))

	res, err := newValidator(t, WithMaterializer(GitMaterializer{})).Validate(context.Background(), repo,
		amendment("p8", "charter/naming.yaml", policy.ActionCreate, "schema: charter.naming/v1\n"))
	require.NoError(t, err)
	assert.True(t, res.Pass)
}

func TestCopyMaterializerSkipsGit(t *testing.T) {
	repo := baseRepo(t)
	writeFile(t, repo, ".git/HEAD", "ref: refs/heads/main\n")
	writeFile(t, repo, "tmp/cache.bin", "x")

	dst := t.TempDir()
	require.NoError(t, CopyMaterializer{Skip: []string{"tmp/**"}}.Materialize(context.Background(), repo, dst))
	assert.FileExists(t, filepath.Join(dst, "cmd", "shop", "main.go"))
	assert.NoFileExists(t, filepath.Join(dst, ".git", "HEAD"))
	assert.NoFileExists(t, filepath.Join(dst, "tmp", "cache.bin"))
}

func TestMaterializerFor(t *testing.T) {
	m, err := MaterializerFor(ModeGit)
	require.NoError(t, err)
	assert.IsType(t, GitMaterializer{}, m)
	_, err = MaterializerFor("rsync")
	assert.Error(t, err)
}
