package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func sealedRepo(t *testing.T) (string, *Writer) {
	t.Helper()
	repo := t.TempDir()
	writeDoc(t, repo, "charter/structure.yaml", structureDoc)
	w := NewWriter(NewLayout(repo), WithClock(fixedClock))
	_, err := w.Seal(context.Background(), false)
	require.NoError(t, err)
	return repo, w
}

func TestSealAndVerify(t *testing.T) {
	repo, w := sealedRepo(t)

	_, err := w.Seal(context.Background(), false)
	assert.ErrorIs(t, err, ErrSealed)

	snap, err := NewStore(repo).Snapshot(context.Background())
	require.NoError(t, err)
	require.True(t, snap.Sealed())
	assert.Empty(t, snap.VerifyLedger())

	e, ok := snap.Ledger.Entry("charter/structure.yaml")
	require.True(t, ok)
	assert.Equal(t, HashContent([]byte(structureDoc)), e.Hash)
	assert.True(t, e.RatifiedAt.Equal(fixedClock()))
}

func TestVerifyLedgerDetectsDirectWrites(t *testing.T) {
	repo, _ := sealedRepo(t)
	writeDoc(t, repo, "charter/structure.yaml", structureDoc+"# sneaky\n")
	writeDoc(t, repo, "charter/naming.yaml", "schema: charter.naming/v1\n")

	snap, err := NewStore(repo).Snapshot(context.Background())
	require.NoError(t, err)
	mismatches := snap.VerifyLedger()
	require.Len(t, mismatches, 2)
	assert.Equal(t, LedgerUnrecorded, mismatches[0].Kind)
	assert.Equal(t, "charter/naming.yaml", mismatches[0].Path)
	assert.Equal(t, LedgerModified, mismatches[1].Kind)

	require.NoError(t, os.Remove(filepath.Join(repo, DefaultDir, "charter", "structure.yaml")))
	snap, err = NewStore(repo).Snapshot(context.Background())
	require.NoError(t, err)
	kinds := map[string]string{}
	for _, m := range snap.VerifyLedger() {
		kinds[m.Path] = m.Kind
	}
	assert.Equal(t, LedgerMissing, kinds["charter/structure.yaml"])
}

func TestVerifyLedgerUnsealed(t *testing.T) {
	repo := t.TempDir()
	writeDoc(t, repo, "charter/structure.yaml", structureDoc)
	snap, err := NewStore(repo).Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []LedgerMismatch{{Kind: LedgerUnsealed}}, snap.VerifyLedger())
}

func TestWriterApply(t *testing.T) {
	repo, w := sealedRepo(t)
	ctx := context.Background()

	content := []byte("schema: charter.naming/v1\n")
	a := Amendment{
		ProposalID:  "p-1",
		TargetPath:  "charter/naming.yaml",
		Action:      ActionCreate,
		Content:     content,
		ContentHash: HashContent(content),
	}

	applied, err := w.Apply(ctx, a)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := os.ReadFile(filepath.Join(repo, DefaultDir, "charter", "naming.yaml"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// Same proposal, same hash: no second write.
	applied, err = w.Apply(ctx, a)
	require.NoError(t, err)
	assert.False(t, applied)

	snap, err := NewStore(repo).Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.VerifyLedger())
	e, ok := snap.Ledger.Entry("charter/naming.yaml")
	require.True(t, ok)
	assert.Equal(t, "p-1", e.ProposalID)

	var records int
	for _, r := range snap.Ledger.History {
		if r.ProposalID == "p-1" {
			records++
		}
	}
	assert.Equal(t, 1, records)

	del := Amendment{ProposalID: "p-2", TargetPath: "charter/naming.yaml", Action: ActionDelete, ContentHash: HashContent(nil)}
	applied, err = w.Apply(ctx, del)
	require.NoError(t, err)
	assert.True(t, applied)
	snap, err = NewStore(repo).Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.VerifyLedger())
	_, ok = snap.Ledger.Entry("charter/naming.yaml")
	assert.False(t, ok)
}

func TestWriterApplyGuards(t *testing.T) {
	_, w := sealedRepo(t)
	ctx := context.Background()
	content := []byte("schema: charter.naming/v1\n")

	tests := []struct {
		name string
		a    Amendment
		want error
	}{
		{
			name: "hash mismatch",
			a:    Amendment{ProposalID: "p", TargetPath: "charter/naming.yaml", Action: ActionCreate, Content: content, ContentHash: "deadbeef"},
			want: ErrHashMismatch,
		},
		{
			name: "working area",
			a:    Amendment{ProposalID: "p", TargetPath: "working/manifest.yaml", Action: ActionCreate, Content: content, ContentHash: HashContent(content)},
			want: ErrOutsideCharter,
		},
		{
			name: "create over existing",
			a:    Amendment{ProposalID: "p", TargetPath: "charter/structure.yaml", Action: ActionCreate, Content: content, ContentHash: HashContent(content)},
			want: ErrTargetExists,
		},
		{
			name: "replace missing",
			a:    Amendment{ProposalID: "p", TargetPath: "charter/missing.yaml", Action: ActionReplace, Content: content, ContentHash: HashContent(content)},
			want: ErrTargetMissing,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applied, err := w.Apply(ctx, tt.a)
			assert.False(t, applied)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	_, err := w.Apply(ctx, Amendment{TargetPath: "../escape.yaml", Action: ActionCreate})
	assert.Error(t, err)
}

func TestWriterRequiresSeal(t *testing.T) {
	repo := t.TempDir()
	writeDoc(t, repo, "charter/structure.yaml", structureDoc)
	w := NewWriter(NewLayout(repo))
	content := []byte(structureDoc + "# v2\n")
	_, err := w.Apply(context.Background(), Amendment{
		ProposalID:  "p",
		TargetPath:  "charter/structure.yaml",
		Action:      ActionReplace,
		Content:     content,
		ContentHash: HashContent(content),
	})
	assert.ErrorIs(t, err, ErrNotSealed)
}

type archive struct {
	got   map[string]string
	fail  error
	calls int
}

func (a *archive) Archive(_ context.Context, am Amendment, previous []byte) error {
	a.calls++
	if a.fail != nil {
		return a.fail
	}
	a.got[am.ProposalID+":"+am.Action] = string(previous)
	return nil
}

func TestWriterArchivesPreviousContent(t *testing.T) {
	repo := t.TempDir()
	writeDoc(t, repo, "charter/structure.yaml", structureDoc)
	ar := &archive{got: map[string]string{}}
	w := NewWriter(NewLayout(repo), WithClock(fixedClock), WithArchiver(ar))
	ctx := context.Background()
	_, err := w.Seal(ctx, false)
	require.NoError(t, err)

	naming := []byte("schema: charter.naming/v1\n")
	_, err = w.Apply(ctx, Amendment{ProposalID: "p-1", TargetPath: "charter/naming.yaml", Action: ActionCreate, Content: naming, ContentHash: HashContent(naming)})
	require.NoError(t, err)
	assert.Zero(t, ar.calls, "creates have nothing to archive")

	next := []byte(structureDoc + "# v2\n")
	_, err = w.Apply(ctx, Amendment{ProposalID: "p-2", TargetPath: "charter/structure.yaml", Action: ActionReplace, Content: next, ContentHash: HashContent(next)})
	require.NoError(t, err)
	_, err = w.Apply(ctx, Amendment{ProposalID: "p-3", TargetPath: "charter/naming.yaml", Action: ActionDelete, ContentHash: HashContent(nil)})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"p-2:replace": structureDoc,
		"p-3:delete":  string(naming),
	}, ar.got)
}

func TestWriterArchiveFailureAbortsWrite(t *testing.T) {
	repo := t.TempDir()
	writeDoc(t, repo, "charter/structure.yaml", structureDoc)
	ar := &archive{got: map[string]string{}, fail: errors.New("bucket unavailable")}
	w := NewWriter(NewLayout(repo), WithClock(fixedClock), WithArchiver(ar))
	ctx := context.Background()
	_, err := w.Seal(ctx, false)
	require.NoError(t, err)

	next := []byte(structureDoc + "# v2\n")
	_, err = w.Apply(ctx, Amendment{ProposalID: "p-2", TargetPath: "charter/structure.yaml", Action: ActionReplace, Content: next, ContentHash: HashContent(next)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket unavailable")

	got, err := os.ReadFile(filepath.Join(repo, DefaultDir, "charter", "structure.yaml"))
	require.NoError(t, err)
	assert.Equal(t, structureDoc, string(got))
}
