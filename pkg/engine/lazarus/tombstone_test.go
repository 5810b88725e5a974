package lazarus

import (
	"context"
	"testing"
	"time"

	"github.com/DrSkyle/charterguard/pkg/policy"
	"github.com/DrSkyle/charterguard/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultArchiveAndList(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewVault(storage.NewLocalStore(t.TempDir()), "", func() time.Time { return clock })

	v1 := []byte("schema: charter.structure/v1\ndomains: []\n")
	require.NoError(t, v.Archive(ctx, policy.Amendment{ProposalID: "p-1", TargetPath: "charter/structure.yaml", Action: policy.ActionReplace}, v1))
	clock = clock.Add(time.Hour)
	v2 := []byte("schema: charter.structure/v1\ndomains: [{name: api}]\n")
	require.NoError(t, v.Archive(ctx, policy.Amendment{ProposalID: "p-2", TargetPath: "charter/structure.yaml", Action: policy.ActionDelete}, v2))
	require.NoError(t, v.Archive(ctx, policy.Amendment{ProposalID: "p-3", TargetPath: "charter/naming.yaml", Action: policy.ActionReplace}, []byte("x")))

	got, err := v.List(ctx, "charter/structure.yaml")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p-1", got[0].ProposalID)
	assert.Equal(t, string(v1), got[0].Content)
	assert.Equal(t, policy.HashContent(v1), got[0].Hash)
	assert.Equal(t, policy.ActionDelete, got[1].Action)
	assert.True(t, got[1].BuriedAt.After(got[0].BuriedAt))

	all, err := v.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	t2, err := v.Find(ctx, "charter/structure.yaml", "p-2")
	require.NoError(t, err)
	assert.Equal(t, string(v2), t2.Content)

	_, err = v.Find(ctx, "charter/structure.yaml", "p-9")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestVaultListRejectsEscapingTargets(t *testing.T) {
	v := NewVault(storage.NewLocalStore(t.TempDir()), "", nil)
	_, err := v.List(context.Background(), "../secrets")
	require.Error(t, err)
}

func TestVaultEmpty(t *testing.T) {
	v := NewVault(storage.NewLocalStore(t.TempDir()), "archive", nil)
	got, err := v.List(context.Background(), "charter/structure.yaml")
	require.NoError(t, err)
	assert.Empty(t, got)
}
