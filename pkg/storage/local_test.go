package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(filepath.Join(t.TempDir(), "blobs"))

	keys, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys, "a missing root lists nothing")

	require.NoError(t, s.Put(ctx, "proposals/b.json", []byte("b")))
	require.NoError(t, s.Put(ctx, "proposals/a.json", []byte("a")))
	require.NoError(t, s.Put(ctx, "reports/r.json", []byte("r")))
	require.NoError(t, s.Put(ctx, "proposals/a.json", []byte("a2")))

	data, err := s.Get(ctx, "proposals/a.json")
	require.NoError(t, err)
	assert.Equal(t, "a2", string(data))

	keys, err = s.List(ctx, "proposals/")
	require.NoError(t, err)
	assert.Equal(t, []string{"proposals/a.json", "proposals/b.json"}, keys)

	require.NoError(t, s.Delete(ctx, "proposals/a.json"))
	require.NoError(t, s.Delete(ctx, "proposals/a.json"))
	_, err = s.Get(ctx, "proposals/a.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreRejectsEscapingKeys(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	for _, key := range []string{"", "../x", "/etc/passwd", `a\b`, "."} {
		assert.Error(t, s.Put(context.Background(), key, nil), key)
	}
}

func TestOpenLocal(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), dir)
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, s)

	_, err = Open(context.Background(), "s3://")
	assert.Error(t, err)
}
