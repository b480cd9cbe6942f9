package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFileStorage(root)
	require.NoError(t, err)

	_, err = s.Load(ctx, "sessions/a/sections")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Persist(ctx, "sessions/a/sections", []byte(`{"x":1}`)))
	require.NoError(t, s.Persist(ctx, "sessions/a/workspace", []byte(`{}`)))
	require.NoError(t, s.Persist(ctx, "records/a/0001", []byte("r")))

	blob, err := s.Load(ctx, "sessions/a/sections")
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(blob))

	keys, err := s.Keys(ctx, "sessions/a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"sessions/a/sections", "sessions/a/workspace"}, keys)

	entries, err := os.ReadDir(filepath.Join(root, "sessions", "a"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "temp files must not be left behind")
	}

	require.NoError(t, s.Delete(ctx, "sessions/a/sections"))
	require.NoError(t, s.Delete(ctx, "sessions/a/sections"))
	_, err = s.Load(ctx, "sessions/a/sections")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileStorageKeyEscape(t *testing.T) {
	root := t.TempDir()
	s, err := NewFileStorage(filepath.Join(root, "store"))
	require.NoError(t, err)

	require.NoError(t, s.Persist(context.Background(), "../../outside", []byte("x")))
	_, err = os.Stat(filepath.Join(root, "outside"))
	assert.True(t, os.IsNotExist(err), "keys must stay under the storage root")

	_, err = NewFileStorage("  ")
	assert.Error(t, err)
}

func TestMoveAside(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Persist(ctx, "k", []byte("garbage")))

	require.NoError(t, MoveAside(ctx, s, "k", []byte("garbage")))

	_, err = s.Load(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	bad, err := s.Load(ctx, "k.bad")
	require.NoError(t, err)
	assert.Equal(t, "garbage", string(bad))
}
