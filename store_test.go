package vkv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMemory(t *testing.T) {
	t.Parallel()
	s, err := Open(ctx, Options{})
	require.NoError(t, err)
	s.Set("k", []byte("v"))
	result, err := s.Commit(ctx, nil)
	require.NoError(t, err)
	require.True(t, result.Merged)

	value, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)
}

func TestOpenPathPersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(ctx, Options{Path: dir, CacheSize: 128})
	require.NoError(t, err)
	s.Set("durable", []byte("yes"))
	_, err = s.Commit(ctx, nil)
	require.NoError(t, err)
	commit := s.CurrentCommit()

	reopened, err := Open(ctx, Options{Path: dir})
	require.NoError(t, err)
	assert.Equal(t, commit, reopened.CurrentCommit())
	value, ok, err := reopened.Get(ctx, "durable")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("yes"), value)
}

func TestOpenWithGC(t *testing.T) {
	t.Parallel()
	s, err := Open(ctx, Options{HighWater: 100, LowWater: 80})
	require.NoError(t, err)

	s.Set("a", bytesOf('a', 60))
	_, err = s.Commit(ctx, nil)
	require.NoError(t, err)
	s.Set("b", bytesOf('b', 60))
	_, err = s.Commit(ctx, nil)
	require.NoError(t, err)

	// Crossing the high-water mark rebased away the colder key.
	_, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.Get(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpenCustomBranch(t *testing.T) {
	t.Parallel()
	kv := NewMemoryBackend()
	s, err := Open(ctx, Options{Backend: kv, Branch: "release"})
	require.NoError(t, err)
	s.Set("k", []byte("v"))
	_, err = s.Commit(ctx, nil)
	require.NoError(t, err)

	branches, err := s.ListBranches(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"release"}, branches)
}
