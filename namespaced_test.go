package vkv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNamespaced(t *testing.T, namespace string) (*Namespaced, *Staged) {
	t.Helper()
	s, _ := newTestStaged(t)
	n, err := NewNamespaced(s, namespace)
	require.NoError(t, err)
	return n, s
}

func TestNamespacedPrefixing(t *testing.T) {
	t.Parallel()
	n, s := newTestNamespaced(t, "app")
	n.Set("key", []byte("v"))
	_, err := n.Commit(ctx, nil)
	require.NoError(t, err)

	// Visible under the prefix from the raw store.
	value, ok, err := s.Get(ctx, "app/key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)

	// And unprefixed through the view.
	value, ok, err = n.Get(ctx, "key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)
}

func TestNamespacedValidation(t *testing.T) {
	t.Parallel()
	s, _ := newTestStaged(t)
	_, err := NewNamespaced(s, "a/b")
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewNamespaced(s, "")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNamespacedNesting(t *testing.T) {
	t.Parallel()
	outer, s := newTestNamespaced(t, "outer")
	inner, err := NewNamespaced(outer, "inner")
	require.NoError(t, err)
	assert.Equal(t, "outer/inner", inner.Namespace())

	inner.Set("k", []byte("deep"))
	_, err = inner.Commit(ctx, nil)
	require.NoError(t, err)

	value, ok, err := s.Get(ctx, "outer/inner/k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("deep"), value)
}

func TestNamespacedKeysAndDescendants(t *testing.T) {
	t.Parallel()
	n, s := newTestNamespaced(t, "ns")
	n.Set("direct", []byte("1"))
	s.Set("ns/sub/nested", []byte("2"))
	s.Set("other/key", []byte("3"))
	_, err := n.Commit(ctx, nil)
	require.NoError(t, err)

	keys, err := n.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"direct"}, keys)

	descendants, err := n.DescendantKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"direct", "sub/nested"}, descendants)
}

func TestNamespacedGetMany(t *testing.T) {
	t.Parallel()
	n, _ := newTestNamespaced(t, "ns")
	n.Set("a", []byte("1"))
	n.Set("b", []byte("2"))
	_, err := n.Commit(ctx, nil)
	require.NoError(t, err)

	got, err := n.GetMany(ctx, "a", "b", "missing")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, got)
}

func TestNamespacedMergeFnIsPrefixed(t *testing.T) {
	t.Parallel()
	kv := NewMemoryBackend()
	a, err := NewVersioned(ctx, kv, nil)
	require.NoError(t, err)
	b, err := NewVersioned(ctx, kv, nil)
	require.NoError(t, err)
	mustCommit(t, a, map[string][]byte{"ns/hits": EncodeCounter(100)}, nil)
	require.NoError(t, b.Refresh(ctx))

	nb, err := NewNamespaced(NewStaged(b), "ns")
	require.NoError(t, err)
	nb.SetContentType("hits", Counter())

	mustCommit(t, a, map[string][]byte{"ns/hits": EncodeCounter(115)}, nil)
	nb.Set("hits", EncodeCounter(120))
	result, err := nb.Commit(ctx, nil)
	require.NoError(t, err)
	require.True(t, result.Merged)

	value, ok, err := nb.Get(ctx, "hits")
	require.NoError(t, err)
	require.True(t, ok)
	n, err := DecodeCounter(value)
	require.NoError(t, err)
	assert.Equal(t, int64(135), n)
}

func TestNamespacedProtectedKeySurvivesGC(t *testing.T) {
	t.Parallel()
	kv := NewMemoryBackend()
	g, err := NewGCVersioned(ctx, kv, GCConfig{HighWater: 1 << 20, LowWater: 10}, nil)
	require.NoError(t, err)

	n, err := NewNamespaced(NewStagedGC(g), "ns")
	require.NoError(t, err)
	n.Set("__config", []byte("precious"))
	n.Set("bulk", bytesOf('b', 100))
	_, err = n.Commit(ctx, nil)
	require.NoError(t, err)

	result, err := g.Rebase(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ns/bulk"}, result.DroppedKeys)

	value, ok, err := n.Get(ctx, "__config")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("precious"), value)
}
