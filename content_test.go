package vkv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterEncoding(t *testing.T) {
	t.Parallel()
	for _, n := range []int64{0, 1, -1, 1 << 40, -(1 << 40)} {
		decoded, err := DecodeCounter(EncodeCounter(n))
		require.NoError(t, err)
		assert.Equal(t, n, decoded)
	}
	_, err := DecodeCounter([]byte("short"))
	require.Error(t, err)
}

func TestCounterMergeFn(t *testing.T) {
	t.Parallel()
	fn := Counter().MergeFn()

	merged, err := fn(EncodeCounter(100), EncodeCounter(115), EncodeCounter(120))
	require.NoError(t, err)
	n, err := DecodeCounter(merged)
	require.NoError(t, err)
	assert.Equal(t, int64(135), n)

	// Absent base counts as zero.
	merged, err = fn(nil, EncodeCounter(5), EncodeCounter(7))
	require.NoError(t, err)
	n, err = DecodeCounter(merged)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	// Garbage input surfaces as a resolver error.
	_, err = fn([]byte("junk"), EncodeCounter(1), EncodeCounter(2))
	require.Error(t, err)
}

func TestLastWriterWinsMergeFn(t *testing.T) {
	t.Parallel()
	fn := LastWriterWins().MergeFn()
	merged, err := fn([]byte("old"), []byte("ours"), []byte("theirs"))
	require.NoError(t, err)
	assert.Equal(t, []byte("theirs"), merged)

	// Theirs removed: the merge drops the key.
	merged, err = fn([]byte("old"), []byte("ours"), nil)
	require.NoError(t, err)
	assert.Nil(t, merged)
}

func TestJSONValueMerge(t *testing.T) {
	t.Parallel()
	ct := JSONValue(nil)
	encoded, err := ct.Encode(map[string]interface{}{"b": 1.0, "a": 2.0})
	require.NoError(t, err)
	decoded, err := ct.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": 2.0, "b": 1.0}, decoded)

	// Default merge is take-theirs.
	fn := ct.MergeFn()
	merged, err := fn(nil, []byte(`{"side":"ours"}`), []byte(`{"side":"theirs"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"side":"theirs"}`, string(merged))

	// Custom merge sees decoded values.
	union := JSONValue(func(old, ours, theirs interface{}) (interface{}, error) {
		result := map[string]interface{}{}
		for _, side := range []interface{}{old, ours, theirs} {
			m, ok := side.(map[string]interface{})
			if !ok {
				continue
			}
			for k, v := range m {
				result[k] = v
			}
		}
		return result, nil
	})
	merged, err = union.MergeFn()(nil, []byte(`{"a":1}`), []byte(`{"b":2}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(merged))
}

func TestJSONValueEncodingIsStable(t *testing.T) {
	t.Parallel()
	ct := JSONValue(nil)
	value := map[string]interface{}{"z": 1.0, "a": 2.0, "m": 3.0}
	first, err := ct.Encode(value)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := ct.Encode(value)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
