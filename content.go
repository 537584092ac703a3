package vkv

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// ContentType bundles encode, decode, and merge logic for a typed
// value. The merge operates on decoded values; MergeFn adapts it to
// the bytes-level resolver the engine invokes.
type ContentType struct {
	Encode func(value interface{}) ([]byte, error)
	Decode func(raw []byte) (interface{}, error)
	// Merge combines decoded values; old is nil when the key was
	// absent at the merge base.
	Merge func(old, ours, theirs interface{}) (interface{}, error)
}

// MergeFn converts the content type to a bytes-level resolver.
func (ct ContentType) MergeFn() MergeFn {
	return func(old, ours, theirs []byte) ([]byte, error) {
		var oldValue, ourValue, theirValue interface{}
		var err error
		if old != nil {
			if oldValue, err = ct.Decode(old); err != nil {
				return nil, fmt.Errorf("decode old: %w", err)
			}
		}
		if ours != nil {
			if ourValue, err = ct.Decode(ours); err != nil {
				return nil, fmt.Errorf("decode ours: %w", err)
			}
		}
		if theirs != nil {
			if theirValue, err = ct.Decode(theirs); err != nil {
				return nil, fmt.Errorf("decode theirs: %w", err)
			}
		}
		merged, err := ct.Merge(oldValue, ourValue, theirValue)
		if err != nil {
			return nil, err
		}
		return ct.Encode(merged)
	}
}

// Counter is an int64 stored as 8 big-endian bytes whose merge is
// ours + theirs - old, so concurrent increments accumulate instead of
// conflicting.
func Counter() ContentType {
	return ContentType{
		Encode: func(value interface{}) ([]byte, error) {
			n, ok := value.(int64)
			if !ok {
				return nil, fmt.Errorf("counter: expected int64, got %T", value)
			}
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], uint64(n))
			return buf[:], nil
		},
		Decode: func(raw []byte) (interface{}, error) {
			if len(raw) != 8 {
				return nil, fmt.Errorf("counter: expected 8 bytes, got %d", len(raw))
			}
			return int64(binary.BigEndian.Uint64(raw)), nil
		},
		Merge: func(old, ours, theirs interface{}) (interface{}, error) {
			var base int64
			if old != nil {
				base = old.(int64)
			}
			var ourValue, theirValue int64
			if ours != nil {
				ourValue = ours.(int64)
			}
			if theirs != nil {
				theirValue = theirs.(int64)
			}
			return ourValue + theirValue - base, nil
		},
	}
}

// EncodeCounter encodes an int64 the way Counter stores it.
func EncodeCounter(n int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	return buf[:]
}

// DecodeCounter decodes a value stored by Counter.
func DecodeCounter(raw []byte) (int64, error) {
	if len(raw) != 8 {
		return 0, fmt.Errorf("counter: expected 8 bytes, got %d", len(raw))
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}

// LastWriterWins takes their side on conflict, byte-for-byte.
func LastWriterWins() ContentType {
	identity := func(value interface{}) ([]byte, error) {
		if value == nil {
			return nil, nil
		}
		return value.([]byte), nil
	}
	return ContentType{
		Encode: identity,
		Decode: func(raw []byte) (interface{}, error) { return raw, nil },
		Merge: func(old, ours, theirs interface{}) (interface{}, error) {
			return theirs, nil
		},
	}
}

// JSONValue stores JSON-encoded values. merge combines the decoded
// values on conflict; nil means take theirs.
func JSONValue(merge func(old, ours, theirs interface{}) (interface{}, error)) ContentType {
	if merge == nil {
		merge = func(old, ours, theirs interface{}) (interface{}, error) {
			return theirs, nil
		}
	}
	return ContentType{
		Encode: func(value interface{}) ([]byte, error) {
			return json.Marshal(value)
		},
		Decode: func(raw []byte) (interface{}, error) {
			var value interface{}
			if err := json.Unmarshal(raw, &value); err != nil {
				return nil, err
			}
			return value, nil
		},
		Merge: merge,
	}
}
