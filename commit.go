package vkv

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/minio/blake2b-simd"
)

// Key families on the backend. The engine owns these prefixes; user
// keys must not begin with any of them.
const (
	commitPrefix = "commits/"
	refPrefix    = "refs/"
	dataPrefix   = "data/"
	metaPrefix   = "meta/"
)

// idBytes is the truncated width of a blake2b-256 digest used for
// commit ids and blob pointers: 160 bits, encoded as 40 lowercase hex
// characters.
const idBytes = 20

var canonicalEnc cbor.EncMode

func init() {
	var err error
	canonicalEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Commit is an immutable, content-addressed snapshot: the full user
// key map (key to blob pointer), the parent commit ids, an optional
// info mapping, and a creation timestamp. ID is the lowercase-hex
// digest of the commit's canonical serialization.
type Commit struct {
	ID        string
	Parents   []string
	Entries   map[string]string
	Info      map[string]string
	CreatedAt float64
}

// Wire form of a commit: positional CBOR array with the fields in
// fixed order and entries sorted by key, so the encoding (and
// therefore the id) is reproducible.
type commitWire struct {
	_         struct{} `cbor:",toarray"`
	Parents   []string
	Entries   []commitEntryWire
	Info      map[string]string
	CreatedAt float64
}

type commitEntryWire struct {
	_       struct{} `cbor:",toarray"`
	Key     string
	Pointer string
}

type metaWire struct {
	_         struct{} `cbor:",toarray"`
	LastTouch uint64
	Size      uint64
	CreatedAt float64
}

// metaRecord is the per-key bookkeeping GC sorts on. It is not
// versioned; one record exists per live user key, under meta/<key>.
type metaRecord struct {
	LastTouch uint64
	Size      uint64
	CreatedAt float64
}

func encodeCommit(c *Commit) ([]byte, error) {
	keys := make([]string, 0, len(c.Entries))
	for key := range c.Entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	entries := make([]commitEntryWire, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, commitEntryWire{Key: key, Pointer: c.Entries[key]})
	}
	wire := commitWire{
		Parents:   c.Parents,
		Entries:   entries,
		Info:      c.Info,
		CreatedAt: c.CreatedAt,
	}
	encoded, err := canonicalEnc.Marshal(&wire)
	if err != nil {
		return nil, fmt.Errorf("marshal commit: %w", err)
	}
	return encoded, nil
}

func decodeCommit(id string, raw []byte) (*Commit, error) {
	var wire commitWire
	if err := cbor.Unmarshal(raw, &wire); err != nil {
		return nil, storageErr("decode commit", commitPrefix+id, err)
	}
	entries := make(map[string]string, len(wire.Entries))
	for _, e := range wire.Entries {
		entries[e.Key] = e.Pointer
	}
	return &Commit{
		ID:        id,
		Parents:   wire.Parents,
		Entries:   entries,
		Info:      wire.Info,
		CreatedAt: wire.CreatedAt,
	}, nil
}

// contentID hashes canonical bytes to a lowercase-hex id.
func contentID(encoded []byte) string {
	digest := blake2b.Sum256(encoded)
	return hex.EncodeToString(digest[:idBytes])
}

// blobPointer derives the content address for a value blob.
func blobPointer(value []byte) string {
	digest := blake2b.Sum256(value)
	return hex.EncodeToString(digest[:idBytes])
}

func encodeMeta(m metaRecord) ([]byte, error) {
	encoded, err := canonicalEnc.Marshal(&metaWire{
		LastTouch: m.LastTouch,
		Size:      m.Size,
		CreatedAt: m.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	return encoded, nil
}

func decodeMeta(key string, raw []byte) (metaRecord, error) {
	var wire metaWire
	if err := cbor.Unmarshal(raw, &wire); err != nil {
		return metaRecord{}, storageErr("decode meta", metaPrefix+key, err)
	}
	return metaRecord{
		LastTouch: wire.LastTouch,
		Size:      wire.Size,
		CreatedAt: wire.CreatedAt,
	}, nil
}

var reservedPrefixes = []string{commitPrefix, refPrefix, dataPrefix, metaPrefix}

func validateUserKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(key, prefix) {
			return fmt.Errorf("%w: key %q uses reserved prefix %q", ErrInvalidArgument, key, prefix)
		}
	}
	return nil
}

func validateBranch(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty branch name", ErrInvalidArgument)
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("%w: branch name %q contains '/'", ErrInvalidArgument, name)
	}
	return nil
}
