package vkv

import "context"

// Backend is the byte-level key-value store the engine runs on. Keys
// are ASCII strings using '/' as the reserved separator; values are
// opaque bytes. The only synchronization primitive the engine relies
// on is CAS: it must be linearizable with respect to other CAS calls
// on the same key. Other operations need not be.
//
// Implementations: NewMemoryBackend, backend/file, backend/s3, or
// user-supplied.
type Backend interface {
	// Get retrieves the value for key. ok is false when the key is
	// absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes key if present. Removing an absent key is not
	// an error.
	Remove(ctx context.Context, key string) error

	// GetMany retrieves the given keys, returning only those present.
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)
	// SetMany stores all given pairs.
	SetMany(ctx context.Context, items map[string][]byte) error
	// RemoveMany deletes the given keys.
	RemoveMany(ctx context.Context, keys []string) error

	// Keys lists all keys in the store.
	Keys(ctx context.Context) ([]string, error)
	// Items invokes f for every key-value pair until f returns
	// keepGoing==false or an error.
	Items(ctx context.Context, f func(key string, value []byte) (keepGoing bool, err error)) error
	// Has reports whether key is present.
	Has(ctx context.Context, key string) (bool, error)

	// CAS atomically sets key to value if its current value equals
	// expected. A nil expected means "create if not present".
	CAS(ctx context.Context, key string, value, expected []byte) (bool, error)

	// Clear removes all items from the store.
	Clear(ctx context.Context) error
}
