package vkv

import (
	"context"

	"github.com/vkv-db/vkv/backend/file"
)

// Store is the buffered, branch-aware surface shared by Staged and
// Namespaced.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	GetMany(ctx context.Context, keys ...string) (map[string][]byte, error)
	Keys(ctx context.Context) ([]string, error)
	Contains(ctx context.Context, key string) (bool, error)

	Set(key string, value []byte)
	Remove(key string)
	Commit(ctx context.Context, opts *CommitOptions) (MergeResult, error)
	Reset()

	SetMergeFn(key string, fn MergeFn)
	SetDefaultMerge(fn MergeFn)
	SetContentType(key string, ct ContentType)

	CreateBranch(ctx context.Context, name string) (Store, error)
	Checkout(ctx context.Context, commitID, branch string) (Store, error)
	SwitchBranch(ctx context.Context, name string) error
	ListBranches(ctx context.Context) ([]string, error)

	CurrentCommit() string
	BaseCommit() string
}

var (
	_ Store = (*Staged)(nil)
	_ Store = (*Namespaced)(nil)
)

// Options configures Open.
type Options struct {
	// Backend to run on. Takes precedence over Path. When both are
	// empty, an in-memory backend is used.
	Backend Backend
	// Path opens a file-backed store rooted at this directory.
	Path string
	// Branch defaults to "main".
	Branch string
	// CacheSize, when > 0, installs a commit cache of that many
	// entries.
	CacheSize int
	// HighWater, when > 0, enables garbage collection with this
	// high-water byte threshold.
	HighWater uint64
	// LowWater is the GC low-water threshold; defaults to 80% of
	// HighWater.
	LowWater uint64
	// IsProtected overrides the GC protection policy.
	IsProtected func(key string) bool
}

// Open assembles a ready-to-use store: backend, versioned handle
// (GC-enabled when HighWater is set), and staging buffer.
func Open(ctx context.Context, opts Options) (*Staged, error) {
	kv := opts.Backend
	if kv == nil {
		if opts.Path != "" {
			fileKV, err := file.New(opts.Path)
			if err != nil {
				return nil, err
			}
			kv = fileKV
		} else {
			kv = NewMemoryBackend()
		}
	}

	config := &Config{Branch: opts.Branch}
	if opts.CacheSize > 0 {
		config.Cache = NewCommitCache(opts.CacheSize)
	}

	if opts.HighWater > 0 {
		g, err := NewGCVersioned(ctx, kv, GCConfig{
			HighWater:   opts.HighWater,
			LowWater:    opts.LowWater,
			IsProtected: opts.IsProtected,
		}, config)
		if err != nil {
			return nil, err
		}
		return NewStagedGC(g), nil
	}

	v, err := NewVersioned(ctx, kv, config)
	if err != nil {
		return nil, err
	}
	return NewStaged(v), nil
}
