package vkv

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultOrphanMinAge is how old an unreachable commit must be before
// a standalone CleanOrphans removes it. The staleness window keeps
// cleanup from racing an in-flight advance that has written its
// commit but not yet CASed the ref.
const DefaultOrphanMinAge = time.Hour

// DefaultProtected is the default protection policy: the last '/'
// segment of the key starts with "__", so both "__config" and
// "ns/__config" are protected.
func DefaultProtected(key string) bool {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		key = key[i+1:]
	}
	return strings.HasPrefix(key, "__")
}

// GCConfig configures size-bounded garbage collection.
type GCConfig struct {
	// HighWater is the persisted-size threshold that triggers a
	// rebase after a successful advance. Required.
	HighWater uint64
	// LowWater is the size a rebase shrinks to. Defaults to 80% of
	// HighWater.
	LowWater uint64
	// IsProtected marks keys a rebase must never drop. Defaults to
	// DefaultProtected.
	IsProtected func(key string) bool
}

// RebaseResult reports what a rebase did.
type RebaseResult struct {
	Performed       bool
	NewCommit       string
	DroppedKeys     []string
	KeptKeys        []string
	TotalSizeBefore uint64
	TotalSizeAfter  uint64
	OrphansCleaned  int
}

// GCVersioned is a Versioned handle whose advances are followed by a
// high/low-water size check. When the persisted user data crosses the
// high-water mark, the branch is rebased: a fresh root commit is
// written retaining only protected keys and the warmest user keys,
// and the now-unreachable history is cleaned up.
type GCVersioned struct {
	*Versioned
	highWater   uint64
	lowWater    uint64
	isProtected func(string) bool
	lastRebase  *RebaseResult
}

// NewGCVersioned opens a GC-enabled handle onto the given backend.
func NewGCVersioned(ctx context.Context, kv Backend, cfg GCConfig, config *Config) (*GCVersioned, error) {
	if cfg.HighWater == 0 {
		return nil, fmt.Errorf("%w: HighWater must be > 0", ErrInvalidArgument)
	}
	low := cfg.LowWater
	if low == 0 || low > cfg.HighWater {
		low = cfg.HighWater * 8 / 10
	}
	protected := cfg.IsProtected
	if protected == nil {
		protected = DefaultProtected
	}
	v, err := NewVersioned(ctx, kv, config)
	if err != nil {
		return nil, err
	}
	return &GCVersioned{
		Versioned:   v,
		highWater:   cfg.HighWater,
		lowWater:    low,
		isProtected: protected,
	}, nil
}

// Commit advances the branch and then rebases if the new commit's
// total persisted size exceeds the high-water mark.
func (g *GCVersioned) Commit(ctx context.Context, updates map[string][]byte, removals []string, opts *CommitOptions) (MergeResult, error) {
	result, err := g.Versioned.Commit(ctx, updates, removals, opts)
	if err != nil || !result.Merged {
		return result, err
	}
	rebase, err := g.MaybeRebase(ctx)
	if err != nil {
		return result, err
	}
	g.lastRebase = &rebase
	return result, nil
}

// LastRebase returns the result of the size check after the most
// recent successful Commit, or nil before the first one.
func (g *GCVersioned) LastRebase() *RebaseResult { return g.lastRebase }

// TotalSize sums the recorded sizes of all keys in the current
// commit.
func (g *GCVersioned) TotalSize(ctx context.Context) (uint64, error) {
	keys := make([]string, 0, len(g.head.Entries))
	for key := range g.head.Entries {
		keys = append(keys, key)
	}
	meta, err := g.metaFor(ctx, keys)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, rec := range meta {
		total += rec.Size
	}
	return total, nil
}

// MaybeRebase rebases only when the total size exceeds the high-water
// mark.
func (g *GCVersioned) MaybeRebase(ctx context.Context) (RebaseResult, error) {
	total, err := g.TotalSize(ctx)
	if err != nil {
		return RebaseResult{}, err
	}
	if total <= g.highWater {
		kept, err := g.Keys(ctx)
		if err != nil {
			return RebaseResult{}, err
		}
		return RebaseResult{
			KeptKeys:        kept,
			TotalSizeBefore: total,
			TotalSizeAfter:  total,
		}, nil
	}
	return g.Rebase(ctx)
}

// Rebase rewrites the branch as a fresh root commit, dropping the
// coldest (then largest) user keys until the remaining total is at or
// under the low-water mark. Protected keys are always retained.
func (g *GCVersioned) Rebase(ctx context.Context) (RebaseResult, error) {
	return g.rebase(ctx, nil)
}

// RebaseKeeping rewrites the branch as a fresh root retaining exactly
// keepKeys plus protected keys, regardless of water marks.
func (g *GCVersioned) RebaseKeeping(ctx context.Context, keepKeys []string) (RebaseResult, error) {
	keep := asSet(keepKeys)
	return g.rebase(ctx, keep)
}

func (g *GCVersioned) rebase(ctx context.Context, keepKeys map[string]bool) (RebaseResult, error) {
	head, err := g.LatestHead(ctx)
	if err != nil {
		return RebaseResult{}, err
	}
	headCommit, err := g.cs.loadCommit(ctx, head)
	if err != nil {
		return RebaseResult{}, err
	}

	allKeys := make([]string, 0, len(headCommit.Entries))
	for key := range headCommit.Entries {
		allKeys = append(allKeys, key)
	}
	sort.Strings(allKeys)
	meta, err := g.metaFor(ctx, allKeys)
	if err != nil {
		return RebaseResult{}, err
	}

	var totalBefore uint64
	for _, key := range allKeys {
		totalBefore += meta[key].Size
	}

	retained := asSet(allKeys)
	total := totalBefore
	var dropped []string

	if keepKeys != nil {
		for _, key := range allKeys {
			if g.isProtected(key) || keepKeys[key] {
				continue
			}
			delete(retained, key)
			dropped = append(dropped, key)
			total -= meta[key].Size
		}
	} else {
		// Coldest first, largest first among equals.
		candidates := make([]string, 0, len(allKeys))
		for _, key := range allKeys {
			if !g.isProtected(key) {
				candidates = append(candidates, key)
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			a, b := meta[candidates[i]], meta[candidates[j]]
			if a.LastTouch != b.LastTouch {
				return a.LastTouch < b.LastTouch
			}
			return a.Size > b.Size
		})
		for _, key := range candidates {
			if total <= g.lowWater {
				break
			}
			delete(retained, key)
			dropped = append(dropped, key)
			total -= meta[key].Size
		}
	}

	entries := make(map[string]string, len(retained))
	for key := range retained {
		entries[key] = headCommit.Entries[key]
	}

	info := map[string]string{
		"reason":            "rebase",
		"total_size_before": strconv.FormatUint(totalBefore, 10),
		"total_size_after":  strconv.FormatUint(total, 10),
		"dropped":           strconv.Itoa(len(dropped)),
	}
	root, err := g.cs.makeCommit(ctx, nil, entries, nil, info)
	if err != nil {
		return RebaseResult{}, err
	}

	swapped, err := g.cs.kv.CAS(ctx, refPrefix+g.branch, []byte(root.ID), []byte(head))
	if err != nil {
		return RebaseResult{}, storageErr("cas", refPrefix+g.branch, err)
	}
	if !swapped {
		return RebaseResult{}, fmt.Errorf("%w: head moved during rebase of branch %q", ErrConcurrentUpdate, g.branch)
	}

	g.head = root
	g.current = root.ID
	g.base = root.ID

	sort.Strings(dropped)
	if len(dropped) > 0 {
		metaKeys := make([]string, len(dropped))
		for i, key := range dropped {
			metaKeys[i] = metaPrefix + key
		}
		if err := g.cs.kv.RemoveMany(ctx, metaKeys); err != nil {
			return RebaseResult{}, storageErr("remove many", "", err)
		}
	}

	orphans, err := g.CleanOrphans(ctx, 0)
	if err != nil {
		return RebaseResult{}, err
	}

	kept := make([]string, 0, len(retained))
	for key := range retained {
		kept = append(kept, key)
	}
	sort.Strings(kept)
	return RebaseResult{
		Performed:       true,
		NewCommit:       root.ID,
		DroppedKeys:     dropped,
		KeptKeys:        kept,
		TotalSizeBefore: totalBefore,
		TotalSizeAfter:  total,
		OrphansCleaned:  orphans,
	}, nil
}

// CleanOrphans removes commits unreachable from every branch ref that
// are older than minAge, then sweeps value blobs no remaining commit
// references. Returns the number of commits removed. Commits younger
// than minAge are left alone: they may belong to an advance that has
// written its commit but not yet CASed its ref.
func (g *GCVersioned) CleanOrphans(ctx context.Context, minAge time.Duration) (int, error) {
	backendKeys, err := g.cs.kv.Keys(ctx)
	if err != nil {
		return 0, storageErr("keys", "", err)
	}

	reachable := map[string]bool{}
	for _, key := range backendKeys {
		if !strings.HasPrefix(key, refPrefix) || key == refPrefix {
			continue
		}
		ref, ok, err := g.readRef(ctx, strings.TrimPrefix(key, refPrefix))
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		err = g.cs.history(ctx, ref, true, func(id string) (bool, error) {
			reachable[id] = true
			return true, nil
		})
		if err != nil {
			return 0, err
		}
	}

	cutoff := g.cs.timestamp() - minAge.Seconds()
	var orphans []string
	var survivors []string
	for _, key := range backendKeys {
		if !strings.HasPrefix(key, commitPrefix) || key == commitPrefix {
			continue
		}
		id := strings.TrimPrefix(key, commitPrefix)
		if reachable[id] {
			survivors = append(survivors, id)
			continue
		}
		// Decode without caching: this commit may be deleted below,
		// and a cached copy would outlive it.
		raw, ok, err := g.cs.kv.Get(ctx, key)
		if err != nil {
			return 0, storageErr("get", key, err)
		}
		if !ok {
			continue
		}
		c, err := decodeCommit(id, raw)
		if err != nil {
			return 0, err
		}
		if c.CreatedAt < cutoff {
			orphans = append(orphans, id)
		} else {
			survivors = append(survivors, id)
		}
	}

	if len(orphans) > 0 {
		removals := make([]string, len(orphans))
		for i, id := range orphans {
			removals[i] = commitPrefix + id
		}
		if err := g.cs.kv.RemoveMany(ctx, removals); err != nil {
			return 0, storageErr("remove many", "", err)
		}
	}

	// Blob sweep: anything no surviving commit points at is garbage.
	live := map[string]bool{}
	for _, id := range survivors {
		c, err := g.cs.loadCommit(ctx, id)
		if err != nil {
			return 0, err
		}
		for _, pointer := range c.Entries {
			live[pointer] = true
		}
	}
	var deadBlobs []string
	for _, key := range backendKeys {
		if !strings.HasPrefix(key, dataPrefix) || key == dataPrefix {
			continue
		}
		if !live[strings.TrimPrefix(key, dataPrefix)] {
			deadBlobs = append(deadBlobs, key)
		}
	}
	if len(deadBlobs) > 0 {
		if err := g.cs.kv.RemoveMany(ctx, deadBlobs); err != nil {
			return 0, storageErr("remove many", "", err)
		}
	}

	return len(orphans), nil
}
