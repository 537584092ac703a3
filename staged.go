package vkv

import (
	"context"
	"sort"
)

// Staged buffers writes over a Versioned handle. Set and Remove stage
// changes in memory; Commit flushes them as a single advance and
// clears the buffer only on success, so after a lost CAS the buffer
// is intact and a Refresh+Commit replays it.
type Staged struct {
	v        *Versioned
	gc       *GCVersioned
	updates  map[string][]byte
	removals map[string]bool
}

// NewStaged wraps a Versioned handle in a staging buffer.
func NewStaged(v *Versioned) *Staged {
	return &Staged{
		v:        v,
		updates:  map[string][]byte{},
		removals: map[string]bool{},
	}
}

// NewStagedGC wraps a GC-enabled handle: every flushed commit runs
// the high/low-water size check.
func NewStagedGC(g *GCVersioned) *Staged {
	s := NewStaged(g.Versioned)
	s.gc = g
	return s
}

// Versioned returns the underlying handle.
func (s *Staged) Versioned() *Versioned { return s.v }

// Get reads key, staged changes first.
func (s *Staged) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.removals[key] {
		return nil, false, nil
	}
	if value, ok := s.updates[key]; ok {
		return append([]byte(nil), value...), true, nil
	}
	return s.v.Get(ctx, key)
}

// GetMany reads the given keys, staged changes first, returning only
// those present.
func (s *Staged) GetMany(ctx context.Context, keys ...string) (map[string][]byte, error) {
	result := map[string][]byte{}
	var missing []string
	for _, key := range keys {
		if s.removals[key] {
			continue
		}
		if value, ok := s.updates[key]; ok {
			result[key] = append([]byte(nil), value...)
		} else {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		committed, err := s.v.GetMany(ctx, missing...)
		if err != nil {
			return nil, err
		}
		for key, value := range committed {
			result[key] = value
		}
	}
	return result, nil
}

// Keys returns all keys visible in the staged view, sorted.
func (s *Staged) Keys(ctx context.Context) ([]string, error) {
	committed, err := s.v.Keys(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, key := range committed {
		if !s.removals[key] {
			seen[key] = true
		}
	}
	for key := range s.updates {
		seen[key] = true
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Contains reports whether key is visible in the staged view.
func (s *Staged) Contains(ctx context.Context, key string) (bool, error) {
	if s.removals[key] {
		return false, nil
	}
	if _, ok := s.updates[key]; ok {
		return true, nil
	}
	return s.v.Contains(key), nil
}

// Set stages a key-value pair for the next Commit.
func (s *Staged) Set(key string, value []byte) {
	delete(s.removals, key)
	s.updates[key] = append([]byte(nil), value...)
}

// Remove stages a key removal for the next Commit.
func (s *Staged) Remove(key string) {
	delete(s.updates, key)
	s.removals[key] = true
}

// HasChanges reports whether anything is staged.
func (s *Staged) HasChanges() bool {
	return len(s.updates) > 0 || len(s.removals) > 0
}

// Commit flushes the staged changes as one advance. The buffer is
// cleared only when the advance lands.
func (s *Staged) Commit(ctx context.Context, opts *CommitOptions) (MergeResult, error) {
	removals := make([]string, 0, len(s.removals))
	for key := range s.removals {
		removals = append(removals, key)
	}
	sort.Strings(removals)
	var result MergeResult
	var err error
	if s.gc != nil {
		result, err = s.gc.Commit(ctx, s.updates, removals, opts)
	} else {
		result, err = s.v.Commit(ctx, s.updates, removals, opts)
	}
	if err != nil || !result.Merged {
		return result, err
	}
	s.updates = map[string][]byte{}
	s.removals = map[string]bool{}
	return result, nil
}

// Reset discards all staged changes.
func (s *Staged) Reset() {
	s.updates = map[string][]byte{}
	s.removals = map[string]bool{}
}

// Refresh reloads the handle from the live head and discards staged
// changes.
func (s *Staged) Refresh(ctx context.Context) error {
	if err := s.v.Refresh(ctx); err != nil {
		return err
	}
	s.Reset()
	return nil
}

// SetMergeFn registers a resolver for a specific key.
func (s *Staged) SetMergeFn(key string, fn MergeFn) { s.v.SetMergeFn(key, fn) }

// SetDefaultMerge registers a resolver for unregistered keys.
func (s *Staged) SetDefaultMerge(fn MergeFn) { s.v.SetDefaultMerge(fn) }

// SetContentType registers a ContentType's merge behavior for a key.
func (s *Staged) SetContentType(key string, ct ContentType) { s.v.SetContentType(key, ct) }

// CreateBranch forks the current commit onto a new branch and returns
// a staged view of it.
func (s *Staged) CreateBranch(ctx context.Context, name string) (Store, error) {
	v, err := s.v.CreateBranch(ctx, name, "")
	if err != nil {
		return nil, err
	}
	return NewStaged(v), nil
}

// Checkout returns a staged view positioned at commitID on the given
// branch (default: the current branch).
func (s *Staged) Checkout(ctx context.Context, commitID, branch string) (Store, error) {
	v, err := s.v.Checkout(ctx, commitID, branch)
	if err != nil {
		return nil, err
	}
	return NewStaged(v), nil
}

// SwitchBranch rebinds the handle to another branch, discarding
// staged changes.
func (s *Staged) SwitchBranch(ctx context.Context, name string) error {
	if err := s.v.SwitchBranch(ctx, name); err != nil {
		return err
	}
	s.Reset()
	return nil
}

// ListBranches returns all branch names in the store, sorted.
func (s *Staged) ListBranches(ctx context.Context) ([]string, error) {
	return s.v.ListBranches(ctx)
}

// CurrentCommit returns the underlying handle's current commit id.
func (s *Staged) CurrentCommit() string { return s.v.CurrentCommit() }

// BaseCommit returns the underlying handle's base commit id.
func (s *Staged) BaseCommit() string { return s.v.BaseCommit() }
