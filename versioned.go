package vkv

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Config sets initial parameters for a Versioned handle.
type Config struct {
	// Branch is the branch the handle binds to. Defaults to "main".
	Branch string
	// At positions the handle at a specific commit instead of the
	// branch head. The commit must exist.
	At string
	// Cache, if set, caches deserialized commits. One cache may be
	// shared by all handles onto the same store.
	Cache CommitCache
}

// Versioned is a handle onto one branch of a commit DAG stored on a
// Backend: a named cursor carrying the commit it last observed
// (base), the commit it last produced (current), and a registry of
// merge resolvers. Handles are not safe for concurrent use by
// multiple goroutines; open one handle per goroutine instead — the
// backend's CAS serializes them.
type Versioned struct {
	cs     *commitStore
	branch string

	// base is the ref value observed when the handle was opened or
	// last refreshed; current is the last commit this handle
	// produced. Every operation that moves the handle (open, refresh,
	// checkout, switch, reset, a landed advance or rebase) sets both
	// together, so they are always equal; a handle positioned behind
	// the live head is detected by comparing current with the ref.
	base    string
	current string
	head    *Commit

	mergeFns     map[string]MergeFn
	defaultMerge MergeFn

	touchCounter uint64
}

// NewVersioned opens a handle onto the given backend. If the branch
// has no ref yet, an initial empty root commit is created and the ref
// is installed with CAS; racing openers converge on whichever root
// won.
func NewVersioned(ctx context.Context, kv Backend, config *Config) (*Versioned, error) {
	if config == nil {
		config = &Config{}
	}
	branch := config.Branch
	if branch == "" {
		branch = "main"
	}
	if err := validateBranch(branch); err != nil {
		return nil, err
	}

	v := &Versioned{
		cs:       &commitStore{kv: kv, cache: config.Cache, now: time.Now},
		branch:   branch,
		mergeFns: map[string]MergeFn{},
	}

	id := config.At
	if id == "" {
		ref, ok, err := v.readRef(ctx, branch)
		if err != nil {
			return nil, err
		}
		if ok {
			id = ref
		} else {
			root, err := v.cs.makeCommit(ctx, nil, map[string]string{}, nil, nil)
			if err != nil {
				return nil, fmt.Errorf("create initial commit: %w", err)
			}
			swapped, err := kv.CAS(ctx, refPrefix+branch, []byte(root.ID), nil)
			if err != nil {
				return nil, storageErr("cas", refPrefix+branch, err)
			}
			if swapped {
				id = root.ID
			} else {
				// Another opener installed the root first.
				ref, ok, err := v.readRef(ctx, branch)
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, fmt.Errorf("%w: branch %q", ErrNotFound, branch)
				}
				id = ref
			}
		}
	}

	head, err := v.cs.loadCommit(ctx, id)
	if err != nil {
		return nil, err
	}
	v.head = head
	v.current = id
	v.base = id

	if err := v.loadTouchCounter(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// Branch returns the branch name the handle is bound to.
func (v *Versioned) Branch() string { return v.branch }

// CurrentCommit returns the id of the commit the handle last produced
// or loaded.
func (v *Versioned) CurrentCommit() string { return v.current }

// BaseCommit returns the ref value observed when the handle was
// opened or last refreshed.
func (v *Versioned) BaseCommit() string { return v.base }

// LatestHead reads the branch ref directly from the backend,
// reflecting other writers.
func (v *Versioned) LatestHead(ctx context.Context) (string, error) {
	ref, ok, err := v.readRef(ctx, v.branch)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: branch %q", ErrNotFound, v.branch)
	}
	return ref, nil
}

func (v *Versioned) readRef(ctx context.Context, branch string) (string, bool, error) {
	raw, ok, err := v.cs.kv.Get(ctx, refPrefix+branch)
	if err != nil {
		return "", false, storageErr("get", refPrefix+branch, err)
	}
	if !ok {
		return "", false, nil
	}
	return string(raw), true, nil
}

func (v *Versioned) loadTouchCounter(ctx context.Context) error {
	keys, err := v.cs.kv.Keys(ctx)
	if err != nil {
		return storageErr("keys", "", err)
	}
	var max uint64
	for _, key := range keys {
		if !strings.HasPrefix(key, metaPrefix) {
			continue
		}
		raw, ok, err := v.cs.kv.Get(ctx, key)
		if err != nil {
			return storageErr("get", key, err)
		}
		if !ok {
			continue
		}
		rec, err := decodeMeta(strings.TrimPrefix(key, metaPrefix), raw)
		if err != nil {
			return err
		}
		if rec.LastTouch > max {
			max = rec.LastTouch
		}
	}
	v.touchCounter = max
	return nil
}

// -- Reads --

// Get reads key at the handle's current commit and touches its
// metadata. ok is false when the key is absent.
func (v *Versioned) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return v.getAt(ctx, v.head, key)
}

// GetAt reads key at an arbitrary commit.
func (v *Versioned) GetAt(ctx context.Context, commitID, key string) ([]byte, bool, error) {
	c, err := v.cs.loadCommit(ctx, commitID)
	if err != nil {
		return nil, false, err
	}
	return v.getAt(ctx, c, key)
}

func (v *Versioned) getAt(ctx context.Context, c *Commit, key string) ([]byte, bool, error) {
	value, ok, err := v.cs.readValue(ctx, c, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if err := v.touch(ctx, key, uint64(len(value))); err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// GetMany reads the given keys at the current commit, returning only
// those present.
func (v *Versioned) GetMany(ctx context.Context, keys ...string) (map[string][]byte, error) {
	return v.GetManyAt(ctx, v.current, keys...)
}

// GetManyAt reads the given keys at an arbitrary commit.
func (v *Versioned) GetManyAt(ctx context.Context, commitID string, keys ...string) (map[string][]byte, error) {
	c, err := v.cs.loadCommit(ctx, commitID)
	if err != nil {
		return nil, err
	}
	pointers := make([]string, 0, len(keys))
	// Distinct keys can share a pointer when their values are
	// byte-identical.
	byPointer := make(map[string][]string, len(keys))
	for _, key := range keys {
		if pointer, ok := c.Entries[key]; ok {
			if len(byPointer[dataPrefix+pointer]) == 0 {
				pointers = append(pointers, dataPrefix+pointer)
			}
			byPointer[dataPrefix+pointer] = append(byPointer[dataPrefix+pointer], key)
		}
	}
	if len(pointers) == 0 {
		return map[string][]byte{}, nil
	}
	raw, err := v.cs.kv.GetMany(ctx, pointers)
	if err != nil {
		return nil, storageErr("get many", "", err)
	}
	result := make(map[string][]byte, len(raw))
	for pointer, value := range raw {
		for _, key := range byPointer[pointer] {
			result[key] = value
			if err := v.touch(ctx, key, uint64(len(value))); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// Keys returns the sorted user keys of the current commit.
func (v *Versioned) Keys(ctx context.Context) ([]string, error) {
	return v.KeysAt(ctx, v.current)
}

// KeysAt returns the sorted user keys of an arbitrary commit.
func (v *Versioned) KeysAt(ctx context.Context, commitID string) ([]string, error) {
	c, err := v.cs.loadCommit(ctx, commitID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(c.Entries))
	for key := range c.Entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Contains reports whether key is present in the current commit.
func (v *Versioned) Contains(key string) bool {
	_, ok := v.head.Entries[key]
	return ok
}

// Peek reads key at another branch's head without changing the
// handle. ok is false when the branch or the key is absent.
func (v *Versioned) Peek(ctx context.Context, key, branch string) ([]byte, bool, error) {
	if err := validateBranch(branch); err != nil {
		return nil, false, err
	}
	ref, ok, err := v.readRef(ctx, branch)
	if err != nil || !ok {
		return nil, false, err
	}
	c, err := v.cs.loadCommit(ctx, ref)
	if err != nil {
		return nil, false, err
	}
	return v.cs.readValue(ctx, c, key)
}

// -- History / inspection --

// History walks commits newest to oldest from startID (default: the
// current commit), invoking f for each until f returns
// keepGoing==false or an error. With allParents the walk covers the
// whole DAG breadth-first, de-duplicated; otherwise it follows first
// parents only. Calling it again restarts the walk.
func (v *Versioned) History(ctx context.Context, startID string, allParents bool, f func(id string) (bool, error)) error {
	if startID == "" {
		startID = v.current
	}
	return v.cs.history(ctx, startID, allParents, f)
}

// Parents returns the parent ids of a commit: none for a root, one
// for a normal commit, two for a merge.
func (v *Versioned) Parents(ctx context.Context, commitID string) ([]string, error) {
	if commitID == "" {
		commitID = v.current
	}
	c, err := v.cs.loadCommit(ctx, commitID)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), c.Parents...), nil
}

// CommitInfo returns the info mapping stored with a commit, or nil if
// none was stored.
func (v *Versioned) CommitInfo(ctx context.Context, commitID string) (map[string]string, error) {
	if commitID == "" {
		commitID = v.current
	}
	c, err := v.cs.loadCommit(ctx, commitID)
	if err != nil {
		return nil, err
	}
	return c.Info, nil
}

// InitialCommit returns the root of the current first-parent chain.
func (v *Versioned) InitialCommit(ctx context.Context) (string, error) {
	var last string
	err := v.History(ctx, "", false, func(id string) (bool, error) {
		last = id
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return last, nil
}

// Diff compares the key maps of two commits.
func (v *Versioned) Diff(ctx context.Context, a, b string) (DiffResult, error) {
	return v.cs.diff(ctx, a, b)
}

// LCA returns the lowest common ancestor of two commits, or "" when
// they share no history.
func (v *Versioned) LCA(ctx context.Context, a, b string) (string, error) {
	return v.cs.lca(ctx, a, b)
}

// -- Merge resolver registry --

// SetMergeFn registers a resolver for a specific key.
func (v *Versioned) SetMergeFn(key string, fn MergeFn) {
	v.mergeFns[key] = fn
}

// SetDefaultMerge registers a resolver for keys with no per-key
// registration.
func (v *Versioned) SetDefaultMerge(fn MergeFn) {
	v.defaultMerge = fn
}

// SetContentType registers a ContentType's merge behavior for a key.
func (v *Versioned) SetContentType(key string, ct ContentType) {
	v.SetMergeFn(key, ct.MergeFn())
}

// -- Ref operations --

// Refresh reloads base and current from the live ref.
func (v *Versioned) Refresh(ctx context.Context) error {
	ref, ok, err := v.readRef(ctx, v.branch)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: branch %q", ErrNotFound, v.branch)
	}
	return v.moveTo(ctx, ref)
}

func (v *Versioned) moveTo(ctx context.Context, commitID string) error {
	head, err := v.cs.loadCommit(ctx, commitID)
	if err != nil {
		return err
	}
	v.head = head
	v.current = commitID
	v.base = commitID
	return nil
}

// Checkout returns a new handle positioned at commitID on the given
// branch (default: the handle's own branch). The new handle's next
// advance reconciles against that branch's live head.
func (v *Versioned) Checkout(ctx context.Context, commitID, branch string) (*Versioned, error) {
	if branch == "" {
		branch = v.branch
	}
	if err := validateBranch(branch); err != nil {
		return nil, err
	}
	ok, err := v.cs.hasCommit(ctx, commitID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: commit %s", ErrNotFound, commitID)
	}
	clone := &Versioned{
		cs:           v.cs,
		branch:       branch,
		mergeFns:     map[string]MergeFn{},
		touchCounter: v.touchCounter,
	}
	if err := clone.moveTo(ctx, commitID); err != nil {
		return nil, err
	}
	return clone, nil
}

// CreateBranch forks a commit (default: the handle's current commit)
// onto a new branch and returns a handle bound to it. Fails with
// ErrAlreadyExists if the branch ref is already present.
func (v *Versioned) CreateBranch(ctx context.Context, name, at string) (*Versioned, error) {
	if err := validateBranch(name); err != nil {
		return nil, err
	}
	if at == "" {
		at = v.current
	}
	ok, err := v.cs.hasCommit(ctx, at)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: commit %s", ErrNotFound, at)
	}
	swapped, err := v.cs.kv.CAS(ctx, refPrefix+name, []byte(at), nil)
	if err != nil {
		return nil, storageErr("cas", refPrefix+name, err)
	}
	if !swapped {
		return nil, fmt.Errorf("%w: branch %q", ErrAlreadyExists, name)
	}
	clone := &Versioned{
		cs:           v.cs,
		branch:       name,
		mergeFns:     map[string]MergeFn{},
		touchCounter: v.touchCounter,
	}
	if err := clone.moveTo(ctx, at); err != nil {
		return nil, err
	}
	return clone, nil
}

// SwitchBranch rebinds the handle to another branch and reloads from
// its head.
func (v *Versioned) SwitchBranch(ctx context.Context, name string) error {
	if err := validateBranch(name); err != nil {
		return err
	}
	ref, ok, err := v.readRef(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: branch %q", ErrNotFound, name)
	}
	v.branch = name
	return v.moveTo(ctx, ref)
}

// DeleteBranch removes a branch ref. Its commits become unreachable
// and eligible for orphan cleanup. The handle's own branch cannot be
// deleted.
func (v *Versioned) DeleteBranch(ctx context.Context, name string) error {
	if err := validateBranch(name); err != nil {
		return err
	}
	if name == v.branch {
		return fmt.Errorf("%w: cannot delete the current branch", ErrInvalidArgument)
	}
	_, ok, err := v.readRef(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: branch %q", ErrNotFound, name)
	}
	if err := v.cs.kv.Remove(ctx, refPrefix+name); err != nil {
		return storageErr("remove", refPrefix+name, err)
	}
	return nil
}

// ResetTo forces the branch ref to commitID, retrying CAS against
// whatever value the ref currently holds. Returns false when the
// commit does not exist.
func (v *Versioned) ResetTo(ctx context.Context, commitID string) (bool, error) {
	ok, err := v.cs.hasCommit(ctx, commitID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	for {
		ref, exists, err := v.readRef(ctx, v.branch)
		if err != nil {
			return false, err
		}
		var expected []byte
		if exists {
			if ref == commitID {
				break
			}
			expected = []byte(ref)
		}
		swapped, err := v.cs.kv.CAS(ctx, refPrefix+v.branch, []byte(commitID), expected)
		if err != nil {
			return false, storageErr("cas", refPrefix+v.branch, err)
		}
		if swapped {
			break
		}
	}
	if err := v.moveTo(ctx, commitID); err != nil {
		return false, err
	}
	return true, nil
}

// ListBranches returns all branch names in the store, sorted.
func (v *Versioned) ListBranches(ctx context.Context) ([]string, error) {
	keys, err := v.cs.kv.Keys(ctx)
	if err != nil {
		return nil, storageErr("keys", "", err)
	}
	var branches []string
	for _, key := range keys {
		if strings.HasPrefix(key, refPrefix) && key != refPrefix {
			branches = append(branches, strings.TrimPrefix(key, refPrefix))
		}
	}
	sort.Strings(branches)
	return branches, nil
}

// -- Metadata --

// touch bumps the key's touch counter and refreshes its recorded
// size. Plain get/set, no CAS: counters are monotonic per handle and
// approximate across handles, which is all GC's ordering needs.
func (v *Versioned) touch(ctx context.Context, key string, size uint64) error {
	rec, ok, err := v.loadMeta(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		rec = metaRecord{CreatedAt: v.cs.timestamp()}
	}
	v.touchCounter++
	rec.LastTouch = v.touchCounter
	rec.Size = size
	return v.writeMeta(ctx, key, rec)
}

func (v *Versioned) loadMeta(ctx context.Context, key string) (metaRecord, bool, error) {
	raw, ok, err := v.cs.kv.Get(ctx, metaPrefix+key)
	if err != nil {
		return metaRecord{}, false, storageErr("get", metaPrefix+key, err)
	}
	if !ok {
		return metaRecord{}, false, nil
	}
	rec, err := decodeMeta(key, raw)
	if err != nil {
		return metaRecord{}, false, err
	}
	return rec, true, nil
}

func (v *Versioned) writeMeta(ctx context.Context, key string, rec metaRecord) error {
	encoded, err := encodeMeta(rec)
	if err != nil {
		return err
	}
	if err := v.cs.kv.Set(ctx, metaPrefix+key, encoded); err != nil {
		return storageErr("set", metaPrefix+key, err)
	}
	return nil
}

// bumpWriteMeta records a write touch for every updated key.
func (v *Versioned) bumpWriteMeta(ctx context.Context, updates map[string][]byte) error {
	keys := make([]string, 0, len(updates))
	for key := range updates {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := v.touch(ctx, key, uint64(len(updates[key]))); err != nil {
			return err
		}
	}
	return nil
}

// metaFor loads metadata records for the given keys, returning only
// those that exist.
func (v *Versioned) metaFor(ctx context.Context, keys []string) (map[string]metaRecord, error) {
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = metaPrefix + key
	}
	raw, err := v.cs.kv.GetMany(ctx, prefixed)
	if err != nil {
		return nil, storageErr("get many", "", err)
	}
	result := make(map[string]metaRecord, len(raw))
	for prefixedKey, value := range raw {
		key := strings.TrimPrefix(prefixedKey, metaPrefix)
		rec, err := decodeMeta(key, value)
		if err != nil {
			return nil, err
		}
		result[key] = rec
	}
	return result, nil
}
