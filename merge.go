package vkv

import (
	"context"
	"fmt"
	"sort"
)

// MergeFn resolves one contested key during a three-way merge. Each
// argument is the key's value at the merge base, on our side, and on
// their side; nil means absent (or removed) there. Returning a nil
// slice removes the key from the merged commit.
type MergeFn func(old, ours, theirs []byte) ([]byte, error)

// Strategy identifies how an advance reached (or failed to reach) the
// branch head.
type Strategy string

const (
	StrategyNoOp        Strategy = "no_op"
	StrategyFastForward Strategy = "fast_forward"
	StrategyThreeWay    Strategy = "three_way"
)

// OnConflict selects how Commit reports a lost CAS or an unresolvable
// merge.
type OnConflict int

const (
	// OnConflictError returns ErrConcurrentUpdate or a
	// *MergeConflictError.
	OnConflictError OnConflict = iota
	// OnConflictAbandon returns a MergeResult with Merged==false and
	// a nil error.
	OnConflictAbandon
)

// CommitOptions tunes a single Commit call.
type CommitOptions struct {
	OnConflict OnConflict
	// MergeFns are per-key resolvers for this call only; they take
	// priority over handle-level registrations.
	MergeFns map[string]MergeFn
	// DefaultMerge overrides the handle-level default resolver.
	DefaultMerge MergeFn
	// Info is an optional metadata mapping stored in the commit and
	// folded into its content id.
	Info map[string]string
}

// MergeResult reports the outcome of an advance. Merged is false only
// under OnConflictAbandon when the advance was given up.
type MergeResult struct {
	Merged   bool
	Commit   string
	Strategy Strategy
	// AutoMergedKeys were resolved by a merge function.
	AutoMergedKeys []string
	// CarriedKeys were taken from one side without resolution.
	CarriedKeys []string
}

// Commit applies updates and removals on top of the handle's current
// commit and advances the branch head.
//
// If the head has not moved since the handle last observed it, the
// new commit is installed by CAS (fast-forward). If the head has
// moved — or the fast-forward CAS loses — a three-way merge against
// the live head is built: keys changed on only one side are taken
// as-is, identical changes are taken once, and keys contested on both
// sides go to a resolver (per-call MergeFns first, then handle
// registrations, then the per-call or handle default). Contested keys
// with no resolver, or whose resolver failed, abort the merge with a
// *MergeConflictError carrying both.
//
// The handle's state is only advanced when a CAS succeeds; after any
// failure current remains at its pre-call value so the caller can
// Refresh and retry.
func (v *Versioned) Commit(ctx context.Context, updates map[string][]byte, removals []string, opts *CommitOptions) (MergeResult, error) {
	if opts == nil {
		opts = &CommitOptions{}
	}
	for key := range updates {
		if err := validateUserKey(key); err != nil {
			return MergeResult{}, err
		}
	}
	for _, key := range removals {
		if err := validateUserKey(key); err != nil {
			return MergeResult{}, err
		}
	}

	head, err := v.LatestHead(ctx)
	if err != nil {
		return MergeResult{}, err
	}

	empty := len(updates) == 0 && len(removals) == 0 && opts.Info == nil
	if empty && v.current == head {
		return MergeResult{Merged: true, Commit: v.current, Strategy: StrategyNoOp}, nil
	}

	if v.current == head {
		c, err := v.applyChanges(ctx, updates, removals, opts.Info)
		if err != nil {
			return MergeResult{}, err
		}
		swapped, err := v.cs.kv.CAS(ctx, refPrefix+v.branch, []byte(c.ID), []byte(head))
		if err != nil {
			return MergeResult{}, storageErr("cas", refPrefix+v.branch, err)
		}
		if swapped {
			v.head = c
			v.current = c.ID
			v.base = c.ID
			return MergeResult{Merged: true, Commit: c.ID, Strategy: StrategyFastForward}, nil
		}
		// Lost the race: the head moved underneath us. The handle
		// state is untouched; merge the commit we built against the
		// new head.
		head, err = v.LatestHead(ctx)
		if err != nil {
			return MergeResult{}, err
		}
		return v.threeWay(ctx, c, head, opts)
	}

	ours := v.head
	if !empty {
		c, err := v.applyChanges(ctx, updates, removals, opts.Info)
		if err != nil {
			return MergeResult{}, err
		}
		ours = c
	}
	return v.threeWay(ctx, ours, head, opts)
}

// applyChanges persists a commit with parent = current and the given
// changes. The branch ref is not touched.
func (v *Versioned) applyChanges(ctx context.Context, updates map[string][]byte, removals []string, info map[string]string) (*Commit, error) {
	entries := make(map[string]string, len(v.head.Entries)+len(updates))
	for key, pointer := range v.head.Entries {
		entries[key] = pointer
	}
	for _, key := range removals {
		delete(entries, key)
	}
	c, err := v.cs.makeCommit(ctx, []string{v.current}, entries, updates, info)
	if err != nil {
		return nil, err
	}
	if err := v.bumpWriteMeta(ctx, updates); err != nil {
		return nil, err
	}
	return c, nil
}

func (v *Versioned) threeWay(ctx context.Context, ours *Commit, theirHead string, opts *CommitOptions) (MergeResult, error) {
	abandoned := MergeResult{Merged: false, Strategy: StrategyThreeWay}

	base, err := v.cs.lca(ctx, ours.ID, theirHead)
	if err != nil {
		return MergeResult{}, err
	}
	if base == "" {
		if opts.OnConflict == OnConflictAbandon {
			return abandoned, nil
		}
		return MergeResult{}, fmt.Errorf("%w: no common ancestor between %s and head %s", ErrConcurrentUpdate, ours.ID, theirHead)
	}

	ourDiff, err := v.cs.diff(ctx, base, ours.ID)
	if err != nil {
		return MergeResult{}, err
	}
	theirDiff, err := v.cs.diff(ctx, base, theirHead)
	if err != nil {
		return MergeResult{}, err
	}

	baseCommit, err := v.cs.loadCommit(ctx, base)
	if err != nil {
		return MergeResult{}, err
	}
	theirs, err := v.cs.loadCommit(ctx, theirHead)
	if err != nil {
		return MergeResult{}, err
	}

	ourChanged := ourDiff.Changed()
	theirChanged := theirDiff.Changed()
	ourRemoved := asSet(ourDiff.Removed)
	theirRemoved := asSet(theirDiff.Removed)

	merged := map[string]string{}
	mergedValues := map[string][]byte{}
	var autoMerged []string
	var conflicts []string
	mergeErrors := map[string]error{}

	// Keys untouched by either side carry over, preferring the head's
	// pointer (they are equal whenever both sides carry the key).
	for key, pointer := range theirs.Entries {
		if !ourChanged[key] && !theirChanged[key] {
			merged[key] = pointer
		}
	}
	for key, pointer := range ours.Entries {
		if _, done := merged[key]; done {
			continue
		}
		if !ourChanged[key] && !theirChanged[key] {
			merged[key] = pointer
		}
	}

	for key := range ourChanged {
		if theirChanged[key] {
			continue
		}
		if !ourRemoved[key] {
			merged[key] = ours.Entries[key]
		}
	}
	for key := range theirChanged {
		if ourChanged[key] {
			continue
		}
		if !theirRemoved[key] {
			merged[key] = theirs.Entries[key]
		}
	}

	for key := range ourChanged {
		if !theirChanged[key] {
			continue
		}
		// Contested: changed on both sides.
		if ourRemoved[key] && theirRemoved[key] {
			continue
		}
		if !ourRemoved[key] && !theirRemoved[key] && ours.Entries[key] == theirs.Entries[key] {
			merged[key] = theirs.Entries[key]
			continue
		}

		fn := v.resolverFor(key, opts)
		if fn == nil {
			conflicts = append(conflicts, key)
			continue
		}
		old, ourValue, theirValue, err := v.contestedValues(ctx, key, baseCommit, ours, theirs, ourRemoved[key], theirRemoved[key])
		if err != nil {
			return MergeResult{}, err
		}
		resolved, err := fn(old, ourValue, theirValue)
		if err != nil {
			conflicts = append(conflicts, key)
			mergeErrors[key] = err
			continue
		}
		if resolved == nil {
			delete(merged, key)
		} else {
			mergedValues[key] = resolved
		}
		autoMerged = append(autoMerged, key)
	}

	if len(conflicts) > 0 {
		if opts.OnConflict == OnConflictAbandon {
			return abandoned, nil
		}
		sort.Strings(conflicts)
		if len(mergeErrors) == 0 {
			mergeErrors = nil
		}
		return MergeResult{}, &MergeConflictError{Keys: conflicts, MergeErrors: mergeErrors}
	}

	m, err := v.cs.makeCommit(ctx, []string{ours.ID, theirHead}, merged, mergedValues, opts.Info)
	if err != nil {
		return MergeResult{}, err
	}
	if err := v.bumpWriteMeta(ctx, mergedValues); err != nil {
		return MergeResult{}, err
	}

	swapped, err := v.cs.kv.CAS(ctx, refPrefix+v.branch, []byte(m.ID), []byte(theirHead))
	if err != nil {
		return MergeResult{}, storageErr("cas", refPrefix+v.branch, err)
	}
	if !swapped {
		if opts.OnConflict == OnConflictAbandon {
			return abandoned, nil
		}
		return MergeResult{}, fmt.Errorf("%w: head moved during three-way merge of branch %q", ErrConcurrentUpdate, v.branch)
	}

	v.head = m
	v.current = m.ID
	v.base = m.ID

	sort.Strings(autoMerged)
	auto := asSet(autoMerged)
	var carried []string
	for key := range m.Entries {
		if !auto[key] {
			carried = append(carried, key)
		}
	}
	sort.Strings(carried)
	return MergeResult{
		Merged:         true,
		Commit:         m.ID,
		Strategy:       StrategyThreeWay,
		AutoMergedKeys: autoMerged,
		CarriedKeys:    carried,
	}, nil
}

// resolverFor implements resolver precedence: per-call per-key, then
// handle per-key, then per-call default, then handle default.
func (v *Versioned) resolverFor(key string, opts *CommitOptions) MergeFn {
	if fn, ok := opts.MergeFns[key]; ok {
		return fn
	}
	if fn, ok := v.mergeFns[key]; ok {
		return fn
	}
	if opts.DefaultMerge != nil {
		return opts.DefaultMerge
	}
	return v.defaultMerge
}

func (v *Versioned) contestedValues(
	ctx context.Context,
	key string,
	base, ours, theirs *Commit,
	ourRemoved, theirRemoved bool,
) (old, ourValue, theirValue []byte, err error) {
	if _, ok := base.Entries[key]; ok {
		old, _, err = v.cs.readValue(ctx, base, key)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	if !ourRemoved {
		ourValue, _, err = v.cs.readValue(ctx, ours, key)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	if !theirRemoved {
		theirValue, _, err = v.cs.readValue(ctx, theirs, key)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return old, ourValue, theirValue, nil
}

func asSet(keys []string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, key := range keys {
		set[key] = true
	}
	return set
}
