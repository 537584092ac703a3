package vkv

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// maxTraversal bounds DAG walks so a corrupted store with a parent
// cycle cannot hang the engine.
const maxTraversal = 1 << 20

// DiffResult holds key-level differences between two commits, going
// from the first commit to the second. Comparison is by blob pointer:
// equal pointers imply equal bytes, so no blob reads happen.
type DiffResult struct {
	Added    []string
	Removed  []string
	Modified []string
}

// Changed returns the union of added, removed, and modified keys.
func (d DiffResult) Changed() map[string]bool {
	changed := make(map[string]bool, len(d.Added)+len(d.Removed)+len(d.Modified))
	for _, key := range d.Added {
		changed[key] = true
	}
	for _, key := range d.Removed {
		changed[key] = true
	}
	for _, key := range d.Modified {
		changed[key] = true
	}
	return changed
}

// commitStore is the commit engine: it loads and constructs commit
// objects, reads blobs, and walks history. It holds no mutable state
// of its own; everything lives on the backend or in the cache.
type commitStore struct {
	kv    Backend
	cache CommitCache
	now   func() time.Time
}

func (cs *commitStore) timestamp() float64 {
	return float64(cs.now().UnixNano()) / float64(time.Second)
}

func (cs *commitStore) loadCommit(ctx context.Context, id string) (*Commit, error) {
	if cs.cache != nil {
		if cached, ok := cs.cache.Get(id); ok {
			return cached.(*Commit), nil
		}
	}
	raw, ok, err := cs.kv.Get(ctx, commitPrefix+id)
	if err != nil {
		return nil, storageErr("get", commitPrefix+id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: commit %s", ErrNotFound, id)
	}
	c, err := decodeCommit(id, raw)
	if err != nil {
		return nil, err
	}
	if cs.cache != nil {
		cs.cache.Add(id, c)
	}
	return c, nil
}

// hasCommit consults the backend, not the cache: orphan cleanup can
// delete a commit that is still cached, and a stale positive here
// would make makeCommit skip a write the backend needs.
func (cs *commitStore) hasCommit(ctx context.Context, id string) (bool, error) {
	ok, err := cs.kv.Has(ctx, commitPrefix+id)
	if err != nil {
		return false, storageErr("has", commitPrefix+id, err)
	}
	return ok, nil
}

// makeCommit persists new value blobs and then the commit itself.
// entries is the complete key map the commit should carry; newValues
// are values whose blobs are not yet stored (their pointers are
// derived here and merged into entries). Refs are never touched: the
// commit becomes authoritative only when a caller CASes a ref to it.
// If the computed id already exists, the stored commit is reused.
func (cs *commitStore) makeCommit(
	ctx context.Context,
	parents []string,
	entries map[string]string,
	newValues map[string][]byte,
	info map[string]string,
) (*Commit, error) {
	blobs := make(map[string][]byte, len(newValues))
	for key, value := range newValues {
		pointer := blobPointer(value)
		entries[key] = pointer
		blobs[dataPrefix+pointer] = value
	}
	if len(blobs) > 0 {
		if err := cs.kv.SetMany(ctx, blobs); err != nil {
			return nil, storageErr("set blobs", "", err)
		}
	}

	c := &Commit{
		Parents:   parents,
		Entries:   entries,
		Info:      info,
		CreatedAt: cs.timestamp(),
	}
	encoded, err := encodeCommit(c)
	if err != nil {
		return nil, err
	}
	c.ID = contentID(encoded)

	exists, err := cs.hasCommit(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := cs.kv.Set(ctx, commitPrefix+c.ID, encoded); err != nil {
			return nil, storageErr("set", commitPrefix+c.ID, err)
		}
	}
	if cs.cache != nil {
		cs.cache.Add(c.ID, c)
	}
	return c, nil
}

// readValue fetches the blob for key in c. ok is false when the
// commit does not carry the key. A pointer that resolves to nothing
// means the store is corrupt.
func (cs *commitStore) readValue(ctx context.Context, c *Commit, key string) ([]byte, bool, error) {
	pointer, ok := c.Entries[key]
	if !ok {
		return nil, false, nil
	}
	value, ok, err := cs.kv.Get(ctx, dataPrefix+pointer)
	if err != nil {
		return nil, false, storageErr("get", dataPrefix+pointer, err)
	}
	if !ok {
		return nil, false, storageErr("get", dataPrefix+pointer,
			fmt.Errorf("commit %s references missing blob for key %q", c.ID, key))
	}
	return value, true, nil
}

// history walks commits newest to oldest starting at id, invoking f
// for each until f returns keepGoing==false or an error. With
// allParents it is a breadth-first walk of the whole DAG,
// de-duplicated; otherwise it follows first parents only. Calling it
// again restarts the walk.
func (cs *commitStore) history(ctx context.Context, id string, allParents bool, f func(id string) (bool, error)) error {
	if !allParents {
		current := id
		for steps := 0; current != ""; steps++ {
			if steps > maxTraversal {
				return storageErr("history", commitPrefix+id, fmt.Errorf("parent chain exceeds %d commits", maxTraversal))
			}
			keepGoing, err := f(current)
			if err != nil {
				return err
			}
			if !keepGoing {
				return nil
			}
			c, err := cs.loadCommit(ctx, current)
			if err != nil {
				return err
			}
			if len(c.Parents) == 0 {
				return nil
			}
			current = c.Parents[0]
		}
		return nil
	}

	visited := map[string]bool{}
	queue := []string{id}
	for len(queue) > 0 {
		if len(visited) > maxTraversal {
			return storageErr("history", commitPrefix+id, fmt.Errorf("DAG exceeds %d commits", maxTraversal))
		}
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true
		keepGoing, err := f(current)
		if err != nil {
			return err
		}
		if !keepGoing {
			return nil
		}
		c, err := cs.loadCommit(ctx, current)
		if err != nil {
			return err
		}
		for _, parent := range c.Parents {
			if !visited[parent] {
				queue = append(queue, parent)
			}
		}
	}
	return nil
}

// diff compares the key maps of two commits by pointer equality.
func (cs *commitStore) diff(ctx context.Context, a, b string) (DiffResult, error) {
	commitA, err := cs.loadCommit(ctx, a)
	if err != nil {
		return DiffResult{}, err
	}
	commitB, err := cs.loadCommit(ctx, b)
	if err != nil {
		return DiffResult{}, err
	}

	var result DiffResult
	for key, pointerB := range commitB.Entries {
		pointerA, ok := commitA.Entries[key]
		if !ok {
			result.Added = append(result.Added, key)
		} else if pointerA != pointerB {
			result.Modified = append(result.Modified, key)
		}
	}
	for key := range commitA.Entries {
		if _, ok := commitB.Entries[key]; !ok {
			result.Removed = append(result.Removed, key)
		}
	}
	sort.Strings(result.Added)
	sort.Strings(result.Removed)
	sort.Strings(result.Modified)
	return result, nil
}

// lca finds the lowest common ancestor of two commits with an
// interleaved breadth-first walk from both. Returns "" when the
// commits share no history, which cannot arise for commits produced
// within the same store.
func (cs *commitStore) lca(ctx context.Context, a, b string) (string, error) {
	if a == b {
		return a, nil
	}

	seenA := map[string]bool{a: true}
	seenB := map[string]bool{b: true}
	queueA := []string{a}
	queueB := []string{b}

	for len(queueA) > 0 || len(queueB) > 0 {
		if len(seenA)+len(seenB) > maxTraversal {
			return "", storageErr("lca", "", fmt.Errorf("DAG exceeds %d commits", maxTraversal))
		}
		if len(queueA) > 0 {
			current := queueA[0]
			queueA = queueA[1:]
			if seenB[current] {
				return current, nil
			}
			c, err := cs.loadCommit(ctx, current)
			if err != nil {
				return "", err
			}
			for _, parent := range c.Parents {
				if !seenA[parent] {
					seenA[parent] = true
					queueA = append(queueA, parent)
					if seenB[parent] {
						return parent, nil
					}
				}
			}
		}
		if len(queueB) > 0 {
			current := queueB[0]
			queueB = queueB[1:]
			if seenA[current] {
				return current, nil
			}
			c, err := cs.loadCommit(ctx, current)
			if err != nil {
				return "", err
			}
			for _, parent := range c.Parents {
				if !seenB[parent] {
					seenB[parent] = true
					queueB = append(queueB, parent)
					if seenA[parent] {
						return parent, nil
					}
				}
			}
		}
	}
	return "", nil
}
