package vkv

import lru "github.com/hashicorp/golang-lru"

// CommitCache caches deserialized commits by id. Commits are
// immutable, so one cache can be shared by any number of handles onto
// the same store. It must not be shared across distinct stores: ids
// from different stores could collide only by digest collision, but a
// cache warmed against one backend would mask missing objects in
// another. The cache is consulted only on loads, never for existence
// checks — orphan cleanup can delete a commit that is still cached,
// so presence must always come from the backend.
type CommitCache interface {
	// Add adds a freshly loaded or persisted commit to the cache.
	Add(key, value interface{})
	// Get retrieves the already-deserialized commit with the given id, if cached.
	Get(key interface{}) (value interface{}, ok bool)
}

// NewCommitCache creates a new LRU-based commit cache of the given size.
func NewCommitCache(size int) CommitCache {
	cache, err := lru.NewARC(size)
	if err != nil {
		panic(err)
	}
	return cache
}
