package vkv

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Namespaced is a key-prefixed view over a Store. Keys are stored as
// "<namespace>/<key>"; wrapping a Namespaced nests the prefixes.
// Branch and commit operations pass straight through to the wrapped
// store: namespaces share history.
type Namespaced struct {
	store     Store
	namespace string
}

// NewNamespaced wraps store in a namespace. The namespace must not
// contain '/'.
func NewNamespaced(store Store, namespace string) (*Namespaced, error) {
	if namespace == "" {
		return nil, fmt.Errorf("%w: empty namespace", ErrInvalidArgument)
	}
	if strings.Contains(namespace, "/") {
		return nil, fmt.Errorf("%w: namespace %q contains '/'", ErrInvalidArgument, namespace)
	}
	if parent, ok := store.(*Namespaced); ok {
		namespace = parent.namespace + "/" + namespace
		store = parent.store
	}
	return &Namespaced{store: store, namespace: namespace}, nil
}

// Namespace returns the full (possibly nested) prefix.
func (n *Namespaced) Namespace() string { return n.namespace }

func (n *Namespaced) prefixed(key string) string {
	return n.namespace + "/" + key
}

// Get reads a key from the namespaced view.
func (n *Namespaced) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return n.store.Get(ctx, n.prefixed(key))
}

// GetMany reads the given keys from the namespaced view.
func (n *Namespaced) GetMany(ctx context.Context, keys ...string) (map[string][]byte, error) {
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = n.prefixed(key)
	}
	raw, err := n.store.GetMany(ctx, prefixed...)
	if err != nil {
		return nil, err
	}
	result := make(map[string][]byte, len(raw))
	for key, value := range raw {
		result[strings.TrimPrefix(key, n.namespace+"/")] = value
	}
	return result, nil
}

// Keys returns the direct child keys in this namespace, sorted.
func (n *Namespaced) Keys(ctx context.Context) ([]string, error) {
	all, err := n.store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	prefix := n.namespace + "/"
	var keys []string
	for _, key := range all {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		remainder := strings.TrimPrefix(key, prefix)
		if remainder != "" && !strings.Contains(remainder, "/") {
			keys = append(keys, remainder)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// DescendantKeys returns all keys under this namespace, including
// nested namespaces, sorted.
func (n *Namespaced) DescendantKeys(ctx context.Context) ([]string, error) {
	all, err := n.store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	prefix := n.namespace + "/"
	var keys []string
	for _, key := range all {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, strings.TrimPrefix(key, prefix))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Contains reports whether key is visible in the namespaced view.
func (n *Namespaced) Contains(ctx context.Context, key string) (bool, error) {
	return n.store.Contains(ctx, n.prefixed(key))
}

// Set stages a key-value pair in the namespaced view.
func (n *Namespaced) Set(key string, value []byte) {
	n.store.Set(n.prefixed(key), value)
}

// Remove stages a key removal in the namespaced view.
func (n *Namespaced) Remove(key string) {
	n.store.Remove(n.prefixed(key))
}

// Commit flushes the wrapped store's staged changes (all namespaces
// share one buffer and one commit).
func (n *Namespaced) Commit(ctx context.Context, opts *CommitOptions) (MergeResult, error) {
	return n.store.Commit(ctx, opts)
}

// Reset discards the wrapped store's staged changes.
func (n *Namespaced) Reset() { n.store.Reset() }

// SetMergeFn registers a resolver for a namespaced key.
func (n *Namespaced) SetMergeFn(key string, fn MergeFn) {
	n.store.SetMergeFn(n.prefixed(key), fn)
}

// SetDefaultMerge registers a store-wide default resolver.
func (n *Namespaced) SetDefaultMerge(fn MergeFn) { n.store.SetDefaultMerge(fn) }

// SetContentType registers a ContentType's merge behavior for a
// namespaced key.
func (n *Namespaced) SetContentType(key string, ct ContentType) {
	n.store.SetMergeFn(n.prefixed(key), ct.MergeFn())
}

// CreateBranch forks the current commit onto a new branch, returning
// the same namespaced view of it.
func (n *Namespaced) CreateBranch(ctx context.Context, name string) (Store, error) {
	forked, err := n.store.CreateBranch(ctx, name)
	if err != nil {
		return nil, err
	}
	return &Namespaced{store: forked, namespace: n.namespace}, nil
}

// Checkout returns the same namespaced view positioned at commitID.
func (n *Namespaced) Checkout(ctx context.Context, commitID, branch string) (Store, error) {
	checked, err := n.store.Checkout(ctx, commitID, branch)
	if err != nil {
		return nil, err
	}
	return &Namespaced{store: checked, namespace: n.namespace}, nil
}

// SwitchBranch rebinds the wrapped store to another branch.
func (n *Namespaced) SwitchBranch(ctx context.Context, name string) error {
	return n.store.SwitchBranch(ctx, name)
}

// ListBranches returns all branch names in the store, sorted.
func (n *Namespaced) ListBranches(ctx context.Context) ([]string, error) {
	return n.store.ListBranches(ctx)
}

// CurrentCommit returns the wrapped store's current commit id.
func (n *Namespaced) CurrentCommit() string { return n.store.CurrentCommit() }

// BaseCommit returns the wrapped store's base commit id.
func (n *Namespaced) BaseCommit() string { return n.store.BaseCommit() }
