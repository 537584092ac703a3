package vkv

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors. Callers match with errors.Is.
var (
	// ErrNotFound indicates a commit, branch, or key does not exist
	// where one was required.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a branch name collision.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidArgument indicates misuse: a branch or namespace
	// containing '/', a user key under a reserved prefix, or a
	// missing required parameter.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConcurrentUpdate indicates a CAS against a branch ref failed
	// because another writer moved it. Refresh and retry.
	ErrConcurrentUpdate = errors.New("concurrent head update")
)

// MergeConflictError reports keys that a three-way merge could not
// resolve: keys contested on both sides with no resolver, plus any
// resolver failures keyed by the key they were resolving.
type MergeConflictError struct {
	Keys        []string
	MergeErrors map[string]error
}

func (e *MergeConflictError) Error() string {
	keys := append([]string(nil), e.Keys...)
	sort.Strings(keys)
	return fmt.Sprintf("merge conflict on keys: %s", strings.Join(keys, ", "))
}

// StorageError wraps a backend failure, or signals a corrupt store
// (e.g. a commit that exists but cannot be decoded).
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op, key string, err error) error {
	return &StorageError{Op: op, Key: key, Err: err}
}
