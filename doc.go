/*
Package vkv is a versioned, content-addressable key-value engine with
git-like semantics: immutable commits, named branches, three-way merge
with pluggable per-key conflict resolution, and optional size-bounded
garbage collection.

The engine is a library, not a service. It layers a commit DAG and
branch refs over any byte-level Backend whose only synchronization
primitive is compare-and-swap; in-memory, file, and S3 backends are
included, and anything satisfying Backend works.

Commits

A commit is an immutable snapshot of the whole user key map, addressed
by the hash of its canonical serialization: equal content means equal
id, so rewriting a commit is harmless and two writers producing the
same state converge on the same object. Values are opaque byte blobs,
stored content-addressed and shared between commits that carry the
same bytes.

Concurrency

There is no engine-level lock. A successful CAS on a branch ref is
the linearization point for a commit: of two handles advancing the
same branch, exactly one fast-forwards and the other retries through a
three-way merge against the new head, consulting per-key merge
functions for keys both sides changed. Handles may live in one process
or many, as long as the backend's CAS is shared.

Garbage collection

GCVersioned watches the total persisted size of user data after every
advance. Past a high-water mark it rebases the branch: a fresh root
commit retains protected keys and the most recently touched user keys
until the total fits under a low-water mark, and the orphaned history
is swept.
*/
package vkv
