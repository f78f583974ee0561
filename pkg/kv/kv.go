// Package kv abstracts the compare-and-swap key-value primitive the lease
// manager and dedup store are built on: create-if-absent and
// replace-if-revision-matches, the only coordination the blob plane needs.
package kv

import (
	"context"
	"errors"
)

var (
	// ErrExists is returned by Create when the key is already present.
	ErrExists = errors.New("kv: key exists")
	// ErrNotFound is returned by Get and Update when the key is absent.
	ErrNotFound = errors.New("kv: key not found")
	// ErrRevisionMismatch is returned by Update when the revision is stale.
	ErrRevisionMismatch = errors.New("kv: revision mismatch")
)

// Entry is a value with its current revision.
type Entry struct {
	Value    []byte
	Revision uint64
}

// Store is a CAS-capable key-value store.
type Store interface {
	// Create writes value only if key is absent, returning the new revision.
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	// Get returns the current entry for key.
	Get(ctx context.Context, key string) (Entry, error)
	// Update replaces value only if revision matches the current one.
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	// Delete removes key unconditionally.
	Delete(ctx context.Context, key string) error
	// DeleteRevision removes key only if revision matches the current one.
	DeleteRevision(ctx context.Context, key string, revision uint64) error
	// Keys lists all keys, unordered.
	Keys(ctx context.Context) ([]string, error)
}
