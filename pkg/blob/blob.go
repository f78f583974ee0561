// Package blob is the pipeline's shared data plane: named byte blobs under
// deterministic keys. Every stage writes its artifacts here and emits queue
// messages that reference committed blobs, never payloads.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a blob does not exist.
var ErrNotFound = errors.New("blob: not found")

// Info describes a stored blob.
type Info struct {
	Name string
	Size int64
}

// Store is a flat namespace of blobs. Writes are full overwrites; identical
// inputs must produce byte-identical blobs, which makes re-execution safe.
type Store interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Delete(ctx context.Context, name string) error
}
