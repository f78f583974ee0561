package kv

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryCreateRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.Create(ctx, "a", []byte("1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Create(ctx, "a", []byte("2")); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestMemoryUpdateRequiresCurrentRevision(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	rev, err := m.Create(ctx, "a", []byte("1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rev2, err := m.Update(ctx, "a", []byte("2"), rev)
	if err != nil {
		t.Fatalf("update at current revision: %v", err)
	}
	if rev2 == rev {
		t.Fatalf("revision did not advance")
	}

	// Stale revision must lose.
	if _, err := m.Update(ctx, "a", []byte("3"), rev); !errors.Is(err, ErrRevisionMismatch) {
		t.Fatalf("expected ErrRevisionMismatch, got %v", err)
	}

	entry, err := m.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(entry.Value) != "2" {
		t.Fatalf("expected value 2, got %s", entry.Value)
	}
}

func TestMemoryDeleteRevision(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	rev, _ := m.Create(ctx, "a", []byte("1"))
	rev2, _ := m.Update(ctx, "a", []byte("2"), rev)

	// A stale revision must not delete the entry another writer advanced.
	if err := m.DeleteRevision(ctx, "a", rev); !errors.Is(err, ErrRevisionMismatch) {
		t.Fatalf("expected ErrRevisionMismatch, got %v", err)
	}
	if _, err := m.Get(ctx, "a"); err != nil {
		t.Fatalf("stale delete removed the entry: %v", err)
	}

	if err := m.DeleteRevision(ctx, "a", rev2); err != nil {
		t.Fatalf("delete at current revision: %v", err)
	}
	if err := m.DeleteRevision(ctx, "a", rev2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryDeleteAndKeys(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, _ = m.Create(ctx, "a", []byte("1"))
	_, _ = m.Create(ctx, "b", []byte("2"))

	keys, err := m.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}

	if err := m.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
