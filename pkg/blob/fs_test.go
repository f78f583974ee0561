package blob

import (
	"context"
	"errors"
	"testing"
)

func TestFSPutGetDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := store.Put(ctx, "2026/03/01/run.json", []byte(`{"x":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := store.Get(ctx, "2026/03/01/run.json")
	if err != nil || string(data) != `{"x":1}` {
		t.Fatalf("get: (%s, %v)", data, err)
	}

	if err := store.Delete(ctx, "2026/03/01/run.json"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "2026/03/01/run.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// Deleting again is a no-op.
	if err := store.Delete(ctx, "2026/03/01/run.json"); err != nil {
		t.Fatalf("double delete: %v", err)
	}
}

func TestFSListByPrefix(t *testing.T) {
	ctx := context.Background()
	store, _ := NewFS(t.TempDir())

	_ = store.Put(ctx, "2026/03/01/a.md", []byte("a"))
	_ = store.Put(ctx, "2026/03/01/b.md", []byte("bb"))
	_ = store.Put(ctx, "2026/03/02/c.md", []byte("ccc"))

	infos, err := store.List(ctx, "2026/03/01/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 blobs, got %d", len(infos))
	}
	for _, info := range infos {
		if info.Size == 0 {
			t.Fatalf("missing size for %s", info.Name)
		}
	}

	all, err := store.List(ctx, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("list all: (%d, %v)", len(all), err)
	}
}

func TestFSRejectsEscapes(t *testing.T) {
	ctx := context.Background()
	store, _ := NewFS(t.TempDir())

	for _, name := range []string{"../escape", "/abs/path", "a/../../b"} {
		if err := store.Put(ctx, name, []byte("x")); err == nil {
			t.Errorf("Put(%q) should fail", name)
		}
	}
}
