package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/emberpress/emberpress/pkg/kv"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Hello, World!", "hello world"},
		{"  spaced   out  ", "spaced out"},
		{"MiXeD CaSe", "mixed case"},
		{"emoji 🚀 stays? no", "emoji stays no"},
		{"", ""},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	in := "A  Title: with punctuation!!"
	once := Normalize(in)
	if twice := Normalize(once); twice != once {
		t.Fatalf("not idempotent: %q vs %q", once, twice)
	}
}

func TestHashEquivalentContent(t *testing.T) {
	a := Hash("Breaking News!", "Something happened.")
	b := Hash("breaking news", "something happened")
	if a != b {
		t.Fatalf("equivalent content hashed differently")
	}
	c := Hash("Breaking News!", "Something else happened.")
	if a == c {
		t.Fatalf("different content hashed identically")
	}
}

func TestSeenWithinWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := New(kv.NewMemory(), 14*24*time.Hour)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	h := Hash("title", "body")
	seen, err := s.Seen(ctx, h)
	if err != nil || seen {
		t.Fatalf("fresh hash: seen=%v err=%v", seen, err)
	}

	if err := s.Mark(ctx, h); err != nil {
		t.Fatalf("mark: %v", err)
	}
	seen, err = s.Seen(ctx, h)
	if err != nil || !seen {
		t.Fatalf("marked hash: seen=%v err=%v", seen, err)
	}

	// 13 days later: still inside the window.
	now = now.Add(13 * 24 * time.Hour)
	if seen, _ = s.Seen(ctx, h); !seen {
		t.Fatalf("expected seen at day 13")
	}

	// 15 days later: expired, lazily evicted.
	now = now.Add(2 * 24 * time.Hour)
	if seen, _ = s.Seen(ctx, h); seen {
		t.Fatalf("expected expired at day 15")
	}
}

func TestMarkFirstSightingWins(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := New(kv.NewMemory(), 14*24*time.Hour)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	h := Hash("title", "body")
	if err := s.Mark(ctx, h); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	now = now.Add(10 * 24 * time.Hour)
	if err := s.Mark(ctx, h); err != nil {
		t.Fatalf("re-mark: %v", err)
	}

	// Window counts from the FIRST sighting: 5 more days crosses it.
	now = now.Add(5 * 24 * time.Hour)
	if seen, _ := s.Seen(ctx, h); seen {
		t.Fatalf("re-mark must not extend the window")
	}
}

func TestSweepEvictsExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := New(kv.NewMemory(), 14*24*time.Hour)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_ = s.Mark(ctx, "old")
	now = now.Add(10 * 24 * time.Hour)
	_ = s.Mark(ctx, "recent")
	now = now.Add(5 * 24 * time.Hour)

	evicted, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("expected 1 evicted, got %d", evicted)
	}
	if seen, _ := s.Seen(ctx, "recent"); !seen {
		t.Fatalf("recent entry must survive the sweep")
	}
}
