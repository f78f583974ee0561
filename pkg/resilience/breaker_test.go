package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerTripsAndRecovers(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBreaker(BreakerOpts{FailThreshold: 2, Timeout: 30 * time.Second, HalfOpenMax: 1})
	b.now = func() time.Time { return now }
	ctx := context.Background()
	boom := errors.New("boom")

	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}

	_ = b.Call(ctx, func(context.Context) error { return boom })
	_ = b.Call(ctx, func(context.Context) error { return boom })
	if b.State() != StateOpen {
		t.Fatalf("expected open after threshold, got %v", b.State())
	}
	if err := b.Call(ctx, func(context.Context) error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	now = now.Add(31 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after timeout, got %v", b.State())
	}
	if err := b.Call(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe call: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %v", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: 10 * time.Second, HalfOpenMax: 1})
	b.now = func() time.Time { return now }
	ctx := context.Background()
	boom := errors.New("boom")

	_ = b.Call(ctx, func(context.Context) error { return boom })
	now = now.Add(11 * time.Second)
	_ = b.Call(ctx, func(context.Context) error { return boom })
	if b.State() != StateOpen {
		t.Fatalf("expected reopen after failed probe, got %v", b.State())
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	ctx := context.Background()
	boom := errors.New("boom")

	_ = b.Call(ctx, func(context.Context) error { return boom })
	_ = b.Call(ctx, func(context.Context) error { return boom })
	_ = b.Call(ctx, func(context.Context) error { return nil })
	_ = b.Call(ctx, func(context.Context) error { return boom })
	_ = b.Call(ctx, func(context.Context) error { return boom })
	if b.State() != StateClosed {
		t.Fatalf("expected closed, success should reset the streak")
	}
}
