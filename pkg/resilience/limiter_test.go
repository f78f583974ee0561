package resilience

import (
	"context"
	"testing"
	"time"
)

func TestLimiterAllowRefills(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(LimiterOpts{QPM: 60, Burst: 2})
	l.now = func() time.Time { return now }

	if !l.Allow() || !l.Allow() {
		t.Fatalf("burst of 2 should allow 2")
	}
	if l.Allow() {
		t.Fatalf("bucket should be empty")
	}

	// 60 QPM refills one token per second.
	now = now.Add(time.Second)
	if !l.Allow() {
		t.Fatalf("expected a token after 1s")
	}
	if l.Allow() {
		t.Fatalf("only one token should have refilled")
	}
}

func TestLimiterBackoffEscalates(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(LimiterOpts{QPM: 600, Burst: 10, BackoffBase: 2 * time.Second, BackoffMax: 300 * time.Second})
	l.now = func() time.Time { return now }

	l.ReportFailure(0)
	if l.Allow() {
		t.Fatalf("backoff window should block")
	}
	now = now.Add(2 * time.Second)
	if !l.Allow() {
		t.Fatalf("first backoff is 2s")
	}

	// Second consecutive failure doubles the window.
	l.ReportFailure(0)
	now = now.Add(2 * time.Second)
	if l.Allow() {
		t.Fatalf("second backoff should be 4s, still blocked at 2s")
	}
	now = now.Add(2 * time.Second)
	if !l.Allow() {
		t.Fatalf("4s elapsed, should pass")
	}
}

func TestLimiterBackoffCapped(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(LimiterOpts{QPM: 600, Burst: 10, BackoffBase: 2 * time.Second, BackoffMax: 300 * time.Second})
	l.now = func() time.Time { return now }

	for i := 0; i < 12; i++ {
		l.ReportFailure(0)
	}
	now = now.Add(300 * time.Second)
	if !l.Allow() {
		t.Fatalf("backoff must cap at 300s")
	}
}

func TestLimiterHonorsRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(LimiterOpts{QPM: 600, Burst: 10, BackoffBase: 2 * time.Second, BackoffMax: 300 * time.Second})
	l.now = func() time.Time { return now }

	l.ReportFailure(45 * time.Second)
	now = now.Add(44 * time.Second)
	if l.Allow() {
		t.Fatalf("retry-after window still open")
	}
	now = now.Add(time.Second)
	if !l.Allow() {
		t.Fatalf("retry-after elapsed")
	}
}

func TestLimiterSuccessResetsStreak(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(LimiterOpts{QPM: 600, Burst: 10, BackoffBase: 2 * time.Second, BackoffMax: 300 * time.Second})
	l.now = func() time.Time { return now }

	l.ReportFailure(0)
	l.ReportFailure(0)
	if l.Failures() != 2 {
		t.Fatalf("expected 2 failures, got %d", l.Failures())
	}
	l.ReportSuccess()
	if l.Failures() != 0 {
		t.Fatalf("expected reset, got %d", l.Failures())
	}
	if !l.Allow() {
		t.Fatalf("success must clear the backoff window")
	}
}

func TestLimiterWaitRespectsContext(t *testing.T) {
	l := NewLimiter(LimiterOpts{QPM: 1, Burst: 1})
	ctx := context.Background()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err == nil {
		t.Fatalf("expected context deadline, got nil")
	}
}
