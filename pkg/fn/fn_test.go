package fn

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func TestResultUnwrap(t *testing.T) {
	v, err := Ok(42).Unwrap()
	if err != nil || v != 42 {
		t.Fatalf("Ok: got (%v, %v)", v, err)
	}

	boom := errors.New("boom")
	_, err = Err[int](boom).Unwrap()
	if !errors.Is(err, boom) {
		t.Fatalf("Err: got %v", err)
	}

	if got := Err[int](boom).UnwrapOr(7); got != 7 {
		t.Fatalf("UnwrapOr: got %d", got)
	}
}

func TestFromPair(t *testing.T) {
	if r := FromPair(1, nil); !r.IsOk() {
		t.Fatalf("expected ok")
	}
	if r := FromPair(0, errors.New("x")); !r.IsErr() {
		t.Fatalf("expected err")
	}
}

func TestCollect(t *testing.T) {
	ok := Collect([]Result[int]{Ok(1), Ok(2)})
	vals, err := ok.Unwrap()
	if err != nil || len(vals) != 2 {
		t.Fatalf("collect ok: (%v, %v)", vals, err)
	}

	boom := errors.New("boom")
	bad := Collect([]Result[int]{Ok(1), Err[int](boom)})
	if _, err := bad.Unwrap(); !errors.Is(err, boom) {
		t.Fatalf("collect err: %v", err)
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	r := Retry(context.Background(), RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond}, func(context.Context) Result[string] {
		attempts++
		if attempts < 3 {
			return Errf[string]("attempt %d", attempts)
		}
		return Ok("done")
	})
	v, err := r.Unwrap()
	if err != nil || v != "done" {
		t.Fatalf("got (%v, %v)", v, err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	attempts := 0
	r := Retry(context.Background(), RetryOpts{
		MaxAttempts: 5,
		InitialWait: time.Millisecond,
		ShouldRetry: func(err error) bool { return !errors.Is(err, fatal) },
	}, func(context.Context) Result[int] {
		attempts++
		return Err[int](fatal)
	})
	if _, err := r.Unwrap(); !errors.Is(err, fatal) {
		t.Fatalf("got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("non-retryable error must stop immediately, got %d attempts", attempts)
	}
}

func TestRetryHonorsDelayHint(t *testing.T) {
	hinted := errors.New("slow down")
	start := time.Now()
	attempts := 0
	_ = Retry(context.Background(), RetryOpts{
		MaxAttempts: 2,
		InitialWait: time.Millisecond,
		MaxWait:     time.Second,
		DelayHint: func(err error) time.Duration {
			if errors.Is(err, hinted) {
				return 50 * time.Millisecond
			}
			return 0
		},
	}, func(context.Context) Result[int] {
		attempts++
		return Err[int](hinted)
	})
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("hint not honored, elapsed %v", elapsed)
	}
}

func TestRetryRespectsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	r := Retry(ctx, RetryOpts{MaxAttempts: 10, InitialWait: time.Second}, func(context.Context) Result[int] {
		return Errf[int]("always")
	})
	if _, err := r.Unwrap(); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestParMapResultOrderAndBound(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := []int{1, 2, 3, 4, 5, 6, 7, 8}
	results := ParMapResult(items, 3, func(n int) Result[string] {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return Ok(strconv.Itoa(n))
	})
	for i, r := range results {
		v, err := r.Unwrap()
		if err != nil || v != strconv.Itoa(items[i]) {
			t.Fatalf("index %d: (%v, %v)", i, v, err)
		}
	}
	if peak.Load() > 3 {
		t.Fatalf("concurrency exceeded bound: %d", peak.Load())
	}
}

func TestUniqueBy(t *testing.T) {
	items := []string{"aa", "ab", "ba", "ac"}
	got := UniqueBy(items, func(s string) byte { return s[0] })
	if len(got) != 2 || got[0] != "aa" || got[1] != "ba" {
		t.Fatalf("got %v", got)
	}
}
