// Package resilience provides the token-bucket rate limiter and circuit
// breaker that sit between the workers and every external API.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned by non-blocking acquisition when no token is
// available.
var ErrRateLimited = errors.New("rate limited")

// LimiterOpts configures the token bucket and its adaptive backoff.
type LimiterOpts struct {
	// QPM is the refill rate in requests per minute.
	QPM int
	// Burst is the bucket capacity. Defaults to 1.
	Burst int
	// BackoffBase is the first backoff step after a failure. Default 2s.
	BackoffBase time.Duration
	// BackoffMax caps the backoff delay. Default 300s.
	BackoffMax time.Duration
}

// Limiter is a token bucket with adaptive backoff. On a reported failure the
// bucket closes for min(max, base * 2^consecutive_failures), or for the
// server's Retry-After when one was provided; any success resets the streak.
// All accounting is behind one mutex, so concurrent callers share the budget
// without corrupting it.
type Limiter struct {
	mu           sync.Mutex
	opts         LimiterOpts
	tokens       float64
	last         time.Time
	failures     int
	backoffUntil time.Time
	now          func() time.Time
}

// NewLimiter creates a Limiter for one external dependency.
func NewLimiter(opts LimiterOpts) *Limiter {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 300 * time.Second
	}
	return &Limiter{
		opts:   opts,
		tokens: float64(opts.Burst),
		now:    time.Now,
	}
}

// ratePerSecond converts QPM to tokens per second.
func (l *Limiter) ratePerSecond() float64 {
	return float64(l.opts.QPM) / 60.0
}

// refill adds tokens based on elapsed time. Must hold mu.
func (l *Limiter) refill() {
	now := l.now()
	if l.last.IsZero() {
		l.last = now
		return
	}
	l.tokens += now.Sub(l.last).Seconds() * l.ratePerSecond()
	if l.tokens > float64(l.opts.Burst) {
		l.tokens = float64(l.opts.Burst)
	}
	l.last = now
}

// Allow takes a token if one is available and no backoff window is open.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.now().Before(l.backoffUntil) {
		return false
	}
	l.refill()
	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx ends. Backoff windows opened
// by ReportFailure extend the wait.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		if now.Before(l.backoffUntil) {
			wait := l.backoffUntil.Sub(now)
			l.mu.Unlock()
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}
		l.refill()
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		deficit := 1.0 - l.tokens
		wait := time.Duration(deficit / l.ratePerSecond() * float64(time.Second))
		l.mu.Unlock()

		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// ReportSuccess resets the failure streak.
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	l.failures = 0
	l.backoffUntil = time.Time{}
	l.mu.Unlock()
}

// ReportFailure opens a backoff window. retryAfter, when positive, is the
// server's own hint and wins over the exponential schedule.
func (l *Limiter) ReportFailure(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures++
	delay := l.opts.BackoffBase << (l.failures - 1)
	if l.failures > 16 || delay > l.opts.BackoffMax || delay <= 0 {
		delay = l.opts.BackoffMax
	}
	if retryAfter > 0 {
		delay = retryAfter
		if delay > l.opts.BackoffMax {
			delay = l.opts.BackoffMax
		}
	}
	l.backoffUntil = l.now().Add(delay)
}

// Failures returns the current consecutive failure count.
func (l *Limiter) Failures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
