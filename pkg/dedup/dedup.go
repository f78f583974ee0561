// Package dedup suppresses repeated content inside a sliding window. Keys
// are SHA-256 hashes over the canonically normalized (title, body) pair;
// values record when the content was first seen. Storage failures fail open:
// a duplicate article is cheaper than a stalled pipeline.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/emberpress/emberpress/pkg/kv"
)

// DefaultWindow is the dedup retention when none is configured.
const DefaultWindow = 14 * 24 * time.Hour

// record is the stored value for one content hash.
type record struct {
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// Store tracks content hashes over a sliding window.
type Store struct {
	kv     kv.Store
	window time.Duration
	now    func() time.Time
}

// New creates a Store over the given KV backend.
func New(backend kv.Store, window time.Duration) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Store{kv: backend, window: window, now: time.Now}
}

// Normalize canonicalizes text for hashing: lowercase, punctuation stripped,
// whitespace collapsed. Idempotent.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsSpace(r):
			space = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			// dropped
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Hash returns the dedup key for a (title, body) pair.
func Hash(title, body string) string {
	h := sha256.Sum256([]byte(Normalize(title) + "\n" + Normalize(body)))
	return hex.EncodeToString(h[:])
}

// Seen reports whether hash is present and unexpired. Store errors are
// returned so the caller can log them, but a (false, err) answer means
// "proceed": dedup is fail-open.
func (s *Store) Seen(ctx context.Context, hash string) (bool, error) {
	entry, err := s.kv.Get(ctx, hash)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	var rec record
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return false, err
	}
	if s.now().UTC().Sub(rec.FirstSeenAt) > s.window {
		// Lazy eviction for backends without native TTL.
		_ = s.kv.Delete(ctx, hash)
		return false, nil
	}
	return true, nil
}

// Mark records hash as seen now. Marking an already-present hash is a no-op;
// the first sighting wins.
func (s *Store) Mark(ctx context.Context, hash string) error {
	body, err := json.Marshal(record{FirstSeenAt: s.now().UTC()})
	if err != nil {
		return err
	}
	_, err = s.kv.Create(ctx, hash, body)
	if errors.Is(err, kv.ErrExists) {
		return nil
	}
	return err
}

// Sweep drops expired entries. Backends with native TTL make this a cheap
// safety net rather than the primary eviction path.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return 0, err
	}
	evicted := 0
	cutoff := s.now().UTC().Add(-s.window)
	for _, k := range keys {
		entry, err := s.kv.Get(ctx, k)
		if err != nil {
			continue
		}
		var rec record
		if err := json.Unmarshal(entry.Value, &rec); err != nil || rec.FirstSeenAt.Before(cutoff) {
			if s.kv.Delete(ctx, k) == nil {
				evicted++
			}
		}
	}
	return evicted, nil
}
