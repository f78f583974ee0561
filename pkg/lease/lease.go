// Package lease implements the exclusive, time-bounded claim a worker holds
// on a topic while processing it. A lease is a small record in a CAS store:
// acquisition is create-if-absent, reclamation of an expired lease is
// replace-at-revision, so at most one writer ever wins a claim.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/emberpress/emberpress/pkg/kv"
)

// ErrHeld is returned when another worker holds an unexpired lease.
var ErrHeld = errors.New("lease: held by another owner")

// DefaultTTL is the lease duration when none is configured.
const DefaultTTL = 15 * time.Minute

// Record is the stored lease body.
type Record struct {
	TopicID    string    `json:"topic_id"`
	OwnerID    string    `json:"owner_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Attempt    int       `json:"attempt_number"`
}

// Manager acquires, renews, and releases leases for one worker identity.
type Manager struct {
	store kv.Store
	owner string
	ttl   time.Duration
	now   func() time.Time
}

// NewManager creates a Manager. owner must be unique per worker replica.
func NewManager(store kv.Store, owner string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: store, owner: owner, ttl: ttl, now: time.Now}
}

// Lease is a held claim. It is bound to the revision the claim was written
// at, so a renewal or release after loss of ownership fails instead of
// clobbering the new owner's record.
type Lease struct {
	m        *Manager
	rec      Record
	revision uint64
}

// Record returns a copy of the current lease body.
func (l *Lease) Record() Record { return l.rec }

// key is the blob path of a topic's lease record.
func key(topicID string) string {
	return "leases." + topicID
}

// Acquire claims topicID. The state machine: Free → create; Expired →
// replace at the observed revision; Held → ErrHeld. Both writes are
// conditional, so concurrent claimants serialize on the store.
func (m *Manager) Acquire(ctx context.Context, topicID string) (*Lease, error) {
	now := m.now().UTC()
	rec := Record{
		TopicID:    topicID,
		OwnerID:    m.owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
		Attempt:    1,
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	rev, err := m.store.Create(ctx, key(topicID), body)
	if err == nil {
		return &Lease{m: m, rec: rec, revision: rev}, nil
	}
	if !errors.Is(err, kv.ErrExists) {
		return nil, fmt.Errorf("lease acquire %s: %w", topicID, err)
	}

	// Key present: held or expired.
	entry, err := m.store.Get(ctx, key(topicID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			// Released between our Create and Get; let the caller retry.
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("lease read %s: %w", topicID, err)
	}
	var current Record
	if err := json.Unmarshal(entry.Value, &current); err != nil {
		return nil, fmt.Errorf("lease decode %s: %w", topicID, err)
	}
	if now.Before(current.ExpiresAt) {
		return nil, ErrHeld
	}

	// Expired: reclaim at the observed revision.
	rec.Attempt = current.Attempt + 1
	body, err = json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	rev, err = m.store.Update(ctx, key(topicID), body, entry.Revision)
	if err != nil {
		// Someone else reclaimed first.
		return nil, ErrHeld
	}
	return &Lease{m: m, rec: rec, revision: rev}, nil
}

// Renew extends the lease by a full TTL. Call at TTL/2 during long work.
func (l *Lease) Renew(ctx context.Context) error {
	now := l.m.now().UTC()
	l.rec.ExpiresAt = now.Add(l.m.ttl)
	body, err := json.Marshal(l.rec)
	if err != nil {
		return err
	}
	rev, err := l.m.store.Update(ctx, key(l.rec.TopicID), body, l.revision)
	if err != nil {
		return fmt.Errorf("lease renew %s: %w", l.rec.TopicID, err)
	}
	l.revision = rev
	return nil
}

// Release frees the lease. The delete is conditioned on the revision this
// claim was written at, so a release racing a reclaim can never remove the
// new owner's record. A lost claim releases as a no-op.
func (l *Lease) Release(ctx context.Context) error {
	err := l.m.store.DeleteRevision(ctx, key(l.rec.TopicID), l.revision)
	if errors.Is(err, kv.ErrNotFound) || errors.Is(err, kv.ErrRevisionMismatch) {
		return nil
	}
	return err
}

// KeepAlive renews the lease every ttl/2 until ctx ends. It returns when the
// context is cancelled or a renewal fails (meaning the claim is lost).
func (l *Lease) KeepAlive(ctx context.Context) error {
	interval := l.m.ttl / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.Renew(ctx); err != nil {
				return err
			}
		}
	}
}
