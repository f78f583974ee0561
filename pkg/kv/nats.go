package kv

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// NATS adapts a JetStream KeyValue bucket to the Store interface. JetStream
// gives us the two conditional writes the lease protocol requires: Create
// (if-none-match) and Update at a revision (if-match).
type NATS struct {
	kv jetstream.KeyValue
}

// NewNATS opens (or creates) a KeyValue bucket. A non-zero ttl ages entries
// out automatically, which is how the dedup window is enforced.
func NewNATS(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (*NATS, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, err
	}
	return &NATS{kv: kv}, nil
}

func (n *NATS) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := n.kv.Create(ctx, key, value)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return 0, ErrExists
	}
	return rev, err
}

func (n *NATS) Get(ctx context.Context, key string) (Entry, error) {
	e, err := n.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	return Entry{Value: e.Value(), Revision: e.Revision()}, nil
}

func (n *NATS) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := n.kv.Update(ctx, key, value, revision)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return 0, ErrNotFound
		}
		// JetStream reports a stale revision as a wrong-sequence error.
		return 0, ErrRevisionMismatch
	}
	return rev, nil
}

func (n *NATS) Delete(ctx context.Context, key string) error {
	return n.kv.Purge(ctx, key)
}

func (n *NATS) DeleteRevision(ctx context.Context, key string, revision uint64) error {
	err := n.kv.Delete(ctx, key, jetstream.LastRevision(revision))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return ErrNotFound
		}
		// JetStream reports a stale revision as a wrong-sequence error.
		return ErrRevisionMismatch
	}
	return nil
}

func (n *NATS) Keys(ctx context.Context) ([]string, error) {
	lister, err := n.kv.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	var keys []string
	for k := range lister.Keys() {
		keys = append(keys, k)
	}
	return keys, nil
}
