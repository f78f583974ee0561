package collect

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/emberpress/emberpress/engine/domain"
	"github.com/emberpress/emberpress/engine/sources"
	"github.com/emberpress/emberpress/pkg/blob"
	"github.com/emberpress/emberpress/pkg/dedup"
	"github.com/emberpress/emberpress/pkg/kv"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	err  error
}

func (f *fakePublisher) PublishMsg(_ context.Context, msg *nats.Msg, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, msg)
	return &jetstream.PubAck{}, nil
}

func staticAdapter(kind sources.Kind, items []domain.CollectedItem, err error) sources.Adapter {
	return sources.Adapter{
		Kind: kind,
		Fetch: func(context.Context, sources.Spec) ([]domain.CollectedItem, error) {
			return items, err
		},
	}
}

func redditItem(id, title string, score, comments int) domain.CollectedItem {
	return domain.CollectedItem{
		ID:          "reddit_" + id,
		Title:       title,
		Content:     "Discussion of " + title,
		Source:      "reddit",
		NativeScore: score,
		Comments:    comments,
		CollectedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func newTestCollector(t *testing.T, adapters map[sources.Kind]sources.Adapter, maxArticles int) (*Collector, *fakePublisher, blob.Store) {
	t.Helper()
	store, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	pub := &fakePublisher{}
	c := New(Deps{
		Adapters:    adapters,
		Dedup:       dedup.New(kv.NewMemory(), 14*24*time.Hour),
		Collected:   store,
		JS:          pub,
		MaxArticles: maxArticles,
	})
	c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return c, pub, store
}

func TestCollectPersistsThenFansOut(t *testing.T) {
	adapters := sources.Table(
		staticAdapter(sources.KindReddit, []domain.CollectedItem{
			redditItem("a", "Linker Rewrite Lands", 120, 40),
			redditItem("b", "Tiny Patch Release", 3, 0),
		}, nil),
	)
	c, pub, store := newTestCollector(t, adapters, 0)

	stats, err := c.Collect(context.Background(), []sources.Spec{{Kind: sources.KindReddit}}, QualitySpec{MinScoreReddit: 25})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if stats.Collected != 2 || stats.Published != 1 || stats.RejectedQuality != 1 {
		t.Fatalf("stats: %+v", stats)
	}

	blobs, err := store.List(context.Background(), "2026/03/01/")
	if err != nil || len(blobs) != 1 {
		t.Fatalf("collection blob: (%v, %v)", blobs, err)
	}
	data, _ := store.Get(context.Background(), blobs[0].Name)
	var record domain.CollectionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(record.Items) != 1 || record.Items[0].ID != "reddit_a" {
		t.Fatalf("record items: %+v", record.Items)
	}

	if len(pub.msgs) != 1 {
		t.Fatalf("expected 1 topic message, got %d", len(pub.msgs))
	}
	var env domain.QueueMessage
	_ = json.Unmarshal(pub.msgs[0].Data, &env)
	payload, err := domain.DecodePayload[domain.TopicPayload](env)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.TopicID != "reddit_a" || payload.CollectionBlob != blobs[0].Name {
		t.Fatalf("payload: %+v", payload)
	}
	if payload.PriorityScore != 200 {
		t.Fatalf("priority: %v", payload.PriorityScore)
	}
}

func TestCollectDedupAcrossRuns(t *testing.T) {
	adapters := sources.Table(
		staticAdapter(sources.KindReddit, []domain.CollectedItem{
			redditItem("a", "Linker Rewrite Lands", 120, 40),
		}, nil),
	)
	c, pub, _ := newTestCollector(t, adapters, 0)
	ctx := context.Background()
	quality := QualitySpec{MinScoreReddit: 25}

	if _, err := c.Collect(ctx, []sources.Spec{{Kind: sources.KindReddit}}, quality); err != nil {
		t.Fatalf("first run: %v", err)
	}
	stats, err := c.Collect(ctx, []sources.Spec{{Kind: sources.KindReddit}}, quality)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.Published != 0 || stats.RejectedDedup != 1 {
		t.Fatalf("dedup stats: %+v", stats)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("duplicate enqueued: %d messages", len(pub.msgs))
	}
}

func TestCollectSourceFailureIsIsolated(t *testing.T) {
	adapters := sources.Table(
		staticAdapter(sources.KindReddit, []domain.CollectedItem{
			redditItem("a", "Linker Rewrite Lands", 120, 40),
		}, nil),
		staticAdapter(sources.KindMastodon, nil, errors.New("instance down")),
	)
	c, _, store := newTestCollector(t, adapters, 0)

	specs := []sources.Spec{{Kind: sources.KindReddit}, {Kind: sources.KindMastodon}}
	stats, err := c.Collect(context.Background(), specs, QualitySpec{MinScoreReddit: 25})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if stats.Published != 1 {
		t.Fatalf("healthy source lost: %+v", stats)
	}

	blobs, _ := store.List(context.Background(), "")
	data, _ := store.Get(context.Background(), blobs[0].Name)
	var record domain.CollectionRecord
	_ = json.Unmarshal(data, &record)
	foundFailure := false
	for _, o := range record.Sources {
		if o.Source == "mastodon" && o.Error != "" {
			foundFailure = true
		}
	}
	if !foundFailure {
		t.Fatalf("failed source outcome not recorded: %+v", record.Sources)
	}
}

func TestCollectCapsByPriority(t *testing.T) {
	adapters := sources.Table(
		staticAdapter(sources.KindReddit, []domain.CollectedItem{
			redditItem("low", "Low Priority Topic", 30, 0),
			redditItem("high", "High Priority Topic", 500, 100),
		}, nil),
	)
	c, pub, _ := newTestCollector(t, adapters, 1)

	stats, err := c.Collect(context.Background(), []sources.Spec{{Kind: sources.KindReddit}}, QualitySpec{MinScoreReddit: 25})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if stats.Published != 1 || stats.RejectedCap != 1 {
		t.Fatalf("cap stats: %+v", stats)
	}
	var env domain.QueueMessage
	_ = json.Unmarshal(pub.msgs[0].Data, &env)
	payload, _ := domain.DecodePayload[domain.TopicPayload](env)
	if payload.TopicID != "reddit_high" {
		t.Fatalf("cap kept the wrong item: %s", payload.TopicID)
	}
}

func TestCollectInRunDuplicatesCollapse(t *testing.T) {
	adapters := sources.Table(
		staticAdapter(sources.KindReddit, []domain.CollectedItem{
			redditItem("a", "Same Story", 120, 40),
			redditItem("b", "Same Story", 80, 10),
		}, nil),
	)
	c, pub, _ := newTestCollector(t, adapters, 0)

	stats, err := c.Collect(context.Background(), []sources.Spec{{Kind: sources.KindReddit}}, QualitySpec{MinScoreReddit: 25})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if stats.Published != 1 || len(pub.msgs) != 1 {
		t.Fatalf("in-run duplicate survived: %+v", stats)
	}
}
