// Package collect implements the collector worker: fan sources out in
// parallel, gate and dedup the results, persist one audit blob per run, and
// emit one topic message per accepted item.
package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/emberpress/emberpress/engine/domain"
	"github.com/emberpress/emberpress/engine/sources"
	"github.com/emberpress/emberpress/pkg/blob"
	"github.com/emberpress/emberpress/pkg/dedup"
	"github.com/emberpress/emberpress/pkg/fn"
	"github.com/emberpress/emberpress/pkg/natsutil"
)

// ServiceName identifies the collector in envelopes and logs.
const ServiceName = "collector"

// fetchParallelism caps concurrent source fetches.
const fetchParallelism = 3

// Deps are the collector's external collaborators.
type Deps struct {
	Adapters  map[sources.Kind]sources.Adapter
	Dedup     *dedup.Store
	Collected blob.Store
	JS        natsutil.Publisher
	Logger    *slog.Logger

	// MaxArticles caps how many items one run may enqueue; the highest
	// priority items win. Zero means no cap.
	MaxArticles int
}

// Collector drives one collection run.
type Collector struct {
	deps Deps
	log  *slog.Logger
	now  func() time.Time
}

// New creates a Collector.
func New(deps Deps) *Collector {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Collector{deps: deps, log: log, now: time.Now}
}

// sourceResult pairs one source's items with its outcome record.
type sourceResult struct {
	items   []domain.CollectedItem
	outcome domain.SourceOutcome
}

// Collect runs the full pipeline for the given source specs: fetch in
// parallel with independent failure domains, gate, dedup, persist the
// collection blob, then fan out one message per accepted item. The blob is
// committed before any message; an already-enqueued prefix is never rolled
// back when fan-out fails partway.
func (c *Collector) Collect(ctx context.Context, specs []sources.Spec, quality QualitySpec) (domain.CollectStats, error) {
	var stats domain.CollectStats

	results := fn.ParMapResult(specs, fetchParallelism, func(spec sources.Spec) fn.Result[sourceResult] {
		adapter, ok := c.deps.Adapters[spec.Kind]
		if !ok {
			return fn.Ok(sourceResult{outcome: domain.SourceOutcome{
				Source: string(spec.Kind), Error: "no adapter registered",
			}})
		}
		items, err := adapter.Fetch(ctx, spec)
		outcome := domain.SourceOutcome{Source: string(spec.Kind), Fetched: len(items)}
		if err != nil {
			// One source's outage fails only that source.
			outcome.Error = err.Error()
			c.log.Warn("source failed", "source", spec.Kind, "error", err)
		}
		return fn.Ok(sourceResult{items: items, outcome: outcome})
	})

	var all []domain.CollectedItem
	var outcomes []domain.SourceOutcome
	for _, r := range results {
		sr, _ := r.Unwrap()
		all = append(all, sr.items...)
		outcomes = append(outcomes, sr.outcome)
	}
	stats.Collected = len(all)

	// Cross-source duplicates inside one run collapse by content hash.
	all = fn.UniqueBy(all, func(it domain.CollectedItem) string {
		return dedup.Hash(it.Title, it.Content)
	})

	var accepted []domain.CollectedItem
	for _, item := range all {
		ok, reason := quality.Evaluate(item)
		if !ok {
			stats.RejectedQuality++
			c.log.Debug("quality reject", "id", item.ID, "reason", reason)
			continue
		}
		hash := dedup.Hash(item.Title, item.Content)
		seen, err := c.deps.Dedup.Seen(ctx, hash)
		if err != nil {
			// Fail-open: dedup store trouble must not stall collection.
			c.log.Warn("dedup check failed, proceeding", "id", item.ID, "error", err)
		}
		if seen {
			stats.RejectedDedup++
			continue
		}
		accepted = append(accepted, item)
	}

	if c.deps.MaxArticles > 0 && len(accepted) > c.deps.MaxArticles {
		sort.SliceStable(accepted, func(i, j int) bool {
			return PriorityScore(accepted[i]) > PriorityScore(accepted[j])
		})
		stats.RejectedCap = len(accepted) - c.deps.MaxArticles
		accepted = accepted[:c.deps.MaxArticles]
	}

	collectedAt := c.now().UTC()
	collectionID := fmt.Sprintf("%s-%s", collectedAt.Format("20060102-150405"), uuid.NewString()[:8])
	blobName := fmt.Sprintf("%s/%s.json", domain.DatePath(collectedAt), collectionID)

	record := domain.CollectionRecord{
		CollectionID: collectionID,
		CollectedAt:  collectedAt,
		Items:        accepted,
		Sources:      outcomes,
	}
	body, err := json.Marshal(record)
	if err != nil {
		return stats, err
	}
	if err := c.deps.Collected.Put(ctx, blobName, body); err != nil {
		return stats, fmt.Errorf("persist collection %s: %w", collectionID, err)
	}

	for _, item := range accepted {
		payload := domain.TopicPayload{
			TopicID:        item.ID,
			Title:          item.Title,
			Source:         item.Source,
			URL:            item.URL,
			Upvotes:        item.NativeScore,
			Comments:       item.Comments,
			Subreddit:      item.SourceMeta["subreddit"],
			CollectedAt:    item.CollectedAt,
			PriorityScore:  PriorityScore(item),
			CollectionID:   collectionID,
			CollectionBlob: blobName,
		}
		env, err := domain.NewMessage(domain.OpProcessTopic, ServiceName, "", payload)
		if err != nil {
			c.log.Error("encode topic", "topic_id", item.ID, "error", err)
			continue
		}
		if err := natsutil.Publish(ctx, c.deps.JS, natsutil.SubjectProcess, env, item.ID); err != nil {
			c.log.Error("enqueue topic", "topic_id", item.ID, "error", err)
			continue
		}
		stats.Published++

		// Marked only after the message is durably enqueued, so a crash
		// between gate and enqueue re-offers the item next run.
		hash := dedup.Hash(item.Title, item.Content)
		if err := c.deps.Dedup.Mark(ctx, hash); err != nil {
			c.log.Warn("dedup mark failed", "id", item.ID, "error", err)
		}
	}

	c.log.Info("collection complete",
		"collection_id", collectionID,
		"collected", stats.Collected,
		"published", stats.Published,
		"rejected_quality", stats.RejectedQuality,
		"rejected_dedup", stats.RejectedDedup,
	)
	return stats, nil
}
