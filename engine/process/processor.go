// Package process implements the processor worker: claim a topic under a
// lease, generate an article and its SEO metadata, persist the processed
// blob, and signal the markdown stage. The metadata produced here is the
// single source of truth for every downstream filename and URL.
package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emberpress/emberpress/engine/domain"
	"github.com/emberpress/emberpress/engine/model"
	"github.com/emberpress/emberpress/pkg/blob"
	"github.com/emberpress/emberpress/pkg/fn"
	"github.com/emberpress/emberpress/pkg/lease"
	"github.com/emberpress/emberpress/pkg/natsutil"
	"github.com/emberpress/emberpress/pkg/resilience"
)

// ServiceName identifies the processor in envelopes and logs.
const ServiceName = "processor"

// Deps are the processor's external collaborators.
type Deps struct {
	Leases    *lease.Manager
	Topics    *TopicStore
	Collected blob.Store
	Processed blob.Store
	Model     model.Client
	Limiter   *resilience.Limiter
	Breaker   *resilience.Breaker
	JS        natsutil.Publisher
	Logger    *slog.Logger

	// MinQuality gates drafts; below it the attempt is recorded and the
	// lease released for another pass.
	MinQuality float64
}

// Result summarizes one process_topic call.
type Result struct {
	Success   bool    `json:"success"`
	ArticleID string  `json:"article_id,omitempty"`
	Filename  string  `json:"filename,omitempty"`
	CostUSD   float64 `json:"cost_usd"`
	Skipped   string  `json:"skipped,omitempty"`
}

// Processor converts topics into processed articles.
type Processor struct {
	deps Deps
	log  *slog.Logger
	now  func() time.Time
}

// New creates a Processor.
func New(deps Deps) *Processor {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if deps.MinQuality <= 0 {
		deps.MinQuality = 0.5
	}
	return &Processor{deps: deps, log: log, now: time.Now}
}

// ProcessTopic runs the full protocol for one topic message. A nil error
// acks the message; error kinds drive redelivery in the worker loop.
func (p *Processor) ProcessTopic(ctx context.Context, payload domain.TopicPayload) (Result, error) {
	if err := domain.ValidateTopicPayload(payload); err != nil {
		return Result{}, err
	}
	log := p.log.With("topic_id", payload.TopicID)

	// Lease first: the holder is the unique writer for this topic.
	l, err := p.deps.Leases.Acquire(ctx, payload.TopicID)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			// Another worker owns the item; this delivery is done.
			log.Info("topic leased elsewhere, skipping")
			return Result{Skipped: "lease held"}, nil
		}
		// Lease store unreachable is fail-closed: abort and retry.
		return Result{}, domain.E(domain.KindTransient, "lease", err)
	}
	released := false
	defer func() {
		if !released {
			relCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = l.Release(relCtx)
		}
	}()

	state, err := p.deps.Topics.State(ctx, payload.TopicID)
	if err != nil {
		return Result{}, domain.E(domain.KindTransient, "topic state", err)
	}
	if state.Terminal {
		log.Info("topic terminal, skipping", "reason", state.TerminalReason)
		return Result{Skipped: "terminal"}, nil
	}
	if state.Completed() {
		// Idempotent replay: the blob exists and is byte-stable; nothing to
		// regenerate. The markdown signal is re-sent every time, because a
		// crash or broker error between the state commit and the original
		// enqueue would otherwise strand the article; the idempotency key
		// suppresses true duplicates broker-side.
		if _, err := p.deps.Processed.Get(ctx, state.ArticleBlob); err == nil {
			if err := p.signalMarkdown(ctx, payload.TopicID, state.ArticleBlob, state.Filename); err != nil {
				return Result{}, err
			}
			log.Info("topic already processed", "filename", state.Filename)
			return Result{Success: true, ArticleID: payload.TopicID, Filename: state.Filename}, nil
		}
	}

	item, err := p.sourceContext(ctx, payload)
	if err != nil {
		return Result{}, err
	}

	// Pin processed_at on first contact so the filename date cannot drift
	// across retries over midnight UTC.
	if state.ProcessedAt.IsZero() {
		state.ProcessedAt = p.now().UTC()
	}
	state.Attempts++
	attemptNo := state.Attempts
	if err := p.deps.Topics.SaveState(ctx, state); err != nil {
		return Result{}, domain.E(domain.KindTransient, "topic state", err)
	}

	priorDraft, err := p.deps.Topics.LastDraft(ctx, payload.TopicID, attemptNo-1)
	if err != nil {
		log.Warn("prior draft load failed", "error", err)
	}

	// Renew at TTL/2 while generation runs; a failed renewal cancels the
	// in-flight work since ownership is gone.
	genCtx, cancelGen := context.WithCancel(ctx)
	defer cancelGen()
	go func() {
		if err := l.KeepAlive(genCtx); err != nil && genCtx.Err() == nil {
			log.Warn("lease renewal failed, cancelling generation", "error", err)
			cancelGen()
		}
	}()

	started := p.now().UTC()
	comp, genErr := p.generate(genCtx, payload, item, priorDraft)
	attempt := AttemptRecord{
		Attempt:    attemptNo,
		StartedAt:  started,
		FinishedAt: p.now().UTC(),
	}

	if genErr != nil {
		attempt.Error = genErr.Error()
		// The attempt record lands under the topic's own prefix even when
		// the lease was lost mid-flight; it is harmless there.
		p.saveAttemptDetached(payload.TopicID, attempt)
		if domain.KindOf(genErr) == domain.KindFatal {
			return Result{}, genErr
		}
		if !domain.IsRetryable(genErr) {
			p.terminalize(payload.TopicID, genErr, log)
			return Result{}, genErr
		}
		return Result{}, genErr
	}

	attempt.Draft = comp.Text
	attempt.CostUSD = comp.CostUSD
	attempt.Tokens = comp.Usage.Total()
	attempt.QualityScore = AssessQuality(comp.Text)

	state.TotalCostUSD += comp.CostUSD
	state.TotalTokens += comp.Usage.Total()

	if attempt.QualityScore < p.deps.MinQuality {
		p.saveAttemptDetached(payload.TopicID, attempt)
		if err := p.deps.Topics.SaveState(ctx, state); err != nil {
			log.Warn("state save failed", "error", err)
		}
		// Release for another pass; redelivery retries with the draft in hand.
		return Result{}, domain.Ef(domain.KindTransient, "quality",
			"draft scored %.2f, below %.2f: %w", attempt.QualityScore, p.deps.MinQuality, domain.ErrQualityTooLow)
	}

	meta, err := GenerateMetadata(genCtx, p.complete, payload.Title, comp.Text, state.ProcessedAt)
	if err != nil {
		attempt.Error = err.Error()
		p.saveAttemptDetached(payload.TopicID, attempt)
		if domain.KindOf(err) == domain.KindValidation {
			// Self-produced naming violation: terminal, downstream is never
			// notified.
			p.terminalize(payload.TopicID, err, log)
		}
		return Result{}, err
	}

	article := domain.ProcessedArticle{
		ArticleID:       payload.TopicID,
		OriginalTopicID: payload.TopicID,
		Title:           payload.Title,
		SEOTitle:        meta.SEOTitle,
		MetaDescription: meta.MetaDescription,
		Slug:            meta.Slug,
		Filename:        meta.Filename,
		URL:             meta.URL,
		Content:         comp.Text,
		WordCount:       WordCount(comp.Text),
		QualityScore:    attempt.QualityScore,
		Metadata: domain.ArticleMetadata{
			Source:          payload.Source,
			Subreddit:       payload.Subreddit,
			ProcessedAt:     state.ProcessedAt,
			ContractVersion: domain.ContractVersion,
		},
		Provenance: []string{payload.CollectionBlob},
		Costs: domain.Costs{
			USD:    state.TotalCostUSD,
			Model:  comp.Model,
			Tokens: state.TotalTokens,
		},
	}
	if err := domain.ValidateArticle(article); err != nil {
		attempt.Error = err.Error()
		p.saveAttemptDetached(payload.TopicID, attempt)
		p.terminalize(payload.TopicID, err, log)
		return Result{}, err
	}

	blobName := articleBlobName(state.ProcessedAt, meta.Slug)
	body, err := json.Marshal(article)
	if err != nil {
		return Result{}, err
	}
	if err := p.deps.Processed.Put(ctx, blobName, body); err != nil {
		return Result{}, domain.E(domain.KindTransient, "persist article", err)
	}

	state.Filename = meta.Filename
	state.ArticleBlob = blobName
	if err := p.deps.Topics.SaveState(ctx, state); err != nil {
		log.Warn("state save failed", "error", err)
	}
	p.saveAttemptDetached(payload.TopicID, attempt)

	// The blob is durably committed; only now may downstream hear about it.
	if err := p.signalMarkdown(ctx, payload.TopicID, blobName, meta.Filename); err != nil {
		return Result{}, err
	}

	if err := l.Release(ctx); err != nil {
		log.Warn("lease release failed", "error", err)
	}
	released = true

	log.Info("topic processed",
		"filename", meta.Filename,
		"words", article.WordCount,
		"quality", attempt.QualityScore,
		"cost_usd", comp.CostUSD,
	)
	return Result{
		Success:   true,
		ArticleID: article.ArticleID,
		Filename:  meta.Filename,
		CostUSD:   comp.CostUSD,
	}, nil
}

// signalMarkdown enqueues the generate_markdown message for a committed
// article blob, keyed so the broker absorbs duplicates.
func (p *Processor) signalMarkdown(ctx context.Context, topicID, blobName, filename string) error {
	mdPayload := domain.MarkdownPayload{
		ArticleBlob: blobName,
		TopicID:     topicID,
		Filename:    filename,
	}
	env, err := domain.NewMessage(domain.OpGenerateMarkdown, ServiceName, "", mdPayload)
	if err != nil {
		return err
	}
	if err := natsutil.Publish(ctx, p.deps.JS, natsutil.SubjectMarkdown, env, topicID+":"+filename); err != nil {
		return domain.E(domain.KindTransient, "enqueue markdown", err)
	}
	return nil
}

// articleBlobName is deterministic given the pinned processed_at and slug.
func articleBlobName(processedAt time.Time, slug string) string {
	return fmt.Sprintf("%s/%s-%s.json",
		domain.DatePath(processedAt), processedAt.UTC().Format("20060102-150405"), slug)
}

// sourceContext loads the collection blob and extracts the topic's item.
func (p *Processor) sourceContext(ctx context.Context, payload domain.TopicPayload) (domain.CollectedItem, error) {
	data, err := p.deps.Collected.Get(ctx, payload.CollectionBlob)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return domain.CollectedItem{}, domain.Ef(domain.KindNotFound, "collection", "blob %s missing", payload.CollectionBlob)
		}
		return domain.CollectedItem{}, domain.E(domain.KindTransient, "collection", err)
	}
	var record domain.CollectionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return domain.CollectedItem{}, domain.E(domain.KindValidation, "collection", err)
	}
	for _, item := range record.Items {
		if item.ID == payload.TopicID {
			return item, nil
		}
	}
	return domain.CollectedItem{}, domain.Ef(domain.KindValidation, "collection", "topic %s not in %s", payload.TopicID, payload.CollectionID)
}

// complete is one rate-limited, breaker-guarded model call.
func (p *Processor) complete(ctx context.Context, req model.Request) (model.Completion, error) {
	if err := p.deps.Limiter.Wait(ctx); err != nil {
		return model.Completion{}, domain.E(domain.KindTransient, "model", err)
	}
	var comp model.Completion
	err := p.deps.Breaker.Call(ctx, func(ctx context.Context) error {
		c, err := p.deps.Model.Complete(ctx, req)
		if err == nil {
			comp = c
		}
		return err
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return model.Completion{}, domain.E(domain.KindTransient, "model", err)
		}
		p.deps.Limiter.ReportFailure(domain.RetryAfterOf(err))
		return model.Completion{}, err
	}
	p.deps.Limiter.ReportSuccess()
	return comp, nil
}

// generate produces the article draft, retrying transient model failures
// in-process before surrendering to queue redelivery.
func (p *Processor) generate(ctx context.Context, payload domain.TopicPayload, item domain.CollectedItem, priorDraft string) (model.Completion, error) {
	prompt := buildArticlePrompt(payload, item, priorDraft)
	result := fn.Retry(ctx, fn.RetryOpts{
		MaxAttempts: 3,
		InitialWait: 5 * time.Second,
		MaxWait:     120 * time.Second,
		Jitter:      true,
		ShouldRetry: domain.IsRetryable,
		DelayHint:   domain.RetryAfterOf,
	}, func(ctx context.Context) fn.Result[model.Completion] {
		return fn.FromPair(p.complete(ctx, model.Request{
			System:      articleSystemPrompt,
			Prompt:      prompt,
			MaxTokens:   4096,
			Temperature: 0.7,
		}))
	})
	return result.Unwrap()
}

const articleSystemPrompt = "You are a technology journalist. Write a well-structured, " +
	"factual article in Markdown with an opening summary, several sections " +
	"with ## headings, and a closing takeaway. Do not invent quotes."

// buildArticlePrompt assembles the generation prompt from the topic, its
// source context, and any prior draft to improve upon.
func buildArticlePrompt(payload domain.TopicPayload, item domain.CollectedItem, priorDraft string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write an article about the following topic.\n\nTitle: %s\nSource: %s\n", payload.Title, payload.Source)
	if item.URL != "" {
		fmt.Fprintf(&b, "Link: %s\n", item.URL)
	}
	if item.Content != "" {
		fmt.Fprintf(&b, "\nSource discussion:\n%s\n", truncateWords(item.Content, 4000))
	}
	if priorDraft != "" {
		fmt.Fprintf(&b, "\nA previous draft scored below the quality bar. Improve on it:\n%s\n", truncateWords(priorDraft, 6000))
	}
	return b.String()
}

// saveAttemptDetached writes the attempt record with its own deadline so a
// cancelled generation context cannot lose the partial state.
func (p *Processor) saveAttemptDetached(topicID string, rec AttemptRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.deps.Topics.SaveAttempt(ctx, topicID, rec); err != nil {
		p.log.Warn("attempt save failed", "topic_id", topicID, "error", err)
	}
}

// terminalize marks a topic as failed for good and emits the audit record.
func (p *Processor) terminalize(topicID string, cause error, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.deps.Topics.MarkTerminal(ctx, topicID, cause.Error()); err != nil {
		log.Error("terminal mark failed", "error", err)
	}
	log.Error("topic terminally failed", "cause", cause)
}
