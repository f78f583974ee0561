// Package markdown implements the markdown generator worker: fetch a
// processed article, render it to a front-mattered markdown document named
// exactly as the processor decided, and signal the publisher.
package markdown

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/emberpress/emberpress/engine/domain"
	"github.com/emberpress/emberpress/pkg/blob"
	"github.com/emberpress/emberpress/pkg/natsutil"
)

// ServiceName identifies the markdown generator in envelopes and logs.
const ServiceName = "markdown"

// FrontMatter is the YAML header of a rendered article. Field order is
// fixed by the struct so renders are byte-stable.
type FrontMatter struct {
	Title       string    `yaml:"title"`
	SEOTitle    string    `yaml:"seo_title,omitempty"`
	Description string    `yaml:"description,omitempty"`
	Date        time.Time `yaml:"date"`
	Slug        string    `yaml:"slug"`
	URL         string    `yaml:"url"`
	Source      string    `yaml:"source,omitempty"`
	Tags        []string  `yaml:"tags,omitempty"`
	CostUSD     float64   `yaml:"cost_usd"`
	Model       string    `yaml:"model,omitempty"`
}

// Render produces the markdown document for a processed article: YAML front
// matter between "---" fences, then the article body verbatim.
func Render(article domain.ProcessedArticle) ([]byte, error) {
	fm := FrontMatter{
		Title:       article.Title,
		SEOTitle:    article.SEOTitle,
		Description: article.MetaDescription,
		Date:        article.Metadata.ProcessedAt.UTC(),
		Slug:        article.Slug,
		URL:         article.URL,
		Source:      article.Metadata.Source,
		CostUSD:     article.Costs.USD,
		Model:       article.Costs.Model,
	}
	if article.Metadata.Subreddit != "" {
		fm.Tags = []string{article.Metadata.Subreddit}
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(fm); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	buf.WriteString("---\n\n")
	buf.WriteString(strings.TrimRight(article.Content, "\n"))
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Deps are the generator's external collaborators.
type Deps struct {
	Processed blob.Store
	Markdown  blob.Store
	JS        natsutil.Publisher
	Logger    *slog.Logger
}

// Generator turns processed articles into markdown blobs.
type Generator struct {
	deps Deps
	log  *slog.Logger
}

// New creates a Generator.
func New(deps Deps) *Generator {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Generator{deps: deps, log: log}
}

// Generate runs one generate_markdown call: load the article, enforce the
// naming contract, write the markdown blob, then nudge the publisher.
// Overwrites are idempotent because Render is deterministic.
func (g *Generator) Generate(ctx context.Context, payload domain.MarkdownPayload) error {
	if payload.ArticleBlob == "" {
		return domain.Ef(domain.KindValidation, "markdown", "missing article_blob")
	}
	log := g.log.With("topic_id", payload.TopicID, "blob", payload.ArticleBlob)

	data, err := g.deps.Processed.Get(ctx, payload.ArticleBlob)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			// The processor commits the blob before emitting; absence means
			// an out-of-order replay, so redeliver and let it appear.
			return domain.Ef(domain.KindTransient, "markdown", "article blob %s not yet visible", payload.ArticleBlob)
		}
		return domain.E(domain.KindTransient, "markdown", err)
	}

	var article domain.ProcessedArticle
	if err := json.Unmarshal(data, &article); err != nil {
		return domain.E(domain.KindValidation, "markdown", err)
	}
	if err := domain.ValidateArticle(article); err != nil {
		return err
	}
	// The message and the stored article must agree on the name; drift means
	// a corrupted or replayed-across-versions message.
	if payload.Filename != "" && payload.Filename != article.Filename {
		return domain.Ef(domain.KindValidation, "markdown",
			"message filename %q disagrees with article %q", payload.Filename, article.Filename)
	}

	doc, err := Render(article)
	if err != nil {
		return domain.E(domain.KindValidation, "markdown", err)
	}

	mdName := fmt.Sprintf("%s/%s.md",
		domain.DatePath(article.Metadata.ProcessedAt),
		strings.TrimSuffix(article.Filename, ".html"))
	if err := g.deps.Markdown.Put(ctx, mdName, doc); err != nil {
		return domain.E(domain.KindTransient, "markdown", err)
	}

	env, err := domain.NewMessage(domain.OpPublishSite, ServiceName, "", domain.PublishPayload{
		Trigger:   "article:" + article.ArticleID,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	// No msgID: publish requests coalesce at the consumer, duplicates are
	// free.
	if err := natsutil.Publish(ctx, g.deps.JS, natsutil.SubjectPublish, env, ""); err != nil {
		return domain.E(domain.KindTransient, "markdown", err)
	}

	log.Info("markdown generated", "name", mdName, "bytes", len(doc))
	return nil
}
