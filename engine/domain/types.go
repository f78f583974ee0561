// Package domain defines the queue envelope, stage payloads, and stored
// records shared by every pipeline worker, plus the validation gates that
// guard stage entry points.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Operation names carried in the queue envelope.
const (
	OpProcessTopic     = "process_topic"
	OpGenerateMarkdown = "generate_markdown"
	OpPublishSite      = "publish_site"
)

// QueueMessage is the envelope every stage message travels in.
type QueueMessage struct {
	MessageID     string          `json:"message_id"`
	Operation     string          `json:"operation"`
	ServiceName   string          `json:"service_name"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

// NewMessage wraps payload in an envelope. The correlation ID threads one
// topic's journey across stages; pass "" to mint a fresh one.
func NewMessage(op, service, correlationID string, payload any) (QueueMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return QueueMessage{}, err
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return QueueMessage{
		MessageID:     uuid.NewString(),
		Operation:     op,
		ServiceName:   service,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Payload:       data,
	}, nil
}

// DecodePayload unmarshals the envelope payload into T.
func DecodePayload[T any](msg QueueMessage) (T, error) {
	var v T
	err := json.Unmarshal(msg.Payload, &v)
	return v, err
}

// TopicPayload is the process_topic payload: one accepted item fanned out
// by the collector. TopicID is the idempotency key for everything downstream.
type TopicPayload struct {
	TopicID        string    `json:"topic_id"`
	Title          string    `json:"title"`
	Source         string    `json:"source"`
	URL            string    `json:"url,omitempty"`
	Upvotes        int       `json:"upvotes,omitempty"`
	Comments       int       `json:"comments,omitempty"`
	Subreddit      string    `json:"subreddit,omitempty"`
	CollectedAt    time.Time `json:"collected_at"`
	PriorityScore  float64   `json:"priority_score"`
	CollectionID   string    `json:"collection_id"`
	CollectionBlob string    `json:"collection_blob"`
}

// MarkdownPayload is the generate_markdown payload.
type MarkdownPayload struct {
	ArticleBlob string `json:"article_blob"`
	TopicID     string `json:"topic_id"`
	Filename    string `json:"filename"`
}

// PublishPayload is the publish_site payload. Content-agnostic: the
// publisher enumerates current markdown state itself.
type PublishPayload struct {
	Trigger   string    `json:"trigger"`
	Timestamp time.Time `json:"timestamp"`
}

// CollectedItem is one normalized source item inside a collection record.
type CollectedItem struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Content     string            `json:"content"`
	Source      string            `json:"source"`
	SourceMeta  map[string]string `json:"source_metadata,omitempty"`
	URL         string            `json:"url,omitempty"`
	Author      string            `json:"author,omitempty"`
	NativeScore int               `json:"native_score"`
	Comments    int               `json:"comments"`
	CollectedAt time.Time         `json:"collected_at"`
}

// SourceOutcome records per-source success/failure for one collector run.
type SourceOutcome struct {
	Source  string `json:"source"`
	Fetched int    `json:"fetched"`
	Error   string `json:"error,omitempty"`
}

// CollectionRecord is the audit blob for one collector run. Written once,
// never mutated.
type CollectionRecord struct {
	CollectionID string          `json:"collection_id"`
	CollectedAt  time.Time       `json:"collected_at"`
	Items        []CollectedItem `json:"items"`
	Sources      []SourceOutcome `json:"sources"`
}

// CollectStats summarizes one collector run.
type CollectStats struct {
	Collected       int `json:"collected"`
	Published       int `json:"published"`
	RejectedQuality int `json:"rejected_quality"`
	RejectedDedup   int `json:"rejected_dedup"`
	RejectedCap     int `json:"rejected_cap"`
}

// Costs tracks model spend for one article.
type Costs struct {
	USD    float64 `json:"usd"`
	Model  string  `json:"model"`
	Tokens int     `json:"tokens"`
}

// ArticleMetadata is the processed article's provenance block.
type ArticleMetadata struct {
	Source          string    `json:"source"`
	Subreddit       string    `json:"subreddit,omitempty"`
	ProcessedAt     time.Time `json:"processed_at"`
	ContractVersion string    `json:"contract_version"`
}

// ProcessedArticle is the processor's output record. Slug, Filename, and URL
// come from the metadata generator and are the single source of truth for
// every downstream stage; no stage re-derives them.
type ProcessedArticle struct {
	ArticleID       string          `json:"article_id"`
	OriginalTopicID string          `json:"original_topic_id"`
	Title           string          `json:"title"`
	SEOTitle        string          `json:"seo_title"`
	MetaDescription string          `json:"meta_description"`
	Slug            string          `json:"slug"`
	Filename        string          `json:"filename"`
	URL             string          `json:"url"`
	Content         string          `json:"content"`
	WordCount       int             `json:"word_count"`
	QualityScore    float64         `json:"quality_score"`
	Metadata        ArticleMetadata `json:"metadata"`
	Provenance      []string        `json:"provenance,omitempty"`
	Costs           Costs           `json:"costs"`
}

// ContractVersion stamps processed articles with the metadata contract in use.
const ContractVersion = "1.0"
