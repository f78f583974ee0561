package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/emberpress/emberpress/pkg/blob"
)

// TopicState is the per-topic record pinning everything that must survive
// retries: the processed_at of the first successful attempt (so the filename
// date never drifts past midnight), cumulative spend, and terminal markers.
type TopicState struct {
	TopicID        string    `json:"topic_id"`
	ProcessedAt    time.Time `json:"processed_at,omitempty"`
	Filename       string    `json:"filename,omitempty"`
	ArticleBlob    string    `json:"article_blob,omitempty"`
	Attempts       int       `json:"attempts"`
	TotalCostUSD   float64   `json:"total_cost_usd"`
	TotalTokens    int       `json:"total_tokens"`
	Terminal       bool      `json:"terminal"`
	TerminalReason string    `json:"terminal_reason,omitempty"`
}

// Completed reports whether the topic already produced a committed article.
func (s TopicState) Completed() bool {
	return s.ArticleBlob != "" && s.Filename != ""
}

// AttemptRecord preserves one generation attempt, successful or not. The
// next retry starts from the prior draft instead of restarting research.
type AttemptRecord struct {
	Attempt      int       `json:"attempt"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Draft        string    `json:"draft,omitempty"`
	QualityScore float64   `json:"quality_score"`
	CostUSD      float64   `json:"cost_usd"`
	Tokens       int       `json:"tokens"`
	Error        string    `json:"error,omitempty"`
}

// TopicStore keeps topic state and attempt records in the topics bucket.
// Writes land under topics/{topic_id}/..., a prefix only the lease holder
// advances but any attempt may append to. A partial attempt written after
// lease expiry is harmless there.
type TopicStore struct {
	store blob.Store
}

// NewTopicStore wraps the topics bucket.
func NewTopicStore(store blob.Store) *TopicStore {
	return &TopicStore{store: store}
}

func stateKey(topicID string) string {
	return topicID + "/state.json"
}

func attemptKey(topicID string, attempt int) string {
	return fmt.Sprintf("%s/attempts/%03d.json", topicID, attempt)
}

// State loads the topic state, returning a zero state when none exists.
func (t *TopicStore) State(ctx context.Context, topicID string) (TopicState, error) {
	data, err := t.store.Get(ctx, stateKey(topicID))
	if errors.Is(err, blob.ErrNotFound) {
		return TopicState{TopicID: topicID}, nil
	}
	if err != nil {
		return TopicState{}, err
	}
	var st TopicState
	if err := json.Unmarshal(data, &st); err != nil {
		return TopicState{}, err
	}
	return st, nil
}

// SaveState overwrites the topic state.
func (t *TopicStore) SaveState(ctx context.Context, st TopicState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return t.store.Put(ctx, stateKey(st.TopicID), data)
}

// SaveAttempt records one attempt under the topic's attempts prefix.
func (t *TopicStore) SaveAttempt(ctx context.Context, topicID string, rec AttemptRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return t.store.Put(ctx, attemptKey(topicID, rec.Attempt), data)
}

// LastDraft returns the most recent non-empty draft, or "".
func (t *TopicStore) LastDraft(ctx context.Context, topicID string, upTo int) (string, error) {
	for n := upTo; n >= 1; n-- {
		data, err := t.store.Get(ctx, attemptKey(topicID, n))
		if errors.Is(err, blob.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		var rec AttemptRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if rec.Draft != "" {
			return rec.Draft, nil
		}
	}
	return "", nil
}

// MarkTerminal records a non-retryable failure so replays become no-ops.
func (t *TopicStore) MarkTerminal(ctx context.Context, topicID, reason string) error {
	st, err := t.State(ctx, topicID)
	if err != nil {
		return err
	}
	st.Terminal = true
	st.TerminalReason = reason
	return t.SaveState(ctx, st)
}
