package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/emberpress/emberpress/engine/domain"
	"github.com/emberpress/emberpress/pkg/fn"
	"github.com/emberpress/emberpress/pkg/resilience"
)

// Mastodon fetches trending statuses from public instances.
type Mastodon struct {
	client  *http.Client
	limiter *resilience.Limiter
}

// NewMastodon creates a Mastodon fetcher sharing the given limiter.
func NewMastodon(limiter *resilience.Limiter) *Mastodon {
	return &Mastodon{
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: limiter,
	}
}

// Adapter returns the dispatch-table entry for this fetcher.
func (m *Mastodon) Adapter() Adapter {
	return Adapter{Kind: KindMastodon, Fetch: m.Fetch}
}

// Fetch pulls trending statuses from each configured instance.
func (m *Mastodon) Fetch(ctx context.Context, spec Spec) ([]domain.CollectedItem, error) {
	limit := spec.MaxItems
	if limit <= 0 || limit > 40 {
		limit = 20
	}

	var items []domain.CollectedItem
	now := time.Now().UTC()
	for _, instance := range spec.Instances {
		url := fmt.Sprintf("https://%s/api/v1/trends/statuses?limit=%d", instance, limit)

		result := fn.Retry(ctx, fn.RetryOpts{
			MaxAttempts: 3,
			InitialWait: 5 * time.Second,
			MaxWait:     60 * time.Second,
			Jitter:      true,
			ShouldRetry: domain.IsRetryable,
			DelayHint:   domain.RetryAfterOf,
		}, func(ctx context.Context) fn.Result[[]mastodonStatus] {
			if err := m.limiter.Wait(ctx); err != nil {
				return fn.Err[[]mastodonStatus](err)
			}
			return m.get(ctx, url)
		})

		statuses, err := result.Unwrap()
		if err != nil {
			return items, fmt.Errorf("%s trends: %w", instance, err)
		}

		for _, st := range statuses {
			text := StripHTML(st.Content)
			items = append(items, domain.CollectedItem{
				ID:          "mastodon_" + instance + "_" + st.ID,
				Title:       statusTitle(text),
				Content:     text,
				Source:      string(KindMastodon),
				URL:         st.URL,
				Author:      st.Account.Acct,
				NativeScore: st.ReblogsCount,
				Comments:    st.RepliesCount,
				CollectedAt: now,
				SourceMeta: map[string]string{
					"instance":   instance,
					"favourites": fmt.Sprintf("%d", st.FavouritesCount),
				},
			})
		}
	}
	return items, nil
}

func (m *Mastodon) get(ctx context.Context, url string) fn.Result[[]mastodonStatus] {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fn.Err[[]mastodonStatus](err)
	}
	req.Header.Set("User-Agent", "emberpress-collector/1.0")

	resp, err := m.client.Do(req)
	if err != nil {
		m.limiter.ReportFailure(0)
		return fn.Err[[]mastodonStatus](domain.E(domain.KindTransient, "mastodon", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		hint := headerRetryAfter(resp)
		m.limiter.ReportFailure(hint)
		return fn.Err[[]mastodonStatus](domain.RateLimited("mastodon", hint, fmt.Errorf("http 429 from %s", url)))
	case resp.StatusCode >= 500:
		m.limiter.ReportFailure(0)
		return fn.Err[[]mastodonStatus](domain.Ef(domain.KindTransient, "mastodon", "http %d from %s", resp.StatusCode, url))
	case resp.StatusCode != http.StatusOK:
		return fn.Err[[]mastodonStatus](domain.Ef(domain.KindValidation, "mastodon", "http %d from %s", resp.StatusCode, url))
	}

	var statuses []mastodonStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&statuses); err != nil {
		return fn.Err[[]mastodonStatus](domain.E(domain.KindTransient, "mastodon", fmt.Errorf("decode statuses: %w", err)))
	}
	m.limiter.ReportSuccess()
	return fn.Ok(statuses)
}

type mastodonStatus struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	URL     string `json:"url"`
	Account struct {
		Acct string `json:"acct"`
	} `json:"account"`
	ReblogsCount    int       `json:"reblogs_count"`
	RepliesCount    int       `json:"replies_count"`
	FavouritesCount int       `json:"favourites_count"`
	CreatedAt       time.Time `json:"created_at"`
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// StripHTML drops markup from a status body, turning paragraph and line
// breaks into newlines first.
func StripHTML(s string) string {
	s = strings.ReplaceAll(s, "</p>", "\n")
	s = strings.ReplaceAll(s, "<br>", "\n")
	s = strings.ReplaceAll(s, "<br/>", "\n")
	s = strings.ReplaceAll(s, "<br />", "\n")
	s = tagPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.ReplaceAll(s, "&#39;", "'")
	return strings.TrimSpace(s)
}

// statusTitle derives a title from the first line of a status, bounded.
func statusTitle(text string) string {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	runes := []rune(line)
	if len(runes) > 120 {
		line = string(runes[:120])
	}
	return line
}
