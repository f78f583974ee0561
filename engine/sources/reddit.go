package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/emberpress/emberpress/engine/domain"
	"github.com/emberpress/emberpress/pkg/fn"
	"github.com/emberpress/emberpress/pkg/resilience"
)

const redditBaseURL = "https://www.reddit.com"

// Reddit fetches subreddit listings from the public JSON API.
type Reddit struct {
	baseURL string
	client  *http.Client
	limiter *resilience.Limiter
}

// NewReddit creates a Reddit fetcher sharing the given limiter.
func NewReddit(limiter *resilience.Limiter) *Reddit {
	return &Reddit{
		baseURL: redditBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: limiter,
	}
}

// Adapter returns the dispatch-table entry for this fetcher.
func (r *Reddit) Adapter() Adapter {
	return Adapter{Kind: KindReddit, Fetch: r.Fetch}
}

// Fetch iterates the configured subreddits, normalizing as it goes. Failures
// abort the whole source; the collector isolates it from the others.
func (r *Reddit) Fetch(ctx context.Context, spec Spec) ([]domain.CollectedItem, error) {
	sort := spec.Sort
	if sort == "" {
		sort = "hot"
	}
	limit := spec.MaxItems
	if limit <= 0 {
		limit = 25
	}

	var items []domain.CollectedItem
	now := time.Now().UTC()
	for _, sub := range spec.Subreddits {
		url := fmt.Sprintf("%s/r/%s/%s.json?limit=%d&raw_json=1", r.baseURL, sub, sort, limit)

		result := fn.Retry(ctx, fn.RetryOpts{
			MaxAttempts: 3,
			InitialWait: 5 * time.Second,
			MaxWait:     60 * time.Second,
			Jitter:      true,
			ShouldRetry: domain.IsRetryable,
			DelayHint:   domain.RetryAfterOf,
		}, func(ctx context.Context) fn.Result[*redditListing] {
			if err := r.limiter.Wait(ctx); err != nil {
				return fn.Err[*redditListing](err)
			}
			return r.get(ctx, url)
		})

		listing, err := result.Unwrap()
		if err != nil {
			return items, fmt.Errorf("r/%s listing: %w", sub, err)
		}

		for _, child := range listing.Data.Children {
			if child.Kind != "t3" {
				continue
			}
			d := child.Data
			items = append(items, domain.CollectedItem{
				ID:          "reddit_" + d.ID,
				Title:       d.Title,
				Content:     d.SelfText,
				Source:      string(KindReddit),
				URL:         "https://www.reddit.com" + d.Permalink,
				Author:      d.Author,
				NativeScore: d.Score,
				Comments:    d.NumComments,
				CollectedAt: now,
				SourceMeta: map[string]string{
					"subreddit": d.Subreddit,
					"flair":     d.LinkFlairText,
					"link_url":  d.URL,
				},
			})
		}
	}
	return items, nil
}

func (r *Reddit) get(ctx context.Context, url string) fn.Result[*redditListing] {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fn.Err[*redditListing](err)
	}
	req.Header.Set("User-Agent", "emberpress-collector/1.0 (content aggregation)")

	resp, err := r.client.Do(req)
	if err != nil {
		r.limiter.ReportFailure(0)
		return fn.Err[*redditListing](domain.E(domain.KindTransient, "reddit", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		hint := headerRetryAfter(resp)
		r.limiter.ReportFailure(hint)
		return fn.Err[*redditListing](domain.RateLimited("reddit", hint, fmt.Errorf("http 429 from %s", url)))
	case resp.StatusCode >= 500:
		r.limiter.ReportFailure(0)
		return fn.Err[*redditListing](domain.Ef(domain.KindTransient, "reddit", "http %d from %s", resp.StatusCode, url))
	case resp.StatusCode != http.StatusOK:
		return fn.Err[*redditListing](domain.Ef(domain.KindValidation, "reddit", "http %d from %s", resp.StatusCode, url))
	}

	var listing redditListing
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&listing); err != nil {
		return fn.Err[*redditListing](domain.E(domain.KindTransient, "reddit", fmt.Errorf("decode listing: %w", err)))
	}
	r.limiter.ReportSuccess()
	return fn.Ok(&listing)
}

// headerRetryAfter parses the seconds form of Retry-After.
func headerRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Reddit JSON API response types.

type redditListing struct {
	Data struct {
		Children []struct {
			Kind string `json:"kind"`
			Data struct {
				ID            string `json:"id"`
				Subreddit     string `json:"subreddit"`
				Title         string `json:"title"`
				Author        string `json:"author"`
				SelfText      string `json:"selftext"`
				URL           string `json:"url"`
				Permalink     string `json:"permalink"`
				Score         int    `json:"score"`
				NumComments   int    `json:"num_comments"`
				LinkFlairText string `json:"link_flair_text"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}
