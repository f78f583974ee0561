package sources

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/emberpress/emberpress/engine/domain"
	"github.com/emberpress/emberpress/pkg/fn"
)

// RSS fetches RSS 2.0 feeds. Feeds are polite, low-volume endpoints, so a
// simple fixed-interval limiter suffices here instead of the adaptive one.
type RSS struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewRSS creates an RSS fetcher pacing one request per interval.
func NewRSS(interval time.Duration) *RSS {
	if interval <= 0 {
		interval = time.Second
	}
	return &RSS{
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Adapter returns the dispatch-table entry for this fetcher.
func (r *RSS) Adapter() Adapter {
	return Adapter{Kind: KindRSS, Fetch: r.Fetch}
}

// Fetch pulls each configured feed and normalizes its items.
func (r *RSS) Fetch(ctx context.Context, spec Spec) ([]domain.CollectedItem, error) {
	limit := spec.MaxItems
	if limit <= 0 {
		limit = 25
	}

	var items []domain.CollectedItem
	now := time.Now().UTC()
	for _, feedURL := range spec.Feeds {
		result := fn.Retry(ctx, fn.RetryOpts{
			MaxAttempts: 2,
			InitialWait: 3 * time.Second,
			MaxWait:     30 * time.Second,
			Jitter:      true,
			ShouldRetry: domain.IsRetryable,
		}, func(ctx context.Context) fn.Result[*rssFeed] {
			if err := r.limiter.Wait(ctx); err != nil {
				return fn.Err[*rssFeed](err)
			}
			return r.get(ctx, feedURL)
		})

		feed, err := result.Unwrap()
		if err != nil {
			return items, fmt.Errorf("feed %s: %w", feedURL, err)
		}

		count := 0
		for _, it := range feed.Channel.Items {
			if count >= limit {
				break
			}
			id := it.GUID
			if id == "" {
				id = it.Link
			}
			items = append(items, domain.CollectedItem{
				ID:          "rss_" + dedupeKeySafe(id),
				Title:       it.Title,
				Content:     StripHTML(it.Description),
				Source:      string(KindRSS),
				URL:         it.Link,
				CollectedAt: now,
				SourceMeta: map[string]string{
					"feed":     feedURL,
					"channel":  feed.Channel.Title,
					"pub_date": it.PubDate,
				},
			})
			count++
		}
	}
	return items, nil
}

func (r *RSS) get(ctx context.Context, url string) fn.Result[*rssFeed] {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fn.Err[*rssFeed](err)
	}
	req.Header.Set("User-Agent", "emberpress-collector/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return fn.Err[*rssFeed](domain.E(domain.KindTransient, "rss", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fn.Err[*rssFeed](domain.Ef(domain.KindTransient, "rss", "http %d from %s", resp.StatusCode, url))
	}
	if resp.StatusCode != http.StatusOK {
		return fn.Err[*rssFeed](domain.Ef(domain.KindValidation, "rss", "http %d from %s", resp.StatusCode, url))
	}

	var feed rssFeed
	if err := xml.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&feed); err != nil {
		return fn.Err[*rssFeed](domain.E(domain.KindValidation, "rss", fmt.Errorf("decode feed: %w", err)))
	}
	return fn.Ok(&feed)
}

// dedupeKeySafe flattens a GUID/URL into an id-safe token.
func dedupeKeySafe(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}

type rssFeed struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
	GUID        string `xml:"guid"`
}
