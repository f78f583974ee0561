package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emberpress/emberpress/engine/domain"
	"github.com/emberpress/emberpress/pkg/resilience"
)

func testLimiter() *resilience.Limiter {
	return resilience.NewLimiter(resilience.LimiterOpts{QPM: 600000, Burst: 1000})
}

const redditListingJSON = `{
  "data": {
    "children": [
      {"kind": "t3", "data": {
        "id": "abc1", "subreddit": "golang", "title": "Linker Rewrite Lands",
        "author": "gopher", "selftext": "Details inside.",
        "url": "https://example.com/post", "permalink": "/r/golang/comments/abc1/",
        "score": 321, "num_comments": 45, "link_flair_text": "news"
      }},
      {"kind": "t1", "data": {"id": "comment1", "title": "ignored"}}
    ]
  }
}`

func TestRedditFetchNormalizes(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if ua := r.Header.Get("User-Agent"); !strings.Contains(ua, "emberpress") {
			t.Errorf("user agent: %q", ua)
		}
		w.Write([]byte(redditListingJSON))
	}))
	defer srv.Close()

	reddit := NewReddit(testLimiter())
	reddit.baseURL = srv.URL

	items, err := reddit.Fetch(context.Background(), Spec{Kind: KindReddit, Subreddits: []string{"golang"}})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotPath != "/r/golang/hot.json" {
		t.Fatalf("path: %q", gotPath)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 post (comments excluded), got %d", len(items))
	}
	item := items[0]
	if item.ID != "reddit_abc1" || item.NativeScore != 321 || item.Comments != 45 {
		t.Fatalf("item: %+v", item)
	}
	if item.SourceMeta["subreddit"] != "golang" {
		t.Fatalf("meta: %+v", item.SourceMeta)
	}
}

func TestRedditStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   domain.Kind
	}{
		{http.StatusBadGateway, domain.KindTransient},
		{http.StatusServiceUnavailable, domain.KindTransient},
		{http.StatusNotFound, domain.KindValidation},
	}
	for _, c := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(c.status)
		}))
		reddit := NewReddit(testLimiter())
		_, err := reddit.get(context.Background(), srv.URL).Unwrap()
		srv.Close()
		if err == nil {
			t.Fatalf("http %d: expected error", c.status)
		}
		if got := domain.KindOf(err); got != c.want {
			t.Errorf("http %d: kind %v, want %v", c.status, got, c.want)
		}
	}
}

func TestRedditForbiddenIsNotRetried(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	reddit := NewReddit(testLimiter())
	reddit.baseURL = srv.URL
	_, err := reddit.Fetch(context.Background(), Spec{Subreddits: []string{"golang"}})
	if err == nil {
		t.Fatalf("expected error")
	}
	if domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("kind: %v", domain.KindOf(err))
	}
	if attempts != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", attempts)
	}
}

func TestRedditRateLimitOpensBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	limiter := testLimiter()
	reddit := NewReddit(limiter)
	reddit.baseURL = srv.URL

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := reddit.Fetch(ctx, Spec{Subreddits: []string{"golang"}})
	if err == nil {
		t.Fatalf("expected rate limit error")
	}
	if limiter.Failures() == 0 {
		t.Fatalf("limiter did not record the failure")
	}
	if limiter.Allow() {
		t.Fatalf("backoff window should be open")
	}
}

func TestMastodonGetNormalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[
		  {"id": "1", "content": "<p>Big outage at example.com</p><p>more details</p>",
		   "url": "https://m.example/@a/1", "account": {"acct": "a"},
		   "reblogs_count": 12, "replies_count": 3, "favourites_count": 9}
		]`))
	}))
	defer srv.Close()

	m := NewMastodon(testLimiter())
	statuses, err := m.get(context.Background(), srv.URL).Unwrap()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(statuses) != 1 || statuses[0].ReblogsCount != 12 {
		t.Fatalf("statuses: %+v", statuses)
	}
}

func TestStripHTML(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"<p>Hello</p><p>World</p>", "Hello\nWorld"},
		{"a<br>b", "a\nb"},
		{"&lt;tag&gt; &amp; &quot;quote&quot;", `<tag> & "quote"`},
		{"plain", "plain"},
	}
	for _, c := range cases {
		if got := StripHTML(c.in); got != c.want {
			t.Errorf("StripHTML(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestStatusTitle(t *testing.T) {
	if got := statusTitle("first line\nsecond"); got != "first line" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("x", 200)
	if got := statusTitle(long); len([]rune(got)) != 120 {
		t.Fatalf("length %d", len([]rune(got)))
	}
}

const rssXML = `<?xml version="1.0"?>
<rss version="2.0"><channel>
  <title>Example Feed</title>
  <item>
    <title>First Item</title>
    <link>https://example.com/1</link>
    <description>&lt;p&gt;Summary one&lt;/p&gt;</description>
    <guid>https://example.com/1</guid>
    <pubDate>Sun, 01 Mar 2026 10:00:00 GMT</pubDate>
  </item>
  <item>
    <title>Second Item</title>
    <link>https://example.com/2</link>
    <description>Summary two</description>
  </item>
</channel></rss>`

func TestRSSFetchNormalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(rssXML))
	}))
	defer srv.Close()

	rss := NewRSS(time.Millisecond)
	items, err := rss.Fetch(context.Background(), Spec{Feeds: []string{srv.URL}})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].Title != "First Item" || items[0].Content != "Summary one" {
		t.Fatalf("item: %+v", items[0])
	}
	// GUID wins; the second item falls back to its link.
	if !strings.HasPrefix(items[0].ID, "rss_https---example-com-1") {
		t.Fatalf("id: %q", items[0].ID)
	}
	if items[1].SourceMeta["channel"] != "Example Feed" {
		t.Fatalf("meta: %+v", items[1].SourceMeta)
	}
}

func TestRSSFetchHonorsLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(rssXML))
	}))
	defer srv.Close()

	rss := NewRSS(time.Millisecond)
	items, err := rss.Fetch(context.Background(), Spec{Feeds: []string{srv.URL}, MaxItems: 1})
	if err != nil || len(items) != 1 {
		t.Fatalf("(%d, %v)", len(items), err)
	}
}

func TestTableDispatch(t *testing.T) {
	table := Table(NewReddit(testLimiter()).Adapter(), NewRSS(time.Second).Adapter())
	if _, ok := table[KindReddit]; !ok {
		t.Fatalf("reddit missing")
	}
	if _, ok := table[KindMastodon]; ok {
		t.Fatalf("mastodon should be absent")
	}
}
