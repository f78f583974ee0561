package domain

import (
	"strings"
	"testing"
	"time"
)

func TestValidateFilename(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"2026-03-01-rust-belt-revival.html", true},
		{"2026-03-01-a.md", true},
		{"2026-03-01-ai-2.json", true},
		{"2026-03-01-Upper-Case.html", false},
		{"2026-03-01-double--hyphen.html", false},
		{"2026-03-01-trailing-.html", false},
		{"2026-03-01-.html", false},
		{"no-date-prefix.html", false},
		{"2026-03-01-path/../traversal.html", false},
		{"2026-03-01-café.html", false},
		{"2026-03-01-slug.txt", false},
		{"", false},
	}
	for _, c := range cases {
		err := ValidateFilename(c.name)
		if c.ok && err != nil {
			t.Errorf("ValidateFilename(%q) = %v, want nil", c.name, err)
		}
		if !c.ok && err == nil {
			t.Errorf("ValidateFilename(%q) = nil, want error", c.name)
		}
	}
}

func TestValidateFilenameLengthBound(t *testing.T) {
	long := "2026-03-01-" + strings.Repeat("a", 150) + ".html"
	if err := ValidateFilename(long); err == nil {
		t.Fatalf("expected length violation")
	}
}

func TestValidateBlobName(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"2026/03/01/20260301-120000-some-slug.json", true},
		{"topics/reddit_abc/state.json", true},
		{"../etc/passwd", false},
		{"/absolute/path", false},
		{"a/../b", false},
		{"back\\slash", false},
		{"ctrl\x07char", false},
		{"", false},
	}
	for _, c := range cases {
		err := ValidateBlobName(c.name)
		if c.ok && err != nil {
			t.Errorf("ValidateBlobName(%q) = %v, want nil", c.name, err)
		}
		if !c.ok && err == nil {
			t.Errorf("ValidateBlobName(%q) = nil, want error", c.name)
		}
	}
}

func TestArticleURLFromFilename(t *testing.T) {
	cases := []struct {
		filename string
		want     string
	}{
		{"2026-03-01-rust-belt.html", "/articles/2026-03-01-rust-belt.html"},
		{"2026-03-01-rust-belt.md", "/articles/2026-03-01-rust-belt.html"},
	}
	for _, c := range cases {
		if got := ArticleURL(c.filename); got != c.want {
			t.Errorf("ArticleURL(%q) = %q, want %q", c.filename, got, c.want)
		}
	}
}

func TestDatePath(t *testing.T) {
	ts := time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("plus5", 5*3600))
	// 23:30+05:00 is 18:30 UTC, still March 1st.
	if got := DatePath(ts); got != "2026/03/01" {
		t.Fatalf("DatePath = %q", got)
	}
}

func TestValidateArticleCatchesDrift(t *testing.T) {
	base := ProcessedArticle{
		ArticleID:       "t1",
		OriginalTopicID: "t1",
		Filename:        "2026-03-01-some-slug.html",
		URL:             "/articles/2026-03-01-some-slug.html",
		Content:         "body",
	}
	if err := ValidateArticle(base); err != nil {
		t.Fatalf("valid article rejected: %v", err)
	}

	drifted := base
	drifted.URL = "/articles/2026-03-01-other-slug.html"
	if err := ValidateArticle(drifted); err == nil {
		t.Fatalf("url drift must be rejected")
	}

	empty := base
	empty.Content = "   "
	if err := ValidateArticle(empty); err == nil {
		t.Fatalf("empty content must be rejected")
	}
}

func TestValidateMessage(t *testing.T) {
	env, err := NewMessage(OpProcessTopic, "test", "", TopicPayload{TopicID: "t1"})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if err := ValidateMessage(env); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}

	bad := env
	bad.Operation = "mystery_op"
	if err := ValidateMessage(bad); err == nil {
		t.Fatalf("unknown operation must be rejected")
	}

	noID := env
	noID.MessageID = ""
	if err := ValidateMessage(noID); err == nil {
		t.Fatalf("missing message_id must be rejected")
	}
}

func TestNewMessageCorrelation(t *testing.T) {
	env, _ := NewMessage(OpProcessTopic, "svc", "corr-1", TopicPayload{TopicID: "t1"})
	if env.CorrelationID != "corr-1" {
		t.Fatalf("explicit correlation id lost")
	}

	env2, _ := NewMessage(OpProcessTopic, "svc", "", TopicPayload{TopicID: "t1"})
	if env2.CorrelationID == "" {
		t.Fatalf("empty correlation id must be minted")
	}

	payload, err := DecodePayload[TopicPayload](env)
	if err != nil || payload.TopicID != "t1" {
		t.Fatalf("decode: (%+v, %v)", payload, err)
	}
}
