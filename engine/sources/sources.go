// Package sources turns external feeds (reddit, mastodon, rss) into
// normalized collected items. Each source kind is one Adapter in a dispatch
// table; adapters own their HTTP plumbing, pacing, and retry so one source's
// outage never touches another's.
package sources

import (
	"context"

	"github.com/emberpress/emberpress/engine/domain"
)

// Kind tags a source adapter.
type Kind string

const (
	KindReddit   Kind = "reddit"
	KindMastodon Kind = "mastodon"
	KindRSS      Kind = "rss"
)

// Spec enumerates what to fetch from one source kind.
type Spec struct {
	Kind       Kind
	Subreddits []string // reddit
	Instances  []string // mastodon
	Feeds      []string // rss
	Sort       string   // reddit listing sort, default "hot"
	MaxItems   int      // per subreddit/instance/feed
}

// Adapter is the capability record for one source kind: fetch raw items and
// hand back normalized records. Dispatch is a table lookup, not inheritance.
type Adapter struct {
	Kind  Kind
	Fetch func(ctx context.Context, spec Spec) ([]domain.CollectedItem, error)
}

// Table builds the dispatch table from concrete fetchers.
func Table(adapters ...Adapter) map[Kind]Adapter {
	table := make(map[Kind]Adapter, len(adapters))
	for _, a := range adapters {
		table[a.Kind] = a
	}
	return table
}
