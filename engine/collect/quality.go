package collect

import (
	"strings"

	"github.com/emberpress/emberpress/engine/domain"
	"github.com/emberpress/emberpress/engine/sources"
)

// QualitySpec is the pure gate every collected item passes before dedup.
type QualitySpec struct {
	MinScoreReddit    int
	MinBoostsMastodon int
	MinComments       int
	IncludeKeywords   []string
	ExcludeKeywords   []string
}

// Evaluate reports whether item clears the gate, with a reason when not.
// No I/O: score thresholds are per-source, keyword sets apply to title and
// body, and empty required fields always fail.
func (q QualitySpec) Evaluate(item domain.CollectedItem) (bool, string) {
	if strings.TrimSpace(item.Title) == "" {
		return false, "empty title"
	}
	if item.ID == "" || item.Source == "" {
		return false, "missing identity"
	}

	switch sources.Kind(item.Source) {
	case sources.KindReddit:
		if item.NativeScore < q.MinScoreReddit {
			return false, "score below threshold"
		}
	case sources.KindMastodon:
		if item.NativeScore < q.MinBoostsMastodon {
			return false, "boosts below threshold"
		}
	}
	if item.Comments < q.MinComments {
		return false, "comments below threshold"
	}

	haystack := strings.ToLower(item.Title + " " + item.Content)
	for _, kw := range q.ExcludeKeywords {
		if kw != "" && strings.Contains(haystack, strings.ToLower(kw)) {
			return false, "excluded keyword: " + kw
		}
	}
	if len(q.IncludeKeywords) > 0 {
		found := false
		for _, kw := range q.IncludeKeywords {
			if kw != "" && strings.Contains(haystack, strings.ToLower(kw)) {
				found = true
				break
			}
		}
		if !found {
			return false, "no required keyword"
		}
	}
	return true, ""
}

// PriorityScore ranks a topic for downstream processing. Upvotes dominate,
// comments signal discussion depth.
func PriorityScore(item domain.CollectedItem) float64 {
	return float64(item.NativeScore) + 2*float64(item.Comments)
}
