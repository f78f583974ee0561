package process

import "strings"

// AssessQuality scores a draft against length and structure heuristics,
// returning a value in [0, 1]. It is deliberately cheap: the gate exists to
// catch truncated or degenerate model output, not to judge prose.
func AssessQuality(content string) float64 {
	words := strings.Fields(content)
	if len(words) == 0 {
		return 0
	}

	score := 0.0

	// Length: full credit at 800+ words, proportional below.
	switch {
	case len(words) >= 800:
		score += 0.5
	default:
		score += 0.5 * float64(len(words)) / 800
	}

	// Structure: multiple paragraphs.
	paragraphs := 0
	for _, p := range strings.Split(content, "\n\n") {
		if strings.TrimSpace(p) != "" {
			paragraphs++
		}
	}
	if paragraphs >= 3 {
		score += 0.25
	} else if paragraphs == 2 {
		score += 0.15
	}

	// Headings or emphasis suggest the model produced an article, not a
	// refusal or a one-liner.
	if strings.Contains(content, "\n#") || strings.Contains(content, "\n##") {
		score += 0.15
	}

	// Degenerate repetition check: unique word ratio.
	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[strings.ToLower(w)] = struct{}{}
	}
	if float64(len(unique))/float64(len(words)) > 0.3 {
		score += 0.1
	}

	if score > 1 {
		score = 1
	}
	return score
}

// WordCount counts whitespace-separated tokens.
func WordCount(content string) int {
	return len(strings.Fields(content))
}
