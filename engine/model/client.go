// Package model abstracts the generative backend behind one small interface
// with two implementations: a hand-rolled OpenAI chat-completions client and
// the Anthropic SDK. Cost accounting lives here so the processor can stamp
// spend onto every article.
package model

import (
	"context"
	"time"
)

// Request is one completion call.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Usage is the token accounting returned by the backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns the combined token count.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Completion is the result of one model call.
type Completion struct {
	Text    string
	Model   string
	Usage   Usage
	CostUSD float64
	Latency time.Duration
}

// Client is a generative model backend.
type Client interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// pricing is USD per 1K tokens, (prompt, completion).
type pricing struct {
	prompt     float64
	completion float64
}

var priceTable = map[string]pricing{
	"gpt-4o":            {0.0025, 0.01},
	"gpt-4o-mini":       {0.00015, 0.0006},
	"claude-sonnet-4-5": {0.003, 0.015},
	"claude-haiku-4-5":  {0.001, 0.005},
}

// defaultPricing is used for unknown models so cost is never silently zero.
var defaultPricing = pricing{0.003, 0.015}

// Cost computes the USD spend for a usage on the given model.
func Cost(model string, u Usage) float64 {
	p, ok := priceTable[model]
	if !ok {
		p = defaultPricing
	}
	return float64(u.PromptTokens)/1000*p.prompt + float64(u.CompletionTokens)/1000*p.completion
}
