package model

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/emberpress/emberpress/engine/domain"
)

// Anthropic backs Client with the official SDK.
type Anthropic struct {
	client anthropic.Client
	model  string
}

// NewAnthropic creates a client for the given model.
func NewAnthropic(apiKey, model string, timeout time.Duration) *Anthropic {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Anthropic{
		client: anthropic.NewClient(
			option.WithAPIKey(apiKey),
			option.WithRequestTimeout(timeout),
		),
		model: model,
	}
}

// Complete implements Client.
func (a *Anthropic) Complete(ctx context.Context, req Request) (Completion, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	start := time.Now()
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Completion{}, classifyAnthropic(err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}

	usage := Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	return Completion{
		Text:    b.String(),
		Model:   a.model,
		Usage:   usage,
		CostUSD: Cost(a.model, usage),
		Latency: time.Since(start),
	}, nil
}

// classifyAnthropic maps SDK errors onto the pipeline taxonomy.
func classifyAnthropic(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return domain.RateLimited("anthropic", 0, err)
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return domain.E(domain.KindFatal, "anthropic", err)
		case apiErr.StatusCode >= 500:
			return domain.E(domain.KindTransient, "anthropic", err)
		default:
			return domain.E(domain.KindValidation, "anthropic", err)
		}
	}
	return domain.E(domain.KindTransient, "anthropic", err)
}
