package provider

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/geoinsight/pkg/anthropic"
	"github.com/sells-group/geoinsight/pkg/openai"
	"github.com/sells-group/geoinsight/pkg/perplexity"
)

const defaultMaxTokens = 4096

// AnthropicProvider adapts the Anthropic client to the Provider interface.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider creates a Provider backed by the Anthropic messages API.
func NewAnthropicProvider(client anthropic.Client, model string) *AnthropicProvider {
	return &AnthropicProvider{client: client, model: model}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete implements Provider.
func (p *AnthropicProvider) Complete(ctx context.Context, prompt Prompt) (*Completion, error) {
	maxTokens := prompt.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	req := anthropic.MessageRequest{
		Model:       p.model,
		MaxTokens:   int64(maxTokens),
		Messages:    []anthropic.Message{{Role: "user", Content: prompt.Text}},
		Temperature: prompt.Temperature,
	}
	if prompt.System != "" {
		req.System = anthropic.CachedSystemBlocks(prompt.System)
	}

	start := time.Now()
	resp, err := p.client.CreateMessage(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "provider: anthropic complete")
	}

	return &Completion{
		Text:         resp.Text(),
		Model:        resp.Model,
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		Latency:      time.Since(start),
	}, nil
}

// OpenAIProvider adapts the OpenAI client to the Provider interface.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider creates a Provider backed by the OpenAI chat completions API.
func NewOpenAIProvider(client openai.Client, model string) *OpenAIProvider {
	return &OpenAIProvider{client: client, model: model}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, prompt Prompt) (*Completion, error) {
	req := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    chatMessages(prompt, func(role, content string) openai.Message { return openai.Message{Role: role, Content: content} }),
		Temperature: prompt.Temperature,
	}
	if prompt.MaxTokens > 0 {
		req.MaxTokens = &prompt.MaxTokens
	}

	start := time.Now()
	resp, err := p.client.ChatCompletion(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "provider: openai complete")
	}
	if len(resp.Choices) == 0 {
		return nil, eris.New("provider: openai returned no choices")
	}

	return &Completion{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Latency:      time.Since(start),
	}, nil
}

// PerplexityProvider adapts the Perplexity client to the Provider interface.
type PerplexityProvider struct {
	client perplexity.Client
	model  string
}

// NewPerplexityProvider creates a Provider backed by the Perplexity API.
func NewPerplexityProvider(client perplexity.Client, model string) *PerplexityProvider {
	return &PerplexityProvider{client: client, model: model}
}

// Name implements Provider.
func (p *PerplexityProvider) Name() string { return "perplexity" }

// Complete implements Provider.
func (p *PerplexityProvider) Complete(ctx context.Context, prompt Prompt) (*Completion, error) {
	req := perplexity.ChatCompletionRequest{
		Model:       p.model,
		Messages:    chatMessages(prompt, func(role, content string) perplexity.Message { return perplexity.Message{Role: role, Content: content} }),
		Temperature: prompt.Temperature,
	}
	if prompt.MaxTokens > 0 {
		req.MaxTokens = &prompt.MaxTokens
	}

	start := time.Now()
	resp, err := p.client.ChatCompletion(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "provider: perplexity complete")
	}
	if len(resp.Choices) == 0 {
		return nil, eris.New("provider: perplexity returned no choices")
	}

	return &Completion{
		Text:         resp.Choices[0].Message.Content,
		Model:        p.model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Latency:      time.Since(start),
	}, nil
}

// chatMessages builds an OpenAI-style message list from a prompt, mapping the
// optional system context to a leading system message.
func chatMessages[M any](prompt Prompt, mk func(role, content string) M) []M {
	msgs := make([]M, 0, 2)
	if prompt.System != "" {
		msgs = append(msgs, mk("system", prompt.System))
	}
	msgs = append(msgs, mk("user", prompt.Text))
	return msgs
}
