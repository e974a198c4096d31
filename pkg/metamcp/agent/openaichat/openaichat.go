// Package openaichat implements agent.ChatProvider over
// github.com/sashabaranov/go-openai, requesting a JSON-object response
// format so every Ask-Agent call returns machine-parseable JSON (spec §6
// "Chat-completions port").
package openaichat

import (
	"context"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/stacklok/metamcp/pkg/metamcp/agent"
)

// defaultTimeout bounds a single chat-completions call (spec §5
// "in-flight HTTP calls use a default 30 s timeout").
const defaultTimeout = 30 * time.Second

// Provider adapts an OpenAI-compatible chat-completions API to
// agent.ChatProvider.
type Provider struct {
	client  *openai.Client
	timeout time.Duration
}

// New constructs a Provider. baseURL overrides the default OpenAI API
// endpoint when set, allowing OpenAI-compatible gateways. An empty apiKey
// yields a Provider whose Ready reports false.
func New(apiKey, baseURL string) *Provider {
	if apiKey == "" {
		return &Provider{timeout: defaultTimeout}
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Provider{client: openai.NewClientWithConfig(cfg), timeout: defaultTimeout}
}

var _ agent.ChatProvider = (*Provider)(nil)

// Ready implements agent.ChatProvider.
func (p *Provider) Ready() bool {
	return p.client != nil
}

// ChatJSON implements agent.ChatProvider.
func (p *Provider) ChatJSON(ctx context.Context, model string, msg agent.ChatMessage) (string, agent.TokenUsage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: msg.System},
			{Role: openai.ChatMessageRoleUser, Content: msg.User},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return "", agent.TokenUsage{}, err
	}
	if len(resp.Choices) == 0 {
		return "", agent.TokenUsage{}, errEmptyResponse
	}
	usage := agent.TokenUsage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	return resp.Choices[0].Message.Content, usage, nil
}

type chatError string

func (e chatError) Error() string { return string(e) }

const errEmptyResponse = chatError("openai: chat completion returned no choices")
