package gateway

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/go-go-golems/chatrelay/pkg/history"
)

// AnthropicClient answers through the Anthropic Messages API.
type AnthropicClient struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	system    string
}

var _ Completer = (*AnthropicClient)(nil)

func NewAnthropicClient(s Settings) *AnthropicClient {
	opts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(s.APIKey),
		// retries are layered by Retrying
		anthropicoption.WithMaxRetries(0),
	}
	if s.BaseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(s.BaseURL))
	}
	if s.Timeout > 0 {
		opts = append(opts, anthropicoption.WithRequestTimeout(s.Timeout))
	}
	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(opts...),
		model:     s.Model,
		maxTokens: maxTokens,
		system:    s.SystemPrompt,
	}
}

func (c *AnthropicClient) Complete(ctx context.Context, userMessage string, turns []history.Turn) (string, error) {
	if strings.TrimSpace(userMessage) == "" {
		return "", failed(ErrEmptyMessage, "complete")
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		Messages:  anthropicMessages(userMessage, turns),
		MaxTokens: c.maxTokens,
	}
	if c.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: c.system}}
	}
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", failed(err, "anthropic messages call")
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", failed(nil, "anthropic response has no text content")
	}
	return sb.String(), nil
}

func anthropicMessages(userMessage string, turns []history.Turn) []anthropic.MessageParam {
	msgs := make([]anthropic.MessageParam, 0, len(turns)+1)
	for _, t := range turns {
		switch t.Role {
		case history.RoleUser:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Content)))
		case history.RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Content)))
		}
	}
	return append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(userMessage)))
}
