package gateway

import (
	"context"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/go-go-golems/chatrelay/pkg/history"
)

// OpenAIClient answers through an OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	client    openai.Client
	model     string
	maxTokens int64
	system    string
}

var _ Completer = (*OpenAIClient)(nil)

func NewOpenAIClient(s Settings) *OpenAIClient {
	opts := []option.RequestOption{
		option.WithAPIKey(s.APIKey),
		option.WithMaxRetries(0),
	}
	if s.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(s.BaseURL))
	}
	if s.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(s.Timeout))
	}
	return &OpenAIClient{
		client:    openai.NewClient(opts...),
		model:     s.Model,
		maxTokens: s.MaxTokens,
		system:    s.SystemPrompt,
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, userMessage string, turns []history.Turn) (string, error) {
	if strings.TrimSpace(userMessage) == "" {
		return "", failed(ErrEmptyMessage, "complete")
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: openAIMessages(c.system, userMessage, turns),
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(c.maxTokens)
	}
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", failed(err, "openai chat completion call")
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", failed(nil, "openai response has no content")
	}
	return resp.Choices[0].Message.Content, nil
}

func openAIMessages(system, userMessage string, turns []history.Turn) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+2)
	if system != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}
	for _, t := range turns {
		switch t.Role {
		case history.RoleUser:
			msgs = append(msgs, openai.UserMessage(t.Content))
		case history.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		}
	}
	return append(msgs, openai.UserMessage(userMessage))
}
