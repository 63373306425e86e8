package gateway

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	BackendHTTP      = "http"
	BackendAnthropic = "anthropic"
	BackendOpenAI    = "openai"
)

const DefaultURL = "https://wjd36tvv38.execute-api.ap-northeast-2.amazonaws.com/default/test-lambda"

type Settings struct {
	Backend string        `yaml:"backend" env:"BACKEND"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`

	// http backend
	URL          string `yaml:"url" env:"URL"`
	MessageParam string `yaml:"message_param" env:"MESSAGE_PARAM"`
	HistoryParam string `yaml:"history_param" env:"HISTORY_PARAM"`

	// anthropic / openai backends
	APIKey       string `yaml:"api_key" env:"API_KEY"`
	BaseURL      string `yaml:"base_url" env:"BASE_URL"`
	Model        string `yaml:"model" env:"MODEL"`
	MaxTokens    int64  `yaml:"max_tokens" env:"MAX_TOKENS"`
	SystemPrompt string `yaml:"system_prompt" env:"SYSTEM_PROMPT"`

	// MaxRetries of zero makes a single attempt per message.
	MaxRetries   uint64        `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryInitial time.Duration `yaml:"retry_initial" env:"RETRY_INITIAL"`
	RetryMax     time.Duration `yaml:"retry_max" env:"RETRY_MAX"`
}

func DefaultSettings() Settings {
	return Settings{
		Backend:      BackendHTTP,
		Timeout:      60 * time.Second,
		URL:          DefaultURL,
		MessageParam: "m",
		HistoryParam: "history",
		MaxTokens:    1024,
		RetryInitial: 500 * time.Millisecond,
		RetryMax:     5 * time.Second,
	}
}

func (s Settings) Validate() error {
	switch strings.ToLower(strings.TrimSpace(s.Backend)) {
	case BackendHTTP:
		if strings.TrimSpace(s.URL) == "" {
			return errors.New("gateway url is required for the http backend")
		}
	case BackendAnthropic, BackendOpenAI:
		if strings.TrimSpace(s.Model) == "" {
			return errors.Errorf("gateway model is required for the %s backend", s.Backend)
		}
	default:
		return errors.Errorf("unknown gateway backend %q", s.Backend)
	}
	if s.Timeout < 0 {
		return errors.New("gateway timeout must not be negative")
	}
	return nil
}

// New builds the configured completer, wrapped in a retry policy when MaxRetries is set.
func New(s Settings) (Completer, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	var c Completer
	switch strings.ToLower(strings.TrimSpace(s.Backend)) {
	case BackendHTTP:
		hc, err := NewHTTPClient(s)
		if err != nil {
			return nil, err
		}
		c = hc
	case BackendAnthropic:
		c = NewAnthropicClient(s)
	case BackendOpenAI:
		c = NewOpenAIClient(s)
	}
	if s.MaxRetries > 0 {
		c = NewRetrying(c, s.MaxRetries, s.RetryInitial, s.RetryMax)
	}
	return c, nil
}
