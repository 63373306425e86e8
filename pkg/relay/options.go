package relay

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/bus"
	"github.com/go-go-golems/chatrelay/pkg/gateway"
	"github.com/go-go-golems/chatrelay/pkg/history"
)

// Options are the per-deployment constants every session uses.
type Options struct {
	Channel      string        `yaml:"channel" env:"CHANNEL"`
	BotLabel     string        `yaml:"bot_label" env:"BOT_LABEL"`
	StatusLabel  string        `yaml:"status_label" env:"STATUS_LABEL"`
	TypingText   string        `yaml:"typing_text" env:"TYPING_TEXT"`
	ErrorText    string        `yaml:"error_text" env:"ERROR_TEXT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	HistoryTurns int           `yaml:"history_turns" env:"HISTORY_TURNS"`

	// MaxMessageBytes caps inbound client frames. Zero disables the limit.
	MaxMessageBytes int64 `yaml:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`
}

const DefaultMaxMessageBytes = 64 << 10

func DefaultOptions() Options {
	return Options{
		Channel:      "demo",
		BotLabel:     "Bedrock Claude",
		StatusLabel:  "안내",
		TypingText:   "Claude가 입력 중입니다...",
		ErrorText:    "Claude 응답을 가져오지 못했습니다. 잠시 후 다시 시도해 주세요.",
		WriteTimeout: 10 * time.Second,
		HistoryTurns: history.DefaultMaxTurns,

		MaxMessageBytes: DefaultMaxMessageBytes,
	}
}

func (o Options) Validate() error {
	if strings.TrimSpace(o.Channel) == "" {
		return errors.New("relay channel is empty")
	}
	if o.HistoryTurns < 2 || o.HistoryTurns%2 != 0 {
		return errors.Errorf("history turns must be an even number >= 2, got %d", o.HistoryTurns)
	}
	if o.WriteTimeout < 0 {
		return errors.New("write timeout must not be negative")
	}
	if o.MaxMessageBytes < 0 {
		return errors.New("max message bytes must not be negative")
	}
	return nil
}

// Deps are the process-wide collaborators shared by all sessions.
type Deps struct {
	Bus       bus.Bus
	Completer gateway.Completer
	History   *history.Store
}

func (d Deps) validate() error {
	if d.Bus == nil {
		return errors.New("relay: bus is nil")
	}
	if d.Completer == nil {
		return errors.New("relay: completer is nil")
	}
	if d.History == nil {
		return errors.New("relay: history store is nil")
	}
	return nil
}
