package bus

import (
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/redisstream"
)

// Settings selects and configures the bus backend.
type Settings struct {
	Backend string               `yaml:"backend" env:"BACKEND"`
	Redis   redisstream.Settings `yaml:"redis" envPrefix:"REDIS_"`
}

func DefaultSettings() Settings {
	return Settings{
		Backend: BackendMemory,
		Redis:   redisstream.DefaultSettings(),
	}
}

// New builds the configured backend. The bus still needs Connect before use.
func New(s Settings, knownChannels []string, logger watermill.LoggerAdapter) (Bus, error) {
	switch strings.ToLower(strings.TrimSpace(s.Backend)) {
	case "", BackendMemory:
		return NewMemoryBus(logger), nil
	case BackendRedis:
		return NewRedisBus(s.Redis, knownChannels, logger)
	default:
		return nil, errors.Errorf("unknown bus backend %q", s.Backend)
	}
}
