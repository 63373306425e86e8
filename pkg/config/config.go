// Package config assembles the relay settings from defaults, an optional YAML file,
// a .env file and the process environment.
package config

import (
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatrelay/pkg/bus"
	"github.com/go-go-golems/chatrelay/pkg/gateway"
	"github.com/go-go-golems/chatrelay/pkg/logging"
	"github.com/go-go-golems/chatrelay/pkg/redisstream"
	"github.com/go-go-golems/chatrelay/pkg/relay"
)

const EnvPrefix = "CHATRELAY_"

// Legacy deployment variables. ENV_STATE=prod moves the bus to Redis at $REDIS_HOST.
const (
	LegacyEnvState  = "ENV_STATE"
	LegacyRedisHost = "REDIS_HOST"
)

var DefaultAllowedOrigins = []string{
	"http://localhost",
	"http://localhost:8000",
	"http://www.fromisus.store",
	"https://www.fromisus.store",
}

type Settings struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	Logging logging.Settings `yaml:"logging" envPrefix:"LOG_"`
	Bus     bus.Settings     `yaml:"bus" envPrefix:"BUS_"`
	Gateway gateway.Settings `yaml:"gateway" envPrefix:"GATEWAY_"`
	Relay   relay.Options    `yaml:"relay" envPrefix:"RELAY_"`
}

func Default() Settings {
	return Settings{
		Addr:            ":8000",
		AllowedOrigins:  append([]string(nil), DefaultAllowedOrigins...),
		ShutdownTimeout: 30 * time.Second,
		Logging:         logging.DefaultSettings(),
		Bus:             bus.DefaultSettings(),
		Gateway:         gateway.DefaultSettings(),
		Relay:           relay.DefaultOptions(),
	}
}

// LoadOptions point Load at its sources. Empty File skips the YAML step, empty DotEnv
// skips the .env step and a nil Environ reads os.Environ.
type LoadOptions struct {
	File    string
	DotEnv  string
	Environ []string
}

// Load layers defaults, the YAML file, the .env file, CHATRELAY_* variables and the
// legacy ENV_STATE/REDIS_HOST pair, in that order. Process variables win over .env ones.
// The result is not validated; callers apply CLI flags first and then call Validate.
func Load(opts LoadOptions) (Settings, error) {
	s := Default()

	if opts.File != "" {
		if err := s.mergeFile(opts.File); err != nil {
			return Settings{}, err
		}
	}

	vars, err := environment(opts)
	if err != nil {
		return Settings{}, err
	}
	if err := env.ParseWithOptions(&s, env.Options{Prefix: EnvPrefix, Environment: vars}); err != nil {
		return Settings{}, errors.Wrap(err, "parse environment")
	}
	s.applyLegacy(vars)
	return s, nil
}

func (s *Settings) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(b, s); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

func environment(opts LoadOptions) (map[string]string, error) {
	vars := map[string]string{}
	if opts.DotEnv != "" {
		dot, err := gotenv.Read(opts.DotEnv)
		switch {
		case err == nil:
			for k, v := range dot {
				vars[k] = v
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, errors.Wrapf(err, "read %s", opts.DotEnv)
		}
	}
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			vars[k] = v
		}
	}
	return vars, nil
}

func (s *Settings) applyLegacy(vars map[string]string) {
	if !strings.EqualFold(strings.TrimSpace(vars[LegacyEnvState]), "prod") {
		return
	}
	s.Bus.Backend = bus.BackendRedis
	if host := strings.TrimSpace(vars[LegacyRedisHost]); host != "" {
		s.Bus.Redis.Addr = redisstream.AddrForHost(host)
	}
}

func (s Settings) Validate() error {
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("listen address is empty")
	}
	switch strings.ToLower(strings.TrimSpace(s.Bus.Backend)) {
	case bus.BackendMemory:
	case bus.BackendRedis:
		if strings.TrimSpace(s.Bus.Redis.Addr) == "" {
			return errors.New("redis address is required for the redis bus")
		}
	default:
		return errors.Errorf("unknown bus backend %q", s.Bus.Backend)
	}
	if err := s.Gateway.Validate(); err != nil {
		return err
	}
	if err := s.Relay.Validate(); err != nil {
		return err
	}
	if s.ShutdownTimeout < 0 {
		return errors.New("shutdown timeout must not be negative")
	}
	return nil
}

// YAML renders the settings, API key redacted.
func (s Settings) YAML() ([]byte, error) {
	if s.Gateway.APIKey != "" {
		s.Gateway.APIKey = "***"
	}
	b, err := yaml.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "encode settings")
	}
	return b, nil
}
