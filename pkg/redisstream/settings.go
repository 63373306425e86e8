package redisstream

import "fmt"

// Settings holds Redis Streams transport configuration for the networked bus.
type Settings struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	StreamPrefix string `yaml:"stream_prefix" env:"STREAM_PREFIX"`
	GroupPrefix  string `yaml:"group_prefix" env:"GROUP_PREFIX"`
	// MaxLen caps each channel stream (approximate XADD MAXLEN). Zero leaves it unbounded.
	MaxLen int64 `yaml:"max_len" env:"MAX_LEN"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:         "127.0.0.1:6379",
		StreamPrefix: "chatrelay:",
		GroupPrefix:  "relay-",
		MaxLen:       1000,
	}
}

// AddrForHost returns the address of a Redis server on the default port.
func AddrForHost(host string) string {
	return fmt.Sprintf("%s:6379", host)
}

func (s Settings) StreamForChannel(channel string) string {
	return s.StreamPrefix + channel
}
