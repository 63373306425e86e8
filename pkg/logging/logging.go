// Package logging configures the process-wide zerolog logger and adapts it for watermill.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	FormatAuto    = "auto"
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Settings controls log level, output format and the optional rotating log file.
type Settings struct {
	Level      string `yaml:"level" env:"LEVEL"`
	Format     string `yaml:"format" env:"FORMAT"`
	WithCaller bool   `yaml:"with_caller" env:"WITH_CALLER"`
	File       string `yaml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"MAX_AGE_DAYS"`
}

func DefaultSettings() Settings {
	return Settings{
		Level:      "info",
		Format:     FormatAuto,
		MaxSizeMB:  100,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

// Init replaces the global log.Logger according to s. The returned closer flushes
// and closes the log file when one is configured.
func Init(s Settings) (io.Closer, error) {
	lvl := zerolog.InfoLevel
	if strings.TrimSpace(s.Level) != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s.Level)))
		if err != nil {
			return nil, errors.Wrapf(err, "parse log level %q", s.Level)
		}
		lvl = parsed
	}

	var out io.Writer
	switch resolveFormat(s.Format, os.Stdout) {
	case FormatConsole:
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	case FormatJSON:
		out = os.Stdout
	default:
		return nil, errors.Errorf("unknown log format %q", s.Format)
	}

	var closer io.Closer = nopCloser{}
	if path := strings.TrimSpace(s.File); path != "" {
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    s.MaxSizeMB,
			MaxBackups: s.MaxBackups,
			MaxAge:     s.MaxAgeDays,
		}
		out = zerolog.MultiLevelWriter(out, lj)
		closer = lj
	}

	zerolog.SetGlobalLevel(lvl)
	ctx := zerolog.New(out).With().Timestamp()
	if s.WithCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	return closer, nil
}

func resolveFormat(format string, f *os.File) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format != "" && format != FormatAuto {
		return format
	}
	if f != nil && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return FormatConsole
	}
	return FormatJSON
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
