package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestInitRejectsUnknownLevel(t *testing.T) {
	_, err := Init(Settings{Level: "loud", Format: FormatJSON})
	require.ErrorContains(t, err, "parse log level")
}

func TestInitRejectsUnknownFormat(t *testing.T) {
	_, err := Init(Settings{Level: "info", Format: "xml"})
	require.ErrorContains(t, err, "unknown log format")
}

func TestInitWritesToLogFile(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	path := filepath.Join(t.TempDir(), "relay.log")
	closer, err := Init(Settings{Level: "debug", Format: FormatJSON, File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	log.Debug().Str("component", "test").Msg("hello file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello file")
}

func TestResolveFormat(t *testing.T) {
	require.Equal(t, FormatJSON, resolveFormat("json", nil))
	require.Equal(t, FormatConsole, resolveFormat("Console", nil))
	require.Equal(t, FormatJSON, resolveFormat("auto", nil))
	require.Equal(t, FormatJSON, resolveFormat("", nil))
}

func TestWatermillLoggerCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	wl := NewWatermillLogger(zerolog.New(&buf).Level(zerolog.TraceLevel))

	wl.With(watermill.LogFields{"topic": "demo"}).Info("subscribed", watermill.LogFields{"n": 1})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "demo", line["topic"])
	require.Equal(t, "subscribed", line["message"])
	require.EqualValues(t, 1, line["n"])
}
