package main

import (
	"context"
	"embed"
	"fmt"
	"io"
	"io/fs"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-go-golems/chatrelay/pkg/bus"
	"github.com/go-go-golems/chatrelay/pkg/config"
	"github.com/go-go-golems/chatrelay/pkg/gateway"
	"github.com/go-go-golems/chatrelay/pkg/history"
	"github.com/go-go-golems/chatrelay/pkg/logging"
	"github.com/go-go-golems/chatrelay/pkg/relay"
	"github.com/go-go-golems/chatrelay/pkg/server"
)

//go:embed static/*
var staticFS embed.FS

var (
	settings  config.Settings
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:           "chatrelay",
	Short:         "Websocket chat relay with an AI gateway responder",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		file, _ := f.GetString("config")
		s, err := config.Load(config.LoadOptions{File: file, DotEnv: ".env"})
		if err != nil {
			return err
		}
		applyLogFlags(&s, f)
		closer, err := logging.Init(s.Logging)
		if err != nil {
			return err
		}
		settings = s
		logCloser = closer
		return nil
	},
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat page and the websocket relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := settings
			applyServeFlags(&s, cmd.Flags())
			if err := s.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), s)
		},
	}
	cmd.Flags().String("addr", "", "listen address (default :8000)")
	cmd.Flags().String("bus", "", "bus backend: memory or redis")
	cmd.Flags().String("redis-addr", "", "redis address for the redis bus")
	cmd.Flags().String("gateway-url", "", "AI gateway URL for the http backend")
	cmd.Flags().String("gateway-backend", "", "gateway backend: http, anthropic or openai")
	cmd.Flags().String("channel", "", "chat channel name")
	return cmd
}

// applyServeFlags overrides settings with the serve flags the user set explicitly.
func applyServeFlags(s *config.Settings, f *pflag.FlagSet) {
	if f.Changed("addr") {
		s.Addr, _ = f.GetString("addr")
	}
	if f.Changed("bus") {
		s.Bus.Backend, _ = f.GetString("bus")
	}
	if f.Changed("redis-addr") {
		s.Bus.Redis.Addr, _ = f.GetString("redis-addr")
	}
	if f.Changed("gateway-url") {
		s.Gateway.URL, _ = f.GetString("gateway-url")
	}
	if f.Changed("gateway-backend") {
		s.Gateway.Backend, _ = f.GetString("gateway-backend")
	}
	if f.Changed("channel") {
		s.Relay.Channel, _ = f.GetString("channel")
	}
}

// applyLogFlags overrides the logging settings with the root flags the user set explicitly.
func applyLogFlags(s *config.Settings, f *pflag.FlagSet) {
	if f.Changed("log-level") {
		s.Logging.Level, _ = f.GetString("log-level")
	}
	if f.Changed("log-format") {
		s.Logging.Format, _ = f.GetString("log-format")
	}
	if f.Changed("log-file") {
		s.Logging.File, _ = f.GetString("log-file")
	}
	if f.Changed("with-caller") {
		s.Logging.WithCaller, _ = f.GetBool("with-caller")
	}
}

func serve(ctx context.Context, s config.Settings) error {
	wmLogger := logging.NewWatermillLogger(log.With().Str("component", "watermill").Logger())
	b, err := bus.New(s.Bus, []string{s.Relay.Channel}, wmLogger)
	if err != nil {
		return err
	}
	completer, err := gateway.New(s.Gateway)
	if err != nil {
		return err
	}
	hub, err := relay.NewHub(relay.Deps{
		Bus:       b,
		Completer: completer,
		History:   history.NewStore(s.Relay.HistoryTurns),
	}, s.Relay)
	if err != nil {
		return err
	}
	static, err := fs.Sub(staticFS, "static")
	if err != nil {
		return errors.Wrap(err, "static files")
	}
	srv, err := server.New(ctx, b, hub, server.Options{
		Addr:            s.Addr,
		AllowedOrigins:  s.AllowedOrigins,
		ShutdownTimeout: s.ShutdownTimeout,
		Static:          static,
	})
	if err != nil {
		return err
	}
	log.Info().
		Str("bus", b.Name()).
		Str("gateway", s.Gateway.Backend).
		Str("channel", s.Relay.Channel).
		Msg("chatrelay configured")
	return srv.Run(ctx)
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective settings as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := settings.Validate(); err != nil {
				return err
			}
			b, err := settings.YAML()
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), string(b))
			return err
		},
	}
}

func addRootFlags(pf *pflag.FlagSet) {
	pf.String("config", "", "path to a YAML config file")
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.String("log-format", "auto", "log format (auto, console, json)")
	pf.String("log-file", "", "also write logs to this rotating file")
	pf.Bool("with-caller", false, "log caller information")
}

func main() {
	addRootFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newServeCommand(), newConfigCommand())

	err := rootCmd.ExecuteContext(context.Background())
	if logCloser != nil {
		_ = logCloser.Close()
	}
	if err != nil {
		log.Error().Err(err).Msg("chatrelay failed")
	}
	cobra.CheckErr(err)
}
