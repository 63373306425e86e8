// Package server exposes the relay over HTTP: the chat page, the websocket route and
// a health probe, plus the process lifecycle around them.
package server

import (
	"context"
	"encoding/json"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatrelay/pkg/bus"
	"github.com/go-go-golems/chatrelay/pkg/relay"
)

type Options struct {
	Addr            string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	// Static holds index.html for GET /. Nil answers 404.
	Static fs.FS
}

// Server owns the HTTP listener and the shutdown sequence for the bus and the hub.
type Server struct {
	baseCtx  context.Context
	bus      bus.Bus
	hub      *relay.Hub
	opts     Options
	origins  originPolicy
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New wires the routes. Sessions started by the websocket handler run under ctx.
func New(ctx context.Context, b bus.Bus, hub *relay.Hub, opts Options) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if b == nil {
		return nil, errors.New("server: bus is nil")
	}
	if hub == nil {
		return nil, errors.New("server: hub is nil")
	}
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, errors.New("server: listen address is empty")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	s := &Server{
		baseCtx: ctx,
		bus:     b,
		hub:     hub,
		opts:    opts,
		origins: newOriginPolicy(opts.AllowedOrigins),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkRequest,
	}
	s.httpSrv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	return s.origins.cors(mux)
}

// handleRoot upgrades websocket requests and serves the chat page otherwise, so a
// client can use the same URL for both.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleWS(w, r)
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Static == nil {
		http.NotFound(w, r)
		return
	}
	b, err := fs.ReadFile(s.opts.Static, "index.html")
	if err != nil {
		log.Error().Err(err).Str("component", "server").Msg("index.html not available")
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(b)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "server").Str("origin", r.Header.Get("Origin")).Msg("websocket upgrade failed")
		return
	}
	log.Info().Str("component", "server").Str("remote", r.RemoteAddr).Msg("websocket connected")
	if err := s.hub.Serve(s.baseCtx, conn); err != nil {
		log.Warn().Err(err).Str("component", "server").Str("remote", r.RemoteAddr).Msg("session ended with error")
	}
}

type healthResponse struct {
	Status       string `json:"status"`
	Sessions     int    `json:"sessions"`
	Bus          string `json:"bus"`
	HistoryTurns int    `json:"history_turns"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:       "ok",
		Sessions:     s.hub.Count(),
		Bus:          s.bus.Name(),
		HistoryTurns: s.hub.HistoryTurns(),
	})
}

// Run connects the bus, serves until ctx ends or SIGINT/SIGTERM arrives, then stops
// accepting connections, closes every session and closes the bus.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	if err := s.bus.Connect(ctx); err != nil {
		return errors.Wrap(err, "connect bus")
	}

	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		_ = s.bus.Close()
		return errors.Wrapf(err, "listen on %s", s.httpSrv.Addr)
	}

	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	eg := errgroup.Group{}
	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Str("component", "server").Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()
		return s.shutdown(context.WithoutCancel(ctx))
	})

	eg.Go(func() error {
		log.Info().Str("component", "server").Str("addr", ln.Addr().String()).Str("bus", s.bus.Name()).Msg("starting chatrelay server")
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("component", "server").Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	return eg.Wait()
}

func (s *Server) shutdown(base context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(base, s.opts.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Str("component", "server").Msg("server shutdown error")
		firstErr = err
	}
	// Shutdown does not track hijacked websocket connections.
	if err := s.hub.CloseAll(shutdownCtx); err != nil {
		log.Error().Err(err).Str("component", "server").Msg("closing sessions")
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := s.bus.Close(); err != nil {
		log.Error().Err(err).Str("component", "server").Msg("bus close error")
		if firstErr == nil {
			firstErr = err
		}
	} else {
		log.Info().Str("component", "server").Msg("bus closed")
	}
	log.Info().Str("component", "server").Msg("server shutdown complete")
	return firstErr
}
