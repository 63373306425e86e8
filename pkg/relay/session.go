package relay

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatrelay/pkg/bus"
	"github.com/go-go-golems/chatrelay/pkg/history"
)

// Conn is the part of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session relays one client connection. The inbound pump publishes client frames to
// the channel; the outbound pump forwards channel events to the client and answers
// each user message through the gateway. Whichever pump stops first stops the other,
// and teardown runs exactly once.
type Session struct {
	id   string
	conn Conn
	deps Deps
	opts Options
	log  zerolog.Logger

	state atomic.Int32

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	sub     *bus.Subscription

	writeMu      sync.Mutex
	teardownOnce sync.Once
	done         chan struct{}
}

func NewSession(id string, conn Conn, deps Deps, opts Options) (*Session, error) {
	if id == "" {
		return nil, errors.New("relay: session id is empty")
	}
	if conn == nil {
		return nil, errors.New("relay: connection is nil")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	lc := log.With().
		Str("component", "relay").
		Str("session_id", id).
		Str("channel", opts.Channel)
	if ra, ok := conn.(interface{ RemoteAddr() net.Addr }); ok && ra.RemoteAddr() != nil {
		lc = lc.Str("remote", ra.RemoteAddr().String())
	}
	return &Session{
		id:   id,
		conn: conn,
		deps: deps,
		opts: opts,
		log:  lc.Logger(),
		done: make(chan struct{}),
	}, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once teardown has completed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run drives the session until either pump stops, then tears it down. It returns
// the error that ended the session, or nil for a client disconnect or cancellation.
func (s *Session) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.started = true
	s.cancel = cancel
	s.mu.Unlock()

	defer s.teardown()

	if err := s.deps.History.Open(s.id); err != nil {
		return errors.Wrap(err, "open history")
	}
	sub, err := s.deps.Bus.Subscribe(runCtx, s.opts.Channel)
	if err != nil {
		s.log.Error().Err(err).Msg("subscribe failed")
		return err
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	s.log.Debug().Msg("subscribed to channel")

	if s.opts.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.opts.MaxMessageBytes)
	}
	s.state.Store(int32(StateActive))
	s.log.Info().Msg("session active")

	eg, egCtx := errgroup.WithContext(runCtx)
	eg.Go(guard("inbound", func() error {
		defer cancel()
		return s.inbound(egCtx)
	}))
	eg.Go(guard("outbound", func() error {
		defer cancel()
		return s.outbound(egCtx, sub)
	}))
	eg.Go(func() error {
		<-egCtx.Done()
		s.state.CompareAndSwap(int32(StateActive), int32(StateClosing))
		// unblocks a pending ReadMessage
		_ = s.conn.Close()
		return nil
	})

	err = eg.Wait()
	if err != nil {
		s.log.Warn().Err(err).Msg("session ended with error")
	} else {
		s.log.Info().Msg("session ended")
	}
	return err
}

// Close stops a running session, or tears down one that never started.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel, started := s.cancel, s.started
	s.mu.Unlock()

	if started {
		cancel()
		return
	}
	s.teardown()
}

func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.state.Store(int32(StateClosing))

		s.mu.Lock()
		s.closed = true
		sub := s.sub
		s.sub = nil
		s.mu.Unlock()

		if sub != nil {
			if err := sub.Close(); err != nil {
				s.log.Warn().Err(err).Msg("subscription release failed")
			}
		}
		s.deps.History.Clear(s.id)
		_ = s.conn.Close()

		s.state.Store(int32(StateClosed))
		close(s.done)
		s.log.Debug().Msg("session torn down")
	})
}

func (s *Session) inbound(ctx context.Context) error {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || isClientClose(err) {
				s.log.Debug().Err(err).Msg("client disconnected")
				return nil
			}
			return transportError(err, "read from client")
		}
		// only valid UTF-8 text frames are relayed
		if msgType != websocket.TextMessage {
			s.log.Warn().Int("message_type", msgType).Int("bytes", len(data)).Msg("dropping non-text frame")
			continue
		}
		if !utf8.Valid(data) {
			s.log.Warn().Int("bytes", len(data)).Msg("dropping frame with invalid UTF-8")
			continue
		}
		s.log.Debug().Int("bytes", len(data)).Msg("received message")
		if err := s.deps.Bus.Publish(ctx, s.opts.Channel, data); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "publish client message")
		}
		s.log.Debug().Msg("published to channel")
	}
}

func (s *Session) outbound(ctx context.Context, sub *bus.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-sub.Messages():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Wrapf(bus.ErrBusUnavailable, "subscription to %s ended", sub.Channel())
			}
			if err := s.handleEvent(ctx, payload); err != nil {
				return err
			}
		}
	}
}

// handleEvent processes one channel event to completion before the next is read,
// which keeps history writes for the session serialized.
func (s *Session) handleEvent(ctx context.Context, payload []byte) error {
	s.log.Debug().Int("bytes", len(payload)).Msg("got event from channel")
	if err := s.write(ctx, payload); err != nil {
		return err
	}

	userMessage, err := ExtractMessage(payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("skipping channel event")
		return nil
	}

	if err := s.sendEnvelope(ctx, NewMessage(s.opts.StatusLabel, s.opts.TypingText)); err != nil {
		return err
	}

	turns, ok := s.deps.History.Get(s.id)
	if !ok {
		return nil
	}
	start := time.Now()
	reply, err := s.deps.Completer.Complete(ctx, userMessage, turns)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		s.log.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("gateway call failed")
		return s.sendEnvelope(ctx, NewMessage(s.opts.StatusLabel, s.opts.ErrorText))
	}
	s.log.Debug().Dur("elapsed", time.Since(start)).Int("history_turns", len(turns)).Msg("gateway replied")

	if err := s.deps.History.Append(s.id, history.UserTurn(userMessage), history.AssistantTurn(reply)); err != nil {
		s.log.Debug().Err(err).Msg("dropping reply for closed session")
		return nil
	}
	return s.sendEnvelope(ctx, NewMessage(s.opts.BotLabel, reply))
}

func (s *Session) sendEnvelope(ctx context.Context, env Envelope) error {
	b, err := env.Marshal()
	if err != nil {
		return err
	}
	return s.write(ctx, b)
}

func (s *Session) write(ctx context.Context, data []byte) error {
	if ctx.Err() != nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.opts.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return transportError(err, "write to client")
	}
	return nil
}

func isClientClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

func guard(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("%s pump panicked: %v", name, r)
			}
		}()
		return fn()
	}
}
