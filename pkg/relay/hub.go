package relay

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Hub is the table of live sessions. Entries are added when a connection is handed
// over and removed when its session ends, on every exit path.
type Hub struct {
	deps  Deps
	opts  Options
	newID func() string

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewHub(deps Deps, opts Options) (*Hub, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Hub{
		deps:     deps,
		opts:     opts,
		newID:    uuid.NewString,
		sessions: map[string]*Session{},
	}, nil
}

// HistoryTurns is the per-session history cap of the shared store.
func (h *Hub) HistoryTurns() int {
	if h == nil {
		return 0
	}
	return h.deps.History.MaxTurns()
}

// Serve runs a new session on conn and blocks until it has been torn down.
func (h *Hub) Serve(ctx context.Context, conn Conn) error {
	if h == nil {
		return errors.New("relay hub is nil")
	}
	sess, err := NewSession(h.newID(), conn, h.deps, h.opts)
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return err
	}
	if err := h.add(sess); err != nil {
		_ = conn.Close()
		return err
	}
	defer h.remove(sess)
	return sess.Run(ctx)
}

func (h *Hub) add(sess *Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[sess.ID()]; ok {
		return errors.Errorf("session %s already registered", sess.ID())
	}
	h.sessions[sess.ID()] = sess
	log.Debug().Str("component", "relay").Str("session_id", sess.ID()).Int("sessions", len(h.sessions)).Msg("session registered")
	return nil
}

func (h *Hub) remove(sess *Session) {
	h.mu.Lock()
	if cur, ok := h.sessions[sess.ID()]; ok && cur == sess {
		delete(h.sessions, sess.ID())
	}
	n := len(h.sessions)
	h.mu.Unlock()
	log.Debug().Str("component", "relay").Str("session_id", sess.ID()).Int("sessions", n).Msg("session removed")
}

func (h *Hub) Count() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) Get(id string) (*Session, bool) {
	if h == nil {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

// IDs returns the live session ids in sorted order.
func (h *Hub) IDs() []string {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// CloseAll stops every live session and waits for their teardown.
func (h *Hub) CloseAll(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for sessions to close")
		}
	}
	return nil
}
