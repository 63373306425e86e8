// Package history keeps the bounded per-session conversation window used to give
// gateway calls their context.
package history

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrSessionClosed = errors.New("history: session closed")
	ErrSessionExists = errors.New("history: session already open")
)

// Store holds one Log per live session. Entries are created by Open and removed by
// Clear; writes for a session that is not open are rejected.
type Store struct {
	mu       sync.Mutex
	maxTurns int
	logs     map[string]*Log
}

func NewStore(maxTurns int) *Store {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Store{
		maxTurns: maxTurns,
		logs:     map[string]*Log{},
	}
}

func (s *Store) MaxTurns() int {
	if s == nil {
		return 0
	}
	return s.maxTurns
}

func (s *Store) Open(sessionID string) error {
	if s == nil {
		return errors.New("history: nil store")
	}
	if sessionID == "" {
		return errors.New("history: session id is empty")
	}
	if strings.TrimSpace(sessionID) != sessionID {
		return errors.Errorf("history: session id %q has surrounding whitespace", sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[sessionID]; ok {
		return errors.Wrap(ErrSessionExists, sessionID)
	}
	s.logs[sessionID] = NewLog(s.maxTurns)
	return nil
}

// Append adds turns to the end of the session's log in order.
func (s *Store) Append(sessionID string, turns ...Turn) error {
	if s == nil {
		return errors.New("history: nil store")
	}
	for _, t := range turns {
		if !t.Role.Valid() {
			return errors.Errorf("history: unknown role %q", t.Role)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[sessionID]
	if !ok {
		return errors.Wrap(ErrSessionClosed, sessionID)
	}
	l.Append(turns...)
	return nil
}

// Get returns a snapshot of the session's turns. ok is false once the session
// has been cleared or was never opened.
func (s *Store) Get(sessionID string) ([]Turn, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[sessionID]
	if !ok {
		return nil, false
	}
	return l.Snapshot(), true
}

// Clear drops the session's log. Clearing an unknown session is a no-op.
func (s *Store) Clear(sessionID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[sessionID]; ok {
		l.Reset()
		delete(s.logs, sessionID)
	}
}

// Len reports the number of open sessions.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs)
}
