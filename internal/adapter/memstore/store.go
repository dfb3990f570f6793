// Package memstore implements sessionstore.Store in process memory. It is
// used by tests and single-shot CLI runs.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Strob0t/ReviewForge/internal/domain"
	"github.com/Strob0t/ReviewForge/internal/domain/session"
)

// Store keeps sessions in a map guarded by one mutex.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// New creates an empty Store.
func New() *Store {
	return &Store{sessions: make(map[string]*session.Session)}
}

func clone(s *session.Session) *session.Session {
	c := *s
	c.Outputs = make([]session.StageOutput, len(s.Outputs))
	for i, o := range s.Outputs {
		o.Payload = slices.Clone(o.Payload)
		c.Outputs[i] = o
	}
	return &c
}

func (m *Store) Create(_ context.Context, s *session.Session, initial session.StageOutput) error {
	if s.ID == "" {
		return fmt.Errorf("session id is required: %w", domain.ErrValidation)
	}
	if initial.Stage != s.Stage {
		return fmt.Errorf("initial output stage %s does not match session stage %s: %w", initial.Stage, s.Stage, domain.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already exists: %w", s.ID, domain.ErrConflict)
	}

	c := clone(s)
	c.Version = 1
	initial.SessionID = s.ID
	initial.Seq = 1
	c.Outputs = []session.StageOutput{initial}
	m.sessions[s.ID] = c
	s.Version = 1
	return nil
}

func (m *Store) Load(_ context.Context, id string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return clone(s), nil
}

func (m *Store) List(_ context.Context, includeArchived bool) ([]session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.Archived && !includeArchived {
			continue
		}
		out = append(out, s.Summary())
	}
	slices.SortFunc(out, func(a, b session.Session) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// current returns the stored session after checking the caller's version.
// m.mu must be held.
func (m *Store) current(id string, expectedVersion int) (*session.Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	if s.Version != expectedVersion {
		return nil, fmt.Errorf("session %s version %d, expected %d: %w", id, s.Version, expectedVersion, domain.ErrConflict)
	}
	return s, nil
}

func (m *Store) Save(_ context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.current(s.ID, s.Version)
	if err != nil {
		return err
	}
	cur.Name = s.Name
	cur.FatalError = s.FatalError
	cur.Archived = s.Archived
	cur.UpdatedAt = time.Now().UTC()
	cur.Version++
	s.Version = cur.Version
	return nil
}

func (m *Store) append(cur *session.Session, out *session.StageOutput) {
	out.SessionID = cur.ID
	out.Seq = cur.NextSeq()
	o := *out
	o.Payload = slices.Clone(out.Payload)
	cur.Outputs = append(cur.Outputs, o)
	cur.UpdatedAt = out.CreatedAt
	cur.Version++
}

func (m *Store) AppendStageOutput(_ context.Context, sessionID string, expectedVersion int, out *session.StageOutput) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.current(sessionID, expectedVersion)
	if err != nil {
		return 0, err
	}
	m.append(cur, out)
	return cur.Version, nil
}

func (m *Store) Commit(_ context.Context, sessionID string, expectedVersion int, out *session.StageOutput, next session.Stage) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.current(sessionID, expectedVersion)
	if err != nil {
		return 0, err
	}
	if !session.ValidTransition(cur.Stage, next) {
		return 0, fmt.Errorf("session %s cannot move from %s to %s: %w", sessionID, cur.Stage, next, domain.ErrValidation)
	}
	m.append(cur, out)
	cur.Stage = next
	return cur.Version, nil
}

func (m *Store) Close() error { return nil }
