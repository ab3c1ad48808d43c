// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync"
	"time"

	"github.com/okodu/switchboard/pkg/errors"
)

type memorySession struct {
	session Session
	turns   []Turn
}

// MemoryStore is the in-process Store backend. Idle sessions are
// evicted by Sweep or by the janitor started with StartJanitor.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	idleTTL  time.Duration
	now      func() time.Time
}

// NewMemoryStore creates an empty store. idleTTL of zero disables
// eviction.
func NewMemoryStore(idleTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memorySession),
		idleTTL:  idleTTL,
		now:      time.Now,
	}
}

// GetOrCreate implements Store.
func (s *MemoryStore) GetOrCreate(_ context.Context, id string) (Session, error) {
	if id == "" {
		return Session{}, errors.New(errors.CodeInvalidInput, "session id is empty", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	entry, ok := s.sessions[id]
	if !ok {
		entry = &memorySession{session: Session{ID: id, CreatedAt: now}}
		s.sessions[id] = entry
	}
	entry.session.LastActiveAt = now
	return entry.session, nil
}

// Pin implements Store.
func (s *MemoryStore) Pin(_ context.Context, sessionID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[sessionID]
	if !ok {
		return errors.New(errors.CodeSessionError, "unknown session", nil).
			WithContext("session_id", sessionID)
	}
	entry.session.PinnedAgentID = agentID
	entry.session.LastActiveAt = s.now().UTC()
	return nil
}

// AppendTurn implements Store.
func (s *MemoryStore) AppendTurn(_ context.Context, sessionID string, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[sessionID]
	if !ok {
		return errors.New(errors.CodeSessionError, "unknown session", nil).
			WithContext("session_id", sessionID)
	}
	entry.turns = append(entry.turns, turn)
	entry.session.LastActiveAt = s.now().UTC()
	return nil
}

// History implements Store.
func (s *MemoryStore) History(_ context.Context, sessionID string, limit int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[sessionID]
	if !ok {
		return nil, errors.New(errors.CodeSessionError, "unknown session", nil).
			WithContext("session_id", sessionID)
	}
	turns := entry.turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// Len returns the number of live sessions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep evicts sessions idle longer than the store's TTL and returns
// how many were removed.
func (s *MemoryStore) Sweep() int {
	if s.idleTTL <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.idleTTL)
	removed := 0
	for id, entry := range s.sessions {
		if entry.session.LastActiveAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// StartJanitor sweeps on the given interval until ctx is canceled.
func (s *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if s.idleTTL <= 0 || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}
