// SPDX-License-Identifier: Apache-2.0

// Package session tracks multi-turn conversations and the agent each
// conversation is pinned to.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Turn is one exchange recorded in a conversation history.
type Turn struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // user or agent
	AgentID   string    `json:"agent_id,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewTurn builds a turn with a fresh id and timestamp.
func NewTurn(role, agentID, content string) Turn {
	return Turn{
		ID:        uuid.NewString(),
		Role:      role,
		AgentID:   agentID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// Session is the conversation state the router consults when deciding
// where a turn goes. PinnedAgentID is empty until the first successful
// dispatch.
type Session struct {
	ID            string    `json:"id"`
	PinnedAgentID string    `json:"pinned_agent_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastActiveAt  time.Time `json:"last_active_at"`
}

// Store persists sessions and their turn history.
type Store interface {
	// GetOrCreate returns the session with the given id, creating it if
	// it does not exist yet. It also refreshes LastActiveAt.
	GetOrCreate(ctx context.Context, id string) (Session, error)

	// Pin records the agent the session sticks to. An empty agentID
	// clears the pin.
	Pin(ctx context.Context, sessionID, agentID string) error

	// AppendTurn adds a turn to the session history.
	AppendTurn(ctx context.Context, sessionID string, turn Turn) error

	// History returns the session's turns in creation order. A limit of
	// zero or less returns everything; otherwise the last limit turns.
	History(ctx context.Context, sessionID string, limit int) ([]Turn, error)

	// Delete removes the session and its history.
	Delete(ctx context.Context, sessionID string) error
}

// KeyedMutex serializes work per session id. Turns of the same
// conversation run one at a time; distinct sessions do not contend.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the lock for key and returns the matching unlock. Lock
// entries are dropped once the last holder releases them.
func (km *KeyedMutex) Lock(key string) (unlock func()) {
	km.mu.Lock()
	l, ok := km.locks[key]
	if !ok {
		l = &keyedLock{}
		km.locks[key] = l
	}
	l.refs++
	km.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		km.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(km.locks, key)
		}
		km.mu.Unlock()
	}
}
