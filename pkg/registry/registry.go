// SPDX-License-Identifier: Apache-2.0

// Package registry maintains the live set of dispatchable agents.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/okodu/switchboard/pkg/core"
	"github.com/okodu/switchboard/pkg/errors"
)

// Registry owns all agent descriptors. Every mutation goes through it;
// readers only ever see copies.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*core.AgentDescriptor
	nextSeq uint64
	now    func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		agents: make(map[string]*core.AgentDescriptor),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Register inserts a new agent with health UNKNOWN.
// Fails with DUPLICATE_AGENT if the id is already present.
func (r *Registry) Register(desc core.AgentDescriptor) error {
	id := strings.TrimSpace(desc.ID)
	if id == "" {
		return errors.New(errors.CodeInvalidInput, "agent id is required", nil)
	}
	if len(desc.Capabilities) == 0 {
		return errors.New(errors.CodeInvalidInput, "agent must declare at least one capability", nil).
			WithContext("agent_id", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; ok {
		return errors.New(errors.CodeDuplicateAgent, "agent id already registered", nil).
			WithContext("agent_id", id)
	}

	stored := desc.Clone()
	stored.ID = id
	stored.Health = core.HealthUnknown
	stored.HealthChangedAt = r.now()
	stored.Seq = r.nextSeq
	r.nextSeq++
	r.agents[id] = &stored
	return nil
}

// Deregister removes the agent atomically. In-flight dispatches holding a
// snapshot copy are unaffected; no new dispatch can select the agent once
// this returns. Fails with UNKNOWN_AGENT if absent.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return errors.New(errors.CodeUnknownAgent, "agent not registered", nil).
			WithContext("agent_id", id)
	}
	delete(r.agents, id)
	return nil
}

// UpdateHealth replaces the agent's health state. The observation time
// guards against out-of-order updates: an observation older than the
// current transition is dropped, so a stale success can never undo a
// later unreachability verdict.
func (r *Registry) UpdateHealth(id string, health core.Health, observedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return errors.New(errors.CodeUnknownAgent, "agent not registered", nil).
			WithContext("agent_id", id)
	}
	if observedAt.IsZero() {
		observedAt = r.now()
	}
	if observedAt.Before(agent.HealthChangedAt) {
		return nil
	}
	if agent.Health == health {
		return nil
	}
	agent.Health = health
	agent.HealthChangedAt = observedAt
	return nil
}

// Get returns a copy of one descriptor.
func (r *Registry) Get(id string) (core.AgentDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return core.AgentDescriptor{}, errors.New(errors.CodeUnknownAgent, "agent not registered", nil).
			WithContext("agent_id", id)
	}
	return agent.Clone(), nil
}

// Snapshot returns a consistent point-in-time copy of all descriptors,
// ordered by registration sequence. A single dispatch decision works
// against one snapshot even while registrations churn.
func (r *Registry) Snapshot() []core.AgentDescriptor {
	r.mu.RLock()
	out := make([]core.AgentDescriptor, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, agent.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// List is Snapshot under the caller-facing name.
func (r *Registry) List() []core.AgentDescriptor {
	return r.Snapshot()
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
