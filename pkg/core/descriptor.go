package core

import (
	"sort"
	"strings"
	"time"
)

// Endpoint is the opaque handle the transport uses to reach an agent.
// Scheme selects the transport binding ("http" today, "grpc" for the
// health probe); URL is whatever that binding understands.
type Endpoint struct {
	Scheme string `json:"scheme"`
	URL    string `json:"url"`
}

// AgentDescriptor holds the registry's view of one agent.
type AgentDescriptor struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Description  string            `json:"description,omitempty"`
	Capabilities []string          `json:"capabilities"`
	Endpoint     Endpoint          `json:"endpoint"`
	Labels       map[string]string `json:"labels,omitempty"`

	// Health and HealthChangedAt are mutated only through the registry.
	Health          Health    `json:"health"`
	HealthChangedAt time.Time `json:"health_changed_at,omitempty"`

	// Seq is the registration sequence number, assigned by the registry.
	// It is the deterministic tie-breaker for ranking.
	Seq uint64 `json:"seq"`
}

// Clone returns a deep copy so snapshots never alias registry state.
func (d AgentDescriptor) Clone() AgentDescriptor {
	out := d
	out.Capabilities = append([]string(nil), d.Capabilities...)
	if d.Labels != nil {
		out.Labels = make(map[string]string, len(d.Labels))
		for k, v := range d.Labels {
			out.Labels[k] = v
		}
	}
	return out
}

// DeclaresAll reports whether the agent declares every capability in want.
func (d AgentDescriptor) DeclaresAll(want []string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(d.Capabilities))
	for _, c := range d.Capabilities {
		have[normalizeCapability(c)] = struct{}{}
	}
	for _, w := range want {
		if _, ok := have[normalizeCapability(w)]; !ok {
			return false
		}
	}
	return true
}

// CapabilityOverlap counts how many of the given tags the agent declares.
func (d AgentDescriptor) CapabilityOverlap(tags []string) int {
	have := make(map[string]struct{}, len(d.Capabilities))
	for _, c := range d.Capabilities {
		have[normalizeCapability(c)] = struct{}{}
	}
	n := 0
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		key := normalizeCapability(tag)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := have[key]; ok {
			n++
		}
	}
	return n
}

// CapabilityProfile renders the agent's declared capabilities as one text
// blob, used by embedding-based matchers.
func (d AgentDescriptor) CapabilityProfile() string {
	parts := make([]string, 0, 2+len(d.Capabilities))
	if d.Name != "" {
		parts = append(parts, d.Name)
	}
	if d.Description != "" {
		parts = append(parts, d.Description)
	}
	caps := append([]string(nil), d.Capabilities...)
	sort.Strings(caps)
	parts = append(parts, caps...)
	return strings.Join(parts, ". ")
}

func normalizeCapability(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}
