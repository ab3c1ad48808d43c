// SPDX-License-Identifier: Apache-2.0

// Package core provides the shared domain types for Switchboard.
package core

// Health represents the observed health state of a registered agent.
type Health string

const (
	// HealthUnknown is the initial state before any observation.
	HealthUnknown Health = "UNKNOWN"

	// HealthHealthy indicates the agent is fully operational.
	HealthHealthy Health = "HEALTHY"

	// HealthDegraded indicates the agent is operational but slow or flaky.
	HealthDegraded Health = "DEGRADED"

	// HealthUnreachable indicates the agent endpoint could not be contacted.
	HealthUnreachable Health = "UNREACHABLE"
)

// Dispatchable reports whether an agent in this state may be selected
// under normal policy. Unreachable agents are only eligible as a last
// resort, which is the router's call, not the health model's.
func (h Health) Dispatchable() bool {
	switch h {
	case HealthHealthy, HealthDegraded, HealthUnknown:
		return true
	default:
		return false
	}
}

// Rank orders health states best-first for ranking purposes.
func (h Health) Rank() int {
	switch h {
	case HealthHealthy:
		return 0
	case HealthUnknown:
		return 1
	case HealthDegraded:
		return 2
	case HealthUnreachable:
		return 3
	default:
		return 4
	}
}
