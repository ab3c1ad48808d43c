// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"

	"github.com/okodu/switchboard/pkg/core"
)

// Semantic conventions for dispatcher telemetry. These follow
// OpenTelemetry naming conventions where applicable.
const (
	// Agent attributes
	AttrAgentID     = "switchboard.agent.id"
	AttrAgentHealth = "switchboard.agent.health"

	// Dispatch attributes
	AttrDispatchID       = "switchboard.dispatch.id"
	AttrDispatchOutcome  = "switchboard.dispatch.outcome"
	AttrDispatchAttempts = "switchboard.dispatch.attempts"
	AttrAttemptOutcome   = "switchboard.attempt.outcome"
	AttrCandidateCount   = "switchboard.candidates.count"

	// Session attributes
	AttrSessionID     = "switchboard.session.id"
	AttrSessionPinned = "switchboard.session.pinned"

	// Matcher attributes
	AttrMatcherStrategy = "switchboard.matcher.strategy"

	// Error attributes
	AttrErrorCode = "switchboard.error.code"
)

// AgentAttrs returns the standard span attributes for an agent.
func AgentAttrs(desc core.AgentDescriptor) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrAgentID, desc.ID),
		attribute.String(AttrAgentHealth, string(desc.Health)),
	}
}

// AttemptAttrs returns the standard attributes for one dispatch attempt.
func AttemptAttrs(attempt core.Attempt) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrAgentID, attempt.AgentID),
		attribute.String(AttrAttemptOutcome, string(attempt.Outcome)),
	}
}
