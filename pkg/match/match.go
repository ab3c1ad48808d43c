// SPDX-License-Identifier: Apache-2.0

// Package match decides which registered agents should receive a request.
// A Matcher is a black box returning an ordering plus per-candidate
// scores; strategies range from static tag intersection to external
// classifiers.
package match

import (
	"context"
	"regexp"
	"strings"

	"github.com/okodu/switchboard/pkg/core"
)

// Candidate is one ranked agent. Score is in [0,1]; higher is better.
type Candidate struct {
	AgentID string
	Score   float64
}

// Matcher produces a best-first candidate ordering for a request against
// a registry snapshot. An empty result means no agent matches; that is
// not an error.
type Matcher interface {
	Rank(ctx context.Context, req core.Request, snapshot []core.AgentDescriptor) ([]Candidate, error)
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// interestTags derives the capability tags a request is asking for: the
// explicit requiredCapabilities hint plus the lowercase terms of the
// payload.
func interestTags(req core.Request) map[string]struct{} {
	tags := make(map[string]struct{})
	for _, c := range req.RequiredCapabilities {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			tags[c] = struct{}{}
		}
	}
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(req.Payload), -1) {
		tags[tok] = struct{}{}
	}
	return tags
}

// eligible applies the requiredCapabilities superset filter and drops
// unreachable agents unless includeUnreachable is set.
func eligible(req core.Request, snapshot []core.AgentDescriptor, includeUnreachable bool) []core.AgentDescriptor {
	out := make([]core.AgentDescriptor, 0, len(snapshot))
	for _, desc := range snapshot {
		if !desc.DeclaresAll(req.RequiredCapabilities) {
			continue
		}
		if desc.Health == core.HealthUnreachable && !includeUnreachable {
			continue
		}
		out = append(out, desc)
	}
	return out
}

// healthBucket groups health states for ranking: dispatchable first,
// degraded next, unreachable last.
func healthBucket(h core.Health) int {
	switch h {
	case core.HealthHealthy, core.HealthUnknown:
		return 0
	case core.HealthDegraded:
		return 1
	default:
		return 2
	}
}
