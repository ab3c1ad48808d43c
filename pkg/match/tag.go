package match

import (
	"context"
	"sort"

	"github.com/okodu/switchboard/pkg/core"
)

// TagMatcher ranks agents by capability-tag intersection with the
// request. It is the default strategy: deterministic, no I/O.
type TagMatcher struct {
	// IncludeUnreachable keeps UNREACHABLE agents at the bottom of the
	// ranking instead of dropping them. The router's last-resort policy
	// does not depend on it: the router appends unreachable agents
	// itself when every dispatchable candidate has failed.
	IncludeUnreachable bool
}

// NewTagMatcher creates the default capability-tag matcher.
func NewTagMatcher() *TagMatcher {
	return &TagMatcher{}
}

// Rank implements Matcher. Ordering is total and reproducible: health
// bucket, then overlap score, then declared-capability breadth, then
// registration sequence.
func (m *TagMatcher) Rank(_ context.Context, req core.Request, snapshot []core.AgentDescriptor) ([]Candidate, error) {
	agents := eligible(req, snapshot, m.IncludeUnreachable)
	if len(agents) == 0 {
		return nil, nil
	}

	interest := interestTags(req)
	interestList := make([]string, 0, len(interest))
	for tag := range interest {
		interestList = append(interestList, tag)
	}

	type scored struct {
		desc    core.AgentDescriptor
		overlap int
	}
	ranked := make([]scored, 0, len(agents))
	for _, desc := range agents {
		ranked = append(ranked, scored{desc: desc, overlap: desc.CapabilityOverlap(interestList)})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if ba, bb := healthBucket(a.desc.Health), healthBucket(b.desc.Health); ba != bb {
			return ba < bb
		}
		if a.overlap != b.overlap {
			return a.overlap > b.overlap
		}
		// Broader agents first: an agent declaring a superset of another's
		// capabilities is the better default pick for mixed requests.
		if la, lb := len(a.desc.Capabilities), len(b.desc.Capabilities); la != lb {
			return la > lb
		}
		return a.desc.Seq < b.desc.Seq
	})

	out := make([]Candidate, 0, len(ranked))
	denom := float64(len(interest))
	for _, entry := range ranked {
		score := 0.0
		if denom > 0 {
			score = float64(entry.overlap) / denom
		}
		out = append(out, Candidate{AgentID: entry.desc.ID, Score: score})
	}
	return out, nil
}
