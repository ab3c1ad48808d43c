package core

import (
	"context"
	"testing"
)

func TestDeclaresAll(t *testing.T) {
	desc := AgentDescriptor{Capabilities: []string{"Math", "code"}}

	if !desc.DeclaresAll(nil) {
		t.Errorf("empty requirement should always match")
	}
	if !desc.DeclaresAll([]string{"math"}) {
		t.Errorf("capability comparison should ignore case")
	}
	if !desc.DeclaresAll([]string{"math", "code"}) {
		t.Errorf("expected full superset match")
	}
	if desc.DeclaresAll([]string{"math", "image"}) {
		t.Errorf("missing capability should fail the superset check")
	}
}

func TestCapabilityOverlap(t *testing.T) {
	desc := AgentDescriptor{Capabilities: []string{"math", "code", "search"}}

	if got := desc.CapabilityOverlap([]string{"math", "code"}); got != 2 {
		t.Errorf("expected overlap 2, got %d", got)
	}
	if got := desc.CapabilityOverlap([]string{"math", "math"}); got != 1 {
		t.Errorf("duplicate tags should count once, got %d", got)
	}
	if got := desc.CapabilityOverlap([]string{"image"}); got != 0 {
		t.Errorf("expected overlap 0, got %d", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	desc := AgentDescriptor{
		ID:           "a",
		Capabilities: []string{"math"},
		Labels:       map[string]string{"team": "core"},
	}
	clone := desc.Clone()
	clone.Capabilities[0] = "changed"
	clone.Labels["team"] = "changed"

	if desc.Capabilities[0] != "math" {
		t.Errorf("clone shares capability slice")
	}
	if desc.Labels["team"] != "core" {
		t.Errorf("clone shares label map")
	}
}

func TestHealthDispatchable(t *testing.T) {
	for _, h := range []Health{HealthUnknown, HealthHealthy, HealthDegraded} {
		if !h.Dispatchable() {
			t.Errorf("%s should be dispatchable", h)
		}
	}
	if HealthUnreachable.Dispatchable() {
		t.Errorf("UNREACHABLE should not be dispatchable under normal policy")
	}
}

func TestHealthRankOrder(t *testing.T) {
	if !(HealthHealthy.Rank() < HealthUnknown.Rank() &&
		HealthUnknown.Rank() < HealthDegraded.Rank() &&
		HealthDegraded.Rank() < HealthUnreachable.Rank()) {
		t.Errorf("health rank order broken")
	}
}

func TestEnsureDispatchID(t *testing.T) {
	ctx, id := EnsureDispatchID(context.Background())
	if id == "" {
		t.Fatalf("expected generated dispatch id")
	}
	ctx2, id2 := EnsureDispatchID(ctx)
	if id2 != id {
		t.Errorf("expected existing id reused, got %q and %q", id, id2)
	}
	if ctx2 != ctx {
		t.Errorf("expected same context when id already present")
	}
}

func TestNewRequest(t *testing.T) {
	req := NewRequest("2+2")
	if req.ID == "" {
		t.Errorf("expected generated request id")
	}
	if req.Payload != "2+2" {
		t.Errorf("unexpected payload %q", req.Payload)
	}
	if req.SubmittedAt.IsZero() {
		t.Errorf("expected submission timestamp")
	}
}
