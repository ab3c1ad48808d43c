package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/okodu/switchboard/pkg/core"
	"github.com/okodu/switchboard/pkg/errors"
)

func descriptor(id string, caps ...string) core.AgentDescriptor {
	return core.AgentDescriptor{
		ID:           id,
		Capabilities: caps,
		Endpoint:     core.Endpoint{Scheme: "http", URL: "http://localhost:9/" + id},
	}
}

func TestRegisterAndSnapshot(t *testing.T) {
	r := New()
	if err := r.Register(descriptor("alpha", "math")); err != nil {
		t.Fatalf("register alpha: %v", err)
	}
	if err := r.Register(descriptor("beta", "math", "code")); err != nil {
		t.Fatalf("register beta: %v", err)
	}

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(snap))
	}
	if snap[0].ID != "alpha" || snap[1].ID != "beta" {
		t.Fatalf("snapshot not in registration order: %+v", snap)
	}
	if snap[0].Health != core.HealthUnknown {
		t.Errorf("new agents should start UNKNOWN, got %s", snap[0].Health)
	}
	if snap[0].Seq >= snap[1].Seq {
		t.Errorf("sequence numbers should increase with registration order")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	if err := r.Register(descriptor("alpha", "math")); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := r.Register(descriptor("alpha", "code"))
	if !errors.IsCode(err, errors.CodeDuplicateAgent) {
		t.Fatalf("expected DUPLICATE_AGENT, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := New()
	if err := r.Register(core.AgentDescriptor{Capabilities: []string{"x"}}); !errors.IsCode(err, errors.CodeInvalidInput) {
		t.Errorf("missing id should be INVALID_INPUT, got %v", err)
	}
	if err := r.Register(core.AgentDescriptor{ID: "a"}); !errors.IsCode(err, errors.CodeInvalidInput) {
		t.Errorf("missing capabilities should be INVALID_INPUT, got %v", err)
	}
}

func TestDeregister(t *testing.T) {
	r := New()
	if err := r.Register(descriptor("alpha", "math")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Deregister("alpha"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if err := r.Deregister("alpha"); !errors.IsCode(err, errors.CodeUnknownAgent) {
		t.Fatalf("expected UNKNOWN_AGENT, got %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry")
	}
}

func TestDeregisterDoesNotAffectHeldSnapshot(t *testing.T) {
	r := New()
	if err := r.Register(descriptor("alpha", "math")); err != nil {
		t.Fatalf("register: %v", err)
	}

	held := r.Snapshot()
	if err := r.Deregister("alpha"); err != nil {
		t.Fatalf("deregister: %v", err)
	}

	// The in-flight dispatch keeps its copy; new snapshots are empty.
	if len(held) != 1 || held[0].ID != "alpha" {
		t.Errorf("held snapshot mutated by deregistration")
	}
	if len(r.Snapshot()) != 0 {
		t.Errorf("new snapshot should not contain deregistered agent")
	}
}

func TestUpdateHealth(t *testing.T) {
	r := New()
	if err := r.Register(descriptor("alpha", "math")); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := r.UpdateHealth("alpha", core.HealthHealthy, time.Now()); err != nil {
		t.Fatalf("update health: %v", err)
	}
	got, err := r.Get("alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Health != core.HealthHealthy {
		t.Errorf("expected HEALTHY, got %s", got.Health)
	}

	if err := r.UpdateHealth("ghost", core.HealthHealthy, time.Now()); !errors.IsCode(err, errors.CodeUnknownAgent) {
		t.Errorf("expected UNKNOWN_AGENT for missing agent, got %v", err)
	}
}

func TestUpdateHealthIgnoresStaleObservation(t *testing.T) {
	r := New()
	if err := r.Register(descriptor("alpha", "math")); err != nil {
		t.Fatalf("register: %v", err)
	}

	now := time.Now()
	if err := r.UpdateHealth("alpha", core.HealthUnreachable, now); err != nil {
		t.Fatalf("update health: %v", err)
	}
	// A success observed before the unreachability verdict must not undo it.
	if err := r.UpdateHealth("alpha", core.HealthHealthy, now.Add(-time.Minute)); err != nil {
		t.Fatalf("stale update: %v", err)
	}

	got, _ := r.Get("alpha")
	if got.Health != core.HealthUnreachable {
		t.Errorf("stale success un-detected unreachability: %s", got.Health)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	r := New()
	if err := r.Register(descriptor("alpha", "math")); err != nil {
		t.Fatalf("register: %v", err)
	}

	snap := r.Snapshot()
	snap[0].Capabilities[0] = "mutated"
	snap[0].Health = core.HealthUnreachable

	got, _ := r.Get("alpha")
	if got.Capabilities[0] != "math" || got.Health != core.HealthUnknown {
		t.Errorf("snapshot mutation leaked into registry: %+v", got)
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	r := New()
	if err := r.Register(descriptor("seed", "math")); err != nil {
		t.Fatalf("register: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			_ = r.Register(descriptor(id, "math"))
			_ = r.UpdateHealth(id, core.HealthHealthy, time.Now())
			_ = r.Deregister(id)
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				for _, d := range r.Snapshot() {
					if d.ID == "" {
						t.Errorf("torn descriptor observed")
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}
