// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/okodu/switchboard/pkg/core"
	"github.com/okodu/switchboard/pkg/errors"
	"github.com/okodu/switchboard/pkg/match"
	"github.com/okodu/switchboard/pkg/registry"
	"github.com/okodu/switchboard/pkg/session"
	"github.com/okodu/switchboard/pkg/transport"
)

// scriptedTransport answers per agent id (carried in the endpoint URL).
type scriptedTransport struct {
	mu      sync.Mutex
	scripts map[string]func() (*core.Response, error)
	calls   []string
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{scripts: make(map[string]func() (*core.Response, error))}
}

func (t *scriptedTransport) on(agentID string, fn func() (*core.Response, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scripts[agentID] = fn
}

func (t *scriptedTransport) answer(agentID, text string) {
	t.on(agentID, func() (*core.Response, error) {
		return &core.Response{State: core.ResponseCompleted, Text: text}, nil
	})
}

func (t *scriptedTransport) fail(agentID string, code errors.ErrorCode) {
	t.on(agentID, func() (*core.Response, error) {
		return nil, errors.New(code, "scripted failure", nil).WithRecoverable(true)
	})
}

func (t *scriptedTransport) Send(ctx context.Context, endpoint core.Endpoint, req core.Request) (*core.Response, error) {
	t.mu.Lock()
	t.calls = append(t.calls, endpoint.URL)
	fn := t.scripts[endpoint.URL]
	t.mu.Unlock()
	if fn == nil {
		return nil, errors.New(errors.CodeUnreachable, "no script", nil)
	}
	return fn()
}

func (t *scriptedTransport) SendStream(ctx context.Context, endpoint core.Endpoint, req core.Request, emit transport.Emit) (*core.Response, error) {
	resp, err := t.Send(ctx, endpoint, req)
	if err != nil {
		return nil, err
	}
	for _, word := range []string{"chunk-1 ", "chunk-2"} {
		if err := emit(core.Chunk{Delta: word}); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (t *scriptedTransport) callLog() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.calls))
	copy(out, t.calls)
	return out
}

func newTestRegistry(t *testing.T, agents ...core.AgentDescriptor) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, desc := range agents {
		if err := reg.Register(desc); err != nil {
			t.Fatalf("register %s: %v", desc.ID, err)
		}
	}
	return reg
}

func descriptor(id string, caps ...string) core.AgentDescriptor {
	return core.AgentDescriptor{
		ID:           id,
		Name:         id,
		Capabilities: caps,
		Endpoint:     core.Endpoint{Scheme: "http", URL: id},
	}
}

func newTestRouter(reg *registry.Registry, tr transport.Transport, store session.Store, cfg Config) *Router {
	return New(reg, match.NewTagMatcher(), tr, store, cfg)
}

func TestSubmitSuccess(t *testing.T) {
	reg := newTestRegistry(t, descriptor("mathbot", "math"))
	tr := newScriptedTransport()
	tr.answer("mathbot", "4")
	r := newTestRouter(reg, tr, nil, DefaultConfig())

	req := core.NewRequest("2+2")
	req.RequiredCapabilities = []string{"math"}

	result, err := r.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.AgentID != "mathbot" || result.Response == nil || result.Response.Text != "4" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Attempts) != 1 || result.Attempts[0].Outcome != core.OutcomeSuccess {
		t.Fatalf("unexpected attempts: %+v", result.Attempts)
	}
	if !result.Succeeded() {
		t.Error("Succeeded() = false on success")
	}
}

func TestSubmitEmptyPayload(t *testing.T) {
	reg := newTestRegistry(t, descriptor("mathbot", "math"))
	r := newTestRouter(reg, newScriptedTransport(), nil, DefaultConfig())

	_, err := r.Submit(context.Background(), core.NewRequest("   "))
	if !errors.IsCode(err, errors.CodeInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestSubmitNoCandidate(t *testing.T) {
	reg := newTestRegistry(t, descriptor("imagebot", "image"))
	r := newTestRouter(reg, newScriptedTransport(), nil, DefaultConfig())

	req := core.NewRequest("prove a theorem")
	req.RequiredCapabilities = []string{"math"}

	result, err := r.Submit(context.Background(), req)
	if !errors.IsCode(err, errors.CodeNoCandidate) {
		t.Fatalf("expected no candidate error, got %v", err)
	}
	if len(result.Attempts) != 0 {
		t.Fatalf("no transport call expected: %+v", result.Attempts)
	}
}

func TestSubmitFallsThroughCandidates(t *testing.T) {
	// First ranked agent times out, second is unreachable, third
	// declines: terminal failure with the full attempts trail, and
	// health demoted for the first two only.
	reg := newTestRegistry(t,
		descriptor("a", "math"),
		descriptor("b", "math"),
		descriptor("c", "math"),
	)
	tr := newScriptedTransport()
	tr.fail("a", errors.CodeTimeout)
	tr.fail("b", errors.CodeUnreachable)
	tr.fail("c", errors.CodeDeclined)
	r := newTestRouter(reg, tr, nil, DefaultConfig())

	req := core.NewRequest("solve")
	req.RequiredCapabilities = []string{"math"}

	result, err := r.Submit(context.Background(), req)
	if !errors.IsCode(err, errors.CodeAllCandidatesFailed) {
		t.Fatalf("expected all candidates failed, got %v", err)
	}
	want := []core.Outcome{core.OutcomeTimeout, core.OutcomeUnreachable, core.OutcomeDeclined}
	if len(result.Attempts) != len(want) {
		t.Fatalf("attempts = %+v", result.Attempts)
	}
	for i, outcome := range want {
		if result.Attempts[i].Outcome != outcome {
			t.Errorf("attempt %d outcome = %s, want %s", i, result.Attempts[i].Outcome, outcome)
		}
	}

	healths := map[string]core.Health{
		"a": core.HealthDegraded,
		"b": core.HealthUnreachable,
		"c": core.HealthUnknown,
	}
	for id, want := range healths {
		desc, err := reg.Get(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if desc.Health != want {
			t.Errorf("health of %s = %s, want %s", id, desc.Health, want)
		}
	}
}

func TestSubmitUsesNextCandidateAfterTimeout(t *testing.T) {
	reg := newTestRegistry(t, descriptor("a", "math"), descriptor("b", "math"))
	tr := newScriptedTransport()
	tr.fail("a", errors.CodeTimeout)
	tr.answer("b", "done")
	r := newTestRouter(reg, tr, nil, DefaultConfig())

	req := core.NewRequest("solve")
	req.RequiredCapabilities = []string{"math"}

	result, err := r.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.AgentID != "b" {
		t.Fatalf("winner = %s, want b", result.AgentID)
	}
	if len(result.Attempts) != 2 {
		t.Fatalf("attempts = %+v", result.Attempts)
	}
}

func TestSubmitPinsSession(t *testing.T) {
	// b wins the first turn; the second turn goes to b first even
	// though a now ranks ahead of it.
	reg := newTestRegistry(t, descriptor("a", "math"), descriptor("b", "math"))
	tr := newScriptedTransport()
	tr.fail("a", errors.CodeDeclined)
	tr.answer("b", "first answer")
	store := session.NewMemoryStore(0)
	r := newTestRouter(reg, tr, store, DefaultConfig())

	req := core.NewRequest("turn one")
	req.RequiredCapabilities = []string{"math"}
	req.SessionID = "conv-1"

	result, err := r.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if result.AgentID != "b" {
		t.Fatalf("first winner = %s, want b", result.AgentID)
	}

	sess, err := store.GetOrCreate(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if sess.PinnedAgentID != "b" {
		t.Fatalf("pin = %q, want b", sess.PinnedAgentID)
	}

	tr.answer("a", "should not be consulted")
	second := core.NewRequest("turn two")
	second.RequiredCapabilities = []string{"math"}
	second.SessionID = "conv-1"

	result, err = r.Submit(context.Background(), second)
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if result.AgentID != "b" {
		t.Fatalf("second winner = %s, want pinned b", result.AgentID)
	}

	history, err := store.History(context.Background(), "conv-1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4 (two exchanges)", len(history))
	}
	if history[0].Role != "user" || history[1].Role != "agent" || history[1].AgentID != "b" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestSubmitRepinsWhenPinnedUnreachable(t *testing.T) {
	reg := newTestRegistry(t, descriptor("a", "math"), descriptor("b", "math"))
	tr := newScriptedTransport()
	tr.answer("a", "from a")
	tr.answer("b", "from b")
	store := session.NewMemoryStore(0)
	r := newTestRouter(reg, tr, store, DefaultConfig())

	req := core.NewRequest("turn one")
	req.RequiredCapabilities = []string{"math"}
	req.SessionID = "conv-1"
	if _, err := r.Submit(context.Background(), req); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	if err := reg.UpdateHealth("a", core.HealthUnreachable, time.Now()); err != nil {
		t.Fatalf("update health: %v", err)
	}

	second := core.NewRequest("turn two")
	second.RequiredCapabilities = []string{"math"}
	second.SessionID = "conv-1"
	result, err := r.Submit(context.Background(), second)
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if result.AgentID != "b" {
		t.Fatalf("re-selection winner = %s, want b", result.AgentID)
	}

	sess, _ := store.GetOrCreate(context.Background(), "conv-1")
	if sess.PinnedAgentID != "b" {
		t.Fatalf("pin after re-selection = %q, want b", sess.PinnedAgentID)
	}
}

func TestSubmitLastResort(t *testing.T) {
	reg := newTestRegistry(t, descriptor("a", "math"))
	if err := reg.UpdateHealth("a", core.HealthUnreachable, time.Now()); err != nil {
		t.Fatalf("update health: %v", err)
	}
	tr := newScriptedTransport()
	tr.answer("a", "back from the dead")

	req := core.NewRequest("solve")
	req.RequiredCapabilities = []string{"math"}

	strict := newTestRouter(reg, tr, nil, DefaultConfig())
	if _, err := strict.Submit(context.Background(), req); !errors.IsCode(err, errors.CodeNoCandidate) {
		t.Fatalf("without last resort: got %v", err)
	}

	cfg := DefaultConfig()
	cfg.LastResort = true
	lenient := newTestRouter(reg, tr, nil, cfg)
	result, err := lenient.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("with last resort: %v", err)
	}
	if result.AgentID != "a" {
		t.Fatalf("winner = %s, want a", result.AgentID)
	}
}

func TestSubmitCancellation(t *testing.T) {
	reg := newTestRegistry(t, descriptor("a", "math"), descriptor("b", "math"))
	tr := newScriptedTransport()
	ctx, cancel := context.WithCancel(context.Background())
	tr.on("a", func() (*core.Response, error) {
		cancel()
		return nil, errors.New(errors.CodeTimeout, "interrupted", nil)
	})
	tr.answer("b", "never reached")
	r := newTestRouter(reg, tr, nil, DefaultConfig())

	req := core.NewRequest("solve")
	req.RequiredCapabilities = []string{"math"}

	_, err := r.Submit(ctx, req)
	if !errors.IsCode(err, errors.CodeContextLost) {
		t.Fatalf("expected context lost, got %v", err)
	}
	for _, call := range tr.callLog() {
		if call == "b" {
			t.Fatal("candidate tried after cancellation")
		}
	}
}

func TestSubmitStream(t *testing.T) {
	reg := newTestRegistry(t, descriptor("a", "math"))
	tr := newScriptedTransport()
	tr.answer("a", "chunk-1 chunk-2")
	r := newTestRouter(reg, tr, nil, DefaultConfig())

	req := core.NewRequest("solve")
	req.RequiredCapabilities = []string{"math"}

	var deltas []string
	var finals int
	result, err := r.SubmitStream(context.Background(), req, func(chunk core.Chunk) error {
		if chunk.Final {
			finals++
			if chunk.Response == nil {
				t.Error("final chunk without response")
			}
			return nil
		}
		deltas = append(deltas, chunk.Delta)
		return nil
	})
	if err != nil {
		t.Fatalf("submit stream: %v", err)
	}
	if result.AgentID != "a" {
		t.Fatalf("winner = %s", result.AgentID)
	}
	if len(deltas) != 2 || deltas[0] != "chunk-1 " {
		t.Fatalf("deltas = %v", deltas)
	}
	if finals != 1 {
		t.Fatalf("final chunks = %d, want 1", finals)
	}
}

func TestSubmitCircuitBreakerSkipsDeadAgent(t *testing.T) {
	reg := newTestRegistry(t, descriptor("a", "math"), descriptor("b", "math"))
	tr := newScriptedTransport()
	tr.fail("a", errors.CodeUnreachable)
	tr.answer("b", "ok")

	cfg := DefaultConfig()
	cfg.Breaker.FailureThreshold = 1
	cfg.Breaker.Timeout = time.Hour
	r := newTestRouter(reg, tr, nil, cfg)

	req := core.NewRequest("solve")
	req.RequiredCapabilities = []string{"math"}
	if _, err := r.Submit(context.Background(), req); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	// a's breaker is now open and a is marked unreachable; its health
	// recovering must not bypass the breaker.
	if err := reg.UpdateHealth("a", core.HealthHealthy, time.Now()); err != nil {
		t.Fatalf("update health: %v", err)
	}
	before := len(tr.callLog())

	result, err := r.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if result.AgentID != "b" {
		t.Fatalf("winner = %s, want b", result.AgentID)
	}
	for _, call := range tr.callLog()[before:] {
		if call == "a" {
			t.Fatal("open breaker did not block the transport call")
		}
	}
	if result.Attempts[0].AgentID != "a" || result.Attempts[0].Outcome != core.OutcomeUnreachable {
		t.Fatalf("expected recorded unreachable attempt for a, got %+v", result.Attempts)
	}
}

func TestSubmitLowConfidenceEmptyCompletion(t *testing.T) {
	reg := newTestRegistry(t, descriptor("vague", "math"), descriptor("solid", "math"))
	tr := newScriptedTransport()
	tr.answer("vague", "")
	tr.answer("solid", "a real answer")

	cfg := DefaultConfig()
	cfg.ConfidenceThreshold = 0.9
	r := newTestRouter(reg, tr, nil, cfg)

	req := core.NewRequest("solve")
	req.RequiredCapabilities = []string{"math"}

	result, err := r.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.AgentID != "solid" {
		t.Fatalf("winner = %s, want solid", result.AgentID)
	}
	if len(result.Attempts) != 2 || result.Attempts[0].Outcome != core.OutcomeDeclined {
		t.Fatalf("attempts = %+v", result.Attempts)
	}
}

func TestSubmitLastResortAppendsUnreachableTail(t *testing.T) {
	// A degraded agent declining must not end the dispatch while
	// unreachable peers remain under last resort: the tail is tried in
	// registration order and every attempt lands on the trail.
	reg := newTestRegistry(t,
		descriptor("d", "math"),
		descriptor("u1", "math"),
		descriptor("u2", "math"),
	)
	now := time.Now()
	if err := reg.UpdateHealth("d", core.HealthDegraded, now); err != nil {
		t.Fatalf("update health: %v", err)
	}
	for _, id := range []string{"u1", "u2"} {
		if err := reg.UpdateHealth(id, core.HealthUnreachable, now); err != nil {
			t.Fatalf("update health: %v", err)
		}
	}
	tr := newScriptedTransport()
	tr.fail("d", errors.CodeDeclined)
	tr.fail("u1", errors.CodeUnreachable)
	tr.fail("u2", errors.CodeUnreachable)

	cfg := DefaultConfig()
	cfg.LastResort = true
	r := newTestRouter(reg, tr, nil, cfg)

	req := core.NewRequest("solve")
	req.RequiredCapabilities = []string{"math"}

	result, err := r.Submit(context.Background(), req)
	if !errors.IsCode(err, errors.CodeAllCandidatesFailed) {
		t.Fatalf("expected all candidates failed, got %v", err)
	}
	want := []core.Outcome{core.OutcomeDeclined, core.OutcomeUnreachable, core.OutcomeUnreachable}
	if len(result.Attempts) != len(want) {
		t.Fatalf("attempts = %+v, want %d", result.Attempts, len(want))
	}
	for i, outcome := range want {
		if result.Attempts[i].Outcome != outcome {
			t.Errorf("attempt %d outcome = %s, want %s", i, result.Attempts[i].Outcome, outcome)
		}
	}
	if got := tr.callLog(); len(got) != 3 || got[0] != "d" || got[1] != "u1" || got[2] != "u2" {
		t.Fatalf("call order = %v", got)
	}
}

func TestSubmitStreamHTTPSingleFinal(t *testing.T) {
	// Over the real HTTP transport the terminal SSE event must surface
	// as exactly one Final chunk.
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/task:stream" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", `{"delta":"4"}`)
		fmt.Fprintf(w, "data: %s\n\n", `{"done":true,"result":{"status":{"state":"completed"},"artifacts":[{"parts":[{"type":"text","text":"4"}]}]}}`)
	}))
	defer agent.Close()

	desc := descriptor("mathbot", "math")
	desc.Endpoint.URL = agent.URL
	reg := newTestRegistry(t, desc)
	r := newTestRouter(reg, transport.NewHTTP(), nil, DefaultConfig())

	req := core.NewRequest("2+2")
	req.RequiredCapabilities = []string{"math"}

	var deltas []string
	var finals int
	result, err := r.SubmitStream(context.Background(), req, func(chunk core.Chunk) error {
		if chunk.Final {
			finals++
			if chunk.Response == nil {
				t.Error("final chunk without response")
			}
			return nil
		}
		deltas = append(deltas, chunk.Delta)
		return nil
	})
	if err != nil {
		t.Fatalf("submit stream: %v", err)
	}
	if result.Response == nil || result.Response.Text != "4" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if finals != 1 {
		t.Fatalf("final chunks = %d, want exactly 1", finals)
	}
	if len(deltas) != 1 || deltas[0] != "4" {
		t.Fatalf("deltas = %v", deltas)
	}
}

func TestSubmitMintsSessionID(t *testing.T) {
	// A dispatch without a session id starts a session the caller can
	// keep using.
	reg := newTestRegistry(t, descriptor("a", "math"))
	tr := newScriptedTransport()
	tr.answer("a", "ok")
	store := session.NewMemoryStore(0)
	r := newTestRouter(reg, tr, store, DefaultConfig())

	req := core.NewRequest("solve")
	req.RequiredCapabilities = []string{"math"}

	result, err := r.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.SessionID == "" {
		t.Fatal("expected a minted session id")
	}

	sess, err := store.GetOrCreate(context.Background(), result.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.PinnedAgentID != "a" {
		t.Fatalf("pinned agent = %q, want a", sess.PinnedAgentID)
	}
	history, err := store.History(context.Background(), result.SessionID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
}
