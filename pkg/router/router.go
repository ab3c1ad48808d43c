// SPDX-License-Identifier: Apache-2.0

// Package router implements the dispatch state machine: resolve the
// session pin, rank candidates, try them in order with failure
// isolation, and hand exactly one agent the request.
package router

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/okodu/switchboard/pkg/core"
	"github.com/okodu/switchboard/pkg/errors"
	"github.com/okodu/switchboard/pkg/match"
	"github.com/okodu/switchboard/pkg/registry"
	"github.com/okodu/switchboard/pkg/resilience"
	"github.com/okodu/switchboard/pkg/session"
	"github.com/okodu/switchboard/pkg/telemetry"
	"github.com/okodu/switchboard/pkg/transport"
)

// Config tunes the dispatch loop.
type Config struct {
	// AttemptTimeout bounds each transport call.
	AttemptTimeout time.Duration

	// LastResort lets the router consider UNREACHABLE agents when no
	// dispatchable candidate exists.
	LastResort bool

	// ConfidenceThreshold, when > 0, lets the router move past a
	// low-confidence candidate that answered with an empty completion.
	ConfidenceThreshold float64

	// Breaker configures the per-agent circuit breakers.
	Breaker resilience.CircuitBreakerConfig
}

// DefaultConfig returns the router defaults.
func DefaultConfig() Config {
	return Config{
		AttemptTimeout: 30 * time.Second,
	}
}

// Router owns the Submit state machine.
type Router struct {
	registry  *registry.Registry
	matcher   match.Matcher
	transport transport.Transport
	sessions  session.Store
	locks     *session.KeyedMutex
	breakers  *resilience.BreakerSet
	metrics   *telemetry.DispatchMetrics
	logger    *slog.Logger
	tracer    trace.Tracer
	cfg       Config
	now       func() time.Time
}

// Option customizes a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithMetrics attaches dispatch metrics.
func WithMetrics(m *telemetry.DispatchMetrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New creates a Router. sessions may be nil, in which case session
// resolution and pinning are skipped entirely.
func New(reg *registry.Registry, matcher match.Matcher, tr transport.Transport, sessions session.Store, cfg Config, opts ...Option) *Router {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	r := &Router{
		registry:  reg,
		matcher:   matcher,
		transport: tr,
		sessions:  sessions,
		locks:     session.NewKeyedMutex(),
		breakers:  resilience.NewBreakerSet(cfg.Breaker),
		logger:    slog.Default(),
		tracer:    otel.Tracer("switchboard/router"),
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit routes one request to exactly one agent and returns the
// result. The attempts trail is populated on both success and failure.
func (r *Router) Submit(ctx context.Context, req core.Request) (core.DispatchResult, error) {
	return r.dispatch(ctx, req, nil)
}

// SubmitStream behaves like Submit but relays response chunks through
// emit as they arrive from the winning agent. Chunks from an attempt
// that later fails are followed by the next candidate's chunks; the
// caller sees exactly one Final chunk, on success.
func (r *Router) SubmitStream(ctx context.Context, req core.Request, emit transport.Emit) (core.DispatchResult, error) {
	if emit == nil {
		return core.DispatchResult{}, errors.New(errors.CodeInvalidInput, "emit is nil", nil)
	}
	return r.dispatch(ctx, req, emit)
}

func (r *Router) dispatch(ctx context.Context, req core.Request, emit transport.Emit) (result core.DispatchResult, err error) {
	started := r.now()
	result = core.DispatchResult{
		RequestID: req.ID,
		SessionID: req.SessionID,
		StartedAt: started,
	}

	if strings.TrimSpace(req.Payload) == "" {
		result.Err = errors.New(errors.CodeInvalidInput, "request payload is empty", nil)
		result.Elapsed = r.now().Sub(started)
		return result, result.Err
	}

	if r.sessions != nil && req.SessionID == "" {
		// A dispatch without a session starts one; the caller gets the
		// id back for follow-up turns.
		req.SessionID = uuid.NewString()
		result.SessionID = req.SessionID
	}

	ctx, dispatchID := core.EnsureDispatchID(ctx)
	ctx, span := r.tracer.Start(ctx, "router.Submit", trace.WithAttributes(
		attribute.String(telemetry.AttrDispatchID, dispatchID),
		attribute.String(telemetry.AttrSessionID, req.SessionID),
	))
	defer span.End()
	defer func() {
		result.Elapsed = r.now().Sub(started)
		r.metrics.RecordDispatch(ctx, result)
	}()

	var sess session.Session
	if r.sessions != nil {
		// Turns of one conversation run one at a time.
		unlock := r.locks.Lock(req.SessionID)
		defer unlock()

		var err error
		sess, err = r.sessions.GetOrCreate(ctx, req.SessionID)
		if err != nil {
			result.Err = err
			return result, err
		}
	}

	candidates, err := r.candidates(ctx, req, sess.PinnedAgentID)
	if err != nil {
		result.Err = err
		return result, err
	}
	span.SetAttributes(attribute.Int(telemetry.AttrCandidateCount, len(candidates)))

	if len(candidates) == 0 {
		result.Err = errors.New(errors.CodeNoCandidate, "no agent matches the request", nil).
			WithContext("request_id", req.ID)
		return result, result.Err
	}

	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			result.Err = errors.New(errors.CodeContextLost, "dispatch canceled", err)
			return result, result.Err
		}

		desc, err := r.registry.Get(cand.AgentID)
		if err != nil {
			// Deregistered between ranking and dispatch.
			continue
		}

		attempt, resp := r.tryAgent(ctx, desc, cand, req, emit)
		result.Attempts = append(result.Attempts, attempt)
		r.metrics.RecordAttempt(ctx, attempt)

		switch attempt.Outcome {
		case core.OutcomeSuccess:
			result.AgentID = desc.ID
			result.Response = resp
			r.finishTurn(ctx, req, desc.ID, resp)
			if emit != nil {
				_ = emit(core.Chunk{Final: true, Response: resp})
			}
			span.SetAttributes(attribute.String(telemetry.AttrAgentID, desc.ID))
			return result, nil

		case core.OutcomeTimeout:
			r.demote(ctx, desc.ID, core.HealthDegraded)
		case core.OutcomeUnreachable:
			r.demote(ctx, desc.ID, core.HealthUnreachable)
		case core.OutcomeDeclined, core.OutcomeProtocol:
			// Agent answered; health stands.
		}

		r.logger.WarnContext(ctx, "dispatch attempt failed",
			"agent_id", desc.ID,
			"outcome", string(attempt.Outcome),
			"detail", attempt.Detail)
	}

	result.Err = errors.New(errors.CodeAllCandidatesFailed, "every candidate failed", nil).
		WithContext("request_id", req.ID).
		WithContext("attempts", len(result.Attempts))
	return result, result.Err
}

// tryAgent runs one bounded transport attempt against one agent.
func (r *Router) tryAgent(ctx context.Context, desc core.AgentDescriptor, cand match.Candidate, req core.Request, emit transport.Emit) (core.Attempt, *core.Response) {
	attempt := core.Attempt{AgentID: desc.ID, Confidence: cand.Score}
	start := r.now()

	var resp *core.Response
	var sendErr error
	breakerErr := r.breakers.For(desc.ID).Call(ctx, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		defer cancel()
		if emit != nil {
			resp, sendErr = r.transport.SendStream(attemptCtx, desc.Endpoint, req, emit)
		} else {
			resp, sendErr = r.transport.Send(attemptCtx, desc.Endpoint, req)
		}
		if sendErr != nil && transport.OutcomeOf(sendErr) == core.OutcomeDeclined {
			// The agent is alive and answered; a decline must not trip
			// its breaker.
			return nil
		}
		return sendErr
	})
	if sendErr == nil && breakerErr != nil {
		sendErr = breakerErr
	}
	attempt.Elapsed = r.now().Sub(start)

	if sendErr != nil {
		attempt.Outcome = transport.OutcomeOf(sendErr)
		attempt.Detail = sendErr.Error()
		return attempt, nil
	}

	if r.cfg.ConfidenceThreshold > 0 && cand.Score < r.cfg.ConfidenceThreshold && emptyCompletion(resp) {
		attempt.Outcome = core.OutcomeDeclined
		attempt.Detail = "empty completion below confidence threshold"
		return attempt, nil
	}

	attempt.Outcome = core.OutcomeSuccess
	return attempt, resp
}

// candidates builds the ordered attempt list: a usable session pin goes
// first, the matcher ranking follows with the pin de-duplicated.
func (r *Router) candidates(ctx context.Context, req core.Request, pinnedAgentID string) ([]match.Candidate, error) {
	snapshot := r.registry.Snapshot()

	ranked, err := r.matcher.Rank(ctx, req, snapshot)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "matcher failed", err)
	}

	if r.cfg.LastResort {
		ranked = appendLastResort(ranked, req, snapshot)
	}

	if pinnedAgentID == "" {
		return ranked, nil
	}

	pinned, ok := findAgent(snapshot, pinnedAgentID)
	if !ok || pinned.Health == core.HealthUnreachable || !pinned.DeclaresAll(req.RequiredCapabilities) {
		// Pin is unusable; re-selection runs as if fresh and the new
		// winner replaces it.
		return ranked, nil
	}

	out := make([]match.Candidate, 0, len(ranked)+1)
	out = append(out, match.Candidate{AgentID: pinnedAgentID, Score: 1})
	for _, c := range ranked {
		if c.AgentID != pinnedAgentID {
			out = append(out, c)
		}
	}
	return out, nil
}

// appendLastResort extends the ranking with unreachable agents that
// still declare the required capabilities, in registration order.
// Dispatchable candidates keep their matcher positions; the unreachable
// tail is only reached after every one of them has failed.
func appendLastResort(ranked []match.Candidate, req core.Request, snapshot []core.AgentDescriptor) []match.Candidate {
	seen := make(map[string]bool, len(ranked))
	for _, c := range ranked {
		seen[c.AgentID] = true
	}

	var tail []match.Candidate
	byID := make(map[string]uint64)
	for _, desc := range snapshot {
		if desc.Health != core.HealthUnreachable || seen[desc.ID] || !desc.DeclaresAll(req.RequiredCapabilities) {
			continue
		}
		byID[desc.ID] = desc.Seq
		tail = append(tail, match.Candidate{AgentID: desc.ID})
	}
	sort.SliceStable(tail, func(i, j int) bool {
		return byID[tail[i].AgentID] < byID[tail[j].AgentID]
	})
	return append(ranked, tail...)
}

// finishTurn pins the winning agent and records the exchange. Session
// bookkeeping failures are logged, not surfaced; the dispatch already
// succeeded.
func (r *Router) finishTurn(ctx context.Context, req core.Request, agentID string, resp *core.Response) {
	if r.sessions == nil || req.SessionID == "" {
		return
	}
	if err := r.sessions.Pin(ctx, req.SessionID, agentID); err != nil {
		r.logger.ErrorContext(ctx, "pin session", "session_id", req.SessionID, "error", err)
		return
	}
	if err := r.sessions.AppendTurn(ctx, req.SessionID, session.NewTurn("user", "", req.Payload)); err != nil {
		r.logger.ErrorContext(ctx, "append user turn", "session_id", req.SessionID, "error", err)
	}
	text := ""
	if resp != nil {
		text = resp.Text
	}
	if err := r.sessions.AppendTurn(ctx, req.SessionID, session.NewTurn("agent", agentID, text)); err != nil {
		r.logger.ErrorContext(ctx, "append agent turn", "session_id", req.SessionID, "error", err)
	}
}

// demote lowers an agent's health after a failed attempt. Stale
// observations are dropped by the registry.
func (r *Router) demote(ctx context.Context, agentID string, health core.Health) {
	if err := r.registry.UpdateHealth(agentID, health, r.now()); err != nil {
		return
	}
	r.metrics.RecordHealth(ctx, agentID, health)
}

// Forget releases per-agent dispatch state, typically after
// deregistration.
func (r *Router) Forget(agentID string) {
	r.breakers.Forget(agentID)
}

func emptyCompletion(resp *core.Response) bool {
	if resp == nil {
		return true
	}
	return resp.State == core.ResponseCompleted && strings.TrimSpace(resp.Text) == "" && len(resp.Parts) == 0
}

func findAgent(snapshot []core.AgentDescriptor, id string) (core.AgentDescriptor, bool) {
	for _, desc := range snapshot {
		if desc.ID == id {
			return desc, true
		}
	}
	return core.AgentDescriptor{}, false
}
