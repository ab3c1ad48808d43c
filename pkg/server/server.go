// SPDX-License-Identifier: Apache-2.0

// Package server exposes the caller-facing HTTP+JSON API: dispatch,
// agent registration and health.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/okodu/switchboard/pkg/core"
	"github.com/okodu/switchboard/pkg/errors"
	"github.com/okodu/switchboard/pkg/registry"
	"github.com/okodu/switchboard/pkg/router"
)

// AgentIndexer maintains a secondary agent index that must stay in sync
// with the registry, such as the vector matcher's Qdrant collection.
type AgentIndexer interface {
	IndexAgent(ctx context.Context, desc core.AgentDescriptor) error
	RemoveAgent(ctx context.Context, agentID string) error
}

// Server binds the dispatch core to HTTP.
type Server struct {
	registry *registry.Registry
	router   *router.Router
	indexer  AgentIndexer
	logger   *slog.Logger
	mux      *http.ServeMux
}

// Option customizes the Server.
type Option func(*Server)

// WithIndexer keeps a secondary agent index updated on registration and
// deregistration.
func WithIndexer(ix AgentIndexer) Option {
	return func(s *Server) { s.indexer = ix }
}

// New creates the HTTP API server.
func New(reg *registry.Registry, rt *router.Router, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry: reg,
		router:   rt,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("POST /v1/dispatch", s.handleDispatch)
	s.mux.HandleFunc("POST /v1/dispatch/stream", s.handleDispatchStream)
	s.mux.HandleFunc("POST /v1/agents", s.handleRegister)
	s.mux.HandleFunc("DELETE /v1/agents/{id}", s.handleDeregister)
	s.mux.HandleFunc("GET /v1/agents", s.handleList)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type dispatchRequest struct {
	Payload              string            `json:"payload"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	SessionID            string            `json:"session_id,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

type dispatchResponse struct {
	RequestID string         `json:"request_id"`
	SessionID string         `json:"session_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Response  *core.Response `json:"response,omitempty"`
	Attempts  []core.Attempt `json:"attempts"`
	Error     *errorBody     `json:"error,omitempty"`
	ElapsedMS int64          `json:"elapsed_ms"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	req, err := decodeDispatch(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.router.Submit(r.Context(), req)
	if err != nil {
		s.writeDispatchFailure(w, r, result, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toDispatchResponse(result))
}

func (s *Server) handleDispatchStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeDispatch(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, errors.New(errors.CodeInternal, "streaming not supported", nil))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	emit := func(chunk core.Chunk) error {
		blob, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", blob); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	result, err := s.router.SubmitStream(r.Context(), req, emit)
	if err != nil {
		// Headers are out; report the failure as a terminal event.
		blob, merr := json.Marshal(toDispatchResponse(result))
		if merr == nil {
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", blob)
			flusher.Flush()
		}
		return
	}
	blob, merr := json.Marshal(toDispatchResponse(result))
	if merr == nil {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", blob)
		flusher.Flush()
	}
}

type registerRequest struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Description  string            `json:"description,omitempty"`
	Capabilities []string          `json:"capabilities"`
	Endpoint     core.Endpoint     `json:"endpoint"`
	Labels       map[string]string `json:"labels,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, errors.New(errors.CodeInvalidInput, "malformed request body", err))
		return
	}

	desc := core.AgentDescriptor{
		ID:           body.ID,
		Name:         body.Name,
		Description:  body.Description,
		Capabilities: body.Capabilities,
		Endpoint:     body.Endpoint,
		Labels:       body.Labels,
	}
	if err := s.registry.Register(desc); err != nil {
		s.writeError(w, r, err)
		return
	}
	registered, err := s.registry.Get(body.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.indexer != nil {
		if err := s.indexer.IndexAgent(r.Context(), registered); err != nil {
			// An unindexed agent is invisible to the matcher; undo the
			// registration rather than leave it undispatchable.
			_ = s.registry.Deregister(body.ID)
			s.writeError(w, r, errors.New(errors.CodeInternal, "index agent", err).
				WithContext("agent_id", body.ID))
			return
		}
	}
	s.logger.InfoContext(r.Context(), "agent registered", "agent_id", registered.ID)
	s.writeJSON(w, http.StatusCreated, registered)
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Deregister(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.router.Forget(id)
	if s.indexer != nil {
		if err := s.indexer.RemoveAgent(r.Context(), id); err != nil {
			s.logger.WarnContext(r.Context(), "remove agent from index",
				"agent_id", id, "error", err)
		}
	}
	s.logger.InfoContext(r.Context(), "agent deregistered", "agent_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	agents := s.registry.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeDispatch(r *http.Request) (core.Request, error) {
	var body dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return core.Request{}, errors.New(errors.CodeInvalidInput, "malformed request body", err)
	}
	req := core.NewRequest(body.Payload)
	req.RequiredCapabilities = body.RequiredCapabilities
	req.SessionID = body.SessionID
	req.Metadata = body.Metadata
	return req, nil
}

func toDispatchResponse(result core.DispatchResult) dispatchResponse {
	out := dispatchResponse{
		RequestID: result.RequestID,
		SessionID: result.SessionID,
		AgentID:   result.AgentID,
		Response:  result.Response,
		Attempts:  result.Attempts,
		ElapsedMS: result.Elapsed.Milliseconds(),
	}
	if result.Err != nil {
		se := errors.AsSwitchboardError(result.Err)
		out.Error = &errorBody{Code: string(se.Code), Message: se.Message}
	}
	return out
}

// writeDispatchFailure keeps the attempts trail in the body so callers
// can see what was tried.
func (s *Server) writeDispatchFailure(w http.ResponseWriter, r *http.Request, result core.DispatchResult, err error) {
	se := errors.AsSwitchboardError(err)
	s.logger.WarnContext(r.Context(), "dispatch failed",
		"code", string(se.Code), "error", err)
	s.writeJSON(w, se.StatusCode, toDispatchResponse(result))
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	se := errors.AsSwitchboardError(err)
	s.logger.WarnContext(r.Context(), "request failed",
		"code", string(se.Code), "error", err)
	s.writeJSON(w, se.StatusCode, map[string]any{
		"error": errorBody{Code: string(se.Code), Message: se.Message},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}
