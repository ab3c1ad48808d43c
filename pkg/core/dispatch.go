package core

import (
	"time"

	"github.com/google/uuid"
)

// Request is one task submitted to the dispatcher. Immutable once built.
type Request struct {
	ID                   string            `json:"id"`
	Payload              string            `json:"payload"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	SessionID            string            `json:"session_id,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	SubmittedAt          time.Time         `json:"submitted_at"`
}

// NewRequest builds a request with a generated id.
func NewRequest(payload string) Request {
	return Request{
		ID:          uuid.NewString(),
		Payload:     payload,
		SubmittedAt: time.Now().UTC(),
	}
}

// ResponseState mirrors the agent-side task lifecycle.
type ResponseState string

const (
	ResponseCompleted     ResponseState = "completed"
	ResponseInputRequired ResponseState = "input_required"
)

// Response is what a serving agent returned for one request.
type Response struct {
	State ResponseState     `json:"state"`
	Text  string            `json:"text"`
	Parts []ResponsePart    `json:"parts,omitempty"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// ResponsePart is one typed fragment of an agent response.
type ResponsePart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Chunk is one streamed fragment of an agent response. Final marks the
// completion boundary; Response is only set on the final chunk.
type Chunk struct {
	Delta    string    `json:"delta,omitempty"`
	Final    bool      `json:"final"`
	Response *Response `json:"response,omitempty"`
}

// Outcome classifies one dispatch attempt against one agent.
type Outcome string

const (
	OutcomeSuccess     Outcome = "SUCCESS"
	OutcomeTimeout     Outcome = "TIMEOUT"
	OutcomeUnreachable Outcome = "UNREACHABLE"
	OutcomeDeclined    Outcome = "DECLINED"
	OutcomeProtocol    Outcome = "PROTOCOL"
)

// Attempt records one candidate tried during a dispatch.
type Attempt struct {
	AgentID    string        `json:"agent_id"`
	Outcome    Outcome       `json:"outcome"`
	Confidence float64       `json:"confidence,omitempty"`
	Elapsed    time.Duration `json:"elapsed,omitempty"`
	Detail     string        `json:"detail,omitempty"`
}

// DispatchResult is the unified outcome of one Submit call. Exactly one
// of Response and Err is populated; Attempts is the full audit trail.
type DispatchResult struct {
	RequestID string        `json:"request_id"`
	SessionID string        `json:"session_id,omitempty"`
	AgentID   string        `json:"agent_id,omitempty"`
	Response  *Response     `json:"response,omitempty"`
	Err       error         `json:"-"`
	Attempts  []Attempt     `json:"attempts"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Succeeded reports whether an agent served the request.
func (r *DispatchResult) Succeeded() bool {
	return r != nil && r.Err == nil && r.Response != nil
}
