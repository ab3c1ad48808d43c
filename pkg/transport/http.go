package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/okodu/switchboard/pkg/core"
	"github.com/okodu/switchboard/pkg/errors"
)

// Task envelope states used on the agent wire.
const (
	taskCompleted     = "completed"
	taskFailed        = "failed"
	taskRejected      = "rejected"
	taskInputRequired = "input-required"
)

// taskEnvelope is the request body sent to an agent endpoint.
type taskEnvelope struct {
	ID       string            `json:"id"`
	Message  taskMessage       `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type taskMessage struct {
	Role    string      `json:"role"`
	Content taskContent `json:"content"`
}

type taskContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// taskResult is the response body an agent returns.
type taskResult struct {
	Status    taskStatus     `json:"status"`
	Artifacts []taskArtifact `json:"artifacts,omitempty"`
}

type taskStatus struct {
	State   string       `json:"state"`
	Message *taskMessage `json:"message,omitempty"`
}

type taskArtifact struct {
	Parts []taskContent `json:"parts"`
}

// streamEvent is one SSE payload from a streaming agent endpoint.
type streamEvent struct {
	Delta  string      `json:"delta,omitempty"`
	Done   bool        `json:"done,omitempty"`
	Result *taskResult `json:"result,omitempty"`
}

// HTTPTransport reaches agents over HTTP+JSON.
type HTTPTransport struct {
	client *http.Client
}

// Option configures the HTTP transport.
type Option func(*HTTPTransport)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *HTTPTransport) {
		if c != nil {
			t.client = c
		}
	}
}

// NewHTTP creates an HTTP transport. Per-attempt deadlines come from the
// caller's context; the client itself carries no timeout so cancellation
// has exactly one owner.
func NewHTTP(opts ...Option) *HTTPTransport {
	t := &HTTPTransport{client: &http.Client{}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, endpoint core.Endpoint, req core.Request) (*core.Response, error) {
	resp, err := t.post(ctx, taskURL(endpoint), req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var result taskResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.New(errors.CodeProtocol, "malformed agent response", err).
			WithContext("endpoint", endpoint.URL)
	}
	return mapResult(&result, endpoint)
}

// SendStream implements Transport. The agent emits SSE events; deltas
// are relayed through emit and the terminal event's result is returned
// without being emitted. The caller decides where the single Final
// chunk goes, so an attempt that fails mid-stream never leaves a
// completion marker behind.
func (t *HTTPTransport) SendStream(ctx context.Context, endpoint core.Endpoint, req core.Request, emit Emit) (*core.Response, error) {
	resp, err := t.post(ctx, streamURL(endpoint), req, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return nil, errors.New(errors.CodeProtocol, "malformed stream event", err).
				WithContext("endpoint", endpoint.URL)
		}
		if event.Done {
			if event.Result == nil {
				return nil, errors.New(errors.CodeProtocol, "stream completed without result", nil).
					WithContext("endpoint", endpoint.URL)
			}
			// The final response is returned, not emitted: the caller
			// owns the single terminal chunk.
			return mapResult(event.Result, endpoint)
		}
		if emit != nil && event.Delta != "" {
			if err := emit(core.Chunk{Delta: event.Delta}); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, classifyNetErr(err, endpoint)
	}
	return nil, errors.New(errors.CodeProtocol, "stream ended without completion marker", nil).
		WithContext("endpoint", endpoint.URL)
}

func (t *HTTPTransport) post(ctx context.Context, url string, req core.Request, stream bool) (*http.Response, error) {
	envelope := taskEnvelope{
		ID: req.ID,
		Message: taskMessage{
			Role:    "user",
			Content: taskContent{Type: "text", Text: req.Payload},
		},
		Metadata: req.Metadata,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "marshal task envelope", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "build agent request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, classifyNetErr(err, core.Endpoint{URL: url})
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return errors.New(errors.CodeProtocol, fmt.Sprintf("agent returned status %d", resp.StatusCode), nil).
		WithContext("body", string(body))
}

func mapResult(result *taskResult, endpoint core.Endpoint) (*core.Response, error) {
	switch result.Status.State {
	case taskCompleted:
		return &core.Response{
			State: core.ResponseCompleted,
			Text:  artifactText(result.Artifacts),
			Parts: artifactParts(result.Artifacts),
		}, nil
	case taskInputRequired:
		// The agent accepted the task but needs another turn.
		return &core.Response{
			State: core.ResponseInputRequired,
			Text:  statusText(result.Status),
		}, nil
	case taskRejected, taskFailed:
		return nil, errors.New(errors.CodeDeclined, "agent declined the task", nil).
			WithContext("endpoint", endpoint.URL).
			WithContext("state", result.Status.State).
			WithContext("detail", statusText(result.Status)).
			WithRecoverable(true)
	default:
		return nil, errors.New(errors.CodeProtocol, "unknown task state", nil).
			WithContext("state", result.Status.State)
	}
}

func statusText(status taskStatus) string {
	if status.Message == nil {
		return ""
	}
	return status.Message.Content.Text
}

func artifactText(artifacts []taskArtifact) string {
	var b strings.Builder
	for _, artifact := range artifacts {
		for _, part := range artifact.Parts {
			if part.Type == "text" {
				b.WriteString(part.Text)
			}
		}
	}
	return b.String()
}

func artifactParts(artifacts []taskArtifact) []core.ResponsePart {
	var out []core.ResponsePart
	for _, artifact := range artifacts {
		for _, part := range artifact.Parts {
			out = append(out, core.ResponsePart{Type: part.Type, Text: part.Text})
		}
	}
	return out
}

func classifyNetErr(err error, endpoint core.Endpoint) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.New(errors.CodeTimeout, "agent attempt timed out", err).
			WithContext("endpoint", endpoint.URL).
			WithRecoverable(true)
	}
	if stderrors.Is(err, context.Canceled) {
		return errors.New(errors.CodeContextLost, "dispatch cancelled", err).
			WithContext("endpoint", endpoint.URL)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.New(errors.CodeTimeout, "agent attempt timed out", err).
			WithContext("endpoint", endpoint.URL).
			WithRecoverable(true)
	}
	return errors.New(errors.CodeUnreachable, "agent endpoint unreachable", err).
		WithContext("endpoint", endpoint.URL).
		WithRecoverable(true)
}

func taskURL(endpoint core.Endpoint) string {
	return strings.TrimRight(endpoint.URL, "/") + "/v1/task"
}

func streamURL(endpoint core.Endpoint) string {
	return strings.TrimRight(endpoint.URL, "/") + "/v1/task:stream"
}
