package match

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/okodu/switchboard/pkg/core"
	"github.com/okodu/switchboard/pkg/llm"
)

const classifierSystemPrompt = `You are a dispatcher that routes user requests to the appropriate agent.
Given the available agents and a user request, decide which agents can handle it,
best match first. Respond with a JSON object of the form {"agents": ["id", ...]}.
If no agent can handle the request, respond with {"agents": []}.`

// ClassifierMatcher delegates ranking to a chat model: the model sees the
// agent inventory and the request and replies with an ordered id list.
// On classifier failure or unparseable output it falls back to the
// deterministic tag ranking.
type ClassifierMatcher struct {
	provider llm.Provider
	model    string
	fallback Matcher
	logger   *slog.Logger
}

// NewClassifierMatcher creates a classifier-backed matcher.
func NewClassifierMatcher(provider llm.Provider, model string, fallback Matcher) *ClassifierMatcher {
	if fallback == nil {
		fallback = NewTagMatcher()
	}
	return &ClassifierMatcher{
		provider: provider,
		model:    model,
		fallback: fallback,
		logger:   slog.Default(),
	}
}

type classifierAgentInfo struct {
	ID           string   `json:"id"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities"`
}

type classifierVerdict struct {
	Agents []string `json:"agents"`
}

// Rank implements Matcher. The superset filter runs before the model is
// consulted, so a hallucinated id or one missing a required capability
// can never become a candidate.
func (m *ClassifierMatcher) Rank(ctx context.Context, req core.Request, snapshot []core.AgentDescriptor) ([]Candidate, error) {
	agents := eligible(req, snapshot, false)
	if len(agents) == 0 {
		return nil, nil
	}

	inventory := make([]classifierAgentInfo, 0, len(agents))
	byID := make(map[string]core.AgentDescriptor, len(agents))
	for _, desc := range agents {
		inventory = append(inventory, classifierAgentInfo{
			ID:           desc.ID,
			Description:  desc.Description,
			Capabilities: desc.Capabilities,
		})
		byID[desc.ID] = desc
	}

	prompt, err := buildClassifierPrompt(inventory, req.Payload)
	if err != nil {
		return m.fallback.Rank(ctx, req, snapshot)
	}

	resp, err := m.provider.Chat(ctx, llm.ChatRequest{
		Model: m.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: classifierSystemPrompt},
			{Role: llm.RoleUser, Content: prompt},
		},
		Temperature: 0.1,
	})
	if err != nil {
		m.logger.WarnContext(ctx, "classifier matcher failed, using fallback", "error", err)
		return m.fallback.Rank(ctx, req, snapshot)
	}

	ids, ok := parseVerdict(resp.Content)
	if !ok {
		m.logger.WarnContext(ctx, "classifier returned unparseable verdict, using fallback",
			"content", resp.Content)
		return m.fallback.Rank(ctx, req, snapshot)
	}

	out := make([]Candidate, 0, len(ids))
	n := float64(len(ids))
	seen := make(map[string]struct{}, len(ids))
	for i, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, known := byID[id]; !known {
			continue
		}
		out = append(out, Candidate{AgentID: id, Score: (n - float64(i)) / n})
	}
	return out, nil
}

func buildClassifierPrompt(inventory []classifierAgentInfo, request string) (string, error) {
	blob, err := json.MarshalIndent(inventory, "", "  ")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Available agents:\n%s\n\nUser request: %q", blob, request), nil
}

// parseVerdict accepts {"agents": [...]} or a bare JSON array, with or
// without surrounding prose.
func parseVerdict(content string) ([]string, bool) {
	content = strings.TrimSpace(content)

	var verdict classifierVerdict
	if err := json.Unmarshal([]byte(content), &verdict); err == nil && verdict.Agents != nil {
		return verdict.Agents, true
	}
	var bare []string
	if err := json.Unmarshal([]byte(content), &bare); err == nil {
		return bare, true
	}

	// Models sometimes wrap the JSON in prose or code fences.
	if start := strings.Index(content, "{"); start >= 0 {
		if end := strings.LastIndex(content, "}"); end > start {
			if err := json.Unmarshal([]byte(content[start:end+1]), &verdict); err == nil && verdict.Agents != nil {
				return verdict.Agents, true
			}
		}
	}
	if start := strings.Index(content, "["); start >= 0 {
		if end := strings.LastIndex(content, "]"); end > start {
			if err := json.Unmarshal([]byte(content[start:end+1]), &bare); err == nil {
				return bare, true
			}
		}
	}
	return nil, false
}
