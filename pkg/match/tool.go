package match

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/okodu/switchboard/pkg/core"
)

// ToolCaller abstracts MCP tool execution so tests can stub the server.
type ToolCaller interface {
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// ToolMatcher delegates ranking to an external MCP tool. The tool
// receives the request text and the agent inventory and answers with the
// same {"agents": [...]} verdict the classifier uses; the matcher stays a
// black box either way.
type ToolMatcher struct {
	caller   ToolCaller
	toolName string
	fallback Matcher
	logger   *slog.Logger
}

// NewToolMatcher creates a matcher backed by the named MCP tool.
func NewToolMatcher(caller ToolCaller, toolName string, fallback Matcher) *ToolMatcher {
	if fallback == nil {
		fallback = NewTagMatcher()
	}
	return &ToolMatcher{
		caller:   caller,
		toolName: toolName,
		fallback: fallback,
		logger:   slog.Default(),
	}
}

// Rank implements Matcher.
func (m *ToolMatcher) Rank(ctx context.Context, req core.Request, snapshot []core.AgentDescriptor) ([]Candidate, error) {
	agents := eligible(req, snapshot, false)
	if len(agents) == 0 {
		return nil, nil
	}

	inventory := make([]map[string]interface{}, 0, len(agents))
	byID := make(map[string]struct{}, len(agents))
	for _, desc := range agents {
		inventory = append(inventory, map[string]interface{}{
			"id":           desc.ID,
			"description":  desc.Description,
			"capabilities": desc.Capabilities,
		})
		byID[desc.ID] = struct{}{}
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = m.toolName
	callReq.Params.Arguments = map[string]interface{}{
		"request":               req.Payload,
		"required_capabilities": req.RequiredCapabilities,
		"agents":                inventory,
	}

	result, err := m.caller.CallTool(ctx, callReq)
	if err != nil || result == nil || result.IsError {
		m.logger.WarnContext(ctx, "tool matcher failed, using fallback",
			"tool", m.toolName, "error", err)
		return m.fallback.Rank(ctx, req, snapshot)
	}

	ids, ok := parseVerdict(textContent(result.Content))
	if !ok {
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

func textContent(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}
