package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"webpilot-mcp-server/internal/facts"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"webpilot://about",
			"WebPilot About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("High-level server info and usage notes."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResource(
		mcp.NewResource(
			"webpilot://workflow/state",
			"Workflow State",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Current milestone flags, execution history, and recovery counters."),
		),
		s.handleWorkflowStateResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"webpilot://facts/{predicate}{?limit}",
			"Workflow Facts",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Read a token-efficient slice of recent facts for one predicate."),
		),
		s.handleFactsResource,
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	payload := map[string]interface{}{
		"name":    s.cfg.Server.Name,
		"version": s.cfg.Server.Version,
		"notes": []string{
			"Resources are read-only context endpoints; use tools for actions/mutations.",
			"Every mutating tool runs through the workflow validator; denied calls return a suggested_action.",
			"Failed browser operations recover automatically within retry budgets; see configure-recovery.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}

	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

func (s *Server) handleWorkflowStateResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	payload := map[string]interface{}{
		"state":    s.validator.State(),
		"history":  s.validator.History(),
		"recovery": s.recovery.Snapshot(),
	}
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

func (s *Server) handleFactsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if s.ledger == nil || !s.ledger.Ready() {
		return nil, fmt.Errorf("fact ledger unavailable")
	}

	predicate := argString(request.Params.Arguments["predicate"])
	if predicate == "" {
		return nil, fmt.Errorf("missing predicate")
	}
	limit := argInt(request.Params.Arguments["limit"])
	if limit <= 0 {
		limit = 25
	}
	if limit > 500 {
		limit = 500
	}

	recent := selectRecentFacts(s.ledger, predicate, limit)

	payload := map[string]interface{}{
		"predicate": predicate,
		"limit":     limit,
		"count":     len(recent),
		"facts":     recent,
	}
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

func selectRecentFacts(ledger *facts.Ledger, predicate string, limit int) []facts.Fact {
	source := ledger.FactsByPredicate(predicate)
	if len(source) > limit {
		source = source[len(source)-limit:]
	}
	return source
}

func argString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []string:
		if len(value) == 0 {
			return ""
		}
		return value[0]
	default:
		return fmt.Sprintf("%v", value)
	}
}

func argInt(v any) int {
	switch value := v.(type) {
	case int:
		return value
	case float64:
		return int(value)
	case string:
		var n int
		fmt.Sscanf(value, "%d", &n)
		return n
	case []string:
		if len(value) == 0 {
			return 0
		}
		var n int
		fmt.Sscanf(value[0], "%d", &n)
		return n
	default:
		return 0
	}
}
