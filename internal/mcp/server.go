package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"webpilot-mcp-server/internal/browser"
	"webpilot-mcp-server/internal/config"
	"webpilot-mcp-server/internal/facts"
	"webpilot-mcp-server/internal/recorder"
	"webpilot-mcp-server/internal/recovery"
	"webpilot-mcp-server/internal/workflow"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Server wires the MCP runtime, the Rod session manager, and the
// execution-governance layer (workflow validator + recovery engine).
type Server struct {
	cfg       config.Config
	sessions  *browser.SessionManager
	validator *workflow.Validator
	recovery  *recovery.Engine
	ledger    *facts.Ledger
	flight    *recorder.Recorder
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer constructs the WebPilot MCP server and registers all tools.
// Every registered tool runs through the governance pipeline:
// validate -> execute (optionally recovery-wrapped inside the tool) -> record.
func NewServer(cfg config.Config, sessions *browser.SessionManager, validator *workflow.Validator,
	recoveryEngine *recovery.Engine, ledger *facts.Ledger, flight *recorder.Recorder) (*Server, error) {
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		sessions:  sessions,
		validator: validator,
		recovery:  recoveryEngine,
		ledger:    ledger,
		flight:    flight,
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}

	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Start launches the stdio server (Claude/Gemini CLI default).
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool runs a tool through the full governance pipeline (used by tests
// and demos; the MCP transport goes through the same path).
func (s *Server) ExecuteTool(name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return s.executeGoverned(context.Background(), tool, args)
}

func (s *Server) registerAllTools() {
	// Browser lifecycle
	s.registerTool(&LaunchBrowserTool{sessions: s.sessions})
	s.registerTool(&ShutdownBrowserTool{sessions: s.sessions, validator: s.validator, flight: s.flight})
	s.registerTool(&ListSessionsTool{sessions: s.sessions})

	// Navigation and extraction (recovery-wrapped internally)
	s.registerTool(&NavigateURLTool{sessions: s.sessions, recovery: s.recovery})
	s.registerTool(&GetContentTool{sessions: s.sessions, recovery: s.recovery})
	s.registerTool(&FindSelectorTool{sessions: s.sessions, recovery: s.recovery})
	s.registerTool(&ClickElementTool{sessions: s.sessions, validator: s.validator})

	// Capture
	s.registerTool(&ScreenshotTool{sessions: s.sessions, ledger: s.ledger})
	s.registerTool(&SolveCaptchaTool{sessions: s.sessions})

	// Governance diagnostics
	s.registerTool(&GetWorkflowStateTool{validator: s.validator, recovery: s.recovery})
	s.registerTool(&QueryWorkflowFactsTool{ledger: s.ledger})
	s.registerTool(&ConfigureRecoveryTool{recovery: s.recovery})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

// wrapTool is the Gateway: every tool call is validated before it runs and
// recorded after it finishes, success or not.
func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := s.executeGoverned(ctx, tool, args)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

// executeGoverned runs the validate -> execute -> record pipeline for one call.
func (s *Server) executeGoverned(ctx context.Context, tool Tool, args map[string]interface{}) (interface{}, error) {
	name := tool.Name()

	verdict := s.validator.Validate(name, args)
	s.flight.LogValidation(name, verdict.IsValid, verdict.SuggestedAction)
	if !verdict.IsValid {
		// Workflow violations are never retried; the remediation hint plus a
		// session-state summary lets the agent self-correct.
		s.ledger.WorkflowDenied(ctx, name, verdict.SuggestedAction)
		return map[string]interface{}{
			"success":          false,
			"error":            verdict.ErrorMessage,
			"suggested_action": verdict.SuggestedAction,
			"session_state":    s.validator.Summary(),
		}, nil
	}

	before := s.validator.State()

	result, err := tool.Execute(ctx, args)
	success, message := interpretOutcome(result, err)

	// The gateway records the final outcome regardless of path.
	s.validator.Record(name, args, success, message)
	s.ledger.ToolExecuted(ctx, name, success)
	s.flight.LogExecution(name, success, message)

	if success {
		s.emitMilestones(ctx, before, s.validator.State())
		// A fully successful cycle resets retry budgets so stale counts cannot
		// starve unrelated later calls.
		s.recovery.ResetState()
	}

	return result, err
}

// emitMilestones publishes newly reached milestone flags to the fact ledger.
func (s *Server) emitMilestones(ctx context.Context, before, after workflow.SessionState) {
	type flag struct {
		name       string
		was, isNow bool
	}
	flags := []flag{
		{"browser_initialized", before.BrowserInitialized, after.BrowserInitialized},
		{"page_navigated", before.PageNavigated, after.PageNavigated},
		{"content_analyzed", before.ContentAnalyzed, after.ContentAnalyzed},
		{"selector_found", before.SelectorFound, after.SelectorFound},
	}
	for _, f := range flags {
		if !f.was && f.isNow {
			s.ledger.MilestoneReached(ctx, f.name)
		}
	}
}

// interpretOutcome decides success for the audit log: hard Go errors and soft
// `{"success": false}` payloads are both failures.
func interpretOutcome(result interface{}, err error) (bool, string) {
	if err != nil {
		return false, err.Error()
	}
	if m, ok := result.(map[string]interface{}); ok {
		if okVal, present := m["success"]; present {
			if b, isBool := okVal.(bool); isBool && !b {
				msg, _ := m["error"].(string)
				return false, msg
			}
		}
		if msg, ok := m["message"].(string); ok {
			return true, msg
		}
	}
	return true, ""
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
