package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"webpilot-mcp-server/internal/config"
	"webpilot-mcp-server/internal/facts"
	"webpilot-mcp-server/internal/recovery"
	"webpilot-mcp-server/internal/workflow"
)

// stubTool is a registerable tool with a canned Execute body.
type stubTool struct {
	name    string
	execute func(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub tool for pipeline tests" }
func (s *stubTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (s *stubTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if s.execute == nil {
		return map[string]interface{}{"success": true}, nil
	}
	return s.execute(ctx, args)
}

// newGovernedServer builds a server wired to real governance components but no
// browser, so stub tools can exercise the pipeline directly.
func newGovernedServer(t *testing.T, stubs ...*stubTool) *Server {
	t.Helper()

	ledger, err := facts.NewLedger(config.FactsConfig{Enable: true, FactBufferLimit: 100})
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}

	s := &Server{
		cfg:       config.DefaultConfig(),
		validator: workflow.NewValidator(config.WorkflowConfig{}),
		recovery:  recovery.NewEngine(config.RecoveryConfig{DefaultDelay: "1ms"}, recovery.NopNotifier{}),
		ledger:    ledger,
		tools:     make(map[string]Tool),
	}
	for _, stub := range stubs {
		s.tools[stub.name] = stub
	}
	return s
}

func TestGovernedPipelineDeniesOutOfOrderCall(t *testing.T) {
	executed := false
	s := newGovernedServer(t, &stubTool{
		name: "click-element",
		execute: func(context.Context, map[string]interface{}) (interface{}, error) {
			executed = true
			return map[string]interface{}{"success": true}, nil
		},
	})

	result, err := s.ExecuteTool("click-element", nil)
	if err != nil {
		t.Fatalf("denial must be a soft payload, not a Go error: %v", err)
	}
	if executed {
		t.Fatal("denied tool body must never run")
	}

	payload, ok := result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map payload, got %T", result)
	}
	if payload["success"] != false {
		t.Error("expected success false")
	}
	if payload["suggested_action"] != "launch-browser" {
		t.Errorf("expected suggested_action 'launch-browser', got %v", payload["suggested_action"])
	}
	if summary, _ := payload["session_state"].(string); !strings.Contains(summary, "browser_initialized=false") {
		t.Errorf("expected session summary in denial payload, got %v", payload["session_state"])
	}

	// Denials land in the fact ledger but not the execution history.
	denied := s.ledger.FactsByPredicate(facts.PredWorkflowDenied)
	if len(denied) != 1 {
		t.Fatalf("expected 1 workflow_denied fact, got %d", len(denied))
	}
	if denied[0].Args[0] != "click-element" || denied[0].Args[1] != "launch-browser" {
		t.Errorf("unexpected denial fact args: %v", denied[0].Args)
	}
	if len(s.validator.History()) != 0 {
		t.Error("denied calls must not append execution records")
	}
}

func TestGovernedPipelineRecordsSuccess(t *testing.T) {
	s := newGovernedServer(t, &stubTool{name: "launch-browser"})

	// Pre-spend recovery budget so the post-success reset is observable.
	spend, err := recovery.NewStrategy("spend-budget", recovery.ActionRetry, 1, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	s.recovery.AddStrategy(spend)
	s.recovery.Execute(context.Background(), "warmup", func(context.Context) (interface{}, error) {
		return nil, errors.New("spend-budget")
	}, recovery.Callbacks{})
	if s.recovery.Snapshot().GlobalRetryCount == 0 {
		t.Fatal("setup failed: expected spent budget")
	}

	if _, err := s.ExecuteTool("launch-browser", nil); err != nil {
		t.Fatalf("ExecuteTool failed: %v", err)
	}

	if !s.validator.State().BrowserInitialized {
		t.Error("expected milestone flag applied after successful execution")
	}

	hist := s.validator.History()
	if len(hist) != 1 || !hist[0].Success {
		t.Errorf("expected 1 successful record, got %+v", hist)
	}

	executed := s.ledger.FactsByPredicate(facts.PredToolExecuted)
	if len(executed) != 1 {
		t.Errorf("expected 1 tool_executed fact, got %d", len(executed))
	}

	milestones := s.ledger.FactsByPredicate(facts.PredMilestone)
	if len(milestones) != 1 || milestones[0].Args[0] != "browser_initialized" {
		t.Errorf("expected browser_initialized milestone fact, got %v", milestones)
	}

	// A fully successful governed call resets recovery budgets.
	if got := s.recovery.Snapshot().GlobalRetryCount; got != 0 {
		t.Errorf("expected recovery budgets reset after success, got %d", got)
	}
}

func TestGovernedPipelineRecordsSoftFailure(t *testing.T) {
	s := newGovernedServer(t, &stubTool{
		name: "launch-browser",
		execute: func(context.Context, map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"success": false, "error": "chrome not installed"}, nil
		},
	})

	result, err := s.ExecuteTool("launch-browser", nil)
	if err != nil {
		t.Fatalf("soft failures must not surface as Go errors: %v", err)
	}
	if payload := result.(map[string]interface{}); payload["success"] != false {
		t.Error("expected failure payload passed through")
	}

	if s.validator.State().BrowserInitialized {
		t.Error("failed execution must not set milestone flags")
	}

	hist := s.validator.History()
	if len(hist) != 1 || hist[0].Success {
		t.Fatalf("expected 1 failed record, got %+v", hist)
	}
	if hist[0].Message != "chrome not installed" {
		t.Errorf("expected soft error captured in record, got %q", hist[0].Message)
	}

	if len(s.ledger.FactsByPredicate(facts.PredMilestone)) != 0 {
		t.Error("failed execution must not emit milestone facts")
	}
}

func TestGovernedPipelineHardError(t *testing.T) {
	s := newGovernedServer(t, &stubTool{
		name: "launch-browser",
		execute: func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, errors.New("rod: transport closed")
		},
	})

	_, err := s.ExecuteTool("launch-browser", nil)
	if err == nil {
		t.Fatal("expected hard error propagated")
	}

	hist := s.validator.History()
	if len(hist) != 1 || hist[0].Success {
		t.Fatalf("hard errors must still be recorded as failures, got %+v", hist)
	}
}

func TestExecuteToolUnknown(t *testing.T) {
	s := newGovernedServer(t)

	if _, err := s.ExecuteTool("no-such-tool", nil); err == nil {
		t.Error("expected error for unknown tool")
	}
}

func TestInterpretOutcome(t *testing.T) {
	cases := []struct {
		name    string
		result  interface{}
		err     error
		success bool
		message string
	}{
		{"hard error", nil, errors.New("boom"), false, "boom"},
		{"soft failure", map[string]interface{}{"success": false, "error": "denied"}, nil, false, "denied"},
		{"soft success", map[string]interface{}{"success": true, "message": "done"}, nil, true, "done"},
		{"plain value", "ok", nil, true, ""},
		{"map without success key", map[string]interface{}{"count": 3}, nil, true, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			success, message := interpretOutcome(tc.result, tc.err)
			if success != tc.success {
				t.Errorf("expected success=%t, got %t", tc.success, success)
			}
			if message != tc.message {
				t.Errorf("expected message %q, got %q", tc.message, message)
			}
		})
	}
}

func TestMarshalToolPayload(t *testing.T) {
	t.Run("serializable", func(t *testing.T) {
		payload := marshalToolPayload("get-content", map[string]interface{}{"success": true})
		var decoded map[string]interface{}
		if err := json.Unmarshal(payload, &decoded); err != nil {
			t.Fatalf("payload is not valid JSON: %v", err)
		}
		if decoded["success"] != true {
			t.Errorf("unexpected payload: %v", decoded)
		}
	})

	t.Run("non-serializable falls back", func(t *testing.T) {
		payload := marshalToolPayload("get-content", map[string]interface{}{"ch": make(chan int)})
		var decoded map[string]interface{}
		if err := json.Unmarshal(payload, &decoded); err != nil {
			t.Fatalf("fallback payload is not valid JSON: %v", err)
		}
		if decoded["success"] != false {
			t.Errorf("expected failure fallback, got %v", decoded)
		}
	})
}
