package facts

import (
	"context"
	"testing"
	"time"

	"webpilot-mcp-server/internal/config"
)

func testLedgerConfig() config.FactsConfig {
	return config.FactsConfig{
		Enable:          true,
		SchemaPath:      "../../schemas/workflow.mg",
		FactBufferLimit: 1000,
	}
}

func TestLedgerLoadSchema(t *testing.T) {
	ledger, err := NewLedger(testLedgerConfig())
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}

	if !ledger.Ready() {
		t.Fatal("ledger not ready after schema load")
	}
}

func TestLedgerMissingSchemaNotFatal(t *testing.T) {
	cfg := config.FactsConfig{
		Enable:          true,
		SchemaPath:      "does-not-exist.mg",
		FactBufferLimit: 100,
	}

	ledger, err := NewLedger(cfg)
	if err != nil {
		t.Fatalf("missing schema should not be fatal: %v", err)
	}

	// Buffer and temporal queries still work without a schema.
	ledger.ToolExecuted(context.Background(), "navigate-url", true)
	if got := ledger.FactsByPredicate(PredToolExecuted); len(got) != 1 {
		t.Errorf("expected 1 buffered fact, got %d", len(got))
	}
}

func TestLedgerDisabled(t *testing.T) {
	ledger, err := NewLedger(config.FactsConfig{Enable: false})
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}

	ledger.ToolExecuted(context.Background(), "navigate-url", true)
	if got := ledger.Facts(); len(got) != 0 {
		t.Errorf("disabled ledger must not buffer facts, got %d", len(got))
	}
	if _, err := ledger.Query(context.Background(), "tool_executed(T, Ok, Ts)"); err == nil {
		t.Error("expected query error when disabled")
	}
}

func TestLedgerAddFacts(t *testing.T) {
	ledger, err := NewLedger(testLedgerConfig())
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}

	ctx := context.Background()
	ledger.ToolExecuted(ctx, "launch-browser", true)
	ledger.ToolExecuted(ctx, "navigate-url", false)
	ledger.MilestoneReached(ctx, "page_navigated")
	ledger.RecoveryAttempted(ctx, "navigate-url", "builtin-network", "retry")
	ledger.WorkflowDenied(ctx, "click-element", "find-selector")

	if got := len(ledger.Facts()); got != 5 {
		t.Errorf("expected 5 buffered facts, got %d", got)
	}

	executed := ledger.FactsByPredicate(PredToolExecuted)
	if len(executed) != 2 {
		t.Errorf("expected 2 tool_executed facts, got %d", len(executed))
	}

	denied := ledger.FactsByPredicate(PredWorkflowDenied)
	if len(denied) != 1 {
		t.Fatalf("expected 1 workflow_denied fact, got %d", len(denied))
	}
	if denied[0].Args[0] != "click-element" || denied[0].Args[1] != "find-selector" {
		t.Errorf("unexpected workflow_denied args: %v", denied[0].Args)
	}
}

func TestLedgerDerivedRules(t *testing.T) {
	ledger, err := NewLedger(testLedgerConfig())
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}

	ctx := context.Background()
	ledger.ToolExecuted(ctx, "navigate-url", false)
	ledger.ToolExecuted(ctx, "get-content", true)
	ledger.RecoveryAttempted(ctx, "navigate-url", "builtin-network", "retry")
	ledger.WorkflowDenied(ctx, "click-element", "find-selector")

	t.Run("failed_tool", func(t *testing.T) {
		results, err := ledger.Query(ctx, "failed_tool(T)")
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if len(results) != 1 {
			t.Fatalf("expected 1 failed tool, got %d: %v", len(results), results)
		}
		if results[0]["T"] != "navigate-url" {
			t.Errorf("expected navigate-url, got %v", results[0]["T"])
		}
	})

	t.Run("recovered_tool", func(t *testing.T) {
		results, err := ledger.Query(ctx, "recovered_tool(T)")
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if len(results) != 1 || results[0]["T"] != "navigate-url" {
			t.Errorf("unexpected recovered tools: %v", results)
		}
	})

	t.Run("premature_tool", func(t *testing.T) {
		results, err := ledger.Query(ctx, "premature_tool(T, Missing)")
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if len(results) != 1 {
			t.Fatalf("expected 1 premature tool, got %d", len(results))
		}
		if results[0]["T"] != "click-element" || results[0]["Missing"] != "find-selector" {
			t.Errorf("unexpected bindings: %v", results[0])
		}
	})
}

func TestLedgerQueryWithConstant(t *testing.T) {
	ledger, err := NewLedger(testLedgerConfig())
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}

	ctx := context.Background()
	ledger.ToolExecuted(ctx, "navigate-url", true)
	ledger.ToolExecuted(ctx, "get-content", true)

	results, err := ledger.Query(ctx, `tool_executed("navigate-url", Ok, Ts)`)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 binding, got %d: %v", len(results), results)
	}
	if results[0]["Ok"] != "true" {
		t.Errorf("expected Ok bound to \"true\", got %v", results[0]["Ok"])
	}
}

func TestLedgerEvaluate(t *testing.T) {
	ledger, err := NewLedger(testLedgerConfig())
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}

	ctx := context.Background()
	ledger.ToolExecuted(ctx, "navigate-url", false)
	ledger.ToolExecuted(ctx, "get-content", true)

	derived, err := ledger.Evaluate(ctx, "failed_tool")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(derived) != 1 {
		t.Fatalf("expected 1 derived fact, got %d: %v", len(derived), derived)
	}
	if derived[0].Predicate != "failed_tool" || derived[0].Args[0] != "navigate-url" {
		t.Errorf("unexpected derived fact: %+v", derived[0])
	}

	t.Run("not ready without schema", func(t *testing.T) {
		bare, err := NewLedger(config.FactsConfig{Enable: true, FactBufferLimit: 10})
		if err != nil {
			t.Fatalf("NewLedger failed: %v", err)
		}
		if _, err := bare.Evaluate(ctx, "failed_tool"); err == nil {
			t.Error("expected error when no schema is loaded")
		}
	})
}

func TestLedgerAddRule(t *testing.T) {
	ledger, err := NewLedger(testLedgerConfig())
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}

	ctx := context.Background()
	if err := ledger.AddRule(`flaky_tool(Tool) :- recovery_attempt(Tool, _, "retry", _).`); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	ledger.RecoveryAttempted(ctx, "get-content", "builtin-element-missing", "retry")
	ledger.RecoveryAttempted(ctx, "navigate-url", "builtin-nav-timeout", "refresh")

	results, err := ledger.Query(ctx, "flaky_tool(T)")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(results) != 1 || results[0]["T"] != "get-content" {
		t.Errorf("expected only the retry-recovered tool, got %v", results)
	}
}

func TestLedgerQueryTemporal(t *testing.T) {
	ledger, err := NewLedger(testLedgerConfig())
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}

	ctx := context.Background()
	cut := time.Now()
	ledger.AddFacts(ctx, []Fact{{
		Predicate: PredMilestone,
		Args:      []interface{}{"browser_initialized", cut.Add(-time.Hour).UnixMilli()},
		Timestamp: cut.Add(-time.Hour),
	}})
	ledger.MilestoneReached(ctx, "page_navigated")

	recent := ledger.QueryTemporal(PredMilestone, cut, time.Time{})
	if len(recent) != 1 {
		t.Fatalf("expected 1 recent milestone, got %d", len(recent))
	}
	if recent[0].Args[0] != "page_navigated" {
		t.Errorf("expected the recent milestone, got %v", recent[0].Args)
	}

	old := ledger.QueryTemporal(PredMilestone, time.Time{}, cut)
	if len(old) != 1 || old[0].Args[0] != "browser_initialized" {
		t.Errorf("expected the old milestone, got %v", old)
	}
}

func TestLedgerCircularBuffer(t *testing.T) {
	cfg := testLedgerConfig()
	cfg.FactBufferLimit = 5

	ledger, err := NewLedger(cfg)
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 12; i++ {
		ledger.ToolExecuted(ctx, "get-content", true)
	}

	if got := len(ledger.Facts()); got != 5 {
		t.Errorf("expected buffer capped at 5, got %d", got)
	}
	// Index must survive the trim.
	if got := len(ledger.FactsByPredicate(PredToolExecuted)); got != 5 {
		t.Errorf("expected index rebuilt to 5 entries, got %d", got)
	}
}
