package mcp

import (
	"context"
	"fmt"
	"time"

	"webpilot-mcp-server/internal/facts"
	"webpilot-mcp-server/internal/recovery"
	"webpilot-mcp-server/internal/workflow"
)

// GetWorkflowStateTool returns the validator summary and recovery counters so
// the agent can self-correct after a workflow violation.
type GetWorkflowStateTool struct {
	validator *workflow.Validator
	recovery  *recovery.Engine
}

func (t *GetWorkflowStateTool) Name() string { return "get-workflow-state" }
func (t *GetWorkflowStateTool) Description() string {
	return `Inspect workflow milestones, recent tool executions, and recovery budgets.

TOKEN COST: Low. USE THIS when a tool was denied with a workflow violation to
see exactly which prerequisite is missing, or to check how much retry budget
remains before a long operation.

Returns: {state, summary, history, recovery}.`
}
func (t *GetWorkflowStateTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *GetWorkflowStateTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"state":    t.validator.State(),
		"summary":  t.validator.Summary(),
		"history":  t.validator.History(),
		"recovery": t.recovery.Snapshot(),
	}, nil
}

// QueryWorkflowFactsTool exposes the Datalog fact ledger.
type QueryWorkflowFactsTool struct {
	ledger *facts.Ledger
}

func (t *QueryWorkflowFactsTool) Name() string { return "query-workflow-facts" }
func (t *QueryWorkflowFactsTool) Description() string {
	return `Query the workflow fact ledger with Datalog or by predicate.

Base predicates: tool_executed(Tool, Ok, Ts), milestone_reached(Flag, Ts),
recovery_attempt(Tool, Strategy, Action, Ts), workflow_denied(Tool, Missing, Ts).
Derived (from the schema): failed_tool(Tool), recovered_tool(Tool),
premature_tool(Tool, Missing).

OPTIONS (one of):
- query: Datalog query, e.g. 'failed_tool(T)' or 'tool_executed("navigate-url", Ok, Ts)'
- evaluate: run full rule evaluation and return every derived fact for one
  predicate, e.g. 'failed_tool' (requires the schema to be loaded)
- predicate: return raw facts for one predicate, optionally bounded by
  since_ms/until_ms (unix milliseconds)

Returns: {results} or {facts}.`
}
func (t *QueryWorkflowFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Datalog query with variable bindings",
			},
			"evaluate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate to fully evaluate rules for, returning derived facts",
			},
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate name for a raw fact dump",
			},
			"since_ms": map[string]interface{}{
				"type":        "number",
				"description": "Only facts after this unix-millisecond timestamp",
			},
			"until_ms": map[string]interface{}{
				"type":        "number",
				"description": "Only facts before this unix-millisecond timestamp",
			},
		},
	}
}
func (t *QueryWorkflowFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query := getStringArg(args, "query")
	evaluate := getStringArg(args, "evaluate")
	predicate := getStringArg(args, "predicate")

	if query == "" && evaluate == "" && predicate == "" {
		return map[string]interface{}{"success": false, "error": "query, evaluate, or predicate is required"}, nil
	}

	if query != "" {
		results, err := t.ledger.Query(ctx, query)
		if err != nil {
			return map[string]interface{}{"success": false, "error": fmt.Sprintf("query failed: %v", err)}, nil
		}
		return map[string]interface{}{"success": true, "results": results}, nil
	}

	if evaluate != "" {
		derived, err := t.ledger.Evaluate(ctx, evaluate)
		if err != nil {
			return map[string]interface{}{"success": false, "error": fmt.Sprintf("evaluate failed: %v", err)}, nil
		}
		return map[string]interface{}{"success": true, "facts": derived}, nil
	}

	var after, before time.Time
	if since := getIntArg(args, "since_ms", 0); since > 0 {
		after = time.UnixMilli(int64(since))
	}
	if until := getIntArg(args, "until_ms", 0); until > 0 {
		before = time.UnixMilli(int64(until))
	}

	var found []facts.Fact
	if after.IsZero() && before.IsZero() {
		found = t.ledger.FactsByPredicate(predicate)
	} else {
		found = t.ledger.QueryTemporal(predicate, after, before)
	}
	return map[string]interface{}{"success": true, "facts": found}, nil
}

// ConfigureRecoveryTool lets the agent tune retry budgets and register custom
// strategies at runtime.
type ConfigureRecoveryTool struct {
	recovery *recovery.Engine
}

func (t *ConfigureRecoveryTool) Name() string { return "configure-recovery" }
func (t *ConfigureRecoveryTool) Description() string {
	return `Tune the automatic error-recovery engine.

OPTIONS (all optional, unset fields keep their value):
- enabled: Turn automatic recovery on/off
- max_global_retries: Ceiling on total retries per wrapped call
- default_delay_ms: Delay between attempts when a strategy sets none
- strategies: Custom rules, each {pattern, action, max_retries, delay_ms}.
  Actions: retry, refresh, restart_browser, skip, fallback.
  New strategies take priority over the built-in taxonomy.
- reset_counters: Zero the retry budgets immediately

Returns: {success, recovery} with the resulting engine snapshot.`
}
func (t *ConfigureRecoveryTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"enabled": map[string]interface{}{
				"type":        "boolean",
				"description": "Enable or disable automatic recovery",
			},
			"max_global_retries": map[string]interface{}{
				"type":        "number",
				"description": "Total retry ceiling per wrapped call",
			},
			"default_delay_ms": map[string]interface{}{
				"type":        "number",
				"description": "Default inter-attempt delay in milliseconds",
			},
			"strategies": map[string]interface{}{
				"type":        "array",
				"description": "Custom strategies, highest priority first",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"pattern":     map[string]interface{}{"type": "string"},
						"action":      map[string]interface{}{"type": "string", "enum": []string{"retry", "refresh", "restart_browser", "skip", "fallback"}},
						"max_retries": map[string]interface{}{"type": "number"},
						"delay_ms":    map[string]interface{}{"type": "number"},
					},
					"required": []string{"pattern", "action"},
				},
			},
			"reset_counters": map[string]interface{}{
				"type":        "boolean",
				"description": "Zero global and per-strategy retry counters",
			},
		},
	}
}
func (t *ConfigureRecoveryTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	var opts recovery.Options

	if v, ok := args["enabled"].(bool); ok {
		opts.Enabled = &v
	}
	if v := getIntArg(args, "max_global_retries", 0); v > 0 {
		opts.MaxGlobalRetries = &v
	}
	if v := getIntArg(args, "default_delay_ms", -1); v >= 0 {
		d := time.Duration(v) * time.Millisecond
		opts.DefaultDelay = &d
	}

	if raw, ok := args["strategies"].([]interface{}); ok {
		for i, entry := range raw {
			m, ok := entry.(map[string]interface{})
			if !ok {
				return map[string]interface{}{"success": false, "error": fmt.Sprintf("strategies[%d] is not an object", i)}, nil
			}
			pattern := getStringArg(m, "pattern")
			action := getStringArg(m, "action")
			if pattern == "" || action == "" {
				return map[string]interface{}{"success": false, "error": fmt.Sprintf("strategies[%d] needs pattern and action", i)}, nil
			}
			// Absent delay_ms defers to the engine default; an explicit 0 is
			// a genuine zero-delay strategy.
			delay := time.Duration(-1)
			if ms := getIntArg(m, "delay_ms", -1); ms >= 0 {
				delay = time.Duration(ms) * time.Millisecond
			}
			s, err := recovery.NewStrategy(pattern, recovery.Action(action), getIntArg(m, "max_retries", 1), delay)
			if err != nil {
				return map[string]interface{}{"success": false, "error": fmt.Sprintf("strategies[%d]: %v", i, err)}, nil
			}
			opts.Strategies = append(opts.Strategies, s)
		}
	}

	t.recovery.Configure(opts)

	if getBoolArg(args, "reset_counters", false) {
		t.recovery.ResetState()
	}

	return map[string]interface{}{
		"success":  true,
		"recovery": t.recovery.Snapshot(),
	}, nil
}
