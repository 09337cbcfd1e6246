package workflow

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"webpilot-mcp-server/internal/config"
)

// Validator gates tool invocations on session milestones and keeps the
// execution audit log. One instance tracks one browser session; the gateway
// calls Validate before a tool runs and Record after it finishes.
type Validator struct {
	mu           sync.Mutex
	guards       map[string]Guard
	effects      map[string]Effect
	state        SessionState
	history      []ExecutionRecord
	historyLimit int
	summaryDepth int
}

// NewValidator builds a validator with the built-in guard and effect tables.
func NewValidator(cfg config.WorkflowConfig) *Validator {
	return &Validator{
		guards:       DefaultGuards(),
		effects:      DefaultEffects(),
		historyLimit: cfg.GetHistoryLimit(),
		summaryDepth: cfg.GetSummaryDepth(),
	}
}

// RegisterGuard adds or replaces the guard for a tool. Guards are additive:
// tools without one bypass validation entirely.
func (v *Validator) RegisterGuard(toolName string, g Guard) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.guards[toolName] = g
}

// RegisterEffect adds or replaces the success state-effect for a tool.
func (v *Validator) RegisterEffect(toolName string, e Effect) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.effects[toolName] = e
}

// Validate checks whether session state satisfies the tool's precondition.
// Pure with respect to session state; never returns an error, only a verdict.
// Re-invoking an already-satisfied tool is always valid.
func (v *Validator) Validate(toolName string, args map[string]interface{}) ValidationResult {
	v.mu.Lock()
	guard, ok := v.guards[toolName]
	state := v.state
	v.mu.Unlock()

	if !ok {
		return ValidationResult{IsValid: true}
	}

	for _, req := range guard.Requirements {
		if req.Met == nil || req.Met(state) {
			continue
		}
		return ValidationResult{
			IsValid: false,
			ErrorMessage: fmt.Sprintf("tool %s requires %s first (call %s)",
				toolName, req.Description, req.Tool),
			SuggestedAction: req.Tool,
		}
	}

	return ValidationResult{IsValid: true}
}

// Record appends an execution record and, on success, applies the tool's
// declared state-effect. Failures are logged but never mutate milestone flags.
// Effects are idempotent: re-recording a satisfied tool reapplies the same flags.
func (v *Validator) Record(toolName string, args map[string]interface{}, success bool, message string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec := ExecutionRecord{
		ToolName:  toolName,
		Args:      snapshotArgs(args),
		Timestamp: time.Now(),
		Success:   success,
		Message:   message,
	}

	v.history = append(v.history, rec)
	if len(v.history) > v.historyLimit {
		v.history = v.history[len(v.history)-v.historyLimit:]
	}

	if !success {
		return
	}
	if effect, ok := v.effects[toolName]; ok {
		effect(&v.state, args)
	}
}

// State returns a copy of the current session state.
func (v *Validator) State() SessionState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// History returns a copy of the execution records, oldest first.
func (v *Validator) History() []ExecutionRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]ExecutionRecord, len(v.history))
	copy(out, v.history)
	return out
}

// Summary renders current milestones plus the most recent execution records so
// a calling agent embedded in a remediation message can self-correct.
func (v *Validator) Summary() string {
	v.mu.Lock()
	defer v.mu.Unlock()

	var b strings.Builder
	b.WriteString("Session state: ")
	b.WriteString(fmt.Sprintf("browser_initialized=%t page_navigated=%t content_analyzed=%t selector_found=%t",
		v.state.BrowserInitialized, v.state.PageNavigated, v.state.ContentAnalyzed, v.state.SelectorFound))
	if v.state.LastURL != "" {
		b.WriteString(fmt.Sprintf(" last_url=%s", v.state.LastURL))
	}
	if v.state.LastSelector != "" {
		b.WriteString(fmt.Sprintf(" last_selector=%s", v.state.LastSelector))
	}

	if len(v.history) == 0 {
		b.WriteString("\nNo tools executed yet.")
		return b.String()
	}

	depth := v.summaryDepth
	if depth > len(v.history) {
		depth = len(v.history)
	}
	b.WriteString(fmt.Sprintf("\nLast %d executions:", depth))
	for _, rec := range v.history[len(v.history)-depth:] {
		status := "ok"
		if !rec.Success {
			status = "failed"
		}
		b.WriteString(fmt.Sprintf("\n  %s %s %s", rec.Timestamp.Format(time.TimeOnly), rec.ToolName, status))
		if rec.Message != "" {
			b.WriteString(": " + rec.Message)
		}
	}
	return b.String()
}

// Reset restores initial session state and clears history. Invoked when the
// underlying browser session ends.
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = SessionState{}
	v.history = nil
}

// snapshotArgs shallow-copies tool arguments so later caller mutation cannot
// rewrite the audit log.
func snapshotArgs(args map[string]interface{}) map[string]interface{} {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(args))
	for k, val := range args {
		out[k] = val
	}
	return out
}
