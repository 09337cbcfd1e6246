package facts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"webpilot-mcp-server/internal/config"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

// Fact is one normalized workflow event: a tool execution, a milestone, or a
// recovery attempt.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult represents a binding of variables to values from a Datalog query.
type QueryResult map[string]interface{}

// Predicates emitted by the gateway.
const (
	PredToolExecuted    = "tool_executed"     // tool_executed(Tool, Ok, Ts)
	PredMilestone       = "milestone_reached" // milestone_reached(Flag, Ts)
	PredRecoveryAttempt = "recovery_attempt"  // recovery_attempt(Tool, Strategy, Action, Ts)
	PredWorkflowDenied  = "workflow_denied"   // workflow_denied(Tool, MissingTool, Ts)
)

// Ledger wraps the Mangle deductive database with workflow fact management.
// The driving agent can push and query facts to reason about what the session
// has done so far ("which tools failed since the last navigation").
type Ledger struct {
	cfg          config.FactsConfig
	mu           sync.RWMutex
	schemaLoaded bool

	programInfo *analysis.ProgramInfo
	store       factstore.FactStore

	// Fact buffer for temporal queries, capped at cfg.FactBufferLimit.
	facts []Fact

	// Predicate index for O(m) lookup instead of O(n).
	index map[string][]int
}

// NewLedger builds a ledger and loads the Datalog schema when configured.
func NewLedger(cfg config.FactsConfig) (*Ledger, error) {
	l := &Ledger{
		cfg:   cfg,
		facts: make([]Fact, 0, cfg.FactBufferLimit),
		index: make(map[string][]int),
		store: factstore.NewSimpleInMemoryStore(),
	}

	if cfg.Enable && cfg.SchemaPath != "" {
		if err := l.LoadSchema(cfg.SchemaPath); err != nil {
			return nil, err
		}
	}

	return l, nil
}

// LoadSchema parses a Mangle schema file, analyzes it, and prepares the ledger
// for rule evaluation. Missing schema files are not fatal: the buffer and
// temporal queries work without one.
func (l *Ledger) LoadSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read schema: %w", err)
	}

	sourceUnit, err := parse.Unit(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}

	programInfo, err := analysis.AnalyzeOneUnit(sourceUnit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze schema: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.programInfo = programInfo
	l.schemaLoaded = true

	return nil
}

// AddRule dynamically adds a Mangle rule for continuous evaluation.
func (l *Ledger) AddRule(ruleSource string) error {
	if !l.cfg.Enable {
		return nil
	}

	sourceUnit, err := parse.Unit(bytes.NewReader([]byte(ruleSource)))
	if err != nil {
		return fmt.Errorf("parse rule: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existingDecls := make(map[ast.PredicateSym]ast.Decl)
	if l.programInfo != nil && l.programInfo.Decls != nil {
		for k, v := range l.programInfo.Decls {
			if v != nil {
				existingDecls[k] = *v
			}
		}
	}

	newProgramInfo, err := analysis.AnalyzeOneUnit(sourceUnit, existingDecls)
	if err != nil {
		return fmt.Errorf("analyze rule: %w", err)
	}

	if l.programInfo == nil {
		l.programInfo = newProgramInfo
	} else {
		for k, v := range newProgramInfo.Decls {
			l.programInfo.Decls[k] = v
		}
	}
	l.schemaLoaded = true

	return nil
}

// AddFacts appends facts to both the temporal buffer and the Mangle store.
// Workflow volume is low, so every fact is accepted; the buffer is circular.
func (l *Ledger) AddFacts(ctx context.Context, facts []Fact) error {
	if !l.cfg.Enable {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	baseIdx := len(l.facts)
	l.facts = append(l.facts, facts...)
	if l.cfg.FactBufferLimit > 0 && len(l.facts) > l.cfg.FactBufferLimit {
		trimCount := len(l.facts) - l.cfg.FactBufferLimit
		l.facts = l.facts[trimCount:]
		l.rebuildIndex()
	} else {
		for i, f := range facts {
			idx := baseIdx + i
			if idx >= 0 && idx < len(l.facts) {
				l.index[f.Predicate] = append(l.index[f.Predicate], idx)
			}
		}
	}

	for _, f := range facts {
		atom, err := l.factToAtom(f)
		if err != nil {
			continue // Skip malformed facts
		}
		l.store.Add(atom)
	}

	// Incremental evaluation (semi-naive) when rules are loaded.
	if l.schemaLoaded && l.programInfo != nil {
		if err := engine.EvalProgram(l.programInfo, l.store); err != nil {
			return fmt.Errorf("eval program after fact insertion: %w", err)
		}
	}

	return nil
}

// ToolExecuted records a tool invocation outcome.
func (l *Ledger) ToolExecuted(ctx context.Context, toolName string, success bool) {
	now := time.Now()
	_ = l.AddFacts(ctx, []Fact{{
		Predicate: PredToolExecuted,
		Args:      []interface{}{toolName, success, now.UnixMilli()},
		Timestamp: now,
	}})
}

// MilestoneReached records a newly set session milestone flag.
func (l *Ledger) MilestoneReached(ctx context.Context, flag string) {
	now := time.Now()
	_ = l.AddFacts(ctx, []Fact{{
		Predicate: PredMilestone,
		Args:      []interface{}{flag, now.UnixMilli()},
		Timestamp: now,
	}})
}

// RecoveryAttempted records one recovery action taken on behalf of a tool.
func (l *Ledger) RecoveryAttempted(ctx context.Context, toolName, strategyID, action string) {
	now := time.Now()
	_ = l.AddFacts(ctx, []Fact{{
		Predicate: PredRecoveryAttempt,
		Args:      []interface{}{toolName, strategyID, action, now.UnixMilli()},
		Timestamp: now,
	}})
}

// WorkflowDenied records a precondition violation and the suggested remedy.
func (l *Ledger) WorkflowDenied(ctx context.Context, toolName, missingTool string) {
	now := time.Now()
	_ = l.AddFacts(ctx, []Fact{{
		Predicate: PredWorkflowDenied,
		Args:      []interface{}{toolName, missingTool, now.UnixMilli()},
		Timestamp: now,
	}})
}

// Query executes a Mangle query with variable binding and returns all
// satisfying assignments. Falls back to direct buffer search when the store
// lookup yields nothing (e.g., arity mismatch).
func (l *Ledger) Query(ctx context.Context, queryStr string) ([]QueryResult, error) {
	if !l.cfg.Enable {
		return nil, fmt.Errorf("fact ledger disabled")
	}

	sourceUnit, err := parse.Unit(bytes.NewReader([]byte(queryStr)))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}

	if len(sourceUnit.Clauses) == 0 {
		return nil, fmt.Errorf("no query found")
	}

	queryAtom := sourceUnit.Clauses[0].Head

	l.mu.RLock()
	defer l.mu.RUnlock()

	results := make([]QueryResult, 0)

	err = l.store.GetFacts(queryAtom, func(atom ast.Atom) error {
		result := make(QueryResult)
		for i, arg := range queryAtom.Args {
			if i >= len(atom.Args) {
				break
			}
			if varArg, ok := arg.(ast.Variable); ok {
				result[varArg.Symbol] = l.convertConstant(atom.Args[i])
			}
		}
		results = append(results, result)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}

	if len(results) == 0 {
		results = append(results, l.queryBufferDirect(queryAtom.Predicate.Symbol, queryAtom.Args)...)
	}

	return results, nil
}

// queryBufferDirect searches the temporal buffer for facts matching predicate
// and args pattern.
func (l *Ledger) queryBufferDirect(predicate string, queryArgs []ast.BaseTerm) []QueryResult {
	results := make([]QueryResult, 0)

	indices, exists := l.index[predicate]
	if !exists {
		return results
	}

	for _, idx := range indices {
		if idx < 0 || idx >= len(l.facts) {
			continue
		}
		f := l.facts[idx]

		if len(queryArgs) > 0 && len(f.Args) < len(queryArgs) {
			continue
		}

		result := make(QueryResult)
		matches := true

		for i, qArg := range queryArgs {
			if i >= len(f.Args) {
				break
			}
			if varArg, ok := qArg.(ast.Variable); ok {
				result[varArg.Symbol] = f.Args[i]
			} else if constArg, ok := qArg.(ast.Constant); ok {
				factVal := fmt.Sprintf("%v", f.Args[i])
				queryVal := l.convertConstant(constArg)
				if factVal != fmt.Sprintf("%v", queryVal) {
					matches = false
					break
				}
			}
		}

		if matches {
			results = append(results, result)
		}
	}

	return results
}

// Evaluate runs full program evaluation and returns derived facts for a
// specific predicate.
func (l *Ledger) Evaluate(ctx context.Context, predicate string) ([]Fact, error) {
	if !l.cfg.Enable || !l.schemaLoaded {
		return nil, fmt.Errorf("fact ledger not ready")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := engine.EvalProgram(l.programInfo, l.store); err != nil {
		return nil, fmt.Errorf("eval program: %w", err)
	}

	arity := -1
	for sym := range l.programInfo.Decls {
		if sym.Symbol == predicate {
			arity = sym.Arity
			break
		}
	}

	predSym := ast.PredicateSym{Symbol: predicate, Arity: arity}
	derived := make([]Fact, 0)

	var queryAtom ast.Atom
	if arity >= 0 {
		args := make([]ast.BaseTerm, arity)
		for i := 0; i < arity; i++ {
			args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
		}
		queryAtom = ast.Atom{Predicate: predSym, Args: args}
	} else {
		queryAtom = ast.Atom{Predicate: predSym}
	}

	err := l.store.GetFacts(queryAtom, func(atom ast.Atom) error {
		fact, err := l.atomToFact(atom)
		if err != nil {
			return nil // Skip malformed atoms
		}
		derived = append(derived, fact)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}

	return derived, nil
}

// QueryTemporal queries facts within a time window.
func (l *Ledger) QueryTemporal(predicate string, after, before time.Time) []Fact {
	l.mu.RLock()
	defer l.mu.RUnlock()

	results := make([]Fact, 0)
	indices, exists := l.index[predicate]
	if !exists {
		return results
	}

	for _, idx := range indices {
		if idx < 0 || idx >= len(l.facts) {
			continue
		}
		f := l.facts[idx]
		if (after.IsZero() || f.Timestamp.After(after)) &&
			(before.IsZero() || f.Timestamp.Before(before)) {
			results = append(results, f)
		}
	}

	return results
}

// FactsByPredicate returns matching facts using the index.
func (l *Ledger) FactsByPredicate(predicate string) []Fact {
	l.mu.RLock()
	defer l.mu.RUnlock()

	indices, exists := l.index[predicate]
	if !exists {
		return []Fact{}
	}

	results := make([]Fact, 0, len(indices))
	for _, idx := range indices {
		if idx >= 0 && idx < len(l.facts) {
			results = append(results, l.facts[idx])
		}
	}

	return results
}

// Facts returns a shallow copy of buffered facts for debugging.
func (l *Ledger) Facts() []Fact {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Fact, len(l.facts))
	copy(out, l.facts)
	return out
}

// Ready reports whether the ledger has a usable query context.
func (l *Ledger) Ready() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.schemaLoaded || !l.cfg.Enable
}

func (l *Ledger) factToAtom(f Fact) (ast.Atom, error) {
	predSym := ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)}

	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = l.toConstant(arg)
	}

	return ast.Atom{
		Predicate: predSym,
		Args:      args,
	}, nil
}

func (l *Ledger) atomToFact(atom ast.Atom) (Fact, error) {
	args := make([]interface{}, len(atom.Args))
	for i, arg := range atom.Args {
		args[i] = l.convertConstant(arg)
	}

	return Fact{
		Predicate: atom.Predicate.Symbol,
		Args:      args,
		Timestamp: time.Now(),
	}, nil
}

func (l *Ledger) toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func (l *Ledger) convertConstant(c ast.BaseTerm) interface{} {
	if c == nil {
		return nil
	}

	switch term := c.(type) {
	case ast.Constant:
		if term.Type == ast.StringType {
			val, _ := term.StringValue()
			return val
		} else if term.Type == ast.NumberType {
			return term.NumberValue
		} else if term.Type == ast.Float64Type {
			if val, err := term.Float64Value(); err == nil {
				return val
			}
		}
		return term.String()
	case ast.Variable:
		return term.Symbol
	default:
		return fmt.Sprintf("%v", c)
	}
}

// rebuildIndex recomputes the predicate index after a circular buffer trim.
func (l *Ledger) rebuildIndex() {
	l.index = make(map[string][]int)
	for i, f := range l.facts {
		l.index[f.Predicate] = append(l.index[f.Predicate], i)
	}
}
