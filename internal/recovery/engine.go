package recovery

import (
	"context"
	"log"
	"sync"
	"time"

	"webpilot-mcp-server/internal/config"

	"github.com/google/uuid"
)

// Outcome is the terminal classification of one Execute call.
type Outcome string

const (
	// OutcomeSuccess: the operation eventually succeeded.
	OutcomeSuccess Outcome = "success"
	// OutcomeFellBack: the fallback operation succeeded in place of the original.
	OutcomeFellBack Outcome = "fell_back"
	// OutcomeSkipped: a skip strategy matched; a specialized subsystem should take over.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeNoStrategy: no configured pattern matched the error.
	OutcomeNoStrategy Outcome = "no_matching_strategy"
	// OutcomePatternExhausted: the matched strategy's retry budget ran out.
	OutcomePatternExhausted Outcome = "pattern_budget_exhausted"
	// OutcomeGlobalExhausted: the engine-wide retry budget ran out.
	OutcomeGlobalExhausted Outcome = "global_budget_exhausted"
	// OutcomeDisabled: recovery was off; the operation ran exactly once and failed.
	OutcomeDisabled Outcome = "recovery_disabled"
)

// Operation is the caller-supplied work to guard. Cancellation must propagate
// through the returned error; the engine treats it as any other failure.
type Operation func(ctx context.Context) (interface{}, error)

// Callbacks are the injected driver hooks a recovery action may invoke.
// The engine never constructs or owns these.
type Callbacks struct {
	// ReloadPage reloads the current page (refresh action).
	ReloadPage func(ctx context.Context) error
	// RestartBrowser restarts the browser process (restart_browser action).
	RestartBrowser func(ctx context.Context) error
	// Fallback is the alternative operation for fallback strategies.
	Fallback Operation
}

// Result reports the terminal state of one Execute call.
type Result struct {
	Success          bool
	Outcome          Outcome
	Value            interface{}
	Err              error
	RecoveryAttempts int
	// LastAction is the most recent recovery action attempted, if any.
	LastAction Action
	// StrategyID identifies the strategy that drove the terminal outcome, if any.
	StrategyID string
}

// ProgressNotifier receives recovery telemetry. The engine only writes into it.
type ProgressNotifier interface {
	RecoveryAttempt(opName, strategyID string, action Action, attempt int, cause error)
	RecoveryActionError(opName string, action Action, err error)
	RecoveryFinished(opName string, outcome Outcome, attempts int)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) RecoveryAttempt(string, string, Action, int, error) {}
func (NopNotifier) RecoveryActionError(string, Action, error)          {}
func (NopNotifier) RecoveryFinished(string, Outcome, int)              {}

// LogNotifier writes recovery telemetry to the standard logger.
type LogNotifier struct{}

func (LogNotifier) RecoveryAttempt(opName, strategyID string, action Action, attempt int, cause error) {
	log.Printf("recovery: %s attempt %d via %s (%s): %v", opName, attempt, action, strategyID, cause)
}

func (LogNotifier) RecoveryActionError(opName string, action Action, err error) {
	log.Printf("recovery: %s action %s itself failed: %v", opName, action, err)
}

func (LogNotifier) RecoveryFinished(opName string, outcome Outcome, attempts int) {
	log.Printf("recovery: %s finished outcome=%s attempts=%d", opName, outcome, attempts)
}

// State is a diagnostic snapshot of the engine's retry counters.
type State struct {
	GlobalRetryCount     int            `json:"global_retry_count"`
	PerStrategyRetries   map[string]int `json:"per_strategy_retries"`
	LastRecoveryTime     time.Time      `json:"last_recovery_time"`
	MaxGlobalRetries     int            `json:"max_global_retries"`
	Enabled              bool           `json:"enabled"`
	RegisteredStrategies int            `json:"registered_strategies"`
}

// Options is a partial configuration merge for Configure. Nil fields keep
// their current value; Strategies are prepended ahead of existing ones.
type Options struct {
	Enabled          *bool
	MaxGlobalRetries *int
	DefaultDelay     *time.Duration
	Strategies       []Strategy
}

// Engine executes operations with bounded, typed recovery. Counters persist
// across Execute calls until the caller invokes ResetState after a fully
// successful higher-level cycle.
type Engine struct {
	mu               sync.Mutex
	enabled          bool
	maxGlobalRetries int
	defaultDelay     time.Duration
	strategies       []Strategy
	notifier         ProgressNotifier

	globalRetries int
	perStrategy   map[string]int
	lastRecovery  time.Time

	// sleep is swapped in tests to avoid real waiting.
	sleep func(ctx context.Context, d time.Duration)
}

// NewEngine builds an engine from config: custom strategies sit ahead of the
// built-in taxonomy, giving them top priority.
func NewEngine(cfg config.RecoveryConfig, notifier ProgressNotifier) *Engine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	strategies := append(strategiesFromConfig(cfg.Strategies), DefaultStrategies()...)
	return &Engine{
		enabled:          cfg.IsEnabled(),
		maxGlobalRetries: cfg.GetMaxGlobalRetries(),
		defaultDelay:     cfg.GetDefaultDelay(),
		strategies:       strategies,
		notifier:         notifier,
		perStrategy:      make(map[string]int),
		sleep:            sleepCtx,
	}
}

// Configure merges a partial options set. New strategies gain top priority.
func (e *Engine) Configure(opts Options) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if opts.Enabled != nil {
		e.enabled = *opts.Enabled
	}
	if opts.MaxGlobalRetries != nil && *opts.MaxGlobalRetries > 0 {
		e.maxGlobalRetries = *opts.MaxGlobalRetries
	}
	if opts.DefaultDelay != nil && *opts.DefaultDelay >= 0 {
		e.defaultDelay = *opts.DefaultDelay
	}
	if len(opts.Strategies) > 0 {
		prepend := make([]Strategy, 0, len(opts.Strategies))
		for _, s := range opts.Strategies {
			if s.ID == "" {
				s.ID = uuid.NewString()
			}
			prepend = append(prepend, s)
		}
		e.strategies = append(prepend, e.strategies...)
	}
}

// AddStrategy inserts a single strategy at the head of the list.
func (e *Engine) AddStrategy(s Strategy) {
	e.Configure(Options{Strategies: []Strategy{s}})
}

// ResetState zeroes global and per-strategy counters. Callers invoke this
// after a fully successful higher-level cycle so stale counts cannot starve
// unrelated later calls.
func (e *Engine) ResetState() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.globalRetries = 0
	e.perStrategy = make(map[string]int)
}

// Snapshot returns the current counters for diagnostics.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	per := make(map[string]int, len(e.perStrategy))
	for k, v := range e.perStrategy {
		per[k] = v
	}
	return State{
		GlobalRetryCount:     e.globalRetries,
		PerStrategyRetries:   per,
		LastRecoveryTime:     e.lastRecovery,
		MaxGlobalRetries:     e.maxGlobalRetries,
		Enabled:              e.enabled,
		RegisteredStrategies: len(e.strategies),
	}
}

// Execute runs the operation, classifying failures against the strategy table
// and performing bounded recovery until the operation succeeds, a terminal
// classification is reached, or the budgets run out.
func (e *Engine) Execute(ctx context.Context, opName string, op Operation, cbs Callbacks) Result {
	e.mu.Lock()
	enabled := e.enabled
	e.mu.Unlock()

	if !enabled {
		value, err := op(ctx)
		if err != nil {
			return Result{Outcome: OutcomeDisabled, Err: err}
		}
		return Result{Success: true, Outcome: OutcomeSuccess, Value: value}
	}

	attempts := 0
	for {
		value, err := op(ctx)
		if err == nil {
			e.notifier.RecoveryFinished(opName, OutcomeSuccess, attempts)
			return Result{Success: true, Outcome: OutcomeSuccess, Value: value, RecoveryAttempts: attempts}
		}

		strat, ok := e.matchStrategy(err.Error())
		if !ok {
			e.notifier.RecoveryFinished(opName, OutcomeNoStrategy, attempts)
			return Result{Outcome: OutcomeNoStrategy, Err: err, RecoveryAttempts: attempts}
		}

		// Skip strategies classify the error as unfixable here; they surface
		// immediately and never consume budget.
		if strat.Action == ActionSkip {
			e.notifier.RecoveryFinished(opName, OutcomeSkipped, attempts)
			return Result{
				Outcome:          OutcomeSkipped,
				Err:              err,
				RecoveryAttempts: attempts,
				LastAction:       ActionSkip,
				StrategyID:       strat.ID,
			}
		}

		// Budgets are enforced before the action executes.
		outcome, allowed := e.chargeBudget(strat)
		if !allowed {
			e.notifier.RecoveryFinished(opName, outcome, attempts)
			return Result{
				Outcome:          outcome,
				Err:              err,
				RecoveryAttempts: attempts,
				LastAction:       strat.Action,
				StrategyID:       strat.ID,
			}
		}

		attempts++
		e.notifier.RecoveryAttempt(opName, strat.ID, strat.Action, attempts, err)

		// A negative delay means the strategy never set one; substitute the
		// engine-wide default. Zero stays zero so immediate retries are
		// expressible.
		delay := strat.Delay
		if delay < 0 {
			e.mu.Lock()
			delay = e.defaultDelay
			e.mu.Unlock()
		}

		switch strat.Action {
		case ActionRetry:
			e.sleep(ctx, delay)

		case ActionRefresh:
			if cbs.ReloadPage != nil {
				if rerr := cbs.ReloadPage(ctx); rerr != nil {
					// A failed reload still counts the attempt; the retry
					// of the operation itself decides whether we recovered.
					e.notifier.RecoveryActionError(opName, ActionRefresh, rerr)
				}
			}
			e.sleep(ctx, delay)

		case ActionRestartBrowser:
			if cbs.RestartBrowser != nil {
				if rerr := cbs.RestartBrowser(ctx); rerr != nil {
					e.notifier.RecoveryActionError(opName, ActionRestartBrowser, rerr)
				}
			}
			e.sleep(ctx, delay)

		case ActionFallback:
			if cbs.Fallback != nil {
				fbValue, fbErr := cbs.Fallback(ctx)
				if fbErr == nil {
					e.notifier.RecoveryFinished(opName, OutcomeFellBack, attempts)
					return Result{
						Success:          true,
						Outcome:          OutcomeFellBack,
						Value:            fbValue,
						RecoveryAttempts: attempts,
						LastAction:       ActionFallback,
						StrategyID:       strat.ID,
					}
				}
				e.notifier.RecoveryActionError(opName, ActionFallback, fbErr)
			}
			e.sleep(ctx, delay)

		default:
			e.sleep(ctx, delay)
		}
	}
}

// matchStrategy finds the first strategy whose pattern matches the error text.
func (e *Engine) matchStrategy(errText string) (Strategy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.strategies {
		if s.Matches(errText) {
			return s, true
		}
	}
	return Strategy{}, false
}

// chargeBudget enforces both ceilings and, when allowed, increments the
// counters atomically. Returns the blocking outcome when a budget is spent.
func (e *Engine) chargeBudget(strat Strategy) (Outcome, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.perStrategy[strat.ID] >= strat.MaxRetries {
		return OutcomePatternExhausted, false
	}
	if e.globalRetries >= e.maxGlobalRetries {
		return OutcomeGlobalExhausted, false
	}

	e.perStrategy[strat.ID]++
	e.globalRetries++
	e.lastRecovery = time.Now()
	return "", true
}

// sleepCtx pauses for d but returns early when the context is canceled.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
