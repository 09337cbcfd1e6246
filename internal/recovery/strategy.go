package recovery

import (
	"fmt"
	"regexp"
	"time"

	"webpilot-mcp-server/internal/config"

	"github.com/google/uuid"
)

// Action is the typed recovery step taken when a strategy matches an error.
type Action string

const (
	// ActionRetry re-runs the operation after the strategy's delay.
	ActionRetry Action = "retry"
	// ActionRefresh reloads the current page, then re-runs the operation.
	ActionRefresh Action = "refresh"
	// ActionRestartBrowser restarts the browser process, then re-runs the operation.
	ActionRestartBrowser Action = "restart_browser"
	// ActionSkip surfaces the failure immediately; recovery cannot fix this
	// class of error (e.g., bot detection belongs to the CAPTCHA subsystem).
	ActionSkip Action = "skip"
	// ActionFallback invokes an alternative operation; its success becomes the
	// overall result, its failure re-enters the retry loop.
	ActionFallback Action = "fallback"
)

// Strategy maps an error-message pattern to a bounded recovery action.
// Budgets are keyed by ID, not pattern text, so two strategies with identical
// patterns never share a budget.
type Strategy struct {
	ID         string
	Pattern    *regexp.Regexp
	Action     Action
	MaxRetries int
	// Delay is the pause before re-running the operation. A negative value
	// means "unset": the engine substitutes its default delay. Zero is a
	// real zero-delay strategy, not a request for the default.
	Delay time.Duration
}

// NewStrategy compiles a case-insensitive pattern into a strategy with a fresh
// ID. Pass a negative delay to defer to the engine's default delay.
func NewStrategy(pattern string, action Action, maxRetries int, delay time.Duration) (Strategy, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return Strategy{}, fmt.Errorf("compile strategy pattern %q: %w", pattern, err)
	}
	return Strategy{
		ID:         uuid.NewString(),
		Pattern:    re,
		Action:     action,
		MaxRetries: maxRetries,
		Delay:      delay,
	}, nil
}

// Matches reports whether the strategy's pattern matches the error text.
func (s Strategy) Matches(errText string) bool {
	if s.Pattern == nil {
		return false
	}
	return s.Pattern.MatchString(errText)
}

// DefaultStrategies returns the built-in error taxonomy in priority order;
// the first matching entry wins.
func DefaultStrategies() []Strategy {
	mustStrategy := func(id, pattern string, action Action, maxRetries int, delay time.Duration) Strategy {
		return Strategy{
			ID:         id,
			Pattern:    regexp.MustCompile("(?i)" + pattern),
			Action:     action,
			MaxRetries: maxRetries,
			Delay:      delay,
		}
	}

	return []Strategy{
		// Transient network failures: short delay, small budget.
		mustStrategy("builtin-network", `ECONNREFUSED|ECONNRESET|ERR_CONNECTION_REFUSED|ERR_CONNECTION_RESET|ERR_NETWORK_CHANGED|ERR_INTERNET_DISCONNECTED|network error|connection (refused|reset|aborted)`,
			ActionRetry, 3, time.Second),
		// Navigation timeouts: a reload usually unsticks the page.
		mustStrategy("builtin-nav-timeout", `navigation.*time(d)? ?out|ERR_TIMED_OUT|ERR_CONNECTION_TIMED_OUT|page load.*timeout|deadline exceeded`,
			ActionRefresh, 2, 2*time.Second),
		// Browser/session/context destroyed: one restart attempt.
		mustStrategy("builtin-browser-gone", `browser.*(closed|crashed|disconnected)|session (closed|not found)|target (closed|crashed|destroyed)|context.*destroyed|websocket.*closed`,
			ActionRestartBrowser, 1, 3*time.Second),
		// Element lookup races: dynamic pages often settle on a quick retry.
		mustStrategy("builtin-element-missing", `element not found|no such element|cannot find element|node.*not found|cannot find selector|element.*not (visible|interactable)`,
			ActionRetry, 2, 500*time.Millisecond),
		// Rate limits: retry with a long delay.
		mustStrategy("builtin-rate-limit", `rate limit|too many requests|\b429\b`,
			ActionRetry, 2, 10*time.Second),
		// Bot detection / CAPTCHA: recovery cannot fix this; hand off.
		mustStrategy("builtin-bot-detected", `captcha|recaptcha|hcaptcha|bot detect|unusual traffic|are you a robot|cloudflare.*challenge`,
			ActionSkip, 0, 0),
	}
}

// strategiesFromConfig converts YAML strategy declarations. Invalid patterns
// or actions are rejected by config.Validate before this is called, but we
// still skip anything that fails to compile.
func strategiesFromConfig(configs []config.StrategyConfig) []Strategy {
	out := make([]Strategy, 0, len(configs))
	for _, sc := range configs {
		s, err := NewStrategy(sc.Pattern, Action(sc.Action), sc.MaxRetries, sc.GetDelay())
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}
