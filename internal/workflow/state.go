package workflow

import "time"

// SessionState records which automation milestones have been reached in the
// current browser session. Flags only move forward; Reset is the sole way back.
type SessionState struct {
	BrowserInitialized bool   `json:"browser_initialized"`
	PageNavigated      bool   `json:"page_navigated"`
	ContentAnalyzed    bool   `json:"content_analyzed"`
	SelectorFound      bool   `json:"selector_found"`
	LastURL            string `json:"last_url,omitempty"`
	LastSelector       string `json:"last_selector,omitempty"`
}

// Requirement is one precondition a tool needs satisfied before it may run.
type Requirement struct {
	// Met reports whether the session already satisfies this requirement.
	Met func(SessionState) bool
	// Description completes the sentence "requires <Description> first".
	Description string
	// Tool is the exact tool the agent should call to satisfy the requirement.
	Tool string
}

// Guard gates a tool behind an ordered list of requirements. The first unmet
// requirement drives the error message and the suggested remediation.
type Guard struct {
	Requirements []Requirement
}

// Effect mutates session state after a tool reports success.
type Effect func(state *SessionState, args map[string]interface{})

// ExecutionRecord is one audit-log entry for a tool invocation attempt.
type ExecutionRecord struct {
	ToolName  string                 `json:"tool"`
	Args      map[string]interface{} `json:"args,omitempty"`
	Timestamp time.Time              `json:"ts"`
	Success   bool                   `json:"success"`
	Message   string                 `json:"message,omitempty"`
}

// ValidationResult is the outcome of checking a tool against session state.
type ValidationResult struct {
	IsValid         bool   `json:"is_valid"`
	ErrorMessage    string `json:"error,omitempty"`
	SuggestedAction string `json:"suggested_action,omitempty"`
}

// DefaultGuards returns the built-in tool preconditions. Tools absent from the
// map are unconditionally valid; registering a guard is additive configuration,
// not an allow-list.
func DefaultGuards() map[string]Guard {
	browserUp := Requirement{
		Met:         func(s SessionState) bool { return s.BrowserInitialized },
		Description: "the browser to have been launched",
		Tool:        "launch-browser",
	}
	pageLoaded := Requirement{
		Met:         func(s SessionState) bool { return s.PageNavigated },
		Description: "a page to have been navigated",
		Tool:        "navigate-url",
	}
	contentKnown := Requirement{
		Met:         func(s SessionState) bool { return s.ContentAnalyzed },
		Description: "the page content to have been analyzed",
		Tool:        "get-content",
	}
	selectorKnown := Requirement{
		Met:         func(s SessionState) bool { return s.SelectorFound },
		Description: "a selector to have been located",
		Tool:        "find-selector",
	}

	return map[string]Guard{
		"navigate-url":  {Requirements: []Requirement{browserUp}},
		"get-content":   {Requirements: []Requirement{browserUp, pageLoaded}},
		"find-selector": {Requirements: []Requirement{browserUp, pageLoaded, contentKnown}},
		"click-element": {Requirements: []Requirement{browserUp, pageLoaded, selectorKnown}},
		"screenshot":    {Requirements: []Requirement{browserUp, pageLoaded}},
		"solve-captcha": {Requirements: []Requirement{browserUp, pageLoaded}},
	}
}

// DefaultEffects returns the built-in state-effects applied on tool success.
func DefaultEffects() map[string]Effect {
	return map[string]Effect{
		"launch-browser": func(s *SessionState, _ map[string]interface{}) {
			s.BrowserInitialized = true
		},
		"navigate-url": func(s *SessionState, args map[string]interface{}) {
			s.PageNavigated = true
			// A new page invalidates prior content analysis and discovered selectors.
			s.ContentAnalyzed = false
			s.SelectorFound = false
			s.LastSelector = ""
			if url, ok := args["url"].(string); ok && url != "" {
				s.LastURL = url
			}
		},
		"get-content": func(s *SessionState, _ map[string]interface{}) {
			s.ContentAnalyzed = true
		},
		"find-selector": func(s *SessionState, args map[string]interface{}) {
			s.SelectorFound = true
			if sel, ok := args["selector"].(string); ok && sel != "" {
				s.LastSelector = sel
			}
		},
	}
}
