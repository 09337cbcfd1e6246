package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"webpilot-mcp-server/internal/browser"
	"webpilot-mcp-server/internal/recovery"
	"webpilot-mcp-server/internal/workflow"

	"github.com/go-rod/rod"
)

// recoveryCallbacks builds the injected driver hooks for one session.
func recoveryCallbacks(sessions *browser.SessionManager, sessionID string) recovery.Callbacks {
	return recovery.Callbacks{
		ReloadPage: func(ctx context.Context) error {
			return sessions.ReloadPage(ctx, sessionID)
		},
		RestartBrowser: func(ctx context.Context) error {
			return sessions.Restart(ctx)
		},
	}
}

// sessionPage resolves the session's current page. Recovery operations must
// call this on every attempt rather than capture a *rod.Page: a browser
// restart replaces the page stored under the session ID, and a pointer taken
// before the restart keeps driving the dead connection.
func sessionPage(sessions *browser.SessionManager, sessionID string) (*rod.Page, error) {
	page, ok := sessions.Page(sessionID)
	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	return page, nil
}

// recoveryPayload folds a recovery result into the tool's JSON response.
func recoveryPayload(res recovery.Result, base map[string]interface{}) map[string]interface{} {
	base["recovery_attempts"] = res.RecoveryAttempts
	if res.Success {
		base["success"] = true
		return base
	}
	base["success"] = false
	base["outcome"] = string(res.Outcome)
	if res.Err != nil {
		base["error"] = res.Err.Error()
	}
	if res.LastAction != "" {
		base["last_recovery_action"] = string(res.LastAction)
	}
	if res.Outcome == recovery.OutcomeSkipped {
		base["hint"] = "automatic recovery cannot fix this error class; a specialized subsystem (e.g., solve-captcha) should take over"
	}
	return base
}

// NavigateURLTool navigates a session to a URL with automatic bounded recovery.
type NavigateURLTool struct {
	sessions *browser.SessionManager
	recovery *recovery.Engine
}

func (t *NavigateURLTool) Name() string { return "navigate-url" }
func (t *NavigateURLTool) Description() string {
	return `Go to a URL in an existing session.

PREREQUISITE: launch-browser must have succeeded.

Failures are classified and recovered automatically within budget: transient
network errors retry, navigation timeouts trigger a page refresh, and a dead
browser is restarted. CAPTCHA/bot-detection errors are surfaced immediately
for solve-captcha.

WAIT OPTIONS:
- load: Wait for DOMContentLoaded (default, fast)
- networkidle: Wait until no network activity for 500ms (thorough)
- none: Return immediately (for SPAs that load async)

Returns final URL (may differ due to redirects) and recovery_attempts.`
}
func (t *NavigateURLTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Target session to navigate",
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to navigate to",
			},
			"wait_until": map[string]interface{}{
				"type":        "string",
				"description": "Wait condition: 'load' (DOMContentLoaded), 'networkidle' (no network for 500ms), or 'none' (return immediately). Default: 'load'",
				"enum":        []string{"load", "networkidle", "none"},
			},
		},
		"required": []string{"session_id", "url"},
	}
}
func (t *NavigateURLTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	url := getStringArg(args, "url")
	waitUntil := getStringArg(args, "wait_until")
	if waitUntil == "" {
		waitUntil = "load"
	}

	if sessionID == "" {
		return map[string]interface{}{"success": false, "error": "session_id is required"}, nil
	}
	if url == "" {
		return map[string]interface{}{"success": false, "error": "url is required"}, nil
	}

	page, ok := t.sessions.Page(sessionID)
	if !ok {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("session not found: %s", sessionID)}, nil
	}

	// Same-URL navigation emits no CDP event; WaitLoad would hang forever.
	currentInfo, _ := page.Info()
	if currentInfo != nil && currentInfo.URL == url {
		return map[string]interface{}{
			"success":     true,
			"url":         url,
			"duration_ms": int64(0),
			"note":        "already on this URL, no navigation needed",
		}, nil
	}

	startTime := time.Now()

	res := t.recovery.Execute(ctx, t.Name(), func(ctx context.Context) (interface{}, error) {
		page, err := sessionPage(t.sessions, sessionID)
		if err != nil {
			return nil, err
		}
		switch waitUntil {
		case "none":
			err = page.Navigate(url)
		case "networkidle":
			wait := page.MustWaitRequestIdle()
			err = page.Navigate(url)
			if err == nil {
				wait()
			}
		default: // "load"
			err = page.Navigate(url)
			if err == nil {
				err = page.WaitLoad()
			}
		}
		if err != nil {
			return nil, fmt.Errorf("navigation failed: %w", err)
		}
		return nil, nil
	}, recoveryCallbacks(t.sessions, sessionID))

	if !res.Success {
		return recoveryPayload(res, map[string]interface{}{}), nil
	}

	duration := time.Since(startTime)

	// A restart swapped the page when recovery ran; re-resolve before reading
	// the final URL (may differ from requested due to redirects).
	page, _ = t.sessions.Page(sessionID)
	if page == nil {
		return recoveryPayload(res, map[string]interface{}{
			"url":         url,
			"duration_ms": duration.Milliseconds(),
		}), nil
	}
	info, _ := page.Info()
	finalURL := url
	if info != nil {
		finalURL = info.URL
	}

	t.sessions.UpdateMetadata(sessionID, func(s browser.Session) browser.Session {
		s.URL = finalURL
		s.LastActive = time.Now()
		return s
	})

	return recoveryPayload(res, map[string]interface{}{
		"url":         finalURL,
		"duration_ms": duration.Milliseconds(),
	}), nil
}

// GetContentTool extracts page text or HTML with automatic bounded recovery.
type GetContentTool struct {
	sessions *browser.SessionManager
	recovery *recovery.Engine
}

func (t *GetContentTool) Name() string { return "get-content" }
func (t *GetContentTool) Description() string {
	return `Extract the current page's content as plain text or HTML.

PREREQUISITE: navigate-url must have succeeded for this session.

Marks the page content as analyzed, which find-selector requires.

OPTIONS:
- format: "text" (default, innerText of body) or "html" (full outer HTML)
- max_chars: Truncate the result (default 20000; 0 = no limit)

Returns: {success, title, url, content, truncated}.`
}
func (t *GetContentTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Target session",
			},
			"format": map[string]interface{}{
				"type":        "string",
				"description": "Content format: 'text' or 'html' (default: 'text')",
				"enum":        []string{"text", "html"},
			},
			"max_chars": map[string]interface{}{
				"type":        "number",
				"description": "Maximum characters to return (default: 20000, 0 = unlimited)",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *GetContentTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	format := getStringArg(args, "format")
	if format == "" {
		format = "text"
	}
	maxChars := getIntArg(args, "max_chars", 20000)

	if sessionID == "" {
		return map[string]interface{}{"success": false, "error": "session_id is required"}, nil
	}

	if _, ok := t.sessions.Page(sessionID); !ok {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("session not found: %s", sessionID)}, nil
	}

	res := t.recovery.Execute(ctx, t.Name(), func(ctx context.Context) (interface{}, error) {
		page, err := sessionPage(t.sessions, sessionID)
		if err != nil {
			return nil, err
		}
		if format == "html" {
			html, err := page.HTML()
			if err != nil {
				return nil, fmt.Errorf("get page html: %w", err)
			}
			return html, nil
		}
		result, err := page.Eval(`() => document.body ? document.body.innerText : ''`)
		if err != nil {
			return nil, fmt.Errorf("get page text: %w", err)
		}
		text, _ := result.Value.Val().(string)
		return text, nil
	}, recoveryCallbacks(t.sessions, sessionID))

	if !res.Success {
		return recoveryPayload(res, map[string]interface{}{}), nil
	}

	content, _ := res.Value.(string)
	truncated := false
	if maxChars > 0 && len(content) > maxChars {
		content = content[:maxChars]
		truncated = true
	}

	title, url := "", ""
	if page, ok := t.sessions.Page(sessionID); ok {
		if info, _ := page.Info(); info != nil {
			title, url = info.Title, info.URL
		}
	}

	return recoveryPayload(res, map[string]interface{}{
		"title":     title,
		"url":       url,
		"format":    format,
		"content":   content,
		"truncated": truncated,
	}), nil
}

// FindSelectorTool checks whether a CSS selector (or visible text) resolves to
// an element on the current page, with automatic bounded recovery.
type FindSelectorTool struct {
	sessions *browser.SessionManager
	recovery *recovery.Engine
}

func (t *FindSelectorTool) Name() string { return "find-selector" }
func (t *FindSelectorTool) Description() string {
	return `Locate an element on the current page by CSS selector or visible text.

PREREQUISITE: get-content must have succeeded for this session (so the agent
searches content it has actually seen, not a guessed DOM).

Marks a selector as found, which click-element requires. Element-not-found
failures retry briefly to absorb late-rendering pages.

OPTIONS (exactly one required):
- selector: CSS selector to resolve
- text: visible text to search for (matched element returned as a selector)

Returns: {success, selector, count, tag, text}.`
}
func (t *FindSelectorTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Target session",
			},
			"selector": map[string]interface{}{
				"type":        "string",
				"description": "CSS selector to resolve",
			},
			"text": map[string]interface{}{
				"type":        "string",
				"description": "Visible text to locate when no selector is known",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *FindSelectorTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	selector := getStringArg(args, "selector")
	text := getStringArg(args, "text")

	if sessionID == "" {
		return map[string]interface{}{"success": false, "error": "session_id is required"}, nil
	}
	if selector == "" && text == "" {
		return map[string]interface{}{"success": false, "error": "selector or text is required"}, nil
	}

	if _, ok := t.sessions.Page(sessionID); !ok {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("session not found: %s", sessionID)}, nil
	}

	res := t.recovery.Execute(ctx, t.Name(), func(ctx context.Context) (interface{}, error) {
		page, err := sessionPage(t.sessions, sessionID)
		if err != nil {
			return nil, err
		}
		if selector != "" {
			return resolveSelector(page, selector)
		}
		return resolveByText(page, text)
	}, recoveryCallbacks(t.sessions, sessionID))

	if !res.Success {
		return recoveryPayload(res, map[string]interface{}{}), nil
	}

	found, _ := res.Value.(map[string]interface{})
	payload := map[string]interface{}{}
	for k, v := range found {
		payload[k] = v
	}
	return recoveryPayload(res, payload), nil
}

// resolveSelector resolves a CSS selector and summarizes the first match.
func resolveSelector(page *rod.Page, selector string) (map[string]interface{}, error) {
	elements, err := page.Timeout(2 * time.Second).Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("resolve selector %q: %w", selector, err)
	}
	if len(elements) == 0 {
		return nil, fmt.Errorf("element not found: %s", selector)
	}

	el := elements.First()
	textContent, _ := el.Text()

	summary := map[string]interface{}{
		"selector": selector,
		"count":    len(elements),
		"text":     strings.TrimSpace(truncate(textContent, 200)),
	}
	if tagResult, err := el.Eval(`() => this.tagName.toLowerCase()`); err == nil {
		if tag, ok := tagResult.Value.Val().(string); ok {
			summary["tag"] = tag
		}
	}
	return summary, nil
}

// resolveByText finds the first element whose visible text contains the query
// and derives a stable selector for it.
func resolveByText(page *rod.Page, text string) (map[string]interface{}, error) {
	result, err := page.Eval(`(query) => {
		const walker = document.createTreeWalker(document.body, NodeFilter.SHOW_ELEMENT);
		while (walker.nextNode()) {
			const el = walker.currentNode;
			if (el.children.length > 0) continue;
			if (!el.innerText || !el.innerText.includes(query)) continue;

			let selector = el.tagName.toLowerCase();
			if (el.id) {
				selector = '#' + el.id;
			} else if (el.getAttribute('data-testid')) {
				selector = '[data-testid="' + el.getAttribute('data-testid') + '"]';
			} else if (el.className && typeof el.className === 'string' && el.className.trim()) {
				selector += '.' + el.className.trim().split(/\s+/).join('.');
			}
			return { selector: selector, tag: el.tagName.toLowerCase(), text: el.innerText.slice(0, 200) };
		}
		return null;
	}`, text)
	if err != nil {
		return nil, fmt.Errorf("search by text: %w", err)
	}

	found, ok := result.Value.Val().(map[string]interface{})
	if !ok || found == nil {
		return nil, fmt.Errorf("element not found: no visible text matching %q", text)
	}

	return map[string]interface{}{
		"selector": found["selector"],
		"count":    1,
		"tag":      found["tag"],
		"text":     found["text"],
	}, nil
}

// ClickElementTool clicks a previously located element.
type ClickElementTool struct {
	sessions  *browser.SessionManager
	validator *workflow.Validator
}

func (t *ClickElementTool) Name() string { return "click-element" }
func (t *ClickElementTool) Description() string {
	return `Click an element on the current page.

PREREQUISITE: find-selector must have succeeded for this session. Without an
explicit selector argument, the most recently found selector is used.

Returns: {success, selector}.`
}
func (t *ClickElementTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Target session",
			},
			"selector": map[string]interface{}{
				"type":        "string",
				"description": "CSS selector to click (default: last selector located by find-selector)",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *ClickElementTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	selector := getStringArg(args, "selector")
	if selector == "" {
		selector = t.validator.State().LastSelector
	}

	if sessionID == "" {
		return map[string]interface{}{"success": false, "error": "session_id is required"}, nil
	}
	if selector == "" {
		return map[string]interface{}{"success": false, "error": "no selector supplied and none previously located"}, nil
	}

	page, ok := t.sessions.Page(sessionID)
	if !ok {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("session not found: %s", sessionID)}, nil
	}

	el, err := page.Timeout(2 * time.Second).Element(selector)
	if err != nil {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("element not found: %s", selector)}, nil
	}
	if err := el.Click("left", 1); err != nil {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("click failed: %v", err)}, nil
	}

	return map[string]interface{}{"success": true, "selector": selector}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
