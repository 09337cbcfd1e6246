package mcp

import (
	"context"
	"fmt"

	"webpilot-mcp-server/internal/browser"
	"webpilot-mcp-server/internal/recorder"
	"webpilot-mcp-server/internal/workflow"
)

// LaunchBrowserTool starts (or reattaches to) Chrome and opens a session.
// Success sets the browser_initialized milestone that every other browser
// tool's guard depends on.
type LaunchBrowserTool struct {
	sessions *browser.SessionManager
}

func (t *LaunchBrowserTool) Name() string { return "launch-browser" }
func (t *LaunchBrowserTool) Description() string {
	return `Launch or reconnect to the managed Chrome instance and open a session.

CALL THIS FIRST. Every other browser tool requires the browser to be running;
calling them earlier returns a workflow violation naming this tool.

Returns: {success, session: {id, url}} - use session.id in subsequent calls.`
}
func (t *LaunchBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Optional URL to open in the initial session (default: about:blank)",
			},
		},
	}
}
func (t *LaunchBrowserTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if err := t.sessions.Start(ctx); err != nil {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("launch failed: %v", err)}, nil
	}

	url := getStringArg(args, "url")
	if url == "" {
		url = "about:blank"
	}

	sess, err := t.sessions.CreateSession(ctx, url)
	if err != nil {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("create session: %v", err)}, nil
	}

	return map[string]interface{}{
		"success": true,
		"session": sess,
	}, nil
}

// ShutdownBrowserTool tears down the browser and resets the workflow session.
type ShutdownBrowserTool struct {
	sessions  *browser.SessionManager
	validator *workflow.Validator
	flight    *recorder.Recorder
}

func (t *ShutdownBrowserTool) Name() string { return "shutdown-browser" }
func (t *ShutdownBrowserTool) Description() string {
	return `Close all sessions and shut down the managed Chrome instance.

Resets workflow state: after this, launch-browser must run again before any
navigation or extraction tool is allowed.`
}
func (t *ShutdownBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ShutdownBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	err := t.sessions.Shutdown(ctx)

	// The session is over; milestone flags and history start fresh.
	t.validator.Reset()
	t.flight.Log(recorder.EventReset, t.Name(), nil)

	if err != nil {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("shutdown: %v", err)}, nil
	}
	return map[string]interface{}{"success": true}, nil
}

// ListSessionsTool lists active browser sessions.
type ListSessionsTool struct {
	sessions *browser.SessionManager
}

func (t *ListSessionsTool) Name() string { return "list-sessions" }
func (t *ListSessionsTool) Description() string {
	return `List all active browser sessions.

Returns session IDs needed by navigation, extraction, and capture tools.`
}
func (t *ListSessionsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListSessionsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"sessions": t.sessions.List()}, nil
}
