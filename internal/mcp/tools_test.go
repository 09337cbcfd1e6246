package mcp

import (
	"testing"
)

func TestToolMetadata(t *testing.T) {
	tools := []struct {
		tool     Tool
		name     string
		required []string
	}{
		{&LaunchBrowserTool{}, "launch-browser", nil},
		{&ShutdownBrowserTool{}, "shutdown-browser", nil},
		{&ListSessionsTool{}, "list-sessions", nil},
		{&NavigateURLTool{}, "navigate-url", []string{"url"}},
		{&GetContentTool{}, "get-content", nil},
		{&FindSelectorTool{}, "find-selector", nil},
		{&ClickElementTool{}, "click-element", nil},
		{&ScreenshotTool{}, "screenshot", nil},
		{&SolveCaptchaTool{}, "solve-captcha", nil},
		{&GetWorkflowStateTool{}, "get-workflow-state", nil},
		{&QueryWorkflowFactsTool{}, "query-workflow-facts", nil},
		{&ConfigureRecoveryTool{}, "configure-recovery", nil},
	}

	for _, tc := range tools {
		t.Run(tc.name, func(t *testing.T) {
			if name := tc.tool.Name(); name != tc.name {
				t.Errorf("expected name %q, got %q", tc.name, name)
			}
			if desc := tc.tool.Description(); len(desc) < 20 {
				t.Errorf("description too short for %s: %q", tc.name, desc)
			}

			schema := tc.tool.InputSchema()
			if schema == nil {
				t.Fatal("expected non-nil schema")
			}
			if schema["type"] != "object" {
				t.Errorf("expected schema type 'object', got %v", schema["type"])
			}
			if _, ok := schema["properties"].(map[string]interface{}); !ok {
				t.Error("expected properties map in schema")
			}

			for _, req := range tc.required {
				required, ok := schema["required"].([]string)
				if !ok {
					t.Fatalf("expected required fields for %s", tc.name)
				}
				found := false
				for _, r := range required {
					if r == req {
						found = true
						break
					}
				}
				if !found {
					t.Errorf("expected %q in required fields of %s", req, tc.name)
				}
			}
		})
	}
}

func TestNavigateURLSchemaDetails(t *testing.T) {
	tool := &NavigateURLTool{}
	schema := tool.InputSchema()
	props := schema["properties"].(map[string]interface{})

	urlProp, ok := props["url"].(map[string]interface{})
	if !ok {
		t.Fatal("expected url property")
	}
	if urlProp["type"] != "string" {
		t.Errorf("expected url type 'string', got %v", urlProp["type"])
	}
	if props["wait_until"] == nil {
		t.Error("expected wait_until property")
	}
}

func TestConfigureRecoverySchemaDetails(t *testing.T) {
	tool := &ConfigureRecoveryTool{}
	schema := tool.InputSchema()
	props := schema["properties"].(map[string]interface{})

	for _, key := range []string{"enabled", "max_global_retries", "default_delay_ms", "strategies", "reset_counters"} {
		if props[key] == nil {
			t.Errorf("expected %s property in schema", key)
		}
	}

	strategies := props["strategies"].(map[string]interface{})
	items := strategies["items"].(map[string]interface{})
	itemProps := items["properties"].(map[string]interface{})
	action := itemProps["action"].(map[string]interface{})
	enum, ok := action["enum"].([]string)
	if !ok || len(enum) != 5 {
		t.Errorf("expected 5 recovery actions in enum, got %v", action["enum"])
	}
}

func TestGetStringArg(t *testing.T) {
	args := map[string]interface{}{
		"str": "value",
		"num": 42.0,
	}

	if got := getStringArg(args, "str"); got != "value" {
		t.Errorf("expected 'value', got %q", got)
	}
	if got := getStringArg(args, "num"); got != "" {
		t.Errorf("expected empty string for non-string, got %q", got)
	}
	if got := getStringArg(args, "missing"); got != "" {
		t.Errorf("expected empty string for missing key, got %q", got)
	}
}

func TestGetIntArg(t *testing.T) {
	args := map[string]interface{}{
		"float": 42.0, // JSON numbers decode as float64
		"int":   7,
		"str":   "nope",
	}

	if got := getIntArg(args, "float", 0); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	if got := getIntArg(args, "int", 0); got != 7 {
		t.Errorf("expected 7, got %d", got)
	}
	if got := getIntArg(args, "str", 5); got != 5 {
		t.Errorf("expected fallback 5, got %d", got)
	}
	if got := getIntArg(args, "missing", 9); got != 9 {
		t.Errorf("expected fallback 9, got %d", got)
	}
}

func TestGetBoolArg(t *testing.T) {
	args := map[string]interface{}{
		"yes": true,
		"str": "true",
	}

	if !getBoolArg(args, "yes", false) {
		t.Error("expected true")
	}
	if getBoolArg(args, "str", false) {
		t.Error("string 'true' must not coerce to bool")
	}
	if !getBoolArg(args, "missing", true) {
		t.Error("expected fallback true")
	}
}
