package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Server defaults
	if cfg.Server.Name != "webpilot-mcp" {
		t.Errorf("expected server name 'webpilot-mcp', got %q", cfg.Server.Name)
	}
	if cfg.Server.LogFile != "webpilot-mcp.log" {
		t.Errorf("expected log file 'webpilot-mcp.log', got %q", cfg.Server.LogFile)
	}
	if cfg.Server.TraceDir != "data/traces" {
		t.Errorf("expected trace dir 'data/traces', got %q", cfg.Server.TraceDir)
	}

	// Browser defaults
	if !cfg.Browser.AutoStart {
		t.Error("expected AutoStart to be true")
	}
	if cfg.Browser.DefaultNavigationTimeout != "15s" {
		t.Errorf("expected navigation timeout '15s', got %q", cfg.Browser.DefaultNavigationTimeout)
	}
	if cfg.Browser.ViewportWidth != 1920 {
		t.Errorf("expected viewport width 1920, got %d", cfg.Browser.ViewportWidth)
	}

	// Workflow defaults
	if cfg.Workflow.HistoryLimit != 50 {
		t.Errorf("expected history limit 50, got %d", cfg.Workflow.HistoryLimit)
	}
	if cfg.Workflow.SummaryDepth != 5 {
		t.Errorf("expected summary depth 5, got %d", cfg.Workflow.SummaryDepth)
	}

	// Recovery defaults
	if !cfg.Recovery.IsEnabled() {
		t.Error("expected recovery enabled by default")
	}
	if cfg.Recovery.MaxGlobalRetries != 5 {
		t.Errorf("expected max_global_retries 5, got %d", cfg.Recovery.MaxGlobalRetries)
	}
	if cfg.Recovery.GetDefaultDelay() != time.Second {
		t.Errorf("expected default delay 1s, got %s", cfg.Recovery.GetDefaultDelay())
	}

	// Facts defaults
	if !cfg.Facts.Enable {
		t.Error("expected Facts.Enable to be true")
	}
	if cfg.Facts.SchemaPath != "schemas/workflow.mg" {
		t.Errorf("expected schema path 'schemas/workflow.mg', got %q", cfg.Facts.SchemaPath)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	_, err := Load("")
	if err == nil {
		t.Error("expected error for empty path")
	}
	if err.Error() != "config path is required" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestLoadValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  name: "test-server"
  version: "1.0.0"
  log_file: "test.log"
browser:
  auto_start: false
workflow:
  history_limit: 10
  summary_depth: 3
recovery:
  enabled: true
  max_global_retries: 8
  default_delay: "2s"
  strategies:
    - pattern: "ERR_PROXY_CONNECTION_FAILED"
      action: retry
      max_retries: 3
      delay: "500ms"
facts:
  enable: false
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Name != "test-server" {
		t.Errorf("expected name 'test-server', got %q", cfg.Server.Name)
	}
	if cfg.Workflow.HistoryLimit != 10 {
		t.Errorf("expected history_limit 10, got %d", cfg.Workflow.HistoryLimit)
	}
	if cfg.Recovery.MaxGlobalRetries != 8 {
		t.Errorf("expected max_global_retries 8, got %d", cfg.Recovery.MaxGlobalRetries)
	}
	if cfg.Recovery.GetDefaultDelay() != 2*time.Second {
		t.Errorf("expected default delay 2s, got %s", cfg.Recovery.GetDefaultDelay())
	}
	if len(cfg.Recovery.Strategies) != 1 {
		t.Fatalf("expected 1 strategy, got %d", len(cfg.Recovery.Strategies))
	}
	s := cfg.Recovery.Strategies[0]
	if s.Action != "retry" || s.MaxRetries != 3 {
		t.Errorf("unexpected strategy: %+v", s)
	}
	if s.GetDelay() != 500*time.Millisecond {
		t.Errorf("expected strategy delay 500ms, got %s", s.GetDelay())
	}
	if cfg.Facts.Enable {
		t.Error("expected facts disabled")
	}
	// Overlay: defaults survive for untouched sections
	if cfg.Browser.ViewportWidth != 1920 {
		t.Errorf("expected default viewport to survive overlay, got %d", cfg.Browser.ViewportWidth)
	}
}

func TestValidateStrategyAction(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
browser:
  auto_start: false
recovery:
  strategies:
    - pattern: "timeout"
      action: reboot_universe
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("expected error for unknown strategy action")
	}
}

func TestValidateStrategyPattern(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Browser.AutoStart = false
	cfg.Recovery.Strategies = []StrategyConfig{{Action: "retry"}}

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty strategy pattern")
	}
}

func TestValidateAutoStartNeedsEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Browser.AutoStart = true
	cfg.Browser.DebuggerURL = ""
	cfg.Browser.Launch = nil

	if err := cfg.Validate(); err == nil {
		t.Error("expected error when auto_start has no endpoint or launch command")
	}

	cfg.Browser.DebuggerURL = "ws://localhost:9222"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config with debugger_url, got %v", err)
	}
}

func TestGetterDefaults(t *testing.T) {
	t.Run("workflow", func(t *testing.T) {
		var w WorkflowConfig
		if w.GetHistoryLimit() != 50 {
			t.Errorf("expected history default 50, got %d", w.GetHistoryLimit())
		}
		if w.GetSummaryDepth() != 5 {
			t.Errorf("expected summary default 5, got %d", w.GetSummaryDepth())
		}
	})

	t.Run("recovery", func(t *testing.T) {
		var r RecoveryConfig
		if !r.IsEnabled() {
			t.Error("expected recovery enabled when unset")
		}
		if r.GetMaxGlobalRetries() != 5 {
			t.Errorf("expected global retries default 5, got %d", r.GetMaxGlobalRetries())
		}
		if r.GetDefaultDelay() != time.Second {
			t.Errorf("expected delay default 1s, got %s", r.GetDefaultDelay())
		}
		r.DefaultDelay = "not-a-duration"
		if r.GetDefaultDelay() != time.Second {
			t.Errorf("malformed delay should fall back to 1s, got %s", r.GetDefaultDelay())
		}
	})

	t.Run("strategy delay", func(t *testing.T) {
		var s StrategyConfig
		if s.GetDelay() != -1 {
			t.Errorf("unset strategy delay should defer to the engine default, got %s", s.GetDelay())
		}
		s.Delay = "not-a-duration"
		if s.GetDelay() != -1 {
			t.Errorf("malformed strategy delay should defer to the engine default, got %s", s.GetDelay())
		}
		s.Delay = "0s"
		if s.GetDelay() != 0 {
			t.Errorf("explicit zero delay must stay zero, got %s", s.GetDelay())
		}
	})

	t.Run("browser", func(t *testing.T) {
		var b BrowserConfig
		if b.NavigationTimeout() != 15*time.Second {
			t.Errorf("expected navigation timeout default 15s, got %s", b.NavigationTimeout())
		}
		if !b.IsHeadless() {
			t.Error("expected headless by default")
		}
	})
}
