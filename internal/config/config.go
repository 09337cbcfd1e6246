package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level WebPilot config.
	WorkspaceDirName = ".webpilot"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the WebPilot MCP server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Browser  BrowserConfig  `yaml:"browser"`
	MCP      MCPConfig      `yaml:"mcp"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Facts    FactsConfig    `yaml:"facts"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
	// Optional directory for JSONL execution traces (empty disables the recorder).
	TraceDir string `yaml:"trace_dir"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command to start Chrome in detached mode (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// AutoStart controls whether the MCP server launches/attaches to Chrome at startup.
	// When false the agent must call launch-browser before anything else.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Default timeout when attaching to an existing target (e.g., "10s").
	DefaultAttachTimeout string `yaml:"default_attach_timeout"`
	// Viewport width for new sessions (default: 1920).
	ViewportWidth int `yaml:"viewport_width"`
	// Viewport height for new sessions (default: 1080).
	ViewportHeight int `yaml:"viewport_height"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// WorkflowConfig tunes the workflow state validator.
type WorkflowConfig struct {
	// Maximum number of execution records kept in memory (default: 50).
	HistoryLimit int `yaml:"history_limit"`
	// How many recent records the validation summary renders (default: 5).
	SummaryDepth int `yaml:"summary_depth"`
}

// RecoveryConfig tunes the adaptive error-recovery engine.
type RecoveryConfig struct {
	// Enabled toggles automatic recovery; when false, wrapped operations run exactly once.
	Enabled *bool `yaml:"enabled"`
	// Ceiling on total retry attempts across all strategies within one Execute call (default: 5).
	MaxGlobalRetries int `yaml:"max_global_retries"`
	// Delay between attempts when a strategy does not set its own (e.g., "1s").
	DefaultDelay string `yaml:"default_delay"`
	// Extra strategies prepended ahead of the built-in taxonomy.
	Strategies []StrategyConfig `yaml:"strategies"`
}

// StrategyConfig declares one custom recovery strategy in YAML form.
type StrategyConfig struct {
	// Pattern is matched case-insensitively against error text (regular expression).
	Pattern string `yaml:"pattern"`
	// Action is one of: retry, refresh, restart_browser, skip, fallback.
	Action string `yaml:"action"`
	// MaxRetries bounds attempts for this strategy within one Execute call.
	MaxRetries int `yaml:"max_retries"`
	// Delay between attempts (e.g., "500ms").
	Delay string `yaml:"delay"`
}

// FactsConfig controls the embedded workflow fact ledger.
type FactsConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:     "webpilot-mcp",
			Version:  "0.1.0",
			LogFile:  "webpilot-mcp.log",
			TraceDir: "data/traces",
		},
		Browser: BrowserConfig{
			AutoStart:                true,
			DefaultNavigationTimeout: "15s",
			DefaultAttachTimeout:     "10s",
			ViewportWidth:            1920,
			ViewportHeight:           1080,
		},
		MCP: MCPConfig{
			SSEPort: 0,
		},
		Workflow: WorkflowConfig{
			HistoryLimit: 50,
			SummaryDepth: 5,
		},
		Recovery: RecoveryConfig{
			MaxGlobalRetries: 5,
			DefaultDelay:     "1s",
		},
		Facts: FactsConfig{
			Enable:          true,
			SchemaPath:      "schemas/workflow.mg",
			FactBufferLimit: 1024,
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .webpilot/config.yaml file.
// Returns the workspace root directory (parent of .webpilot/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .webpilot/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	// Layer 1: Workspace config (if not disabled)
	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			// Verify the explicit workspace dir has a config
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	// Layer 2: Explicit config file (--config flag)
	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .webpilot/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	// Check if already exists
	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	// Create directory structure
	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "schemas"),
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	// Write template config
	templateConfig := `# WebPilot project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# browser:
#   headless: false
#   viewport_width: 1280
#   viewport_height: 720

# recovery:
#   max_global_retries: 8
#   strategies:
#     - pattern: "ERR_PROXY_CONNECTION_FAILED"
#       action: retry
#       max_retries: 3
#       delay: "2s"

# facts:
#   schema_path: ".webpilot/schemas/workflow.mg"
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	// Write .gitignore for data directory
	gitignoreContent := "# Runtime data (logs, traces) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Server.TraceDir = resolve(cfg.Server.TraceDir)
	cfg.Facts.SchemaPath = resolve(cfg.Facts.SchemaPath)
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.AutoStart {
		if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
			return errors.New("browser.debugger_url or browser.launch must be provided")
		}
	}
	for i, s := range c.Recovery.Strategies {
		if s.Pattern == "" {
			return fmt.Errorf("recovery.strategies[%d].pattern is required", i)
		}
		switch s.Action {
		case "retry", "refresh", "restart_browser", "skip", "fallback":
		default:
			return fmt.Errorf("recovery.strategies[%d].action %q is not recognized", i, s.Action)
		}
	}
	return nil
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	if b.DefaultNavigationTimeout == "" {
		return 15 * time.Second
	}
	d, err := time.ParseDuration(b.DefaultNavigationTimeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// AttachTimeout returns the parsed attach timeout with a sane default.
func (b BrowserConfig) AttachTimeout() time.Duration {
	if b.DefaultAttachTimeout == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(b.DefaultAttachTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true // default to headless
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 1080
	}
	return b.ViewportHeight
}

// GetHistoryLimit returns the execution history cap with a sane default.
func (w WorkflowConfig) GetHistoryLimit() int {
	if w.HistoryLimit <= 0 {
		return 50
	}
	return w.HistoryLimit
}

// GetSummaryDepth returns how many recent records summaries render.
func (w WorkflowConfig) GetSummaryDepth() int {
	if w.SummaryDepth <= 0 {
		return 5
	}
	return w.SummaryDepth
}

// IsEnabled returns whether automatic recovery is on (default: true).
func (r RecoveryConfig) IsEnabled() bool {
	if r.Enabled == nil {
		return true
	}
	return *r.Enabled
}

// GetMaxGlobalRetries returns the global retry ceiling with a sane default.
func (r RecoveryConfig) GetMaxGlobalRetries() int {
	if r.MaxGlobalRetries <= 0 {
		return 5
	}
	return r.MaxGlobalRetries
}

// GetDefaultDelay returns the parsed inter-attempt delay with a sane default.
func (r RecoveryConfig) GetDefaultDelay() time.Duration {
	if r.DefaultDelay == "" {
		return time.Second
	}
	d, err := time.ParseDuration(r.DefaultDelay)
	if err != nil {
		return time.Second
	}
	return d
}

// GetDelay returns the parsed per-strategy delay. Unset or malformed values
// yield -1, which tells the recovery engine to apply its default delay; an
// explicit "0s" stays zero.
func (s StrategyConfig) GetDelay() time.Duration {
	if s.Delay == "" {
		return -1
	}
	d, err := time.ParseDuration(s.Delay)
	if err != nil {
		return -1
	}
	return d
}
