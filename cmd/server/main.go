package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"webpilot-mcp-server/internal/browser"
	"webpilot-mcp-server/internal/config"
	"webpilot-mcp-server/internal/facts"
	mcpserver "webpilot-mcp-server/internal/mcp"
	"webpilot-mcp-server/internal/recorder"
	"webpilot-mcp-server/internal/recovery"
	"webpilot-mcp-server/internal/workflow"
)

func main() {
	configPath := flag.String("config", "", "Path to the WebPilot MCP config file (defaults to workspace discovery)")
	ssePort := flag.Int("sse-port", 0, "Optional SSE port override (falls back to config)")
	noWorkspace := flag.Bool("no-workspace", false, "Skip .webpilot/ workspace discovery")
	workspaceDir := flag.String("workspace-dir", "", "Explicit workspace root instead of walking up")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, workspaceRoot, err := config.LoadWithWorkspace(*configPath, config.WorkspaceOptions{
		Disable:     *noWorkspace,
		ExplicitDir: *workspaceDir,
	})
	if err != nil {
		// Before we can redirect logs, write to stderr as last resort
		log.Fatalf("failed to load config: %v", err)
	}

	// Redirect logging to file for stdio mode (stderr interferes with MCP protocol)
	if cfg.MCP.SSEPort == 0 && cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			// If we can't open log file, disable logging to avoid stderr pollution
			log.SetOutput(io.Discard)
		}
	}
	if *ssePort != 0 {
		cfg.MCP.SSEPort = *ssePort
	}
	if workspaceRoot != "" {
		log.Printf("using workspace root %s", workspaceRoot)
	}

	ledger, err := facts.NewLedger(cfg.Facts)
	if err != nil {
		log.Fatalf("failed to initialize fact ledger: %v", err)
	}

	var flight *recorder.Recorder
	if cfg.Server.TraceDir != "" {
		flight, err = recorder.NewRecorder(cfg.Server.TraceDir)
		if err != nil {
			log.Printf("flight recorder disabled: %v", err)
		} else if err := flight.Start(uuid.NewString()); err != nil {
			log.Printf("flight recorder disabled: %v", err)
			flight = nil
		} else {
			defer flight.Close()
		}
	}

	notifier := mcpserver.NewGovernanceNotifier(ledger, flight)
	recoveryEngine := recovery.NewEngine(cfg.Recovery, notifier)
	validator := workflow.NewValidator(cfg.Workflow)

	sessionManager := browser.NewSessionManager(cfg.Browser, ledger)
	if cfg.Browser.AutoStart {
		if err := sessionManager.Start(ctx); err != nil {
			log.Fatalf("failed to initialize Rod session manager: %v", err)
		}
	} else {
		log.Printf("browser auto-start disabled; use launch-browser to start later")
	}

	server, err := mcpserver.NewServer(cfg, sessionManager, validator, recoveryEngine, ledger, flight)
	if err != nil {
		log.Fatalf("failed to initialize MCP server: %v", err)
	}

	var startErr error
	if cfg.MCP.SSEPort > 0 {
		log.Printf("starting WebPilot MCP SSE server on port %d", cfg.MCP.SSEPort)
		startErr = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		log.Printf("starting WebPilot MCP stdio server")
		startErr = server.Start(ctx)
	}

	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		log.Fatalf("server exited with error: %v", startErr)
	}
}
