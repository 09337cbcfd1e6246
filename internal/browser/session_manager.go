package browser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"webpilot-mcp-server/internal/config"
	"webpilot-mcp-server/internal/facts"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
)

// Session describes the public metadata for a tracked browser context.
type Session struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"target_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type sessionRecord struct {
	meta Session
	page *rod.Page
}

// FactSink is the minimal interface we need from the fact ledger.
type FactSink interface {
	AddFacts(ctx context.Context, fs []facts.Fact) error
}

// SessionManager owns the detached Chrome instance and tracks active sessions.
// It supplies the page-reload and browser-restart callbacks the recovery
// engine invokes; the engine itself never touches Rod.
type SessionManager struct {
	cfg        config.BrowserConfig
	sink       FactSink
	mu         sync.RWMutex
	browser    *rod.Browser
	sessions   map[string]*sessionRecord
	controlURL string // WebSocket URL for DevTools
}

func NewSessionManager(cfg config.BrowserConfig, sink FactSink) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		sink:     sink,
		sessions: make(map[string]*sessionRecord),
	}
}

// Start connects to an existing Chrome or launches a new one using Rod's
// launcher. The lock is held for the duration: Start runs rarely (boot,
// restart recovery) and concurrent readers must never observe a half-built
// browser/controlURL pair.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// If we already have a browser, verify it's still alive
	if m.browser != nil {
		_, err := m.browser.Version()
		if err == nil {
			return nil // Browser is healthy, reuse it
		}
		// Browser is dead, clean up and reconnect
		log.Printf("Stale browser connection detected, reconnecting...")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
		m.sessions = make(map[string]*sessionRecord)
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" && len(m.cfg.Launch) > 0 {
		bin := m.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
		if len(m.cfg.Launch) > 1 {
			for _, rawFlag := range m.cfg.Launch[1:] {
				flagStr := strings.TrimLeft(rawFlag, "-")
				name, val, hasVal := strings.Cut(flagStr, "=")
				if hasVal {
					launch = launch.Set(flags.Flag(name), val)
				} else {
					launch = launch.Set(flags.Flag(name))
				}
			}
		}
		url, err := launch.Launch()
		if err != nil {
			// Fallback: let Rod pick the port and defaults.
			fallback := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
			if alt, altErr := fallback.Launch(); altErr == nil {
				controlURL = alt
			} else {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
		} else {
			controlURL = url
		}
	}

	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.controlURL = controlURL
	log.Printf("Browser connected at %s", controlURL)
	return nil
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected returns whether the browser is currently connected.
func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown closes tracked pages and the underlying browser.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, record := range m.sessions {
		if record.page != nil {
			_ = record.page.Close()
		}
		delete(m.sessions, id)
	}

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	log.Printf("Browser shutdown complete")
	return err
}

// List returns lightweight metadata for all known sessions.
func (m *SessionManager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Session, 0, len(m.sessions))
	for _, record := range m.sessions {
		results = append(results, record.meta)
	}
	return results
}

// CreateSession opens a new page (incognito context by default) and tracks it.
func (m *SessionManager) CreateSession(ctx context.Context, url string) (*Session, error) {
	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()
	if b == nil {
		return nil, errors.New("browser not connected")
	}

	incognito, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	// Set viewport dimensions from config (default 1920x1080)
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		log.Printf("warning: failed to set viewport: %v", err)
	}

	// Best-effort load; failures are not fatal for scaffolding.
	_ = page.Timeout(m.cfg.NavigationTimeout()).Navigate(url)

	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   string(page.TargetID),
		URL:        url,
		Status:     "active",
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}

	m.mu.Lock()
	m.sessions[meta.ID] = &sessionRecord{meta: meta, page: page}
	m.mu.Unlock()

	return &meta, nil
}

// Attach attempts to bind to an existing target by TargetID.
func (m *SessionManager) Attach(ctx context.Context, targetID string) (*Session, error) {
	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()
	if b == nil {
		return nil, errors.New("browser not connected")
	}

	page, err := b.PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		return nil, fmt.Errorf("attach to target %s: %w", targetID, err)
	}

	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   targetID,
		Status:     "attached",
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}

	m.mu.Lock()
	m.sessions[meta.ID] = &sessionRecord{meta: meta, page: page}
	m.mu.Unlock()

	return &meta, nil
}

// Page returns the underlying Rod page for a session when present.
func (m *SessionManager) Page(sessionID string) (*rod.Page, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return rec.page, true
}

// UpdateMetadata allows tools to refresh metadata (e.g., URL/title after navigation).
func (m *SessionManager) UpdateMetadata(sessionID string, updater func(Session) Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	rec.meta = updater(rec.meta)
}

// GetSession returns the current session metadata when available.
func (m *SessionManager) GetSession(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return rec.meta, true
}

// CloseSession closes the page for one session and stops tracking it.
func (m *SessionManager) CloseSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	if rec.page != nil {
		_ = rec.page.Close()
	}
	delete(m.sessions, sessionID)
	return nil
}

// ReloadPage reloads the session's page and waits for it to settle. This is
// the "refresh" callback handed to the recovery engine.
func (m *SessionManager) ReloadPage(ctx context.Context, sessionID string) error {
	page, ok := m.Page(sessionID)
	if !ok {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	if err := page.Context(ctx).Reload(); err != nil {
		return fmt.Errorf("reload page: %w", err)
	}
	_ = page.Timeout(m.cfg.NavigationTimeout()).WaitLoad()
	return nil
}

// Restart tears down the browser and reconnects, then recreates pages for the
// sessions that were being tracked, navigating each back to its last-known
// URL on a best-effort basis. This is the "restart_browser" recovery callback.
func (m *SessionManager) Restart(ctx context.Context) error {
	m.mu.Lock()
	remembered := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		remembered = append(remembered, rec.meta)
	}
	m.mu.Unlock()

	if err := m.Shutdown(ctx); err != nil {
		log.Printf("warning: shutdown before restart: %v", err)
	}

	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("restart browser: %w", err)
	}

	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()

	for _, meta := range remembered {
		url := meta.URL
		if url == "" {
			url = "about:blank"
		}

		incognito, err := b.Incognito()
		if err != nil {
			log.Printf("warning: recreate session %s: %v", meta.ID, err)
			continue
		}
		page, err := incognito.Page(proto.TargetCreateTarget{URL: url})
		if err != nil {
			log.Printf("warning: recreate session %s: %v", meta.ID, err)
			continue
		}
		_ = page.Timeout(m.cfg.NavigationTimeout()).WaitLoad()

		meta.TargetID = string(page.TargetID)
		meta.Status = "restarted"
		meta.LastActive = time.Now()

		// Session IDs survive the restart so in-flight tool calls keep working.
		m.mu.Lock()
		m.sessions[meta.ID] = &sessionRecord{meta: meta, page: page}
		m.mu.Unlock()
	}

	if m.sink != nil {
		now := time.Now()
		_ = m.sink.AddFacts(ctx, []facts.Fact{{
			Predicate: "browser_restarted",
			Args:      []interface{}{len(remembered), now.UnixMilli()},
			Timestamp: now,
		}})
	}

	return nil
}
