package mcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"webpilot-mcp-server/internal/browser"
	"webpilot-mcp-server/internal/facts"

	"github.com/go-rod/rod/lib/proto"
)

// ScreenshotTool captures the current page or viewport to a PNG/JPEG file.
type ScreenshotTool struct {
	sessions *browser.SessionManager
	ledger   *facts.Ledger
}

func (t *ScreenshotTool) Name() string { return "screenshot" }
func (t *ScreenshotTool) Description() string {
	return `Capture the visual state of the current page.

PREREQUISITE: navigate-url must have succeeded for this session.

TOKEN COST: HIGH. Prefer get-content for reading text and find-selector for
locating elements; screenshot only for visual debugging.

OPTIONS:
- full_page: Capture the entire scrollable page (default: viewport only)
- save_path: Where to write the image (default: screenshots/)
- format: png (default) or jpeg
- quality: 1-100 for jpeg (default: 90)

Returns: {success, file_path, format, size_bytes}.`
}
func (t *ScreenshotTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Target session",
			},
			"full_page": map[string]interface{}{
				"type":        "boolean",
				"description": "Capture full scrollable page (default: false, viewport only)",
			},
			"save_path": map[string]interface{}{
				"type":        "string",
				"description": "Optional path for the image file",
			},
			"format": map[string]interface{}{
				"type":        "string",
				"description": "Image format: 'png' (default) or 'jpeg'",
				"enum":        []string{"png", "jpeg"},
			},
			"quality": map[string]interface{}{
				"type":        "number",
				"description": "JPEG quality 1-100 (default: 90)",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *ScreenshotTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	fullPage := getBoolArg(args, "full_page", false)
	savePath := getStringArg(args, "save_path")
	format := strings.ToLower(getStringArg(args, "format"))
	if format == "" {
		format = "png"
	}
	quality := getIntArg(args, "quality", 90)
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}

	if sessionID == "" {
		return map[string]interface{}{"success": false, "error": "session_id is required"}, nil
	}

	page, ok := t.sessions.Page(sessionID)
	if !ok {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("session not found: %s", sessionID)}, nil
	}

	screenshotFormat := proto.PageCaptureScreenshotFormatPng
	if format == "jpeg" {
		screenshotFormat = proto.PageCaptureScreenshotFormatJpeg
	}

	imgData, err := page.Screenshot(fullPage, &proto.PageCaptureScreenshot{
		Format:  screenshotFormat,
		Quality: &quality,
	})
	if err != nil {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("screenshot failed: %v", err)}, nil
	}

	if savePath == "" {
		cwd, _ := os.Getwd()
		filename := fmt.Sprintf("screenshot_%s_%d.%s", sessionID, time.Now().Unix(), format)
		savePath = filepath.Join(cwd, "screenshots", filename)
	}

	dir := filepath.Dir(savePath)
	if dir != "" && dir != "." {
		if mkdirErr := os.MkdirAll(dir, 0755); mkdirErr != nil {
			return map[string]interface{}{"success": false, "error": fmt.Sprintf("failed to create directory: %v", mkdirErr)}, nil
		}
	}

	if writeErr := os.WriteFile(savePath, imgData, 0644); writeErr != nil {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("failed to write screenshot: %v", writeErr)}, nil
	}

	now := time.Now()
	_ = t.ledger.AddFacts(ctx, []facts.Fact{{
		Predicate: "screenshot_taken",
		Args:      []interface{}{sessionID, format, len(imgData), now.UnixMilli()},
		Timestamp: now,
	}})

	return map[string]interface{}{
		"success":    true,
		"format":     format,
		"size_bytes": len(imgData),
		"file_path":  savePath,
	}, nil
}

// SolveCaptchaTool inspects the page for CAPTCHA/bot-detection widgets. The
// recovery engine routes these error classes here via its skip strategy;
// actual solving is delegated to whatever external capability the agent has.
type SolveCaptchaTool struct {
	sessions *browser.SessionManager
}

func (t *SolveCaptchaTool) Name() string { return "solve-captcha" }
func (t *SolveCaptchaTool) Description() string {
	return `Detect CAPTCHA or bot-detection challenges on the current page.

PREREQUISITE: navigate-url must have succeeded for this session.

USE WHEN a navigation or extraction tool reported an outcome of "skipped"
with a CAPTCHA hint.

Identifies the challenge type (reCAPTCHA, hCaptcha, Cloudflare, generic) and
its frame URL so the agent can decide how to proceed: solve interactively
(screenshot + click-element), hand off to an external solver, or abandon the
page. Never retried automatically.

Returns: {success, detected, kind, frame_url}.`
}
func (t *SolveCaptchaTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Target session",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *SolveCaptchaTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return map[string]interface{}{"success": false, "error": "session_id is required"}, nil
	}

	page, ok := t.sessions.Page(sessionID)
	if !ok {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("session not found: %s", sessionID)}, nil
	}

	js := `
	() => {
		const probes = [
			{ kind: 'recaptcha', sel: 'iframe[src*="recaptcha"], .g-recaptcha' },
			{ kind: 'hcaptcha', sel: 'iframe[src*="hcaptcha"], .h-captcha' },
			{ kind: 'cloudflare', sel: '#challenge-form, #cf-challenge-running, iframe[src*="challenges.cloudflare.com"]' },
			{ kind: 'generic', sel: '[class*="captcha" i], [id*="captcha" i]' }
		];
		for (const probe of probes) {
			const el = document.querySelector(probe.sel);
			if (el) {
				const frameURL = el.tagName === 'IFRAME' ? el.src : '';
				return { detected: true, kind: probe.kind, frame_url: frameURL };
			}
		}
		return { detected: false };
	}
	`

	result, err := page.Eval(js)
	if err != nil {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("captcha probe failed: %v", err)}, nil
	}

	probe, _ := result.Value.Val().(map[string]interface{})
	detected, _ := probe["detected"].(bool)

	payload := map[string]interface{}{
		"success":  true,
		"detected": detected,
	}
	if detected {
		payload["kind"] = probe["kind"]
		payload["frame_url"] = probe["frame_url"]
		payload["message"] = "challenge detected; solve interactively or hand off to an external solver"
	} else {
		payload["message"] = "no CAPTCHA or bot-detection widget found on this page"
	}
	return payload, nil
}
