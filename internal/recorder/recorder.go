package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	MaxRotatedFiles = 3
	TraceDir        = "data/traces"
)

// Event types written by the gateway.
const (
	EventValidation = "validation"
	EventExecution  = "execution"
	EventRecovery   = "recovery"
	EventReset      = "reset"
)

// Event represents a single record in the flight recorder.
type Event struct {
	Timestamp time.Time   `json:"ts"`
	Type      string      `json:"type"`
	Tool      string      `json:"tool,omitempty"`
	Data      interface{} `json:"data"`
}

// Recorder manages rotating JSONL traces of governance decisions (validation
// verdicts, execution outcomes, recovery attempts) for post-mortem debugging.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	encoder  *json.Encoder
	basePath string
}

// NewRecorder creates a recorder instance.
// It ensures the directory exists.
func NewRecorder(basePath string) (*Recorder, error) {
	if basePath == "" {
		basePath = TraceDir
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{
		basePath: basePath,
	}, nil
}

// Start begins a new trace for a server run.
// It rotates old files to ensure we only keep the last N traces.
func (r *Recorder) Start(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Close existing file if any
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}

	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	filename := fmt.Sprintf("trace_%s_%d.jsonl", runID, time.Now().UnixMilli())
	path := filepath.Join(r.basePath, filename)
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	r.file = f
	r.encoder = json.NewEncoder(f)
	return nil
}

// Log writes an event to the current trace file. Safe on a nil recorder so
// callers need no guard when tracing is disabled.
func (r *Recorder) Log(eventType, tool string, data interface{}) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}

	evt := Event{
		Timestamp: time.Now(),
		Type:      eventType,
		Tool:      tool,
		Data:      data,
	}

	_ = r.encoder.Encode(evt)
}

// LogValidation records a precondition check verdict.
func (r *Recorder) LogValidation(tool string, isValid bool, suggestedAction string) {
	r.Log(EventValidation, tool, map[string]interface{}{
		"is_valid":         isValid,
		"suggested_action": suggestedAction,
	})
}

// LogExecution records a terminal tool outcome.
func (r *Recorder) LogExecution(tool string, success bool, message string) {
	r.Log(EventExecution, tool, map[string]interface{}{
		"success": success,
		"message": message,
	})
}

// LogRecovery records one recovery attempt or its terminal outcome.
func (r *Recorder) LogRecovery(tool string, detail interface{}) {
	r.Log(EventRecovery, tool, detail)
}

// rotate keeps only the newest MaxRotatedFiles.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	var traces []struct {
		Name string
		Time time.Time
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, struct {
			Name string
			Time time.Time
		}{e.Name(), info.ModTime()})
	}

	// Sort newest first
	sort.Slice(traces, func(i, j int) bool {
		return traces[i].Time.After(traces[j].Time)
	})

	// Delete excess
	if len(traces) >= MaxRotatedFiles {
		// Keep N-1 to make room for the new one
		keep := MaxRotatedFiles - 1
		if keep < 0 {
			keep = 0
		}
		for i := keep; i < len(traces); i++ {
			path := filepath.Join(r.basePath, traces[i].Name)
			_ = os.Remove(path)
		}
	}
	return nil
}

// Close finishes the current recording.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		r.encoder = nil
		return err
	}
	return nil
}
