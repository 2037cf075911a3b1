package llmcall

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/jackzampolin/sift/internal/providers"
)

// Recorder appends calls to a JSON Lines sink. A nil *Recorder drops
// everything, so callers never need to check whether tracing is enabled.
type Recorder struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	logger *slog.Logger
	count  int
}

// NewRecorder creates a recorder writing to w.
func NewRecorder(w io.Writer, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{w: w, logger: logger}
}

// OpenFile creates a recorder appending to path, creating parent
// directories as needed. Close releases the file.
func OpenFile(path string, logger *slog.Logger) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	r := NewRecorder(f, logger)
	r.closer = f
	return r, nil
}

// Record captures an LLM call. Write failures are logged, never returned:
// tracing must not fail an extraction.
func (r *Recorder) Record(result *providers.ChatResult, opts RecordOptions) {
	if r == nil {
		return
	}
	r.RecordCall(FromChatResult(result, opts))
}

// RecordCall captures an already-constructed Call.
func (r *Recorder) RecordCall(call *Call) {
	if r == nil || call == nil {
		return
	}

	line, err := json.Marshal(call)
	if err != nil {
		r.logger.Warn("failed to encode LLM call record", "id", call.ID, "error", err)
		return
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.w.Write(line); err != nil {
		r.logger.Warn("failed to write LLM call record", "id", call.ID, "error", err)
		return
	}
	r.count++
}

// Count returns the number of calls written.
func (r *Recorder) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Close closes the underlying file when the recorder owns one.
func (r *Recorder) Close() error {
	if r == nil || r.closer == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closer.Close()
}
