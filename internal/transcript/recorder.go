// Package transcript records Live Response shell commands as JSON lines
// and reads them back, optionally following a file that is still being
// written.
package transcript

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	cbdlrerrors "cbdlr/internal/errors"
	"cbdlr/internal/models"
)

// Recorder appends entries to a transcript file. It is safe for
// concurrent use.
type Recorder struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *bufio.Writer
}

// NewRecorder opens path for appending, creating it and its directory if
// needed.
func NewRecorder(path string) (*Recorder, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, cbdlrerrors.NewLocalWriteError(dir, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, cbdlrerrors.NewLocalWriteError(path, err)
	}

	return &Recorder{path: path, file: f, w: bufio.NewWriter(f)}, nil
}

// Path returns the transcript file path.
func (r *Recorder) Path() string {
	return r.path
}

// Record writes one entry and flushes it so followers see it immediately.
func (r *Recorder) Record(entry models.TranscriptEntry) error {
	data, err := entry.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to encode transcript entry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return cbdlrerrors.NewLocalWriteError(r.path, os.ErrClosed)
	}
	if _, err := r.w.Write(append(data, '\n')); err != nil {
		return cbdlrerrors.NewLocalWriteError(r.path, err)
	}
	if err := r.w.Flush(); err != nil {
		return cbdlrerrors.NewLocalWriteError(r.path, err)
	}
	return nil
}

// Close flushes and closes the file. Later calls are no-ops.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	flushErr := r.w.Flush()
	closeErr := r.file.Close()
	r.file = nil
	if flushErr != nil {
		return cbdlrerrors.NewLocalWriteError(r.path, flushErr)
	}
	if closeErr != nil {
		return cbdlrerrors.NewLocalWriteError(r.path, closeErr)
	}
	return nil
}
