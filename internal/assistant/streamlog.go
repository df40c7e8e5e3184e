package assistant

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/phillipcheng/claude-task-automation-server/internal/ndjson"
)

// StreamLog captures the raw assistant NDJSON stream to one append-only
// file per task, for diagnostics. Lines are written verbatim so the file
// replays exactly what the assistant emitted.
type StreamLog struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	files map[string]*streamFile
}

type streamFile struct {
	file    *os.File
	encoder *ndjson.Encoder
}

// NewStreamLog creates a stream capture rooted at dir
func NewStreamLog(dir string, logger *slog.Logger) (*StreamLog, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create stream log directory: %w", err)
	}
	return &StreamLog{
		dir:    dir,
		logger: logger,
		files:  make(map[string]*streamFile),
	}, nil
}

// WriteLine appends one raw stream line to the task's capture file
func (l *StreamLog) WriteLine(taskID string, line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sf, ok := l.files[taskID]
	if !ok {
		path := filepath.Join(l.dir, taskID+".ndjson")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("failed to open stream log: %w", err)
		}
		sf = &streamFile{file: file, encoder: ndjson.NewEncoder(file, l.logger)}
		l.files[taskID] = sf
	}
	return sf.encoder.WriteRaw(line)
}

// CloseTask closes and forgets the task's capture file
func (l *StreamLog) CloseTask(taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sf, ok := l.files[taskID]
	if !ok {
		return nil
	}
	delete(l.files, taskID)
	return sf.file.Close()
}

// RemoveTask closes the capture file and deletes it from disk (used when
// the task itself is deleted)
func (l *StreamLog) RemoveTask(taskID string) error {
	if err := l.CloseTask(taskID); err != nil {
		return err
	}
	path := filepath.Join(l.dir, taskID+".ndjson")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stream log: %w", err)
	}
	return nil
}

// Close closes every open capture file
func (l *StreamLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for id, sf := range l.files {
		if err := sf.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(l.files, id)
	}
	return firstErr
}
