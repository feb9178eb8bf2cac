package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// RunLog is a timestamped log file for a single CLI run.
type RunLog struct {
	file     *os.File
	filePath string
}

// OpenRunLog creates logDir if needed and opens a new run log inside it.
func OpenRunLog(logDir string) (*RunLog, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}

	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("encloop_run_%s.log", timestamp)
	filePath := filepath.Join(logDir, filename)

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file %s: %w", filePath, err)
	}

	return &RunLog{file: file, filePath: filePath}, nil
}

// Close closes the log file.
func (r *RunLog) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// FilePath returns the path to the log file.
func (r *RunLog) FilePath() string {
	if r == nil {
		return ""
	}
	return r.filePath
}

// Writer returns an io.Writer that writes to the log file.
func (r *RunLog) Writer() io.Writer {
	if r == nil || r.file == nil {
		return io.Discard
	}
	return r.file
}

// Tee returns a writer that duplicates output to w and the run log.
func (r *RunLog) Tee(w io.Writer) io.Writer {
	if r == nil || r.file == nil {
		return w
	}
	return io.MultiWriter(w, r.file)
}
