package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LogRotator writes through to a log file and periodically rewrites the file
// so it keeps only the most recent lines.
type LogRotator struct {
	mu       sync.Mutex
	file     io.WriteCloser
	buffer   *RingBuffer
	filePath string
}

// NewLogRotator creates a LogRotator over an open log file.
// The file is compacted to maxLines once twice that many lines were written.
func NewLogRotator(file io.WriteCloser, maxLines int, filePath string) *LogRotator {
	return &LogRotator{
		file:     file,
		buffer:   NewRingBuffer(maxLines),
		filePath: filePath,
	}
}

// Write implements io.Writer.
func (w *LogRotator) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.file.Write(p)
	if err != nil {
		return n, err
	}

	for line := range bytes.SplitSeq(bytes.TrimRight(p, "\n"), []byte("\n")) {
		if len(line) == 0 {
			continue
		}

		w.buffer.Push(string(line))

		if w.buffer.appended >= 2*w.buffer.Cap() {
			if err := w.compact(); err != nil {
				return n, fmt.Errorf("failed to rotate log file: %w", err)
			}
		}
	}

	return n, nil
}

// compact replaces the file with the buffered lines and reopens it for appending.
func (w *LogRotator) compact() error {
	temp, err := os.CreateTemp(filepath.Dir(w.filePath), "rotate-*.log")
	if err != nil {
		return err
	}

	tempPath := temp.Name()

	_, err = temp.WriteString(strings.Join(w.buffer.Lines(), "\n") + "\n")
	if err == nil {
		err = temp.Sync()
	}

	if closeErr := temp.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tempPath)
		return err
	}

	_ = w.file.Close()

	if err := os.Rename(tempPath, w.filePath); err != nil {
		return err
	}

	file, err := os.OpenFile(w.filePath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	w.file = file
	w.buffer.appended = w.buffer.Len()

	return nil
}

// Sync flushes the underlying file when it supports it.
func (w *LogRotator) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if syncer, ok := w.file.(interface{ Sync() error }); ok {
		return syncer.Sync()
	}

	return nil
}
