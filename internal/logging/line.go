package logging

import (
	"context"
	"log/slog"
	"sync"
)

// LineWriter turns a byte-at-a-time console into log records. Bytes are
// buffered until CR or LF; each completed line becomes one info record.
// Empty lines are dropped.
type LineWriter struct {
	logger *slog.Logger
	prefix string
	mu     sync.Mutex
	buf    []byte
}

func NewLineWriter(logger *slog.Logger, prefix string) *LineWriter {
	return &LineWriter{logger: logger, prefix: prefix, buf: make([]byte, 0, 128)}
}

// WriteByte never fails; the error is there to satisfy io.ByteWriter.
func (w *LineWriter) WriteByte(c byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c != '\n' && c != '\r' {
		w.buf = append(w.buf, c)
		return nil
	}
	w.emitLocked()
	return nil
}

func (w *LineWriter) Write(p []byte) (int, error) {
	for _, c := range p {
		_ = w.WriteByte(c)
	}
	return len(p), nil
}

// Flush emits any partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emitLocked()
}

func (w *LineWriter) emitLocked() {
	if len(w.buf) == 0 {
		return
	}
	line := string(w.buf)
	w.buf = w.buf[:0]
	w.logger.LogAttrs(context.Background(), slog.LevelInfo, w.prefix+": "+line)
}
