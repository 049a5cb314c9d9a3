package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-espeak/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"trace": LevelTrace,
		"DEBUG": slog.LevelDebug,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for name, want := range cases {
		got, err := ParseLevel(name)
		if err != nil {
			t.Fatalf("parse %q: %v", name, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %v, got %v", name, want, got)
		}
	}
	if _, err := ParseLevel("chatty"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestTraceRecordsCarryLevelAndSource(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "json", LevelTrace))
	Trace(context.Background(), logger, "alloc", slog.Int("size", 4))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v (%s)", err, buf.String())
	}
	if record["level"] != "TRACE" {
		t.Fatalf("expected TRACE level, got %v", record["level"])
	}
	if _, ok := record["source"]; !ok {
		t.Fatalf("expected source location in %v", record)
	}
}

func TestTraceFilteredAtInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "text", slog.LevelInfo))
	Trace(context.Background(), logger, "hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected trace to be filtered, got %q", buf.String())
	}
}

func TestNewWritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speech.log")
	logger, closer, err := New(config.TelemetryConfig{LogLevel: "info", LogFormat: "text", LogFile: path, LogMaxSizeMB: 1})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("hello")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestLineWriterBuffersUntilTerminator(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	w := NewLineWriter(logger, "engine")

	for _, c := range []byte("voice ") {
		_ = w.WriteByte(c)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected nothing before line terminator, got %q", buf.String())
	}
	_, _ = w.Write([]byte("loaded\r\n"))

	out := buf.String()
	if strings.Count(out, "engine: voice loaded") != 1 {
		t.Fatalf("expected one record for the line, got %q", out)
	}
	if strings.Count(out, "level=INFO") != 1 {
		t.Fatalf("expected CRLF to produce a single record, got %q", out)
	}
}

func TestLineWriterFlushEmitsPartialLine(t *testing.T) {
	var buf bytes.Buffer
	w := NewLineWriter(slog.New(slog.NewTextHandler(&buf, nil)), "engine")
	_, _ = w.Write([]byte("tail"))
	w.Flush()
	if !strings.Contains(buf.String(), "engine: tail") {
		t.Fatalf("expected flushed line, got %q", buf.String())
	}
}

func TestErrorAttr(t *testing.T) {
	attr := Error(errors.New("engine status 3"))
	if attr.Key != "error" || attr.Value.String() != "engine status 3" {
		t.Fatalf("unexpected attr %v", attr)
	}
}
