package exec

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-espeak/internal/engine"
	"github.com/loqalabs/loqa-espeak/internal/heap"
)

type collector struct {
	samples []int16
	calls   int
	ended   bool
	stopAt  int
}

func (c *collector) callback(samples []int16, _ []engine.Event) engine.Result {
	if samples == nil {
		c.ended = true
		return engine.Stop
	}
	c.calls++
	c.samples = append(c.samples, samples...)
	if c.stopAt > 0 && c.calls >= c.stopAt {
		return engine.Stop
	}
	return engine.Continue
}

func newEngine(t *testing.T, command string, format Format) (*Engine, *heap.Arena, *bytes.Buffer) {
	t.Helper()
	arena := heap.New(0, nil)
	var console bytes.Buffer
	e, err := New(engine.Host{Memory: arena, Console: &console}, command, format)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, arena, &console
}

func TestRawStreamsStdout(t *testing.T) {
	e, arena, _ := newEngine(t, "cat", FormatRaw)
	c := &collector{}
	if err := e.Initialize(c.callback, engine.Options{SampleRate: 8000, ChunkSamples: 1}); err != nil {
		t.Skipf("cat unavailable: %v", err)
	}
	if err := e.Synthesize("abcdef"); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	want := []int16{0x6261, 0x6463, 0x6665}
	if len(c.samples) != len(want) {
		t.Fatalf("expected %d samples, got %v", len(want), c.samples)
	}
	for i := range want {
		if c.samples[i] != want[i] {
			t.Fatalf("sample %d: expected %x, got %x", i, want[i], c.samples[i])
		}
	}
	if c.calls != 3 || !c.ended {
		t.Fatalf("expected 3 chunks and an end marker, got %d calls ended=%v", c.calls, c.ended)
	}
	if arena.Len() != 0 {
		t.Fatalf("expected staging region released, %d live", arena.Len())
	}
	if e.SampleRate() != 8000 {
		t.Fatalf("unexpected sample rate %d", e.SampleRate())
	}
}

func TestRawDropsTrailingOddByte(t *testing.T) {
	e, _, _ := newEngine(t, "cat", FormatRaw)
	c := &collector{}
	if err := e.Initialize(c.callback, engine.Options{ChunkSamples: 16}); err != nil {
		t.Skipf("cat unavailable: %v", err)
	}
	if err := e.Synthesize("abc"); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(c.samples) != 1 || !c.ended {
		t.Fatalf("expected one sample then end, got %v ended=%v", c.samples, c.ended)
	}
}

func TestStopEndsWithoutEndMarker(t *testing.T) {
	e, _, _ := newEngine(t, "cat", FormatRaw)
	c := &collector{stopAt: 1}
	if err := e.Initialize(c.callback, engine.Options{ChunkSamples: 1}); err != nil {
		t.Skipf("cat unavailable: %v", err)
	}
	if err := e.Synthesize("abcdefgh"); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if c.calls != 1 || c.ended {
		t.Fatalf("expected a single chunk and no end marker, got %d calls ended=%v", c.calls, c.ended)
	}
}

func TestWAVOutputIsDecoded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speech.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc := wav.NewEncoder(f, 11025, 16, 1, 1)
	buf := &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: 11025}, Data: []int{1, -2, 3, -4, 5}}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	f.Close()

	e, _, _ := newEngine(t, "cat "+path, FormatWAV)
	c := &collector{}
	if err := e.Initialize(c.callback, engine.Options{SampleRate: 22050, ChunkSamples: 2}); err != nil {
		t.Skipf("cat unavailable: %v", err)
	}
	if err := e.Synthesize("ignored"); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if e.SampleRate() != 11025 {
		t.Fatalf("expected rate from wav header, got %d", e.SampleRate())
	}
	want := []int16{1, -2, 3, -4, 5}
	if len(c.samples) != len(want) {
		t.Fatalf("expected %v, got %v", want, c.samples)
	}
	for i := range want {
		if c.samples[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, c.samples)
		}
	}
	if c.calls != 3 || !c.ended {
		t.Fatalf("expected 3 chunks and end, got %d ended=%v", c.calls, c.ended)
	}
}

func TestFailingCommandReportsStatus(t *testing.T) {
	e, _, console := newEngine(t, `sh -c "echo voice missing 1>&2; exit 3"`, FormatRaw)
	c := &collector{}
	if err := e.Initialize(c.callback, engine.Options{ChunkSamples: 4}); err != nil {
		t.Skipf("sh unavailable: %v", err)
	}
	err := e.Synthesize("hello")
	var status *engine.StatusError
	if !errors.As(err, &status) {
		t.Fatalf("expected status error, got %v", err)
	}
	if status.Code != 3 {
		t.Fatalf("expected exit code 3, got %d", status.Code)
	}
	if c.ended {
		t.Fatal("failed synthesis must not report an end marker")
	}
	if !bytes.Contains(console.Bytes(), []byte("voice missing\n")) {
		t.Fatalf("expected stderr on the console, got %q", console.String())
	}
}

func TestMissingBinaryFailsInitialize(t *testing.T) {
	e, _, _ := newEngine(t, "definitely-not-a-speech-engine --stdout", FormatRaw)
	if err := e.Initialize((&collector{}).callback, engine.Options{}); err == nil {
		t.Fatal("expected initialize to fail")
	}
}

func TestExpandArgs(t *testing.T) {
	e, _, _ := newEngine(t, "espeak-ng --stdout -v {voice} -s 150 --rate={rate}", FormatWAV)
	e.voice, e.rate = "en-us", 22050
	got := e.expandArgs()
	want := []string{"--stdout", "-v", "en-us", "-s", "150", "--rate=22050"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestNewRejectsEmptyCommand(t *testing.T) {
	if _, err := New(engine.Host{}, "   ", FormatRaw); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := New(engine.Host{}, "cat", Format("mp3")); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
