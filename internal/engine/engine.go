// Package engine describes the contract of a blocking, callback-driven speech
// synthesis engine and the host services it expects.
package engine

import (
	"fmt"
	"io"

	"github.com/loqalabs/loqa-espeak/internal/heap"
)

// Result is returned from a Callback to the engine.
type Result int

const (
	Continue Result = 0
	Stop     Result = 1
)

// EventType classifies metadata delivered alongside audio.
type EventType int

const (
	EventListTerminated EventType = iota
	EventWord
	EventSentence
	EventMark
	EventEnd
)

// Event is word/sentence metadata reported with a callback.
type Event struct {
	Type         EventType
	TextPosition int
	Length       int
	AudioOffset  int
}

// Callback receives audio from inside Synthesize, on the caller's goroutine.
// A nil samples slice marks the end of synthesis; a non-nil empty slice is a
// metadata-only event. Returning Stop ends synthesis at the engine's next
// opportunity.
type Callback func(samples []int16, events []Event) Result

// Options configure one Initialize call.
type Options struct {
	SampleRate   int
	ChunkSamples int
	Voice        string
}

// Engine is a single, non-reentrant synthesis instance. Synthesize blocks
// until the engine has produced all audio or honoured a Stop.
type Engine interface {
	Initialize(cb Callback, opts Options) error
	Synthesize(text string) error
	Flush() error
	Terminate() error
	SampleRate() int
}

// Memory is the dynamic-memory triad offered to engines.
type Memory interface {
	Allocate(size uint32) (heap.Address, error)
	Release(addr heap.Address)
	Resize(addr heap.Address, size uint32) (heap.Address, error)
	Bytes(addr heap.Address) ([]byte, bool)
}

// Host bundles the services an engine may call back into.
type Host struct {
	Memory  Memory
	Console io.ByteWriter
}

// StatusError carries a non-zero engine status code.
type StatusError struct {
	Op   string
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine %s: status %d: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("engine %s: status %d", e.Op, e.Code)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Puts writes s to the console one byte at a time, as a C engine would.
func Puts(console io.ByteWriter, s string) {
	if console == nil {
		return
	}
	for i := 0; i < len(s); i++ {
		_ = console.WriteByte(s[i])
	}
}
