// Package tone is a self-contained reference engine. It speaks each rune of
// the input as a short sine burst whose pitch comes from a voice table kept
// in host memory, and pauses between words. It follows the same memory and
// callback discipline as a C engine: working storage comes from the host
// arena, audio is pushed through the callback in fixed-size chunks, and a
// nil chunk signals completion.
package tone

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
	"unicode"

	"github.com/loqalabs/loqa-espeak/internal/engine"
	"github.com/loqalabs/loqa-espeak/internal/heap"
)

const (
	defaultSampleRate = 22050
	defaultChunk      = 1024
	tableEntries      = 64
	amplitude         = 8000
	runeMillis        = 40
	gapMillis         = 60
)

// Engine is not safe for concurrent use; the worker owns it.
type Engine struct {
	host engine.Host
	pace time.Duration

	cb      engine.Callback
	rate    int
	chunk   int
	voice   string
	table   heap.Address
	scratch []int16
}

// New builds an engine. pace, when non-zero, sleeps after each chunk so audio
// is produced at roughly playback speed.
func New(host engine.Host, pace time.Duration) *Engine {
	return &Engine{host: host, pace: pace, rate: defaultSampleRate}
}

func (e *Engine) Initialize(cb engine.Callback, opts engine.Options) error {
	if cb == nil {
		return &engine.StatusError{Op: "initialize", Code: 1, Err: fmt.Errorf("nil callback")}
	}
	e.cb = cb
	e.rate = opts.SampleRate
	if e.rate <= 0 {
		e.rate = defaultSampleRate
	}
	e.chunk = opts.ChunkSamples
	if e.chunk <= 0 {
		e.chunk = defaultChunk
	}
	e.voice = opts.Voice
	if cap(e.scratch) < e.chunk {
		e.scratch = make([]int16, 0, e.chunk)
	}

	// the voice table is never released by the engine; the host arena
	// reclaims it on the next reset
	table, err := e.host.Memory.Allocate(tableEntries * 2)
	if err != nil {
		return &engine.StatusError{Op: "initialize", Code: 2, Err: err}
	}
	region, _ := e.host.Memory.Bytes(table)
	for i := 0; i < tableEntries; i++ {
		binary.LittleEndian.PutUint16(region[i*2:], uint16(110+i*7))
	}
	e.table = table
	engine.Puts(e.host.Console, fmt.Sprintf("tone: voice %q ready at %d Hz\n", e.voice, e.rate))
	return nil
}

func (e *Engine) Synthesize(text string) error {
	if e.cb == nil {
		return &engine.StatusError{Op: "synthesize", Code: 3, Err: fmt.Errorf("not initialized")}
	}

	// stage the text the way a C caller would hand it over
	textAddr, err := e.host.Memory.Allocate(uint32(len(text) + 1))
	if err != nil {
		return &engine.StatusError{Op: "synthesize", Code: 2, Err: err}
	}
	defer e.host.Memory.Release(textAddr)
	staged, _ := e.host.Memory.Bytes(textAddr)
	copy(staged, text)

	phonemes, count, err := e.phonemize(string(staged[:len(text)]))
	if err != nil {
		return &engine.StatusError{Op: "synthesize", Code: 2, Err: err}
	}
	defer e.host.Memory.Release(phonemes)

	list, _ := e.host.Memory.Bytes(phonemes)
	if stopped := e.render(list[:count]); stopped {
		return nil
	}
	e.cb(nil, nil)
	return nil
}

// phonemize maps runes to table indices in a growing host region. 0xff marks
// a word gap.
func (e *Engine) phonemize(text string) (heap.Address, int, error) {
	capacity := uint32(8)
	addr, err := e.host.Memory.Allocate(capacity)
	if err != nil {
		return heap.Null, 0, err
	}
	count := 0
	for _, r := range text {
		if uint32(count) == capacity {
			capacity *= 2
			addr, err = e.host.Memory.Resize(addr, capacity)
			if err != nil {
				return heap.Null, 0, err
			}
		}
		list, _ := e.host.Memory.Bytes(addr)
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			list[count] = 0xff
		} else {
			list[count] = byte(unicode.ToLower(r) % tableEntries)
		}
		count++
	}
	return addr, count, nil
}

// render streams audio for list and reports whether the callback asked to
// stop.
func (e *Engine) render(list []byte) bool {
	table, _ := e.host.Memory.Bytes(e.table)
	buf := e.scratch[:0]
	phase := 0.0
	for i, p := range list {
		if p == 0xff {
			if e.cb([]int16{}, []engine.Event{{Type: engine.EventWord, TextPosition: i}}) == engine.Stop {
				return true
			}
		}
		n, pitch := e.rate*runeMillis/1000, 0.0
		if p == 0xff {
			n = e.rate * gapMillis / 1000
		} else {
			pitch = float64(binary.LittleEndian.Uint16(table[int(p)*2:]))
		}
		step := 2 * math.Pi * pitch / float64(e.rate)
		for s := 0; s < n; s++ {
			buf = append(buf, int16(amplitude*math.Sin(phase)))
			phase += step
			if len(buf) == e.chunk {
				if e.emit(buf) {
					return true
				}
				buf = buf[:0]
			}
		}
	}
	if len(buf) > 0 {
		return e.emit(buf)
	}
	return false
}

func (e *Engine) emit(buf []int16) bool {
	stop := e.cb(buf, nil) == engine.Stop
	if e.pace > 0 && !stop {
		time.Sleep(e.pace)
	}
	return stop
}

func (e *Engine) Flush() error { return nil }

func (e *Engine) Terminate() error {
	e.cb = nil
	e.table = heap.Null
	return nil
}

func (e *Engine) SampleRate() int { return e.rate }
