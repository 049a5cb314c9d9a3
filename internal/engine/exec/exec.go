// Package exec drives an external synthesizer process (for example
// "espeak-ng --stdout -v {voice}") as an engine. Text is written to the
// process's stdin; audio is read from stdout either as raw little-endian
// 16-bit PCM, streamed chunk by chunk, or as a WAV file decoded once the
// process exits. Stopping from the callback kills the process.
package exec

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-espeak/internal/engine"
	"github.com/mattn/go-shellwords"
)

type Format string

const (
	FormatRaw Format = "raw"
	FormatWAV Format = "wav"
)

type Engine struct {
	host   engine.Host
	cmd    []string
	format Format

	cb      engine.Callback
	rate    int
	chunk   int
	voice   string
	scratch []int16
}

func New(host engine.Host, command string, format Format) (*Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command empty")
	}
	switch format {
	case FormatRaw, FormatWAV:
	case "":
		format = FormatRaw
	default:
		return nil, fmt.Errorf("unsupported engine format %q", format)
	}
	return &Engine{host: host, cmd: args, format: format}, nil
}

func (e *Engine) Initialize(cb engine.Callback, opts engine.Options) error {
	if cb == nil {
		return &engine.StatusError{Op: "initialize", Code: 1, Err: errors.New("nil callback")}
	}
	if _, err := exec.LookPath(e.cmd[0]); err != nil {
		return &engine.StatusError{Op: "initialize", Code: 2, Err: err}
	}
	e.cb = cb
	e.rate = opts.SampleRate
	e.chunk = max(opts.ChunkSamples, 1)
	e.voice = opts.Voice
	if cap(e.scratch) < e.chunk {
		e.scratch = make([]int16, e.chunk)
	}
	return nil
}

func (e *Engine) Synthesize(text string) error {
	if e.cb == nil {
		return &engine.StatusError{Op: "synthesize", Code: 3, Err: errors.New("not initialized")}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := exec.CommandContext(ctx, e.cmd[0], e.expandArgs()...)
	cmd.Stdin = strings.NewReader(text)
	cmd.Stderr = consoleWriter{e.host.Console}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &engine.StatusError{Op: "synthesize", Code: 4, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &engine.StatusError{Op: "synthesize", Code: 4, Err: err}
	}

	var stopped bool
	var streamErr error
	if e.format == FormatWAV {
		stopped, streamErr = e.streamWAV(stdout)
	} else {
		stopped, streamErr = e.streamRaw(stdout)
	}
	if stopped || streamErr != nil {
		cancel()
	}
	waitErr := cmd.Wait()

	switch {
	case stopped:
		return nil
	case streamErr != nil:
		return &engine.StatusError{Op: "synthesize", Code: 5, Err: streamErr}
	case waitErr != nil:
		return &engine.StatusError{Op: "synthesize", Code: exitCode(waitErr), Err: waitErr}
	}
	e.cb(nil, nil)
	return nil
}

func (e *Engine) expandArgs() []string {
	args := make([]string, 0, len(e.cmd)-1)
	for _, arg := range e.cmd[1:] {
		arg = strings.ReplaceAll(arg, "{voice}", e.voice)
		arg = strings.ReplaceAll(arg, "{rate}", strconv.Itoa(e.rate))
		args = append(args, arg)
	}
	return args
}

// streamRaw reads fixed-size blocks into a staging region in host memory and
// hands each block to the callback as soon as it is complete.
func (e *Engine) streamRaw(r io.Reader) (bool, error) {
	staging, err := e.host.Memory.Allocate(uint32(e.chunk * 2))
	if err != nil {
		return false, err
	}
	defer e.host.Memory.Release(staging)
	block, _ := e.host.Memory.Bytes(staging)

	for {
		n, err := io.ReadFull(r, block)
		if n >= 2 {
			if e.deliver(block[:n-n%2]) {
				return true, nil
			}
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return false, nil
		default:
			return false, err
		}
	}
}

// streamWAV buffers the whole WAV output, decodes it and then streams it in
// chunks. The sample rate is taken from the WAV header.
func (e *Engine) streamWAV(r io.Reader) (bool, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return false, errors.New("engine output is not a valid wav stream")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return false, fmt.Errorf("decode wav: %w", err)
	}
	if buf.SourceBitDepth != 16 {
		return false, fmt.Errorf("unsupported wav bit depth %d", buf.SourceBitDepth)
	}
	e.rate = int(dec.SampleRate)
	channels := max(buf.Format.NumChannels, 1)

	staging, err := e.host.Memory.Allocate(uint32(e.chunk * 2))
	if err != nil {
		return false, err
	}
	defer e.host.Memory.Release(staging)
	block, _ := e.host.Memory.Bytes(staging)

	n := 0
	for i := 0; i+channels <= len(buf.Data); i += channels {
		// first channel only; the relay carries mono frames
		binary.LittleEndian.PutUint16(block[n*2:], uint16(int16(buf.Data[i])))
		n++
		if n == e.chunk {
			if e.deliver(block) {
				return true, nil
			}
			n = 0
		}
	}
	if n > 0 {
		return e.deliver(block[:n*2]), nil
	}
	return false, nil
}

func (e *Engine) deliver(block []byte) bool {
	samples := e.scratch[:len(block)/2]
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(block[i*2:]))
	}
	return e.cb(samples, nil) == engine.Stop
}

func (e *Engine) Flush() error { return nil }

func (e *Engine) Terminate() error {
	e.cb = nil
	return nil
}

func (e *Engine) SampleRate() int { return e.rate }

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

type consoleWriter struct {
	console io.ByteWriter
}

func (w consoleWriter) Write(p []byte) (int, error) {
	if w.console == nil {
		return len(p), nil
	}
	for _, c := range p {
		_ = w.console.WriteByte(c)
	}
	return len(p), nil
}
