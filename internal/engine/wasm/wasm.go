// Package wasm runs a speech engine compiled to WebAssembly under wazero.
//
// The guest exports memory, tts_text_buffer, tts_initialize(rate),
// tts_synthesize(len) and tts_terminate, each returning an i32 status where
// 0 means success. It imports env.tts_emit(ptr, count) -> i32 to hand count
// 16-bit samples at ptr to the host (ptr 0 marks the end of synthesis; a
// non-zero result asks the guest to stop) and env.putchar(c) for console
// output. The guest manages its own linear memory.
package wasm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/loqalabs/loqa-espeak/internal/engine"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

var requiredExports = []string{"tts_text_buffer", "tts_initialize", "tts_synthesize", "tts_terminate"}

type Engine struct {
	ctx      context.Context
	host     engine.Host
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	mod      api.Module

	cb      engine.Callback
	rate    int
	chunk   int
	scratch []int16
	fault   error
}

// Load reads a module from path and compiles it.
func Load(ctx context.Context, host engine.Host, path string) (*Engine, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	return New(ctx, host, wasmBytes)
}

func New(ctx context.Context, host engine.Host, wasmBytes []byte) (*Engine, error) {
	e := &Engine{ctx: ctx, host: host, rt: wazero.NewRuntime(ctx)}
	if err := e.instantiateHostModule(); err != nil {
		e.rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	compiled, err := e.rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		e.rt.Close(ctx)
		return nil, fmt.Errorf("compile module: %w", err)
	}
	exports := compiled.ExportedFunctions()
	for _, name := range requiredExports {
		if _, ok := exports[name]; !ok {
			e.rt.Close(ctx)
			return nil, fmt.Errorf("module does not export %q", name)
		}
	}
	e.compiled = compiled
	return e, nil
}

// Close releases the runtime and every module instantiated in it.
func (e *Engine) Close(ctx context.Context) error {
	if e == nil || e.rt == nil {
		return nil
	}
	return e.rt.Close(ctx)
}

func (e *Engine) Initialize(cb engine.Callback, opts engine.Options) error {
	if cb == nil {
		return &engine.StatusError{Op: "initialize", Code: 1, Err: errors.New("nil callback")}
	}
	if e.mod != nil {
		_ = e.mod.Close(e.ctx)
		e.mod = nil
	}
	mod, err := e.rt.InstantiateModule(e.ctx, e.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return &engine.StatusError{Op: "initialize", Code: 2, Err: err}
	}
	e.mod = mod
	e.cb = cb
	e.rate = opts.SampleRate
	e.chunk = max(opts.ChunkSamples, 1)
	if cap(e.scratch) < e.chunk {
		e.scratch = make([]int16, e.chunk)
	}
	return e.call("initialize", "tts_initialize", uint64(uint32(e.rate)))
}

func (e *Engine) Synthesize(text string) error {
	if e.mod == nil || e.cb == nil {
		return &engine.StatusError{Op: "synthesize", Code: 3, Err: errors.New("not initialized")}
	}
	res, err := e.mod.ExportedFunction("tts_text_buffer").Call(e.ctx)
	if err != nil {
		return &engine.StatusError{Op: "synthesize", Code: 4, Err: err}
	}
	offset := api.DecodeU32(res[0])
	if !e.mod.Memory().Write(offset, []byte(text)) {
		return &engine.StatusError{Op: "synthesize", Code: 5, Err: fmt.Errorf("text of %d bytes does not fit guest buffer at %#x", len(text), offset)}
	}
	e.fault = nil
	return e.call("synthesize", "tts_synthesize", uint64(uint32(len(text))))
}

func (e *Engine) call(op, name string, params ...uint64) error {
	res, err := e.mod.ExportedFunction(name).Call(e.ctx, params...)
	if err != nil {
		return &engine.StatusError{Op: op, Code: 4, Err: err}
	}
	if e.fault != nil {
		return &engine.StatusError{Op: op, Code: 5, Err: e.fault}
	}
	if code := int32(api.DecodeU32(res[0])); code != 0 {
		return &engine.StatusError{Op: op, Code: int(code)}
	}
	return nil
}

func (e *Engine) Flush() error { return nil }

func (e *Engine) Terminate() error {
	if e.mod == nil {
		return nil
	}
	err := e.call("terminate", "tts_terminate")
	if cerr := e.mod.Close(e.ctx); err == nil {
		err = cerr
	}
	e.mod = nil
	e.cb = nil
	return err
}

func (e *Engine) SampleRate() int { return e.rate }

// emit forwards guest audio to the callback in chunks of at most e.chunk
// samples and reports 1 once the callback asks to stop.
func (e *Engine) emit(mod api.Module, ptr, count uint32) uint32 {
	if e.cb == nil {
		return 1
	}
	if ptr == 0 {
		return uint32(e.cb(nil, nil))
	}
	if count > math.MaxUint32/2 {
		e.fault = fmt.Errorf("emit count %d exceeds guest address space", count)
		return 1
	}
	pcm, ok := mod.Memory().Read(ptr, count*2)
	if !ok {
		e.fault = fmt.Errorf("emit out of range: %d samples at %#x", count, ptr)
		return 1
	}
	for len(pcm) > 0 {
		n := min(len(pcm)/2, e.chunk)
		samples := e.scratch[:n]
		for i := range samples {
			samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		}
		if e.cb(samples, nil) == engine.Stop {
			return 1
		}
		pcm = pcm[n*2:]
	}
	return 0
}

func (e *Engine) instantiateHostModule() error {
	builder := e.rt.NewHostModuleBuilder("env")

	emitFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		stack[0] = api.EncodeU32(e.emit(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1])))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(emitFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		WithName("tts_emit").
		WithParameterNames("ptr", "count").
		WithResultNames("stop").
		Export("tts_emit")

	putcharFn := api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
		if e.host.Console != nil {
			_ = e.host.Console.WriteByte(byte(api.DecodeU32(stack[0])))
		}
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(putcharFn, []api.ValueType{api.ValueTypeI32}, nil).
		WithName("putchar").
		Export("putchar")

	_, err := builder.Instantiate(e.ctx)
	return err
}
