package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-espeak/internal/bus"
	"github.com/loqalabs/loqa-espeak/internal/client"
	"github.com/loqalabs/loqa-espeak/internal/config"
	"github.com/loqalabs/loqa-espeak/internal/engine"
	"github.com/loqalabs/loqa-espeak/internal/engine/tone"
	"github.com/loqalabs/loqa-espeak/internal/protocol"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Telemetry.PrometheusBind = "127.0.0.1:0"
	cfg.Bus.Port = -1
	cfg.Journal.RetentionMode = "ephemeral"
	cfg.Node.HeartbeatInterval = 200
	cfg.Node.HeartbeatTimeout = 1000
	return cfg
}

func TestRuntimeServesUntilShutdownMessage(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := New(testConfig(t), log)

	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(context.Background()) }()

	select {
	case <-rt.Started():
	case err := <-errCh:
		t.Fatalf("runtime exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not start")
	}

	resp, err := http.Get("http://" + rt.HTTPAddr() + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b, err := bus.Connect(ctx, config.BusConfig{Servers: []string{rt.BusURL()}, ConnectTimeout: 2000}, "runtime-test", log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer b.Close()

	c := client.New(b, "tts.exec")
	stream, err := c.Subscribe(ctx, "audio.runtime", 512)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stream.Close()
	if err := c.RegisterSubscriber("audio.runtime", 1, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := c.Synthesize("hi"); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	frames, err := stream.Collect(ctx)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if last := frames[len(frames)-1]; last.Control != protocol.ControlEnd {
		t.Fatalf("expected end frame, got %v", last.Control)
	}

	ack, err := c.Shutdown(ctx)
	if err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if ack.Ack != 1 {
		t.Fatalf("unexpected ack %+v", ack)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("runtime returned error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("runtime did not exit after shutdown message")
	}
}

func TestRuntimeStopsOnContextCancel(t *testing.T) {
	rt := New(testConfig(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(ctx) }()

	select {
	case <-rt.Started():
	case err := <-errCh:
		t.Fatalf("runtime exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not start")
	}
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("runtime returned error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestNewEngineSelectsMode(t *testing.T) {
	host := engine.Host{}
	cfg := testConfig(t)

	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	eng, err := rt.newEngine(context.Background(), host)
	if err != nil {
		t.Fatalf("tone: %v", err)
	}
	if _, ok := eng.(*tone.Engine); !ok {
		t.Fatalf("expected tone engine, got %T", eng)
	}

	cfg.Engine.Mode = "exec"
	cfg.Engine.Command = "espeak-ng --stdout"
	rt = New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := rt.newEngine(context.Background(), host); err != nil {
		t.Fatalf("exec: %v", err)
	}

	cfg.Engine.Mode = "wasm"
	cfg.Engine.Module = "testdata/missing.wasm"
	rt = New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := rt.newEngine(context.Background(), host); err == nil {
		t.Fatal("expected error for missing wasm module")
	}

	cfg.Engine.Mode = "midi"
	rt = New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := rt.newEngine(context.Background(), host); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestContextCancelAbortsInFlightSynthesis(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig(t)
	cfg.Engine.PaceMS = 200
	rt := New(cfg, log)

	runCtx, stopRuntime := context.WithCancel(context.Background())
	defer stopRuntime()
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(runCtx) }()

	select {
	case <-rt.Started():
	case err := <-errCh:
		t.Fatalf("runtime exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	b, err := bus.Connect(ctx, config.BusConfig{Servers: []string{rt.BusURL()}, ConnectTimeout: 2000}, "runtime-test", log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer b.Close()

	c := client.New(b, "tts.exec")
	stream, err := c.Subscribe(ctx, "audio.cancel", 1024)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stream.Close()
	if err := c.RegisterSubscriber("audio.cancel", 1, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Paced output for this text runs far longer than the shutdown budget.
	if err := c.Synthesize(strings.Repeat("long sentence ", 20)); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	first, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if first.Control.Terminal() {
		t.Fatalf("expected audio before cancellation, got %v", first.Control)
	}

	began := time.Now()
	stopRuntime()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("runtime returned error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("runtime did not stop")
	}
	if elapsed := time.Since(began); elapsed > 5*time.Second {
		t.Fatalf("in-flight synthesis was not aborted, stop took %v", elapsed)
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, 2*time.Second)
	defer drainCancel()
	for {
		frame, err := stream.Next(drainCtx)
		if err != nil {
			break
		}
		if frame.Control == protocol.ControlEnd {
			t.Fatal("synthesis ran to completion instead of aborting")
		}
		if frame.Control == protocol.ControlAbort {
			break
		}
	}
}
