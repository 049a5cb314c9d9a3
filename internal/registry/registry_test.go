package registry

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-espeak/internal/bus"
	"github.com/loqalabs/loqa-espeak/internal/config"
	"github.com/loqalabs/loqa-espeak/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T) config.BusConfig {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}
}

func newRegistry(t *testing.T, busCfg config.BusConfig, id, name, subject string, interval int) *Registry {
	t.Helper()
	client, err := bus.Connect(context.Background(), busCfg, id, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	reg, err := NewRegistry(context.Background(), config.NodeConfig{
		ID:                id,
		Name:              name,
		HeartbeatInterval: interval,
		HeartbeatTimeout:  1000,
	}, subject, client, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)
	return reg
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAnnounceLookupAndWithdraw(t *testing.T) {
	busCfg := startBus(t)
	observer := newRegistry(t, busCfg, "observer", "tts.observer", "tts.observer", 50)
	speaker := newRegistry(t, busCfg, "speaker-1", "tts.exec", "tts.exec.kitchen", 50)

	if !speaker.Healthy() {
		t.Fatal("expected speaker healthy after announce")
	}
	eventually(t, "observer to learn the speaker", func() bool {
		_, ok := observer.Lookup("tts.exec")
		return ok
	})
	entry, _ := observer.Lookup("tts.exec")
	if entry.Subject != "tts.exec.kitchen" || entry.NodeID != "speaker-1" {
		t.Fatalf("unexpected entry %+v", entry)
	}

	if err := speaker.Withdraw(); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := speaker.Withdraw(); err != nil {
		t.Fatalf("second withdraw: %v", err)
	}
	if speaker.Healthy() {
		t.Fatal("expected speaker unhealthy after withdraw")
	}
	eventually(t, "observer to forget the speaker", func() bool {
		_, ok := observer.Lookup("tts.exec")
		return !ok
	})
}

func TestStaleEntriesBecomeUnhealthy(t *testing.T) {
	busCfg := startBus(t)
	reg := newRegistry(t, busCfg, "solo", "tts.exec", "tts.exec", int(time.Hour/time.Millisecond))

	reg.evaluateHealth(time.Now().Add(time.Hour))
	if reg.Healthy() {
		t.Fatal("expected stale entry to be unhealthy")
	}
	if _, ok := reg.Lookup("tts.exec"); ok {
		t.Fatal("lookup must skip unhealthy entries")
	}
	if err := reg.publishHeartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	eventually(t, "heartbeat to refresh the entry", reg.Healthy)
	if n := len(reg.Entries()); n != 1 {
		t.Fatalf("expected one entry, got %d", n)
	}
}
