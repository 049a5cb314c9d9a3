package server

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-espeak/internal/coordinator"
	"github.com/loqalabs/loqa-espeak/internal/protocol"
	"github.com/loqalabs/loqa-espeak/internal/worker"
)

type fakeWorker struct {
	mu        sync.Mutex
	jobs      []worker.Job
	submitErr error
	stopped   bool
	coord     *coordinator.Coordinator
}

func (w *fakeWorker) Submit(job worker.Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.submitErr != nil {
		return w.submitErr
	}
	w.jobs = append(w.jobs, job)
	return nil
}

func (w *fakeWorker) Stop(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.coord != nil {
		w.coord.MarkIdle()
	}
	return nil
}

type journalEntry struct {
	id, kind, value string
}

type fakeJournal struct {
	entries []journalEntry
}

func (j *fakeJournal) Accepted(id, _ string, status string) {
	j.entries = append(j.entries, journalEntry{id, "accepted", status})
}

func (j *fakeJournal) Event(id, typ string, _ []byte) {
	j.entries = append(j.entries, journalEntry{id, "event", typ})
}

func (j *fakeJournal) Finished(id, status string, _, _ int, _ error) {
	j.entries = append(j.entries, journalEntry{id, "finished", status})
}

func (j *fakeJournal) has(kind, value string) bool {
	for _, e := range j.entries {
		if e.kind == kind && e.value == value {
			return true
		}
	}
	return false
}

type fakeRegistry struct{ withdrawn int }

func (r *fakeRegistry) Withdraw() error {
	r.withdrawn++
	return nil
}

type fixture struct {
	srv      *Server
	coord    *coordinator.Coordinator
	worker   *fakeWorker
	journal  *fakeJournal
	registry *fakeRegistry
	logs     *bytes.Buffer
}

func newFixture(opts Options) *fixture {
	coord := coordinator.New()
	f := &fixture{
		coord:    coord,
		worker:   &fakeWorker{coord: coord},
		journal:  &fakeJournal{},
		registry: &fakeRegistry{},
		logs:     &bytes.Buffer{},
	}
	f.srv = New(Config{
		Coordinator: coord,
		Worker:      f.worker,
		Journal:     f.journal,
		Registry:    f.registry,
		Options:     opts,
	}, slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug})))
	return f
}

func envelope(t *testing.T, op protocol.Opcode, body any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(op, body)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return env
}

func noReply(any) error { return nil }

func TestSynthesizeWithoutSubscriberIsNoop(t *testing.T) {
	f := newFixture(Options{})
	f.srv.dispatch(envelope(t, protocol.OpSynthesize, protocol.Synthesize{Text: "hello"}), noReply)
	f.srv.dispatch(envelope(t, protocol.OpSynthesize, protocol.Synthesize{Text: "world"}), noReply)

	if len(f.worker.jobs) != 0 {
		t.Fatalf("expected no jobs, got %d", len(f.worker.jobs))
	}
	if f.coord.State() != coordinator.Idle {
		t.Fatalf("expected idle coordinator, got %v", f.coord.State())
	}
	if !f.journal.has("accepted", "dropped") {
		t.Fatal("expected dropped requests journaled")
	}
}

func TestRegisterThenSynthesizeSubmitsJob(t *testing.T) {
	f := newFixture(Options{})
	hint := uint32(512)
	f.srv.dispatch(envelope(t, protocol.OpRegisterSubscriber, protocol.RegisterSubscriber{Destination: "audio.x", Operation: 7, FramesPerCallback: &hint}), noReply)
	f.srv.dispatch(envelope(t, protocol.OpSynthesize, protocol.Synthesize{Text: "hello"}), noReply)

	if len(f.worker.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(f.worker.jobs))
	}
	job := f.worker.jobs[0]
	if job.Text != "hello" || job.ID == "" {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Subscriber.Destination != "audio.x" || job.Subscriber.Operation != 7 || *job.Subscriber.FramesPerCallback != 512 {
		t.Fatalf("unexpected subscriber snapshot %+v", job.Subscriber)
	}
	if f.coord.State() != coordinator.Running {
		t.Fatalf("expected running coordinator, got %v", f.coord.State())
	}
	if !f.journal.has("accepted", "accepted") {
		t.Fatal("expected accepted request journaled")
	}
}

func TestRegisterReplacesSubscriber(t *testing.T) {
	f := newFixture(Options{})
	f.srv.dispatch(envelope(t, protocol.OpRegisterSubscriber, protocol.RegisterSubscriber{Destination: "audio.a", Operation: 1}), noReply)
	f.srv.dispatch(envelope(t, protocol.OpRegisterSubscriber, protocol.RegisterSubscriber{Destination: "audio.b", Operation: 2}), noReply)
	f.srv.dispatch(envelope(t, protocol.OpRegisterSubscriber, protocol.RegisterSubscriber{}), noReply)

	sub, ok := f.coord.Subscriber()
	if !ok || sub.Destination != "audio.b" || sub.Operation != 2 {
		t.Fatalf("expected latest valid subscriber, got %+v", sub)
	}
}

func TestUnknownOpcodeIsLoggedAndDropped(t *testing.T) {
	f := newFixture(Options{})
	f.srv.dispatch(protocol.Envelope{Opcode: 42}, noReply)
	if !strings.Contains(f.logs.String(), "level=ERROR") || !strings.Contains(f.logs.String(), "unknown opcode") {
		t.Fatalf("expected error log for unknown opcode, got %q", f.logs.String())
	}
	if len(f.worker.jobs) != 0 || f.worker.stopped {
		t.Fatal("unknown opcode must have no effect")
	}
}

func TestLongTextTruncated(t *testing.T) {
	f := newFixture(Options{})
	f.srv.dispatch(envelope(t, protocol.OpRegisterSubscriber, protocol.RegisterSubscriber{Destination: "audio.x"}), noReply)
	f.srv.dispatch(envelope(t, protocol.OpSynthesize, protocol.Synthesize{Text: strings.Repeat("é", protocol.MaxTextBytes)}), noReply)

	if len(f.worker.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(f.worker.jobs))
	}
	if n := len(f.worker.jobs[0].Text); n != protocol.MaxTextBytes {
		t.Fatalf("expected text bounded to %d bytes, got %d", protocol.MaxTextBytes, n)
	}
	if !f.journal.has("event", "truncated") {
		t.Fatal("expected truncation journaled")
	}
}

func TestPreemptTimeoutDropsRequest(t *testing.T) {
	f := newFixture(Options{PreemptTimeout: 20 * time.Millisecond})
	f.srv.dispatch(envelope(t, protocol.OpRegisterSubscriber, protocol.RegisterSubscriber{Destination: "audio.x"}), noReply)
	if !f.coord.TryBegin() {
		t.Fatal("expected idle coordinator")
	}

	f.srv.dispatch(envelope(t, protocol.OpSynthesize, protocol.Synthesize{Text: "late"}), noReply)

	if len(f.worker.jobs) != 0 {
		t.Fatal("expected no job while the engine is stuck")
	}
	if f.coord.State() != coordinator.AbortRequested {
		t.Fatalf("expected abort to stay raised, got %v", f.coord.State())
	}
	if !f.journal.has("accepted", "timed_out") {
		t.Fatal("expected timed out request journaled")
	}
}

func TestPreemptionWaitsForIdle(t *testing.T) {
	f := newFixture(Options{})
	f.srv.dispatch(envelope(t, protocol.OpRegisterSubscriber, protocol.RegisterSubscriber{Destination: "audio.x"}), noReply)
	f.srv.dispatch(envelope(t, protocol.OpSynthesize, protocol.Synthesize{Text: "first"}), noReply)

	go func() {
		for !f.coord.AbortRequested() {
			time.Sleep(time.Millisecond)
		}
		f.coord.MarkIdle()
	}()
	f.srv.dispatch(envelope(t, protocol.OpSynthesize, protocol.Synthesize{Text: "second"}), noReply)

	if len(f.worker.jobs) != 2 || f.worker.jobs[1].Text != "second" {
		t.Fatalf("expected second job submitted, got %+v", f.worker.jobs)
	}
	if f.coord.State() != coordinator.Running {
		t.Fatalf("expected running with abort cleared, got %v", f.coord.State())
	}
	if !f.journal.has("event", "preempted") {
		t.Fatal("expected preemption journaled")
	}
}

func TestSubmitFailureReleasesCoordinator(t *testing.T) {
	f := newFixture(Options{})
	f.worker.submitErr = worker.ErrStopped
	f.srv.dispatch(envelope(t, protocol.OpRegisterSubscriber, protocol.RegisterSubscriber{Destination: "audio.x"}), noReply)
	f.srv.dispatch(envelope(t, protocol.OpSynthesize, protocol.Synthesize{Text: "hello"}), noReply)

	if f.coord.State() != coordinator.Idle {
		t.Fatalf("expected idle after rejected job, got %v", f.coord.State())
	}
	if !f.journal.has("finished", "rejected") {
		t.Fatal("expected rejection journaled")
	}
}

func TestShutdownAcknowledgesAndStops(t *testing.T) {
	f := newFixture(Options{ShutdownTimeout: time.Second})
	f.srv.dispatch(envelope(t, protocol.OpRegisterSubscriber, protocol.RegisterSubscriber{Destination: "audio.x"}), noReply)
	f.srv.dispatch(envelope(t, protocol.OpSynthesize, protocol.Synthesize{Text: "hello"}), noReply)

	var acks []protocol.Ack
	reply := func(v any) error {
		ack, ok := v.(protocol.Ack)
		if !ok {
			return errors.New("unexpected reply type")
		}
		acks = append(acks, ack)
		return nil
	}
	f.srv.dispatch(protocol.Envelope{Opcode: protocol.OpShutdown}, reply)

	if len(acks) != 1 || acks[0].Ack != 1 {
		t.Fatalf("expected a single ack of 1, got %+v", acks)
	}
	if !f.worker.stopped {
		t.Fatal("expected worker stopped")
	}
	if f.registry.withdrawn != 1 {
		t.Fatalf("expected name withdrawn once, got %d", f.registry.withdrawn)
	}
	select {
	case <-f.srv.Done():
	default:
		t.Fatal("expected Done closed")
	}

	f.srv.dispatch(envelope(t, protocol.OpSynthesize, protocol.Synthesize{Text: "after"}), noReply)
	if len(f.worker.jobs) != 1 {
		t.Fatal("expected requests after shutdown to be ignored")
	}

	f.srv.dispatch(protocol.Envelope{Opcode: protocol.OpShutdown}, reply)
	if len(acks) != 2 || f.registry.withdrawn != 1 {
		t.Fatalf("expected repeated shutdown to ack without side effects, got %d acks", len(acks))
	}
}

func TestMalformedBodyIgnored(t *testing.T) {
	f := newFixture(Options{})
	f.srv.dispatch(protocol.Envelope{Opcode: protocol.OpRegisterSubscriber, Body: []byte(`"not an object"`)}, noReply)
	if _, ok := f.coord.Subscriber(); ok {
		t.Fatal("expected no subscriber from malformed body")
	}
	if !strings.Contains(f.logs.String(), "failed to decode register-subscriber") {
		t.Fatalf("expected decode warning, got %q", f.logs.String())
	}
}
