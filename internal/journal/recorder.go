package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type op struct {
	name string
	run  func(context.Context, *Store) error
}

// Recorder feeds the store from a single background goroutine so callers on
// the bus or worker never wait on disk. When the queue is full new entries
// are dropped with a warning.
type Recorder struct {
	store *Store
	log   *slog.Logger
	ops   chan op

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func NewRecorder(store *Store, queueSize int, log *slog.Logger) *Recorder {
	r := &Recorder{
		store: store,
		log:   log.With(slog.String("component", "journal")),
		ops:   make(chan op, max(queueSize, 1)),
		done:  make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer close(r.done)
	for o := range r.ops {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.run(ctx, r.store); err != nil {
			r.log.Warn("journal write failed", slog.String("op", o.name), slog.String("error", err.Error()))
		}
		cancel()
	}
}

func (r *Recorder) enqueue(o op) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.ops <- o:
	default:
		r.log.Warn("journal queue full, dropping entry", slog.String("op", o.name))
	}
}

// Accepted records a new request with the given initial status.
func (r *Recorder) Accepted(id, text, status string) {
	req := Request{ID: id, Text: text, Status: status, AcceptedAt: time.Now().UTC()}
	r.enqueue(op{name: "accept", run: func(ctx context.Context, s *Store) error {
		return s.Accept(ctx, req)
	}})
}

// Finished records a request outcome.
func (r *Recorder) Finished(id, status string, frames, samples int, cause error) {
	r.enqueue(op{name: "finish", run: func(ctx context.Context, s *Store) error {
		return s.Finish(ctx, id, status, frames, samples, cause)
	}})
}

// Event appends a timeline entry for a request.
func (r *Recorder) Event(id, typ string, payload []byte) {
	evt := Event{RequestID: id, Type: typ, Payload: payload, CreatedAt: time.Now().UTC()}
	r.enqueue(op{name: "event", run: func(ctx context.Context, s *Store) error {
		return s.AppendEvent(ctx, evt)
	}})
}

// Close stops accepting entries and waits until queued ones are written.
// Entries recorded after Close are discarded.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ops)
	}
	r.mu.Unlock()
	<-r.done
}
