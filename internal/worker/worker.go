// Package worker owns the single blocking call into the engine. Jobs arrive
// one at a time from the request server; the coordinator is returned to Idle
// after every job, whatever its outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-espeak/internal/coordinator"
	"github.com/loqalabs/loqa-espeak/internal/engine"
	"github.com/loqalabs/loqa-espeak/internal/heap"
	"github.com/loqalabs/loqa-espeak/internal/logging"
	"github.com/loqalabs/loqa-espeak/internal/protocol"
	"github.com/loqalabs/loqa-espeak/internal/relay"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var _ engine.Memory = (*heap.Arena)(nil)

var (
	ErrStopped = errors.New("worker: stopped")
	ErrBusy    = errors.New("worker: job already pending")
)

// Job is one accepted synthesis request. Subscriber is the registration seen
// when the request was accepted; it supplies the chunk size hint.
type Job struct {
	ID         string
	Text       string
	Subscriber coordinator.Subscriber
}

// Journal receives request outcomes.
type Journal interface {
	Finished(id, status string, frames, samples int, cause error)
}

type Options struct {
	SampleRate   int
	ChunkSamples int
	Voice        string
	// StatusSubject receives a protocol.Status after every job when set.
	StatusSubject string
}

type Config struct {
	Coordinator *coordinator.Coordinator
	Arena       *heap.Arena
	Engine      engine.Engine
	Relay       *relay.Relay
	Journal     Journal
	Status      relay.Sender
	Options     Options
}

type Worker struct {
	cfg    Config
	log    *slog.Logger
	tracer trace.Tracer

	jobs    chan Job
	done    chan struct{}
	mu      sync.Mutex
	stopped bool
	started bool

	outcomes metric.Int64Counter
	duration metric.Float64Histogram
}

func New(cfg Config, log *slog.Logger) *Worker {
	if log == nil {
		log = logging.Discard()
	}
	w := &Worker{
		cfg:    cfg,
		log:    log.With(slog.String("component", "worker")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-espeak/worker"),
		jobs:   make(chan Job, 1),
		done:   make(chan struct{}),
	}
	cfg.Relay.TrackRate(cfg.Engine.SampleRate)

	meter := otel.Meter("github.com/loqalabs/loqa-espeak/worker")
	w.outcomes, _ = meter.Int64Counter("loqa.tts.requests.finished", metric.WithDescription("Finished synthesis requests by outcome"))
	w.duration, _ = meter.Float64Histogram("loqa.tts.synthesis.duration", metric.WithUnit("s"), metric.WithDescription("Wall time of the blocking engine call"))
	arena := cfg.Arena
	_, _ = meter.Int64ObservableGauge("loqa.tts.heap.live_bytes",
		metric.WithDescription("Bytes held by live engine regions"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(arena.Stats().LiveBytes)
			return nil
		}))
	_, _ = meter.Int64ObservableGauge("loqa.tts.heap.live_regions",
		metric.WithDescription("Live engine regions"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(arena.Stats().LiveRegions)
			return nil
		}))
	return w
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	go w.loop()
}

// Submit hands a job to the worker. The caller must hold Running on the
// coordinator; on error it still does and must release it.
func (w *Worker) Submit(job Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrStopped
	}
	select {
	case w.jobs <- job:
		return nil
	default:
		return ErrBusy
	}
}

// Stop closes the job channel and waits for the running job, if any, to
// finish. A pending job is still processed.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.jobs)
		if !w.started {
			w.started = true
			go w.loop()
		}
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) loop() {
	defer close(w.done)
	for job := range w.jobs {
		w.run(job)
	}
}

func (w *Worker) run(job Job) {
	defer w.cfg.Coordinator.MarkIdle()

	ctx, span := w.tracer.Start(context.Background(), "tts.synthesize",
		trace.WithAttributes(
			attribute.String("request.id", job.ID),
			attribute.Int("text.bytes", len(job.Text)),
		))
	defer span.End()

	started := time.Now()
	out := w.synthesize(ctx, job)
	w.duration.Record(ctx, time.Since(started).Seconds())

	status := out.Status()
	span.SetAttributes(
		attribute.String("outcome", status),
		attribute.Int("frames", out.Frames),
		attribute.Int("samples", out.Samples),
	)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	} else if out.Failed {
		span.SetStatus(codes.Error, "frame delivery failed")
	}
	w.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", status)))

	if w.cfg.Journal != nil {
		w.cfg.Journal.Finished(job.ID, status, out.Frames, out.Samples, out.Err)
	}
	if w.cfg.Status != nil && w.cfg.Options.StatusSubject != "" {
		msg := protocol.Status{
			RequestID: job.ID,
			Outcome:   status,
			Frames:    out.Frames,
			Samples:   out.Samples,
			Timestamp: time.Now().UTC(),
		}
		if err := w.cfg.Status.PublishJSON(w.cfg.Options.StatusSubject, msg); err != nil {
			w.log.Debug("failed to publish status", slog.String("request_id", job.ID), logging.Error(err))
		}
	}

	stats := w.cfg.Arena.Stats()
	w.log.Info("synthesis finished",
		slog.String("request_id", job.ID),
		slog.String("outcome", status),
		slog.Int("frames", out.Frames),
		slog.Int("samples", out.Samples),
		slog.Int64("heap_live_regions", stats.LiveRegions),
		slog.Duration("elapsed", time.Since(started)))
}

func (w *Worker) synthesize(ctx context.Context, job Job) relay.Outcome {
	eng := w.cfg.Engine
	rel := w.cfg.Relay

	w.cfg.Arena.Reset()
	opts := engine.Options{
		SampleRate:   w.cfg.Options.SampleRate,
		ChunkSamples: chunkSamples(job.Subscriber.FramesPerCallback, w.cfg.Options.ChunkSamples),
		Voice:        w.cfg.Options.Voice,
	}
	logging.Trace(ctx, w.log, "initializing engine",
		slog.String("request_id", job.ID),
		slog.Int("chunk_samples", opts.ChunkSamples))

	if err := guard("initialize", func() error { return eng.Initialize(rel.Callback, opts) }); err != nil {
		w.log.Warn("engine initialize failed", slog.String("request_id", job.ID), logging.Error(err))
		_ = guard("terminate", eng.Terminate)
		rel.Begin(job.ID, opts.SampleRate)
		return rel.Finish(err)
	}
	rel.Begin(job.ID, opts.SampleRate)

	cause := guard("synthesize", func() error { return eng.Synthesize(job.Text) })
	if cause != nil {
		w.log.Error("engine synthesize failed", slog.String("request_id", job.ID), logging.Error(cause))
	}
	if err := guard("flush", eng.Flush); err != nil {
		w.log.Warn("engine flush failed", slog.String("request_id", job.ID), logging.Error(err))
	}
	if err := guard("terminate", eng.Terminate); err != nil {
		w.log.Warn("engine terminate failed", slog.String("request_id", job.ID), logging.Error(err))
	}
	return rel.Finish(cause)
}

// guard converts a panic inside the engine into an error.
func guard(op string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("engine %s panicked: %v", op, p)
		}
	}()
	return fn()
}

// chunkSamples applies the subscriber's frames-per-callback hint, clamped to
// what a single frame can carry.
func chunkSamples(hint *uint32, fallback int) int {
	n := fallback
	if hint != nil {
		n = int(*hint)
	}
	return min(max(n, 1), protocol.MaxFrameSamples)
}
