// Package server is the request actor: it accepts RegisterSubscriber,
// Synthesize and Shutdown envelopes on one subject. NATS delivers messages
// of a subscription one at a time, so the handler is the accept loop. It
// never calls into the engine; accepted text is handed to the worker.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-espeak/internal/bus"
	"github.com/loqalabs/loqa-espeak/internal/coordinator"
	"github.com/loqalabs/loqa-espeak/internal/logging"
	"github.com/loqalabs/loqa-espeak/internal/protocol"
	"github.com/loqalabs/loqa-espeak/internal/worker"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Worker runs accepted jobs.
type Worker interface {
	Submit(job worker.Job) error
	Stop(ctx context.Context) error
}

// Journal records accepted and dropped requests.
type Journal interface {
	Accepted(id, text, status string)
	Event(id, typ string, payload []byte)
	Finished(id, status string, frames, samples int, cause error)
}

// Registry withdraws the server's name on shutdown.
type Registry interface {
	Withdraw() error
}

type Options struct {
	Subject string
	// PreemptTimeout bounds the wait for an in-flight request to yield;
	// zero waits forever.
	PreemptTimeout  time.Duration
	ShutdownTimeout time.Duration
}

type Config struct {
	Bus         *bus.Client
	Coordinator *coordinator.Coordinator
	Worker      Worker
	Journal     Journal
	Registry    Registry
	Options     Options
}

type Server struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	sub     *nats.Subscription
	closing atomic.Bool

	done     chan struct{}
	doneOnce sync.Once

	messages metric.Int64Counter
}

func New(cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	s := &Server{
		cfg:  cfg,
		log:  log.With(slog.String("component", "tts-server"), slog.String("subject", cfg.Options.Subject)),
		done: make(chan struct{}),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-espeak/server")
	s.messages, _ = meter.Int64Counter("loqa.tts.messages", metric.WithDescription("Envelopes received by opcode"))
	return s
}

// Start subscribes to the request subject.
func (s *Server) Start() error {
	sub, err := s.cfg.Bus.Conn().Subscribe(s.cfg.Options.Subject, s.handleMessage)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	if err := s.cfg.Bus.Flush(context.Background()); err != nil {
		s.unsubscribe()
		return fmt.Errorf("register subscription %s: %w", s.cfg.Options.Subject, err)
	}
	s.log.Info("accepting requests")
	return nil
}

// Close stops accepting without stopping the worker.
func (s *Server) Close() {
	s.closing.Store(true)
	s.unsubscribe()
}

func (s *Server) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub != nil && s.sub.IsValid()
}

// Done is closed once a Shutdown request has been served.
func (s *Server) Done() <-chan struct{} { return s.done }

func (s *Server) unsubscribe() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			s.log.Warn("failed to unsubscribe", logging.Error(err))
		}
	}
}

func (s *Server) handleMessage(msg *nats.Msg) {
	var env protocol.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		s.log.Warn("failed to decode envelope", logging.Error(err))
		return
	}
	s.dispatch(env, func(v any) error {
		if msg.Reply == "" {
			return nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return msg.Respond(data)
	})
}

// dispatch serves one envelope. reply answers request/reply opcodes.
func (s *Server) dispatch(env protocol.Envelope, reply func(any) error) {
	ctx := context.Background()
	s.messages.Add(ctx, 1, metric.WithAttributes(attribute.String("opcode", env.Opcode.String())))
	if s.closing.Load() && env.Opcode != protocol.OpShutdown {
		s.log.Debug("dropping message after shutdown", slog.String("opcode", env.Opcode.String()))
		return
	}

	switch env.Opcode {
	case protocol.OpRegisterSubscriber:
		var body protocol.RegisterSubscriber
		if err := decodeBody(env, &body); err != nil {
			s.log.Warn("failed to decode register-subscriber", logging.Error(err))
			return
		}
		s.registerSubscriber(body)
	case protocol.OpSynthesize:
		var body protocol.Synthesize
		if err := decodeBody(env, &body); err != nil {
			s.log.Warn("failed to decode synthesize", logging.Error(err))
			return
		}
		s.synthesize(ctx, body.Text)
	case protocol.OpShutdown:
		s.shutdown(reply)
	default:
		s.log.Error("unknown opcode, dropping message", slog.Int("opcode", int(env.Opcode)))
	}
}

func decodeBody(env protocol.Envelope, v any) error {
	if len(env.Body) == 0 {
		return nil
	}
	return json.Unmarshal(env.Body, v)
}

func (s *Server) registerSubscriber(body protocol.RegisterSubscriber) {
	if body.Destination == "" {
		s.log.Warn("register-subscriber without destination, ignoring")
		return
	}
	s.cfg.Coordinator.Register(coordinator.Subscriber{
		Destination:       body.Destination,
		Operation:         body.Operation,
		FramesPerCallback: body.FramesPerCallback,
	})
	attrs := []any{slog.String("destination", body.Destination), slog.Uint64("operation", uint64(body.Operation))}
	if body.FramesPerCallback != nil {
		attrs = append(attrs, slog.Uint64("frames_per_callback", uint64(*body.FramesPerCallback)))
	}
	s.log.Info("subscriber registered", attrs...)
}

func (s *Server) synthesize(ctx context.Context, text string) {
	id := uuid.NewString()
	sub, ok := s.cfg.Coordinator.Subscriber()
	if !ok {
		s.log.Debug("no subscriber registered, discarding synthesize", slog.String("request_id", id))
		s.journalAccepted(id, text, "dropped")
		return
	}

	bounded, truncated := protocol.BoundText(text)
	if truncated {
		s.log.Warn("synthesize text truncated",
			slog.String("request_id", id),
			slog.Int("bytes", len(text)),
			slog.Int("limit", protocol.MaxTextBytes))
	}

	if timeout := s.cfg.Options.PreemptTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	preempted, err := s.cfg.Coordinator.Acquire(ctx)
	if err != nil {
		s.log.Error("in-flight request did not yield, dropping synthesize",
			slog.String("request_id", id),
			slog.Duration("waited", s.cfg.Options.PreemptTimeout),
			logging.Error(err))
		s.journalAccepted(id, bounded, "timed_out")
		return
	}

	s.journalAccepted(id, bounded, "accepted")
	if s.cfg.Journal != nil {
		if truncated {
			s.cfg.Journal.Event(id, "truncated", nil)
		}
		if preempted {
			s.cfg.Journal.Event(id, "preempted", nil)
		}
	}

	if err := s.cfg.Worker.Submit(worker.Job{ID: id, Text: bounded, Subscriber: sub}); err != nil {
		s.cfg.Coordinator.MarkIdle()
		s.log.Error("worker rejected job", slog.String("request_id", id), logging.Error(err))
		if s.cfg.Journal != nil {
			s.cfg.Journal.Finished(id, "rejected", 0, 0, err)
		}
		return
	}
	s.log.Debug("synthesize accepted",
		slog.String("request_id", id),
		slog.Int("bytes", len(bounded)),
		slog.Bool("preempted", preempted))
}

func (s *Server) journalAccepted(id, text, status string) {
	if s.cfg.Journal != nil {
		s.cfg.Journal.Accepted(id, text, status)
	}
}

// shutdown stops accepting, aborts and stops the worker, acknowledges and
// withdraws the server's name.
func (s *Server) shutdown(reply func(any) error) {
	if !s.closing.CompareAndSwap(false, true) {
		s.log.Debug("shutdown already in progress")
		_ = reply(protocol.Ack{Ack: 1})
		return
	}
	s.log.Info("shutdown requested")
	s.unsubscribe()

	s.cfg.Coordinator.RequestAbort()
	ctx := context.Background()
	if timeout := s.cfg.Options.ShutdownTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := s.cfg.Worker.Stop(ctx); err != nil {
		s.log.Warn("worker did not stop in time", logging.Error(err))
	}

	if err := reply(protocol.Ack{Ack: 1}); err != nil {
		s.log.Warn("failed to acknowledge shutdown", logging.Error(err))
	}
	if s.cfg.Registry != nil {
		if err := s.cfg.Registry.Withdraw(); err != nil {
			s.log.Warn("failed to withdraw name", logging.Error(err))
		}
	}
	s.doneOnce.Do(func() { close(s.done) })
}
