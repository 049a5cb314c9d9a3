// Package relay turns engine callbacks into Frames for the registered
// subscriber. It runs on the worker goroutine, inside the engine's blocking
// synthesize call.
package relay

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-espeak/internal/coordinator"
	"github.com/loqalabs/loqa-espeak/internal/engine"
	"github.com/loqalabs/loqa-espeak/internal/logging"
	"github.com/loqalabs/loqa-espeak/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Sender publishes a JSON-encoded value to a subject. The value must be
// fully encoded before PublishJSON returns.
type Sender interface {
	PublishJSON(subject string, v any) error
}

// Outcome summarises one request once its stream is closed.
type Outcome struct {
	RequestID string
	Frames    int
	Samples   int
	Terminal  protocol.Control
	Failed    bool
	Err       error
}

// Status is the journal and status-subject name of the outcome.
func (o Outcome) Status() string {
	switch {
	case o.Failed:
		return "failed"
	case o.Frames == 0:
		return "dropped"
	case o.Terminal == protocol.ControlAbort:
		return "aborted"
	}
	return "completed"
}

type Relay struct {
	coord    *coordinator.Coordinator
	sender   Sender
	attempts int
	log      *slog.Logger

	pcm [protocol.MaxFrameSamples * 2]byte

	rateFn     func() int
	requestID  string
	sampleRate int
	seq        int
	samples    int
	terminal   protocol.Control
	closed     bool
	failed     bool
	warned     bool

	delivered metric.Int64Counter
	dropped   metric.Int64Counter
	failures  metric.Int64Counter
}

// New returns a relay that delivers through sender, trying each frame up to
// attempts times.
func New(coord *coordinator.Coordinator, sender Sender, attempts int, log *slog.Logger) *Relay {
	if log == nil {
		log = logging.Discard()
	}
	r := &Relay{
		coord:    coord,
		sender:   sender,
		attempts: max(attempts, 1),
		log:      log.With(slog.String("component", "relay")),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-espeak/relay")
	r.delivered, _ = meter.Int64Counter("loqa.tts.frames.delivered", metric.WithDescription("Frames published to the subscriber"))
	r.dropped, _ = meter.Int64Counter("loqa.tts.frames.dropped", metric.WithDescription("Frames dropped because no subscriber was registered"))
	r.failures, _ = meter.Int64Counter("loqa.tts.delivery.failures", metric.WithDescription("Requests abandoned after frame delivery failed"))
	return r
}

// TrackRate makes frames carry the rate reported by fn when it is positive.
// Engines that learn their rate from their own output report it this way.
func (r *Relay) TrackRate(fn func() int) {
	r.rateFn = fn
}

// Begin resets per-request state.
func (r *Relay) Begin(requestID string, sampleRate int) {
	r.requestID = requestID
	r.sampleRate = sampleRate
	r.seq = 0
	r.samples = 0
	r.terminal = protocol.ControlNone
	r.closed = false
	r.failed = false
	r.warned = false
}

// Callback is handed to the engine. A nil samples slice marks the end of
// synthesis; a non-nil empty slice only carries events.
func (r *Relay) Callback(samples []int16, events []engine.Event) engine.Result {
	ctx := context.Background()
	for _, ev := range events {
		logging.Trace(ctx, r.log, "engine event",
			slog.String("request_id", r.requestID),
			slog.Int("type", int(ev.Type)),
			slog.Int("text_position", ev.TextPosition),
			slog.Int("audio_offset", ev.AudioOffset))
	}
	if r.failed || r.terminal.Terminal() {
		return engine.Stop
	}

	control := protocol.ControlNone
	n := 0
	switch {
	case samples == nil:
		control = protocol.ControlEnd
	case len(samples) > protocol.MaxFrameSamples:
		n = protocol.MaxFrameSamples
		if !r.warned {
			r.warned = true
			r.log.Warn("engine chunk exceeds frame capacity, truncating",
				slog.String("request_id", r.requestID),
				slog.Int("samples", len(samples)),
				slog.Int("capacity", protocol.MaxFrameSamples))
		}
	default:
		n = len(samples)
	}
	if r.coord.AbortRequested() {
		control = protocol.ControlAbort
	}
	if n == 0 && control == protocol.ControlNone {
		return engine.Continue
	}

	if !r.send(ctx, samples[:n], control) {
		return engine.Stop
	}
	if control.Terminal() {
		return engine.Stop
	}
	return engine.Continue
}

// Finish closes the request's stream. When no terminal frame went out and
// delivery has not failed, a closing frame is sent: Abort when the request
// was aborted or cause is non-nil, End otherwise.
func (r *Relay) Finish(cause error) Outcome {
	if !r.closed && !r.failed {
		control := protocol.ControlEnd
		if cause != nil || r.terminal == protocol.ControlAbort || r.coord.AbortRequested() {
			control = protocol.ControlAbort
		}
		r.terminal = control
		r.send(context.Background(), nil, control)
	}
	return Outcome{
		RequestID: r.requestID,
		Frames:    r.seq,
		Samples:   r.samples,
		Terminal:  r.terminal,
		Failed:    r.failed,
		Err:       cause,
	}
}

// send publishes one frame to the current subscriber. It reports false when
// delivery failed after every attempt.
func (r *Relay) send(ctx context.Context, samples []int16, control protocol.Control) bool {
	if control.Terminal() {
		r.terminal = control
	}
	sub, ok := r.coord.Subscriber()
	if !ok {
		r.dropped.Add(ctx, 1)
		return true
	}

	rate := r.sampleRate
	if r.rateFn != nil {
		if v := r.rateFn(); v > 0 {
			rate = v
		}
	}
	frame := protocol.Frame{
		Operation:  sub.Operation,
		RequestID:  r.requestID,
		Sequence:   r.seq,
		SampleRate: rate,
		Length:     len(samples),
		PCM:        protocol.EncodePCM(r.pcm[:], samples),
		Control:    control,
	}
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err = r.sender.PublishJSON(sub.Destination, frame); err == nil {
			break
		}
		r.log.Debug("frame delivery attempt failed",
			slog.String("request_id", r.requestID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
	if err != nil {
		r.failed = true
		r.failures.Add(ctx, 1)
		r.log.Error("frame delivery failed, abandoning request",
			slog.String("request_id", r.requestID),
			slog.String("destination", sub.Destination),
			slog.Int("sequence", r.seq),
			slog.String("error", err.Error()))
		return false
	}

	r.seq++
	r.samples += len(samples)
	if control.Terminal() {
		r.closed = true
	}
	r.delivered.Add(ctx, 1)
	logging.Trace(ctx, r.log, "frame delivered",
		slog.String("request_id", r.requestID),
		slog.Int("sequence", frame.Sequence),
		slog.Int("length", frame.Length),
		slog.String("control", control.String()))
	return true
}
