// Package coordinator serializes synthesis requests and carries the
// cooperative abort signal between the request server and the worker.
package coordinator

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type State int

const (
	Idle State = iota
	Running
	AbortRequested
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case AbortRequested:
		return "abort-requested"
	}
	return "unknown"
}

// Subscriber is the single destination that receives frames.
type Subscriber struct {
	Destination string
	Operation   uint32
	// FramesPerCallback is an optional sizing hint from the subscriber.
	FramesPerCallback *uint32
}

// Coordinator is shared by pointer between the request server and the
// worker. Running and abort are atomics; the idle channel is swapped under mu
// and closed every time the coordinator returns to Idle.
type Coordinator struct {
	running atomic.Bool
	abort   atomic.Bool
	sub     atomic.Pointer[Subscriber]

	mu   sync.Mutex
	idle chan struct{}

	acquired  metric.Int64Counter
	preempted metric.Int64Counter
}

func New() *Coordinator {
	idle := make(chan struct{})
	close(idle)
	c := &Coordinator{idle: idle}

	meter := otel.Meter("github.com/loqalabs/loqa-espeak/coordinator")
	c.acquired, _ = meter.Int64Counter("loqa.tts.requests.acquired", metric.WithDescription("Synthesis requests granted the engine"))
	c.preempted, _ = meter.Int64Counter("loqa.tts.requests.preempted", metric.WithDescription("In-flight requests aborted by a newer request"))
	return c
}

// Register replaces the subscriber. In-flight work is not drained to the old
// one; the next frame goes to the new destination.
func (c *Coordinator) Register(sub Subscriber) {
	c.sub.Store(&sub)
}

func (c *Coordinator) Subscriber() (Subscriber, bool) {
	sub := c.sub.Load()
	if sub == nil {
		return Subscriber{}, false
	}
	return *sub, true
}

// TryBegin moves Idle to Running. It reports false when a request is already
// running.
func (c *Coordinator) TryBegin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running.CompareAndSwap(false, true) {
		return false
	}
	c.idle = make(chan struct{})
	return true
}

// Acquire moves to Running for a new request. If a request is in flight it
// raises the abort flag and waits until the worker reports Idle. The abort
// flag is cleared once Running is acquired. preempted reports whether an
// in-flight request had to be aborted. A cancelled ctx ends the wait with
// ctx.Err(); the abort flag stays raised so the old request still stops.
func (c *Coordinator) Acquire(ctx context.Context) (preempted bool, err error) {
	for {
		if c.TryBegin() {
			c.abort.Store(false)
			c.acquired.Add(ctx, 1)
			if preempted {
				c.preempted.Add(ctx, 1)
			}
			return preempted, nil
		}
		preempted = true
		c.abort.Store(true)
		select {
		case <-c.Idle():
		case <-ctx.Done():
			return preempted, ctx.Err()
		}
	}
}

// RequestAbort raises the abort flag without waiting.
func (c *Coordinator) RequestAbort() {
	if c.running.Load() {
		c.abort.Store(true)
	}
}

// AbortRequested is polled by the audio relay on every engine callback.
func (c *Coordinator) AbortRequested() bool {
	return c.abort.Load()
}

// MarkIdle is called by the worker once the blocking engine call has
// returned.
func (c *Coordinator) MarkIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	close(c.idle)
}

// Idle returns a channel that is closed while the coordinator is Idle.
func (c *Coordinator) Idle() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idle
}

func (c *Coordinator) State() State {
	if !c.running.Load() {
		return Idle
	}
	if c.abort.Load() {
		return AbortRequested
	}
	return Running
}
