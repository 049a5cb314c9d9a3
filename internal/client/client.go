// Package client speaks the request protocol of a speech server on the bus
// and consumes the frames it publishes.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-espeak/internal/bus"
	"github.com/loqalabs/loqa-espeak/internal/protocol"
	"github.com/nats-io/nats.go"
)

// ErrStreamClosed is returned by Next once the stream was closed.
var ErrStreamClosed = errors.New("client: stream closed")

type Client struct {
	bus     *bus.Client
	subject string
}

// New returns a client for the server listening on subject.
func New(b *bus.Client, subject string) *Client {
	return &Client{bus: b, subject: subject}
}

func (c *Client) send(op protocol.Opcode, body any) error {
	env, err := protocol.NewEnvelope(op, body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", op, err)
	}
	return c.bus.PublishJSON(c.subject, env)
}

// RegisterSubscriber directs future frames to destination, stamped with
// operation. framesPerCallback may be nil.
func (c *Client) RegisterSubscriber(destination string, operation uint32, framesPerCallback *uint32) error {
	return c.send(protocol.OpRegisterSubscriber, protocol.RegisterSubscriber{
		Destination:       destination,
		Operation:         operation,
		FramesPerCallback: framesPerCallback,
	})
}

// Synthesize asks the server to speak text. It returns once the request is
// published; completion is only visible through frames.
func (c *Client) Synthesize(text string) error {
	return c.send(protocol.OpSynthesize, protocol.Synthesize{Text: text})
}

// Shutdown asks the server to stop and waits for its acknowledgement.
func (c *Client) Shutdown(ctx context.Context) (protocol.Ack, error) {
	var ack protocol.Ack
	env := protocol.Envelope{Opcode: protocol.OpShutdown}
	if err := c.bus.RequestJSON(ctx, c.subject, env, &ack); err != nil {
		return protocol.Ack{}, err
	}
	return ack, nil
}

// Stream receives frames published to one destination.
type Stream struct {
	sub  *nats.Subscription
	msgs chan *nats.Msg
}

// Subscribe starts receiving frames on destination. The subscription is
// known to the server when Subscribe returns.
func (c *Client) Subscribe(ctx context.Context, destination string, buffer int) (*Stream, error) {
	msgs := make(chan *nats.Msg, max(buffer, 1))
	sub, err := c.bus.Conn().ChanSubscribe(destination, msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", destination, err)
	}
	if err := c.bus.Flush(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	return &Stream{sub: sub, msgs: msgs}, nil
}

// Next blocks for the next frame.
func (s *Stream) Next(ctx context.Context) (protocol.Frame, error) {
	select {
	case msg, ok := <-s.msgs:
		if !ok {
			return protocol.Frame{}, ErrStreamClosed
		}
		var frame protocol.Frame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			return protocol.Frame{}, fmt.Errorf("decode frame: %w", err)
		}
		return frame, nil
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

// Collect reads frames up to and including the next terminal frame.
func (s *Stream) Collect(ctx context.Context) ([]protocol.Frame, error) {
	var frames []protocol.Frame
	for {
		frame, err := s.Next(ctx)
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)
		if frame.Control.Terminal() {
			return frames, nil
		}
	}
}

func (s *Stream) Close() error {
	return s.sub.Unsubscribe()
}
