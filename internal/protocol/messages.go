package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxFrameSamples is the fixed capacity of one Frame.
	MaxFrameSamples = 2048
	// MaxTextBytes bounds the text of a single synthesis request.
	MaxTextBytes = 4000
)

const (
	SubjectNameAnnounce  = "ctrl.name.announce"
	SubjectNameWithdraw  = "ctrl.name.withdraw"
	SubjectNameHeartbeat = "ctrl.name.heartbeat"
)

// Opcode selects the operation of an inbound envelope.
type Opcode uint32

const (
	OpSynthesize Opcode = iota
	OpRegisterSubscriber
	OpShutdown
)

func (o Opcode) String() string {
	switch o {
	case OpSynthesize:
		return "synthesize"
	case OpRegisterSubscriber:
		return "register-subscriber"
	case OpShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("opcode(%d)", uint32(o))
}

// Envelope is the inbound wire form. Body is decoded according to Opcode.
type Envelope struct {
	Opcode Opcode          `json:"opcode"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Synthesize asks for text to be spoken to the current subscriber.
type Synthesize struct {
	Text string `json:"text"`
}

// RegisterSubscriber names the subject frames are published to and the
// operation selector stamped on each frame.
type RegisterSubscriber struct {
	Destination       string  `json:"destination"`
	Operation         uint32  `json:"operation"`
	FramesPerCallback *uint32 `json:"frames_per_callback,omitempty"`
}

// Ack is the scalar reply to Shutdown.
type Ack struct {
	Ack int `json:"ack"`
}

// NewEnvelope encodes body under op.
func NewEnvelope(op Opcode, body any) (Envelope, error) {
	env := Envelope{Opcode: op}
	if body == nil {
		return env, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return env, err
	}
	env.Body = data
	return env, nil
}

// Control tags the end of a frame stream.
type Control uint8

const (
	ControlNone Control = iota
	ControlEnd
	ControlAbort
)

func (c Control) String() string {
	switch c {
	case ControlNone:
		return "none"
	case ControlEnd:
		return "end"
	case ControlAbort:
		return "abort"
	}
	return fmt.Sprintf("control(%d)", uint8(c))
}

// Terminal reports whether c closes a stream.
func (c Control) Terminal() bool { return c == ControlEnd || c == ControlAbort }

func (c Control) MarshalText() ([]byte, error) {
	if c > ControlAbort {
		return nil, fmt.Errorf("invalid control %d", uint8(c))
	}
	return []byte(c.String()), nil
}

func (c *Control) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "none":
		*c = ControlNone
	case "end":
		*c = ControlEnd
	case "abort":
		*c = ControlAbort
	default:
		return fmt.Errorf("unknown control %q", text)
	}
	return nil
}

// Frame is one packet of audio delivered to the subscriber. PCM holds Length
// little-endian signed 16-bit samples.
type Frame struct {
	Operation  uint32  `json:"op"`
	RequestID  string  `json:"request_id"`
	Sequence   int     `json:"sequence"`
	SampleRate int     `json:"sample_rate"`
	Length     int     `json:"length"`
	PCM        []byte  `json:"pcm,omitempty"`
	Control    Control `json:"control"`
}

// Samples decodes PCM.
func (f Frame) Samples() []int16 {
	return DecodePCM(f.PCM[:min(len(f.PCM), f.Length*2)])
}

// EncodePCM writes samples into dst as little-endian and returns the used
// prefix of dst. dst must hold 2*len(samples) bytes.
func EncodePCM(dst []byte, samples []int16) []byte {
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(s))
	}
	return dst[:len(samples)*2]
}

func DecodePCM(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// Status is published after a request finishes (informational).
type Status struct {
	RequestID string    `json:"request_id"`
	Outcome   string    `json:"outcome"`
	Frames    int       `json:"frames"`
	Samples   int       `json:"samples"`
	Timestamp time.Time `json:"timestamp"`
}

// BoundText trims text to MaxTextBytes on a rune boundary and replaces
// invalid UTF-8. truncated reports whether text was cut.
func BoundText(text string) (bounded string, truncated bool) {
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}
	if len(text) <= MaxTextBytes {
		return text, false
	}
	cut := MaxTextBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut], true
}
