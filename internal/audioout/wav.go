// Package audioout renders received frames to a WAV file or the default
// playback device.
package audioout

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-espeak/internal/protocol"
)

// WAVWriter appends frames to a mono 16-bit WAV stream. The sample rate is
// taken from the first frame carrying one.
type WAVWriter struct {
	w           io.WriteSeeker
	defaultRate int
	rate        int
	enc         *wav.Encoder
	buf         *audio.IntBuffer
	samples     int
}

func NewWAVWriter(w io.WriteSeeker, defaultRate int) *WAVWriter {
	return &WAVWriter{w: w, defaultRate: defaultRate}
}

func (ww *WAVWriter) start(rate int) {
	if rate <= 0 {
		rate = ww.defaultRate
	}
	ww.rate = rate
	ww.enc = wav.NewEncoder(ww.w, rate, 16, 1, 1)
	ww.buf = &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: rate}, SourceBitDepth: 16}
}

// WriteFrame appends the frame's samples. Frames without samples only fix
// the sample rate.
func (ww *WAVWriter) WriteFrame(f protocol.Frame) error {
	if ww.enc == nil {
		if f.Length == 0 && f.SampleRate == 0 {
			return nil
		}
		ww.start(f.SampleRate)
	} else if f.SampleRate > 0 && f.SampleRate != ww.rate {
		return fmt.Errorf("sample rate changed from %d to %d", ww.rate, f.SampleRate)
	}
	if f.Length == 0 {
		return nil
	}
	samples := f.Samples()
	data := ww.buf.Data[:0]
	for _, s := range samples {
		data = append(data, int(s))
	}
	ww.buf.Data = data
	if err := ww.enc.Write(ww.buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	ww.samples += len(samples)
	return nil
}

// Samples is the number of samples written so far.
func (ww *WAVWriter) Samples() int { return ww.samples }

// Close finalizes the WAV header. A writer that saw no frames produces an
// empty file at the default rate.
func (ww *WAVWriter) Close() error {
	if ww.enc == nil {
		ww.start(0)
	}
	if ww.rate <= 0 {
		return errors.New("wav writer has no sample rate")
	}
	if ww.samples == 0 {
		// The encoder only emits its header on the first write.
		ww.buf.Data = ww.buf.Data[:0]
		if err := ww.enc.Write(ww.buf); err != nil {
			return fmt.Errorf("write wav header: %w", err)
		}
	}
	if err := ww.enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
