// Package audio adapts decoders, detectors and players to the analysis loop.
package audio

import (
	"fmt"
	"io"
	"log/slog"
)

// FrameSource yields hops of mono float32 samples. A zero count or io.EOF ends the stream.
type FrameSource interface {
	Next() (frame []float32, n int, err error)
	Close() error
}

// Opener opens a FrameSource for a file, resampled to sampleRate and cut into hops.
type Opener interface {
	Open(path string, sampleRate, hopSize int) (FrameSource, error)
}

// NewOpener returns the opener for a configured decoder name.
func NewOpener(decoder string, logger *slog.Logger) (Opener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch decoder {
	case "", "beep":
		return BeepOpener{}, nil
	case "gstreamer":
		return &GstOpener{Logger: logger}, nil
	}
	return nil, fmt.Errorf("audio: unknown decoder %q", decoder)
}

// hopper accumulates arbitrary-sized sample blocks into fixed-size hops.
type hopper struct {
	hop  int
	buf  []float32
	fill func() ([]float32, error)
	eof  bool
}

func newHopper(hop int, fill func() ([]float32, error)) *hopper {
	return &hopper{hop: hop, buf: make([]float32, 0, hop*4), fill: fill}
}

// next returns exactly hop samples, or the trailing partial hop at end of stream.
func (h *hopper) next() ([]float32, int, error) {
	for len(h.buf) < h.hop && !h.eof {
		block, err := h.fill()
		if err == io.EOF {
			h.eof = true
			break
		}
		if err != nil {
			return nil, 0, err
		}
		h.buf = append(h.buf, block...)
	}

	n := h.hop
	if len(h.buf) < n {
		n = len(h.buf)
	}
	if n == 0 {
		return nil, 0, io.EOF
	}
	out := make([]float32, n)
	copy(out, h.buf[:n])
	h.buf = append(h.buf[:0], h.buf[n:]...)
	return out, n, nil
}
