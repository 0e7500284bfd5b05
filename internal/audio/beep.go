package audio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
)

// decodeFile opens an mp3, wav or ogg vorbis file. The caller owns the returned streamer.
func decodeFile(path string) (beep.StreamSeekCloser, beep.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, beep.Format{}, err
	}

	var (
		s      beep.StreamSeekCloser
		format beep.Format
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		s, format, err = mp3.Decode(f)
	case ".wav":
		s, format, err = wav.Decode(f)
	case ".ogg":
		s, format, err = vorbis.Decode(f)
	default:
		f.Close()
		return nil, beep.Format{}, fmt.Errorf("%w %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
	if err != nil {
		f.Close()
		return nil, beep.Format{}, err
	}
	return s, format, nil
}

// resampled wraps s so that it streams at target.
func resampled(s beep.Streamer, from beep.SampleRate, target int) beep.Streamer {
	if int(from) == target {
		return s
	}
	return beep.Resample(4, from, beep.SampleRate(target), s)
}

// ProbeDuration reports a file's playing time without playing it.
func ProbeDuration(path string) (time.Duration, error) {
	s, format, err := decodeFile(path)
	if err != nil {
		return 0, newLoadError(path, err)
	}
	defer s.Close()
	return format.SampleRate.D(s.Len()), nil
}

// BeepOpener decodes files with beep.
type BeepOpener struct{}

// Open decodes path and yields mono hops at sampleRate.
func (BeepOpener) Open(path string, sampleRate, hopSize int) (FrameSource, error) {
	s, format, err := decodeFile(path)
	if err != nil {
		return nil, newLoadError(path, err)
	}
	src := &beepSource{
		closer:   s,
		streamer: resampled(s, format.SampleRate, sampleRate),
		block:    make([][2]float64, hopSize),
	}
	src.hopper = newHopper(hopSize, src.fill)
	return src, nil
}

type beepSource struct {
	closer   beep.StreamSeekCloser
	streamer beep.Streamer
	block    [][2]float64
	hopper   *hopper
}

// fill mixes one block of stereo samples down to mono.
func (b *beepSource) fill() ([]float32, error) {
	n, ok := b.streamer.Stream(b.block)
	if n == 0 || !ok {
		if err := b.streamer.Err(); err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, io.EOF
		}
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = float32((b.block[i][0] + b.block[i][1]) / 2)
	}
	return out, nil
}

func (b *beepSource) Next() ([]float32, int, error) {
	return b.hopper.next()
}

func (b *beepSource) Close() error {
	return b.closer.Close()
}
