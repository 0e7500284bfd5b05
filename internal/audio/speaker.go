package audio

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
)

var (
	speakerOnce sync.Once
	speakerErr  error
)

// SpeakerTransport plays through the default output device via beep's speaker.
// The device is initialised once per process at a fixed rate; songs are
// resampled to it.
type SpeakerTransport struct {
	rate   int
	logger *slog.Logger

	mu      sync.Mutex
	stream  beep.StreamSeekCloser
	format  beep.Format
	ctrl    *beep.Ctrl
	playing bool

	done atomic.Bool
}

// NewSpeakerTransport creates a transport; the device opens on first Play.
func NewSpeakerTransport(sampleRate int, logger *slog.Logger) *SpeakerTransport {
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	return &SpeakerTransport{rate: sampleRate, logger: logger.With("component", "speaker")}
}

func (t *SpeakerTransport) init() error {
	speakerOnce.Do(func() {
		sr := beep.SampleRate(t.rate)
		speakerErr = speaker.Init(sr, sr.N(time.Second/10))
	})
	return speakerErr
}

// Load decodes path, replacing any previous song.
func (t *SpeakerTransport) Load(path string) error {
	s, format, err := decodeFile(path)
	if err != nil {
		return newLoadError(path, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseLocked()

	t.stream = s
	t.format = format
	t.done.Store(false)
	t.ctrl = &beep.Ctrl{Streamer: beep.Seq(
		resampled(s, format.SampleRate, t.rate),
		beep.Callback(func() { t.done.Store(true) }),
	)}
	return nil
}

func (t *SpeakerTransport) Play() error {
	if err := t.init(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctrl == nil {
		return errors.New("speaker: nothing loaded")
	}
	speaker.Play(t.ctrl)
	t.playing = true
	return nil
}

func (t *SpeakerTransport) setPaused(p bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctrl == nil {
		return errors.New("speaker: nothing loaded")
	}
	speaker.Lock()
	t.ctrl.Paused = p
	speaker.Unlock()
	return nil
}

func (t *SpeakerTransport) Pause() error   { return t.setPaused(true) }
func (t *SpeakerTransport) Unpause() error { return t.setPaused(false) }

// Stop halts playback and releases the decoded stream. Idempotent.
func (t *SpeakerTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.playing {
		speaker.Clear()
	}
	t.releaseLocked()
	return nil
}

func (t *SpeakerTransport) releaseLocked() {
	t.playing = false
	if t.stream != nil {
		if err := t.stream.Close(); err != nil {
			t.logger.Debug("close stream failed", "error", err)
		}
		t.stream = nil
	}
	t.ctrl = nil
}

// IsBusy is true while a loaded song is playing, not paused and not finished.
func (t *SpeakerTransport) IsBusy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.playing || t.ctrl == nil || t.done.Load() {
		return false
	}
	speaker.Lock()
	paused := t.ctrl.Paused
	speaker.Unlock()
	return !paused
}

func (t *SpeakerTransport) PositionMillis() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stream == nil {
		return 0
	}
	speaker.Lock()
	pos := t.stream.Position()
	speaker.Unlock()
	return t.format.SampleRate.D(pos).Milliseconds()
}
