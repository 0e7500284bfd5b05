// Package analysis runs the per-playback beat detection loop.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/e7canasta/beatlamp/internal/types"
)

// FrameSource yields successive hops of mono samples. n == 0 or io.EOF ends the stream.
type FrameSource interface {
	Next() (frame []float32, n int, err error)
}

// Detector decides whether a frame carries a beat.
type Detector interface {
	Detect(frame []float32) bool
}

// Transport is the playback side the loop observes and stops on exit.
type Transport interface {
	IsBusy() bool
	PositionMillis() int64
	Stop() error
}

// ExitReason says why Run returned.
type ExitReason string

const (
	ExitExhausted    ExitReason = "exhausted"     // source returned no more frames
	ExitPlaybackDone ExitReason = "playback_done" // transport stopped on its own
	ExitStopped      ExitReason = "stopped"       // session stop requested
	ExitCancelled    ExitReason = "cancelled"     // context cancelled
	ExitFailed       ExitReason = "failed"        // recovered panic
)

// Hooks receive loop output. They run on the loop goroutine and must not block.
type Hooks struct {
	OnBeat        func(types.BeatEvent)
	OnColorChange func(color string)
	OnLamp        func(color string)
	OnExit        func(reason ExitReason)
}

// Loop holds the collaborators shared by every Run.
type Loop struct {
	Detector      Detector
	Transport     Transport
	Gate          *Gate
	Palette       []string
	Neutral       string
	FrameInterval time.Duration
	Logger        *slog.Logger
}

// Run consumes src until it is exhausted, playback ends, the session is
// stopped or ctx is cancelled. Exit cleanup runs exactly once: the session
// is marked not running, the lamp goes neutral, the transport is stopped,
// then OnExit fires.
func (l *Loop) Run(ctx context.Context, s *Session, src FrameSource, hooks Hooks) (reason ExitReason) {
	if len(l.Palette) == 0 {
		l.Palette = types.DefaultPalette
	}
	if l.Neutral == "" {
		l.Neutral = types.NeutralColor
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "analysis", "session", s.ID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("analysis loop panicked", "panic", fmt.Sprint(r))
			reason = ExitFailed
		}
		s.running.Store(false)
		if hooks.OnLamp != nil {
			hooks.OnLamp(l.Neutral)
		}
		if err := l.Transport.Stop(); err != nil {
			logger.Warn("transport stop failed", "error", err)
		}
		logger.Info("analysis loop exited", "reason", reason, "beats", s.BeatCount())
		if hooks.OnExit != nil {
			hooks.OnExit(reason)
		}
	}()

	logger.Info("analysis loop started", "source", s.SourcePath)

	for {
		if l.Gate != nil && !l.Gate.Wait(ctx) {
			return ExitCancelled
		}
		if ctx.Err() != nil {
			return ExitCancelled
		}
		if !s.Running() {
			return ExitStopped
		}
		if !l.Transport.IsBusy() {
			// A pause can land between the gate check and here.
			if s.Paused() || (l.Gate != nil && !l.Gate.IsOpen()) {
				time.Sleep(time.Millisecond)
				continue
			}
			return ExitPlaybackDone
		}

		frame, n, err := src.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("frame read failed, ending stream", "error", err)
			}
			return ExitExhausted
		}
		if n == 0 {
			return ExitExhausted
		}

		if l.Detector.Detect(frame[:n]) {
			l.beat(s, hooks)
		}

		if l.FrameInterval > 0 {
			t := time.NewTimer(l.FrameInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return ExitCancelled
			case <-t.C:
			}
		}
	}
}

func (l *Loop) beat(s *Session, hooks Hooks) {
	count := s.beatCount.Add(1)
	now := float64(l.Transport.PositionMillis()) / 1000.0

	bpm := 0.0
	if last := s.LastBeat(); last != 0 && now-last > 0 {
		bpm = 60.0 / (now - last)
	}
	s.setLastBeat(now)

	idx := s.advanceColor(len(l.Palette))
	color := l.Palette[idx]

	if hooks.OnBeat != nil {
		hooks.OnBeat(types.BeatEvent{
			Seq:              count,
			TimestampSeconds: now,
			BPM:              bpm,
			Color:            color,
			ColorIndex:       idx,
		})
	}
	if hooks.OnColorChange != nil {
		hooks.OnColorChange(color)
	}
	if hooks.OnLamp != nil {
		hooks.OnLamp(color)
	}
}
