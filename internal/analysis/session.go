package analysis

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Geometry describes how the source is framed.
type Geometry struct {
	SampleRate int
	WindowSize int
	HopSize    int
}

// DefaultGeometry matches the 44.1kHz/512/256 framing the detector is tuned for.
var DefaultGeometry = Geometry{SampleRate: 44100, WindowSize: 512, HopSize: 256}

// Session is the mutable state of one playback. The loop and the controller
// share it through atomics only.
type Session struct {
	ID         string
	SourcePath string
	Geometry   Geometry
	StartedAt  time.Time

	running    atomic.Bool
	paused     atomic.Bool
	beatCount  atomic.Uint64
	colorIndex atomic.Int64
	lastBeat   atomic.Uint64 // float64 bits, seconds
}

// NewSession creates a running session with zeroed counters.
func NewSession(path string, g Geometry) *Session {
	s := &Session{
		ID:         uuid.NewString(),
		SourcePath: path,
		Geometry:   g,
		StartedAt:  time.Now(),
	}
	s.running.Store(true)
	return s
}

func (s *Session) Running() bool         { return s.running.Load() }
func (s *Session) Paused() bool          { return s.paused.Load() }
func (s *Session) BeatCount() uint64     { return s.beatCount.Load() }
func (s *Session) ColorIndex() int       { return int(s.colorIndex.Load()) }
func (s *Session) LastBeat() float64     { return math.Float64frombits(s.lastBeat.Load()) }
func (s *Session) SetPaused(p bool)      { s.paused.Store(p) }
func (s *Session) RequestStop()          { s.running.Store(false) }
func (s *Session) setLastBeat(v float64) { s.lastBeat.Store(math.Float64bits(v)) }

// advanceColor moves to the next palette entry and returns its index.
// Only the loop goroutine advances, so load-then-store is safe.
func (s *Session) advanceColor(n int) int {
	next := (s.colorIndex.Load() + 1) % int64(n)
	s.colorIndex.Store(next)
	return int(next)
}

// Snapshot is a JSON-friendly copy of the session counters.
type Snapshot struct {
	ID         string  `json:"id"`
	SourcePath string  `json:"source_path"`
	Running    bool    `json:"running"`
	Paused     bool    `json:"paused"`
	BeatCount  uint64  `json:"beat_count"`
	ColorIndex int     `json:"color_index"`
	LastBeat   float64 `json:"last_beat_s"`
}

func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ID:         s.ID,
		SourcePath: s.SourcePath,
		Running:    s.Running(),
		Paused:     s.Paused(),
		BeatCount:  s.BeatCount(),
		ColorIndex: s.ColorIndex(),
		LastBeat:   s.LastBeat(),
	}
}
