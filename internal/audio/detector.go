package audio

import (
	"math"
	"time"
)

// DetectorConfig tunes EnergyDetector.
type DetectorConfig struct {
	SampleRate  int
	WindowSize  int
	Threshold   float64 // minimum window RMS
	Sensitivity float64 // ratio over the running average
	History     int     // windows kept for the running average
	MinGap      time.Duration
}

// EnergyDetector flags a beat when the RMS of the latest window rises
// above both a fixed threshold and Sensitivity times the recent average.
// It is fed one hop per call and keeps a rolling window internally.
type EnergyDetector struct {
	cfg DetectorConfig

	window  []float32
	history []float64
	histPos int
	histLen int

	samplesSeen   int64
	lastBeatAt    int64
	minGapSamples int64
}

// NewEnergyDetector creates a detector. Zero fields fall back to defaults.
func NewEnergyDetector(cfg DetectorConfig) *EnergyDetector {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 44100
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 512
	}
	if cfg.Sensitivity <= 0 {
		cfg.Sensitivity = 1.4
	}
	if cfg.History <= 0 {
		cfg.History = 43
	}
	return &EnergyDetector{
		cfg:           cfg,
		window:        make([]float32, 0, cfg.WindowSize),
		history:       make([]float64, cfg.History),
		lastBeatAt:    -1,
		minGapSamples: int64(cfg.MinGap.Seconds() * float64(cfg.SampleRate)),
	}
}

// Detect consumes one hop and reports whether it completes a beat.
func (d *EnergyDetector) Detect(hop []float32) bool {
	d.samplesSeen += int64(len(hop))

	d.window = append(d.window, hop...)
	if over := len(d.window) - d.cfg.WindowSize; over > 0 {
		d.window = append(d.window[:0], d.window[over:]...)
	}

	energy := rms(d.window)

	avg := 0.0
	if d.histLen > 0 {
		sum := 0.0
		for i := 0; i < d.histLen; i++ {
			sum += d.history[i]
		}
		avg = sum / float64(d.histLen)
	}

	d.history[d.histPos] = energy
	d.histPos = (d.histPos + 1) % len(d.history)
	if d.histLen < len(d.history) {
		d.histLen++
	}

	if energy < d.cfg.Threshold {
		return false
	}
	if avg > 0 && energy < avg*d.cfg.Sensitivity {
		return false
	}
	if d.lastBeatAt >= 0 && d.samplesSeen-d.lastBeatAt < d.minGapSamples {
		return false
	}
	d.lastBeatAt = d.samplesSeen
	return true
}

func rms(buf []float32) float64 {
	if len(buf) == 0 {
		return 0
	}
	var sum float64
	for _, s := range buf {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(buf)))
}
