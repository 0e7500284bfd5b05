package audio

import (
	"fmt"
	"log/slog"
)

// Transport controls playback of one loaded song.
type Transport interface {
	Load(path string) error
	Play() error
	Pause() error
	Unpause() error
	Stop() error
	// IsBusy reports whether audio is currently being produced.
	IsBusy() bool
	PositionMillis() int64
}

// TransportConfig selects and configures a Transport.
type TransportConfig struct {
	Kind        string // speaker, mpd
	SampleRate  int
	MPDAddress  string
	MPDPassword string
	MusicDir    string
}

// NewTransport builds the configured transport.
func NewTransport(cfg TransportConfig, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Kind {
	case "", "speaker":
		return NewSpeakerTransport(cfg.SampleRate, logger), nil
	case "mpd":
		return NewMPDTransport(cfg.MPDAddress, cfg.MPDPassword, cfg.MusicDir, logger), nil
	}
	return nil, fmt.Errorf("audio: unknown transport %q", cfg.Kind)
}
