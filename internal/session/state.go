package session

import "errors"

// State is the playback state machine.
type State int

const (
	Idle State = iota
	Loaded
	Playing
	Paused
	Stopped
	// Stopping means Stop timed out and the loop has not exited yet.
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loaded:
		return "loaded"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	// ErrInvalidTransition is returned for a command the current state does not allow.
	ErrInvalidTransition = errors.New("session: invalid transition")
	// ErrBrokerNotConnected is returned by Play while the MQTT link is down.
	ErrBrokerNotConnected = errors.New("session: mqtt is not connected")
	// ErrNoSong is returned by Play before anything has been loaded.
	ErrNoSong = errors.New("session: no song loaded")
	// ErrStopTimeout is returned by Stop when the loop outlives StopTimeout.
	ErrStopTimeout = errors.New("session: analysis loop did not exit in time")
)

// Button labels shown for the pause/resume control.
const (
	LabelStop     = "Stop"
	LabelContinue = "Continue"
)

// Connection labels refreshed once per second.
const (
	LabelConnected    = "Connected to MQTT broker"
	LabelNotConnected = "Failed to connect to MQTT broker"
)
