package types

import (
	"strings"
	"time"
)

// MQTT topics used by the lamp controller
const (
	TopicCommand = "smartlamp/led"
	TopicColors  = "smartlamp/led/colors"
	TopicStatus  = "smartlamp/led/status"
)

// DefaultPalette is the colour cycle advanced on every detected beat
var DefaultPalette = []string{"red", "orange", "yellow", "green", "blue", "indigo", "violet"}

// NeutralColor is shown when nothing is playing
const NeutralColor = "grey"

// BeatEvent is emitted by the analysis loop at every detected beat boundary
type BeatEvent struct {
	// Seq is the 1-based beat number within the play session
	Seq uint64 `json:"seq"`
	// TimestampSeconds is the playback position when the beat was detected
	TimestampSeconds float64 `json:"timestamp_s"`
	// BPM is 60 / (time since previous beat); 0 for the first beat
	BPM float64 `json:"bpm"`
	// Color is the palette entry selected for this beat
	Color string `json:"color"`
	// ColorIndex is the palette index of Color
	ColorIndex int `json:"color_index"`
}

// InboundMessage is a message delivered by the broker
type InboundMessage struct {
	Topic      string    `json:"topic"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// StoredMessageRecord is a persisted inbound message
type StoredMessageRecord struct {
	ID        uint64    `msgpack:"id" json:"id"`
	Topic     string    `msgpack:"topic" json:"topic"`
	Payload   string    `msgpack:"message" json:"message"`
	Timestamp time.Time `msgpack:"timestamp" json:"timestamp"`
}

// RelayState mirrors the lamp power relay as reported on the status topic
type RelayState int

const (
	RelayOff RelayState = iota
	RelayOn
)

// String returns "on" or "off"
func (r RelayState) String() string {
	if r == RelayOn {
		return "on"
	}
	return "off"
}

// ParseRelayState parses a status payload. Matching is case-insensitive;
// ok is false for anything other than on/off.
func ParseRelayState(payload string) (state RelayState, ok bool) {
	switch strings.ToLower(strings.TrimSpace(payload)) {
	case "on":
		return RelayOn, true
	case "off":
		return RelayOff, true
	default:
		return RelayOff, false
	}
}
