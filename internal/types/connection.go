package types

import "fmt"

// ConnectionStatus enumerates broker connection states
type ConnectionStatus int

const (
	Disconnected ConnectionStatus = iota
	Connecting
	Connected
	Failed
)

// String returns a human-readable status
func (s ConnectionStatus) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the status name in JSON
func (s ConnectionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnectionState is the broker connection state. Reason carries the error
// for Failed and for a lost connection.
type ConnectionState struct {
	Status ConnectionStatus `json:"status"`
	Reason string           `json:"reason,omitempty"`
}

// String renders the state, including the failure reason when present
func (c ConnectionState) String() string {
	if c.Status == Failed && c.Reason != "" {
		return fmt.Sprintf("failed(%s)", c.Reason)
	}
	return c.Status.String()
}
