package messaging

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Publish while the broker link is down.
// It is a soft failure: nothing is sent and nothing is stored.
var ErrNotConnected = errors.New("mqtt not connected")

// ConnectionError reports a failed connect. The client moves to Failed.
type ConnectionError struct {
	Broker string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mqtt connection to %s failed: %v", e.Broker, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
