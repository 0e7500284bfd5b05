package eventstore

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Enqueue once Close has begun.
var ErrClosed = errors.New("eventstore: closed")

// ErrBadFilter wraps CEL compile and type errors from List.
var ErrBadFilter = errors.New("eventstore: bad filter")

// StorageWriteError reports a record the worker could not persist.
// The worker logs it and moves on to the next record.
type StorageWriteError struct {
	Topic string
	Err   error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("eventstore: write %s: %v", e.Topic, e.Err)
}

func (e *StorageWriteError) Unwrap() error { return e.Err }
