package pebblestore

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/pebble"
)

// FsyncMode defines durability behavior for committed batches.
type FsyncMode int

const (
	// FsyncAlways syncs the WAL on every commit.
	FsyncAlways FsyncMode = iota
	// FsyncInterval lets Pebble coalesce WAL syncs within Options.FsyncInterval.
	FsyncInterval
	// FsyncNever never forces a WAL sync from the application.
	FsyncNever
)

// ParseFsync maps the config spelling onto a FsyncMode.
func ParseFsync(s string) (FsyncMode, error) {
	switch s {
	case "", "always":
		return FsyncAlways, nil
	case "interval":
		return FsyncInterval, nil
	case "never":
		return FsyncNever, nil
	}
	return FsyncAlways, fmt.Errorf("pebble: unknown fsync mode %q", s)
}

// Options configures the store wrapper.
type Options struct {
	DataDir       string
	Fsync         FsyncMode
	FsyncInterval time.Duration
	// Logger receives Pebble's internal log lines. Defaults to slog.Default().
	Logger *slog.Logger
}

// DB wraps a Pebble instance with an fsync policy.
type DB struct {
	inner     *pebble.DB
	writeSync bool
}

// Open creates or opens a Pebble database.
func Open(opts Options) (*DB, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	po := &pebble.Options{Logger: slogBridge{logger.With("component", "pebble")}}
	if opts.Fsync == FsyncInterval {
		interval := opts.FsyncInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("pebble: open %s: %w", opts.DataDir, err)
	}

	return &DB{inner: inner, writeSync: opts.Fsync == FsyncAlways}, nil
}

// Close closes the database. Safe on a nil DB.
func (db *DB) Close() error {
	if db == nil || db.inner == nil {
		return nil
	}
	return db.inner.Close()
}

// NewBatch creates a batch for atomic multi-key updates.
func (db *DB) NewBatch() *pebble.Batch {
	return db.inner.NewBatch()
}

// CommitBatch commits b honouring the fsync policy.
func (db *DB) CommitBatch(b *pebble.Batch) error {
	if b == nil {
		return errors.New("pebble: nil batch")
	}
	mode := pebble.NoSync
	if db.writeSync {
		mode = pebble.Sync
	}
	return b.Commit(mode)
}

// Get returns a copy of the value stored at key. Missing keys yield pebble.ErrNotFound.
func (db *DB) Get(key []byte) ([]byte, error) {
	val, closer, err := db.inner.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// NewIter creates a raw Pebble iterator.
func (db *DB) NewIter(opts *pebble.IterOptions) (*pebble.Iterator, error) {
	return db.inner.NewIter(opts)
}

// slogBridge routes Pebble's printf-style logger onto slog.
type slogBridge struct {
	l *slog.Logger
}

func (b slogBridge) Infof(format string, args ...interface{}) {
	b.l.Debug(fmt.Sprintf(format, args...))
}

func (b slogBridge) Errorf(format string, args ...interface{}) {
	b.l.Error(fmt.Sprintf(format, args...))
}

// Fatalf is reserved by Pebble for unrecoverable corruption.
func (b slogBridge) Fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	b.l.Error(msg, "fatal", true)
	panic(msg)
}
