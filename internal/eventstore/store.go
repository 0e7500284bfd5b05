package eventstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pebblestore "github.com/e7canasta/beatlamp/internal/storage/pebble"
	"github.com/e7canasta/beatlamp/internal/types"
)

// appender is the write side the worker drains into.
type appender interface {
	Append(topic, payload string, ts time.Time) (uint64, error)
}

type pendingRecord struct {
	topic    string
	payload  string
	received time.Time
}

// Options configures Open.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Logger        *slog.Logger
}

// Stats is a point-in-time view of the worker.
type Stats struct {
	Enqueued uint64 `json:"enqueued"`
	Written  uint64 `json:"written"`
	Failed   uint64 `json:"failed"`
	Rejected uint64 `json:"rejected"`
	Pending  int    `json:"pending"`
	LastID   uint64 `json:"last_id"`
}

// Store serialises concurrent Enqueue calls into a single writer goroutine.
//
// Enqueue never blocks on I/O: records land in an unbounded in-memory queue
// and the worker appends them to the log in arrival order.
type Store struct {
	log     *Log
	app     appender
	closeDB func() error
	logger  *slog.Logger

	mu      sync.Mutex
	pending []pendingRecord
	closing bool

	wake  chan struct{}
	abort chan struct{}
	done  chan struct{}

	closeOnce sync.Once
	closeErr  error

	// dbMu keeps List readers off the database while it is being closed.
	dbMu     sync.RWMutex
	dbClosed bool

	enqueued atomic.Uint64
	written  atomic.Uint64
	failed   atomic.Uint64
	rejected atomic.Uint64
}

// Open opens (or creates) the Pebble database and starts the worker.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       opts.DataDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	l, err := OpenLog(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := newStore(l, db.Close, logger)
	s.log = l
	logger.Info("message store opened", "data_dir", opts.DataDir, "last_id", l.LastID())
	return s, nil
}

func newStore(app appender, closeDB func() error, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		app:     app,
		closeDB: closeDB,
		logger:  logger.With("component", "eventstore"),
		wake:    make(chan struct{}, 1),
		abort:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Enqueue queues one inbound message for persistence. Safe from any goroutine.
// Returns ErrClosed once Close has begun.
func (s *Store) Enqueue(topic, payload string) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.rejected.Add(1)
		return ErrClosed
	}
	s.pending = append(s.pending, pendingRecord{topic: topic, payload: payload, received: time.Now()})
	s.mu.Unlock()

	s.enqueued.Add(1)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// List reads stored records back in id order. Returns ErrClosed once Close
// has begun.
func (s *Store) List(opts ListOptions) ([]types.StoredMessageRecord, error) {
	if s.log == nil {
		return nil, fmt.Errorf("eventstore: list unsupported on this store")
	}
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return nil, ErrClosed
	}

	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	if s.dbClosed {
		return nil, ErrClosed
	}
	return s.log.List(opts)
}

// Stats returns counters for health reporting.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()

	st := Stats{
		Enqueued: s.enqueued.Load(),
		Written:  s.written.Load(),
		Failed:   s.failed.Load(),
		Rejected: s.rejected.Load(),
		Pending:  pending,
	}
	if s.log != nil {
		st.LastID = s.log.LastID()
	}
	return st
}

// take swaps out the pending queue. closing is read under the same lock
// that Enqueue checks, so an empty batch with closing set means nothing more can arrive.
func (s *Store) take() ([]pendingRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.pending
	s.pending = nil
	return batch, s.closing
}

func (s *Store) run() {
	defer close(s.done)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		batch, closing := s.take()
		for i, rec := range batch {
			select {
			case <-s.abort:
				s.logger.Warn("store worker aborted with records pending", "dropped", len(batch)-i)
				return
			default:
			}
			s.write(rec)
		}
		if len(batch) > 0 {
			continue
		}
		if closing {
			return
		}

		select {
		case <-s.wake:
		case <-ticker.C:
		case <-s.abort:
			return
		}
	}
}

func (s *Store) write(rec pendingRecord) {
	id, err := s.app.Append(rec.topic, rec.payload, rec.received)
	if err != nil {
		s.failed.Add(1)
		werr := &StorageWriteError{Topic: rec.topic, Err: err}
		s.logger.Error("failed to persist message", "error", werr)
		return
	}
	s.written.Add(1)
	s.logger.Debug("message persisted", "id", id, "topic", rec.topic)
}

// Close rejects further enqueues, waits for the worker to drain every
// accepted record, then releases the database. If ctx expires first the
// worker is aborted and the remaining records are reported lost.
func (s *Store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.close(ctx)
	})
	return s.closeErr
}

func (s *Store) close(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	liveness := time.NewTicker(time.Second)
	defer liveness.Stop()

	var drainErr error
wait:
	for {
		select {
		case <-s.done:
			break wait
		case <-liveness.C:
			s.logger.Info("waiting for store worker to drain", "pending", s.Stats().Pending)
		case <-ctx.Done():
			close(s.abort)
			<-s.done
			drainErr = fmt.Errorf("eventstore: drain: %w", ctx.Err())
			break wait
		}
	}

	s.logger.Info("message store closed",
		"written", s.written.Load(),
		"failed", s.failed.Load(),
		"rejected", s.rejected.Load())

	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	s.dbClosed = true
	if s.closeDB != nil {
		if err := s.closeDB(); err != nil && drainErr == nil {
			return fmt.Errorf("eventstore: close db: %w", err)
		}
	}
	return drainErr
}
