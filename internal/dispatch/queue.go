// Package dispatch provides the single-consumer UI event queue.
//
// Any goroutine may Post; only the goroutine running Run invokes handlers,
// so state owned by handlers needs no further locking. Lossy kinds (beats,
// log echoes) are dropped when the backlog exceeds the high-water mark;
// everything else is always delivered.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind names an event category. It is also the "type" field of the JSON feed.
type Kind string

const (
	KindBeat       Kind = "beat"
	KindColor      Kind = "color"
	KindLamp       Kind = "lamp"
	KindRelay      Kind = "relay"
	KindLog        Kind = "log"
	KindConnection Kind = "connection"
	KindStatus     Kind = "status"
	KindButton     Kind = "button"
	KindDuration   Kind = "duration"
	KindLoopExit   Kind = "loop_exit"

	kindCall Kind = "call"
)

// ErrStopped is returned by Call once the queue has stopped.
var ErrStopped = errors.New("dispatch: queue stopped")

// Event is one queued UI notification.
type Event struct {
	Kind    Kind      `json:"type"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`

	call *call
}

type call struct {
	fn    func() error
	reply chan error
}

// Stats reports queue counters.
type Stats struct {
	Posted    uint64 `json:"posted"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Backlog   int    `json:"backlog"`
}

// Queue is a multi-producer, single-consumer event queue.
type Queue struct {
	interval  time.Duration
	highWater int
	logger    *slog.Logger

	mu       sync.Mutex
	pending  []Event
	stopped  bool
	handlers map[Kind][]func(Event)
	sinks    []func(Event)

	wake chan struct{}

	posted    atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// Option configures a Queue.
type Option func(*Queue)

// WithInterval sets the drain tick. Default 16ms.
func WithInterval(d time.Duration) Option {
	return func(q *Queue) { q.interval = d }
}

// WithHighWater sets the backlog above which lossy events are dropped. Default 4096.
func WithHighWater(n int) Option {
	return func(q *Queue) { q.highWater = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates a Queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		interval:  16 * time.Millisecond,
		highWater: 4096,
		logger:    slog.Default(),
		handlers:  make(map[Kind][]func(Event)),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "dispatch")
	return q
}

// Handle registers fn for events of kind k.
func (q *Queue) Handle(k Kind, fn func(Event)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[k] = append(q.handlers[k], fn)
}

// AddSink registers fn for every non-call event, after the kind handlers.
func (q *Queue) AddSink(fn func(Event)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sinks = append(q.sinks, fn)
}

func lossy(k Kind) bool {
	return k == KindBeat || k == KindLog || k == KindLamp
}

// Post queues an event. Never blocks. Safe from any goroutine.
func (q *Queue) Post(k Kind, payload any) {
	q.enqueue(Event{Kind: k, Payload: payload, At: time.Now()})
}

func (q *Queue) enqueue(ev Event) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.dropped.Add(1)
		return false
	}
	if lossy(ev.Kind) && len(q.pending) >= q.highWater {
		q.mu.Unlock()
		q.dropped.Add(1)
		return false
	}
	q.pending = append(q.pending, ev)
	q.mu.Unlock()

	q.posted.Add(1)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the consumer goroutine and returns its error.
func (q *Queue) Call(ctx context.Context, fn func() error) error {
	c := &call{fn: fn, reply: make(chan error, 1)}
	if !q.enqueue(Event{Kind: kindCall, At: time.Now(), call: c}) {
		return ErrStopped
	}
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue every tick until ctx is cancelled, then performs a
// final drain and stops accepting events.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.stop()
			return
		case <-ticker.C:
			q.Drain()
		case <-q.wake:
			q.Drain()
		}
	}
}

func (q *Queue) stop() {
	q.Drain()

	q.mu.Lock()
	q.stopped = true
	rest := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, ev := range rest {
		if ev.call != nil {
			ev.call.reply <- ErrStopped
		}
	}
	st := q.Stats()
	q.logger.Info("dispatch queue stopped", "delivered", st.Delivered, "dropped", st.Dropped)
}

// Drain delivers every queued event on the calling goroutine. Events posted
// by handlers during the drain are delivered in the same call.
func (q *Queue) Drain() int {
	n := 0
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		if len(batch) == 0 {
			return n
		}
		for _, ev := range batch {
			q.deliver(ev)
			n++
		}
	}
}

func (q *Queue) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("event handler panicked", "kind", ev.Kind, "panic", r)
			if ev.call != nil {
				ev.call.reply <- errors.New("dispatch: call panicked")
			}
		}
	}()

	if ev.call != nil {
		ev.call.reply <- ev.call.fn()
		q.delivered.Add(1)
		return
	}

	q.mu.Lock()
	handlers := q.handlers[ev.Kind]
	sinks := q.sinks
	q.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
	for _, s := range sinks {
		s(ev)
	}
	q.delivered.Add(1)
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	backlog := len(q.pending)
	q.mu.Unlock()
	return Stats{
		Posted:    q.posted.Load(),
		Delivered: q.delivered.Load(),
		Dropped:   q.dropped.Load(),
		Backlog:   backlog,
	}
}
