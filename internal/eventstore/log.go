package eventstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/vmihailenco/msgpack/v5"

	pebblestore "github.com/e7canasta/beatlamp/internal/storage/pebble"
	"github.com/e7canasta/beatlamp/internal/types"
)

// Log is the append-only message table. IDs are assigned on insert and
// persisted in the meta key so they keep increasing across restarts.
type Log struct {
	db *pebblestore.DB

	mu     sync.Mutex
	lastID uint64
}

// OpenLog loads the last assigned id from metadata (if any).
func OpenLog(db *pebblestore.DB) (*Log, error) {
	l := &Log{db: db}
	meta, err := db.Get(keyMeta)
	switch {
	case err == nil:
		if len(meta) >= 8 {
			l.lastID = binary.BigEndian.Uint64(meta[:8])
		}
	case errors.Is(err, pebble.ErrNotFound):
	default:
		return nil, fmt.Errorf("eventstore: load meta: %w", err)
	}
	return l, nil
}

// LastID returns the highest id written so far.
func (l *Log) LastID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastID
}

// Append writes one record and its meta update in a single batch.
func (l *Log) Append(topic, payload string, ts time.Time) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.lastID + 1
	val, err := msgpack.Marshal(&types.StoredMessageRecord{
		ID:        id,
		Topic:     topic,
		Payload:   payload,
		Timestamp: ts.UTC(),
	})
	if err != nil {
		return 0, err
	}

	b := l.db.NewBatch()
	defer b.Close()

	if err := b.Set(keyEntry(id), val, nil); err != nil {
		return 0, err
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], id)
	if err := b.Set(keyMeta, meta[:], nil); err != nil {
		return 0, err
	}
	if err := l.db.CommitBatch(b); err != nil {
		return 0, err
	}

	l.lastID = id
	return id, nil
}

// ListOptions selects records for List.
type ListOptions struct {
	AfterID uint64 // exclusive
	Limit   int    // 0 = unlimited
	Filter  string // CEL expression over id, topic, payload, ts_ms
}

// List returns records in id order.
func (l *Log) List(opts ListOptions) ([]types.StoredMessageRecord, error) {
	f, err := newFilter(opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadFilter, err)
	}

	it, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: keyEntry(opts.AfterID + 1),
		UpperBound: entryUpperBound(),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []types.StoredMessageRecord
	for ok := it.First(); ok; ok = it.Next() {
		if _, valid := idFromKey(it.Key()); !valid {
			continue
		}
		var rec types.StoredMessageRecord
		if err := msgpack.Unmarshal(it.Value(), &rec); err != nil {
			return out, fmt.Errorf("eventstore: decode %x: %w", it.Key(), err)
		}
		if !f.Eval(rec) {
			continue
		}
		out = append(out, rec)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, it.Error()
}
