// Package queue implements the durable inbound queue of interaction
// events. Delivery is at-least-once: an event survives process restarts
// until its extraction attempt succeeds or it is dead-lettered. Events
// within a session process in turn order; sessions never block each
// other.
package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/memloom/memloom/pkg/config"
	"github.com/memloom/memloom/pkg/types"
)

const (
	itemPrefix = "inq:"
	seenPrefix = "seen:"
	deadPrefix = "dlq:"
)

// ErrDuplicate reports an interaction whose (session, turn) key was
// already accepted within the retention window. Replays are dropped,
// not errors the caller must handle beyond acknowledging.
var ErrDuplicate = errors.New("queue: duplicate interaction")

// Handler runs one extraction attempt. The context level tells the
// handler how much prior session context to assemble; retries shrink
// it so an oversized prompt cannot wedge the session.
type Handler func(ctx context.Context, ev types.InteractionEvent, level types.ContextLevel) error

// item is the stored queue record.
type item struct {
	Seq         uint64                 `json:"seq"`
	Event       types.InteractionEvent `json:"event"`
	EnqueuedAt  time.Time              `json:"enqueued_at"`
	Attempts    int                    `json:"attempts"`
	NextAttempt time.Time              `json:"next_attempt"`
	LastError   string                 `json:"last_error,omitempty"`
}

// DeadLetter is one dead-lettered interaction exposed for inspection.
type DeadLetter struct {
	Seq       uint64                 `json:"seq"`
	Event     types.InteractionEvent `json:"event"`
	Attempts  int                    `json:"attempts"`
	LastError string                 `json:"last_error"`
	FailedAt  time.Time              `json:"failed_at"`
}

// Counters expose queue activity for the health endpoint.
type Counters struct {
	Enqueued     atomic.Uint64
	Duplicates   atomic.Uint64
	Processed    atomic.Uint64
	Retried      atomic.Uint64
	DeadLettered atomic.Uint64
}

// Inbound is the badger-backed inbound queue.
type Inbound struct {
	db      *badger.DB
	seq     *badger.Sequence
	cfg     config.QueueConfig
	handler Handler
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex // serializes Tick

	Counters Counters
}

// Open opens (or creates) the inbound queue. An empty dir selects an
// in-memory database for tests and ephemeral runs.
func Open(dir string, cfg config.QueueConfig, handler Handler, logger *slog.Logger) (*Inbound, error) {
	if handler == nil {
		return nil, fmt.Errorf("queue: handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open inbound queue: %w", err)
	}
	seq, err := db.GetSequence([]byte("inq_seq"), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open queue sequence: %w", err)
	}
	return &Inbound{
		db:      db,
		seq:     seq,
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// SetClock overrides the time source for tests.
func (q *Inbound) SetClock(now func() time.Time) { q.now = now }

// Enqueue accepts one interaction. A (session, turn) pair already seen
// within the retention window returns ErrDuplicate and writes nothing.
func (q *Inbound) Enqueue(ctx context.Context, ev types.InteractionEvent) error {
	if err := ev.Validate(); err != nil {
		return types.NewFailure(types.FailureMalformedInput, "invalid interaction", err)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = q.now()
	}

	seq, err := q.seq.Next()
	if err != nil {
		return fmt.Errorf("queue sequence: %w", err)
	}
	it := item{
		Seq:         seq,
		Event:       ev,
		EnqueuedAt:  q.now(),
		NextAttempt: q.now(),
	}
	val, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}

	retention := time.Duration(q.cfg.RetentionHours) * time.Hour
	seenKey := []byte(seenPrefix + ev.IdempotencyKey())

	err = q.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(seenKey); err == nil {
			return ErrDuplicate
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		seen := badger.NewEntry(seenKey, nil)
		if retention > 0 {
			seen = seen.WithTTL(retention)
		}
		if err := txn.SetEntry(seen); err != nil {
			return err
		}
		return txn.Set(itemKey(ev.SessionID, seq), val)
	})
	if errors.Is(err, ErrDuplicate) {
		q.Counters.Duplicates.Add(1)
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("enqueue interaction: %w", err)
	}
	q.Counters.Enqueued.Add(1)
	return nil
}

// Run processes the queue until ctx is cancelled.
func (q *Inbound) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Tick(ctx); err != nil {
				q.logger.Error("inbound queue tick failed", "error", err)
			}
		}
	}
}

// Tick runs one processing pass: every due session head is attempted,
// in turn order, until the session drains or an attempt fails. Exposed
// so tests and the facade can drive the queue without the Run loop.
func (q *Inbound) Tick(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending, err := q.loadPending()
	if err != nil {
		return err
	}

	for _, session := range pending {
		for _, it := range session {
			if q.now().Before(it.NextAttempt) {
				break
			}
			if !q.attempt(ctx, it) {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	return nil
}

// attempt runs one extraction attempt and reports whether the session
// may continue this tick.
func (q *Inbound) attempt(ctx context.Context, it item) bool {
	level := contextLevelFor(it.Attempts)
	err := q.handler(ctx, it.Event, level)
	if err == nil {
		if derr := q.deleteItem(it); derr != nil {
			q.logger.Error("failed to remove processed item", "error", derr)
			return false
		}
		q.Counters.Processed.Add(1)
		return true
	}

	it.Attempts++
	it.LastError = err.Error()

	var failure *types.Failure
	malformed := errors.As(err, &failure) && failure.Kind == types.FailureMalformedInput
	if malformed || it.Attempts >= q.maxRetries() {
		if derr := q.deadLetter(it); derr != nil {
			q.logger.Error("failed to dead-letter item", "error", derr)
		} else {
			q.Counters.DeadLettered.Add(1)
			q.logger.Warn("interaction dead-lettered",
				"session", it.Event.SessionID,
				"turn", it.Event.Turn,
				"attempts", it.Attempts,
				"error", it.LastError)
		}
		return true
	}

	it.NextAttempt = q.now().Add(q.backoff(it.Attempts - 1))
	if uerr := q.updateItem(it); uerr != nil {
		q.logger.Error("failed to reschedule item", "error", uerr)
		return false
	}
	q.Counters.Retried.Add(1)
	q.logger.Warn("extraction attempt failed, retrying",
		"session", it.Event.SessionID,
		"turn", it.Event.Turn,
		"attempt", it.Attempts,
		"next_context", contextLevelFor(it.Attempts).String(),
		"error", it.LastError)
	return false
}

// Depth reports the number of queued items.
func (q *Inbound) Depth() (int, error) {
	n := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.IteratorOptions{Prefix: []byte(itemPrefix)}
		iter := txn.NewIterator(opts)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// DeadLetters returns all dead-lettered interactions grouped by
// session, oldest first within each session.
func (q *Inbound) DeadLetters() ([]DeadLetter, error) {
	var out []DeadLetter
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.IteratorOptions{Prefix: []byte(deadPrefix)}
		iter := txn.NewIterator(opts)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			var dl DeadLetter
			if err := iter.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &dl)
			}); err != nil {
				return err
			}
			out = append(out, dl)
		}
		return nil
	})
	return out, err
}

// Close releases the sequence and closes the database.
func (q *Inbound) Close() error {
	if err := q.seq.Release(); err != nil {
		q.logger.Warn("failed to release queue sequence", "error", err)
	}
	return q.db.Close()
}

// loadPending returns queued items grouped by session, each group in
// seq order.
func (q *Inbound) loadPending() ([][]item, error) {
	bySession := map[string][]item{}
	var order []string
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.IteratorOptions{Prefix: []byte(itemPrefix)}
		iter := txn.NewIterator(opts)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			var it item
			if err := iter.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &it)
			}); err != nil {
				return err
			}
			sid := it.Event.SessionID
			if _, ok := bySession[sid]; !ok {
				order = append(order, sid)
			}
			bySession[sid] = append(bySession[sid], it)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([][]item, 0, len(order))
	for _, sid := range order {
		out = append(out, bySession[sid])
	}
	return out, nil
}

func (q *Inbound) deleteItem(it item) error {
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(itemKey(it.Event.SessionID, it.Seq))
	})
}

func (q *Inbound) updateItem(it item) error {
	val, err := json.Marshal(it)
	if err != nil {
		return err
	}
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(itemKey(it.Event.SessionID, it.Seq), val)
	})
}

func (q *Inbound) deadLetter(it item) error {
	dl := DeadLetter{
		Seq:       it.Seq,
		Event:     it.Event,
		Attempts:  it.Attempts,
		LastError: it.LastError,
		FailedAt:  q.now(),
	}
	val, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	retention := time.Duration(q.cfg.RetentionHours) * time.Hour
	return q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(itemKey(it.Event.SessionID, it.Seq)); err != nil {
			return err
		}
		entry := badger.NewEntry(deadKey(it.Event.SessionID, it.Seq), val)
		if retention > 0 {
			entry = entry.WithTTL(retention)
		}
		return txn.SetEntry(entry)
	})
}

func (q *Inbound) maxRetries() int {
	if q.cfg.MaxRetries <= 0 {
		return 1
	}
	return q.cfg.MaxRetries
}

// backoff returns the delay after the given zero-based failed attempt.
// The schedule's last entry repeats past its end.
func (q *Inbound) backoff(attempt int) time.Duration {
	sched := q.cfg.BackoffSeconds
	if len(sched) == 0 {
		return time.Second
	}
	if attempt >= len(sched) {
		attempt = len(sched) - 1
	}
	return time.Duration(sched[attempt]) * time.Second
}

func contextLevelFor(attempts int) types.ContextLevel {
	switch attempts {
	case 0:
		return types.ContextFull
	case 1:
		return types.ContextHalf
	default:
		return types.ContextMinimal
	}
}

func itemKey(session string, seq uint64) []byte {
	return seqKey(itemPrefix, session, seq)
}

func deadKey(session string, seq uint64) []byte {
	return seqKey(deadPrefix, session, seq)
}

func seqKey(prefix, session string, seq uint64) []byte {
	key := make([]byte, 0, len(prefix)+len(session)+9)
	key = append(key, prefix...)
	key = append(key, session...)
	key = append(key, ':')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}
