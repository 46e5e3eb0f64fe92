// Package audit implements the append-only decision log. Every graph
// mutation, lifecycle transition, and proactive decision writes one
// entry; entries are never updated or deleted. Deletion of user data is
// itself audited, but those records carry metadata only, never the
// deleted payload.
package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const keyPrefix = "audit:"

// Operation is the mutation class recorded on an entry.
type Operation string

const (
	OpInsert    Operation = "INSERT"
	OpReinforce Operation = "REINFORCE"
	OpContradic Operation = "CONTRADICT"
	OpRevise    Operation = "REVISE"
	OpRetract   Operation = "RETRACT"
	OpArchive   Operation = "ARCHIVE"
	OpMerge     Operation = "MERGE"
	OpSkip      Operation = "SKIP"
	OpDelete    Operation = "DELETE"
	OpDecision  Operation = "DECISION"
)

// Entry is one audit record. Old/New hold serialized values; for DELETE
// operations both stay empty.
type Entry struct {
	Seq              uint64    `json:"seq"`
	Timestamp        time.Time `json:"timestamp"`
	CorrelationID    string    `json:"correlation_id,omitempty"`
	EventKind        string    `json:"event_kind"`
	Component        string    `json:"component"`
	Operation        Operation `json:"operation"`
	NodeID           string    `json:"node_id,omitempty"`
	EdgeID           string    `json:"edge_id,omitempty"`
	Old              string    `json:"old,omitempty"`
	New              string    `json:"new,omitempty"`
	ConfidenceBefore float64   `json:"confidence_before,omitempty"`
	ConfidenceAfter  float64   `json:"confidence_after,omitempty"`
	Mechanism        string    `json:"mechanism,omitempty"`
	SessionID        string    `json:"session_id,omitempty"`
	Reasoning        string    `json:"reasoning,omitempty"`
}

// Log is the badger-backed append-only audit log.
type Log struct {
	db     *badger.DB
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	seq uint64
}

// Open opens (or creates) an audit log. An empty dir selects an
// in-memory database for tests and ephemeral runs.
func Open(dir string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	l := &Log{db: db, logger: logger, now: time.Now}
	if err := l.loadSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) loadSeq() error {
	return l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Reverse: true, Prefix: []byte(keyPrefix)})
		defer it.Close()
		// Seek past the prefix range to land on the highest key.
		it.Seek([]byte(keyPrefix + "\xff\xff\xff\xff\xff\xff\xff\xff\xff"))
		if it.ValidForPrefix([]byte(keyPrefix)) {
			key := it.Item().Key()
			l.seq = binary.BigEndian.Uint64(key[len(keyPrefix):])
		}
		return nil
	})
}

// Record appends one entry, assigning the next monotonic sequence
// number and a timestamp when unset.
func (l *Log) Record(ctx context.Context, entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	entry.Seq = l.seq
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	if entry.Operation == OpDelete {
		// Deletion records never carry payloads.
		entry.Old = ""
		entry.New = ""
	}

	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize audit entry: %w", err)
	}
	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(seqKey(entry.Seq), value)
	})
	if err != nil {
		l.logger.Error("audit.append_failed", "seq", entry.Seq, "error", err)
		return err
	}
	l.logger.Debug("audit.append",
		"seq", entry.Seq,
		"operation", string(entry.Operation),
		"component", entry.Component,
		"correlation_id", entry.CorrelationID)
	return nil
}

// Filter narrows Scan results. Zero values match everything.
type Filter struct {
	CorrelationID string
	Component     string
	Operation     Operation
	SinceSeq      uint64
	Limit         int
}

// Scan returns entries in sequence order matching the filter.
func (l *Log) Scan(ctx context.Context, f Filter) ([]Entry, error) {
	var out []Entry
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(keyPrefix), PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Seek(seqKey(f.SinceSeq)); it.ValidForPrefix([]byte(keyPrefix)); it.Next() {
			var entry Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return err
			}
			if f.CorrelationID != "" && entry.CorrelationID != f.CorrelationID {
				continue
			}
			if f.Component != "" && entry.Component != f.Component {
				continue
			}
			if f.Operation != "" && entry.Operation != f.Operation {
				continue
			}
			out = append(out, entry)
			if f.Limit > 0 && len(out) >= f.Limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// LastSeq returns the highest assigned sequence number.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Close flushes and closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, len(keyPrefix)+8)
	copy(key, keyPrefix)
	binary.BigEndian.PutUint64(key[len(keyPrefix):], seq)
	return key
}

// MarshalValue serializes a value for the Old/New entry fields.
func MarshalValue(v any) string {
	if v == nil {
		return ""
	}
	blob, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(blob)
}
