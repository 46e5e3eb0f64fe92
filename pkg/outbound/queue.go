// Package outbound implements the pull-based queue of probes and
// conversation starters. Items wait here until the agent reports a
// conversational moment they fit; the service never pushes content to
// end users itself.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/memloom/memloom/pkg/config"
	"github.com/memloom/memloom/pkg/types"
)

const (
	itemPrefix     = "out:"
	deliveryPrefix = "dlv:"

	// fit weights: shared topics dominate, entity overlap helps, fresh
	// items get a small edge.
	topicWeight   = 0.6
	entityWeight  = 0.3
	recencyWeight = 0.1

	// recencyHalfLifeHours halves an item's recency component weekly.
	recencyHalfLifeHours = 168

	// deflectPriorityFactor reduces priority after a deflection.
	deflectPriorityFactor = 0.5

	// deliveryRetention keeps delivery records long enough to enforce
	// the weekly gate.
	deliveryRetention = 8 * 24 * time.Hour
)

// ErrNotFound reports an unknown outbound item id.
var ErrNotFound = errors.New("outbound: item not found")

// Conversation describes the moment the agent is asking for items. The
// agent summarizes the live conversation; the queue scores fit against
// it.
type Conversation struct {
	SessionID string    `json:"session_id"`
	Turn      int       `json:"turn"`
	Topics    []string  `json:"topics,omitempty"`
	Entities  []string  `json:"entities,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// delivery is one persisted delivery record, used by the frequency
// gates.
type delivery struct {
	ItemID    string             `json:"item_id"`
	Kind      types.OutboundKind `json:"kind"`
	Subtype   string             `json:"subtype"`
	SessionID string             `json:"session_id"`
	At        time.Time          `json:"at"`
}

// Counters expose queue activity for the health endpoint.
type Counters struct {
	Proposed   atomic.Uint64
	Delivered  atomic.Uint64
	Accepted   atomic.Uint64
	Ignored    atomic.Uint64
	Deflected  atomic.Uint64
	Obsoleted  atomic.Uint64
	Suppressed atomic.Uint64
}

// Queue is the badger-backed outbound queue.
type Queue struct {
	db       *badger.DB
	probing  config.ProbingConfig
	starters config.StarterConfig
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex

	Counters Counters
}

// Open opens (or creates) the outbound queue. An empty dir selects an
// in-memory database for tests and ephemeral runs.
func Open(dir string, probing config.ProbingConfig, starters config.StarterConfig, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbound queue: %w", err)
	}
	return &Queue{
		db:       db,
		probing:  probing,
		starters: starters,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// SetClock overrides the time source for tests.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// Close closes the underlying database.
func (q *Queue) Close() error { return q.db.Close() }

// Propose enqueues a probe or starter. A missing id or state is filled
// in; duplicate correlation+subtype pairs collapse to the existing
// item.
func (q *Queue) Propose(ctx context.Context, item types.OutboundItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item.ID == "" {
		item.ID = types.NewOutboundID()
	}
	if item.State == "" || item.State == types.OutboundGenerated {
		item.State = types.OutboundQueued
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = q.now()
	}
	if err := item.Validate(); err != nil {
		return err
	}

	if item.CorrelationID != "" {
		existing, err := q.findByCorrelation(item.CorrelationID, item.Subtype)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
	}

	if err := q.putItem(item); err != nil {
		return err
	}
	q.Counters.Proposed.Add(1)
	return nil
}

// Eligible returns the items the agent may weave into the given
// conversation, best first, without consuming them. Probes are capped
// to the remaining per-conversation allowance; starters respect quiet
// hours and per-subtype daily limits. Expired items transition to
// obsoleted as a side effect. Retrieve is the consuming variant.
func (q *Queue) Eligible(ctx context.Context, conv Conversation) ([]types.OutboundItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.eligibleLocked(conv)
}

// Retrieve returns the eligible items of one kind and consumes them:
// each returned item leaves the queue as delivered and its delivery
// spends the frequency allowances, so an immediate second call cannot
// hand out the same item again.
func (q *Queue) Retrieve(ctx context.Context, conv Conversation, kind types.OutboundKind) ([]types.OutboundItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.eligibleLocked(conv)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, it := range items {
		if it.Kind != kind {
			continue
		}
		it.State = types.OutboundDelivered
		if err := q.putItem(it); err != nil {
			return nil, err
		}
		if err := q.recordDelivery(delivery{
			ItemID:    it.ID,
			Kind:      it.Kind,
			Subtype:   it.Subtype,
			SessionID: conv.SessionID,
			At:        q.now(),
		}); err != nil {
			return nil, err
		}
		q.Counters.Delivered.Add(1)
		out = append(out, it)
	}
	return out, nil
}

func (q *Queue) eligibleLocked(conv Conversation) ([]types.OutboundItem, error) {
	now := conv.Timestamp
	if now.IsZero() {
		now = q.now()
	}

	items, err := q.queuedItems()
	if err != nil {
		return nil, err
	}
	deliveries, err := q.recentDeliveries(now)
	if err != nil {
		return nil, err
	}

	var probes, starters []scored

	for _, it := range items {
		if it.Expired(now) {
			it.State = types.OutboundObsoleted
			if err := q.putItem(it); err != nil {
				return nil, err
			}
			q.Counters.Obsoleted.Add(1)
			continue
		}
		if !it.NotBefore.IsZero() && now.Before(it.NotBefore) {
			continue
		}
		if !it.CooldownUntil.IsZero() && now.Before(it.CooldownUntil) {
			continue
		}

		switch it.Kind {
		case types.OutboundProbe:
			minTurn := q.probing.MinTurn
			if it.MinTurn > minTurn {
				minTurn = it.MinTurn
			}
			if conv.Turn < minTurn {
				continue
			}
			fit := contextFit(it, conv, now)
			if fit < q.probing.MinContextFit {
				q.Counters.Suppressed.Add(1)
				continue
			}
			probes = append(probes, scored{it, fit})
		case types.OutboundStarter:
			if q.inQuietHours(now) && !(it.Subtype == types.SubtypeAlert && q.starters.AlertsOverrideQuiet) {
				q.Counters.Suppressed.Add(1)
				continue
			}
			if limit, ok := q.starters.PerSubtypeDaily[it.Subtype]; ok {
				if countDeliveries(deliveries, now, 24*time.Hour, func(d delivery) bool {
					return d.Kind == types.OutboundStarter && d.Subtype == it.Subtype
				}) >= limit {
					q.Counters.Suppressed.Add(1)
					continue
				}
			}
			starters = append(starters, scored{it, contextFit(it, conv, now)})
		}
	}

	probeAllowance := q.probeAllowance(deliveries, conv.SessionID, now)
	if len(probes) > probeAllowance {
		sortScored(probes)
		probes = probes[:probeAllowance]
	}

	all := append(probes, starters...)
	sortScored(all)
	out := make([]types.OutboundItem, 0, len(all))
	for _, s := range all {
		out = append(out, s.item)
	}
	return out, nil
}

// MarkDelivered records that the agent surfaced an item it obtained
// outside Retrieve (for example via Pending). Items Retrieve already
// delivered are left alone so the allowance is not spent twice.
func (q *Queue) MarkDelivered(ctx context.Context, id, sessionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, err := q.getItem(id)
	if err != nil {
		return err
	}
	if it.State == types.OutboundDelivered {
		return nil
	}
	it.State = types.OutboundDelivered
	if err := q.putItem(*it); err != nil {
		return err
	}
	if err := q.recordDelivery(delivery{
		ItemID:    id,
		Kind:      it.Kind,
		Subtype:   it.Subtype,
		SessionID: sessionID,
		At:        q.now(),
	}); err != nil {
		return err
	}
	q.Counters.Delivered.Add(1)
	return nil
}

// Resolve records the user's reaction to a delivered item. Accepted
// items leave the queue; ignored items cool down; deflected items cool
// down longer and drop in priority.
func (q *Queue) Resolve(ctx context.Context, id string, outcome types.OutboundState) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, err := q.getItem(id)
	if err != nil {
		return err
	}
	switch outcome {
	case types.OutboundAccepted:
		it.State = types.OutboundAccepted
		q.Counters.Accepted.Add(1)
	case types.OutboundIgnored:
		it.State = types.OutboundQueued
		it.CooldownUntil = q.now().Add(time.Duration(q.probing.IgnoreCooldownHours) * time.Hour)
		q.Counters.Ignored.Add(1)
	case types.OutboundDeflected:
		it.State = types.OutboundQueued
		it.CooldownUntil = q.now().Add(time.Duration(q.probing.DeflectCooldownHrs) * time.Hour)
		it.Priority *= deflectPriorityFactor
		q.Counters.Deflected.Add(1)
	default:
		return fmt.Errorf("outbound: invalid resolution %q", outcome)
	}
	return q.putItem(*it)
}

// Get returns one item by id.
func (q *Queue) Get(id string) (*types.OutboundItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.getItem(id)
}

// Pending returns all items still waiting for delivery.
func (q *Queue) Pending() ([]types.OutboundItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.queuedItems()
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

// contextFit scores how well an item matches the live conversation.
func contextFit(it types.OutboundItem, conv Conversation, now time.Time) float64 {
	age := now.Sub(it.CreatedAt)
	recency := math.Pow(0.5, age.Hours()/recencyHalfLifeHours)
	if recency > 1 {
		recency = 1
	}
	return topicWeight*jaccard(it.ContextTags, conv.Topics) +
		entityWeight*overlap(it.Entities, conv.Entities) +
		recencyWeight*recency
}

// jaccard is intersection over union of case-folded sets.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	as, bs := fold(a), fold(b)
	inter := 0
	for k := range as {
		if _, ok := bs[k]; ok {
			inter++
		}
	}
	union := len(as) + len(bs) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// overlap is the fraction of the item's entities present in the
// conversation.
func overlap(itemEntities, convEntities []string) float64 {
	if len(itemEntities) == 0 {
		return 0
	}
	cs := fold(convEntities)
	hit := 0
	for _, e := range itemEntities {
		if _, ok := cs[strings.ToLower(strings.TrimSpace(e))]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(itemEntities))
}

func fold(in []string) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for _, s := range in {
		out[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	return out
}

func (q *Queue) inQuietHours(now time.Time) bool {
	start, end := q.starters.QuietHourStart, q.starters.QuietHourEnd
	if start == end {
		return false
	}
	h := now.Hour()
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

func (q *Queue) probeAllowance(deliveries []delivery, sessionID string, now time.Time) int {
	inSession := 0
	for _, d := range deliveries {
		if d.Kind == types.OutboundProbe && d.SessionID == sessionID {
			inSession++
		}
	}
	perConv := q.probing.MaxPerConversation - inSession

	perDay := q.probing.MaxPerDay - countDeliveries(deliveries, now, 24*time.Hour, func(d delivery) bool {
		return d.Kind == types.OutboundProbe
	})
	perWeek := q.probing.MaxPerWeek - countDeliveries(deliveries, now, 7*24*time.Hour, func(d delivery) bool {
		return d.Kind == types.OutboundProbe
	})

	allowance := perConv
	if perDay < allowance {
		allowance = perDay
	}
	if perWeek < allowance {
		allowance = perWeek
	}
	if allowance < 0 {
		allowance = 0
	}
	return allowance
}

func countDeliveries(deliveries []delivery, now time.Time, window time.Duration, match func(delivery) bool) int {
	n := 0
	cutoff := now.Add(-window)
	for _, d := range deliveries {
		if d.At.After(cutoff) && match(d) {
			n++
		}
	}
	return n
}

type scored struct {
	item types.OutboundItem
	fit  float64
}

// sortScored orders best first: priority, then fit, then age.
func sortScored(s []scored) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].item.Priority != s[j].item.Priority {
			return s[i].item.Priority > s[j].item.Priority
		}
		if s[i].fit != s[j].fit {
			return s[i].fit > s[j].fit
		}
		return s[i].item.CreatedAt.Before(s[j].item.CreatedAt)
	})
}

func (q *Queue) queuedItems() ([]types.OutboundItem, error) {
	var out []types.OutboundItem
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.IteratorOptions{Prefix: []byte(itemPrefix)}
		iter := txn.NewIterator(opts)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			var it types.OutboundItem
			if err := iter.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &it)
			}); err != nil {
				return err
			}
			if it.State == types.OutboundQueued {
				out = append(out, it)
			}
		}
		return nil
	})
	return out, err
}

func (q *Queue) findByCorrelation(correlationID, subtype string) (*types.OutboundItem, error) {
	var found *types.OutboundItem
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.IteratorOptions{Prefix: []byte(itemPrefix)}
		iter := txn.NewIterator(opts)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			var it types.OutboundItem
			if err := iter.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &it)
			}); err != nil {
				return err
			}
			if it.CorrelationID == correlationID && it.Subtype == subtype && it.State == types.OutboundQueued {
				found = &it
				return nil
			}
		}
		return nil
	})
	return found, err
}

func (q *Queue) getItem(id string) (*types.OutboundItem, error) {
	var it types.OutboundItem
	err := q.db.View(func(txn *badger.Txn) error {
		entry, err := txn.Get([]byte(itemPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return entry.Value(func(v []byte) error {
			return json.Unmarshal(v, &it)
		})
	})
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (q *Queue) putItem(it types.OutboundItem) error {
	val, err := json.Marshal(it)
	if err != nil {
		return err
	}
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(itemPrefix+it.ID), val)
	})
}

func (q *Queue) recordDelivery(d delivery) error {
	val, err := json.Marshal(d)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%d:%s", deliveryPrefix, d.At.UnixNano(), d.ItemID)
	return q.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), val).WithTTL(deliveryRetention)
		return txn.SetEntry(entry)
	})
}

func (q *Queue) recentDeliveries(now time.Time) ([]delivery, error) {
	var out []delivery
	cutoff := now.Add(-deliveryRetention)
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.IteratorOptions{Prefix: []byte(deliveryPrefix)}
		iter := txn.NewIterator(opts)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			var d delivery
			if err := iter.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &d)
			}); err != nil {
				return err
			}
			if d.At.After(cutoff) {
				out = append(out, d)
			}
		}
		return nil
	})
	return out, err
}
