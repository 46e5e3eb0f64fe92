package outbound

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memloom/memloom/pkg/config"
	"github.com/memloom/memloom/pkg/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func openTestQueue(t *testing.T) (*Queue, *fakeClock) {
	t.Helper()
	cfg := config.Default()
	q, err := Open("", cfg.Probing, cfg.Starters, nil)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	// A mid-afternoon baseline, safely outside quiet hours.
	clock := &fakeClock{t: time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)}
	q.SetClock(clock.Now)
	return q, clock
}

func probe(payload string, tags, entities []string) types.OutboundItem {
	return types.OutboundItem{
		Kind:        types.OutboundProbe,
		Subtype:     types.SubtypeFactVerification,
		Priority:    0.5,
		ContextTags: tags,
		Entities:    entities,
		Payload:     payload,
	}
}

func starter(payload, subtype string) types.OutboundItem {
	return types.OutboundItem{
		Kind:     types.OutboundStarter,
		Subtype:  subtype,
		Priority: 0.5,
		Payload:  payload,
	}
}

func conv(clock *fakeClock, turn int, topics, entities []string) Conversation {
	return Conversation{
		SessionID: "s1",
		Turn:      turn,
		Topics:    topics,
		Entities:  entities,
		Timestamp: clock.Now(),
	}
}

func TestContextFitScoring(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	it := types.OutboundItem{
		ContextTags: []string{"wine", "food"},
		Entities:    []string{"Malbec"},
		CreatedAt:   now,
	}
	c := Conversation{Topics: []string{"wine"}, Entities: []string{"malbec"}}

	// jaccard 1/2 gives 0.30, full entity overlap 0.30, fresh item 0.10.
	assert.InDelta(t, 0.70, contextFit(it, c, now), 1e-9)

	// A week later the recency component has halved.
	assert.InDelta(t, 0.65, contextFit(it, c, now.Add(168*time.Hour)), 1e-9)

	// No shared context leaves only recency.
	assert.InDelta(t, 0.10, contextFit(it, Conversation{}, now), 1e-9)
}

func TestProposeDedupesByCorrelation(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	it := probe("Still at Acme?", []string{"work"}, []string{"Acme"})
	it.CorrelationID = "s1:4"
	require.NoError(t, q.Propose(ctx, it))
	require.NoError(t, q.Propose(ctx, it))

	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.NotEmpty(t, pending[0].ID)
	assert.Equal(t, types.OutboundQueued, pending[0].State)
	assert.Equal(t, uint64(1), q.Counters.Proposed.Load())
}

func TestEligibleRespectsMinTurn(t *testing.T) {
	q, clock := openTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Propose(ctx, probe("q", []string{"wine"}, nil)))

	early, err := q.Eligible(ctx, conv(clock, 2, []string{"wine"}, nil))
	require.NoError(t, err)
	assert.Empty(t, early)

	ready, err := q.Eligible(ctx, conv(clock, 3, []string{"wine"}, nil))
	require.NoError(t, err)
	assert.Len(t, ready, 1)
}

func TestEligibleSuppressesPoorFit(t *testing.T) {
	q, clock := openTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Propose(ctx, probe("q", []string{"gardening"}, []string{"roses"})))

	got, err := q.Eligible(ctx, conv(clock, 5, []string{"kubernetes"}, []string{"prod cluster"}))
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, uint64(1), q.Counters.Suppressed.Load())
}

func TestConversationCap(t *testing.T) {
	q, clock := openTestQueue(t)
	ctx := context.Background()

	low := probe("low", []string{"wine"}, nil)
	low.Priority = 0.3
	high := probe("high", []string{"wine"}, nil)
	high.Priority = 0.9
	require.NoError(t, q.Propose(ctx, low))
	require.NoError(t, q.Propose(ctx, high))

	got, err := q.Eligible(ctx, conv(clock, 5, []string{"wine"}, nil))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "high", got[0].Payload)

	require.NoError(t, q.MarkDelivered(ctx, got[0].ID, "s1"))

	// The per-conversation allowance is spent.
	got, err = q.Eligible(ctx, conv(clock, 6, []string{"wine"}, nil))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieveConsumesProbe(t *testing.T) {
	q, clock := openTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Propose(ctx, probe("Still at Acme?", []string{"work"}, nil)))

	got, err := q.Retrieve(ctx, conv(clock, 5, []string{"work"}, nil), types.OutboundProbe)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.OutboundDelivered, got[0].State)
	assert.Equal(t, uint64(1), q.Counters.Delivered.Load())

	// The item left the queue and the conversation allowance is spent.
	again, err := q.Retrieve(ctx, conv(clock, 6, []string{"work"}, nil), types.OutboundProbe)
	require.NoError(t, err)
	assert.Empty(t, again)

	stored, err := q.Get(got[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.OutboundDelivered, stored.State)
}

func TestRetrieveOnlyConsumesRequestedKind(t *testing.T) {
	q, clock := openTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Propose(ctx, probe("q", []string{"wine"}, nil)))
	require.NoError(t, q.Propose(ctx, starter("new jazz release", types.SubtypeOpportunity)))

	got, err := q.Retrieve(ctx, conv(clock, 5, []string{"wine"}, nil), types.OutboundStarter)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.OutboundStarter, got[0].Kind)

	// The probe was not consumed by the starter retrieval.
	probes, err := q.Retrieve(ctx, conv(clock, 5, []string{"wine"}, nil), types.OutboundProbe)
	require.NoError(t, err)
	require.Len(t, probes, 1)
	assert.Equal(t, "q", probes[0].Payload)
}

func TestMarkDeliveredAfterRetrieveSpendsNothing(t *testing.T) {
	q, clock := openTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Propose(ctx, probe("q", []string{"wine"}, nil)))
	got, err := q.Retrieve(ctx, conv(clock, 5, []string{"wine"}, nil), types.OutboundProbe)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, q.MarkDelivered(ctx, got[0].ID, "s1"))
	assert.Equal(t, uint64(1), q.Counters.Delivered.Load())
}

func TestIgnoreCooldown(t *testing.T) {
	q, clock := openTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Propose(ctx, probe("q", []string{"wine"}, nil)))
	got, err := q.Eligible(ctx, conv(clock, 5, []string{"wine"}, nil))
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, q.MarkDelivered(ctx, got[0].ID, "s1"))
	require.NoError(t, q.Resolve(ctx, got[0].ID, types.OutboundIgnored))

	clock.Advance(2 * time.Hour)
	cooled, err := q.Eligible(ctx, conv(clock, 5, []string{"wine"}, nil))
	require.NoError(t, err)
	assert.Empty(t, cooled)

	// Past the 24h cooldown, in a fresh conversation, it returns.
	clock.Advance(23 * time.Hour)
	c := conv(clock, 5, []string{"wine"}, nil)
	c.SessionID = "s2"
	back, err := q.Eligible(ctx, c)
	require.NoError(t, err)
	assert.Len(t, back, 1)
}

func TestDeflectReducesPriorityAndCoolsLonger(t *testing.T) {
	q, clock := openTestQueue(t)
	ctx := context.Background()

	it := probe("q", []string{"wine"}, nil)
	it.Priority = 0.8
	require.NoError(t, q.Propose(ctx, it))
	got, err := q.Eligible(ctx, conv(clock, 5, []string{"wine"}, nil))
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, q.MarkDelivered(ctx, got[0].ID, "s1"))
	require.NoError(t, q.Resolve(ctx, got[0].ID, types.OutboundDeflected))

	stored, err := q.Get(got[0].ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, stored.Priority, 1e-9)
	assert.True(t, stored.CooldownUntil.Equal(clock.Now().Add(96*time.Hour)))

	clock.Advance(48 * time.Hour)
	c := conv(clock, 5, []string{"wine"}, nil)
	c.SessionID = "s2"
	cooled, err := q.Eligible(ctx, c)
	require.NoError(t, err)
	assert.Empty(t, cooled)
}

func TestExpiredItemObsoleted(t *testing.T) {
	q, clock := openTestQueue(t)
	ctx := context.Background()

	it := probe("stale", []string{"wine"}, nil)
	it.NotAfter = clock.Now().Add(-time.Hour)
	require.NoError(t, q.Propose(ctx, it))

	got, err := q.Eligible(ctx, conv(clock, 5, []string{"wine"}, nil))
	require.NoError(t, err)
	assert.Empty(t, got)

	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, uint64(1), q.Counters.Obsoleted.Load())
}

func TestQuietHoursSuppressStartersExceptAlerts(t *testing.T) {
	q, clock := openTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Propose(ctx, starter("rain tomorrow", types.SubtypeAlert)))
	require.NoError(t, q.Propose(ctx, starter("new jazz release", types.SubtypeOpportunity)))

	// 23:00 is inside the 22-8 quiet window.
	clock.Advance(8 * time.Hour)
	got, err := q.Eligible(ctx, conv(clock, 1, nil, nil))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.SubtypeAlert, got[0].Subtype)

	// Morning: both flow.
	clock.Advance(11 * time.Hour)
	got, err = q.Eligible(ctx, conv(clock, 1, nil, nil))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestStarterDailySubtypeLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Starters.PerSubtypeDaily = map[string]int{types.SubtypeInsight: 1}
	q, err := Open("", cfg.Probing, cfg.Starters, nil)
	require.NoError(t, err)
	defer q.Close()
	clock := &fakeClock{t: time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)}
	q.SetClock(clock.Now)
	ctx := context.Background()

	require.NoError(t, q.Propose(ctx, starter("first", types.SubtypeInsight)))
	require.NoError(t, q.Propose(ctx, starter("second", types.SubtypeInsight)))

	got, err := q.Eligible(ctx, conv(clock, 1, nil, nil))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.NoError(t, q.MarkDelivered(ctx, got[0].ID, "s1"))

	// The daily allowance for insights is spent.
	got, err = q.Eligible(ctx, conv(clock, 2, nil, nil))
	require.NoError(t, err)
	assert.Empty(t, got)

	clock.Advance(25 * time.Hour)
	got, err = q.Eligible(ctx, conv(clock, 2, nil, nil))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
