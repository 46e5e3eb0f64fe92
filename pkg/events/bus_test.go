package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/memloom/memloom/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// collector records delivered events in order.
type collector struct {
	mu     sync.Mutex
	events []types.GraphEvent
}

func (c *collector) handler(ctx context.Context, ev Event) error {
	ge, ok := ev.(types.GraphEvent)
	if !ok {
		return nil
	}
	c.mu.Lock()
	c.events = append(c.events, ge)
	c.mu.Unlock()
	return nil
}

func (c *collector) snapshot() []types.GraphEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.GraphEvent(nil), c.events...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestOrderedDelivery(t *testing.T) {
	bus := NewBus(0, nil)
	defer bus.Close()

	c := &collector{}
	bus.Subscribe("collector", c.handler)

	for i := 0; i < 50; i++ {
		bus.Publish(types.GraphEvent{Type: types.EventEdgeAdded, EdgeID: string(rune('a' + i%26))})
	}
	waitFor(t, func() bool { return len(c.snapshot()) == 50 })

	got := c.snapshot()
	for i, ev := range got {
		assert.Equal(t, string(rune('a'+i%26)), ev.EdgeID)
	}
}

func TestDuplicateSubscribeIsNoOp(t *testing.T) {
	bus := NewBus(0, nil)
	defer bus.Close()

	c1 := &collector{}
	c2 := &collector{}
	bus.Subscribe("dup", c1.handler)
	bus.Subscribe("dup", c2.handler)

	bus.Publish(types.GraphEvent{Type: types.EventNodeAdded})
	waitFor(t, func() bool { return len(c1.snapshot()) == 1 })
	assert.Empty(t, c2.snapshot())
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus(0, nil)
	defer bus.Close()

	c := &collector{}
	bus.Subscribe("once", c.handler)
	bus.Unsubscribe("once")
	bus.Unsubscribe("once")
	bus.Unsubscribe("never-registered")

	bus.Publish(types.GraphEvent{Type: types.EventNodeAdded})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.snapshot())
}

func TestBackPressureDropsOldestNonCritical(t *testing.T) {
	bus := NewBus(4, nil)
	defer bus.Close()

	release := make(chan struct{})
	c := &collector{}
	started := make(chan struct{})
	var once sync.Once
	bus.Subscribe("slow", func(ctx context.Context, ev Event) error {
		once.Do(func() { close(started) })
		<-release
		return c.handler(ctx, ev)
	})

	// First event occupies the handler; the queue then fills.
	bus.Publish(types.GraphEvent{Type: types.EventNodeUpdated, NodeID: "warmup"})
	<-started

	for i := 0; i < 4; i++ {
		bus.Publish(types.GraphEvent{Type: types.EventNodeUpdated, NodeID: "expendable"})
	}
	// Overflow: a non-critical event must be evicted, never the
	// critical retraction.
	bus.Publish(types.GraphEvent{Type: types.EventEdgeRetracted, EdgeID: "keep"})
	bus.Publish(types.GraphEvent{Type: types.EventNodeUpdated, NodeID: "late"})

	close(release)
	waitFor(t, func() bool { return bus.Counters().Dropped >= 1 })
	waitFor(t, func() bool {
		for _, ev := range c.snapshot() {
			if ev.Type == types.EventEdgeRetracted {
				return true
			}
		}
		return false
	})
	assert.GreaterOrEqual(t, bus.Counters().Dropped, uint64(1))
}

func TestHandlerErrorsCounted(t *testing.T) {
	bus := NewBus(0, nil)
	defer bus.Close()

	bus.Subscribe("failing", func(ctx context.Context, ev Event) error {
		return errors.New("boom")
	})
	bus.Publish(types.GraphEvent{Type: types.EventNodeAdded})

	waitFor(t, func() bool { return bus.Counters().HandlerErrors == 1 })
	counters := bus.Counters()
	assert.Equal(t, uint64(1), counters.Published)
	assert.Equal(t, uint64(1), counters.Delivered)
}

func TestSlowHandlerDeadlineConfigurable(t *testing.T) {
	bus := NewBus(0, nil)
	defer bus.Close()
	bus.SetSlowHandlerDeadline(time.Millisecond)

	bus.Subscribe("sluggish", func(ctx context.Context, ev Event) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	bus.Publish(types.GraphEvent{Type: types.EventNodeAdded})

	waitFor(t, func() bool { return bus.Counters().SlowHandlers == 1 })
	assert.Equal(t, uint64(1), bus.Counters().Delivered)
}

func TestSlowHandlerDefaultDeadlineNotTripped(t *testing.T) {
	bus := NewBus(0, nil)
	defer bus.Close()

	c := &collector{}
	bus.Subscribe("prompt", c.handler)
	bus.Publish(types.GraphEvent{Type: types.EventNodeAdded})

	waitFor(t, func() bool { return bus.Counters().Delivered == 1 })
	assert.Zero(t, bus.Counters().SlowHandlers)
}

func TestTypeFilter(t *testing.T) {
	bus := NewBus(0, nil)
	defer bus.Close()

	c := &collector{}
	bus.Subscribe("filtered", TypeFilter(c.handler, types.EventEdgeRetracted))

	bus.Publish(types.GraphEvent{Type: types.EventNodeAdded})
	bus.Publish(types.GraphEvent{Type: types.EventEdgeRetracted, EdgeID: "e_1"})

	waitFor(t, func() bool { return bus.Counters().Delivered == 2 })
	got := c.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "e_1", got[0].EdgeID)
}

func TestCloseStopsDispatchers(t *testing.T) {
	bus := NewBus(0, nil)
	c := &collector{}
	bus.Subscribe("a", c.handler)
	bus.Subscribe("b", c.handler)
	bus.Publish(types.GraphEvent{Type: types.EventNodeAdded})
	bus.Close()

	// Publishing after close is a silent no-op.
	bus.Publish(types.GraphEvent{Type: types.EventNodeAdded})
	bus.Subscribe("late", c.handler)
}
