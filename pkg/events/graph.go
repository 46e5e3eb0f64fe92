package events

import (
	"context"

	"github.com/memloom/memloom/pkg/types"
)

// Emit satisfies the graph store's emitter hook so a Bus can be wired
// directly into a store.
func (b *Bus) Emit(ev types.GraphEvent) { b.Publish(ev) }

// GraphHandler adapts a typed graph-event handler to the bus handler
// signature. Non-graph events are ignored.
func GraphHandler(fn func(ctx context.Context, ev types.GraphEvent) error) Handler {
	return func(ctx context.Context, ev Event) error {
		ge, ok := ev.(types.GraphEvent)
		if !ok {
			return nil
		}
		return fn(ctx, ge)
	}
}

// TypeFilter wraps a handler so it only sees the listed event types.
func TypeFilter(handler Handler, wanted ...types.EventType) Handler {
	set := make(map[types.EventType]struct{}, len(wanted))
	for _, t := range wanted {
		set[t] = struct{}{}
	}
	return func(ctx context.Context, ev Event) error {
		if ge, ok := ev.(types.GraphEvent); ok {
			if _, want := set[ge.Type]; !want {
				return nil
			}
		}
		return handler(ctx, ev)
	}
}
