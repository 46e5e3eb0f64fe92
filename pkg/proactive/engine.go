// Package proactive turns graph mutations and external events into
// probes and conversation starters. It only ever writes to the outbound
// queue; delivery gating lives there.
package proactive

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/memloom/memloom/pkg/config"
	"github.com/memloom/memloom/pkg/events"
	"github.com/memloom/memloom/pkg/graph"
	"github.com/memloom/memloom/pkg/llm"
	"github.com/memloom/memloom/pkg/types"
)

// Sink receives generated probes and starters. The outbound queue
// satisfies this.
type Sink interface {
	Propose(ctx context.Context, item types.OutboundItem) error
}

// Counters expose engine activity for the health endpoint.
type Counters struct {
	GapsDetected      atomic.Uint64
	ProbesGenerated   atomic.Uint64
	StartersGenerated atomic.Uint64
	StartersRejected  atomic.Uint64
}

// Engine generates proactive output.
type Engine struct {
	store    graph.Store
	large    llm.Client
	sink     Sink
	probing  config.ProbingConfig
	starters config.StarterConfig
	risk     config.RiskConfig
	logger   *slog.Logger
	now      func() time.Time

	Counters Counters
}

// New builds a proactive engine. The large client may be nil; probe and
// starter text then comes from templates.
func New(store graph.Store, large llm.Client, sink Sink, cfg *config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		large:    large,
		sink:     sink,
		probing:  cfg.Probing,
		starters: cfg.Starters,
		risk:     cfg.Risk,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Assess applies the configured risk model.
func (e *Engine) Assess(confidence float64, cost CostCategory) Action {
	return AssessRisk(e.risk, confidence, cost)
}

// BusHandler returns the handler to subscribe on the event bus: gap
// detection runs on node and edge additions.
func (e *Engine) BusHandler() events.Handler {
	return events.TypeFilter(
		events.GraphHandler(e.HandleGraphEvent),
		types.EventNodeAdded, types.EventEdgeAdded,
	)
}

// HandleGraphEvent inspects one mutation for newly opened knowledge
// gaps and enqueues probes for them. Errors are contained: a failed
// probe generation never fails the mutation path.
func (e *Engine) HandleGraphEvent(ctx context.Context, ev types.GraphEvent) error {
	gaps, err := e.detectGaps(ctx, ev)
	if err != nil {
		e.logger.Warn("gap detection failed", "event", string(ev.Type), "error", err)
		return nil
	}
	for _, g := range gaps {
		e.Counters.GapsDetected.Add(1)
		if err := e.proposeProbe(ctx, g, ev.CorrelationID); err != nil {
			e.logger.Warn("failed to enqueue probe", "person", g.person.Name, "error", err)
		}
	}
	return nil
}
