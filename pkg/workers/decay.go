package workers

import (
	"context"
	"log/slog"

	"github.com/memloom/memloom/pkg/confidence"
	"github.com/memloom/memloom/pkg/graph"
)

// Decay ages every active edge and archives the ones that drop below
// the archive threshold. Trait edges sit out while trait decay
// protection is on; the grace period is handled by the confidence
// engine.
type Decay struct {
	store  graph.Store
	conf   *confidence.Engine
	clock  Clock
	logger *slog.Logger
}

// DecayStats summarizes one decay pass.
type DecayStats struct {
	Examined int `json:"examined"`
	Decayed  int `json:"decayed"`
	Archived int `json:"archived"`
}

// NewDecay builds the decay cycle.
func NewDecay(store graph.Store, conf *confidence.Engine, clock Clock, logger *slog.Logger) *Decay {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Decay{store: store, conf: conf, clock: clock, logger: logger}
}

func (w *Decay) Name() string { return "decay" }

// RunOnce satisfies Cycle.
func (w *Decay) RunOnce(ctx context.Context) error {
	_, err := w.Run(ctx)
	return err
}

// Run executes one decay pass and reports what it touched.
func (w *Decay) Run(ctx context.Context) (DecayStats, error) {
	var stats DecayStats
	edges, err := w.store.Edges(ctx, graph.EdgeFilter{})
	if err != nil {
		return stats, err
	}
	now := w.clock.Now()

	for _, ed := range edges {
		stats.Examined++

		rate := ed.DecayRate
		if rate <= 0 {
			rate = w.conf.DecayRate(ed.Temporal)
		}
		decayed := w.conf.Decay(ed.Confidence, rate, now.Sub(ed.LastReinforced), ed.Temporal)
		if decayed == ed.Confidence {
			continue
		}

		correlationID := "decay:" + now.Format("2006-01-02")
		if err := w.store.SetEdgeConfidence(ctx, ed.ID, decayed, correlationID); err != nil {
			return stats, err
		}
		stats.Decayed++

		if w.conf.ShouldArchive(decayed) {
			if err := w.store.ArchiveEdge(ctx, ed.ID, correlationID); err != nil {
				return stats, err
			}
			stats.Archived++
		}
	}

	w.logger.Info("decay cycle",
		"examined", stats.Examined, "decayed", stats.Decayed, "archived", stats.Archived)
	return stats, nil
}
