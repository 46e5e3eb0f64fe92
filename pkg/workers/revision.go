package workers

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/memloom/memloom/pkg/confidence"
	"github.com/memloom/memloom/pkg/graph"
	"github.com/memloom/memloom/pkg/types"
)

// reasonRefuted marks edges retracted because an external verifier
// contradicted them.
const reasonRefuted = "verifier_refuted"

// Verdict is a verifier's answer about one stale edge.
type Verdict string

const (
	VerdictConfirmed Verdict = "confirmed"
	VerdictRefuted   Verdict = "refuted"
	VerdictUnknown   Verdict = "unknown"
)

// Verifier is the external fact-checking capability. Implementations
// may consult the user, a search surface, or another agent; unknown is
// always a safe answer.
type Verifier interface {
	Verify(ctx context.Context, edge *types.Edge, source, target *types.Node) (Verdict, error)
}

// Revision re-examines edges that have not been reinforced within the
// TTL, budget-bounded per cycle, oldest first.
type Revision struct {
	store    graph.Store
	conf     *confidence.Engine
	verifier Verifier
	budget   int
	ttl      time.Duration
	clock    Clock
	logger   *slog.Logger
}

// RevisionStats summarizes one revision pass.
type RevisionStats struct {
	Examined  int `json:"examined"`
	Confirmed int `json:"confirmed"`
	Refuted   int `json:"refuted"`
	Unknown   int `json:"unknown"`
}

// NewRevision builds the revision cycle.
func NewRevision(store graph.Store, conf *confidence.Engine, verifier Verifier, budget, ttlDays int, clock Clock, logger *slog.Logger) *Revision {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Revision{
		store:    store,
		conf:     conf,
		verifier: verifier,
		budget:   budget,
		ttl:      time.Duration(ttlDays) * 24 * time.Hour,
		clock:    clock,
		logger:   logger,
	}
}

func (w *Revision) Name() string { return "revision" }

// RunOnce satisfies Cycle.
func (w *Revision) RunOnce(ctx context.Context) error {
	_, err := w.Run(ctx)
	return err
}

// Run executes one revision pass.
func (w *Revision) Run(ctx context.Context) (RevisionStats, error) {
	var stats RevisionStats
	if w.verifier == nil {
		return stats, nil
	}

	edges, err := w.store.Edges(ctx, graph.EdgeFilter{})
	if err != nil {
		return stats, err
	}
	now := w.clock.Now()
	cutoff := now.Add(-w.ttl)

	var stale []*types.Edge
	for _, ed := range edges {
		if ed.LastReinforced.Before(cutoff) {
			stale = append(stale, ed)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].LastReinforced.Before(stale[j].LastReinforced)
	})
	if w.budget > 0 && len(stale) > w.budget {
		stale = stale[:w.budget]
	}

	correlationID := "revision:" + now.Format("2006-01-02")
	for _, ed := range stale {
		source, err := w.store.GetNode(ctx, ed.SourceID)
		if err != nil {
			return stats, err
		}
		target, err := w.store.GetNode(ctx, ed.TargetID)
		if err != nil {
			return stats, err
		}

		verdict, err := w.verifier.Verify(ctx, ed, source, target)
		if err != nil {
			w.logger.Warn("verifier unavailable, skipping revision cycle", "error", err)
			return stats, nil
		}
		stats.Examined++

		switch verdict {
		case VerdictConfirmed:
			if _, err := w.store.ReinforceEdge(ctx, ed.ID, w.conf.Reinforce(ed.Confidence), "", correlationID); err != nil {
				return stats, err
			}
			stats.Confirmed++
		case VerdictRefuted:
			if err := w.store.RetractEdge(ctx, ed.ID, reasonRefuted, correlationID); err != nil {
				return stats, err
			}
			stats.Refuted++
		default:
			stats.Unknown++
		}
	}

	w.logger.Info("revision cycle",
		"examined", stats.Examined, "confirmed", stats.Confirmed,
		"refuted", stats.Refuted, "unknown", stats.Unknown)
	return stats, nil
}
