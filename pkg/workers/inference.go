package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memloom/memloom/pkg/confidence"
	"github.com/memloom/memloom/pkg/diff"
	"github.com/memloom/memloom/pkg/extraction"
	"github.com/memloom/memloom/pkg/graph"
	"github.com/memloom/memloom/pkg/llm"
	"github.com/memloom/memloom/pkg/types"
)

const inferenceSystemPrompt = `You look for relations implied but not stated by chains of known facts.
Only infer what the chains strongly support. Return a JSON object; an empty list is a fine answer.`

const inferenceSchemaHint = `{"inferred": [{"source": "string", "relation": "snake_case", "target": "string", "temporal": "trait|state|wish|episode"}]}`

// Differ applies proposals through the diff engine so inferred facts
// follow the same classification and audit path as extracted ones.
type Differ interface {
	Apply(ctx context.Context, p *diff.Proposal) (*diff.Result, error)
}

// Inference walks two-hop chains nightly and asks the large tier which
// implied relations they support, capped per cycle.
type Inference struct {
	store  graph.Store
	large  llm.Client
	differ Differ
	conf   *confidence.Engine
	cap    int
	clock  Clock
	logger *slog.Logger
}

// InferenceStats summarizes one inference pass.
type InferenceStats struct {
	Chains   int `json:"chains"`
	Proposed int `json:"proposed"`
	Applied  int `json:"applied"`
	Skipped  bool `json:"skipped,omitempty"`
}

// NewInference builds the inference cycle.
func NewInference(store graph.Store, large llm.Client, differ Differ, conf *confidence.Engine, cap int, clock Clock, logger *slog.Logger) *Inference {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Inference{
		store:  store,
		large:  large,
		differ: differ,
		conf:   conf,
		cap:    cap,
		clock:  clock,
		logger: logger,
	}
}

func (w *Inference) Name() string { return "inference" }

// RunOnce satisfies Cycle.
func (w *Inference) RunOnce(ctx context.Context) error {
	_, err := w.Run(ctx)
	return err
}

// chain is one two-hop path rendered for the prompt.
type chain struct {
	text string
}

// Run executes one inference pass. An exhausted token budget or open
// breaker skips the cycle without error.
func (w *Inference) Run(ctx context.Context) (InferenceStats, error) {
	var stats InferenceStats
	if w.large == nil || w.differ == nil {
		return stats, nil
	}

	chains, err := w.collectChains(ctx)
	if err != nil {
		return stats, err
	}
	stats.Chains = len(chains)
	if len(chains) == 0 {
		return stats, nil
	}

	var b strings.Builder
	b.WriteString("Known fact chains:\n")
	for _, c := range chains {
		b.WriteString(c.text)
		b.WriteByte('\n')
	}
	resp, err := w.large.Complete(ctx, llm.Request{
		System:     inferenceSystemPrompt,
		Prompt:     b.String(),
		SchemaHint: inferenceSchemaHint,
	})
	if err != nil {
		if errors.Is(err, llm.ErrBudgetExhausted) || errors.Is(err, llm.ErrUnavailable) {
			w.logger.Info("inference cycle skipped", "reason", err)
			stats.Skipped = true
			return stats, nil
		}
		return stats, err
	}

	var out struct {
		Inferred []struct {
			Source   string `json:"source"`
			Relation string `json:"relation"`
			Target   string `json:"target"`
			Temporal string `json:"temporal"`
		} `json:"inferred"`
	}
	if err := extraction.DecodeJSON(resp.Content, &out); err != nil {
		w.logger.Warn("unparseable inference output, skipping cycle", "error", err)
		stats.Skipped = true
		return stats, nil
	}

	now := w.clock.Now()
	proposal := &diff.Proposal{
		CorrelationID: "inference:" + now.Format("2006-01-02"),
		Episode: &types.Episode{
			ID:         types.NewEpisodeID(),
			OccurredAt: now,
			SessionID:  "inference",
			Channel:    "inference",
		},
	}
	for _, inf := range out.Inferred {
		if inf.Source == "" || inf.Relation == "" || inf.Target == "" {
			continue
		}
		temporal := types.TemporalType(inf.Temporal)
		if !types.ValidTemporalType(temporal) {
			temporal = types.TemporalState
		}
		proposal.Facts = append(proposal.Facts, diff.ProposedFact{
			SourceName: inf.Source,
			TargetName: inf.Target,
			Relation:   inf.Relation,
			Confidence: w.conf.Initial(types.ProvenanceInferential, confidence.HedgeNone, 1.0),
			Temporal:   temporal,
			Mechanism:  types.ProvenanceInferential,
		})
	}
	stats.Proposed = len(proposal.Facts)
	if stats.Proposed == 0 {
		return stats, nil
	}

	res, err := w.differ.Apply(ctx, proposal)
	if err != nil {
		return stats, err
	}
	for _, o := range res.Outcomes {
		if o.Op == diff.OpInsert || o.Op == diff.OpReinforce {
			stats.Applied++
		}
	}
	w.logger.Info("inference cycle",
		"chains", stats.Chains, "proposed", stats.Proposed, "applied", stats.Applied)
	return stats, nil
}

// collectChains gathers up to cap two-hop paths over active
// non-episode edges.
func (w *Inference) collectChains(ctx context.Context) ([]chain, error) {
	edges, err := w.store.Edges(ctx, graph.EdgeFilter{})
	if err != nil {
		return nil, err
	}
	bySource := map[string][]*types.Edge{}
	for _, ed := range edges {
		if ed.Temporal == types.TemporalEpisode {
			continue
		}
		bySource[ed.SourceID] = append(bySource[ed.SourceID], ed)
	}

	names := map[string]string{}
	name := func(id string) (string, error) {
		if n, ok := names[id]; ok {
			return n, nil
		}
		node, err := w.store.GetNode(ctx, id)
		if err != nil {
			return "", err
		}
		names[id] = node.Name
		return node.Name, nil
	}

	var chains []chain
	for _, first := range edges {
		if first.Temporal == types.TemporalEpisode {
			continue
		}
		for _, second := range bySource[first.TargetID] {
			if second.TargetID == first.SourceID {
				continue
			}
			src, err := name(first.SourceID)
			if err != nil {
				return nil, err
			}
			mid, err := name(first.TargetID)
			if err != nil {
				return nil, err
			}
			dst, err := name(second.TargetID)
			if err != nil {
				return nil, err
			}
			chains = append(chains, chain{
				text: fmt.Sprintf("%s %s %s; %s %s %s", src, first.Relation, mid, mid, second.Relation, dst),
			})
			if w.cap > 0 && len(chains) >= w.cap {
				return chains, nil
			}
		}
	}
	return chains, nil
}
