package query

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/memloom/memloom/pkg/extraction"
	"github.com/memloom/memloom/pkg/graph"
	"github.com/memloom/memloom/pkg/llm"
	"github.com/memloom/memloom/pkg/types"
)

const plannerSystemPrompt = `You translate a natural-language question about a personal memory graph into a structured query plan.
Use only entities and relation types that appear in the provided schema. Leave lists empty rather than guessing.`

const plannerSchemaHint = `{"entities": ["string"], "relations": ["snake_case"], "min_confidence": 0.0, "max_hops": 1}`

// fallbackMaxHops is the nominal hop depth recorded on a broad
// whole-graph fallback plan.
const fallbackMaxHops = 2

// Plan is the planner's structured output. Fallback marks a plan
// synthesized after unparseable planner output.
type Plan struct {
	Entities      []string `json:"entities,omitempty"`
	Relations     []string `json:"relations,omitempty"`
	MinConfidence float64  `json:"min_confidence,omitempty"`
	MaxHops       int      `json:"max_hops,omitempty"`
	Fallback      bool     `json:"fallback,omitempty"`
}

// Natural plans and executes a natural-language query. Planner failures
// of any kind degrade to a broad whole-graph search ranked by
// recency times confidence.
func (e *Engine) Natural(ctx context.Context, text string) (*Subgraph, *Plan, error) {
	plan := e.plan(ctx, text)
	if plan.Fallback {
		sg, err := e.broad(ctx)
		return sg, plan, err
	}
	sg, err := e.Structured(ctx, Request{
		Entities:      plan.Entities,
		Relations:     plan.Relations,
		MinConfidence: plan.MinConfidence,
		MaxHops:       plan.MaxHops,
	})
	return sg, plan, err
}

func (e *Engine) plan(ctx context.Context, text string) *Plan {
	if e.planner == nil {
		return &Plan{Fallback: true, MaxHops: fallbackMaxHops}
	}
	schema, err := e.schemaPrompt(ctx)
	if err != nil {
		e.logger.Warn("failed to build planner schema", "error", err)
		return &Plan{Fallback: true, MaxHops: fallbackMaxHops}
	}
	resp, err := e.planner.Complete(ctx, llm.Request{
		System:     plannerSystemPrompt,
		Prompt:     fmt.Sprintf("%s\nQuestion:\n%s\n", schema, text),
		SchemaHint: plannerSchemaHint,
	})
	if err != nil {
		e.logger.Warn("query planner unavailable, falling back to broad search", "error", err)
		return &Plan{Fallback: true, MaxHops: fallbackMaxHops}
	}
	var plan Plan
	if err := extraction.DecodeJSON(resp.Content, &plan); err != nil {
		e.logger.Warn("unparseable planner output, falling back to broad search", "error", err)
		return &Plan{Fallback: true, MaxHops: fallbackMaxHops}
	}
	if plan.MaxHops < 0 {
		plan.MaxHops = 0
	}
	if plan.MinConfidence < 0 || plan.MinConfidence > 1 {
		plan.MinConfidence = 0
	}
	return &plan
}

// schemaPrompt describes the current graph to the planner: the known
// entities and the relation vocabulary in use.
func (e *Engine) schemaPrompt(ctx context.Context) (string, error) {
	nodes, err := e.store.FindNodes(ctx, graph.FindFilter{})
	if err != nil {
		return "", err
	}
	edges, err := e.store.Edges(ctx, graph.EdgeFilter{})
	if err != nil {
		return "", err
	}

	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, fmt.Sprintf("%s (%s)", n.Name, n.Kind))
	}
	sort.Strings(names)

	relSet := map[string]struct{}{}
	for _, ed := range edges {
		relSet[ed.Relation] = struct{}{}
	}
	relations := make([]string, 0, len(relSet))
	for r := range relSet {
		relations = append(relations, r)
	}
	sort.Strings(relations)

	var b strings.Builder
	b.WriteString("Graph schema:\n")
	fmt.Fprintf(&b, "Entities: %s\n", strings.Join(names, ", "))
	fmt.Fprintf(&b, "Relation types: %s\n", strings.Join(relations, ", "))
	return b.String(), nil
}

// broad is the whole-graph fallback: every active edge ranked by
// recency times confidence, capped.
func (e *Engine) broad(ctx context.Context) (*Subgraph, error) {
	sg, err := e.wholeGraph(ctx, Request{}, 0)
	if err != nil {
		return nil, err
	}
	now := e.now()
	sort.SliceStable(sg.Edges, func(i, j int) bool {
		return e.broadScore(sg.Edges[i], now) > e.broadScore(sg.Edges[j], now)
	})
	if len(sg.Edges) > broadLimit {
		sg.Edges = sg.Edges[:broadLimit]
	}
	return sg, nil
}

func (e *Engine) broadScore(ed *types.Edge, now time.Time) float64 {
	age := now.Sub(ed.LastReinforced)
	recency := math.Pow(0.5, age.Hours()/(30*24))
	return recency * ed.Confidence
}
