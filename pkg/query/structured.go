// Package query implements the read surface: structured subgraph
// queries, the natural-language planner, and context-block assembly
// under a token budget.
package query

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/memloom/memloom/pkg/graph"
	"github.com/memloom/memloom/pkg/llm"
	"github.com/memloom/memloom/pkg/outbound"
	"github.com/memloom/memloom/pkg/types"
)

// broadLimit caps how many edges a whole-graph fallback returns.
const broadLimit = 100

// Prober surfaces pending outbound items that fit the live
// conversation. The outbound queue satisfies this.
type Prober interface {
	Eligible(ctx context.Context, conv outbound.Conversation) ([]types.OutboundItem, error)
}

// Request is a structured subgraph query. Empty entity seeds select
// the whole graph.
type Request struct {
	Entities      []string `json:"entities,omitempty"`
	Relations     []string `json:"relations,omitempty"`
	MinConfidence float64  `json:"min_confidence,omitempty"`
	MaxHops       int      `json:"max_hops,omitempty"`
}

// Subgraph is a query result: the reached nodes plus the edges that
// connect them, best edges first.
type Subgraph struct {
	Nodes []*types.Node `json:"nodes"`
	Edges []*types.Edge `json:"edges"`
}

// Engine executes queries against the graph store.
type Engine struct {
	store       graph.Store
	planner     llm.Client
	prober      Prober
	logger      *slog.Logger
	now         func() time.Time
	countTokens TokenCounter
}

// New builds a query engine. The planner may be nil when NL queries are
// not needed; the prober may be nil when context blocks should omit
// pending probes.
func New(store graph.Store, planner llm.Client, prober Prober, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:       store,
		planner:     planner,
		prober:      prober,
		logger:      logger,
		now:         time.Now,
		countTokens: NewTokenCounter(),
	}
}

// SetClock overrides the time source for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetTokenCounter overrides the token counter for tests.
func (e *Engine) SetTokenCounter(c TokenCounter) { e.countTokens = c }

// Structured resolves entity seeds and walks the graph. With max_hops
// zero only the edges between the seeds themselves are returned; with
// no seeds the whole active graph is filtered.
func (e *Engine) Structured(ctx context.Context, req Request) (*Subgraph, error) {
	if len(req.Entities) == 0 {
		return e.wholeGraph(ctx, req, 0)
	}

	seeds, err := e.resolveSeeds(ctx, req.Entities)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return &Subgraph{}, nil
	}

	if req.MaxHops <= 0 {
		return e.betweenSeeds(ctx, req, seeds)
	}

	nodes := map[string]*types.Node{}
	edges := map[string]*types.Edge{}
	for _, seed := range seeds {
		nodes[seed.ID] = seed
		ns, es, err := e.store.Neighbors(ctx, seed.ID, graph.NeighborOptions{
			MaxHops:       req.MaxHops,
			Relations:     req.Relations,
			MinConfidence: req.MinConfidence,
		})
		if err != nil {
			return nil, err
		}
		for _, n := range ns {
			nodes[n.ID] = n
		}
		for _, ed := range es {
			edges[ed.ID] = ed
		}
	}
	return e.assemble(nodes, edges, 0), nil
}

// resolveSeeds maps entity names to representative nodes: exact
// case-folded alias match first, substring match as a fallback.
func (e *Engine) resolveSeeds(ctx context.Context, names []string) ([]*types.Node, error) {
	seen := map[string]*types.Node{}
	var out []*types.Node
	for _, name := range names {
		found, err := e.store.FindNodes(ctx, graph.FindFilter{Alias: name})
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			found, err = e.store.FindNodes(ctx, graph.FindFilter{NameContains: name})
			if err != nil {
				return nil, err
			}
		}
		for _, n := range found {
			if _, ok := seen[n.ID]; !ok {
				seen[n.ID] = n
				out = append(out, n)
			}
		}
	}
	return out, nil
}

func (e *Engine) betweenSeeds(ctx context.Context, req Request, seeds []*types.Node) (*Subgraph, error) {
	seedSet := map[string]*types.Node{}
	for _, s := range seeds {
		seedSet[s.ID] = s
	}
	all, err := e.store.Edges(ctx, graph.EdgeFilter{MinConfidence: req.MinConfidence})
	if err != nil {
		return nil, err
	}
	nodes := map[string]*types.Node{}
	edges := map[string]*types.Edge{}
	for _, ed := range all {
		if _, ok := seedSet[ed.SourceID]; !ok {
			continue
		}
		if _, ok := seedSet[ed.TargetID]; !ok {
			continue
		}
		if !relationAllowed(ed.Relation, req.Relations) {
			continue
		}
		edges[ed.ID] = ed
		nodes[ed.SourceID] = seedSet[ed.SourceID]
		nodes[ed.TargetID] = seedSet[ed.TargetID]
	}
	// Seeds stay in the result even when unconnected.
	for id, n := range seedSet {
		nodes[id] = n
	}
	return e.assemble(nodes, edges, 0), nil
}

// wholeGraph filters every active edge; limit > 0 caps the result for
// the NL broad fallback.
func (e *Engine) wholeGraph(ctx context.Context, req Request, limit int) (*Subgraph, error) {
	all, err := e.store.Edges(ctx, graph.EdgeFilter{MinConfidence: req.MinConfidence})
	if err != nil {
		return nil, err
	}
	edges := map[string]*types.Edge{}
	nodes := map[string]*types.Node{}
	for _, ed := range all {
		if !relationAllowed(ed.Relation, req.Relations) {
			continue
		}
		edges[ed.ID] = ed
	}
	for _, ed := range edges {
		for _, id := range []string{ed.SourceID, ed.TargetID} {
			if _, ok := nodes[id]; ok {
				continue
			}
			n, err := e.store.GetNode(ctx, id)
			if err != nil {
				return nil, err
			}
			nodes[id] = n
		}
	}
	return e.assemble(nodes, edges, limit), nil
}

// assemble orders edges by descending confidence then reinforcement
// recency, optionally truncating, and sorts nodes by name for stable
// output.
func (e *Engine) assemble(nodes map[string]*types.Node, edges map[string]*types.Edge, limit int) *Subgraph {
	sg := &Subgraph{
		Nodes: make([]*types.Node, 0, len(nodes)),
		Edges: make([]*types.Edge, 0, len(edges)),
	}
	for _, n := range nodes {
		sg.Nodes = append(sg.Nodes, n)
	}
	for _, ed := range edges {
		sg.Edges = append(sg.Edges, ed)
	}
	sort.Slice(sg.Nodes, func(i, j int) bool {
		if sg.Nodes[i].Name != sg.Nodes[j].Name {
			return sg.Nodes[i].Name < sg.Nodes[j].Name
		}
		return sg.Nodes[i].ID < sg.Nodes[j].ID
	})
	sort.Slice(sg.Edges, func(i, j int) bool {
		a, b := sg.Edges[i], sg.Edges[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if !a.LastReinforced.Equal(b.LastReinforced) {
			return a.LastReinforced.After(b.LastReinforced)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(sg.Edges) > limit {
		sg.Edges = sg.Edges[:limit]
	}
	return sg
}

func relationAllowed(relation string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, r := range allowed {
		if r == relation {
			return true
		}
	}
	return false
}
