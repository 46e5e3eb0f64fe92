package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memloom/memloom/pkg/graph"
	"github.com/memloom/memloom/pkg/llm"
	"github.com/memloom/memloom/pkg/outbound"
	"github.com/memloom/memloom/pkg/types"
)

var testBase = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fixedProber struct {
	items []types.OutboundItem
	conv  outbound.Conversation
}

func (p *fixedProber) Eligible(_ context.Context, conv outbound.Conversation) ([]types.OutboundItem, error) {
	p.conv = conv
	return p.items, nil
}

type rig struct {
	store   *graph.MemoryStore
	planner *llm.MockClient
	prober  *fixedProber
	engine  *Engine
	nodes   map[string]string
}

func newRig(t *testing.T) *rig {
	t.Helper()
	store := graph.NewMemoryStore(nil)
	planner := llm.NewMockClient()
	prober := &fixedProber{}
	engine := New(store, planner, prober, nil)
	engine.SetClock(func() time.Time { return testBase })
	engine.SetTokenCounter(func(s string) int { return len(s)/4 + 1 })
	return &rig{store: store, planner: planner, prober: prober, engine: engine, nodes: map[string]string{}}
}

func (r *rig) node(t *testing.T, kind types.NodeKind, name string, aliases ...string) string {
	t.Helper()
	n, err := r.store.UpsertNode(context.Background(), &types.Node{
		Kind:    kind,
		Name:    name,
		Aliases: aliases,
	}, "test")
	require.NoError(t, err)
	r.nodes[name] = n.ID
	return n.ID
}

func (r *rig) edge(t *testing.T, source, relation, target string, conf float64, opts ...func(*types.Edge)) string {
	t.Helper()
	ed := &types.Edge{
		SourceID:       r.nodes[source],
		TargetID:       r.nodes[target],
		Relation:       relation,
		Confidence:     conf,
		Temporal:       types.TemporalState,
		Mechanism:      types.ProvenanceExplicit,
		EpisodeIDs:     []string{"ep_test"},
		LastReinforced: testBase,
	}
	for _, o := range opts {
		o(ed)
	}
	require.NoError(t, r.store.CreateEdge(context.Background(), ed, "test"))
	return ed.ID
}

func seedGraph(t *testing.T, r *rig) {
	r.node(t, types.KindPerson, "user")
	r.node(t, types.KindPerson, "Lena")
	r.node(t, types.KindConcept, "jazz")
	r.node(t, types.KindConcept, "wine")
	r.node(t, types.KindConcept, "Malbec")
	r.node(t, types.KindOrganization, "Acme", "acme corp")

	r.edge(t, "user", "likes", "jazz", 0.90)
	r.edge(t, "user", "prefers", "Malbec", 0.70, func(e *types.Edge) {
		e.ContextTags = []string{"wine"}
	})
	r.edge(t, "user", "works_at", "Acme", 0.85)
	r.edge(t, "Lena", "likes", "wine", 0.60)
	r.edge(t, "Malbec", "refines", "wine", 0.50)
}

func TestStructuredSeedTraversal(t *testing.T) {
	r := newRig(t)
	seedGraph(t, r)

	sg, err := r.engine.Structured(context.Background(), Request{
		Entities: []string{"user"},
		MaxHops:  1,
	})
	require.NoError(t, err)

	var relations []string
	for _, ed := range sg.Edges {
		relations = append(relations, ed.Relation)
	}
	// One hop from user: its three direct edges, best confidence first.
	assert.Equal(t, []string{"likes", "works_at", "prefers"}, relations)
}

func TestStructuredZeroHopsReturnsEdgesBetweenSeeds(t *testing.T) {
	r := newRig(t)
	seedGraph(t, r)

	sg, err := r.engine.Structured(context.Background(), Request{
		Entities: []string{"user", "Acme"},
	})
	require.NoError(t, err)
	require.Len(t, sg.Edges, 1)
	assert.Equal(t, "works_at", sg.Edges[0].Relation)
	// Both seeds survive even without further connections.
	assert.Len(t, sg.Nodes, 2)
}

func TestStructuredFiltersRelationAndConfidence(t *testing.T) {
	r := newRig(t)
	seedGraph(t, r)

	sg, err := r.engine.Structured(context.Background(), Request{
		Entities:      []string{"user"},
		Relations:     []string{"likes", "prefers"},
		MinConfidence: 0.80,
		MaxHops:       2,
	})
	require.NoError(t, err)
	require.Len(t, sg.Edges, 1)
	assert.Equal(t, "likes", sg.Edges[0].Relation)
}

func TestStructuredResolvesAliases(t *testing.T) {
	r := newRig(t)
	seedGraph(t, r)

	sg, err := r.engine.Structured(context.Background(), Request{
		Entities: []string{"ACME CORP"},
		MaxHops:  1,
	})
	require.NoError(t, err)
	require.NotEmpty(t, sg.Edges)
	assert.Equal(t, "works_at", sg.Edges[0].Relation)
}

func TestStructuredUnknownSeedIsEmpty(t *testing.T) {
	r := newRig(t)
	seedGraph(t, r)

	sg, err := r.engine.Structured(context.Background(), Request{Entities: []string{"nobody"}})
	require.NoError(t, err)
	assert.Empty(t, sg.Nodes)
	assert.Empty(t, sg.Edges)
}

func TestNaturalPlansAndExecutes(t *testing.T) {
	r := newRig(t)
	seedGraph(t, r)
	r.planner.Stub("translate a natural-language question",
		`{"entities": ["user"], "relations": ["prefers"], "max_hops": 1}`)

	sg, plan, err := r.engine.Natural(context.Background(), "what wine does the user drink?")
	require.NoError(t, err)
	assert.False(t, plan.Fallback)
	require.Len(t, sg.Edges, 1)
	assert.Equal(t, "prefers", sg.Edges[0].Relation)

	// The planner prompt carried the graph schema.
	calls := r.planner.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "Relation types:")
	assert.Contains(t, calls[0].Prompt, "works_at")
	assert.Contains(t, calls[0].Prompt, "Lena (person)")
}

func TestNaturalFallsBackOnUnparseablePlan(t *testing.T) {
	r := newRig(t)
	seedGraph(t, r)
	r.planner.SetDefault("I cannot answer that.")

	sg, plan, err := r.engine.Natural(context.Background(), "hmm?")
	require.NoError(t, err)
	assert.True(t, plan.Fallback)
	assert.Equal(t, fallbackMaxHops, plan.MaxHops)
	// Broad fallback surfaces the whole active graph.
	assert.Len(t, sg.Edges, 5)
}

func TestNaturalBroadFallbackRanksByRecencyTimesConfidence(t *testing.T) {
	r := newRig(t)
	r.node(t, types.KindPerson, "user")
	r.node(t, types.KindConcept, "jazz")
	r.node(t, types.KindConcept, "wine")

	// Strong but stale vs weaker but fresh: after 90 days the stale
	// edge's score drops below the fresh one's.
	r.edge(t, "user", "likes", "jazz", 0.95, func(e *types.Edge) {
		e.LastReinforced = testBase.Add(-90 * 24 * time.Hour)
	})
	r.edge(t, "user", "likes", "wine", 0.60)

	r.planner.SetDefault("no json")
	sg, _, err := r.engine.Natural(context.Background(), "tell me everything")
	require.NoError(t, err)
	require.Len(t, sg.Edges, 2)
	assert.Equal(t, r.nodes["wine"], sg.Edges[0].TargetID)
}

func TestAssembleContextRanksAndBudgets(t *testing.T) {
	r := newRig(t)
	seedGraph(t, r)

	block, err := r.engine.AssembleContext(context.Background(), ContextRequest{
		SessionID:      "s1",
		Turn:           4,
		ActiveEntities: []string{"user"},
		ActiveTopics:   []string{"wine"},
		TokenBudget:    1024,
	})
	require.NoError(t, err)
	require.NotEmpty(t, block.Facts)

	// Topic match lifts the wine preference above the flat likes edge
	// despite its lower confidence.
	assert.Contains(t, block.Facts[0].Line, "Malbec")
	assert.Positive(t, block.TokensUsed)
}

func TestAssembleContextHonorsBudget(t *testing.T) {
	r := newRig(t)
	seedGraph(t, r)

	small, err := r.engine.AssembleContext(context.Background(), ContextRequest{
		ActiveEntities: []string{"user"},
		TokenBudget:    12,
	})
	require.NoError(t, err)
	large, err := r.engine.AssembleContext(context.Background(), ContextRequest{
		ActiveEntities: []string{"user"},
		TokenBudget:    1024,
	})
	require.NoError(t, err)

	assert.Less(t, len(small.Facts), len(large.Facts))
	assert.LessOrEqual(t, small.TokensUsed, 12)
}

func TestAssembleContextIncludesRemindersAndProbes(t *testing.T) {
	r := newRig(t)
	r.node(t, types.KindPerson, "user")
	r.node(t, types.KindPlace, "Lisbon")
	expiry := testBase.Add(30 * 24 * time.Hour)
	r.edge(t, "user", "wants_to_visit", "Lisbon", 0.80, func(e *types.Edge) {
		e.Temporal = types.TemporalWish
		e.Expiry = &expiry
	})
	r.prober.items = []types.OutboundItem{{
		ID:      "p_1",
		Kind:    types.OutboundProbe,
		Payload: "Did the Lisbon trip happen?",
		State:   types.OutboundQueued,
	}}

	block, err := r.engine.AssembleContext(context.Background(), ContextRequest{
		SessionID:      "s1",
		Turn:           5,
		ActiveEntities: []string{"user"},
		ActiveTopics:   []string{"travel"},
		TokenBudget:    1024,
	})
	require.NoError(t, err)

	require.Len(t, block.Reminders, 1)
	assert.Contains(t, block.Text, "reminder: user wants to visit Lisbon")
	require.Len(t, block.Probes, 1)
	assert.Contains(t, block.Text, "pending question: Did the Lisbon trip happen?")

	// The prober saw the live conversation, not a zero value.
	assert.Equal(t, "s1", r.prober.conv.SessionID)
	assert.Equal(t, []string{"travel"}, r.prober.conv.Topics)
}
