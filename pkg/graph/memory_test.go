package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memloom/memloom/pkg/types"
)

type captureEmitter struct {
	events []types.GraphEvent
}

func (c *captureEmitter) Emit(ev types.GraphEvent) { c.events = append(c.events, ev) }

func (c *captureEmitter) ofType(t types.EventType) []types.GraphEvent {
	var out []types.GraphEvent
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestStore(t *testing.T) (*MemoryStore, *captureEmitter) {
	t.Helper()
	s := NewMemoryStore(nil)
	c := &captureEmitter{}
	s.SetEmitter(c)
	return s, c
}

func mustNode(t *testing.T, s *MemoryStore, kind types.NodeKind, name string, aliases ...string) *types.Node {
	t.Helper()
	n, err := s.UpsertNode(context.Background(), &types.Node{Kind: kind, Name: name, Aliases: aliases}, "corr")
	require.NoError(t, err)
	return n
}

func mustEdge(t *testing.T, s *MemoryStore, src, tgt, relation string, confidence float64) *types.Edge {
	t.Helper()
	e := &types.Edge{
		SourceID:   src,
		TargetID:   tgt,
		Relation:   relation,
		Confidence: confidence,
		Temporal:   types.TemporalState,
		Mechanism:  types.ProvenanceExplicit,
		EpisodeIDs: []string{"ep_test"},
	}
	require.NoError(t, s.CreateEdge(context.Background(), e, "corr"))
	return e
}

func TestUpsertMergesAliases(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()

	first := mustNode(t, s, types.KindPerson, "Dr. Sarah Chen")
	second, err := s.UpsertNode(ctx, &types.Node{
		Kind:    types.KindPerson,
		Name:    "Sarah",
		Aliases: []string{"dr. sarah chen"},
	}, "corr")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.HasAlias("Sarah"))
	assert.True(t, second.HasAlias("DR. SARAH CHEN"))

	// Same alias under a different kind is a different entity.
	place := mustNode(t, s, types.KindPlace, "Sarah")
	assert.NotEqual(t, first.ID, place.ID)

	assert.Len(t, c.ofType(types.EventNodeAdded), 2)
	assert.Len(t, c.ofType(types.EventNodeUpdated), 1)
}

func TestUpsertPrivacyOnlyRises(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n, err := s.UpsertNode(ctx, &types.Node{Kind: types.KindConcept, Name: "therapy", Privacy: types.PrivacyPrivate}, "c")
	require.NoError(t, err)

	merged, err := s.UpsertNode(ctx, &types.Node{Kind: types.KindConcept, Name: "therapy", Privacy: types.PrivacyPublic}, "c")
	require.NoError(t, err)
	assert.Equal(t, n.ID, merged.ID)
	assert.Equal(t, types.PrivacyPrivate, merged.Privacy)

	raised, err := s.UpsertNode(ctx, &types.Node{Kind: types.KindConcept, Name: "therapy", Privacy: types.PrivacySealed}, "c")
	require.NoError(t, err)
	assert.Equal(t, types.PrivacySealed, raised.Privacy)
}

func TestCreateEdgeInvariants(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	user := mustNode(t, s, types.KindPerson, "user")

	t.Run("missing endpoint rejected", func(t *testing.T) {
		err := s.CreateEdge(ctx, &types.Edge{
			SourceID:   user.ID,
			TargetID:   "n_missing",
			Relation:   "likes",
			Confidence: 0.9,
			Temporal:   types.TemporalState,
			Mechanism:  types.ProvenanceExplicit,
			EpisodeIDs: []string{"ep_1"},
		}, "c")
		assert.ErrorIs(t, err, types.ErrMissingEndpoint)
	})

	t.Run("missing provenance rejected", func(t *testing.T) {
		other := mustNode(t, s, types.KindConcept, "jazz")
		err := s.CreateEdge(ctx, &types.Edge{
			SourceID:   user.ID,
			TargetID:   other.ID,
			Relation:   "likes",
			Confidence: 0.9,
			Temporal:   types.TemporalState,
			Mechanism:  types.ProvenanceExplicit,
		}, "c")
		assert.ErrorIs(t, err, types.ErrMissingProvenance)
	})

	t.Run("sealed to public rejected", func(t *testing.T) {
		sealed, err := s.UpsertNode(ctx, &types.Node{Kind: types.KindConcept, Name: "diagnosis", Privacy: types.PrivacySealed}, "c")
		require.NoError(t, err)
		public, err := s.UpsertNode(ctx, &types.Node{Kind: types.KindConcept, Name: "weather", Privacy: types.PrivacyPublic}, "c")
		require.NoError(t, err)

		err = s.CreateEdge(ctx, &types.Edge{
			SourceID:   sealed.ID,
			TargetID:   public.ID,
			Relation:   "related_to",
			Confidence: 0.5,
			Temporal:   types.TemporalTrait,
			Mechanism:  types.ProvenanceInferential,
			EpisodeIDs: []string{"ep_1"},
		}, "c")
		assert.ErrorIs(t, err, types.ErrPrivacyViolation)
	})
}

func TestEdgeLifecycle(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()

	user := mustNode(t, s, types.KindPerson, "user")
	acme := mustNode(t, s, types.KindOrganization, "Acme")
	beta := mustNode(t, s, types.KindOrganization, "Beta Corp")
	e := mustEdge(t, s, user.ID, acme.ID, "works_at", 0.90)

	t.Run("reinforce bumps confidence and provenance", func(t *testing.T) {
		got, err := s.ReinforceEdge(ctx, e.ID, 0.908, "ep_2", "c")
		require.NoError(t, err)
		assert.InDelta(t, 0.908, got.Confidence, 1e-9)
		assert.Contains(t, got.EpisodeIDs, "ep_2")
	})

	t.Run("revise retracts and replaces", func(t *testing.T) {
		replacement, err := s.ReviseEdge(ctx, e.ID, beta.ID, 0.90, "ep_3", "", "c")
		require.NoError(t, err)
		assert.Equal(t, beta.ID, replacement.TargetID)
		assert.Equal(t, "works_at", replacement.Relation)

		old, err := s.GetEdge(ctx, e.ID)
		require.NoError(t, err)
		assert.True(t, old.Retracted)
		assert.Equal(t, types.RetractionSuperseded, old.RetractedReason)

		// Only the replacement is visible to queries.
		edges, err := s.Edges(ctx, EdgeFilter{SourceID: user.ID, Relation: "works_at"})
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, replacement.ID, edges[0].ID)

		require.Len(t, c.ofType(types.EventEdgeRetracted), 1)
	})

	t.Run("archive hides but keeps the edge", func(t *testing.T) {
		e2 := mustEdge(t, s, user.ID, acme.ID, "visited", 0.10)
		require.NoError(t, s.ArchiveEdge(ctx, e2.ID, "c"))

		edges, err := s.Edges(ctx, EdgeFilter{SourceID: user.ID, Relation: "visited"})
		require.NoError(t, err)
		assert.Empty(t, edges)

		edges, err = s.Edges(ctx, EdgeFilter{SourceID: user.ID, Relation: "visited", IncludeInactive: true})
		require.NoError(t, err)
		assert.Len(t, edges, 1)
	})

	t.Run("set confidence leaves last_reinforced alone", func(t *testing.T) {
		e3 := mustEdge(t, s, user.ID, acme.ID, "mentioned", 0.60)
		before, err := s.GetEdge(ctx, e3.ID)
		require.NoError(t, err)

		require.NoError(t, s.SetEdgeConfidence(ctx, e3.ID, 0.40, "c"))
		after, err := s.GetEdge(ctx, e3.ID)
		require.NoError(t, err)
		assert.Equal(t, 0.40, after.Confidence)
		assert.Equal(t, before.LastReinforced, after.LastReinforced)
	})
}

func TestReviseRejectedLeavesOldEdgeIntact(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()

	user := mustNode(t, s, types.KindPerson, "user")
	acme := mustNode(t, s, types.KindOrganization, "Acme")
	e := mustEdge(t, s, user.ID, acme.ID, "works_at", 0.90)

	t.Run("missing target", func(t *testing.T) {
		_, err := s.ReviseEdge(ctx, e.ID, "n_missing", 0.90, "ep_2", "", "c")
		assert.ErrorIs(t, err, types.ErrMissingEndpoint)
	})

	t.Run("privacy violation", func(t *testing.T) {
		sealed, err := s.UpsertNode(ctx, &types.Node{Kind: types.KindConcept, Name: "diagnosis", Privacy: types.PrivacySealed}, "c")
		require.NoError(t, err)
		_, err = s.ReviseEdge(ctx, e.ID, sealed.ID, 0.90, "ep_2", "", "c")
		assert.ErrorIs(t, err, types.ErrPrivacyViolation)
	})

	t.Run("out of range confidence", func(t *testing.T) {
		_, err := s.ReviseEdge(ctx, e.ID, acme.ID, 1.5, "ep_2", "", "c")
		assert.ErrorIs(t, err, types.ErrConfidenceRange)
	})

	// The rejected revisions must not have retracted the original fact.
	got, err := s.GetEdge(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, got.Retracted)

	edges, err := s.Edges(ctx, EdgeFilter{SourceID: user.ID, Relation: "works_at"})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Empty(t, c.ofType(types.EventEdgeRetracted))
}

func TestNeighbors(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	user := mustNode(t, s, types.KindPerson, "user")
	jazz := mustNode(t, s, types.KindConcept, "jazz")
	blueNote := mustNode(t, s, types.KindPlace, "Blue Note")
	coltrane := mustNode(t, s, types.KindPerson, "Coltrane")

	mustEdge(t, s, user.ID, jazz.ID, "likes", 0.90)
	mustEdge(t, s, jazz.ID, blueNote.ID, "performed_at", 0.70)
	mustEdge(t, s, blueNote.ID, coltrane.ID, "hosted", 0.60)
	weak := mustEdge(t, s, user.ID, coltrane.ID, "heard_of", 0.20)

	t.Run("hop limit respected", func(t *testing.T) {
		nodes, edges, err := s.Neighbors(ctx, user.ID, NeighborOptions{MaxHops: 1, MinConfidence: 0.5})
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, jazz.ID, nodes[0].ID)
		require.Len(t, edges, 1)
	})

	t.Run("two hops pulls the venue", func(t *testing.T) {
		nodes, _, err := s.Neighbors(ctx, user.ID, NeighborOptions{MaxHops: 2, MinConfidence: 0.5})
		require.NoError(t, err)
		ids := make(map[string]bool)
		for _, n := range nodes {
			ids[n.ID] = true
		}
		assert.True(t, ids[jazz.ID])
		assert.True(t, ids[blueNote.ID])
		assert.False(t, ids[coltrane.ID])
	})

	t.Run("min confidence filters edges", func(t *testing.T) {
		_, edges, err := s.Neighbors(ctx, user.ID, NeighborOptions{MaxHops: 1, MinConfidence: 0.5})
		require.NoError(t, err)
		for _, e := range edges {
			assert.NotEqual(t, weak.ID, e.ID)
		}
	})

	t.Run("results ordered by confidence then age", func(t *testing.T) {
		_, edges, err := s.Neighbors(ctx, user.ID, NeighborOptions{MaxHops: 3})
		require.NoError(t, err)
		for i := 1; i < len(edges); i++ {
			assert.GreaterOrEqual(t, edges[i-1].Confidence, edges[i].Confidence)
		}
	})

	t.Run("unknown node errors", func(t *testing.T) {
		_, _, err := s.Neighbors(ctx, "n_missing", NeighborOptions{MaxHops: 1})
		assert.True(t, errors.Is(err, ErrNodeNotFound))
	})
}

func TestEpisodes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ep := &types.Episode{
		ID:         types.NewEpisodeID(),
		OccurredAt: time.Now(),
		SessionID:  "s1",
		Turn:       3,
		Channel:    "chat",
	}
	require.NoError(t, s.PutEpisode(ctx, ep))
	require.NoError(t, s.AppendEpisodeEdges(ctx, ep.ID, []string{"e_1", "e_2"}))
	require.NoError(t, s.AppendEpisodeEdges(ctx, ep.ID, []string{"e_2", "e_3"}))

	got, err := s.GetEpisode(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"e_1", "e_2", "e_3"}, got.EdgeIDs)
}

func TestSnapshotAndStats(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	user := mustNode(t, s, types.KindPerson, "user")
	jazz := mustNode(t, s, types.KindConcept, "jazz")
	live := mustEdge(t, s, user.ID, jazz.ID, "likes", 0.9)
	dead := mustEdge(t, s, user.ID, jazz.ID, "disliked", 0.3)
	require.NoError(t, s.RetractEdge(ctx, dead.ID, types.RetractionUserRequest, "c"))

	snap, err := s.Snapshot(ctx, false)
	require.NoError(t, err)
	assert.Len(t, snap.Nodes, 2)
	require.Len(t, snap.Edges, 1)
	assert.Equal(t, live.ID, snap.Edges[0].ID)

	full, err := s.Snapshot(ctx, true)
	require.NoError(t, err)
	assert.Len(t, full.Edges, 2)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Nodes: 2, Edges: 1, Episodes: 0}, stats)
}

func TestDeleteNode(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	user := mustNode(t, s, types.KindPerson, "user")
	jazz := mustNode(t, s, types.KindConcept, "jazz")
	mustEdge(t, s, user.ID, jazz.ID, "likes", 0.9)

	err := s.DeleteNode(ctx, jazz.ID, false, "c")
	require.Error(t, err)

	require.NoError(t, s.DeleteNode(ctx, jazz.ID, true, "c"))
	_, err = s.GetNode(ctx, jazz.ID)
	assert.True(t, errors.Is(err, ErrNodeNotFound))

	edges, err := s.Edges(ctx, EdgeFilter{SourceID: user.ID, IncludeInactive: true})
	require.NoError(t, err)
	assert.Empty(t, edges)

	// The alias is free for reuse afterward.
	again := mustNode(t, s, types.KindConcept, "jazz")
	assert.NotEqual(t, jazz.ID, again.ID)
}

func TestSnapshotCopiesAreIsolated(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n := mustNode(t, s, types.KindPerson, "user", "u")
	got, err := s.GetNode(ctx, n.ID)
	require.NoError(t, err)
	got.Aliases[0] = "mutated"
	got.Name = "mutated"

	fresh, err := s.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "user", fresh.Name)
	assert.Equal(t, "u", fresh.Aliases[0])
}
