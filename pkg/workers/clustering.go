package workers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memloom/memloom/pkg/graph"
	"github.com/memloom/memloom/pkg/types"
)

const (
	// promoteMinEpisodes is how many distinct episodes an episodic edge
	// needs before it reads as a recurring pattern.
	promoteMinEpisodes = 3

	// experienceConfidence is the starting confidence of a promoted
	// Experience node and its linking edge.
	experienceConfidence = 0.50
)

// Clustering promotes recurring episodic edges into Experience nodes:
// an episode that keeps repeating is a pattern worth first-class
// representation.
type Clustering struct {
	store  graph.Store
	clock  Clock
	logger *slog.Logger
}

// ClusteringStats summarizes one clustering pass.
type ClusteringStats struct {
	Candidates int `json:"candidates"`
	Promoted   int `json:"promoted"`
}

// NewClustering builds the clustering cycle.
func NewClustering(store graph.Store, clock Clock, logger *slog.Logger) *Clustering {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Clustering{store: store, clock: clock, logger: logger}
}

func (w *Clustering) Name() string { return "clustering" }

// RunOnce satisfies Cycle.
func (w *Clustering) RunOnce(ctx context.Context) error {
	_, err := w.Run(ctx)
	return err
}

// Run executes one clustering pass.
func (w *Clustering) Run(ctx context.Context) (ClusteringStats, error) {
	var stats ClusteringStats
	edges, err := w.store.Edges(ctx, graph.EdgeFilter{})
	if err != nil {
		return stats, err
	}

	correlationID := "clustering:" + w.clock.Now().Format("2006-01-02")
	for _, ed := range edges {
		if ed.Temporal != types.TemporalEpisode || len(ed.EpisodeIDs) < promoteMinEpisodes {
			continue
		}
		stats.Candidates++

		source, err := w.store.GetNode(ctx, ed.SourceID)
		if err != nil {
			return stats, err
		}
		target, err := w.store.GetNode(ctx, ed.TargetID)
		if err != nil {
			return stats, err
		}

		name := experienceName(source.Name, ed.Relation, target.Name)
		existing, err := w.store.FindNodes(ctx, graph.FindFilter{Kind: types.KindExperience, Alias: name})
		if err != nil {
			return stats, err
		}
		if len(existing) > 0 {
			continue
		}

		exp, err := w.store.UpsertNode(ctx, &types.Node{
			Kind: types.KindExperience,
			Name: name,
			Description: fmt.Sprintf("%s %s %s repeatedly (%d episodes)",
				source.Name, strings.ReplaceAll(ed.Relation, "_", " "), target.Name, len(ed.EpisodeIDs)),
			Applicability:      strings.Join(ed.ContextTags, ", "),
			Confidence:         experienceConfidence,
			ReinforcementCount: len(ed.EpisodeIDs),
			EpisodeIDs:         ed.EpisodeIDs,
			Privacy:            source.Privacy,
		}, correlationID)
		if err != nil {
			return stats, err
		}

		link := &types.Edge{
			SourceID:    ed.SourceID,
			TargetID:    exp.ID,
			Relation:    "has_experience",
			Confidence:  experienceConfidence,
			Temporal:    types.TemporalTrait,
			Mechanism:   types.ProvenanceReflective,
			ContextTags: ed.ContextTags,
			EpisodeIDs:  ed.EpisodeIDs,
		}
		if err := w.store.CreateEdge(ctx, link, correlationID); err != nil {
			return stats, err
		}
		stats.Promoted++
	}

	w.logger.Info("clustering cycle", "candidates", stats.Candidates, "promoted", stats.Promoted)
	return stats, nil
}

func experienceName(source, relation, target string) string {
	return fmt.Sprintf("%s %s %s", source, strings.ReplaceAll(relation, "_", " "), target)
}
