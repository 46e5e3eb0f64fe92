// Package graph implements the typed temporal weighted multigraph at the
// heart of memloom: one representative node per alias equivalence class,
// parallel edges with per-edge confidence and lifecycle flags, filtered
// BFS traversal, and mutation primitives that emit events for every
// change.
//
// The Store interface is deliberately narrow so backends can be swapped
// without leaking a vendor query language into upper layers. Two
// implementations exist: the in-memory store (default) and a neo4j-backed
// store for durable deployments.
package graph

import (
	"context"
	"errors"

	"github.com/memloom/memloom/pkg/types"
)

var (
	// ErrNodeNotFound is returned when a node id does not resolve.
	ErrNodeNotFound = errors.New("node not found")
	// ErrEdgeNotFound is returned when an edge id does not resolve.
	ErrEdgeNotFound = errors.New("edge not found")
	// ErrEpisodeNotFound is returned when an episode id does not resolve.
	ErrEpisodeNotFound = errors.New("episode not found")
)

// Emitter receives graph mutation events. The event bus satisfies this;
// a nil emitter disables emission.
type Emitter interface {
	Emit(types.GraphEvent)
}

// FindFilter narrows FindNodes results. Zero values match everything.
type FindFilter struct {
	Kind         types.NodeKind
	NameContains string
	Alias        string // case-folded exact alias match
}

// EdgeFilter narrows Edges results. Zero values match everything.
// Retracted, archived, and expired edges are excluded unless
// IncludeInactive is set (audit paths only).
type EdgeFilter struct {
	SourceID        string
	TargetID        string
	Relation        string
	MinConfidence   float64
	IncludeInactive bool
}

// NeighborOptions controls BFS traversal from a node.
type NeighborOptions struct {
	MaxHops       int
	Relations     []string
	MinConfidence float64
}

// Snapshot is a consistent copy of the graph.
type Snapshot struct {
	Nodes    []*types.Node    `json:"nodes"`
	Edges    []*types.Edge    `json:"edges"`
	Episodes []*types.Episode `json:"episodes"`
}

// Stats summarizes graph size.
type Stats struct {
	Nodes    int `json:"nodes"`
	Edges    int `json:"edges"`
	Episodes int `json:"episodes"`
}

// Store is the narrow interface every graph backend implements.
//
// Concurrency contract: a single logical writer per user graph applies
// mutations serially; reads are consistent with the most recent committed
// mutation. Implementations must be safe for concurrent reads during
// writes.
type Store interface {
	// UpsertNode inserts the node or merges it onto the existing
	// representative when a same-kind node shares an alias. Privacy only
	// ever moves up. Returns the representative.
	UpsertNode(ctx context.Context, node *types.Node, correlationID string) (*types.Node, error)
	GetNode(ctx context.Context, id string) (*types.Node, error)
	FindNodes(ctx context.Context, f FindFilter) ([]*types.Node, error)
	// DeleteNode physically removes a node. With cascade, its edges go
	// too; without, attached edges block deletion.
	DeleteNode(ctx context.Context, id string, cascade bool, correlationID string) error

	// CreateEdge adds an edge between existing nodes. Fails with an
	// InvariantViolation-wrapped error when an endpoint is missing or
	// privacy constraints would be broken.
	CreateEdge(ctx context.Context, edge *types.Edge, correlationID string) error
	GetEdge(ctx context.Context, id string) (*types.Edge, error)
	Edges(ctx context.Context, f EdgeFilter) ([]*types.Edge, error)
	// ReinforceEdge sets the edge's confidence, stamps last_reinforced,
	// and appends the episode id.
	ReinforceEdge(ctx context.Context, edgeID string, newConfidence float64, episodeID, correlationID string) (*types.Edge, error)
	// ReviseEdge retracts the edge (reason superseded unless overridden)
	// and writes a replacement pointing at newTargetID.
	ReviseEdge(ctx context.Context, edgeID, newTargetID string, newConfidence float64, episodeID, reason, correlationID string) (*types.Edge, error)
	// RetractEdge hides the edge from queries, keeping it for audit.
	RetractEdge(ctx context.Context, edgeID, reason, correlationID string) error
	// ArchiveEdge retires a decayed edge.
	ArchiveEdge(ctx context.Context, edgeID, correlationID string) error
	// SetEdgeConfidence records a decayed confidence without touching
	// last_reinforced. Used by the decay worker.
	SetEdgeConfidence(ctx context.Context, edgeID string, newConfidence float64, correlationID string) error

	// Neighbors walks BFS from a node up to MaxHops, filtering edges per
	// level. Results order by descending confidence, then ascending
	// first_observed.
	Neighbors(ctx context.Context, nodeID string, opts NeighborOptions) ([]*types.Node, []*types.Edge, error)

	PutEpisode(ctx context.Context, ep *types.Episode) error
	GetEpisode(ctx context.Context, id string) (*types.Episode, error)
	// AppendEpisodeEdges links edges produced by an episode back to it.
	AppendEpisodeEdges(ctx context.Context, episodeID string, edgeIDs []string) error

	Snapshot(ctx context.Context, includeInactive bool) (*Snapshot, error)
	Stats(ctx context.Context) (Stats, error)
	Close(ctx context.Context) error
}
