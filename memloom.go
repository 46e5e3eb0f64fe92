// Package memloom is a persistent knowledge-graph memory service for
// conversational agents. Utterances enter as opaque text; the service
// extracts entities and typed relations, integrates them into a
// temporal weighted graph with per-edge confidence, and exposes query,
// probe, and subscription surfaces so an agent can recall what the
// graph knows and react to what changes.
package memloom

import (
	"context"

	"github.com/memloom/memloom/pkg/diff"
	"github.com/memloom/memloom/pkg/events"
	"github.com/memloom/memloom/pkg/graph"
	"github.com/memloom/memloom/pkg/outbound"
	"github.com/memloom/memloom/pkg/query"
	"github.com/memloom/memloom/pkg/types"
)

// SnapshotFormat selects a graph export encoding.
type SnapshotFormat string

const (
	SnapshotFull    SnapshotFormat = "full"
	SnapshotGraphML SnapshotFormat = "graphml"
)

// ExtractionSummary reports what one utterance did to the graph.
type ExtractionSummary struct {
	EpisodeID string         `json:"episode_id,omitempty"`
	Outcomes  []diff.Outcome `json:"outcomes,omitempty"`
	Warnings  []string       `json:"warnings,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
}

// ContextResult is the combined get_context answer: the message is
// processed into the graph, then planned and executed as a query.
type ContextResult struct {
	Extraction ExtractionSummary `json:"extraction"`
	Subgraph   *query.Subgraph   `json:"subgraph"`
	Plan       *query.Plan       `json:"plan"`
}

// Health is the component-wise service health snapshot.
type Health struct {
	Graph    graph.Stats       `json:"graph"`
	Breakers map[string]string `json:"breakers,omitempty"`
	Bus      events.Counters   `json:"bus"`
	Inbound  int               `json:"inbound_depth"`
	DeadLetters int            `json:"dead_letters"`
}

// Ingestor accepts events entering the service.
type Ingestor interface {
	// ReportInteraction enqueues one utterance. Duplicate (session,
	// turn) pairs are dropped without error.
	ReportInteraction(ctx context.Context, ev types.InteractionEvent) error
	// ReportExternalEvent feeds a normalized monitor event to the
	// starter generator.
	ReportExternalEvent(ctx context.Context, ev types.ExternalEvent) error
}

// Querier is the synchronous read surface.
type Querier interface {
	Query(ctx context.Context, req query.Request) (*query.Subgraph, error)
	QueryNL(ctx context.Context, text string) (*query.Subgraph, *query.Plan, error)
	// GetContext processes the message synchronously, then plans and
	// executes it as a query.
	GetContext(ctx context.Context, ev types.InteractionEvent) (*ContextResult, error)
	// AssembleContext packs the most relevant facts, reminders, and
	// pending probes into a token budget.
	AssembleContext(ctx context.Context, req query.ContextRequest) (*query.ContextBlock, error)
}

// Prober is the pull surface for proactive output.
type Prober interface {
	GetProbes(ctx context.Context, conv outbound.Conversation) ([]types.OutboundItem, error)
	GetStarters(ctx context.Context, conv outbound.Conversation) ([]types.OutboundItem, error)
	MarkDelivered(ctx context.Context, itemID, sessionID string) error
	ResolveOutbound(ctx context.Context, itemID string, outcome types.OutboundState) error
}

// Corrector applies explicit user corrections. Corrections always
// apply; they are never gated by confidence.
type Corrector interface {
	UserCorrection(ctx context.Context, corr types.UserCorrection) error
}

// Subscriber delivers graph mutation events to named handlers.
type Subscriber interface {
	Subscribe(name string, handler events.Handler)
	Unsubscribe(name string)
}

// Admin covers provenance, export, health, and shutdown.
type Admin interface {
	GetProvenance(ctx context.Context, edgeID string) (*types.ProvenanceChain, error)
	GraphSnapshot(ctx context.Context, format SnapshotFormat) ([]byte, error)
	Health(ctx context.Context) (*Health, error)
	Close(ctx context.Context) error
}

// Service is the full operation surface, composed from the focused
// interfaces above. Consumers should depend on the smallest interface
// that meets their needs.
type Service interface {
	Ingestor
	Querier
	Prober
	Corrector
	Subscriber
	Admin
}

var _ Service = (*Client)(nil)
