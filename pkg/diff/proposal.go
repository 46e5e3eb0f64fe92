// Package diff implements the graph diff engine: the single component
// allowed to turn proposed facts into graph mutations. Every proposed
// operation is classified deterministically (INSERT, REINFORCE,
// CONTRADICT, SKIP, MERGE) and applied atomically per interaction under
// the writer lock, with audit records for each outcome.
package diff

import (
	"time"

	"github.com/memloom/memloom/pkg/types"
)

// OpKind is the classification of one proposed fact.
type OpKind string

const (
	OpInsert    OpKind = "INSERT"
	OpReinforce OpKind = "REINFORCE"
	OpRevise    OpKind = "REVISE"
	OpProbe     OpKind = "PROBE"
	OpSkip      OpKind = "SKIP"
	OpMerge     OpKind = "MERGE"
	OpRetract   OpKind = "RETRACT"
)

// ProposedNode is an entity mention to upsert before edges reference it.
type ProposedNode struct {
	Name    string             `json:"name"`
	Kind    types.NodeKind     `json:"kind"`
	Aliases []string           `json:"aliases,omitempty"`
	Privacy types.PrivacyLevel `json:"privacy,omitempty"`
}

// ProposedFact is one candidate edge with all extraction metadata.
// Endpoints are named, not id-bound: the engine resolves or creates
// them. RefinesTarget, when set, names the target of an existing
// more-general edge this fact refines.
type ProposedFact struct {
	SourceName string         `json:"source"`
	SourceKind types.NodeKind `json:"source_kind,omitempty"`
	TargetName string         `json:"target"`
	TargetKind types.NodeKind `json:"target_kind,omitempty"`
	Relation   string         `json:"relation"`

	Confidence  float64            `json:"confidence"`
	Temporal    types.TemporalType `json:"temporal"`
	Mechanism   types.Provenance   `json:"mechanism"`
	ContextTags []string           `json:"context_tags,omitempty"`
	Expiry      *time.Time         `json:"expiry,omitempty"`

	// SingleValued marks relations where one subject holds at most one
	// object (works_at, lives_in); a different object is a contradiction
	// rather than a parallel fact.
	SingleValued  bool   `json:"single_valued,omitempty"`
	RefinesTarget string `json:"refines_target,omitempty"`

	Hypothetical         bool `json:"hypothetical,omitempty"`
	Secondhand           bool `json:"secondhand,omitempty"`
	AttributionUncertain bool `json:"attribution_uncertain,omitempty"`
}

// ProposedRetraction asks for matching active edges to be retracted.
// An empty TargetName matches every object of the relation.
type ProposedRetraction struct {
	SourceName string `json:"source"`
	Relation   string `json:"relation"`
	TargetName string `json:"target,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Proposal is the complete output of one extraction run, applied
// atomically.
type Proposal struct {
	CorrelationID string               `json:"correlation_id"`
	SessionID     string               `json:"session_id,omitempty"`
	Episode       *types.Episode       `json:"episode,omitempty"`
	Nodes         []ProposedNode       `json:"nodes,omitempty"`
	Facts         []ProposedFact       `json:"facts,omitempty"`
	Retractions   []ProposedRetraction `json:"retractions,omitempty"`
}

// Outcome records how one proposed operation was classified and what it
// touched.
type Outcome struct {
	Op      OpKind  `json:"op"`
	EdgeID  string  `json:"edge_id,omitempty"`
	Reason  string  `json:"reason,omitempty"`
	Before  float64 `json:"confidence_before,omitempty"`
	After   float64 `json:"confidence_after,omitempty"`
	Subject string  `json:"subject,omitempty"`
}

// Result is the applied proposal: one outcome per proposed op.
type Result struct {
	CorrelationID string    `json:"correlation_id"`
	EpisodeID     string    `json:"episode_id,omitempty"`
	Outcomes      []Outcome `json:"outcomes"`
}
