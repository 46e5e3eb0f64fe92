package types

import (
	"time"

	"github.com/google/uuid"
)

// TemporalType scopes how long a fact is expected to remain true.
type TemporalType string

const (
	// TemporalTrait is a near-permanent fact ("Lena is married to User").
	TemporalTrait TemporalType = "trait"
	// TemporalState is a time-bounded fact ("working on the migration").
	TemporalState TemporalType = "state"
	// TemporalWish is a desire with an expiry ("wants to visit Lisbon").
	TemporalWish TemporalType = "wish"
	// TemporalEpisode is a one-time event ("ordered Malbec on Friday").
	TemporalEpisode TemporalType = "episode"
)

// ValidTemporalType reports whether t is a member of the closed set.
func ValidTemporalType(t TemporalType) bool {
	switch t {
	case TemporalTrait, TemporalState, TemporalWish, TemporalEpisode:
		return true
	}
	return false
}

// Provenance records how a fact entered the graph.
type Provenance string

const (
	ProvenanceExplicit       Provenance = "explicit"
	ProvenanceObservational  Provenance = "observational"
	ProvenanceInferential    Provenance = "inferential"
	ProvenanceReflective     Provenance = "reflective"
	ProvenanceUserCorrection Provenance = "user_correction"
)

// Retraction reasons used by the diff engine and user corrections.
const (
	RetractionSuperseded  = "superseded"
	RetractionUserRequest = "user_request"
)

// Edge is a typed, directed, confidence-weighted, temporally scoped
// relation between two nodes. Parallel edges with different relations are
// permitted between the same node pair; same-relation duplicates are
// merged by reinforcement.
type Edge struct {
	ID             string       `json:"id" mapstructure:"id"`
	SourceID       string       `json:"source_id" mapstructure:"source_id"`
	TargetID       string       `json:"target_id" mapstructure:"target_id"`
	Relation       string       `json:"relation" mapstructure:"relation"`
	Confidence     float64      `json:"confidence" mapstructure:"confidence"`
	Temporal       TemporalType `json:"temporal" mapstructure:"temporal"`
	FirstObserved  time.Time    `json:"first_observed" mapstructure:"first_observed"`
	LastReinforced time.Time    `json:"last_reinforced" mapstructure:"last_reinforced"`
	DecayRate      float64      `json:"decay_rate" mapstructure:"decay_rate"`
	ContextTags    []string     `json:"context_tags,omitempty" mapstructure:"context_tags"`
	EpisodeIDs     []string     `json:"episode_ids,omitempty" mapstructure:"episode_ids"`
	Mechanism      Provenance   `json:"mechanism" mapstructure:"mechanism"`
	Expiry         *time.Time   `json:"expiry,omitempty" mapstructure:"expiry"`

	// Lifecycle flags. Retracted and archived edges remain stored for
	// audit but never surface in queries unless IncludeInactive is set.
	Retracted       bool   `json:"retracted,omitempty" mapstructure:"retracted"`
	RetractedReason string `json:"retracted_reason,omitempty" mapstructure:"retracted_reason"`
	Archived        bool   `json:"archived,omitempty" mapstructure:"archived"`

	// RefinesEdgeID links a more-specific edge to the general edge it
	// refines ("prefers Malbec" refines "likes wine").
	RefinesEdgeID string `json:"refines_edge_id,omitempty" mapstructure:"refines_edge_id"`

	// Extraction annotations carried through from the pipeline.
	Hypothetical         bool `json:"hypothetical,omitempty" mapstructure:"hypothetical"`
	Secondhand           bool `json:"secondhand,omitempty" mapstructure:"secondhand"`
	AttributionUncertain bool `json:"attribution_uncertain,omitempty" mapstructure:"attribution_uncertain"`
}

// Validate checks the required edge fields.
func (e *Edge) Validate() error {
	if e.SourceID == "" || e.TargetID == "" {
		return ErrMissingEndpoint
	}
	if e.Relation == "" {
		return ErrEmptyName
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return ErrConfidenceRange
	}
	if e.Mechanism != ProvenanceUserCorrection && len(e.EpisodeIDs) == 0 {
		return ErrMissingProvenance
	}
	return nil
}

// Active reports whether the edge should surface in normal queries at
// the given instant.
func (e *Edge) Active(now time.Time) bool {
	if e.Retracted || e.Archived {
		return false
	}
	if e.Expiry != nil && !e.Expiry.After(now) {
		return false
	}
	return true
}

// NewEdgeID returns a fresh edge identifier.
func NewEdgeID() string {
	return "e_" + uuid.NewString()[:12]
}
