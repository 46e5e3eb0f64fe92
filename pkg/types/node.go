package types

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Validation errors
var (
	ErrEmptyName         = errors.New("name cannot be empty")
	ErrEmptyID           = errors.New("id cannot be empty")
	ErrUnknownKind       = errors.New("unknown node kind")
	ErrConfidenceRange   = errors.New("confidence out of range")
	ErrMissingEndpoint   = errors.New("edge endpoint does not exist")
	ErrPrivacyViolation  = errors.New("privacy level violation")
	ErrMissingProvenance = errors.New("edge has no source episode or correction record")
)

// NodeKind is the closed set of node kinds in the graph.
type NodeKind string

const (
	KindPerson       NodeKind = "person"
	KindOrganization NodeKind = "organization"
	KindPlace        NodeKind = "place"
	KindTool         NodeKind = "tool"
	KindConcept      NodeKind = "concept"
	KindEpisode      NodeKind = "episode"
	KindExperience   NodeKind = "experience"
	KindProcedure    NodeKind = "procedure"
	KindPreference   NodeKind = "preference"
	KindContext      NodeKind = "context"
)

// ValidKind reports whether k is a member of the closed kind set.
func ValidKind(k NodeKind) bool {
	switch k {
	case KindPerson, KindOrganization, KindPlace, KindTool, KindConcept,
		KindEpisode, KindExperience, KindProcedure, KindPreference, KindContext:
		return true
	}
	return false
}

// PrivacyLevel classifies how widely a node's knowledge may travel.
// Levels are monotonically sticky: derivations may raise a node's level
// but never lower it implicitly.
type PrivacyLevel int

const (
	PrivacyPublic   PrivacyLevel = iota // L0
	PrivacyPlatform                     // L1
	PrivacyPersonal                     // L2
	PrivacyPrivate                      // L3
	PrivacySealed                       // L4
)

func (p PrivacyLevel) String() string {
	switch p {
	case PrivacyPublic:
		return "L0"
	case PrivacyPlatform:
		return "L1"
	case PrivacyPersonal:
		return "L2"
	case PrivacyPrivate:
		return "L3"
	case PrivacySealed:
		return "L4"
	}
	return "unknown"
}

// Node is an entity in the knowledge graph. Two nodes of the same kind
// with overlapping case-folded aliases are the same entity; the store
// keeps one representative per equivalence class.
type Node struct {
	ID             string                 `json:"id" mapstructure:"id"`
	Kind           NodeKind               `json:"kind" mapstructure:"kind"`
	Name           string                 `json:"name" mapstructure:"name"`
	Aliases        []string               `json:"aliases,omitempty" mapstructure:"aliases"`
	Properties     map[string]interface{} `json:"properties,omitempty" mapstructure:"properties"`
	Privacy        PrivacyLevel           `json:"privacy" mapstructure:"privacy"`
	CreatedAt      time.Time              `json:"created_at" mapstructure:"created_at"`
	LastReinforced time.Time              `json:"last_reinforced" mapstructure:"last_reinforced"`

	// Experience/procedure fields
	Description        string   `json:"description,omitempty" mapstructure:"description"`
	Applicability      string   `json:"applicability,omitempty" mapstructure:"applicability"`
	Confidence         float64  `json:"confidence,omitempty" mapstructure:"confidence"`
	ReinforcementCount int      `json:"reinforcement_count,omitempty" mapstructure:"reinforcement_count"`
	EpisodeIDs         []string `json:"episode_ids,omitempty" mapstructure:"episode_ids"`
}

// Validate checks the required node fields.
func (n *Node) Validate() error {
	if n.Name == "" {
		return ErrEmptyName
	}
	if !ValidKind(n.Kind) {
		return ErrUnknownKind
	}
	return nil
}

// AliasSet returns the node's case-folded alias set, always including the
// canonical name.
func (n *Node) AliasSet() map[string]struct{} {
	set := make(map[string]struct{}, len(n.Aliases)+1)
	set[FoldAlias(n.Name)] = struct{}{}
	for _, a := range n.Aliases {
		if a != "" {
			set[FoldAlias(a)] = struct{}{}
		}
	}
	return set
}

// HasAlias reports whether name matches the node's canonical name or any
// alias under case folding.
func (n *Node) HasAlias(name string) bool {
	_, ok := n.AliasSet()[FoldAlias(name)]
	return ok
}

// FoldAlias canonicalizes an alias for equivalence comparison.
// Resolution is case-folded exact match; no fuzzy or embedding-based
// matching happens here.
func FoldAlias(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NewNodeID returns a fresh node identifier.
func NewNodeID() string {
	return "n_" + uuid.NewString()[:12]
}
