package types

import (
	"time"

	"github.com/google/uuid"
)

// Episode is a compact record of one interaction that produced edges.
// The originating utterance text is not retained; episodes exist to
// support provenance queries after the text is gone.
type Episode struct {
	ID         string    `json:"id" mapstructure:"id"`
	OccurredAt time.Time `json:"occurred_at" mapstructure:"occurred_at"`
	SessionID  string    `json:"session_id" mapstructure:"session_id"`
	Turn       int       `json:"turn" mapstructure:"turn"`
	Channel    string    `json:"channel" mapstructure:"channel"`
	Sentiment  float64   `json:"sentiment" mapstructure:"sentiment"`
	Outcome    float64   `json:"outcome" mapstructure:"outcome"`
	EdgeIDs    []string  `json:"edge_ids,omitempty" mapstructure:"edge_ids"`
}

// Validate checks the required episode fields.
func (ep *Episode) Validate() error {
	if ep.ID == "" {
		return ErrEmptyID
	}
	if ep.SessionID == "" {
		return ErrEmptyName
	}
	return nil
}

// NewEpisodeID returns a fresh episode identifier.
func NewEpisodeID() string {
	return "ep_" + uuid.NewString()[:12]
}

// ProvenanceChain is the answer to "where did this edge come from":
// the edge itself plus the episodes that contributed to it, newest first.
type ProvenanceChain struct {
	Edge     *Edge      `json:"edge"`
	Episodes []*Episode `json:"episodes"`
}
