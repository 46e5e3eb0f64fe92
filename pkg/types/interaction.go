package types

import (
	"fmt"
	"time"
)

// InteractionEvent is one agent-reported user utterance entering the
// inbound queue. Text is discarded after extraction; only derived
// knowledge and episode metadata survive.
type InteractionEvent struct {
	SessionID     string    `json:"session_id" mapstructure:"session_id"`
	Turn          int       `json:"turn" mapstructure:"turn"`
	Channel       string    `json:"channel" mapstructure:"channel"`
	Text          string    `json:"text" mapstructure:"text"`
	EntitiesHint  []string  `json:"entities_hint,omitempty" mapstructure:"entities_hint"`
	Timestamp     time.Time `json:"timestamp" mapstructure:"timestamp"`
	STTConfidence float64   `json:"stt_confidence,omitempty" mapstructure:"stt_confidence"`
	Timezone      string    `json:"timezone,omitempty" mapstructure:"timezone"`
}

// Validate checks the required interaction fields.
func (iv *InteractionEvent) Validate() error {
	if iv.SessionID == "" {
		return ErrEmptyName
	}
	if iv.Turn < 0 {
		return fmt.Errorf("turn must be non-negative, got %d", iv.Turn)
	}
	return nil
}

// IdempotencyKey identifies an interaction for exactly-once extraction.
func (iv *InteractionEvent) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", iv.SessionID, iv.Turn)
}

// ContextLevel controls how much prior context accompanies an extraction
// attempt. Retries progressively reduce context so oversized prompts do
// not wedge the queue.
type ContextLevel int

const (
	ContextFull ContextLevel = iota
	ContextHalf
	ContextMinimal
)

func (c ContextLevel) String() string {
	switch c {
	case ContextFull:
		return "full"
	case ContextHalf:
		return "half"
	case ContextMinimal:
		return "minimal"
	}
	return "unknown"
}

// UserCorrectionKind enumerates explicit user correction operations.
type UserCorrectionKind string

const (
	CorrectionRevise  UserCorrectionKind = "revise"
	CorrectionDelete  UserCorrectionKind = "delete"
	CorrectionRetract UserCorrectionKind = "retract"
)

// UserCorrection is an explicit revise/delete/retract request from the
// user. Corrections always apply; they are never gated by confidence.
type UserCorrection struct {
	Kind      UserCorrectionKind `json:"kind"`
	EntityRef string             `json:"entity_ref"`
	Field     string             `json:"field,omitempty"`
	OldValue  string             `json:"old_value,omitempty"`
	NewValue  string             `json:"new_value,omitempty"`
}
