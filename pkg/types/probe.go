package types

import (
	"time"

	"github.com/google/uuid"
)

// OutboundKind distinguishes probes (questions the system wants to ask)
// from starters (system-initiated openings triggered by external events).
type OutboundKind string

const (
	OutboundProbe   OutboundKind = "probe"
	OutboundStarter OutboundKind = "starter"
)

// Probe subtypes.
const (
	SubtypePreferenceDiscovery = "preference-discovery"
	SubtypeFactVerification    = "fact-verification"
	SubtypePreferenceRefine    = "preference-refinement"
)

// Starter subtypes.
const (
	SubtypeAlert        = "alert"
	SubtypeOpportunity  = "opportunity"
	SubtypeRevision     = "revision"
	SubtypeInsight      = "insight"
	SubtypeAnticipation = "anticipation"
)

// OutboundState tracks an item through its delivery lifecycle.
type OutboundState string

const (
	OutboundGenerated OutboundState = "generated"
	OutboundQueued    OutboundState = "queued"
	OutboundDelivered OutboundState = "delivered"
	OutboundAccepted  OutboundState = "accepted"
	OutboundIgnored   OutboundState = "ignored"
	OutboundDeflected OutboundState = "deflected"
	OutboundObsoleted OutboundState = "obsoleted"
)

// OutboundItem is a pending probe or starter waiting for a contextually
// appropriate moment. The agent pulls items; the service never delivers
// content to end users itself.
type OutboundItem struct {
	ID          string        `json:"id"`
	Kind        OutboundKind  `json:"kind"`
	Subtype     string        `json:"subtype"`
	Priority    float64       `json:"priority"`
	ContextTags []string      `json:"context_tags,omitempty"`
	Entities    []string      `json:"entities,omitempty"`
	MinTurn     int           `json:"min_turn"`
	NotBefore   time.Time     `json:"not_before"`
	NotAfter    time.Time     `json:"not_after"`
	Payload     string        `json:"payload"`
	State       OutboundState `json:"state"`
	CreatedAt   time.Time     `json:"created_at"`

	// CooldownUntil holds items back after an ignore or deflect.
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`

	// CorrelationID threads the item back to the mutation or external
	// event that produced it.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Validate checks the required outbound item fields.
func (it *OutboundItem) Validate() error {
	if it.ID == "" {
		return ErrEmptyID
	}
	if it.Payload == "" {
		return ErrEmptyName
	}
	return nil
}

// Expired reports whether the delivery window has closed.
func (it *OutboundItem) Expired(now time.Time) bool {
	return !it.NotAfter.IsZero() && now.After(it.NotAfter)
}

// NewOutboundID returns a fresh outbound item identifier.
func NewOutboundID() string {
	return "p_" + uuid.NewString()[:12]
}

// ExternalEvent is a normalized event from an external source poller
// (weather, news, calendar). Adapters normalize before enqueueing; the
// proactive engine only sees this shape.
type ExternalEvent struct {
	Source     string    `json:"source"`
	Kind       string    `json:"kind"`
	Topics     []string  `json:"topics,omitempty"`
	Entities   []string  `json:"entities,omitempty"`
	Summary    string    `json:"summary"`
	OccurredAt time.Time `json:"occurred_at"`
	WindowEnd  time.Time `json:"window_end,omitempty"`
}
