package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		node    Node
		wantErr error
	}{
		{"valid person", Node{Name: "Lena", Kind: KindPerson}, nil},
		{"empty name", Node{Kind: KindPerson}, ErrEmptyName},
		{"unknown kind", Node{Name: "x", Kind: NodeKind("robot")}, ErrUnknownKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.node.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestNodeAliases(t *testing.T) {
	t.Parallel()

	n := Node{Name: "Lena", Kind: KindPerson, Aliases: []string{"my wife", "Lena K."}}
	assert.True(t, n.HasAlias("lena"))
	assert.True(t, n.HasAlias("  MY WIFE "))
	assert.True(t, n.HasAlias("lena k."))
	assert.False(t, n.HasAlias("lenka"))
}

func TestEdgeValidate(t *testing.T) {
	t.Parallel()

	base := Edge{
		SourceID:   "n_a",
		TargetID:   "n_b",
		Relation:   "loves",
		Confidence: 0.9,
		Mechanism:  ProvenanceExplicit,
		EpisodeIDs: []string{"ep_1"},
	}
	require.NoError(t, base.Validate())

	t.Run("confidence out of range", func(t *testing.T) {
		e := base
		e.Confidence = 1.3
		assert.ErrorIs(t, e.Validate(), ErrConfidenceRange)
	})

	t.Run("no episode requires correction provenance", func(t *testing.T) {
		e := base
		e.EpisodeIDs = nil
		assert.ErrorIs(t, e.Validate(), ErrMissingProvenance)

		e.Mechanism = ProvenanceUserCorrection
		assert.NoError(t, e.Validate())
	})
}

func TestEdgeActive(t *testing.T) {
	t.Parallel()

	now := time.Now()
	e := Edge{SourceID: "a", TargetID: "b", Relation: "r", EpisodeIDs: []string{"ep"}, Mechanism: ProvenanceExplicit}
	assert.True(t, e.Active(now))

	retracted := e
	retracted.Retracted = true
	assert.False(t, retracted.Active(now))

	archived := e
	archived.Archived = true
	assert.False(t, archived.Active(now))

	past := now.Add(-time.Hour)
	expired := e
	expired.Expiry = &past
	assert.False(t, expired.Active(now))

	future := now.Add(time.Hour)
	pending := e
	pending.Expiry = &future
	assert.True(t, pending.Active(now))
}

func TestIdempotencyKey(t *testing.T) {
	t.Parallel()

	iv := InteractionEvent{SessionID: "s1", Turn: 4}
	assert.Equal(t, "s1:4", iv.IdempotencyKey())
}

func TestEventCritical(t *testing.T) {
	t.Parallel()

	critical := []EventType{EventNodeAdded, EventEdgeAdded, EventEdgeRetracted}
	for _, et := range critical {
		ev := GraphEvent{Type: et}
		assert.True(t, ev.Critical(), string(et))
	}
	droppable := []EventType{EventNodeUpdated, EventEdgeUpdated, EventEdgeArchived}
	for _, et := range droppable {
		ev := GraphEvent{Type: et}
		assert.False(t, ev.Critical(), string(et))
	}
}

func TestPrivacyLevelString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "L0", PrivacyPublic.String())
	assert.Equal(t, "L4", PrivacySealed.String())
}
