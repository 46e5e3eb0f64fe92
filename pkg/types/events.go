package types

import "time"

// EventType is the closed set of graph mutation event types published on
// the event bus.
type EventType string

const (
	EventNodeAdded     EventType = "node_added"
	EventNodeUpdated   EventType = "node_updated"
	EventEdgeAdded     EventType = "edge_added"
	EventEdgeUpdated   EventType = "edge_updated"
	EventEdgeArchived  EventType = "edge_archived"
	EventEdgeRetracted EventType = "edge_retracted"
)

// GraphEvent is one graph mutation broadcast to subscribers.
type GraphEvent struct {
	Type          EventType `json:"type"`
	NodeID        string    `json:"node_id,omitempty"`
	EdgeID        string    `json:"edge_id,omitempty"`
	Node          *Node     `json:"node,omitempty"`
	Edge          *Edge     `json:"edge,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	EmittedAt     time.Time `json:"emitted_at"`
}

// Critical reports whether the event must survive back-pressure.
// Under load the bus drops the oldest non-critical events rather than
// blocking the writer; additions and retractions are never dropped.
func (ev GraphEvent) Critical() bool {
	switch ev.Type {
	case EventNodeAdded, EventEdgeAdded, EventEdgeRetracted:
		return true
	}
	return false
}
