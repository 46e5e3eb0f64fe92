package graph

import (
	"encoding/json"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/memloom/memloom/pkg/types"
)

// Property conversion between domain types and neo4j records. Times are
// stored as RFC3339Nano strings and free-form node properties as a JSON
// blob, since neo4j properties cannot nest maps.

func nodeToProps(n *types.Node) map[string]any {
	props := map[string]any{
		"uuid":            n.ID,
		"kind":            string(n.Kind),
		"name":            n.Name,
		"aliases":         append([]string{}, n.Aliases...),
		"privacy":         int64(n.Privacy),
		"created_at":      n.CreatedAt.Format(time.RFC3339Nano),
		"last_reinforced": n.LastReinforced.Format(time.RFC3339Nano),
	}
	if len(n.Properties) > 0 {
		if blob, err := json.Marshal(n.Properties); err == nil {
			props["properties_json"] = string(blob)
		}
	}
	if n.Kind == types.KindExperience || n.Kind == types.KindProcedure {
		props["description"] = n.Description
		props["applicability"] = n.Applicability
		props["confidence"] = n.Confidence
		props["reinforcement_count"] = int64(n.ReinforcementCount)
		props["episode_ids"] = append([]string{}, n.EpisodeIDs...)
	}
	return props
}

func nodeFromRecord(record *db.Record) (*types.Node, error) {
	dbNode, err := asNode(record, "n")
	if err != nil {
		return nil, err
	}
	p := dbNode.Props
	n := &types.Node{
		ID:                 asString(p["uuid"]),
		Kind:               types.NodeKind(asString(p["kind"])),
		Name:               asString(p["name"]),
		Aliases:            asStrings(p["aliases"]),
		Privacy:            types.PrivacyLevel(asInt64(p["privacy"])),
		CreatedAt:          asTime(p["created_at"]),
		LastReinforced:     asTime(p["last_reinforced"]),
		Description:        asString(p["description"]),
		Applicability:      asString(p["applicability"]),
		Confidence:         asFloat(p["confidence"]),
		ReinforcementCount: int(asInt64(p["reinforcement_count"])),
		EpisodeIDs:         asStrings(p["episode_ids"]),
	}
	if blob := asString(p["properties_json"]); blob != "" {
		_ = json.Unmarshal([]byte(blob), &n.Properties)
	}
	return n, nil
}

func edgeToProps(e *types.Edge) map[string]any {
	props := map[string]any{
		"uuid":             e.ID,
		"relation":         e.Relation,
		"confidence":       e.Confidence,
		"temporal":         string(e.Temporal),
		"first_observed":   e.FirstObserved.Format(time.RFC3339Nano),
		"last_reinforced":  e.LastReinforced.Format(time.RFC3339Nano),
		"decay_rate":       e.DecayRate,
		"context_tags":     append([]string{}, e.ContextTags...),
		"episode_ids":      append([]string{}, e.EpisodeIDs...),
		"mechanism":        string(e.Mechanism),
		"retracted":        e.Retracted,
		"retracted_reason": e.RetractedReason,
		"archived":         e.Archived,
		"refines_edge_id":  e.RefinesEdgeID,
		"hypothetical":     e.Hypothetical,
		"secondhand":       e.Secondhand,
		"attr_uncertain":   e.AttributionUncertain,
	}
	if e.Expiry != nil {
		props["expiry"] = e.Expiry.Format(time.RFC3339Nano)
	}
	return props
}

func edgeFromRecord(record *db.Record) (*types.Edge, error) {
	value, found := record.Get("r")
	if !found {
		return nil, ErrEdgeNotFound
	}
	rel, ok := value.(dbtype.Relationship)
	if !ok {
		return nil, ErrEdgeNotFound
	}
	p := rel.Props

	e := &types.Edge{
		ID:                   asString(p["uuid"]),
		Relation:             asString(p["relation"]),
		Confidence:           asFloat(p["confidence"]),
		Temporal:             types.TemporalType(asString(p["temporal"])),
		FirstObserved:        asTime(p["first_observed"]),
		LastReinforced:       asTime(p["last_reinforced"]),
		DecayRate:            asFloat(p["decay_rate"]),
		ContextTags:          asStrings(p["context_tags"]),
		EpisodeIDs:           asStrings(p["episode_ids"]),
		Mechanism:            types.Provenance(asString(p["mechanism"])),
		Retracted:            asBool(p["retracted"]),
		RetractedReason:      asString(p["retracted_reason"]),
		Archived:             asBool(p["archived"]),
		RefinesEdgeID:        asString(p["refines_edge_id"]),
		Hypothetical:         asBool(p["hypothetical"]),
		Secondhand:           asBool(p["secondhand"]),
		AttributionUncertain: asBool(p["attr_uncertain"]),
	}
	if expiry := asTime(p["expiry"]); !expiry.IsZero() {
		e.Expiry = &expiry
	}
	if source, found := record.Get("source"); found {
		e.SourceID = asString(source)
	}
	if target, found := record.Get("target"); found {
		e.TargetID = asString(target)
	}
	return e, nil
}

func episodeToProps(ep *types.Episode) map[string]any {
	return map[string]any{
		"uuid":        ep.ID,
		"occurred_at": ep.OccurredAt.Format(time.RFC3339Nano),
		"session_id":  ep.SessionID,
		"turn":        int64(ep.Turn),
		"channel":     ep.Channel,
		"sentiment":   ep.Sentiment,
		"outcome":     ep.Outcome,
		"edge_ids":    append([]string{}, ep.EdgeIDs...),
	}
}

func episodeFromRecord(record *db.Record) (*types.Episode, error) {
	dbNode, err := asNode(record, "e")
	if err != nil {
		return nil, err
	}
	p := dbNode.Props
	return &types.Episode{
		ID:         asString(p["uuid"]),
		OccurredAt: asTime(p["occurred_at"]),
		SessionID:  asString(p["session_id"]),
		Turn:       int(asInt64(p["turn"])),
		Channel:    asString(p["channel"]),
		Sentiment:  asFloat(p["sentiment"]),
		Outcome:    asFloat(p["outcome"]),
		EdgeIDs:    asStrings(p["edge_ids"]),
	}, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	}
	return 0
}

func asTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func asStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
