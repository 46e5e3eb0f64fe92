package proactive

import (
	"context"
	"fmt"
	"strings"

	"github.com/memloom/memloom/pkg/extraction"
	"github.com/memloom/memloom/pkg/graph"
	"github.com/memloom/memloom/pkg/llm"
	"github.com/memloom/memloom/pkg/types"
)

const starterSystemPrompt = `You write one short, natural conversation opener an assistant could use.
Tie the external event to what is known about the user. Return a JSON object.`

const starterSchemaHint = `{"opener": "string"}`

var starterSubtypes = map[string]string{
	"alert":        types.SubtypeAlert,
	"opportunity":  types.SubtypeOpportunity,
	"revision":     types.SubtypeRevision,
	"insight":      types.SubtypeInsight,
	"anticipation": types.SubtypeAnticipation,
}

// HandleExternalEvent scores one normalized external event against the
// graph and enqueues a starter when it clears the relevance threshold.
func (e *Engine) HandleExternalEvent(ctx context.Context, ev types.ExternalEvent) error {
	relevance, matched, err := e.relevance(ctx, ev)
	if err != nil {
		return err
	}
	if relevance < e.starters.RelevanceThreshold {
		e.Counters.StartersRejected.Add(1)
		e.logger.Debug("external event below relevance threshold",
			"source", ev.Source, "kind", ev.Kind, "relevance", relevance)
		return nil
	}

	subtype, ok := starterSubtypes[ev.Kind]
	if !ok {
		subtype = types.SubtypeOpportunity
	}

	item := types.OutboundItem{
		ID:          types.NewOutboundID(),
		Kind:        types.OutboundStarter,
		Subtype:     subtype,
		Priority:    relevance,
		ContextTags: ev.Topics,
		Entities:    matched,
		NotBefore:   ev.OccurredAt,
		NotAfter:    ev.WindowEnd,
		Payload:     e.starterOpener(ctx, ev, matched),
		State:       types.OutboundQueued,
		CreatedAt:   e.now(),
		CorrelationID: fmt.Sprintf("%s:%s:%d",
			ev.Source, ev.Kind, ev.OccurredAt.Unix()),
	}
	if err := e.sink.Propose(ctx, item); err != nil {
		return err
	}
	e.Counters.StartersGenerated.Add(1)
	return nil
}

// relevance is the best confidence of any active edge touching a graph
// node matched by the event's entities or topics.
func (e *Engine) relevance(ctx context.Context, ev types.ExternalEvent) (float64, []string, error) {
	best := 0.0
	var matched []string
	for _, name := range append(append([]string{}, ev.Entities...), ev.Topics...) {
		nodes, err := e.store.FindNodes(ctx, graph.FindFilter{Alias: name})
		if err != nil {
			return 0, nil, err
		}
		for _, n := range nodes {
			conf, err := e.bestEdgeConfidence(ctx, n.ID)
			if err != nil {
				return 0, nil, err
			}
			if conf > 0 {
				matched = append(matched, n.Name)
			}
			if conf > best {
				best = conf
			}
		}
	}
	return best, matched, nil
}

func (e *Engine) bestEdgeConfidence(ctx context.Context, nodeID string) (float64, error) {
	best := 0.0
	for _, f := range []graph.EdgeFilter{{SourceID: nodeID}, {TargetID: nodeID}} {
		edges, err := e.store.Edges(ctx, f)
		if err != nil {
			return 0, err
		}
		for _, ed := range edges {
			if ed.Confidence > best {
				best = ed.Confidence
			}
		}
	}
	return best, nil
}

func (e *Engine) starterOpener(ctx context.Context, ev types.ExternalEvent, matched []string) string {
	fallback := ev.Summary
	if e.large == nil {
		return fallback
	}
	resp, err := e.large.Complete(ctx, llm.Request{
		System: starterSystemPrompt,
		Prompt: fmt.Sprintf("Event: %s\nKnown user entities involved: %s\n",
			ev.Summary, strings.Join(matched, ", ")),
		SchemaHint: starterSchemaHint,
	})
	if err != nil {
		e.logger.Warn("starter synthesis unavailable, using event summary", "error", err)
		return fallback
	}
	var out struct {
		Opener string `json:"opener"`
	}
	if err := extraction.DecodeJSON(resp.Content, &out); err != nil || out.Opener == "" {
		return fallback
	}
	return out.Opener
}
