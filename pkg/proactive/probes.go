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

// interestRelations mark the user edges that define interest
// categories worth probing other people about.
var interestRelations = map[string]struct{}{
	"likes":   {},
	"prefers": {},
	"enjoys":  {},
}

// probePriority is the base priority for knowledge-gap probes.
const probePriority = 0.5

const probeSystemPrompt = `You write one short, natural question an assistant could weave into a conversation to learn a missing preference.
Return a JSON object. Ask about the named person and category only.`

const probeSchemaHint = `{"question": "string"}`

// gap is a person with no recorded stance on a category the user cares
// about.
type gap struct {
	person   *types.Node
	category *types.Node
}

// detectGaps finds gaps opened by the given mutation: a new person is
// checked against every interest category; a new user interest is
// checked against every known person.
func (e *Engine) detectGaps(ctx context.Context, ev types.GraphEvent) ([]gap, error) {
	switch ev.Type {
	case types.EventNodeAdded:
		if ev.Node == nil || ev.Node.Kind != types.KindPerson || isUser(ev.Node) {
			return nil, nil
		}
		categories, err := e.userInterests(ctx)
		if err != nil {
			return nil, err
		}
		return e.gapsFor(ctx, []*types.Node{ev.Node}, categories)
	case types.EventEdgeAdded:
		if ev.Edge == nil {
			return nil, nil
		}
		if _, interesting := interestRelations[ev.Edge.Relation]; !interesting {
			return nil, nil
		}
		source, err := e.store.GetNode(ctx, ev.Edge.SourceID)
		if err != nil || !isUser(source) {
			return nil, err
		}
		category, err := e.store.GetNode(ctx, ev.Edge.TargetID)
		if err != nil {
			return nil, err
		}
		if category.Kind != types.KindConcept {
			return nil, nil
		}
		persons, err := e.knownPersons(ctx)
		if err != nil {
			return nil, err
		}
		return e.gapsFor(ctx, persons, []*types.Node{category})
	}
	return nil, nil
}

func (e *Engine) gapsFor(ctx context.Context, persons, categories []*types.Node) ([]gap, error) {
	var out []gap
	for _, p := range persons {
		for _, c := range categories {
			covered, err := e.hasStance(ctx, p.ID, c.ID)
			if err != nil {
				return nil, err
			}
			if !covered {
				out = append(out, gap{person: p, category: c})
			}
		}
	}
	return out, nil
}

// hasStance reports whether any active edge links the person to the
// category.
func (e *Engine) hasStance(ctx context.Context, personID, categoryID string) (bool, error) {
	edges, err := e.store.Edges(ctx, graph.EdgeFilter{SourceID: personID, TargetID: categoryID})
	if err != nil {
		return false, err
	}
	return len(edges) > 0, nil
}

// userInterests returns the concept nodes the user has an interest
// edge to.
func (e *Engine) userInterests(ctx context.Context) ([]*types.Node, error) {
	user, err := e.userNode(ctx)
	if err != nil || user == nil {
		return nil, err
	}
	edges, err := e.store.Edges(ctx, graph.EdgeFilter{SourceID: user.ID})
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var out []*types.Node
	for _, ed := range edges {
		if _, ok := interestRelations[ed.Relation]; !ok {
			continue
		}
		if _, dup := seen[ed.TargetID]; dup {
			continue
		}
		target, err := e.store.GetNode(ctx, ed.TargetID)
		if err != nil {
			return nil, err
		}
		if target.Kind != types.KindConcept {
			continue
		}
		seen[ed.TargetID] = struct{}{}
		out = append(out, target)
	}
	return out, nil
}

func (e *Engine) knownPersons(ctx context.Context) ([]*types.Node, error) {
	nodes, err := e.store.FindNodes(ctx, graph.FindFilter{Kind: types.KindPerson})
	if err != nil {
		return nil, err
	}
	out := nodes[:0]
	for _, n := range nodes {
		if !isUser(n) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (e *Engine) userNode(ctx context.Context) (*types.Node, error) {
	nodes, err := e.store.FindNodes(ctx, graph.FindFilter{Kind: types.KindPerson, Alias: "user"})
	if err != nil || len(nodes) == 0 {
		return nil, err
	}
	return nodes[0], nil
}

func isUser(n *types.Node) bool {
	return n != nil && strings.EqualFold(n.Name, "user")
}

// proposeProbe synthesizes and enqueues one preference-discovery probe.
func (e *Engine) proposeProbe(ctx context.Context, g gap, correlationID string) error {
	item := types.OutboundItem{
		ID:          types.NewOutboundID(),
		Kind:        types.OutboundProbe,
		Subtype:     types.SubtypePreferenceDiscovery,
		Priority:    probePriority,
		ContextTags: []string{strings.ToLower(g.category.Name)},
		Entities:    []string{g.person.Name, g.category.Name},
		MinTurn:     e.probing.MinTurn,
		Payload:     e.probeQuestion(ctx, g),
		State:       types.OutboundQueued,
		CreatedAt:   e.now(),
		// Dedupe key: one probe per (person, category) gap.
		CorrelationID: fmt.Sprintf("gap:%s:%s", g.person.ID, g.category.ID),
	}
	if err := e.sink.Propose(ctx, item); err != nil {
		return err
	}
	e.Counters.ProbesGenerated.Add(1)
	return nil
}

func (e *Engine) probeQuestion(ctx context.Context, g gap) string {
	fallback := fmt.Sprintf("Does %s also enjoy %s?", g.person.Name, g.category.Name)
	if e.large == nil {
		return fallback
	}
	resp, err := e.large.Complete(ctx, llm.Request{
		System:     probeSystemPrompt,
		Prompt:     fmt.Sprintf("Person: %s\nCategory: %s\n", g.person.Name, g.category.Name),
		SchemaHint: probeSchemaHint,
	})
	if err != nil {
		e.logger.Warn("probe synthesis unavailable, using template", "error", err)
		return fallback
	}
	var out struct {
		Question string `json:"question"`
	}
	if err := extraction.DecodeJSON(resp.Content, &out); err != nil || out.Question == "" {
		return fallback
	}
	return out.Question
}
