package query

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/memloom/memloom/pkg/graph"
	"github.com/memloom/memloom/pkg/outbound"
	"github.com/memloom/memloom/pkg/types"
)

// relevance weights for context-block ranking.
const (
	entityMatchWeight = 0.40
	topicMatchWeight  = 0.25
	confidenceWeight  = 0.20
	recencyWeight     = 0.15

	// recencyHalfLifeDays halves a fact's recency component monthly.
	recencyHalfLifeDays = 30
)

// TokenCounter measures prompt size for the context-block budget.
type TokenCounter func(string) int

// NewTokenCounter returns a cl100k_base counter, degrading to a
// four-characters-per-token estimate when the encoding is unavailable.
func NewTokenCounter() TokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return func(s string) int { return len(s)/4 + 1 }
	}
	return func(s string) int { return len(enc.Encode(s, nil, nil)) }
}

// ContextRequest describes the live conversation a context block is
// assembled for.
type ContextRequest struct {
	SessionID      string   `json:"session_id"`
	Turn           int      `json:"turn"`
	ActiveEntities []string `json:"active_entities,omitempty"`
	ActiveTopics   []string `json:"active_topics,omitempty"`
	TokenBudget    int      `json:"token_budget"`
}

// Fact is one rendered graph edge in a context block.
type Fact struct {
	Line       string  `json:"line"`
	EdgeID     string  `json:"edge_id"`
	Relevance  float64 `json:"relevance"`
	Confidence float64 `json:"confidence"`
}

// ContextBlock is the ranked description handed to the agent.
type ContextBlock struct {
	Text       string               `json:"text"`
	Facts      []Fact               `json:"facts"`
	Reminders  []Fact               `json:"reminders,omitempty"`
	Probes     []types.OutboundItem `json:"probes,omitempty"`
	TokensUsed int                  `json:"tokens_used"`
}

// AssembleContext ranks the graph's facts against the live conversation
// and packs the best into the token budget, together with pending
// probes that fit and upcoming reminders.
func (e *Engine) AssembleContext(ctx context.Context, req ContextRequest) (*ContextBlock, error) {
	if req.TokenBudget <= 0 {
		req.TokenBudget = 1024
	}
	now := e.now()

	edges, err := e.store.Edges(ctx, graph.EdgeFilter{})
	if err != nil {
		return nil, err
	}

	names, err := e.nodeNames(ctx, edges)
	if err != nil {
		return nil, err
	}

	activeEntities := foldSet(req.ActiveEntities)
	activeTopics := foldSet(req.ActiveTopics)

	var facts, reminders []Fact
	for _, ed := range edges {
		line := renderFact(ed, names)
		f := Fact{
			Line:       line,
			EdgeID:     ed.ID,
			Confidence: ed.Confidence,
			Relevance:  e.relevance(ed, names, activeEntities, activeTopics, now),
		}
		if ed.Temporal == types.TemporalWish && ed.Expiry != nil && ed.Expiry.After(now) {
			reminders = append(reminders, f)
			continue
		}
		facts = append(facts, f)
	}
	sort.SliceStable(facts, func(i, j int) bool { return facts[i].Relevance > facts[j].Relevance })
	sort.SliceStable(reminders, func(i, j int) bool { return reminders[i].Relevance > reminders[j].Relevance })

	block := &ContextBlock{}
	var b strings.Builder
	budget := req.TokenBudget

	appendLine := func(line string) bool {
		cost := e.countTokens(line + "\n")
		if cost > budget {
			return false
		}
		budget -= cost
		b.WriteString(line)
		b.WriteByte('\n')
		return true
	}

	for _, f := range facts {
		if !appendLine(f.Line) {
			break
		}
		block.Facts = append(block.Facts, f)
	}
	for _, f := range reminders {
		if !appendLine("reminder: " + f.Line) {
			break
		}
		block.Reminders = append(block.Reminders, f)
	}

	if e.prober != nil {
		probes, err := e.prober.Eligible(ctx, outbound.Conversation{
			SessionID: req.SessionID,
			Turn:      req.Turn,
			Topics:    req.ActiveTopics,
			Entities:  req.ActiveEntities,
			Timestamp: now,
		})
		if err != nil {
			e.logger.Warn("failed to load pending probes for context block", "error", err)
		} else {
			for _, p := range probes {
				if !appendLine("pending question: " + p.Payload) {
					break
				}
				block.Probes = append(block.Probes, p)
			}
		}
	}

	block.Text = b.String()
	block.TokensUsed = req.TokenBudget - budget
	return block, nil
}

// relevance scores one edge against the live conversation.
func (e *Engine) relevance(ed *types.Edge, names map[string]*types.Node, entities, topics map[string]struct{}, now time.Time) float64 {
	entityMatch := 0.0
	for _, id := range []string{ed.SourceID, ed.TargetID} {
		if n, ok := names[id]; ok && nodeMatches(n, entities) {
			entityMatch = 1.0
			break
		}
	}

	topicMatch := 0.0
	if len(topics) > 0 && len(ed.ContextTags) > 0 {
		hit := 0
		for _, tag := range ed.ContextTags {
			if _, ok := topics[fold(tag)]; ok {
				hit++
			}
		}
		topicMatch = float64(hit) / float64(len(ed.ContextTags))
	}

	age := now.Sub(ed.LastReinforced)
	recency := math.Pow(0.5, age.Hours()/(recencyHalfLifeDays*24))

	return entityMatchWeight*entityMatch +
		topicMatchWeight*topicMatch +
		confidenceWeight*ed.Confidence +
		recencyWeight*recency
}

func (e *Engine) nodeNames(ctx context.Context, edges []*types.Edge) (map[string]*types.Node, error) {
	out := map[string]*types.Node{}
	for _, ed := range edges {
		for _, id := range []string{ed.SourceID, ed.TargetID} {
			if _, ok := out[id]; ok {
				continue
			}
			n, err := e.store.GetNode(ctx, id)
			if err != nil {
				return nil, err
			}
			out[id] = n
		}
	}
	return out, nil
}

func renderFact(ed *types.Edge, names map[string]*types.Node) string {
	source, target := ed.SourceID, ed.TargetID
	if n, ok := names[ed.SourceID]; ok {
		source = n.Name
	}
	if n, ok := names[ed.TargetID]; ok {
		target = n.Name
	}
	return fmt.Sprintf("%s %s %s (confidence %.2f)", source, strings.ReplaceAll(ed.Relation, "_", " "), target, ed.Confidence)
}

func nodeMatches(n *types.Node, entities map[string]struct{}) bool {
	if len(entities) == 0 {
		return false
	}
	if _, ok := entities[fold(n.Name)]; ok {
		return true
	}
	for _, a := range n.Aliases {
		if _, ok := entities[fold(a)]; ok {
			return true
		}
	}
	return false
}

func fold(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func foldSet(in []string) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for _, s := range in {
		out[fold(s)] = struct{}{}
	}
	return out
}
