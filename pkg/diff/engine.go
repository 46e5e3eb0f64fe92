package diff

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/memloom/memloom/pkg/audit"
	"github.com/memloom/memloom/pkg/confidence"
	"github.com/memloom/memloom/pkg/graph"
	"github.com/memloom/memloom/pkg/types"
)

const (
	hypotheticalCap = 0.20
	attributionCap  = 0.50
	resultCacheCap  = 4096
)

// Recorder receives audit entries. *audit.Log satisfies this.
type Recorder interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// ProbeSink receives verification probes raised by weak contradictions.
type ProbeSink interface {
	Propose(ctx context.Context, item types.OutboundItem) error
}

// Engine classifies and applies proposals. It is the single logical
// writer: Apply serializes on an internal lock, so one interaction's
// operations commit as a unit before the next begins.
type Engine struct {
	store      graph.Store
	conf       *confidence.Engine
	recorder   Recorder
	probes     ProbeSink
	minStorage float64
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	applied map[string]*Result
	order   []string
}

// NewEngine builds a diff engine. recorder and probes may be nil.
func NewEngine(store graph.Store, conf *confidence.Engine, recorder Recorder, probes ProbeSink, minStorage float64, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      store,
		conf:       conf,
		recorder:   recorder,
		probes:     probes,
		minStorage: minStorage,
		logger:     logger,
		now:        time.Now,
		applied:    make(map[string]*Result),
	}
}

// Apply classifies and applies every operation in the proposal.
// Reapplying a proposal with a correlation id already seen returns the
// cached result without touching the graph.
func (e *Engine) Apply(ctx context.Context, p *Proposal) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p.CorrelationID != "" {
		if cached, ok := e.applied[p.CorrelationID]; ok {
			e.logger.Debug("diff.idempotent_replay", "correlation_id", p.CorrelationID)
			return cached, nil
		}
	}

	result := &Result{CorrelationID: p.CorrelationID}

	if p.Episode != nil {
		if p.Episode.ID == "" {
			p.Episode.ID = types.NewEpisodeID()
		}
		if err := e.store.PutEpisode(ctx, p.Episode); err != nil {
			return nil, err
		}
		result.EpisodeID = p.Episode.ID
	}

	nodeIDs := make(map[string]string)
	for _, pn := range p.Nodes {
		node, err := e.upsertNode(ctx, pn, p.CorrelationID)
		if err != nil {
			return nil, err
		}
		nodeIDs[types.FoldAlias(pn.Name)] = node.ID
	}

	var touched []string
	for _, fact := range p.Facts {
		outcome, err := e.applyFact(ctx, p, fact, nodeIDs)
		if err != nil {
			return nil, err
		}
		result.Outcomes = append(result.Outcomes, outcome)
		if outcome.EdgeID != "" {
			touched = append(touched, outcome.EdgeID)
		}
	}

	for _, ret := range p.Retractions {
		outcomes, err := e.applyRetraction(ctx, p, ret, nodeIDs)
		if err != nil {
			return nil, err
		}
		result.Outcomes = append(result.Outcomes, outcomes...)
	}

	if result.EpisodeID != "" && len(touched) > 0 {
		if err := e.store.AppendEpisodeEdges(ctx, result.EpisodeID, touched); err != nil {
			return nil, err
		}
	}

	if p.CorrelationID != "" {
		e.cache(p.CorrelationID, result)
	}
	return result, nil
}

func (e *Engine) cache(correlationID string, result *Result) {
	if len(e.order) >= resultCacheCap {
		oldest := e.order[0]
		e.order = e.order[1:]
		delete(e.applied, oldest)
	}
	e.applied[correlationID] = result
	e.order = append(e.order, correlationID)
}

func (e *Engine) upsertNode(ctx context.Context, pn ProposedNode, correlationID string) (*types.Node, error) {
	kind := pn.Kind
	if !types.ValidKind(kind) {
		kind = types.KindConcept
	}
	return e.store.UpsertNode(ctx, &types.Node{
		Kind:    kind,
		Name:    pn.Name,
		Aliases: pn.Aliases,
		Privacy: pn.Privacy,
	}, correlationID)
}

// resolveEndpoint finds a proposal-local or stored node by name,
// auto-creating a concept node when the relation references an entity
// the extraction never listed.
func (e *Engine) resolveEndpoint(ctx context.Context, name string, kind types.NodeKind, nodeIDs map[string]string, correlationID string) (string, error) {
	if id, ok := nodeIDs[types.FoldAlias(name)]; ok {
		return id, nil
	}
	node, err := e.upsertNode(ctx, ProposedNode{Name: name, Kind: kind}, correlationID)
	if err != nil {
		return "", err
	}
	nodeIDs[types.FoldAlias(name)] = node.ID
	return node.ID, nil
}

func (e *Engine) applyFact(ctx context.Context, p *Proposal, fact ProposedFact, nodeIDs map[string]string) (Outcome, error) {
	conf := e.conf.Clamp(fact.Confidence)
	if fact.Hypothetical && conf > hypotheticalCap {
		conf = hypotheticalCap
	}
	if fact.AttributionUncertain && conf > attributionCap {
		conf = attributionCap
	}

	if conf < e.minStorage {
		e.record(ctx, p, audit.Entry{
			Operation: audit.OpSkip,
			Reasoning: fmt.Sprintf("confidence %.2f below storage threshold", conf),
		})
		return Outcome{Op: OpSkip, Reason: "below_storage_threshold", After: conf, Subject: fact.Relation}, nil
	}

	sourceID, err := e.resolveEndpoint(ctx, fact.SourceName, fact.SourceKind, nodeIDs, p.CorrelationID)
	if err != nil {
		return Outcome{}, err
	}
	targetID, err := e.resolveEndpoint(ctx, fact.TargetName, fact.TargetKind, nodeIDs, p.CorrelationID)
	if err != nil {
		return Outcome{}, err
	}

	existing, err := e.store.Edges(ctx, graph.EdgeFilter{SourceID: sourceID, Relation: fact.Relation})
	if err != nil {
		return Outcome{}, err
	}

	// Exact match: the same statement again is a reinforcement.
	for _, edge := range existing {
		if edge.TargetID == targetID {
			return e.reinforce(ctx, p, edge)
		}
	}

	// Refinement: keep the general edge, add the specific one, link them.
	if fact.RefinesTarget != "" {
		if general := findByTargetName(ctx, e.store, existing, fact.RefinesTarget); general != nil {
			return e.merge(ctx, p, fact, sourceID, targetID, conf, general)
		}
	}

	// Single-valued conflict: same subject and relation, different object.
	if fact.SingleValued && len(existing) > 0 {
		return e.contradict(ctx, p, fact, sourceID, targetID, conf, existing[0])
	}

	return e.insert(ctx, p, fact, sourceID, targetID, conf)
}

func (e *Engine) insert(ctx context.Context, p *Proposal, fact ProposedFact, sourceID, targetID string, conf float64) (Outcome, error) {
	edge := e.buildEdge(p, fact, sourceID, targetID, conf)
	if err := e.store.CreateEdge(ctx, edge, p.CorrelationID); err != nil {
		return Outcome{}, err
	}
	e.record(ctx, p, audit.Entry{
		Operation:       audit.OpInsert,
		EdgeID:          edge.ID,
		New:             audit.MarshalValue(edge),
		ConfidenceAfter: conf,
		Mechanism:       string(fact.Mechanism),
	})
	return Outcome{Op: OpInsert, EdgeID: edge.ID, After: conf, Subject: fact.Relation}, nil
}

func (e *Engine) reinforce(ctx context.Context, p *Proposal, edge *types.Edge) (Outcome, error) {
	before := edge.Confidence
	after := e.conf.Reinforce(before)
	episodeID := ""
	if p.Episode != nil {
		episodeID = p.Episode.ID
	}
	updated, err := e.store.ReinforceEdge(ctx, edge.ID, after, episodeID, p.CorrelationID)
	if err != nil {
		return Outcome{}, err
	}
	e.record(ctx, p, audit.Entry{
		Operation:        audit.OpReinforce,
		EdgeID:           updated.ID,
		ConfidenceBefore: before,
		ConfidenceAfter:  after,
	})
	return Outcome{Op: OpReinforce, EdgeID: updated.ID, Before: before, After: after, Subject: edge.Relation}, nil
}

func (e *Engine) merge(ctx context.Context, p *Proposal, fact ProposedFact, sourceID, targetID string, conf float64, general *types.Edge) (Outcome, error) {
	edge := e.buildEdge(p, fact, sourceID, targetID, conf)
	edge.RefinesEdgeID = general.ID
	if err := e.store.CreateEdge(ctx, edge, p.CorrelationID); err != nil {
		return Outcome{}, err
	}
	e.record(ctx, p, audit.Entry{
		Operation:       audit.OpMerge,
		EdgeID:          edge.ID,
		New:             audit.MarshalValue(edge),
		ConfidenceAfter: conf,
		Reasoning:       fmt.Sprintf("refines %s", general.ID),
	})
	return Outcome{Op: OpMerge, EdgeID: edge.ID, After: conf, Reason: "refines_" + general.ID, Subject: fact.Relation}, nil
}

func (e *Engine) contradict(ctx context.Context, p *Proposal, fact ProposedFact, sourceID, targetID string, conf float64, old *types.Edge) (Outcome, error) {
	if e.conf.Supersedes(old.Confidence, conf) {
		episodeID := ""
		if p.Episode != nil {
			episodeID = p.Episode.ID
		}
		replacement, err := e.store.ReviseEdge(ctx, old.ID, targetID, conf, episodeID, types.RetractionSuperseded, p.CorrelationID)
		if err != nil {
			return Outcome{}, err
		}
		e.record(ctx, p, audit.Entry{
			Operation:        audit.OpRevise,
			EdgeID:           replacement.ID,
			Old:              audit.MarshalValue(old),
			New:              audit.MarshalValue(replacement),
			ConfidenceBefore: old.Confidence,
			ConfidenceAfter:  conf,
		})
		return Outcome{Op: OpRevise, EdgeID: replacement.ID, Before: old.Confidence, After: conf, Subject: fact.Relation}, nil
	}

	// Not confident enough to overwrite: ask instead of guessing.
	oldTarget := old.TargetID
	if node, err := e.store.GetNode(ctx, old.TargetID); err == nil {
		oldTarget = node.Name
	}
	probe := types.OutboundItem{
		ID:            types.NewOutboundID(),
		Kind:          types.OutboundProbe,
		Subtype:       types.SubtypeFactVerification,
		Priority:      0.6,
		ContextTags:   fact.ContextTags,
		Entities:      []string{fact.SourceName},
		Payload:       fmt.Sprintf("Last time we talked about %s you mentioned %s. Has that changed?", fact.Relation, oldTarget),
		State:         types.OutboundGenerated,
		CreatedAt:     e.now(),
		CorrelationID: p.CorrelationID,
	}
	if e.probes != nil {
		if err := e.probes.Propose(ctx, probe); err != nil {
			e.logger.Warn("diff.probe_enqueue_failed", "error", err)
		}
	}
	e.record(ctx, p, audit.Entry{
		Operation:        audit.OpContradic,
		EdgeID:           old.ID,
		ConfidenceBefore: old.Confidence,
		ConfidenceAfter:  conf,
		Reasoning:        "margin not met, verification probe raised",
	})
	return Outcome{Op: OpProbe, EdgeID: old.ID, Before: old.Confidence, After: conf, Reason: "margin_not_met", Subject: fact.Relation}, nil
}

func (e *Engine) applyRetraction(ctx context.Context, p *Proposal, ret ProposedRetraction, nodeIDs map[string]string) ([]Outcome, error) {
	sourceID, ok := nodeIDs[types.FoldAlias(ret.SourceName)]
	if !ok {
		nodes, err := e.store.FindNodes(ctx, graph.FindFilter{Alias: ret.SourceName})
		if err != nil || len(nodes) == 0 {
			// Nothing to retract.
			return []Outcome{{Op: OpSkip, Reason: "unknown_subject", Subject: ret.Relation}}, nil
		}
		sourceID = nodes[0].ID
	}

	edges, err := e.store.Edges(ctx, graph.EdgeFilter{SourceID: sourceID, Relation: ret.Relation})
	if err != nil {
		return nil, err
	}

	reason := ret.Reason
	if reason == "" {
		reason = types.RetractionUserRequest
	}

	var out []Outcome
	for _, edge := range edges {
		if ret.TargetName != "" {
			node, err := e.store.GetNode(ctx, edge.TargetID)
			if err != nil || !node.HasAlias(ret.TargetName) {
				continue
			}
		}
		if err := e.store.RetractEdge(ctx, edge.ID, reason, p.CorrelationID); err != nil {
			return nil, err
		}
		e.record(ctx, p, audit.Entry{
			Operation:        audit.OpRetract,
			EdgeID:           edge.ID,
			ConfidenceBefore: edge.Confidence,
			Reasoning:        reason,
		})
		out = append(out, Outcome{Op: OpRetract, EdgeID: edge.ID, Before: edge.Confidence, Reason: reason, Subject: ret.Relation})
	}
	if len(out) == 0 {
		out = append(out, Outcome{Op: OpSkip, Reason: "no_matching_edges", Subject: ret.Relation})
	}
	return out, nil
}

func (e *Engine) buildEdge(p *Proposal, fact ProposedFact, sourceID, targetID string, conf float64) *types.Edge {
	edge := &types.Edge{
		SourceID:             sourceID,
		TargetID:             targetID,
		Relation:             fact.Relation,
		Confidence:           conf,
		Temporal:             fact.Temporal,
		DecayRate:            e.conf.DecayRate(fact.Temporal),
		ContextTags:          fact.ContextTags,
		Mechanism:            fact.Mechanism,
		Expiry:               fact.Expiry,
		Hypothetical:         fact.Hypothetical,
		Secondhand:           fact.Secondhand,
		AttributionUncertain: fact.AttributionUncertain,
	}
	if p.Episode != nil {
		edge.EpisodeIDs = []string{p.Episode.ID}
	}
	return edge
}

func (e *Engine) record(ctx context.Context, p *Proposal, entry audit.Entry) {
	if e.recorder == nil {
		return
	}
	entry.Component = "diff"
	entry.CorrelationID = p.CorrelationID
	entry.SessionID = p.SessionID
	if entry.EventKind == "" {
		entry.EventKind = "diff_" + string(entry.Operation)
	}
	if err := e.recorder.Record(ctx, entry); err != nil {
		e.logger.Error("diff.audit_failed", "error", err, "correlation_id", p.CorrelationID)
	}
}

// findByTargetName returns the edge among candidates whose target node
// answers to name.
func findByTargetName(ctx context.Context, store graph.Store, candidates []*types.Edge, name string) *types.Edge {
	for _, edge := range candidates {
		node, err := store.GetNode(ctx, edge.TargetID)
		if err != nil {
			continue
		}
		if node.HasAlias(name) {
			return edge
		}
	}
	return nil
}
