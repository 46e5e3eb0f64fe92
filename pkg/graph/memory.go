package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/memloom/memloom/pkg/types"
)

// MemoryStore is the in-memory graph backend. Reads take a shared lock
// and return copies, so queries observe a consistent committed state
// while the single logical writer mutates under the exclusive lock.
type MemoryStore struct {
	mu       sync.RWMutex
	nodes    map[string]*types.Node
	edges    map[string]*types.Edge
	episodes map[string]*types.Episode

	// aliases maps kind -> case-folded alias -> representative node id.
	aliases map[types.NodeKind]map[string]string

	// adjacency maps node id -> edge ids touching it (either direction).
	adjacency map[string][]string

	emitter Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		nodes:     make(map[string]*types.Node),
		edges:     make(map[string]*types.Edge),
		episodes:  make(map[string]*types.Episode),
		aliases:   make(map[types.NodeKind]map[string]string),
		adjacency: make(map[string][]string),
		logger:    logger,
		now:       time.Now,
	}
}

// SetEmitter attaches an event emitter. Must be called before the store
// is shared across goroutines.
func (s *MemoryStore) SetEmitter(e Emitter) { s.emitter = e }

// SetClock overrides the store's clock. Tests only.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }

func (s *MemoryStore) emit(ev types.GraphEvent) {
	if s.emitter == nil {
		return
	}
	ev.EmittedAt = s.now()
	s.emitter.Emit(ev)
}

// UpsertNode implements Store.
func (s *MemoryStore) UpsertNode(ctx context.Context, node *types.Node, correlationID string) (*types.Node, error) {
	if err := node.Validate(); err != nil {
		return nil, types.NewFailure(types.FailureInvariant, "upsert node", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	// Resolve the representative: explicit id first, then alias overlap
	// within the same kind.
	var existing *types.Node
	if node.ID != "" {
		existing = s.nodes[node.ID]
	}
	if existing == nil {
		if id, ok := s.resolveAliasLocked(node.Kind, node.Name); ok {
			existing = s.nodes[id]
		}
	}
	if existing == nil {
		for _, a := range node.Aliases {
			if id, ok := s.resolveAliasLocked(node.Kind, a); ok {
				existing = s.nodes[id]
				break
			}
		}
	}

	if existing == nil {
		fresh := copyNode(node)
		if fresh.ID == "" {
			fresh.ID = types.NewNodeID()
		}
		if fresh.CreatedAt.IsZero() {
			fresh.CreatedAt = now
		}
		fresh.LastReinforced = now
		s.nodes[fresh.ID] = fresh
		s.indexAliasesLocked(fresh)
		s.emit(types.GraphEvent{Type: types.EventNodeAdded, NodeID: fresh.ID, Node: copyNode(fresh), CorrelationID: correlationID})
		s.logger.Debug("graph.node_added", "node_id", fresh.ID, "name", fresh.Name, "kind", string(fresh.Kind))
		return copyNode(fresh), nil
	}

	// Merge onto the representative: union aliases, overlay properties,
	// privacy only moves up.
	existing.Aliases = mergeAliases(existing, node)
	if existing.Properties == nil && len(node.Properties) > 0 {
		existing.Properties = make(map[string]interface{}, len(node.Properties))
	}
	for k, v := range node.Properties {
		existing.Properties[k] = v
	}
	if node.Privacy > existing.Privacy {
		existing.Privacy = node.Privacy
	}
	existing.LastReinforced = now
	s.indexAliasesLocked(existing)
	s.emit(types.GraphEvent{Type: types.EventNodeUpdated, NodeID: existing.ID, Node: copyNode(existing), CorrelationID: correlationID})
	s.logger.Debug("graph.node_updated", "node_id", existing.ID, "name", existing.Name)
	return copyNode(existing), nil
}

// GetNode implements Store.
func (s *MemoryStore) GetNode(ctx context.Context, id string) (*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return copyNode(n), nil
}

// FindNodes implements Store.
func (s *MemoryStore) FindNodes(ctx context.Context, f FindFilter) ([]*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Node
	if f.Alias != "" && f.Kind != "" {
		// Fast path over the alias index.
		if id, ok := s.resolveAliasLocked(f.Kind, f.Alias); ok {
			out = append(out, copyNode(s.nodes[id]))
		}
		return out, nil
	}

	needle := types.FoldAlias(f.NameContains)
	for _, n := range s.nodes {
		if f.Kind != "" && n.Kind != f.Kind {
			continue
		}
		if f.Alias != "" && !n.HasAlias(f.Alias) {
			continue
		}
		if needle != "" && !containsFold(n, needle) {
			continue
		}
		out = append(out, copyNode(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteNode implements Store. Physical deletion happens only on
// explicit user erasure; everything else is a retraction.
func (s *MemoryStore) DeleteNode(ctx context.Context, id string, cascade bool, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	attached := s.adjacency[id]
	if len(attached) > 0 && !cascade {
		return types.NewFailure(types.FailureInvariant, "node has edges and cascade is false", nil)
	}
	for _, eid := range attached {
		e := s.edges[eid]
		if e == nil {
			continue
		}
		other := e.SourceID
		if other == id {
			other = e.TargetID
		}
		s.adjacency[other] = removeString(s.adjacency[other], eid)
		delete(s.edges, eid)
	}
	delete(s.adjacency, id)
	for _, a := range n.Aliases {
		delete(s.aliases[n.Kind], types.FoldAlias(a))
	}
	delete(s.aliases[n.Kind], types.FoldAlias(n.Name))
	delete(s.nodes, id)
	s.logger.Info("graph.node_deleted", "node_id", id, "cascade", cascade, "edges_removed", len(attached))
	return nil
}

// CreateEdge implements Store.
func (s *MemoryStore) CreateEdge(ctx context.Context, edge *types.Edge, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := copyEdge(edge)
	if e.ID == "" {
		e.ID = types.NewEdgeID()
	}
	if e.FirstObserved.IsZero() {
		e.FirstObserved = now
	}
	if e.LastReinforced.IsZero() {
		e.LastReinforced = now
	}
	if err := e.Validate(); err != nil {
		return types.NewFailure(types.FailureInvariant, "create edge", err)
	}

	src, ok := s.nodes[e.SourceID]
	if !ok {
		return types.NewFailure(types.FailureInvariant, fmt.Sprintf("source %s", e.SourceID), types.ErrMissingEndpoint)
	}
	tgt, ok := s.nodes[e.TargetID]
	if !ok {
		return types.NewFailure(types.FailureInvariant, fmt.Sprintf("target %s", e.TargetID), types.ErrMissingEndpoint)
	}
	if violatesPrivacy(src, tgt) {
		return types.NewFailure(types.FailureInvariant,
			fmt.Sprintf("edge would link %s node to %s node", src.Privacy, tgt.Privacy),
			types.ErrPrivacyViolation)
	}

	s.edges[e.ID] = e
	s.adjacency[e.SourceID] = append(s.adjacency[e.SourceID], e.ID)
	if e.TargetID != e.SourceID {
		s.adjacency[e.TargetID] = append(s.adjacency[e.TargetID], e.ID)
	}
	edge.ID = e.ID
	edge.FirstObserved = e.FirstObserved
	edge.LastReinforced = e.LastReinforced
	s.emit(types.GraphEvent{Type: types.EventEdgeAdded, EdgeID: e.ID, Edge: copyEdge(e), CorrelationID: correlationID})
	s.logger.Debug("graph.edge_added", "edge_id", e.ID, "relation", e.Relation, "confidence", e.Confidence)
	return nil
}

// GetEdge implements Store.
func (s *MemoryStore) GetEdge(ctx context.Context, id string) (*types.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.edges[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEdgeNotFound, id)
	}
	return copyEdge(e), nil
}

// Edges implements Store.
func (s *MemoryStore) Edges(ctx context.Context, f EdgeFilter) ([]*types.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var out []*types.Edge
	for _, e := range s.edges {
		if !matchEdge(e, f, now) {
			continue
		}
		out = append(out, copyEdge(e))
	}
	sortEdges(out)
	return out, nil
}

// ReinforceEdge implements Store.
func (s *MemoryStore) ReinforceEdge(ctx context.Context, edgeID string, newConfidence float64, episodeID, correlationID string) (*types.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.edges[edgeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEdgeNotFound, edgeID)
	}
	if newConfidence < 0 || newConfidence > 1 {
		return nil, types.NewFailure(types.FailureInvariant, "reinforce", types.ErrConfidenceRange)
	}
	e.Confidence = newConfidence
	e.LastReinforced = s.now()
	if episodeID != "" && !containsString(e.EpisodeIDs, episodeID) {
		e.EpisodeIDs = append(e.EpisodeIDs, episodeID)
	}
	s.emit(types.GraphEvent{Type: types.EventEdgeUpdated, EdgeID: e.ID, Edge: copyEdge(e), CorrelationID: correlationID})
	return copyEdge(e), nil
}

// ReviseEdge implements Store.
func (s *MemoryStore) ReviseEdge(ctx context.Context, edgeID, newTargetID string, newConfidence float64, episodeID, reason, correlationID string) (*types.Edge, error) {
	if reason == "" {
		reason = types.RetractionSuperseded
	}

	s.mu.Lock()
	old, ok := s.edges[edgeID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrEdgeNotFound, edgeID)
	}

	replacement := &types.Edge{
		SourceID:    old.SourceID,
		TargetID:    newTargetID,
		Relation:    old.Relation,
		Confidence:  newConfidence,
		Temporal:    old.Temporal,
		DecayRate:   old.DecayRate,
		ContextTags: append([]string(nil), old.ContextTags...),
		Mechanism:   old.Mechanism,
	}
	if episodeID != "" {
		replacement.EpisodeIDs = []string{episodeID}
	} else {
		replacement.Mechanism = types.ProvenanceUserCorrection
	}

	// The replacement must be admissible before the old edge is touched;
	// a rejected revision cannot leave a retraction with no successor.
	if err := replacement.Validate(); err != nil {
		s.mu.Unlock()
		return nil, types.NewFailure(types.FailureInvariant, "revise edge", err)
	}
	src, ok := s.nodes[old.SourceID]
	if !ok {
		s.mu.Unlock()
		return nil, types.NewFailure(types.FailureInvariant, fmt.Sprintf("source %s", old.SourceID), types.ErrMissingEndpoint)
	}
	tgt, ok := s.nodes[newTargetID]
	if !ok {
		s.mu.Unlock()
		return nil, types.NewFailure(types.FailureInvariant, fmt.Sprintf("target %s", newTargetID), types.ErrMissingEndpoint)
	}
	if violatesPrivacy(src, tgt) {
		s.mu.Unlock()
		return nil, types.NewFailure(types.FailureInvariant,
			fmt.Sprintf("edge would link %s node to %s node", src.Privacy, tgt.Privacy),
			types.ErrPrivacyViolation)
	}

	old.Retracted = true
	old.RetractedReason = reason
	retractedCopy := copyEdge(old)
	s.mu.Unlock()

	s.emit(types.GraphEvent{Type: types.EventEdgeRetracted, EdgeID: edgeID, Edge: retractedCopy, CorrelationID: correlationID})
	if err := s.CreateEdge(ctx, replacement, correlationID); err != nil {
		return nil, err
	}
	return replacement, nil
}

// RetractEdge implements Store.
func (s *MemoryStore) RetractEdge(ctx context.Context, edgeID, reason, correlationID string) error {
	s.mu.Lock()
	e, ok := s.edges[edgeID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEdgeNotFound, edgeID)
	}
	e.Retracted = true
	e.RetractedReason = reason
	snapshot := copyEdge(e)
	s.mu.Unlock()

	s.emit(types.GraphEvent{Type: types.EventEdgeRetracted, EdgeID: edgeID, Edge: snapshot, CorrelationID: correlationID})
	s.logger.Info("graph.edge_retracted", "edge_id", edgeID, "reason", reason)
	return nil
}

// ArchiveEdge implements Store.
func (s *MemoryStore) ArchiveEdge(ctx context.Context, edgeID, correlationID string) error {
	s.mu.Lock()
	e, ok := s.edges[edgeID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEdgeNotFound, edgeID)
	}
	e.Archived = true
	snapshot := copyEdge(e)
	s.mu.Unlock()

	s.emit(types.GraphEvent{Type: types.EventEdgeArchived, EdgeID: edgeID, Edge: snapshot, CorrelationID: correlationID})
	s.logger.Info("graph.edge_archived", "edge_id", edgeID, "confidence", snapshot.Confidence)
	return nil
}

// SetEdgeConfidence implements Store.
func (s *MemoryStore) SetEdgeConfidence(ctx context.Context, edgeID string, newConfidence float64, correlationID string) error {
	s.mu.Lock()
	e, ok := s.edges[edgeID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEdgeNotFound, edgeID)
	}
	if newConfidence < 0 || newConfidence > 1 {
		s.mu.Unlock()
		return types.NewFailure(types.FailureInvariant, "set confidence", types.ErrConfidenceRange)
	}
	e.Confidence = newConfidence
	snapshot := copyEdge(e)
	s.mu.Unlock()

	s.emit(types.GraphEvent{Type: types.EventEdgeUpdated, EdgeID: edgeID, Edge: snapshot, CorrelationID: correlationID})
	return nil
}

// Neighbors implements Store. BFS over the undirected view with a
// per-level edge filter.
func (s *MemoryStore) Neighbors(ctx context.Context, nodeID string, opts NeighborOptions) ([]*types.Node, []*types.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.nodes[nodeID]; !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	if opts.MaxHops <= 0 {
		return nil, nil, nil
	}

	now := s.now()
	relSet := make(map[string]struct{}, len(opts.Relations))
	for _, r := range opts.Relations {
		relSet[r] = struct{}{}
	}

	visited := map[string]int{nodeID: 0}
	frontier := []string{nodeID}
	var resultEdges []*types.Edge
	seenEdges := make(map[string]struct{})

	for hop := 1; hop <= opts.MaxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, cur := range frontier {
			// Level ordering: walk this node's edges best-first so the
			// BFS discovery order is deterministic.
			level := s.activeEdgesOfLocked(cur, now)
			sortEdges(level)
			for _, e := range level {
				if len(relSet) > 0 {
					if _, ok := relSet[e.Relation]; !ok {
						continue
					}
				}
				if e.Confidence < opts.MinConfidence {
					continue
				}
				other := e.SourceID
				if other == cur {
					other = e.TargetID
				}
				if _, ok := seenEdges[e.ID]; !ok {
					seenEdges[e.ID] = struct{}{}
					resultEdges = append(resultEdges, copyEdge(e))
				}
				if _, ok := visited[other]; !ok {
					visited[other] = hop
					next = append(next, other)
				}
			}
		}
		frontier = next
	}

	var resultNodes []*types.Node
	for id := range visited {
		if id == nodeID {
			continue
		}
		resultNodes = append(resultNodes, copyNode(s.nodes[id]))
	}
	sort.Slice(resultNodes, func(i, j int) bool { return resultNodes[i].Name < resultNodes[j].Name })
	sortEdges(resultEdges)
	return resultNodes, resultEdges, nil
}

// PutEpisode implements Store.
func (s *MemoryStore) PutEpisode(ctx context.Context, ep *types.Episode) error {
	if err := ep.Validate(); err != nil {
		return types.NewFailure(types.FailureInvariant, "put episode", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.episodes[ep.ID] = copyEpisode(ep)
	return nil
}

// GetEpisode implements Store.
func (s *MemoryStore) GetEpisode(ctx context.Context, id string) (*types.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.episodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEpisodeNotFound, id)
	}
	return copyEpisode(ep), nil
}

// AppendEpisodeEdges implements Store.
func (s *MemoryStore) AppendEpisodeEdges(ctx context.Context, episodeID string, edgeIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.episodes[episodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEpisodeNotFound, episodeID)
	}
	for _, id := range edgeIDs {
		if !containsString(ep.EdgeIDs, id) {
			ep.EdgeIDs = append(ep.EdgeIDs, id)
		}
	}
	return nil
}

// Snapshot implements Store.
func (s *MemoryStore) Snapshot(ctx context.Context, includeInactive bool) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	snap := &Snapshot{}
	for _, n := range s.nodes {
		snap.Nodes = append(snap.Nodes, copyNode(n))
	}
	for _, e := range s.edges {
		if !includeInactive && !e.Active(now) {
			continue
		}
		snap.Edges = append(snap.Edges, copyEdge(e))
	}
	for _, ep := range s.episodes {
		snap.Episodes = append(snap.Episodes, copyEpisode(ep))
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })
	sortEdges(snap.Edges)
	sort.Slice(snap.Episodes, func(i, j int) bool { return snap.Episodes[i].ID < snap.Episodes[j].ID })
	return snap, nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	active := 0
	now := s.now()
	for _, e := range s.edges {
		if e.Active(now) {
			active++
		}
	}
	return Stats{Nodes: len(s.nodes), Edges: active, Episodes: len(s.episodes)}, nil
}

// Close implements Store.
func (s *MemoryStore) Close(ctx context.Context) error { return nil }

// -- internal helpers ------------------------------------------------------

func (s *MemoryStore) resolveAliasLocked(kind types.NodeKind, name string) (string, bool) {
	byAlias, ok := s.aliases[kind]
	if !ok {
		return "", false
	}
	id, ok := byAlias[types.FoldAlias(name)]
	return id, ok
}

func (s *MemoryStore) indexAliasesLocked(n *types.Node) {
	byAlias, ok := s.aliases[n.Kind]
	if !ok {
		byAlias = make(map[string]string)
		s.aliases[n.Kind] = byAlias
	}
	byAlias[types.FoldAlias(n.Name)] = n.ID
	for _, a := range n.Aliases {
		byAlias[types.FoldAlias(a)] = n.ID
	}
}

func (s *MemoryStore) activeEdgesOfLocked(nodeID string, now time.Time) []*types.Edge {
	var out []*types.Edge
	for _, eid := range s.adjacency[nodeID] {
		e := s.edges[eid]
		if e != nil && e.Active(now) {
			out = append(out, e)
		}
	}
	return out
}

// violatesPrivacy rejects edges that would let sealed knowledge leak
// into a public query path.
func violatesPrivacy(a, b *types.Node) bool {
	hi, lo := a.Privacy, b.Privacy
	if lo > hi {
		hi, lo = lo, hi
	}
	return hi == types.PrivacySealed && lo < types.PrivacyPersonal
}

func matchEdge(e *types.Edge, f EdgeFilter, now time.Time) bool {
	if !f.IncludeInactive && !e.Active(now) {
		return false
	}
	if f.SourceID != "" && e.SourceID != f.SourceID {
		return false
	}
	if f.TargetID != "" && e.TargetID != f.TargetID {
		return false
	}
	if f.Relation != "" && e.Relation != f.Relation {
		return false
	}
	if e.Confidence < f.MinConfidence {
		return false
	}
	return true
}

// sortEdges orders by descending confidence, then ascending
// first_observed, then id for a stable total order.
func sortEdges(edges []*types.Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Confidence != edges[j].Confidence {
			return edges[i].Confidence > edges[j].Confidence
		}
		if !edges[i].FirstObserved.Equal(edges[j].FirstObserved) {
			return edges[i].FirstObserved.Before(edges[j].FirstObserved)
		}
		return edges[i].ID < edges[j].ID
	})
}

func containsFold(n *types.Node, needle string) bool {
	for alias := range n.AliasSet() {
		if strings.Contains(alias, needle) {
			return true
		}
	}
	return false
}

// mergeAliases unions the incoming node's name and aliases onto the
// representative, preserving first-seen casing.
func mergeAliases(existing, incoming *types.Node) []string {
	have := existing.AliasSet()
	out := existing.Aliases
	add := func(name string) {
		folded := types.FoldAlias(name)
		if folded == "" {
			return
		}
		if _, ok := have[folded]; ok {
			return
		}
		have[folded] = struct{}{}
		out = append(out, name)
	}
	add(incoming.Name)
	for _, a := range incoming.Aliases {
		add(a)
	}
	return out
}

func copyNode(n *types.Node) *types.Node {
	c := *n
	c.Aliases = append([]string(nil), n.Aliases...)
	c.EpisodeIDs = append([]string(nil), n.EpisodeIDs...)
	if n.Properties != nil {
		c.Properties = make(map[string]interface{}, len(n.Properties))
		for k, v := range n.Properties {
			c.Properties[k] = v
		}
	}
	return &c
}

func copyEdge(e *types.Edge) *types.Edge {
	c := *e
	c.ContextTags = append([]string(nil), e.ContextTags...)
	c.EpisodeIDs = append([]string(nil), e.EpisodeIDs...)
	if e.Expiry != nil {
		t := *e.Expiry
		c.Expiry = &t
	}
	return &c
}

func copyEpisode(ep *types.Episode) *types.Episode {
	c := *ep
	c.EdgeIDs = append([]string(nil), ep.EdgeIDs...)
	return &c
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
