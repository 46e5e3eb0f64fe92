package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/memloom/memloom/pkg/types"
)

// Neo4jStore implements Store against a Neo4j database. Nodes carry the
// Memory label plus their kind as a property; edges are RELATES_TO
// relationships with the relation name as a property so relation
// vocabularies stay open without schema churn.
type Neo4jStore struct {
	client   neo4j.DriverWithContext
	database string
	emitter  Emitter
	logger   *slog.Logger
	now      func() time.Time
}

// NewNeo4jStore connects to Neo4j and returns a durable store.
func NewNeo4jStore(uri, username, password, database string, logger *slog.Logger) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if database == "" {
		database = "neo4j"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Neo4jStore{client: driver, database: database, logger: logger, now: time.Now}, nil
}

// SetEmitter attaches an event emitter.
func (s *Neo4jStore) SetEmitter(e Emitter) { s.emitter = e }

func (s *Neo4jStore) emit(ev types.GraphEvent) {
	if s.emitter == nil {
		return
	}
	ev.EmittedAt = s.now()
	s.emitter.Emit(ev)
}

func (s *Neo4jStore) session(ctx context.Context) neo4j.SessionWithContext {
	return s.client.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
}

// UpsertNode implements Store.
func (s *Neo4jStore) UpsertNode(ctx context.Context, node *types.Node, correlationID string) (*types.Node, error) {
	if err := node.Validate(); err != nil {
		return nil, types.NewFailure(types.FailureInvariant, "upsert node", err)
	}

	session := s.session(ctx)
	defer session.Close(ctx)

	now := s.now()
	aliases := make([]string, 0, len(node.Aliases)+1)
	aliases = append(aliases, types.FoldAlias(node.Name))
	for _, a := range node.Aliases {
		aliases = append(aliases, types.FoldAlias(a))
	}

	created := false
	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		// Resolve the representative by alias overlap within the kind.
		res, err := tx.Run(ctx, `
			MATCH (n:Memory {kind: $kind})
			WHERE any(a IN n.folded_aliases WHERE a IN $aliases)
			RETURN n LIMIT 1
		`, map[string]any{"kind": string(node.Kind), "aliases": aliases})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}

		if len(records) == 0 {
			fresh := copyNode(node)
			created = true
			if fresh.ID == "" {
				fresh.ID = types.NewNodeID()
			}
			if fresh.CreatedAt.IsZero() {
				fresh.CreatedAt = now
			}
			fresh.LastReinforced = now
			props := nodeToProps(fresh)
			props["folded_aliases"] = aliases
			if _, err := tx.Run(ctx, `
				CREATE (n:Memory)
				SET n = $props
			`, map[string]any{"props": props}); err != nil {
				return nil, err
			}
			return fresh, nil
		}

		existing, err := nodeFromRecord(records[0])
		if err != nil {
			return nil, err
		}
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

		props := nodeToProps(existing)
		folded := make([]string, 0, len(existing.Aliases)+1)
		folded = append(folded, types.FoldAlias(existing.Name))
		for _, a := range existing.Aliases {
			folded = append(folded, types.FoldAlias(a))
		}
		props["folded_aliases"] = folded
		if _, err := tx.Run(ctx, `
			MATCH (n:Memory {uuid: $uuid})
			SET n = $props
		`, map[string]any{"uuid": existing.ID, "props": props}); err != nil {
			return nil, err
		}
		return existing, nil
	})
	if err != nil {
		return nil, err
	}

	merged := result.(*types.Node)
	evType := types.EventNodeUpdated
	if created {
		evType = types.EventNodeAdded
	}
	s.emit(types.GraphEvent{Type: evType, NodeID: merged.ID, Node: copyNode(merged), CorrelationID: correlationID})
	return merged, nil
}

// GetNode implements Store.
func (s *Neo4jStore) GetNode(ctx context.Context, id string) (*types.Node, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (n:Memory {uuid: $uuid}) RETURN n`, map[string]any{"uuid": id})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	records := result.([]*db.Record)
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return nodeFromRecord(records[0])
}

// FindNodes implements Store.
func (s *Neo4jStore) FindNodes(ctx context.Context, f FindFilter) ([]*types.Node, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	params := map[string]any{
		"kind":     string(f.Kind),
		"contains": types.FoldAlias(f.NameContains),
		"alias":    types.FoldAlias(f.Alias),
	}
	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (n:Memory)
			WHERE ($kind = '' OR n.kind = $kind)
			  AND ($alias = '' OR $alias IN n.folded_aliases)
			  AND ($contains = '' OR any(a IN n.folded_aliases WHERE a CONTAINS $contains))
			RETURN n
			ORDER BY n.name
		`, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return nodesFromRecords(result.([]*db.Record))
}

// DeleteNode implements Store.
func (s *Neo4jStore) DeleteNode(ctx context.Context, id string, cascade bool, correlationID string) error {
	session := s.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (n:Memory {uuid: $uuid})
			RETURN n.uuid, COUNT { (n)-[:RELATES_TO]-() } AS degree
		`, map[string]any{"uuid": id})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		degree, _ := record.Get("degree")
		if deg, ok := degree.(int64); ok && deg > 0 && !cascade {
			return nil, types.NewFailure(types.FailureInvariant, "node has edges and cascade is false", nil)
		}
		_, err = tx.Run(ctx, `MATCH (n:Memory {uuid: $uuid}) DETACH DELETE n`, map[string]any{"uuid": id})
		return nil, err
	})
	if err != nil {
		return err
	}
	s.logger.Info("graph.node_deleted", "node_id", id, "cascade", cascade)
	return nil
}

// CreateEdge implements Store.
func (s *Neo4jStore) CreateEdge(ctx context.Context, edge *types.Edge, correlationID string) error {
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

	session := s.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (a:Memory {uuid: $source}), (b:Memory {uuid: $target})
			RETURN a.privacy AS src, b.privacy AS tgt
		`, map[string]any{"source": e.SourceID, "target": e.TargetID})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, types.NewFailure(types.FailureInvariant, "edge endpoint lookup", types.ErrMissingEndpoint)
		}
		src, _ := record.Get("src")
		tgt, _ := record.Get("tgt")
		a := &types.Node{Privacy: types.PrivacyLevel(asInt64(src))}
		b := &types.Node{Privacy: types.PrivacyLevel(asInt64(tgt))}
		if violatesPrivacy(a, b) {
			return nil, types.NewFailure(types.FailureInvariant,
				fmt.Sprintf("edge would link %s node to %s node", a.Privacy, b.Privacy),
				types.ErrPrivacyViolation)
		}

		_, err = tx.Run(ctx, `
			MATCH (a:Memory {uuid: $source}), (b:Memory {uuid: $target})
			CREATE (a)-[r:RELATES_TO]->(b)
			SET r = $props
		`, map[string]any{"source": e.SourceID, "target": e.TargetID, "props": edgeToProps(e)})
		return nil, err
	})
	if err != nil {
		return err
	}

	edge.ID = e.ID
	edge.FirstObserved = e.FirstObserved
	edge.LastReinforced = e.LastReinforced
	s.emit(types.GraphEvent{Type: types.EventEdgeAdded, EdgeID: e.ID, Edge: copyEdge(e), CorrelationID: correlationID})
	return nil
}

// GetEdge implements Store.
func (s *Neo4jStore) GetEdge(ctx context.Context, id string) (*types.Edge, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (a:Memory)-[r:RELATES_TO {uuid: $uuid}]->(b:Memory)
			RETURN r, a.uuid AS source, b.uuid AS target
		`, map[string]any{"uuid": id})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	records := result.([]*db.Record)
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEdgeNotFound, id)
	}
	return edgeFromRecord(records[0])
}

// Edges implements Store.
func (s *Neo4jStore) Edges(ctx context.Context, f EdgeFilter) ([]*types.Edge, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (a:Memory)-[r:RELATES_TO]->(b:Memory)
			WHERE ($source = '' OR a.uuid = $source)
			  AND ($target = '' OR b.uuid = $target)
			  AND ($relation = '' OR r.relation = $relation)
			  AND r.confidence >= $min_confidence
			RETURN r, a.uuid AS source, b.uuid AS target
		`, map[string]any{
			"source":         f.SourceID,
			"target":         f.TargetID,
			"relation":       f.Relation,
			"min_confidence": f.MinConfidence,
		})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	var out []*types.Edge
	for _, record := range result.([]*db.Record) {
		e, err := edgeFromRecord(record)
		if err != nil {
			continue
		}
		if !f.IncludeInactive && !e.Active(now) {
			continue
		}
		out = append(out, e)
	}
	sortEdges(out)
	return out, nil
}

// ReinforceEdge implements Store.
func (s *Neo4jStore) ReinforceEdge(ctx context.Context, edgeID string, newConfidence float64, episodeID, correlationID string) (*types.Edge, error) {
	if newConfidence < 0 || newConfidence > 1 {
		return nil, types.NewFailure(types.FailureInvariant, "reinforce", types.ErrConfidenceRange)
	}

	session := s.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH ()-[r:RELATES_TO {uuid: $uuid}]->()
			SET r.confidence = $confidence,
			    r.last_reinforced = $now,
			    r.episode_ids = CASE
			      WHEN $episode = '' OR $episode IN r.episode_ids THEN r.episode_ids
			      ELSE r.episode_ids + $episode END
			RETURN r.uuid
		`, map[string]any{
			"uuid":       edgeID,
			"confidence": newConfidence,
			"now":        s.now().Format(time.RFC3339Nano),
			"episode":    episodeID,
		})
		if err != nil {
			return nil, err
		}
		if _, err := res.Single(ctx); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrEdgeNotFound, edgeID)
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	e, err := s.GetEdge(ctx, edgeID)
	if err != nil {
		return nil, err
	}
	s.emit(types.GraphEvent{Type: types.EventEdgeUpdated, EdgeID: edgeID, Edge: copyEdge(e), CorrelationID: correlationID})
	return e, nil
}

// ReviseEdge implements Store.
func (s *Neo4jStore) ReviseEdge(ctx context.Context, edgeID, newTargetID string, newConfidence float64, episodeID, reason, correlationID string) (*types.Edge, error) {
	if reason == "" {
		reason = types.RetractionSuperseded
	}
	old, err := s.GetEdge(ctx, edgeID)
	if err != nil {
		return nil, err
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
		return nil, types.NewFailure(types.FailureInvariant, "revise edge", err)
	}
	src, err := s.GetNode(ctx, old.SourceID)
	if err != nil {
		return nil, types.NewFailure(types.FailureInvariant, fmt.Sprintf("source %s", old.SourceID), types.ErrMissingEndpoint)
	}
	tgt, err := s.GetNode(ctx, newTargetID)
	if err != nil {
		return nil, types.NewFailure(types.FailureInvariant, fmt.Sprintf("target %s", newTargetID), types.ErrMissingEndpoint)
	}
	if violatesPrivacy(src, tgt) {
		return nil, types.NewFailure(types.FailureInvariant,
			fmt.Sprintf("edge would link %s node to %s node", src.Privacy, tgt.Privacy),
			types.ErrPrivacyViolation)
	}

	if err := s.RetractEdge(ctx, edgeID, reason, correlationID); err != nil {
		return nil, err
	}
	if err := s.CreateEdge(ctx, replacement, correlationID); err != nil {
		// Restore the old edge so a remote create failure does not strand
		// a retraction with no successor.
		if restoreErr := s.setEdgeFlags(ctx, edgeID, map[string]any{"retracted": false, "retracted_reason": ""}); restoreErr != nil {
			s.logger.Error("revise rollback failed", "edge_id", edgeID, "error", restoreErr)
		}
		return nil, err
	}
	return replacement, nil
}

// RetractEdge implements Store.
func (s *Neo4jStore) RetractEdge(ctx context.Context, edgeID, reason, correlationID string) error {
	if err := s.setEdgeFlags(ctx, edgeID, map[string]any{"retracted": true, "retracted_reason": reason}); err != nil {
		return err
	}
	e, err := s.GetEdge(ctx, edgeID)
	if err != nil {
		return err
	}
	s.emit(types.GraphEvent{Type: types.EventEdgeRetracted, EdgeID: edgeID, Edge: e, CorrelationID: correlationID})
	return nil
}

// ArchiveEdge implements Store.
func (s *Neo4jStore) ArchiveEdge(ctx context.Context, edgeID, correlationID string) error {
	if err := s.setEdgeFlags(ctx, edgeID, map[string]any{"archived": true}); err != nil {
		return err
	}
	e, err := s.GetEdge(ctx, edgeID)
	if err != nil {
		return err
	}
	s.emit(types.GraphEvent{Type: types.EventEdgeArchived, EdgeID: edgeID, Edge: e, CorrelationID: correlationID})
	return nil
}

// SetEdgeConfidence implements Store.
func (s *Neo4jStore) SetEdgeConfidence(ctx context.Context, edgeID string, newConfidence float64, correlationID string) error {
	if newConfidence < 0 || newConfidence > 1 {
		return types.NewFailure(types.FailureInvariant, "set confidence", types.ErrConfidenceRange)
	}
	if err := s.setEdgeFlags(ctx, edgeID, map[string]any{"confidence": newConfidence}); err != nil {
		return err
	}
	e, err := s.GetEdge(ctx, edgeID)
	if err != nil {
		return err
	}
	s.emit(types.GraphEvent{Type: types.EventEdgeUpdated, EdgeID: edgeID, Edge: e, CorrelationID: correlationID})
	return nil
}

func (s *Neo4jStore) setEdgeFlags(ctx context.Context, edgeID string, flags map[string]any) error {
	session := s.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH ()-[r:RELATES_TO {uuid: $uuid}]->()
			SET r += $flags
			RETURN r.uuid
		`, map[string]any{"uuid": edgeID, "flags": flags})
		if err != nil {
			return nil, err
		}
		if _, err := res.Single(ctx); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrEdgeNotFound, edgeID)
		}
		return nil, nil
	})
	return err
}

// Neighbors implements Store. The BFS runs client side, one query per
// frontier, so per-level filtering and ordering match the in-memory
// store exactly.
func (s *Neo4jStore) Neighbors(ctx context.Context, nodeID string, opts NeighborOptions) ([]*types.Node, []*types.Edge, error) {
	if _, err := s.GetNode(ctx, nodeID); err != nil {
		return nil, nil, err
	}
	if opts.MaxHops <= 0 {
		return nil, nil, nil
	}

	now := s.now()
	relSet := make(map[string]struct{}, len(opts.Relations))
	for _, r := range opts.Relations {
		relSet[r] = struct{}{}
	}

	visited := map[string]struct{}{nodeID: {}}
	frontier := []string{nodeID}
	var resultEdges []*types.Edge
	seenEdges := make(map[string]struct{})

	for hop := 1; hop <= opts.MaxHops && len(frontier) > 0; hop++ {
		edges, err := s.edgesTouching(ctx, frontier)
		if err != nil {
			return nil, nil, err
		}
		sortEdges(edges)

		var next []string
		for _, e := range edges {
			if !e.Active(now) || e.Confidence < opts.MinConfidence {
				continue
			}
			if len(relSet) > 0 {
				if _, ok := relSet[e.Relation]; !ok {
					continue
				}
			}
			if _, ok := seenEdges[e.ID]; !ok {
				seenEdges[e.ID] = struct{}{}
				resultEdges = append(resultEdges, e)
			}
			for _, end := range []string{e.SourceID, e.TargetID} {
				if _, ok := visited[end]; !ok {
					visited[end] = struct{}{}
					next = append(next, end)
				}
			}
		}
		frontier = next
	}

	ids := make([]string, 0, len(visited)-1)
	for id := range visited {
		if id != nodeID {
			ids = append(ids, id)
		}
	}
	nodes, err := s.nodesByIDs(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	sortEdges(resultEdges)
	return nodes, resultEdges, nil
}

func (s *Neo4jStore) edgesTouching(ctx context.Context, nodeIDs []string) ([]*types.Edge, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (a:Memory)-[r:RELATES_TO]->(b:Memory)
			WHERE a.uuid IN $ids OR b.uuid IN $ids
			RETURN r, a.uuid AS source, b.uuid AS target
		`, map[string]any{"ids": nodeIDs})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}

	var out []*types.Edge
	for _, record := range result.([]*db.Record) {
		e, err := edgeFromRecord(record)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Neo4jStore) nodesByIDs(ctx context.Context, ids []string) ([]*types.Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (n:Memory)
			WHERE n.uuid IN $ids
			RETURN n
			ORDER BY n.name
		`, map[string]any{"ids": ids})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return nodesFromRecords(result.([]*db.Record))
}

// PutEpisode implements Store.
func (s *Neo4jStore) PutEpisode(ctx context.Context, ep *types.Episode) error {
	if err := ep.Validate(); err != nil {
		return types.NewFailure(types.FailureInvariant, "put episode", err)
	}

	session := s.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MERGE (e:Episode {uuid: $uuid})
			SET e = $props
		`, map[string]any{"uuid": ep.ID, "props": episodeToProps(ep)})
		return nil, err
	})
	return err
}

// GetEpisode implements Store.
func (s *Neo4jStore) GetEpisode(ctx context.Context, id string) (*types.Episode, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (e:Episode {uuid: $uuid}) RETURN e`, map[string]any{"uuid": id})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	records := result.([]*db.Record)
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEpisodeNotFound, id)
	}
	return episodeFromRecord(records[0])
}

// AppendEpisodeEdges implements Store.
func (s *Neo4jStore) AppendEpisodeEdges(ctx context.Context, episodeID string, edgeIDs []string) error {
	session := s.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (e:Episode {uuid: $uuid})
			SET e.edge_ids = [id IN e.edge_ids WHERE NOT id IN $new] + $new
			RETURN e.uuid
		`, map[string]any{"uuid": episodeID, "new": edgeIDs})
		if err != nil {
			return nil, err
		}
		if _, err := res.Single(ctx); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrEpisodeNotFound, episodeID)
		}
		return nil, nil
	})
	return err
}

// Snapshot implements Store.
func (s *Neo4jStore) Snapshot(ctx context.Context, includeInactive bool) (*Snapshot, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		snap := &Snapshot{}

		res, err := tx.Run(ctx, `MATCH (n:Memory) RETURN n ORDER BY n.uuid`, nil)
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if snap.Nodes, err = nodesFromRecords(records); err != nil {
			return nil, err
		}

		res, err = tx.Run(ctx, `
			MATCH (a:Memory)-[r:RELATES_TO]->(b:Memory)
			RETURN r, a.uuid AS source, b.uuid AS target
		`, nil)
		if err != nil {
			return nil, err
		}
		records, err = res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			e, err := edgeFromRecord(record)
			if err != nil {
				continue
			}
			snap.Edges = append(snap.Edges, e)
		}

		res, err = tx.Run(ctx, `MATCH (e:Episode) RETURN e ORDER BY e.uuid`, nil)
		if err != nil {
			return nil, err
		}
		records, err = res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			ep, err := episodeFromRecord(record)
			if err != nil {
				continue
			}
			snap.Episodes = append(snap.Episodes, ep)
		}
		return snap, nil
	})
	if err != nil {
		return nil, err
	}

	snap := result.(*Snapshot)
	if !includeInactive {
		now := s.now()
		active := snap.Edges[:0]
		for _, e := range snap.Edges {
			if e.Active(now) {
				active = append(active, e)
			}
		}
		snap.Edges = active
	}
	sortEdges(snap.Edges)
	return snap, nil
}

// Stats implements Store.
func (s *Neo4jStore) Stats(ctx context.Context) (Stats, error) {
	snap, err := s.Snapshot(ctx, false)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Nodes: len(snap.Nodes), Edges: len(snap.Edges), Episodes: len(snap.Episodes)}, nil
}

// Close implements Store.
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	}
	return 0
}

func asNode(record *db.Record, key string) (dbtype.Node, error) {
	value, found := record.Get(key)
	if !found {
		return dbtype.Node{}, fmt.Errorf("record missing %q", key)
	}
	node, ok := value.(dbtype.Node)
	if !ok {
		return dbtype.Node{}, fmt.Errorf("unexpected type for %q: got %T, expected dbtype.Node", key, value)
	}
	return node, nil
}

func nodesFromRecords(records []*db.Record) ([]*types.Node, error) {
	nodes := make([]*types.Node, 0, len(records))
	for _, record := range records {
		n, err := nodeFromRecord(record)
		if err != nil {
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
