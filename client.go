package memloom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/memloom/memloom/pkg/audit"
	"github.com/memloom/memloom/pkg/confidence"
	"github.com/memloom/memloom/pkg/config"
	"github.com/memloom/memloom/pkg/diff"
	"github.com/memloom/memloom/pkg/events"
	"github.com/memloom/memloom/pkg/extraction"
	"github.com/memloom/memloom/pkg/graph"
	"github.com/memloom/memloom/pkg/llm"
	"github.com/memloom/memloom/pkg/outbound"
	"github.com/memloom/memloom/pkg/proactive"
	"github.com/memloom/memloom/pkg/query"
	"github.com/memloom/memloom/pkg/queue"
	"github.com/memloom/memloom/pkg/types"
	"github.com/memloom/memloom/pkg/workers"
)

var (
	// ErrUnknownDriver is returned for an unrecognized graph driver.
	ErrUnknownDriver = errors.New("unknown graph driver")
	// ErrUnknownFormat is returned for an unrecognized snapshot format.
	ErrUnknownFormat = errors.New("unknown snapshot format")
	// ErrUnknownEntity is returned when a correction references a node
	// that does not resolve.
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrNoMatchingEdge is returned when a correction matches no edge.
	ErrNoMatchingEdge = errors.New("no matching edge")
)

// Known-entity caps per retry context level. Retries shrink the prompt
// so oversized context cannot wedge the queue.
const (
	knownEntitiesFull = 50
	knownEntitiesHalf = 20
)

// emitterSetter is implemented by both store backends.
type emitterSetter interface {
	SetEmitter(graph.Emitter)
}

type clientOptions struct {
	small    llm.Client
	large    llm.Client
	verifier workers.Verifier
}

// Option customizes client construction.
type Option func(*clientOptions)

// WithLLMClients replaces the provider clients for both tiers. The
// breaker and budget wrappers still apply. Tests inject mocks here.
func WithLLMClients(small, large llm.Client) Option {
	return func(o *clientOptions) {
		o.small = small
		o.large = large
	}
}

// WithVerifier replaces the revision cycle's fact verifier. The default
// is an LLM verifier over the large tier.
func WithVerifier(v workers.Verifier) Option {
	return func(o *clientOptions) {
		o.verifier = v
	}
}

// Client wires every component into the Service surface. One Client
// owns one user graph.
type Client struct {
	cfg    *config.Config
	logger *slog.Logger

	store    graph.Store
	bus      *events.Bus
	auditLog *audit.Log
	conf     *confidence.Engine

	small    llm.Client
	large    llm.Client
	smallBrk *llm.BreakerClient
	largeBrk *llm.BreakerClient

	pipeline *extraction.Pipeline
	differ   *diff.Engine
	inbound  *queue.Inbound
	outbox   *outbound.Queue
	queries  *query.Engine
	engine   *proactive.Engine
	sched    *workers.Scheduler

	mu      sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
	closed  bool
}

// NewClient builds a fully wired client. A nil config selects defaults
// (in-memory graph and queues, balanced preset); a nil logger selects
// slog.Default. Background loops do not run until Start.
func NewClient(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{cfg: cfg, logger: logger}

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	c.store = store

	c.bus = events.NewBus(cfg.Events.QueueDepth, logger)
	c.bus.SetSlowHandlerDeadline(time.Duration(cfg.Events.SlowHandlerSeconds) * time.Second)
	if s, ok := store.(emitterSetter); ok {
		s.SetEmitter(c.bus)
	}

	c.auditLog, err = audit.Open(subdir(cfg.Storage.DataDir, "audit"), logger)
	if err != nil {
		c.teardown()
		return nil, err
	}
	c.bus.Subscribe("audit", events.GraphHandler(c.recordGraphEvent))

	c.conf = confidence.New(cfg.Confidence, cfg.Decay)

	c.small, c.smallBrk = buildTier(o.small, cfg.LLM.Small, cfg.LLM.SmallBreaker, "llm-small", logger)
	c.large, c.largeBrk = buildTier(o.large, cfg.LLM.Large, cfg.LLM.LargeBreaker, "llm-large", logger)

	c.outbox, err = outbound.Open(subdir(cfg.Storage.DataDir, "outbound"), cfg.Probing, cfg.Starters, logger)
	if err != nil {
		c.teardown()
		return nil, err
	}

	c.pipeline = extraction.New(c.small, c.conf, cfg.Extraction, logger)
	c.differ = diff.NewEngine(store, c.conf, c.auditLog, c.outbox, cfg.Extraction.MinStorageConfidence, logger)

	c.inbound, err = queue.Open(subdir(cfg.Storage.DataDir, "inbound"), cfg.Queue, c.processInteraction, logger)
	if err != nil {
		c.teardown()
		return nil, err
	}

	c.queries = query.New(store, c.large, c.outbox, logger)

	c.engine = proactive.New(store, c.large, c.outbox, cfg, logger)
	c.bus.Subscribe("proactive", c.engine.BusHandler())

	c.sched = workers.NewScheduler(logger)
	hours := func(h int) time.Duration { return time.Duration(h) * time.Hour }
	c.sched.Add(workers.NewDecay(store, c.conf, nil, logger), hours(cfg.Workers.DecayIntervalHours))
	verifier := o.verifier
	if verifier == nil {
		verifier = workers.NewLLMVerifier(c.large, logger)
	}
	c.sched.Add(workers.NewRevision(store, c.conf, verifier, cfg.Workers.RevisionBudget, cfg.Workers.RevisionTTLDays, nil, logger), hours(cfg.Workers.RevisionIntervalHours))
	c.sched.Add(workers.NewInference(store, c.large, c.differ, c.conf, cfg.Workers.InferenceCap, nil, logger), hours(cfg.Workers.InferenceIntervalHours))
	c.sched.Add(workers.NewClustering(store, nil, logger), hours(cfg.Workers.ClusteringIntervalHours))

	return c, nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (graph.Store, error) {
	switch cfg.Storage.GraphDriver {
	case "", "memory":
		return graph.NewMemoryStore(logger), nil
	case "neo4j":
		return graph.NewNeo4jStore(cfg.Storage.URI, cfg.Storage.Username,
			cfg.Storage.Password, cfg.Storage.Database, logger)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Storage.GraphDriver)
}

// buildTier stacks one LLM capability tier: provider client, circuit
// breaker, then the daily token budget outermost so budget refusals do
// not count as breaker failures.
func buildTier(base llm.Client, model config.LLMModelConfig, brk config.BreakerConfig, name string, logger *slog.Logger) (llm.Client, *llm.BreakerClient) {
	if base == nil {
		switch model.Provider {
		case "mock":
			base = llm.NewMockClient()
		case "anthropic":
			base = llm.NewAnthropicClient(model, logger)
		default:
			base = llm.NewOpenAIClient(model, logger)
		}
	}
	breaker := llm.NewBreakerClient(base, brk, name, logger)
	return llm.NewBudgetClient(breaker, model.DailyTokenBudget), breaker
}

func subdir(dataDir, name string) string {
	if dataDir == "" {
		return ""
	}
	return filepath.Join(dataDir, name)
}

// Start launches the inbound queue loop and the maintenance scheduler.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil || c.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.running.Add(2)
	go func() {
		defer c.running.Done()
		c.inbound.Run(ctx)
	}()
	go func() {
		defer c.running.Done()
		c.sched.Run(ctx)
	}()
}

// ReportInteraction implements Ingestor. A duplicate (session, turn)
// pair is dropped silently; extraction happens asynchronously.
func (c *Client) ReportInteraction(ctx context.Context, ev types.InteractionEvent) error {
	err := c.inbound.Enqueue(ctx, ev)
	if errors.Is(err, queue.ErrDuplicate) {
		return nil
	}
	return err
}

// ProcessPending drains due inbound work synchronously. Tests and
// single-shot CLI invocations use this instead of Start.
func (c *Client) ProcessPending(ctx context.Context) error {
	return c.inbound.Tick(ctx)
}

// processInteraction is the inbound queue handler: extraction then the
// diff engine, with prior entity context shrinking on each retry.
func (c *Client) processInteraction(ctx context.Context, ev types.InteractionEvent, level types.ContextLevel) error {
	known := c.knownEntities(ctx, ev, level)
	report := c.pipeline.Run(ctx, ev, known)

	// The pipeline degrades instead of failing; a dead extraction stage
	// means the LLM tier was unreachable, so surface it for retry.
	for _, tag := range report.Tags {
		if tag == "entity_stage_failed" || tag == "relation_stage_failed" {
			return types.NewFailure(types.FailureTransientExternal, "extraction degraded: "+tag, nil)
		}
	}
	if report.Proposal == nil {
		return nil
	}

	_, err := c.differ.Apply(ctx, report.Proposal)
	return err
}

// knownEntities collects entity names to ground extraction: the agent's
// hints first, then graph node names up to the level's cap.
func (c *Client) knownEntities(ctx context.Context, ev types.InteractionEvent, level types.ContextLevel) []string {
	var limit int
	switch level {
	case types.ContextFull:
		limit = knownEntitiesFull
	case types.ContextHalf:
		limit = knownEntitiesHalf
	default:
		return nil
	}

	seen := make(map[string]bool)
	known := make([]string, 0, limit)
	add := func(name string) {
		folded := types.FoldAlias(name)
		if folded == "" || seen[folded] || len(known) >= limit {
			return
		}
		seen[folded] = true
		known = append(known, name)
	}
	for _, hint := range ev.EntitiesHint {
		add(hint)
	}
	nodes, err := c.store.FindNodes(ctx, graph.FindFilter{})
	if err != nil {
		c.logger.Warn("known entity listing failed", "error", err)
		return known
	}
	for _, n := range nodes {
		add(n.Name)
	}
	return known
}

// recordGraphEvent appends one audit entry per bus event. The diff
// engine records its classification decisions separately; these entries
// cover the mutation stream itself, including worker activity.
func (c *Client) recordGraphEvent(ctx context.Context, ev types.GraphEvent) error {
	entry := audit.Entry{
		CorrelationID: ev.CorrelationID,
		EventKind:     string(ev.Type),
		Component:     "graph",
		Operation:     graphEventOp(ev.Type),
		NodeID:        ev.NodeID,
		EdgeID:        ev.EdgeID,
	}
	if ev.Edge != nil {
		entry.ConfidenceAfter = ev.Edge.Confidence
		entry.Mechanism = string(ev.Edge.Mechanism)
	}
	return c.auditLog.Record(ctx, entry)
}

func graphEventOp(t types.EventType) audit.Operation {
	switch t {
	case types.EventNodeAdded, types.EventEdgeAdded:
		return audit.OpInsert
	case types.EventEdgeRetracted:
		return audit.OpRetract
	case types.EventEdgeArchived:
		return audit.OpArchive
	}
	return audit.OpDecision
}

// Query implements Querier.
func (c *Client) Query(ctx context.Context, req query.Request) (*query.Subgraph, error) {
	return c.queries.Structured(ctx, req)
}

// QueryNL implements Querier.
func (c *Client) QueryNL(ctx context.Context, text string) (*query.Subgraph, *query.Plan, error) {
	return c.queries.Natural(ctx, text)
}

// GetContext implements Querier: synchronous extraction of the message,
// then a planned query over the updated graph.
func (c *Client) GetContext(ctx context.Context, ev types.InteractionEvent) (*ContextResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, types.NewFailure(types.FailureMalformedInput, "invalid interaction", err)
	}

	report := c.pipeline.Run(ctx, ev, c.knownEntities(ctx, ev, types.ContextFull))
	summary := ExtractionSummary{
		Warnings: report.Warnings,
		Tags:     report.Tags,
	}
	if report.Proposal != nil {
		res, err := c.differ.Apply(ctx, report.Proposal)
		if err != nil {
			return nil, err
		}
		summary.EpisodeID = res.EpisodeID
		summary.Outcomes = res.Outcomes
	}

	sub, plan, err := c.queries.Natural(ctx, ev.Text)
	if err != nil {
		return nil, err
	}
	return &ContextResult{Extraction: summary, Subgraph: sub, Plan: plan}, nil
}

// AssembleContext implements Querier.
func (c *Client) AssembleContext(ctx context.Context, req query.ContextRequest) (*query.ContextBlock, error) {
	return c.queries.AssembleContext(ctx, req)
}

// GetProbes implements Prober. Returned probes are consumed: the
// retrieval spends the per-conversation, daily, and weekly allowances,
// so an immediate second call comes back empty.
func (c *Client) GetProbes(ctx context.Context, conv outbound.Conversation) ([]types.OutboundItem, error) {
	return c.retrieveOutbound(ctx, conv, types.OutboundProbe)
}

// GetStarters implements Prober. Returned starters are consumed the
// same way probes are.
func (c *Client) GetStarters(ctx context.Context, conv outbound.Conversation) ([]types.OutboundItem, error) {
	return c.retrieveOutbound(ctx, conv, types.OutboundStarter)
}

func (c *Client) retrieveOutbound(ctx context.Context, conv outbound.Conversation, kind types.OutboundKind) ([]types.OutboundItem, error) {
	items, err := c.outbox.Retrieve(ctx, conv, kind)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if err := c.auditLog.Record(ctx, audit.Entry{
			CorrelationID: it.CorrelationID,
			EventKind:     "outbound_delivered",
			Component:     "outbound",
			Operation:     audit.OpDecision,
			SessionID:     conv.SessionID,
			Reasoning:     string(it.Kind) + ":" + it.Subtype,
		}); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// MarkDelivered implements Prober.
func (c *Client) MarkDelivered(ctx context.Context, itemID, sessionID string) error {
	return c.outbox.MarkDelivered(ctx, itemID, sessionID)
}

// ResolveOutbound implements Prober.
func (c *Client) ResolveOutbound(ctx context.Context, itemID string, outcome types.OutboundState) error {
	return c.outbox.Resolve(ctx, itemID, outcome)
}

// ReportExternalEvent feeds a normalized external event to the starter
// generator. Monitor pollers call this.
func (c *Client) ReportExternalEvent(ctx context.Context, ev types.ExternalEvent) error {
	return c.engine.HandleExternalEvent(ctx, ev)
}

// UserCorrection implements Corrector. EntityRef names the subject
// node; Field narrows to one relation, OldValue to one target. The
// correction applies regardless of existing confidence.
func (c *Client) UserCorrection(ctx context.Context, corr types.UserCorrection) error {
	if corr.EntityRef == "" {
		return types.NewFailure(types.FailureMalformedInput, "correction needs an entity reference", nil)
	}
	node, err := c.resolveNode(ctx, corr.EntityRef)
	if err != nil {
		return err
	}
	correlationID := "correction:" + node.ID

	switch corr.Kind {
	case types.CorrectionDelete:
		if err := c.store.DeleteNode(ctx, node.ID, true, correlationID); err != nil {
			return err
		}
		// Deletion is audited by metadata only; the payload is gone.
		return c.auditLog.Record(ctx, audit.Entry{
			CorrelationID: correlationID,
			EventKind:     "user_correction",
			Component:     "correction",
			Operation:     audit.OpDelete,
			NodeID:        node.ID,
			Reasoning:     types.RetractionUserRequest,
		})

	case types.CorrectionRetract:
		edges, err := c.matchEdges(ctx, node.ID, corr.Field, corr.OldValue)
		if err != nil {
			return err
		}
		for _, ed := range edges {
			if err := c.store.RetractEdge(ctx, ed.ID, types.RetractionUserRequest, correlationID); err != nil {
				return err
			}
		}
		return nil

	case types.CorrectionRevise:
		if corr.Field == "" || corr.NewValue == "" {
			return types.NewFailure(types.FailureMalformedInput, "revise needs a relation and a new value", nil)
		}
		edges, err := c.matchEdges(ctx, node.ID, corr.Field, corr.OldValue)
		if err != nil {
			return err
		}
		target, err := c.store.UpsertNode(ctx, &types.Node{
			Kind: types.KindConcept,
			Name: corr.NewValue,
		}, correlationID)
		if err != nil {
			return err
		}
		conf := c.conf.Base(types.ProvenanceExplicit)
		for _, ed := range edges {
			if _, err := c.store.ReviseEdge(ctx, ed.ID, target.ID, conf, "", types.RetractionUserRequest, correlationID); err != nil {
				return err
			}
		}
		return nil
	}
	return types.NewFailure(types.FailureMalformedInput, "unknown correction kind "+string(corr.Kind), nil)
}

func (c *Client) resolveNode(ctx context.Context, ref string) (*types.Node, error) {
	nodes, err := c.store.FindNodes(ctx, graph.FindFilter{Alias: ref})
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, ref)
	}
	return nodes[0], nil
}

// matchEdges returns the active edges from a node matching the optional
// relation and target-name filters.
func (c *Client) matchEdges(ctx context.Context, sourceID, relation, targetName string) ([]*types.Edge, error) {
	edges, err := c.store.Edges(ctx, graph.EdgeFilter{SourceID: sourceID, Relation: relation})
	if err != nil {
		return nil, err
	}
	if targetName != "" {
		kept := edges[:0]
		for _, ed := range edges {
			target, err := c.store.GetNode(ctx, ed.TargetID)
			if err != nil {
				return nil, err
			}
			if target.HasAlias(targetName) {
				kept = append(kept, ed)
			}
		}
		edges = kept
	}
	if len(edges) == 0 {
		return nil, fmt.Errorf("%w: %s %s %s", ErrNoMatchingEdge, sourceID, relation, targetName)
	}
	return edges, nil
}

// Subscribe implements Subscriber.
func (c *Client) Subscribe(name string, handler events.Handler) {
	c.bus.Subscribe(name, handler)
}

// Unsubscribe implements Subscriber.
func (c *Client) Unsubscribe(name string) {
	c.bus.Unsubscribe(name)
}

// GetProvenance implements Admin: the edge plus its source episodes,
// newest first.
func (c *Client) GetProvenance(ctx context.Context, edgeID string) (*types.ProvenanceChain, error) {
	edge, err := c.store.GetEdge(ctx, edgeID)
	if err != nil {
		return nil, err
	}
	chain := &types.ProvenanceChain{Edge: edge}
	for _, epID := range edge.EpisodeIDs {
		ep, err := c.store.GetEpisode(ctx, epID)
		if err != nil {
			if errors.Is(err, graph.ErrEpisodeNotFound) {
				continue
			}
			return nil, err
		}
		chain.Episodes = append(chain.Episodes, ep)
	}
	sort.Slice(chain.Episodes, func(i, j int) bool {
		return chain.Episodes[i].OccurredAt.After(chain.Episodes[j].OccurredAt)
	})
	return chain, nil
}

// GraphSnapshot implements Admin.
func (c *Client) GraphSnapshot(ctx context.Context, format SnapshotFormat) ([]byte, error) {
	snap, err := c.store.Snapshot(ctx, false)
	if err != nil {
		return nil, err
	}
	switch format {
	case "", SnapshotFull:
		return json.MarshalIndent(snap, "", "  ")
	case SnapshotGraphML:
		return encodeGraphML(snap)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
}

// Health implements Admin.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	depth, err := c.inbound.Depth()
	if err != nil {
		return nil, err
	}
	dead, err := c.inbound.DeadLetters()
	if err != nil {
		return nil, err
	}
	return &Health{
		Graph: stats,
		Breakers: map[string]string{
			c.smallBrk.Name(): c.smallBrk.State(),
			c.largeBrk.Name(): c.largeBrk.State(),
		},
		Bus:         c.bus.Counters(),
		Inbound:     depth,
		DeadLetters: len(dead),
	}, nil
}

// Close implements Admin: stops background loops, then closes every
// component. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.running.Wait()
	return c.teardown()
}

func (c *Client) teardown() error {
	var errs []error
	if c.bus != nil {
		c.bus.Close()
	}
	if c.inbound != nil {
		errs = append(errs, c.inbound.Close())
	}
	if c.outbox != nil {
		errs = append(errs, c.outbox.Close())
	}
	if c.auditLog != nil {
		errs = append(errs, c.auditLog.Close())
	}
	if c.small != nil {
		errs = append(errs, c.small.Close())
	}
	if c.large != nil {
		errs = append(errs, c.large.Close())
	}
	if c.store != nil {
		errs = append(errs, c.store.Close(context.Background()))
	}
	return errors.Join(errs...)
}
