// Package extraction implements the staged ingestion pipeline: from one
// raw utterance to a proposal the diff engine can apply. Every stage
// has a fallback and the pipeline never returns an error to the caller;
// the worst case is an empty proposal with tags explaining why.
package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memloom/memloom/pkg/config"
	"github.com/memloom/memloom/pkg/confidence"
	"github.com/memloom/memloom/pkg/diff"
	"github.com/memloom/memloom/pkg/llm"
	"github.com/memloom/memloom/pkg/types"
)

const (
	sarcasmPenalty    = 0.70
	secondhandPenalty = 0.80
	tentativePenalty  = 0.40
	warningPenalty    = 0.50
	discardThreshold  = 3
)

type extractedEntity struct {
	Name     string   `json:"name"`
	Kind     string   `json:"kind"`
	Aliases  []string `json:"aliases"`
	Explicit bool     `json:"explicit"`
	New      bool     `json:"new"`
}

type extractedRelation struct {
	Source               string   `json:"source"`
	Relation             string   `json:"relation"`
	Target               string   `json:"target"`
	TargetKind           string   `json:"target_kind"`
	Temporal             string   `json:"temporal"`
	Mechanism            string   `json:"mechanism"`
	SingleValued         bool     `json:"single_valued"`
	Hypothetical         bool     `json:"hypothetical"`
	Secondhand           bool     `json:"secondhand"`
	UserAgrees           bool     `json:"user_agrees"`
	AttributionUncertain bool     `json:"attribution_uncertain"`
	Tentative            bool     `json:"tentative"`
	Retraction           bool     `json:"retraction"`
	RefinesTarget        string   `json:"refines_target"`
	ExpiryHint           string   `json:"expiry_hint"`
	ContextTags          []string `json:"context_tags"`
}

type sentimentResult struct {
	Sentiment string  `json:"sentiment"`
	Strength  float64 `json:"strength"`
	Hedge     string  `json:"hedge"`
	Sarcasm   bool    `json:"sarcasm"`
}

// Report is the pipeline output: the proposal plus everything a caller
// needs to account for degraded stages.
type Report struct {
	Proposal       *diff.Proposal
	Warnings       []string
	Tags           []string
	Hallucinations int
	EntityNames    []string
}

// Pipeline runs stages 1-7 against the small LLM tier.
type Pipeline struct {
	small  llm.Client
	conf   *confidence.Engine
	cfg    config.ExtractionConfig
	logger *slog.Logger
	now    func() time.Time
}

// New builds a pipeline.
func New(small llm.Client, conf *confidence.Engine, cfg config.ExtractionConfig, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{small: small, conf: conf, cfg: cfg, logger: logger, now: time.Now}
}

// SetClock overrides the pipeline clock. Tests only.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// Run processes one interaction event into a proposal. It never fails:
// degraded stages leave tags and warnings on the report.
func (p *Pipeline) Run(ctx context.Context, ev types.InteractionEvent, knownEntities []string) *Report {
	report := &Report{
		Proposal: &diff.Proposal{
			CorrelationID: ev.IdempotencyKey(),
			SessionID:     ev.SessionID,
		},
	}

	// Below the STT floor the utterance is noise; storing guesses would
	// poison the graph.
	if ev.STTConfidence > 0 && ev.STTConfidence < p.cfg.STTFloor {
		report.Tags = append(report.Tags, "stt_below_floor")
		return report
	}

	cleaned, tags := Preprocess(ev.Text)
	report.Tags = append(report.Tags, tags...)

	sentiment := p.classifySentiment(ctx, cleaned, report)
	entities, penalized := p.extractEntities(ctx, cleaned, knownEntities, report)
	relations := p.extractRelations(ctx, cleaned, entities, report)

	episode := &types.Episode{
		ID:         types.NewEpisodeID(),
		OccurredAt: ev.Timestamp,
		SessionID:  ev.SessionID,
		Turn:       ev.Turn,
		Channel:    ev.Channel,
		Sentiment:  signedSentiment(sentiment),
	}
	if episode.OccurredAt.IsZero() {
		episode.OccurredAt = p.now()
	}
	report.Proposal.Episode = episode

	for _, ent := range entities {
		report.Proposal.Nodes = append(report.Proposal.Nodes, diff.ProposedNode{
			Name:    ent.Name,
			Kind:    nodeKind(ent.Kind),
			Aliases: ent.Aliases,
		})
		report.EntityNames = append(report.EntityNames, ent.Name)
	}

	loc := sessionLocation(ev.Timezone)
	for _, rel := range relations {
		if rel.Retraction {
			report.Proposal.Retractions = append(report.Proposal.Retractions, diff.ProposedRetraction{
				SourceName: rel.Source,
				Relation:   rel.Relation,
				TargetName: rel.Target,
			})
			continue
		}

		fact := p.buildFact(rel, sentiment, penalized, ev, loc)
		report.Proposal.Facts = append(report.Proposal.Facts, fact)

		if rel.Secondhand && rel.UserAgrees {
			agree := fact
			agree.SourceName = "user"
			agree.SourceKind = types.KindPerson
			agree.Secondhand = false
			agree.Mechanism = types.ProvenanceExplicit
			agree.Confidence = p.scaleSTT(p.conf.Initial(types.ProvenanceExplicit, confidence.HedgeLevel(sentiment.Hedge), sentiment.Strength), ev)
			report.Proposal.Facts = append(report.Proposal.Facts, agree)
		}
	}
	return report
}

// buildFact runs stages 5 and 6 for one relation.
func (p *Pipeline) buildFact(rel extractedRelation, sentiment sentimentResult, penalized map[string]bool, ev types.InteractionEvent, loc *time.Location) diff.ProposedFact {
	mechanism := types.Provenance(rel.Mechanism)
	switch mechanism {
	case types.ProvenanceExplicit, types.ProvenanceObservational, types.ProvenanceInferential, types.ProvenanceReflective:
	default:
		mechanism = types.ProvenanceObservational
	}

	temporal := types.TemporalType(rel.Temporal)
	if !types.ValidTemporalType(temporal) {
		temporal = types.TemporalState
	}

	conf := p.conf.Initial(mechanism, confidence.HedgeLevel(sentiment.Hedge), sentiment.Strength)
	if sentiment.Sarcasm {
		conf *= sarcasmPenalty
	}
	if rel.Secondhand {
		conf *= secondhandPenalty
	}
	if rel.Tentative {
		conf *= tentativePenalty
	}
	if penalized[types.FoldAlias(rel.Source)] || penalized[types.FoldAlias(rel.Target)] {
		conf *= warningPenalty
	}
	conf = p.scaleSTT(conf, ev)

	fact := diff.ProposedFact{
		SourceName:           rel.Source,
		TargetName:           rel.Target,
		TargetKind:           nodeKind(rel.TargetKind),
		Relation:             rel.Relation,
		Confidence:           p.conf.Clamp(conf),
		Temporal:             temporal,
		Mechanism:            mechanism,
		ContextTags:          rel.ContextTags,
		SingleValued:         rel.SingleValued,
		RefinesTarget:        rel.RefinesTarget,
		Hypothetical:         rel.Hypothetical,
		Secondhand:           rel.Secondhand,
		AttributionUncertain: rel.AttributionUncertain,
	}
	if expiry, ok := ResolveRelative(rel.ExpiryHint, p.now(), loc); ok {
		fact.Expiry = &expiry
	}
	return fact
}

func (p *Pipeline) scaleSTT(conf float64, ev types.InteractionEvent) float64 {
	if p.cfg.STTScaling && ev.STTConfidence > 0 {
		return conf * ev.STTConfidence
	}
	return conf
}

// extractEntities is stage 2. Returns surviving entities plus the
// case-folded names whose confidence must be halved.
func (p *Pipeline) extractEntities(ctx context.Context, cleaned string, known []string, report *Report) ([]extractedEntity, map[string]bool) {
	var resp struct {
		Entities []extractedEntity `json:"entities"`
	}
	err := p.callJSON(ctx, entitySystemPrompt, entityPrompt(cleaned, known), entitySchemaHint, &resp)
	if err != nil {
		report.Tags = append(report.Tags, "entity_stage_failed")
		p.logger.Warn("extraction.entity_stage_failed", "error", err)
		return nil, nil
	}

	penalized := make(map[string]bool)
	knownSet := make(map[string]bool, len(known))
	for _, k := range known {
		knownSet[types.FoldAlias(k)] = true
	}
	folded := strings.ToLower(cleaned)
	words := len(strings.Fields(cleaned))

	var warnings []string
	if float64(len(resp.Entities)) > 0.5*float64(words) {
		warnings = append(warnings, fmt.Sprintf("implausible entity count %d for %d words", len(resp.Entities), words))
		for _, ent := range resp.Entities {
			penalized[types.FoldAlias(ent.Name)] = true
		}
	}
	for _, ent := range resp.Entities {
		if ent.Explicit && !mentionGrounded(ent, folded) {
			warnings = append(warnings, fmt.Sprintf("entity %q not grounded in utterance", ent.Name))
			penalized[types.FoldAlias(ent.Name)] = true
		}
		if ent.New && knownSet[types.FoldAlias(ent.Name)] {
			warnings = append(warnings, fmt.Sprintf("entity %q claimed new but already known", ent.Name))
			penalized[types.FoldAlias(ent.Name)] = true
		}
	}

	report.Warnings = append(report.Warnings, warnings...)
	if len(warnings) >= discardThreshold {
		report.Hallucinations++
		report.Tags = append(report.Tags, "entities_discarded")
		p.logger.Warn("extraction.entities_discarded", "warnings", len(warnings))
		return nil, nil
	}
	return resp.Entities, penalized
}

// extractRelations is stage 3, with the same repair and hallucination
// discipline as stage 2.
func (p *Pipeline) extractRelations(ctx context.Context, cleaned string, entities []extractedEntity, report *Report) []extractedRelation {
	names := make([]string, 0, len(entities))
	for _, ent := range entities {
		names = append(names, ent.Name)
	}

	var resp struct {
		Relations []extractedRelation `json:"relations"`
	}
	err := p.callJSON(ctx, relationSystemPrompt, relationPrompt(cleaned, names), relationSchemaHint, &resp)
	if err != nil {
		report.Tags = append(report.Tags, "relation_stage_failed")
		p.logger.Warn("extraction.relation_stage_failed", "error", err)
		return nil
	}

	words := len(strings.Fields(cleaned))
	if float64(len(resp.Relations)) > 0.5*float64(words) {
		report.Hallucinations++
		report.Warnings = append(report.Warnings, fmt.Sprintf("implausible relation count %d for %d words", len(resp.Relations), words))
		report.Tags = append(report.Tags, "relations_discarded")
		return nil
	}

	out := resp.Relations[:0]
	for _, rel := range resp.Relations {
		if rel.Source == "" || rel.Relation == "" || (rel.Target == "" && !rel.Retraction) {
			report.Warnings = append(report.Warnings, "relation with missing fields dropped")
			continue
		}
		out = append(out, rel)
	}
	return out
}

// classifySentiment is stage 4. Fallback: neutral, moderate hedge.
func (p *Pipeline) classifySentiment(ctx context.Context, cleaned string, report *Report) sentimentResult {
	fallback := sentimentResult{Sentiment: "neutral", Strength: 1.0, Hedge: string(confidence.HedgeModerate)}

	var resp sentimentResult
	err := p.callJSON(ctx, sentimentSystemPrompt, sentimentPrompt(cleaned), sentimentSchemaHint, &resp)
	if err != nil {
		report.Tags = append(report.Tags, "sentiment_stage_failed")
		return fallback
	}
	if resp.Strength <= 0 || resp.Strength > 1 {
		resp.Strength = 1.0
	}
	switch confidence.HedgeLevel(resp.Hedge) {
	case confidence.HedgeNone, confidence.HedgeMild, confidence.HedgeModerate, confidence.HedgeStrong:
	default:
		resp.Hedge = string(confidence.HedgeModerate)
	}
	if resp.Sarcasm {
		// Sarcasm inverts the surface polarity.
		switch resp.Sentiment {
		case "positive":
			resp.Sentiment = "negative"
		case "negative":
			resp.Sentiment = "positive"
		}
	}
	return resp
}

// callJSON queries the small tier and decodes JSON with the repair
// pass. One retry with a shortened prompt on failure.
func (p *Pipeline) callJSON(ctx context.Context, system, prompt, schemaHint string, v any) error {
	resp, err := p.small.Complete(ctx, llm.Request{System: system, Prompt: prompt, SchemaHint: schemaHint})
	if err == nil {
		if decodeErr := DecodeJSON(resp.Content, v); decodeErr == nil {
			return nil
		}
		err = ErrNoJSON
	}

	short := prompt
	if len(short) > 400 {
		short = short[:400]
	}
	resp, retryErr := p.small.Complete(ctx, llm.Request{System: system, Prompt: short, SchemaHint: schemaHint})
	if retryErr != nil {
		return fmt.Errorf("extraction call failed: %w", err)
	}
	if decodeErr := DecodeJSON(resp.Content, v); decodeErr != nil {
		return decodeErr
	}
	return nil
}

func mentionGrounded(ent extractedEntity, foldedUtterance string) bool {
	if strings.Contains(foldedUtterance, types.FoldAlias(ent.Name)) {
		return true
	}
	for _, alias := range ent.Aliases {
		if alias != "" && strings.Contains(foldedUtterance, types.FoldAlias(alias)) {
			return true
		}
	}
	return false
}

func nodeKind(kind string) types.NodeKind {
	k := types.NodeKind(kind)
	if types.ValidKind(k) {
		return k
	}
	return types.KindConcept
}

func signedSentiment(s sentimentResult) float64 {
	switch s.Sentiment {
	case "positive":
		return s.Strength
	case "negative":
		return -s.Strength
	}
	return 0
}

func sessionLocation(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
