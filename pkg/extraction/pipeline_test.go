package extraction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memloom/memloom/pkg/config"
	"github.com/memloom/memloom/pkg/confidence"
	"github.com/memloom/memloom/pkg/llm"
	"github.com/memloom/memloom/pkg/types"
)

func newPipeline(t *testing.T, mock *llm.MockClient) *Pipeline {
	t.Helper()
	cfg := config.Default()
	conf := confidence.New(cfg.Confidence, cfg.Decay)
	return New(mock, conf, cfg.Extraction, nil)
}

func event(text string) types.InteractionEvent {
	return types.InteractionEvent{
		SessionID: "s1",
		Turn:      3,
		Channel:   "chat",
		Text:      text,
		Timestamp: time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC),
	}
}

// stubStages wires the three stage prompts to canned responses.
func stubStages(mock *llm.MockClient, entities, relations, sentiment string) {
	mock.Stub("You extract entities", entities)
	mock.Stub("You extract relations", relations)
	mock.Stub("sentiment and hedging", sentiment)
}

func TestHappyPath(t *testing.T) {
	mock := llm.NewMockClient()
	stubStages(mock,
		`{"entities":[{"name":"jazz","kind":"concept","explicit":true,"new":true}]}`,
		`{"relations":[{"source":"user","relation":"likes","target":"jazz","target_kind":"concept","temporal":"state","mechanism":"explicit"}]}`,
		`{"sentiment":"positive","strength":1.0,"hedge":"none"}`,
	)
	p := newPipeline(t, mock)

	report := p.Run(context.Background(), event("I really like jazz"), nil)
	require.Len(t, report.Proposal.Facts, 1)

	fact := report.Proposal.Facts[0]
	assert.Equal(t, "likes", fact.Relation)
	assert.InDelta(t, 0.90, fact.Confidence, 1e-9)
	assert.Equal(t, types.TemporalState, fact.Temporal)
	assert.Equal(t, "s1:3", report.Proposal.CorrelationID)
	assert.Equal(t, 1.0, report.Proposal.Episode.Sentiment)
	assert.Empty(t, report.Warnings)
}

func TestHedgeLowersConfidence(t *testing.T) {
	mock := llm.NewMockClient()
	stubStages(mock,
		`{"entities":[{"name":"opera","kind":"concept","explicit":true}]}`,
		`{"relations":[{"source":"user","relation":"interested_in","target":"opera","temporal":"state","mechanism":"explicit"}]}`,
		`{"sentiment":"neutral","strength":1.0,"hedge":"moderate"}`,
	)
	p := newPipeline(t, mock)

	report := p.Run(context.Background(), event("I think I might enjoy opera"), nil)
	require.Len(t, report.Proposal.Facts, 1)
	// 0.90 x 0.65
	assert.InDelta(t, 0.585, report.Proposal.Facts[0].Confidence, 1e-9)
}

func TestHallucinatedEntityPenalized(t *testing.T) {
	mock := llm.NewMockClient()
	stubStages(mock,
		`{"entities":[{"name":"Aunt Gertrude","kind":"person","explicit":true,"new":true}]}`,
		`{"relations":[{"source":"Aunt Gertrude","relation":"visited","target":"user","temporal":"episode","mechanism":"explicit"}]}`,
		`{"sentiment":"neutral","strength":1.0,"hedge":"none"}`,
	)
	p := newPipeline(t, mock)

	report := p.Run(context.Background(), event("nobody came to visit this weekend"), nil)
	require.Len(t, report.Warnings, 1)
	require.Len(t, report.Proposal.Facts, 1)
	// Explicit base halved by the grounding warning.
	assert.InDelta(t, 0.45, report.Proposal.Facts[0].Confidence, 1e-9)
}

func TestThreeWarningsDiscardEntities(t *testing.T) {
	mock := llm.NewMockClient()
	stubStages(mock,
		`{"entities":[
			{"name":"Ghost One","kind":"person","explicit":true},
			{"name":"Ghost Two","kind":"person","explicit":true},
			{"name":"Ghost Three","kind":"person","explicit":true}]}`,
		`{"relations":[]}`,
		`{"sentiment":"neutral","strength":1.0,"hedge":"none"}`,
	)
	p := newPipeline(t, mock)

	report := p.Run(context.Background(), event("short utterance without those names in it at all"), nil)
	assert.Equal(t, 1, report.Hallucinations)
	assert.Contains(t, report.Tags, "entities_discarded")
	assert.Empty(t, report.Proposal.Nodes)
}

func TestEntityCountPlausibility(t *testing.T) {
	mock := llm.NewMockClient()
	stubStages(mock,
		`{"entities":[
			{"name":"a","kind":"concept"},{"name":"b","kind":"concept"},
			{"name":"c","kind":"concept"},{"name":"d","kind":"concept"}]}`,
		`{"relations":[]}`,
		`{"sentiment":"neutral","strength":1.0,"hedge":"none"}`,
	)
	p := newPipeline(t, mock)

	// Four entities from a three-word utterance is implausible.
	report := p.Run(context.Background(), event("a b c"), nil)
	assert.NotEmpty(t, report.Warnings)
}

func TestSTTFloorSkipsExtraction(t *testing.T) {
	mock := llm.NewMockClient()
	p := newPipeline(t, mock)

	ev := event("garbled audio transcript")
	ev.STTConfidence = 0.30
	report := p.Run(context.Background(), ev, nil)

	assert.Contains(t, report.Tags, "stt_below_floor")
	assert.Empty(t, report.Proposal.Facts)
	assert.Zero(t, mock.CallCount())
}

func TestSTTScaling(t *testing.T) {
	mock := llm.NewMockClient()
	stubStages(mock,
		`{"entities":[{"name":"jazz","kind":"concept","explicit":true}]}`,
		`{"relations":[{"source":"user","relation":"likes","target":"jazz","temporal":"state","mechanism":"explicit"}]}`,
		`{"sentiment":"positive","strength":1.0,"hedge":"none"}`,
	)
	p := newPipeline(t, mock)

	ev := event("I like jazz")
	ev.STTConfidence = 0.80
	report := p.Run(context.Background(), ev, nil)
	require.Len(t, report.Proposal.Facts, 1)
	assert.InDelta(t, 0.72, report.Proposal.Facts[0].Confidence, 1e-9)
}

func TestSarcasmInvertsAndReduces(t *testing.T) {
	mock := llm.NewMockClient()
	stubStages(mock,
		`{"entities":[{"name":"mondays","kind":"concept","explicit":true}]}`,
		`{"relations":[{"source":"user","relation":"loves","target":"mondays","temporal":"trait","mechanism":"explicit"}]}`,
		`{"sentiment":"positive","strength":1.0,"hedge":"none","sarcasm":true}`,
	)
	p := newPipeline(t, mock)

	report := p.Run(context.Background(), event("oh I just love mondays"), nil)
	require.Len(t, report.Proposal.Facts, 1)
	assert.InDelta(t, 0.63, report.Proposal.Facts[0].Confidence, 1e-9)
	// Inverted polarity lands on the episode.
	assert.Equal(t, -1.0, report.Proposal.Episode.Sentiment)
}

func TestSecondhandWithAgreement(t *testing.T) {
	mock := llm.NewMockClient()
	stubStages(mock,
		`{"entities":[{"name":"John","kind":"person","explicit":true},{"name":"the new cafe","kind":"place","explicit":true}]}`,
		`{"relations":[{"source":"John","relation":"rates_highly","target":"the new cafe","temporal":"state","mechanism":"explicit","secondhand":true,"user_agrees":true}]}`,
		`{"sentiment":"positive","strength":1.0,"hedge":"none"}`,
	)
	p := newPipeline(t, mock)

	report := p.Run(context.Background(), event("John thinks the new cafe is great and I agree"), nil)
	require.Len(t, report.Proposal.Facts, 2)

	john := report.Proposal.Facts[0]
	assert.Equal(t, "John", john.SourceName)
	assert.True(t, john.Secondhand)
	assert.InDelta(t, 0.72, john.Confidence, 1e-9)

	user := report.Proposal.Facts[1]
	assert.Equal(t, "user", user.SourceName)
	assert.False(t, user.Secondhand)
	assert.InDelta(t, 0.90, user.Confidence, 1e-9)
}

func TestRetractionBecomesRetractionOp(t *testing.T) {
	mock := llm.NewMockClient()
	stubStages(mock,
		`{"entities":[]}`,
		`{"relations":[{"source":"user","relation":"planning_trip_to","target":"","retraction":true}]}`,
		`{"sentiment":"neutral","strength":1.0,"hedge":"none"}`,
	)
	p := newPipeline(t, mock)

	report := p.Run(context.Background(), event("forget what I said about the trip"), nil)
	assert.Empty(t, report.Proposal.Facts)
	require.Len(t, report.Proposal.Retractions, 1)
	assert.Equal(t, "planning_trip_to", report.Proposal.Retractions[0].Relation)
}

func TestExpiryResolution(t *testing.T) {
	mock := llm.NewMockClient()
	stubStages(mock,
		`{"entities":[{"name":"Portugal","kind":"place","explicit":true}]}`,
		`{"relations":[{"source":"user","relation":"planning_trip_to","target":"Portugal","temporal":"wish","mechanism":"explicit","expiry_hint":"next month"}]}`,
		`{"sentiment":"positive","strength":1.0,"hedge":"none"}`,
	)
	p := newPipeline(t, mock)
	p.SetClock(func() time.Time { return time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC) })

	report := p.Run(context.Background(), event("planning a trip to Portugal next month"), nil)
	require.Len(t, report.Proposal.Facts, 1)
	require.NotNil(t, report.Proposal.Facts[0].Expiry)
	assert.Equal(t, time.April, report.Proposal.Facts[0].Expiry.Month())
	assert.Equal(t, types.TemporalWish, report.Proposal.Facts[0].Temporal)
}

func TestStageFallbacks(t *testing.T) {
	t.Run("llm down degrades to empty proposal", func(t *testing.T) {
		mock := llm.NewMockClient().FailWith(llm.ErrUnavailable)
		p := newPipeline(t, mock)

		report := p.Run(context.Background(), event("I like jazz"), nil)
		assert.Contains(t, report.Tags, "entity_stage_failed")
		assert.Contains(t, report.Tags, "relation_stage_failed")
		assert.Contains(t, report.Tags, "sentiment_stage_failed")
		assert.Empty(t, report.Proposal.Facts)
		assert.NotNil(t, report.Proposal.Episode)
	})

	t.Run("sentiment fallback is moderate neutral", func(t *testing.T) {
		mock := llm.NewMockClient()
		stubStages(mock,
			`{"entities":[{"name":"jazz","kind":"concept","explicit":true}]}`,
			`{"relations":[{"source":"user","relation":"likes","target":"jazz","temporal":"state","mechanism":"explicit"}]}`,
			`not json at all`,
		)
		p := newPipeline(t, mock)

		report := p.Run(context.Background(), event("I like jazz"), nil)
		require.Len(t, report.Proposal.Facts, 1)
		// 0.90 x moderate 0.65
		assert.InDelta(t, 0.585, report.Proposal.Facts[0].Confidence, 1e-9)
	})

	t.Run("malformed relation json retried then dropped", func(t *testing.T) {
		mock := llm.NewMockClient()
		mock.Stub("You extract entities", `{"entities":[]}`)
		mock.Stub("You extract relations", `no structured output here`)
		mock.Stub("sentiment and hedging", `{"sentiment":"neutral","strength":1.0,"hedge":"none"}`)
		p := newPipeline(t, mock)

		report := p.Run(context.Background(), event("hello there"), nil)
		assert.Contains(t, report.Tags, "relation_stage_failed")
	})
}

func TestKnownEntityClaimedNew(t *testing.T) {
	mock := llm.NewMockClient()
	stubStages(mock,
		`{"entities":[{"name":"jazz","kind":"concept","explicit":true,"new":true}]}`,
		`{"relations":[{"source":"user","relation":"likes","target":"jazz","temporal":"state","mechanism":"explicit"}]}`,
		`{"sentiment":"neutral","strength":1.0,"hedge":"none"}`,
	)
	p := newPipeline(t, mock)

	report := p.Run(context.Background(), event("still listening to jazz"), []string{"jazz"})
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "already known")
}
