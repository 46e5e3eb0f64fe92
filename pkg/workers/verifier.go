package workers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/memloom/memloom/pkg/extraction"
	"github.com/memloom/memloom/pkg/llm"
	"github.com/memloom/memloom/pkg/types"
)

const verifierSystemPrompt = `You judge whether a remembered fact about a person is still likely true.
Confirm only what general reasoning supports; refute only clear contradictions. Unknown is a fine answer.`

const verifierSchemaHint = `{"verdict": "confirmed|refuted|unknown"}`

// LLMVerifier checks stale facts against the large tier. Budget and
// breaker refusals surface as errors so the revision cycle skips
// quietly instead of guessing.
type LLMVerifier struct {
	client llm.Client
	logger *slog.Logger
}

// NewLLMVerifier builds a verifier over the given completion client.
func NewLLMVerifier(client llm.Client, logger *slog.Logger) *LLMVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMVerifier{client: client, logger: logger}
}

// Verify implements Verifier.
func (v *LLMVerifier) Verify(ctx context.Context, edge *types.Edge, source, target *types.Node) (Verdict, error) {
	prompt := fmt.Sprintf(
		"Fact: %s %s %s.\nTemporal scope: %s. Last reinforced: %s.\nIs this fact still likely true?",
		source.Name, edge.Relation, target.Name,
		edge.Temporal, edge.LastReinforced.Format("2006-01-02"),
	)
	resp, err := v.client.Complete(ctx, llm.Request{
		System:     verifierSystemPrompt,
		Prompt:     prompt,
		SchemaHint: verifierSchemaHint,
	})
	if err != nil {
		return VerdictUnknown, err
	}

	var out struct {
		Verdict string `json:"verdict"`
	}
	if err := extraction.DecodeJSON(resp.Content, &out); err != nil {
		v.logger.Warn("unparseable verifier output", "error", err)
		return VerdictUnknown, nil
	}
	switch verdict := Verdict(out.Verdict); verdict {
	case VerdictConfirmed, VerdictRefuted, VerdictUnknown:
		return verdict, nil
	}
	return VerdictUnknown, nil
}
