package extraction

import (
	"fmt"
	"strings"
)

const entitySystemPrompt = `You extract entities from a single user utterance for a personal memory graph.
Only extract entities actually grounded in the utterance. Never invent entities from prior context.`

const entitySchemaHint = `{"entities": [{"name": "string", "kind": "person|organization|place|tool|concept|episode|experience|procedure|preference|context", "aliases": ["string"], "explicit": true, "new": true}]}`

const relationSystemPrompt = `You extract relations between entities from a single user utterance.
Rules:
- Hypotheticals ("if I were...") are marked hypothetical, never stated as fact.
- Sarcasm or irony: set sarcasm true; when ambiguous, prefer neutral reading.
- Bind each predicate to its nearest syntactic subject; if uncertain, set attribution_uncertain true.
- "X thinks/says Y" is secondhand with source X; a trailing agreement ("and I agree") also sets user_agrees true.
- "forget what I said about ..." is a retraction, not a new relation.
- When the speaker changes their mind mid-utterance, emit only the final settled intent; mark earlier mentions tentative.
- single_valued is true for relations where one subject holds one object at a time (works_at, lives_in, married_to).
- refines_target names the object of a more general already-stated relation this one makes specific ("prefers Malbec" refines "likes wine").`

const relationSchemaHint = `{"relations": [{"source": "string", "relation": "snake_case", "target": "string", "target_kind": "concept", "temporal": "trait|state|wish|episode", "mechanism": "explicit|observational|inferential", "single_valued": false, "hypothetical": false, "secondhand": false, "user_agrees": false, "attribution_uncertain": false, "tentative": false, "retraction": false, "refines_target": "", "expiry_hint": "", "context_tags": ["string"]}]}`

const sentimentSystemPrompt = `You classify one utterance's sentiment and hedging.
Hedge levels: none (flat assertion), mild ("pretty sure"), moderate ("I think", "maybe"), strong ("possibly", "not sure at all").`

const sentimentSchemaHint = `{"sentiment": "positive|negative|neutral", "strength": 1.0, "hedge": "none|mild|moderate|strong", "sarcasm": false}`

func entityPrompt(utterance string, known []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Utterance:\n%s\n", utterance)
	if len(known) > 0 {
		fmt.Fprintf(&b, "\nEntities already known this session: %s\n", strings.Join(known, ", "))
		b.WriteString(`Mark an entity "new" only if it is not in that list.` + "\n")
	}
	return b.String()
}

func relationPrompt(utterance string, entities []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Utterance:\n%s\n", utterance)
	if len(entities) > 0 {
		fmt.Fprintf(&b, "\nEntities present: %s\n", strings.Join(entities, ", "))
	}
	return b.String()
}

func sentimentPrompt(utterance string) string {
	return fmt.Sprintf("Utterance:\n%s\n", utterance)
}
