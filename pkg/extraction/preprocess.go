package extraction

import (
	"regexp"
	"strings"
)

var (
	codeFenceRe  = regexp.MustCompile("(?s)```.*?```")
	whitespaceRe = regexp.MustCompile(`\s+`)

	// Phrases that read as instructions to the extractor rather than
	// facts about the user. Stripped so "remember that I hate X" stores
	// the preference, not the imperative.
	directivePrefixes = []string{
		"remember that ",
		"store the fact that ",
		"make a note that ",
		"note that ",
		"don't forget that ",
	}
)

// Preprocess is stage 1: strip code blocks, normalize whitespace, and
// sanitize extraction-directive injection. It cannot fail; an input
// that reduces to nothing is propagated unchanged with a tag.
func Preprocess(text string) (string, []string) {
	var tags []string

	cleaned := codeFenceRe.ReplaceAllString(text, " ")
	if cleaned != text {
		tags = append(tags, "code_stripped")
	}
	cleaned = whitespaceRe.ReplaceAllString(cleaned, " ")
	cleaned = strings.TrimSpace(cleaned)

	lower := strings.ToLower(cleaned)
	for _, prefix := range directivePrefixes {
		if strings.HasPrefix(lower, prefix) {
			cleaned = strings.TrimSpace(cleaned[len(prefix):])
			lower = strings.ToLower(cleaned)
			tags = append(tags, "directive_stripped")
		}
	}

	if cleaned == "" {
		return text, append(tags, "preprocess_failed")
	}
	return cleaned, tags
}
