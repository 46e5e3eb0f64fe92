package extraction

import (
	"encoding/json"
	"errors"
	"strings"

	jsonrepair "github.com/kaptinlin/jsonrepair"
)

// ErrNoJSON means no JSON block could be recovered from the response.
var ErrNoJSON = errors.New("no JSON found in response")

// DecodeJSON recovers a JSON value from raw LLM output: strip markdown
// fences, cut the first brace/bracket through its match, run the repair
// pass (trailing commas, unbalanced brackets), then unmarshal. Gives up
// with ErrNoJSON rather than guessing.
func DecodeJSON(raw string, v any) error {
	block := FirstJSONBlock(StripFences(raw))
	if block == "" {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(block), v); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(block)
	if err != nil {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return ErrNoJSON
	}
	return nil
}

// StripFences removes markdown code fences around a response.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop a language tag like ```json
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		first := strings.TrimSpace(s[:idx])
		if len(first) <= 10 && !strings.ContainsAny(first, "{}[]") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// FirstJSONBlock returns the substring from the first '{' or '[' through
// its matching close. An unterminated block is returned as-is so the
// repair pass can balance it.
func FirstJSONBlock(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}
