package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Entities []struct {
			Name string `json:"name"`
		} `json:"entities"`
	}

	tests := []struct {
		name string
		raw  string
		want int
	}{
		{"clean", `{"entities":[{"name":"jazz"}]}`, 1},
		{"fenced", "```json\n{\"entities\":[{\"name\":\"jazz\"}]}\n```", 1},
		{"prose around block", `Sure! Here you go: {"entities":[{"name":"jazz"}]} hope that helps`, 1},
		{"trailing comma", `{"entities":[{"name":"jazz"},]}`, 1},
		{"unbalanced", `{"entities":[{"name":"jazz"}`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got payload
			require.NoError(t, DecodeJSON(tt.raw, &got))
			assert.Len(t, got.Entities, tt.want)
		})
	}

	t.Run("no json at all", func(t *testing.T) {
		var got payload
		assert.ErrorIs(t, DecodeJSON("I could not find anything.", &got), ErrNoJSON)
	})
}

func TestFirstJSONBlock(t *testing.T) {
	assert.Equal(t, `{"a":1}`, FirstJSONBlock(`before {"a":1} after`))
	assert.Equal(t, `[1,2]`, FirstJSONBlock(`list: [1,2] done`))
	assert.Equal(t, `{"a":"br}ace"}`, FirstJSONBlock(`{"a":"br}ace"}`))
	assert.Equal(t, "", FirstJSONBlock("nothing here"))
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripFences("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripFences(`{"a":1}`))
}

func TestPreprocess(t *testing.T) {
	t.Run("directive stripped", func(t *testing.T) {
		cleaned, tags := Preprocess("Remember that I hate cilantro")
		assert.Equal(t, "I hate cilantro", cleaned)
		assert.Contains(t, tags, "directive_stripped")
	})

	t.Run("code fence stripped", func(t *testing.T) {
		cleaned, tags := Preprocess("my test fails:\n```go\npanic(\"x\")\n```\nany idea why?")
		assert.NotContains(t, cleaned, "panic")
		assert.Contains(t, tags, "code_stripped")
	})

	t.Run("whitespace normalized", func(t *testing.T) {
		cleaned, _ := Preprocess("I   like\n\n jazz")
		assert.Equal(t, "I like jazz", cleaned)
	})

	t.Run("degenerate input propagates unchanged", func(t *testing.T) {
		cleaned, tags := Preprocess("```\nonly code\n```")
		assert.Equal(t, "```\nonly code\n```", cleaned)
		assert.Contains(t, tags, "preprocess_failed")
	})
}
