package services

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/StoryLoom/internal/errors"
)

func TestSanitizeMatchesCleanParse(t *testing.T) {
	clean := `{"title":"Night Market","content":"line one\nline two","tags":["a","b"],"count":3}`
	var want map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(clean), &want))

	withNewline := "{\"title\":\"Night Market\",\"content\":\"line one\nline two\",\"tags\":[\"a\",\"b\"],\"count\":3}"

	cases := map[string]string{
		"clean":               clean,
		"reasoning":           "<think>the user wants a title\n{\"draft\":1}</think>\n" + clean,
		"fenced":              "Here you go:\n```json\n" + clean + "\n```\nHope that helps.",
		"reasoning and fence": "<reasoning>plan</reasoning>```json\n" + clean + "```",
		"literal newline":     withNewline,
		"all three":           "<thinking>hmm</thinking>\n```\n" + withNewline + "\n```",
		"dangling close":      "some leaked reasoning</think>" + clean,
		"prose around":        "Sure! " + clean + " Let me know.",
		"bom and zero width":  "\ufeff\u200b" + clean,
		"joiner between keys": strings.Replace(clean, `,"tags"`, ",\u200d\"tags\"", 1),
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var got map[string]interface{}
			require.NoError(t, ParseModelJSON(raw, &got))
			assert.Equal(t, want, got)
		})
	}
}

func TestSanitizeLeavesValidPayloadsUnchanged(t *testing.T) {
	cases := map[string]string{
		"fence inside string":      "{\"content\":\"He typed ```go fmt``` and left\"}",
		"escaped fence block":      "{\"content\":\"```\\nx\\n```\",\"title\":\"t\"}",
		"zero width joiner":        "{\"content\":\"a\u200db\"}",
		"emoji sequence":           "{\"content\":\"family \U0001F468\u200d\U0001F469\u200d\U0001F467\"}",
		"word joiner and non join": "{\"content\":\"x\u2060y\u200cz\"}",
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var want map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(raw), &want))

			var got map[string]interface{}
			require.NoError(t, ParseModelJSON(raw, &got))
			assert.Equal(t, want, got)
		})
	}
}

func TestSanitizeRepairsQuotesAndPunctuation(t *testing.T) {
	raw := "{“title”：“Night”， “summary”: \"she said \"run\" and left\"}"

	var got struct {
		Title   string `json:"title"`
		Summary string `json:"summary"`
	}
	require.NoError(t, ParseModelJSON(raw, &got))
	assert.Equal(t, "Night", got.Title)
	assert.Equal(t, `she said "run" and left`, got.Summary)
}

func TestSanitizeKeepsValidEscapes(t *testing.T) {
	raw := `{"content":"tab\there é and a stray \q backslash"}`

	var got struct {
		Content string `json:"content"`
	}
	require.NoError(t, ParseModelJSON(raw, &got))
	assert.Equal(t, "tab\there é and a stray \\q backslash", got.Content)
}

func TestSanitizeArrayPayload(t *testing.T) {
	var got []int
	require.NoError(t, ParseModelJSON("result:\n[1, 2, 3]\n", &got))
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestParseModelJSONKeepsRawOnFailure(t *testing.T) {
	raw := "<think>no json here</think>I could not comply."

	var out map[string]interface{}
	err := ParseModelJSON(raw, &out)
	require.Error(t, err)
	assert.True(t, apperrors.IsMalformedOutput(err))

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, raw, appErr.RawPayload)
}

func TestParseModelJSONEmptyAfterSanitizing(t *testing.T) {
	var out map[string]interface{}
	err := ParseModelJSON("<think>only reasoning</think>", &out)
	assert.True(t, apperrors.IsMalformedOutput(err))
}
