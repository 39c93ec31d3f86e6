package llm

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateNeverSplitsARune(t *testing.T) {
	// Cut points landing inside a multibyte rune back up to its start.
	s := "données — журнал №42"
	for n := 1; n < len(s); n++ {
		out := truncate(s, n)
		assert.True(t, utf8.ValidString(out), "cut at %d produced invalid UTF-8: %q", n, out)
	}
	assert.Equal(t, "ascii", truncate("ascii", 10))
}

func TestExtractJSONStripsMarkdownFence(t *testing.T) {
	raw := "```json\n{\"classification\":\"DENIAL\"}\n```"
	assert.JSONEq(t, `{"classification":"DENIAL"}`, string(extractJSON(raw)))
	assert.Equal(t, `{"a":1}`, string(extractJSON(`{"a":1}`)))
}
