package testutils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingT struct {
	failures []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

func TestTextAsserter(t *testing.T) {
	t.Run("normalizes surrounding and trailing whitespace", func(t *testing.T) {
		rt := &recordingT{}
		ok := NewTextAsserter(rt).Assert("\n  links: 2   \n  groups: 1\n\n", "links: 2\n  groups: 1")
		assert.True(t, ok)
		assert.Empty(t, rt.failures)
	})

	t.Run("reports a unified diff", func(t *testing.T) {
		rt := &recordingT{}
		ok := NewTextAsserter(rt).Assert("magic: 0x4d4f5349\nversion: 2", "magic: 0x4d4f5349\nversion: 1")
		assert.False(t, ok)
		assert.Len(t, rt.failures, 1)
		assert.Contains(t, rt.failures[0], "-version: 1")
		assert.Contains(t, rt.failures[0], "+version: 2")
	})

	t.Run("strict mode keeps whitespace significant", func(t *testing.T) {
		ta := NewTextAsserter(&recordingT{}, WithTrimSpace(false), WithIgnoreTrailingWhitespace(false))
		assert.NotEmpty(t, ta.Diff("a \n", "a"))
	})

	t.Run("colors make whitespace visible", func(t *testing.T) {
		d := NewTextAsserter(&recordingT{}, WithEnableColors(true)).Diff("a b", "a  b")
		assert.Contains(t, d, "a·b")
		assert.Contains(t, d, "\x1b[", "colored diff MUST carry ANSI escapes")
	})
}

func TestJSONAsserter(t *testing.T) {
	tests := []struct {
		name     string
		opts     []JSONOption
		actual   string
		expected string
		match    bool
	}{
		{
			name:     "extra keys are ignored by default",
			actual:   `{"links":2,"groups":1,"extra":true}`,
			expected: `{"links":2,"groups":1}`,
			match:    true,
		},
		{
			name:     "extra keys count when asked",
			opts:     []JSONOption{WithIgnoreExtraKeys(false)},
			actual:   `{"links":2,"extra":true}`,
			expected: `{"links":2}`,
		},
		{
			name:     "presence placeholder matches any value",
			actual:   `{"elapsed":"1.234s","sdus":10}`,
			expected: `{"elapsed":"<<PRESENCE>>","sdus":10}`,
			match:    true,
		},
		{
			name:     "presence placeholder still needs the key",
			actual:   `{"sdus":10}`,
			expected: `{"elapsed":"<<PRESENCE>>","sdus":10}`,
		},
		{
			name:     "ignored fields at any depth",
			opts:     []JSONOption{WithIgnoredFields("ts")},
			actual:   `[{"kind":"bind","ts":1},{"kind":"unbind","ts":9}]`,
			expected: `[{"kind":"bind","ts":5},{"kind":"unbind"}]`,
			match:    true,
		},
		{
			name:     "value mismatch",
			actual:   `{"links":[{"tx":4}]}`,
			expected: `{"links":[{"tx":5}]}`,
		},
		{
			name:     "malformed actual",
			actual:   `{`,
			expected: `{}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &recordingT{}
			got := NewJSONAsserter(rt, tt.opts...).Assert(tt.actual, tt.expected)
			assert.Equal(t, tt.match, got)
			assert.Equal(t, !tt.match, len(rt.failures) == 1)
		})
	}
}

func TestMustJSON(t *testing.T) {
	assert.JSONEq(t, `{"a":1}`, MustJSON(map[string]int{"a": 1}))
	assert.Panics(t, func() { MustJSON(make(chan int)) })
}
