package topic

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestMatcher_Wildcards(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"a.*", "a.b", true},
		{"a.*", "a.bcd", true},
		{"a.*", "ab", false},
		{"a.*", "a.b.c", false},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.c.d", false},
		{"*", "anything.at.all", true},
		{"*", "", true},
		{"user.*ed", "user.created", true},
		{"user.*ed", "user.creating", false},
		{"a.b", "a.b", true},
		{"a.b", "aXb", false},
		{"a+b.*", "a+b.x", true},
		{"*.changed", "config.changed", true},
		{"*.changed", "a.config.changed", false},
	}

	m := NewMatcher(true)
	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.topic, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, m.Match(tt.pattern, tt.topic))
		})
	}
}

func TestMatcher_ExactMode(t *testing.T) {
	t.Parallel()

	m := NewMatcher(false)
	assert.False(t, m.Wildcards())
	assert.True(t, m.Match("a.b", "a.b"))
	assert.False(t, m.Match("a.*", "a.b"))
	assert.False(t, m.Match("*", "a.b"))
	assert.True(t, m.Match("*", "*"))
}

func TestMatchAny(t *testing.T) {
	t.Parallel()

	assert.True(t, MatchAny([]string{"x.*", "a.b"}, "a.b"))
	assert.False(t, MatchAny([]string{"x.*"}, "a.b"))
	assert.False(t, MatchAny(nil, "a.b"))
}

var segment = rapid.StringMatching(`[a-z]{1,6}`)

func TestMatch_Properties(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		segs := rapid.SliceOfN(segment, 1, 5).Draw(t, "segments")
		topic := strings.Join(segs, ".")

		if !Match(topic, topic) {
			t.Fatalf("literal pattern %q does not match itself", topic)
		}
		if !Match("*", topic) {
			t.Fatalf("* does not match %q", topic)
		}

		// Replacing any one segment with * still matches.
		i := rapid.IntRange(0, len(segs)-1).Draw(t, "index")
		pattern := append([]string(nil), segs...)
		pattern[i] = "*"
		if !Match(strings.Join(pattern, "."), topic) {
			t.Fatalf("pattern %q does not match %q", strings.Join(pattern, "."), topic)
		}

		// A trailing extra segment never matches a segment-bounded pattern.
		// The bare "*" pattern is the one exception.
		if len(segs) > 1 && Match(strings.Join(pattern, "."), topic+".extra") {
			t.Fatalf("pattern %q matched a longer topic", strings.Join(pattern, "."))
		}
	})
}
