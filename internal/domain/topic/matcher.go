// Package topic matches bus topics against subscription patterns.
//
// Topics are dot-separated segments such as "orders.created". A pattern
// equal to "*" matches every topic. In any other pattern "*" matches any run
// of characters inside a single segment, and the pattern must cover the
// whole topic:
//
//	a.*     matches a.b and a.bcd, but not ab or a.b.c
//	a.*.c   matches a.b.c, but not a.b.c.d
//	user.*ed matches user.created and user.deleted
package topic

import (
	"regexp"
	"strings"
	"sync"
)

// Wildcard is the pattern character that matches within a segment.
const Wildcard = "*"

// Matcher matches topics against patterns and caches compiled patterns.
// The zero value is not usable; use NewMatcher.
type Matcher struct {
	wildcards bool

	mu    sync.RWMutex
	cache map[string]*regexp.Regexp
}

// NewMatcher creates a Matcher. With wildcards disabled a pattern matches
// only the identical topic.
func NewMatcher(wildcards bool) *Matcher {
	return &Matcher{
		wildcards: wildcards,
		cache:     make(map[string]*regexp.Regexp),
	}
}

// Wildcards reports whether wildcard patterns are enabled.
func (m *Matcher) Wildcards() bool {
	return m.wildcards
}

// Match reports whether topic matches pattern.
func (m *Matcher) Match(pattern, topic string) bool {
	if !m.wildcards {
		return pattern == topic
	}
	if pattern == Wildcard {
		return true
	}
	if !strings.Contains(pattern, Wildcard) {
		return pattern == topic
	}
	return m.compiled(pattern).MatchString(topic)
}

func (m *Matcher) compiled(pattern string) *regexp.Regexp {
	m.mu.RLock()
	re, ok := m.cache[pattern]
	m.mu.RUnlock()
	if ok {
		return re
	}

	re = Compile(pattern)

	m.mu.Lock()
	m.cache[pattern] = re
	m.mu.Unlock()
	return re
}

// Compile converts a wildcard pattern into an anchored regular expression.
func Compile(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, Wildcard)
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("^" + strings.Join(parts, `[^.]*`) + "$")
}

var defaultMatcher = NewMatcher(true)

// Match reports whether topic matches pattern with wildcards enabled.
func Match(pattern, topic string) bool {
	return defaultMatcher.Match(pattern, topic)
}

// MatchAny reports whether topic matches at least one of patterns.
func MatchAny(patterns []string, topic string) bool {
	for _, p := range patterns {
		if Match(p, topic) {
			return true
		}
	}
	return false
}
