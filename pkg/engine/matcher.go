package engine

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// PatternMatcher matches events by glob patterns on source and type.
// Empty pattern lists match everything. Source patterns use path semantics,
// so "/pipelines/*/nodes/**" matches every node-originated event.
type PatternMatcher struct {
	sources []string
	types   []string
}

// NewPatternMatcher validates the patterns and builds a matcher.
func NewPatternMatcher(sources, types []string) (*PatternMatcher, error) {
	for _, p := range append(append([]string{}, sources...), types...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid event pattern %q", p)
		}
	}
	return &PatternMatcher{sources: sources, types: types}, nil
}

// Matches implements EventMatcher.
func (m *PatternMatcher) Matches(event Event) bool {
	return matchAny(m.sources, event.Source()) && matchAny(m.types, event.Type())
}

func matchAny(patterns []string, value string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, value); ok {
			return true
		}
	}
	return false
}
