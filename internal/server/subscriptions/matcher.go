package subscriptions

import (
	"reflect"
	"slices"
	"strings"
)

// Matcher evaluates events against subscription patterns
type Matcher struct{}

// NewMatcher creates a new pattern matcher
func NewMatcher() *Matcher {
	return &Matcher{}
}

// Match reports whether event satisfies every criterion set in pattern.
// Empty criteria match everything.
func (m *Matcher) Match(event Event, pattern SubscriptionPattern) bool {
	if len(pattern.EventTypes) > 0 && !matchEventType(pattern.EventTypes, event.Type) {
		return false
	}

	// Type names only constrain events that carry an instance
	if h := event.Header(); len(pattern.TypeNames) > 0 && h != nil {
		if !slices.ContainsFunc(pattern.TypeNames, h.Type.IsA) {
			return false
		}
	}

	if len(pattern.HomeIDs) > 0 && !slices.Contains(pattern.HomeIDs, event.HomeID()) {
		return false
	}

	for key, expectedValue := range pattern.MetaMatch {
		actualValue, exists := event.Meta[key]
		if !exists || !matchValue(expectedValue, actualValue) {
			return false
		}
	}

	return true
}

// matchEventType accepts exact names and "prefix.*" wildcards.
func matchEventType(patterns []string, eventType string) bool {
	for _, p := range patterns {
		if p == eventType {
			return true
		}
		if prefix, ok := strings.CutSuffix(p, "*"); ok && strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

// matchValue compares meta values. Strings match case-insensitively and
// numbers by value, so 3 matches 3.0 after a JSON round trip.
func matchValue(expected, actual any) bool {
	if es, ok := expected.(string); ok {
		as, ok := actual.(string)
		return ok && strings.EqualFold(es, as)
	}
	en, ok1 := number(expected)
	an, ok2 := number(actual)
	if ok1 && ok2 {
		return en == an
	}
	return reflect.DeepEqual(expected, actual)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
