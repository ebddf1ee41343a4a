package waittask

import (
	"reflect"

	"github.com/c360studio/semtask/eventlog"
)

// MatchInput is the match mode deriving the predicate from the task input.
const MatchInput = "input"

// Predicate is a field-equality filter over events. An event satisfies it when
// every key is present with an equal value; the empty predicate matches every
// event.
type Predicate map[string]any

// Matches reports whether msg satisfies the predicate.
func (p Predicate) Matches(msg eventlog.Message) bool {
	for key, want := range p {
		got, ok := msg[key]
		if !ok || !equal(want, got) {
			return false
		}
	}
	return true
}

// PredicateFor derives the predicate for a match mode. In "input" mode a
// mapping input is the predicate and a sequence input uses its first element;
// anything else matches every event.
func PredicateFor(mode any, input any) Predicate {
	if s, _ := mode.(string); s != MatchInput {
		return Predicate{}
	}
	switch v := input.(type) {
	case map[string]any:
		return clonePredicate(v)
	case []any:
		if len(v) > 0 {
			if m, ok := v[0].(map[string]any); ok {
				return clonePredicate(m)
			}
		}
	}
	return Predicate{}
}

func clonePredicate(m map[string]any) Predicate {
	p := make(Predicate, len(m))
	for k, v := range m {
		p[k] = v
	}
	return p
}

// equal compares two decoded values, treating all numeric types by value so a
// predicate built in Go matches numbers decoded from JSON.
func equal(a, b any) bool {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !equal(v, w) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
