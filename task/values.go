package task

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Value resolves a configurable field: the event input first (when it is a
// mapping), then the static parameters, then def.
func Value(input any, parameters map[string]any, name string, def any) any {
	if m, ok := input.(map[string]any); ok {
		if v, ok := m[name]; ok {
			return v
		}
	}
	if v, ok := parameters[name]; ok {
		return v
	}
	return def
}

// StringValue resolves name as a string. ok is false when the field is absent
// everywhere.
func StringValue(input any, parameters map[string]any, name string) (string, bool) {
	v := Value(input, parameters, name, nil)
	if v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

// BoolValue resolves name using truthiness: false, 0, "" and nil are false;
// the strings "false", "no", "off" and "0" are false as well.
func BoolValue(input any, parameters map[string]any, name string, def bool) bool {
	return Truthy(Value(input, parameters, name, def))
}

// Truthy reports whether v counts as true.
func Truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "", "false", "no", "off", "0":
			return false
		}
		return true
	case float64:
		return b != 0
	case int:
		return b != 0
	case int64:
		return b != 0
	case []any:
		return len(b) > 0
	case map[string]any:
		return len(b) > 0
	default:
		return true
	}
}

// StringList resolves name as a list of strings; a single string is a one
// element list.
func StringList(input any, parameters map[string]any, name string) []string {
	switch v := Value(input, parameters, name, nil).(type) {
	case nil:
		return nil
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return []string{fmt.Sprint(v)}
	}
}

// ParseDuration reads a delay duration. Numbers are seconds; strings are Go
// durations ("90s", "5m") or integer seconds. Negative durations are
// rejected.
func ParseDuration(v any) (time.Duration, error) {
	var d time.Duration
	switch x := v.(type) {
	case int:
		return seconds(int64(x), v)
	case int64:
		return seconds(x, v)
	case float64:
		switch {
		case math.IsNaN(x):
			return 0, fmt.Errorf("invalid duration %v", v)
		case x < 0:
			return 0, fmt.Errorf("negative duration %v", v)
		case x*float64(time.Second) >= math.MaxInt64:
			return 0, fmt.Errorf("duration %v out of range", v)
		}
		d = time.Duration(x * float64(time.Second))
	case string:
		s := strings.TrimSpace(x)
		n, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			return seconds(n, v)
		}
		if errors.Is(err, strconv.ErrRange) {
			return 0, fmt.Errorf("duration %q out of range", x)
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", x)
		}
		d = parsed
	default:
		return 0, fmt.Errorf("invalid duration %v", v)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %v", v)
	}
	return d, nil
}

// seconds converts n whole seconds, rejecting values a Duration cannot hold.
func seconds(n int64, v any) (time.Duration, error) {
	if n < 0 {
		return 0, fmt.Errorf("negative duration %v", v)
	}
	if n > math.MaxInt64/int64(time.Second) {
		return 0, fmt.Errorf("duration %v out of range", v)
	}
	return time.Duration(n) * time.Second, nil
}
