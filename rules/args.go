package rules

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Args are the parameters of a predicate or action as written in the rule
// document. Values follow encoding/json conventions.
type Args map[string]any

func (a Args) clone() Args {
	if a == nil {
		return nil
	}
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Args(t).clone())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// checkKeys rejects argument names outside allowed
func (a Args) checkKeys(allowed ...string) error {
	for k := range a {
		ok := false
		for _, name := range allowed {
			if k == name {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("unexpected argument %q", k)
		}
	}
	return nil
}

func (a Args) has(key string) bool {
	_, ok := a[key]
	return ok
}

func (a Args) String(key string) (string, bool, error) {
	v, ok := a[key]
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", true, fmt.Errorf("argument %q must be a string", key)
	}
	return s, true, nil
}

func (a Args) RequiredString(key string) (string, error) {
	s, ok, err := a.String(key)
	if err != nil {
		return "", err
	}
	if !ok || s == "" {
		return "", fmt.Errorf("argument %q is required", key)
	}
	return s, nil
}

func (a Args) Bool(key string) (bool, error) {
	v, ok := a[key]
	if !ok {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("argument %q must be a boolean", key)
	}
	return b, nil
}

func (a Args) Strings(key string) ([]string, bool, error) {
	v, ok := a[key]
	if !ok {
		return nil, false, nil
	}
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...), true, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, true, fmt.Errorf("argument %q must be a list of strings", key)
			}
			out = append(out, s)
		}
		return out, true, nil
	default:
		return nil, true, fmt.Errorf("argument %q must be a list of strings", key)
	}
}

func (a Args) Number(key string) (float64, bool, error) {
	v, ok := a[key]
	if !ok {
		return 0, false, nil
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, true, fmt.Errorf("argument %q must be a number", key)
	}
	return f, true, nil
}

func (a Args) Duration(key string) (time.Duration, bool, error) {
	s, ok, err := a.String(key)
	if err != nil || !ok {
		return 0, ok, err
	}
	d, err := ParseDuration(s)
	if err != nil {
		return 0, true, fmt.Errorf("argument %q: %w", key, err)
	}
	return d, true, nil
}

// ParseDuration accepts Go duration syntax plus "d" (days) and "w" (weeks)
// units, e.g. "7d", "1w2d", "1d12h30m".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	var total time.Duration
	rest := s
	for rest != "" {
		i := 0
		for i < len(rest) && (rest[i] >= '0' && rest[i] <= '9' || rest[i] == '.') {
			i++
		}
		if i == 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		j := i
		for j < len(rest) && (rest[j] < '0' || rest[j] > '9') && rest[j] != '.' {
			j++
		}
		num, unit := rest[:i], rest[i:j]
		rest = rest[j:]

		var d time.Duration
		switch unit {
		case "d", "w":
			n, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q", s)
			}
			day := 24 * time.Hour
			if unit == "w" {
				day *= 7
			}
			ns := n * float64(day)
			if ns >= math.MaxInt64 {
				return 0, fmt.Errorf("duration %q out of range", s)
			}
			d = time.Duration(ns)
		default:
			parsed, err := time.ParseDuration(num + unit)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q", s)
			}
			d = parsed
		}
		if d > math.MaxInt64-total {
			return 0, fmt.Errorf("duration %q out of range", s)
		}
		total += d
	}
	return total, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func isWholeNumber(f float64) bool {
	return f == math.Trunc(f)
}
