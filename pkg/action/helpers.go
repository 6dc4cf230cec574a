package action

import (
	"fmt"
	"strconv"
)

// asString coerces a resolved config value to a string. Interpolation
// (pkg/interp) preserves the original type for single-placeholder
// templates, so a templated "job_id" may arrive as any JSON scalar —
// this normalises it the same way interp's multi-placeholder stringForm
// does.
func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func configString(cfg map[string]any, key string) string {
	v, ok := cfg[key]
	if !ok {
		return ""
	}
	return asString(v)
}

func configInt(cfg map[string]any, key string, fallback int) int {
	v, ok := cfg[key]
	if !ok {
		return fallback
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return fallback
		}
		return n
	default:
		return fallback
	}
}

func configFloat(cfg map[string]any, key string, fallback float64) float64 {
	v, ok := cfg[key]
	if !ok {
		return fallback
	}
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return fallback
		}
		return f
	default:
		return fallback
	}
}

// asList normalises a value that should be a JSON array into a []any,
// treating a missing or wrongly-typed value as an empty list rather than
// an error — list-shaped context keys are user data, not schema.
func asList(v any) []any {
	if v == nil {
		return nil
	}
	l, ok := v.([]any)
	if !ok {
		return nil
	}
	return l
}
