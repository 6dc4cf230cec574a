// Package interp implements the single, shared variable-interpolation
// primitive used across the engine and every builtin action. Interpolation
// happens exactly once, in the interpreter, before an action ever sees its
// resolved configuration — actions never re-parse "{path}" placeholders
// themselves.
package interp

import (
	"fmt"
	"regexp"
	"strconv"
)

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+(?:\.[A-Za-z0-9_]+)*)\}`)

// pathLookup abstracts context lookup so this package doesn't need to
// import mcontext (avoiding an import cycle with packages that both
// mcontext and interp are used by).
type pathLookup interface {
	Get(path string) (any, bool)
}

// mapLookup adapts a plain map[string]any (e.g. a nested payload decoded
// from JSON) to pathLookup using the same dot-path semantics as
// mcontext.Context.
type mapLookup map[string]any

func (m mapLookup) Get(path string) (any, bool) {
	return lookup(map[string]any(m), path)
}

func lookup(root map[string]any, path string) (any, bool) {
	return lookupSplit(root, splitPath(path))
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	parts = append(parts, path[start:])
	return parts
}

func lookupSplit(root map[string]any, parts []string) (any, bool) {
	var cur any = root
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// ctxGetter is satisfied by mcontext.Context (and any other map[string]any
// based context) without a direct import.
type ctxGetter interface {
	Get(path string) (any, bool)
}

// asLookup wraps whichever concrete context type is passed in so Resolve
// and ResolveTree can look up dot-paths uniformly.
func asLookup(ctx any) pathLookup {
	if g, ok := ctx.(ctxGetter); ok {
		return g
	}
	if m, ok := ctx.(map[string]any); ok {
		return mapLookup(m)
	}
	return mapLookup(nil)
}

// Resolve substitutes every "{path}" placeholder in template against ctx.
//
//   - If template is not a string, it is returned unchanged.
//   - If template is exactly one placeholder ("{x}" with nothing else in
//     the string), the raw resolved value is returned with its original
//     type preserved (int, float64, bool, nil, []any, map[string]any) —
//     this is what lets a single-placeholder template forward a whole
//     JSON payload, a list, or a number without stringifying it.
//   - Otherwise every placeholder found is replaced by the string form of
//     its resolved value, producing a string result.
//   - A placeholder whose path is not found in ctx is left verbatim
//     ("{missing}" stays "{missing}") — this is not an error; leaving the
//     placeholder text intact is itself the diagnostic a user would see.
//
// ctx may be a plain map[string]any (e.g. a nested JSON payload) or any
// value with a Get(path string) (any, bool) method (mcontext.Context
// qualifies directly); for any other value every placeholder is left
// unresolved.
func Resolve(template any, ctx any) any {
	s, ok := template.(string)
	if !ok {
		return template
	}

	lu := asLookup(ctx)

	if path, ok := solePlaceholder(s); ok {
		if v, found := lu.Get(path); found {
			return v
		}
		return s
	}

	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		path := match[1 : len(match)-1]
		v, found := lu.Get(path)
		if !found {
			return match
		}
		return stringForm(v)
	})
}

// ResolveTree recursively applies Resolve to every string found inside
// nested maps and slices, leaving other scalars unchanged. This is what
// the engine calls on a whole action configuration before the action runs.
func ResolveTree(value any, ctx any) any {
	switch v := value.(type) {
	case string:
		return Resolve(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, vv := range v {
			out[k] = ResolveTree(vv, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, vv := range v {
			out[i] = ResolveTree(vv, ctx)
		}
		return out
	default:
		return value
	}
}

// solePlaceholder reports whether s is exactly one placeholder with no
// surrounding text, returning its path.
func solePlaceholder(s string) (string, bool) {
	if len(s) < 3 || s[0] != '{' || s[len(s)-1] != '}' {
		return "", false
	}
	inner := s[1 : len(s)-1]
	if !placeholderPattern.MatchString(s) {
		return "", false
	}
	if placeholderPattern.FindString(s) != s {
		return "", false
	}
	return inner, true
}

// stringForm renders a resolved value the way a multi-placeholder template
// stringifies it.
func stringForm(v any) string {
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
