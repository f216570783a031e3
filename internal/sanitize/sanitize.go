// Package sanitize escapes untrusted text before it is pushed to clients.
// Combat log fields carry player-supplied names and descriptions that dumb
// clients render as HTML, so every string leaving the engine goes through
// Value first.
package sanitize

import "strings"

// escaper applies HTML entity escaping for the five dangerous characters.
// The ampersand replacement runs first so entities introduced by the later
// substitutions are not escaped twice within a single pass.
var escaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
)

// String escapes the five HTML-significant characters in s.
func String(s string) string {
	return escaper.Replace(s)
}

// maxDepth bounds recursion so a cyclic structure terminates instead of
// overflowing the stack. Anything deeper is returned unchanged; the cycle is
// then reported by json.Marshal at serialization time, which the broadcaster
// surfaces as a SerializationError.
const maxDepth = 64

// Value returns a sanitized copy of v. Strings are entity-escaped, slices and
// string-keyed maps are rebuilt element-wise with order preserved, and all
// other values (numbers, booleans, nil, structs already validated upstream)
// pass through unchanged. The input is never mutated.
func Value(v interface{}) interface{} {
	return walk(v, 0)
}

func walk(v interface{}, depth int) interface{} {
	if depth > maxDepth {
		return v
	}
	switch val := v.(type) {
	case string:
		return escaper.Replace(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = walk(elem, depth+1)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, elem := range val {
			out[i] = escaper.Replace(elem)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			out[k] = walk(elem, depth+1)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, elem := range val {
			out[k] = escaper.Replace(elem)
		}
		return out
	default:
		return v
	}
}
