// Package workflow – interpolate.go substitutes step-output
// placeholders. Tool commands are argv arrays and each element is
// substituted independently, so an interpolated value can never break
// out of its argument; no shell ever parses it.
package workflow

import (
	"fmt"
	"regexp"
)

var placeholderRe = regexp.MustCompile(`\{\{context\.([a-zA-Z0-9_-]+)\.([a-zA-Z0-9_]+)\}\}`)

// interpolate replaces {{context.<step>.<field>}} occurrences in s.
// Unknown references become the empty string.
func interpolate(s string, ctx map[string]map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := placeholderRe.FindStringSubmatch(match)
		step, ok := ctx[parts[1]]
		if !ok {
			return ""
		}
		v, ok := step[parts[2]]
		if !ok || v == nil {
			return ""
		}
		if str, isStr := v.(string); isStr {
			return str
		}
		return fmt.Sprint(v)
	})
}

// interpolateArgv substitutes into each argv element separately.
func interpolateArgv(argv []string, ctx map[string]map[string]any) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = interpolate(a, ctx)
	}
	return out
}
