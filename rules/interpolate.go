package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Interpolate replaces ${dot.path} tokens in template with values looked up in vars.
// Tokens whose path does not resolve are left untouched.
func Interpolate(template string, vars map[string]any) string {
	if !strings.Contains(template, "${") {
		return template
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(token string) string {
		path := strings.TrimSpace(token[2 : len(token)-1])
		value, ok := LookupPath(vars, path)
		if !ok {
			return token
		}
		return stringify(value)
	})
}

// InterpolateValue walks maps and sequences and interpolates every string leaf.
// Non-string leaves are returned unchanged.
func InterpolateValue(value any, vars map[string]any) any {
	switch v := value.(type) {
	case string:
		return Interpolate(v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = InterpolateValue(item, vars)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = InterpolateValue(item, vars)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, item := range v {
			out[k] = Interpolate(item, vars)
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = Interpolate(item, vars)
		}
		return out
	default:
		return value
	}
}

// LookupPath resolves a dot-separated path by sequential key lookup.
// Sequence elements are addressed by their decimal index.
func LookupPath(tree map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = tree
	for _, key := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[key]
			if !ok {
				return nil, false
			}
			current = next
		case map[string]string:
			next, ok := node[key]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", v)
	}
}
