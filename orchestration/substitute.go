package orchestration

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// varPattern matches ${name} references inside string leaves. Names may
// contain letters, digits, underscore, dot, and hyphen.
var varPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_.\-]+)\}`)

// reservedNames are never resolved from the variables map. Leaving them
// literal closes the prototype-pollution style hole where a caller-supplied
// variable named like an object internal leaks into step inputs.
var reservedNames = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// Substitute resolves ${name} references in every string leaf of value,
// recursing into nested maps and slices. Unknown and reserved names stay
// literal; non-string leaves pass through untouched. The input is never
// mutated.
func Substitute(value interface{}, variables map[string]interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return substituteString(v, variables)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = Substitute(item, variables)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = Substitute(item, variables)
		}
		return out
	default:
		return value
	}
}

func substituteString(s string, variables map[string]interface{}) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if reservedNames[name] {
			return match
		}
		val, ok := variables[name]
		if !ok {
			return match
		}
		return stringify(val)
	})
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", v)
	}
}
