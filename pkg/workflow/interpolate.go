package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// interpolate resolves every "${name}" placeholder in s against
// vars. This is plain string substitution, never code evaluation: a
// string containing only a single "${x}" placeholder yields vars[x]
// stringified; placeholders embedded in longer strings are substituted
// in place.
func interpolate(s string, vars map[string]any) string {
	var b strings.Builder
	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "${")
		if start == -1 {
			b.WriteString(s[i:])
			break
		}
		start += i
		end := strings.Index(s[start:], "}")
		if end == -1 {
			b.WriteString(s[i:])
			break
		}
		end += start
		b.WriteString(s[i:start])
		name := strings.TrimSpace(s[start+2 : end])
		if v, ok := resolveIdent(name, vars); ok {
			b.WriteString(stringify(v))
		}
		i = end + 1
	}
	return b.String()
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	case float64, int, int64, bool:
		return fmt.Sprintf("%v", x)
	default:
		out, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(out)
	}
}
