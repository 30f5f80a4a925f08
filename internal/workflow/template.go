package workflow

import (
	"strings"

	"github.com/rs/zerolog/log"
)

// substitute replaces every "${.path.to.field}" reference in s with the
// corresponding value from payload, read as nested string-keyed maps.
// A missing reference substitutes the empty string and logs a warning.
func substitute(s string, payload map[string]any) string {
	var out strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "${.")
		if start < 0 {
			out.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			out.WriteString(rest)
			break
		}
		end += start
		out.WriteString(rest[:start])
		path := rest[start+3 : end] // strip "${." and trailing "}"
		out.WriteString(lookup(path, payload))
		rest = rest[end+1:]
	}
	return out.String()
}

// substituteAll applies substitute to every element of args.
func substituteAll(args []string, payload map[string]any) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = substitute(a, payload)
	}
	return out
}

func lookup(path string, payload map[string]any) string {
	segments := strings.Split(path, ".")
	var cur any = payload
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			log.Warn().Str("path", path).Msg("workflow: template reference not found, substituting empty string")
			return ""
		}
		v, ok := m[seg]
		if !ok {
			log.Warn().Str("path", path).Msg("workflow: template reference not found, substituting empty string")
			return ""
		}
		cur = v
	}
	return toTemplateString(cur)
}

func toTemplateString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return toJSONString(t)
	}
}
