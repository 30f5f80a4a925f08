package workflow

import "encoding/json"

// toJSONString renders v as compact JSON, or "" if it cannot be marshaled
// (which should not happen for values decoded from JSON in the first
// place).
func toJSONString(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// project extracts the dotted paths in excerpt from src and returns them as
// a flat map keyed by the path's final segment. A missing path is skipped
// rather than erroring — output excerpts are best-effort.
func project(excerpt []string, src map[string]any) map[string]any {
	out := make(map[string]any, len(excerpt))
	for _, path := range excerpt {
		v, ok := getPath(path, src)
		if !ok {
			continue
		}
		out[lastSegment(path)] = v
	}
	return out
}

func getPath(path string, src map[string]any) (any, bool) {
	segments := splitPath(path)
	var cur any = src
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func splitPath(path string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			if i > start {
				segs = append(segs, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		segs = append(segs, path[start:])
	}
	return segs
}

func lastSegment(path string) string {
	segs := splitPath(path)
	if len(segs) == 0 {
		return path
	}
	return segs[len(segs)-1]
}

// merge copies every key from src into dst, overwriting existing keys.
func merge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
