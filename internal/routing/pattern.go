package routing

import "strings"

// PathPattern matches allowlist paths that carry {param} segments,
// like /crm/api/leads/{id}. Matching is per segment: a {param}
// segment accepts any single non-empty segment, everything else must
// compare equal. There is no wildcard that spans segments.
type PathPattern struct {
	raw      string
	segments []string
}

// parsePathPattern returns a pattern for raw, or false when raw is a
// plain path (no braces) or malformed. Plain paths stay in the exact
// lookup map; only brace-carrying paths pay for segment matching.
func parsePathPattern(raw string) (PathPattern, bool) {
	if !strings.Contains(raw, "{") {
		return PathPattern{}, false
	}
	if raw == "" || raw[0] != '/' {
		return PathPattern{}, false
	}

	segments := splitPathSegments(raw)
	for _, seg := range segments {
		if seg == "" {
			return PathPattern{}, false
		}
		// Braces are only valid as a whole {param} segment.
		if strings.ContainsAny(seg, "{}") && !isParamSegment(seg) {
			return PathPattern{}, false
		}
	}
	return PathPattern{raw: raw, segments: segments}, true
}

func (p PathPattern) Match(path string) bool {
	if p.raw == "" {
		return false
	}
	in := splitPathSegments(path)
	if len(in) != len(p.segments) {
		return false
	}
	for i, want := range p.segments {
		if in[i] == "" {
			return false
		}
		if !isParamSegment(want) && in[i] != want {
			return false
		}
	}
	return true
}

func splitPathSegments(path string) []string {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func isParamSegment(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") && len(s) > 2
}
