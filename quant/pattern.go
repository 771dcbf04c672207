package quant

import "strings"

// Pattern is a dot-separated glob over tensor names. Within a segment,
// * matches any run of characters, digits included, so
// "blk.*.ffn_up.weight" covers every layer index. Segment counts must
// agree, so it never matches names with extra or missing segments.
type Pattern struct {
	raw      string
	segments [][]string
}

// CompilePattern parses a pattern. Any string is a valid pattern.
func CompilePattern(s string) Pattern {
	segments := strings.Split(s, ".")

	p := Pattern{raw: s, segments: make([][]string, len(segments))}
	for i, segment := range segments {
		p.segments[i] = strings.Split(segment, "*")
	}

	return p
}

// CompilePatterns parses each pattern in order.
func CompilePatterns(ss []string) []Pattern {
	patterns := make([]Pattern, len(ss))
	for i, s := range ss {
		patterns[i] = CompilePattern(s)
	}

	return patterns
}

func (p Pattern) String() string {
	return p.raw
}

// Match reports whether every dot-separated segment of name matches
// the corresponding pattern segment.
func (p Pattern) Match(name string) bool {
	segments := strings.Split(name, ".")
	if len(segments) != len(p.segments) {
		return false
	}

	for i, segment := range segments {
		if !matchChunks(p.segments[i], segment) {
			return false
		}
	}

	return true
}

// matchChunks matches one segment against the literal chunks that were
// separated by wildcards. The first chunk anchors the start, the last
// anchors the end, and the rest bind leftmost-first.
func matchChunks(chunks []string, s string) bool {
	if len(chunks) == 1 {
		return s == chunks[0]
	}

	if !strings.HasPrefix(s, chunks[0]) {
		return false
	}

	s = s[len(chunks[0]):]
	for _, chunk := range chunks[1 : len(chunks)-1] {
		i := strings.Index(s, chunk)
		if i < 0 {
			return false
		}

		s = s[i+len(chunk):]
	}

	return strings.HasSuffix(s, chunks[len(chunks)-1])
}
