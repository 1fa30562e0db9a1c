package event

import (
	"fmt"
	"strconv"
	"strings"
)

// Path is a parsed reference into an event context, e.g. "author.roles[0]".
// Paths are parsed once when a rule is defined and resolved many times.
type Path struct {
	raw  string
	segs []segment
}

type segment struct {
	key     string
	indexes []int
}

// ParsePath parses a dotted path with optional list indexes
func ParsePath(s string) (Path, error) {
	if s == "" {
		return Path{}, fmt.Errorf("path cannot be empty")
	}

	parts := strings.Split(s, ".")
	segs := make([]segment, 0, len(parts))
	for _, part := range parts {
		seg, err := parseSegment(part)
		if err != nil {
			return Path{}, fmt.Errorf("invalid path %q: %w", s, err)
		}
		segs = append(segs, seg)
	}

	return Path{raw: s, segs: segs}, nil
}

// MustParsePath is ParsePath for paths known at compile time
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func parseSegment(part string) (segment, error) {
	name := part
	var indexes []int
	if i := strings.IndexByte(part, '['); i >= 0 {
		name = part[:i]
		rest := part[i:]
		for rest != "" {
			if rest[0] != '[' {
				return segment{}, fmt.Errorf("unexpected %q after index", rest)
			}
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return segment{}, fmt.Errorf("unterminated index in %q", part)
			}
			n, err := strconv.Atoi(rest[1:end])
			if err != nil || n < 0 {
				return segment{}, fmt.Errorf("index %q is not a non-negative integer", rest[1:end])
			}
			indexes = append(indexes, n)
			rest = rest[end+1:]
		}
	}

	if name == "" {
		return segment{}, fmt.Errorf("empty segment")
	}
	for _, r := range name {
		if !isNameRune(r) {
			return segment{}, fmt.Errorf("segment %q contains invalid character %q", name, r)
		}
	}

	return segment{key: name, indexes: indexes}, nil
}

func isNameRune(r rune) bool {
	return r == '_' || r == '-' ||
		(r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}

// String returns the path as written
func (p Path) String() string {
	return p.raw
}

// IsZero reports whether the path was never parsed
func (p Path) IsZero() bool {
	return len(p.segs) == 0
}

// Root is the first segment's key
func (p Path) Root() string {
	if len(p.segs) == 0 {
		return ""
	}
	return p.segs[0].key
}

// resolve walks nested maps and lists. It never panics on shape mismatches;
// anything that cannot be followed is reported as absent. An explicit null
// is present with a nil value.
func (p Path) resolve(root map[string]any) (any, bool) {
	var cur any = root
	for _, seg := range p.segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg.key]
		if !ok {
			return nil, false
		}
		for _, idx := range seg.indexes {
			list, ok := cur.([]any)
			if !ok || idx >= len(list) {
				return nil, false
			}
			cur = list[idx]
		}
	}
	return cur, true
}
