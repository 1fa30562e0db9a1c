package event

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Template is a string with {path} placeholders. "{{" and "}}" render as
// literal braces.
type Template struct {
	raw   string
	parts []templatePart
}

type templatePart struct {
	text string
	path Path
	ref  bool
}

// ParseTemplate parses and validates every placeholder
func ParseTemplate(s string) (*Template, error) {
	t := &Template{raw: s}
	var text strings.Builder

	flush := func() {
		if text.Len() > 0 {
			t.parts = append(t.parts, templatePart{text: text.String()})
			text.Reset()
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '{' && i+1 < len(s) && s[i+1] == '{':
			text.WriteByte('{')
			i++
		case c == '}' && i+1 < len(s) && s[i+1] == '}':
			text.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(s[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unterminated placeholder at offset %d", i)
			}
			p, err := ParsePath(strings.TrimSpace(s[i+1 : i+1+end]))
			if err != nil {
				return nil, fmt.Errorf("placeholder at offset %d: %w", i, err)
			}
			flush()
			t.parts = append(t.parts, templatePart{path: p, ref: true})
			i += end + 1
		case c == '}':
			return nil, fmt.Errorf("unmatched '}' at offset %d", i)
		default:
			text.WriteByte(c)
		}
	}
	flush()

	return t, nil
}

// Render substitutes placeholders from c. Absent paths render as marker.
func (t *Template) Render(c *Context, marker string) string {
	if t == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range t.parts {
		if !part.ref {
			b.WriteString(part.text)
			continue
		}
		v, ok := c.Lookup(part.path)
		if !ok {
			b.WriteString(marker)
			continue
		}
		b.WriteString(FormatValue(v))
	}
	return b.String()
}

// Paths lists the placeholders in order of appearance
func (t *Template) Paths() []Path {
	var out []Path
	for _, part := range t.parts {
		if part.ref {
			out = append(out, part.path)
		}
	}
	return out
}

func (t *Template) String() string {
	if t == nil {
		return ""
	}
	return t.raw
}

// FormatValue renders a context value for human consumption
func FormatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		// whole numbers within int64 range print without a fraction
		if t == math.Trunc(t) && math.Abs(t) < math.MaxInt64 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case []any:
		items := make([]string, len(t))
		for i, e := range t {
			items[i] = FormatValue(e)
		}
		return strings.Join(items, ", ")
	default:
		return fmt.Sprint(v)
	}
}
