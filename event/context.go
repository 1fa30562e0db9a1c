package event

import (
	"fmt"
	"slices"
	"time"
)

// Kind identifies what happened on the platform
type Kind string

const (
	KindMessageCreated  Kind = "message-created"
	KindMessageUpdated  Kind = "message-updated"
	KindMessageDeleted  Kind = "message-deleted"
	KindMemberJoined    Kind = "member-joined"
	KindMemberLeft      Kind = "member-left"
	KindMemberUpdated   Kind = "member-updated"
	KindUserBanned      Kind = "user-banned"
	KindUserUpdated     Kind = "user-updated"
	KindReactionAdded   Kind = "reaction-added"
	KindReactionRemoved Kind = "reaction-removed"
	KindThreadCreated   Kind = "thread-created"
	KindThreadUpdated   Kind = "thread-updated"
	KindThreadRemoved   Kind = "thread-removed"
	KindChannelDeleted  Kind = "channel-deleted"
)

var knownKinds = map[Kind]bool{
	KindMessageCreated:  true,
	KindMessageUpdated:  true,
	KindMessageDeleted:  true,
	KindMemberJoined:    true,
	KindMemberLeft:      true,
	KindMemberUpdated:   true,
	KindUserBanned:      true,
	KindUserUpdated:     true,
	KindReactionAdded:   true,
	KindReactionRemoved: true,
	KindThreadCreated:   true,
	KindThreadUpdated:   true,
	KindThreadRemoved:   true,
	KindChannelDeleted:  true,
}

// Valid reports whether k is one of the known event kinds
func (k Kind) Valid() bool {
	return knownKinds[k]
}

// Kinds returns every known kind in sorted order
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(knownKinds))
	for k := range knownKinds {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// ParseKind validates a kind name
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown event kind %q", s)
	}
	return k, nil
}

type missing struct{}

func (missing) String() string { return "<missing>" }

// Missing is returned by Resolve for paths that are absent from the event.
// It is distinct from false, zero and null.
var Missing any = missing{}

// IsMissing reports whether v is the Missing sentinel
func IsMissing(v any) bool {
	_, ok := v.(missing)
	return ok
}

// Context is an immutable snapshot of one platform event. Only facts that
// were present on the raw event (or derived from present facts) are stored.
type Context struct {
	ID         string
	Kind       Kind
	Scope      string
	Timestamp  time.Time
	CapturedAt time.Time

	fields map[string]any
}

// NewContext builds a context from already-normalized fields. The map is
// deep-copied so later changes by the caller are not observed.
func NewContext(id string, kind Kind, scope string, ts time.Time, fields map[string]any) *Context {
	return &Context{
		ID:         id,
		Kind:       kind,
		Scope:      scope,
		Timestamp:  ts,
		CapturedAt: ts,
		fields:     copyMap(fields),
	}
}

// Lookup resolves a parsed path
func (c *Context) Lookup(p Path) (any, bool) {
	if c == nil {
		return nil, false
	}
	return p.resolve(c.fields)
}

// LookupString parses and resolves a path in one step. An invalid path is
// reported as absent.
func (c *Context) LookupString(path string) (any, bool) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, false
	}
	return c.Lookup(p)
}

// Resolve returns the value at p or Missing
func (c *Context) Resolve(p Path) any {
	v, ok := c.Lookup(p)
	if !ok {
		return Missing
	}
	return v
}

// Fields exposes the underlying field tree for read-only consumers such as
// expression evaluation. Callers must not mutate it.
func (c *Context) Fields() map[string]any {
	return c.fields
}

// WithField returns a copy of the context with one top-level group replaced.
// The receiver is left untouched.
func (c *Context) WithField(key string, value any) *Context {
	next := *c
	next.fields = copyMap(c.fields)
	next.fields[key] = copyValue(value)
	return &next
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	default:
		return v
	}
}
