package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/liamcoop/automod/event"
)

var channelTypes = map[string]bool{
	"text":           true,
	"news":           true,
	"thread":         true,
	"public_thread":  true,
	"private_thread": true,
	"news_thread":    true,
	"forum":          true,
	"voice":          true,
	"stage":          true,
	"dm":             true,
	"group_dm":       true,
	"category":       true,
}

var (
	channelIDPath       = event.MustParsePath("channel.id")
	channelParentPath   = event.MustParsePath("channel.parent.id")
	channelTypePath     = event.MustParsePath("channel.type")
	channelRootTypePath = event.MustParsePath("channel.root_type")
	authorRolesPath     = event.MustParsePath("author.roles")
	actorRolesPath      = event.MustParsePath("actor.roles")
)

// Filter is an allow/deny list
type Filter struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// Guard restricts where a rule applies. Each set field must pass.
type Guard struct {
	ChannelTypes *Filter `json:"channel_types,omitempty"`
	Channels     *Filter `json:"channels,omitempty"`
	AuthorRoles  *Filter `json:"author_roles,omitempty"`
	ActorRoles   *Filter `json:"actor_roles,omitempty"`
}

// ParseGuard decodes a guard document. Unknown guard kinds and malformed
// filters are GuardConfigurationErrors.
func ParseGuard(data []byte) (*Guard, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &GuardConfigurationError{Reason: "guard must be an object"}
	}

	known := map[string]bool{"channel_types": true, "channels": true, "author_roles": true, "actor_roles": true}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !known[name] {
			return nil, &GuardConfigurationError{Guard: name, Reason: "unknown guard kind"}
		}
		dec := json.NewDecoder(bytes.NewReader(fields[name]))
		dec.DisallowUnknownFields()
		var f Filter
		if err := dec.Decode(&f); err != nil {
			return nil, &GuardConfigurationError{Guard: name, Reason: fmt.Sprintf("malformed filter: %v", err)}
		}
	}

	var g Guard
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, &GuardConfigurationError{Reason: err.Error()}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate checks filters are non-empty and channel types are known
func (g *Guard) Validate() error {
	if g == nil {
		return nil
	}
	checks := []struct {
		name string
		f    *Filter
	}{
		{"channel_types", g.ChannelTypes},
		{"channels", g.Channels},
		{"author_roles", g.AuthorRoles},
		{"actor_roles", g.ActorRoles},
	}
	for _, c := range checks {
		if c.f == nil {
			continue
		}
		if len(c.f.Include) == 0 && len(c.f.Exclude) == 0 {
			return &GuardConfigurationError{Guard: c.name, Reason: "filter needs include or exclude"}
		}
	}
	if g.ChannelTypes != nil {
		for _, list := range [][]string{g.ChannelTypes.Include, g.ChannelTypes.Exclude} {
			for _, t := range list {
				if !channelTypes[t] {
					return &GuardConfigurationError{Guard: "channel_types", Reason: fmt.Sprintf("unknown channel type %q", t)}
				}
			}
		}
	}
	return nil
}

// CheckGuard reports whether a rule guarded by g applies to the event. A
// thread is judged by its parent channel as well as itself. It has no side
// effects and never fails.
func CheckGuard(g *Guard, ectx *event.Context) bool {
	if g == nil {
		return true
	}
	if g.ChannelTypes != nil && !g.ChannelTypes.allows(valuesAt(ectx, channelTypePath, channelRootTypePath)) {
		return false
	}
	if g.Channels != nil && !g.Channels.allows(valuesAt(ectx, channelIDPath, channelParentPath)) {
		return false
	}
	if g.AuthorRoles != nil && !g.AuthorRoles.allows(valuesAt(ectx, authorRolesPath)) {
		return false
	}
	if g.ActorRoles != nil && !g.ActorRoles.allows(valuesAt(ectx, actorRolesPath)) {
		return false
	}
	return true
}

// allows passes when some value is included (if an include list is set) and
// no value is excluded. Absent data fails an include list.
func (f *Filter) allows(values map[string]bool) bool {
	for _, x := range f.Exclude {
		if values[x] {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, x := range f.Include {
		if values[x] {
			return true
		}
	}
	return false
}

func valuesAt(ectx *event.Context, paths ...event.Path) map[string]bool {
	out := make(map[string]bool)
	for _, p := range paths {
		v, ok := ectx.Lookup(p)
		if !ok {
			continue
		}
		for s := range stringSet(v) {
			out[s] = true
		}
	}
	return out
}
