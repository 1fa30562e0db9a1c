package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/liamcoop/automod/event"
)

// predicateFunc returns the leaf result and, when Indeterminate, the path
// that was absent
type predicateFunc func(*event.Context) (Tri, string)

type predicateBuilder func(Args) (predicateFunc, error)

// predicates is the closed vocabulary of leaf conditions
var predicates map[string]predicateBuilder

func init() {
	predicates = map[string]predicateBuilder{
		"author_is_bot":             boolField("author.is_bot"),
		"actor_is_bot":              boolField("actor.is_bot"),
		"member_is_bot":             boolField("member.is_bot"),
		"author_is_self":            boolField("author.is_self"),
		"actor_is_self":             boolField("actor.is_self"),
		"author_roles":              rolesPredicate("author.roles"),
		"actor_roles":               rolesPredicate("actor.roles"),
		"member_roles":              rolesPredicate("member.roles"),
		"message_content_contains":  contentContains,
		"message_content_matches":   contentMatches,
		"message_has_attachments":   hasAttachments,
		"message_mentions_at_least": mentionsAtLeast,
		"author_member_for":         durationWindow("author.member_for_seconds"),
		"member_member_for":         durationWindow("member.member_for_seconds"),
		"author_account_age":        durationWindow("author.account_age_seconds"),
		"member_account_age":        durationWindow("member.account_age_seconds"),
		"channel_type":              channelType,
		"field_equals":              fieldEquals,
		"field_in":                  fieldIn,
		"field_contains":            fieldContains,
		"field_compare":             fieldCompare,
		"expression":                expressionPredicate,
	}
}

// Predicates lists the predicate vocabulary
func Predicates() []string {
	names := make([]string, 0, len(predicates))
	for name := range predicates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// lookup resolves p, reporting its name when absent
func lookup(ectx *event.Context, p event.Path) (any, string) {
	v, ok := ectx.Lookup(p)
	if !ok {
		return nil, p.String()
	}
	return v, ""
}

func boolField(path string) predicateBuilder {
	p := event.MustParsePath(path)
	return func(args Args) (predicateFunc, error) {
		if err := args.checkKeys(); err != nil {
			return nil, err
		}
		return func(ectx *event.Context) (Tri, string) {
			v, absent := lookup(ectx, p)
			if absent != "" {
				return Indeterminate, absent
			}
			b, ok := v.(bool)
			if !ok {
				return False, ""
			}
			return FromBool(b), ""
		}, nil
	}
}

func matchMode(args Args) (bool, error) {
	mode, ok, err := args.String("match")
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	switch mode {
	case "any":
		return false, nil
	case "all":
		return true, nil
	default:
		return false, fmt.Errorf("argument \"match\" must be \"any\" or \"all\"")
	}
}

func rolesPredicate(path string) predicateBuilder {
	p := event.MustParsePath(path)
	return func(args Args) (predicateFunc, error) {
		if err := args.checkKeys("roles", "match"); err != nil {
			return nil, err
		}
		roles, ok, err := args.Strings("roles")
		if err != nil {
			return nil, err
		}
		if !ok || len(roles) == 0 {
			return nil, fmt.Errorf("argument \"roles\" must list at least one role")
		}
		all, err := matchMode(args)
		if err != nil {
			return nil, err
		}
		return func(ectx *event.Context) (Tri, string) {
			v, absent := lookup(ectx, p)
			if absent != "" {
				return Indeterminate, absent
			}
			held := stringSet(v)
			return FromBool(matchSet(roles, held, all)), ""
		}, nil
	}
}

func stringSet(v any) map[string]bool {
	set := make(map[string]bool)
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok {
				set[s] = true
			}
		}
	case []string:
		for _, s := range t {
			set[s] = true
		}
	case string:
		set[t] = true
	}
	return set
}

func matchSet(want []string, have map[string]bool, all bool) bool {
	for _, w := range want {
		if have[w] {
			if !all {
				return true
			}
		} else if all {
			return false
		}
	}
	return all
}

var messageContent = event.MustParsePath("message.content")

func contentContains(args Args) (predicateFunc, error) {
	if err := args.checkKeys("value", "values", "ignore_case", "match"); err != nil {
		return nil, err
	}
	var needles []string
	v, ok, err := args.String("value")
	if err != nil {
		return nil, err
	}
	if ok {
		needles = append(needles, v)
	}
	vs, _, err := args.Strings("values")
	if err != nil {
		return nil, err
	}
	needles = append(needles, vs...)
	if len(needles) == 0 {
		return nil, fmt.Errorf("one of \"value\" or \"values\" is required")
	}
	for _, n := range needles {
		if n == "" {
			return nil, fmt.Errorf("search values cannot be empty")
		}
	}
	ignoreCase, err := args.Bool("ignore_case")
	if err != nil {
		return nil, err
	}
	all, err := matchMode(args)
	if err != nil {
		return nil, err
	}
	if ignoreCase {
		for i, n := range needles {
			needles[i] = strings.ToLower(n)
		}
	}

	return func(ectx *event.Context) (Tri, string) {
		v, absent := lookup(ectx, messageContent)
		if absent != "" {
			return Indeterminate, absent
		}
		content, _ := v.(string)
		if ignoreCase {
			content = strings.ToLower(content)
		}
		for _, n := range needles {
			found := strings.Contains(content, n)
			if found && !all {
				return True, ""
			}
			if !found && all {
				return False, ""
			}
		}
		return FromBool(all), ""
	}, nil
}

// compiled patterns are shared across rule sets; reloads of the same rules
// hit the cache
var regexCache, _ = lru.New[string, *regexp.Regexp](1024)

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Add(pattern, re)
	return re, nil
}

func contentMatches(args Args) (predicateFunc, error) {
	if err := args.checkKeys("pattern", "ignore_case"); err != nil {
		return nil, err
	}
	pattern, err := args.RequiredString("pattern")
	if err != nil {
		return nil, err
	}
	ignoreCase, err := args.Bool("ignore_case")
	if err != nil {
		return nil, err
	}
	if ignoreCase {
		pattern = "(?i)" + pattern
	}
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	return func(ectx *event.Context) (Tri, string) {
		v, absent := lookup(ectx, messageContent)
		if absent != "" {
			return Indeterminate, absent
		}
		content, _ := v.(string)
		return FromBool(re.MatchString(content)), ""
	}, nil
}

func hasAttachments(args Args) (predicateFunc, error) {
	if err := args.checkKeys(); err != nil {
		return nil, err
	}
	p := event.MustParsePath("message.attachment_count")
	return func(ectx *event.Context) (Tri, string) {
		v, absent := lookup(ectx, p)
		if absent != "" {
			return Indeterminate, absent
		}
		n, _ := toFloat(v)
		return FromBool(n > 0), ""
	}, nil
}

func mentionsAtLeast(args Args) (predicateFunc, error) {
	if err := args.checkKeys("count"); err != nil {
		return nil, err
	}
	count, ok, err := args.Number("count")
	if err != nil {
		return nil, err
	}
	if !ok || count < 0 {
		return nil, fmt.Errorf("argument \"count\" must be a non-negative number")
	}
	p := event.MustParsePath("message.mention_count")
	return func(ectx *event.Context) (Tri, string) {
		v, absent := lookup(ectx, p)
		if absent != "" {
			return Indeterminate, absent
		}
		n, _ := toFloat(v)
		return FromBool(n >= count), ""
	}, nil
}

// durationWindow compares a derived age in seconds against at_least/at_most
func durationWindow(path string) predicateBuilder {
	p := event.MustParsePath(path)
	return func(args Args) (predicateFunc, error) {
		if err := args.checkKeys("at_least", "at_most"); err != nil {
			return nil, err
		}
		atLeast, hasMin, err := args.Duration("at_least")
		if err != nil {
			return nil, err
		}
		atMost, hasMax, err := args.Duration("at_most")
		if err != nil {
			return nil, err
		}
		if !hasMin && !hasMax {
			return nil, fmt.Errorf("one of \"at_least\" or \"at_most\" is required")
		}
		if hasMin && hasMax && atMost < atLeast {
			return nil, fmt.Errorf("\"at_most\" is shorter than \"at_least\"")
		}
		return func(ectx *event.Context) (Tri, string) {
			v, absent := lookup(ectx, p)
			if absent != "" {
				return Indeterminate, absent
			}
			secs, ok := toFloat(v)
			if !ok {
				return False, ""
			}
			if hasMin && secs < atLeast.Seconds() {
				return False, ""
			}
			if hasMax && secs > atMost.Seconds() {
				return False, ""
			}
			return True, ""
		}, nil
	}
}

func channelType(args Args) (predicateFunc, error) {
	if err := args.checkKeys("types"); err != nil {
		return nil, err
	}
	types, ok, err := args.Strings("types")
	if err != nil {
		return nil, err
	}
	if !ok || len(types) == 0 {
		return nil, fmt.Errorf("argument \"types\" must list at least one channel type")
	}
	for _, t := range types {
		if !channelTypes[t] {
			return nil, fmt.Errorf("unknown channel type %q", t)
		}
	}
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	return func(ectx *event.Context) (Tri, string) {
		own, ownOK := ectx.Lookup(channelTypePath)
		root, rootOK := ectx.Lookup(channelRootTypePath)
		if !ownOK && !rootOK {
			return Indeterminate, channelTypePath.String()
		}
		if s, ok := own.(string); ok && want[s] {
			return True, ""
		}
		if s, ok := root.(string); ok && want[s] {
			return True, ""
		}
		return False, ""
	}, nil
}

func pathArg(args Args) (event.Path, error) {
	raw, err := args.RequiredString("path")
	if err != nil {
		return event.Path{}, err
	}
	return event.ParsePath(raw)
}

func fieldEquals(args Args) (predicateFunc, error) {
	if err := args.checkKeys("path", "value"); err != nil {
		return nil, err
	}
	p, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	if !args.has("value") {
		return nil, fmt.Errorf("argument \"value\" is required")
	}
	want := args["value"]
	return func(ectx *event.Context) (Tri, string) {
		v, absent := lookup(ectx, p)
		if absent != "" {
			return Indeterminate, absent
		}
		return FromBool(valuesEqual(v, want)), ""
	}, nil
}

func fieldIn(args Args) (predicateFunc, error) {
	if err := args.checkKeys("path", "values"); err != nil {
		return nil, err
	}
	p, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	values, ok := args["values"].([]any)
	if !ok || len(values) == 0 {
		return nil, fmt.Errorf("argument \"values\" must be a non-empty list")
	}
	return func(ectx *event.Context) (Tri, string) {
		v, absent := lookup(ectx, p)
		if absent != "" {
			return Indeterminate, absent
		}
		for _, want := range values {
			if valuesEqual(v, want) {
				return True, ""
			}
		}
		return False, ""
	}, nil
}

func fieldContains(args Args) (predicateFunc, error) {
	if err := args.checkKeys("path", "value", "ignore_case"); err != nil {
		return nil, err
	}
	p, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	if !args.has("value") {
		return nil, fmt.Errorf("argument \"value\" is required")
	}
	want := args["value"]
	ignoreCase, err := args.Bool("ignore_case")
	if err != nil {
		return nil, err
	}
	return func(ectx *event.Context) (Tri, string) {
		v, absent := lookup(ectx, p)
		if absent != "" {
			return Indeterminate, absent
		}
		switch t := v.(type) {
		case string:
			s, ok := want.(string)
			if !ok {
				return False, ""
			}
			if ignoreCase {
				return FromBool(strings.Contains(strings.ToLower(t), strings.ToLower(s))), ""
			}
			return FromBool(strings.Contains(t, s)), ""
		case []any:
			for _, e := range t {
				if valuesEqual(e, want) {
					return True, ""
				}
			}
		}
		return False, ""
	}, nil
}

var compareOps = map[string]func(a, b float64) bool{
	"lt": func(a, b float64) bool { return a < b },
	"le": func(a, b float64) bool { return a <= b },
	"gt": func(a, b float64) bool { return a > b },
	"ge": func(a, b float64) bool { return a >= b },
	"eq": func(a, b float64) bool { return a == b },
	"ne": func(a, b float64) bool { return a != b },
}

func fieldCompare(args Args) (predicateFunc, error) {
	if err := args.checkKeys("path", "op", "value"); err != nil {
		return nil, err
	}
	p, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	opName, err := args.RequiredString("op")
	if err != nil {
		return nil, err
	}
	cmp, ok := compareOps[opName]
	if !ok {
		return nil, fmt.Errorf("unknown comparison %q", opName)
	}
	value, ok, err := args.Number("value")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("argument \"value\" is required")
	}
	return func(ectx *event.Context) (Tri, string) {
		v, absent := lookup(ectx, p)
		if absent != "" {
			return Indeterminate, absent
		}
		n, ok := toFloat(v)
		if !ok {
			return False, ""
		}
		return FromBool(cmp(n, value)), ""
	}, nil
}

// valuesEqual compares context values with document values, treating all
// numeric representations alike
func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch at := a.(type) {
	case string:
		bt, ok := b.(string)
		return ok && at == bt
	case bool:
		bt, ok := b.(bool)
		return ok && at == bt
	default:
		return false
	}
}
