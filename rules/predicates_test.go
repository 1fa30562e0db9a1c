package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalLeaf(t *testing.T, name string, args Args, fields map[string]any) Tri {
	t.Helper()
	c, err := Leaf(name, args)
	require.NoError(t, err)
	return Evaluate(c, ctxWith(fields)).Result
}

func TestRolePredicates(t *testing.T) {
	fields := map[string]any{"author": map[string]any{"roles": []any{"mod", "member"}}}

	assert.Equal(t, True, evalLeaf(t, "author_roles", Args{"roles": []any{"mod"}}, fields))
	assert.Equal(t, True, evalLeaf(t, "author_roles", Args{"roles": []any{"admin", "member"}}, fields))
	assert.Equal(t, False, evalLeaf(t, "author_roles", Args{"roles": []any{"admin", "member"}, "match": "all"}, fields))
	assert.Equal(t, False, evalLeaf(t, "author_roles", Args{"roles": []any{"admin"}}, fields))
	assert.Equal(t, Indeterminate, evalLeaf(t, "actor_roles", Args{"roles": []any{"mod"}}, fields))

	// none-of is the negation of any-of
	assert.Equal(t, False, evalLeaf(t, "author_roles", Args{"roles": []any{"mod"}, "negate": true}, fields))
}

func TestContentPredicates(t *testing.T) {
	fields := map[string]any{"message": map[string]any{"content": "Visit HTTP://spam.example now"}}

	assert.Equal(t, False, evalLeaf(t, "message_content_contains", Args{"value": "http://"}, fields))
	assert.Equal(t, True, evalLeaf(t, "message_content_contains", Args{"value": "http://", "ignore_case": true}, fields))
	assert.Equal(t, True, evalLeaf(t, "message_content_contains", Args{"values": []any{"nope", "Visit"}}, fields))
	assert.Equal(t, False, evalLeaf(t, "message_content_contains", Args{"values": []any{"nope", "Visit"}, "match": "all"}, fields))
	assert.Equal(t, True, evalLeaf(t, "message_content_matches", Args{"pattern": `spam\.example`}, fields))
	assert.Equal(t, True, evalLeaf(t, "message_content_matches", Args{"pattern": `^visit`, "ignore_case": true}, fields))
	assert.Equal(t, Indeterminate, evalLeaf(t, "message_content_matches", Args{"pattern": "x"}, map[string]any{}))
}

func TestMessageCounts(t *testing.T) {
	fields := map[string]any{"message": map[string]any{"attachment_count": int64(2), "mention_count": int64(5)}}

	assert.Equal(t, True, evalLeaf(t, "message_has_attachments", nil, fields))
	assert.Equal(t, True, evalLeaf(t, "message_mentions_at_least", Args{"count": 5.0}, fields))
	assert.Equal(t, False, evalLeaf(t, "message_mentions_at_least", Args{"count": 6.0}, fields))
}

func TestDurationWindows(t *testing.T) {
	hour := int64(time.Hour / time.Second)
	fields := map[string]any{"author": map[string]any{"member_for_seconds": 3 * hour}}

	assert.Equal(t, True, evalLeaf(t, "author_member_for", Args{"at_least": "2h"}, fields))
	assert.Equal(t, False, evalLeaf(t, "author_member_for", Args{"at_least": "1d"}, fields))
	assert.Equal(t, True, evalLeaf(t, "author_member_for", Args{"at_most": "1d"}, fields))
	assert.Equal(t, False, evalLeaf(t, "author_member_for", Args{"at_least": "1h", "at_most": "2h"}, fields))
	assert.Equal(t, Indeterminate, evalLeaf(t, "author_account_age", Args{"at_least": "1w"}, fields))
}

func TestChannelTypePredicate(t *testing.T) {
	thread := map[string]any{"channel": map[string]any{"type": "public_thread", "root_type": "forum"}}

	assert.Equal(t, True, evalLeaf(t, "channel_type", Args{"types": []any{"forum"}}, thread))
	assert.Equal(t, True, evalLeaf(t, "channel_type", Args{"types": []any{"public_thread"}}, thread))
	assert.Equal(t, False, evalLeaf(t, "channel_type", Args{"types": []any{"text"}}, thread))
	assert.Equal(t, Indeterminate, evalLeaf(t, "channel_type", Args{"types": []any{"text"}}, map[string]any{}))
}

func TestFieldPredicates(t *testing.T) {
	fields := map[string]any{
		"author": map[string]any{
			"id":    "42",
			"roles": []any{"a", "b"},
			"name":  "SpamBot",
		},
		"reaction": map[string]any{"count": int64(7)},
	}

	assert.Equal(t, True, evalLeaf(t, "field_equals", Args{"path": "author.id", "value": "42"}, fields))
	assert.Equal(t, True, evalLeaf(t, "field_equals", Args{"path": "reaction.count", "value": 7.0}, fields))
	assert.Equal(t, True, evalLeaf(t, "field_in", Args{"path": "author.id", "values": []any{"1", "42"}}, fields))
	assert.Equal(t, True, evalLeaf(t, "field_contains", Args{"path": "author.roles", "value": "b"}, fields))
	assert.Equal(t, True, evalLeaf(t, "field_contains", Args{"path": "author.name", "value": "bot", "ignore_case": true}, fields))
	assert.Equal(t, True, evalLeaf(t, "field_compare", Args{"path": "reaction.count", "op": "ge", "value": 5.0}, fields))
	assert.Equal(t, False, evalLeaf(t, "field_compare", Args{"path": "reaction.count", "op": "lt", "value": 5.0}, fields))
	assert.Equal(t, Indeterminate, evalLeaf(t, "field_compare", Args{"path": "reaction.emoji", "op": "lt", "value": 5.0}, fields))
}

func TestExpressionPredicate(t *testing.T) {
	fields := map[string]any{
		"author":  map[string]any{"member_for_seconds": int64(60), "is_bot": false},
		"message": map[string]any{"content": "hello"},
	}

	assert.Equal(t, True, evalLeaf(t, "expression", Args{"expr": `author.member_for_seconds < 3600 && message.content.startsWith("he")`}, fields))
	assert.Equal(t, False, evalLeaf(t, "expression", Args{"expr": `author.is_bot`}, fields))
	assert.Equal(t, Indeterminate, evalLeaf(t, "expression", Args{"expr": `author.nick == "x"`}, fields))
	assert.Equal(t, Indeterminate, evalLeaf(t, "expression", Args{"expr": `reaction.count > 2`}, fields))
	assert.Equal(t, False, evalLeaf(t, "expression", Args{"expr": `has(author.nick) && author.nick == "x"`}, fields))

	// a runtime error with every referenced fact present is false
	assert.Equal(t, False, evalLeaf(t, "expression", Args{"expr": `author.member_for_seconds / 0 == 1`}, fields))
}

func TestExpressionReportsMissingPath(t *testing.T) {
	c, err := Leaf("expression", Args{"expr": `author.is_bot || author.nick == "x"`})
	require.NoError(t, err)

	res := Evaluate(c, ctxWith(map[string]any{"author": map[string]any{"is_bot": false}}))
	assert.Equal(t, Indeterminate, res.Result)
	assert.Equal(t, []string{"expression: author.nick"}, res.Missing)

	res = Evaluate(c, ctxWith(map[string]any{"author": map[string]any{"is_bot": true}}))
	assert.Equal(t, True, res.Result)
	assert.Empty(t, res.Missing)
}

func TestPredicateArgumentsAreValidatedAtDefinition(t *testing.T) {
	bad := []struct {
		name string
		args Args
	}{
		{"author_is_bot", Args{"unexpected": 1}},
		{"author_is_bot", Args{"negate": "yes"}},
		{"author_roles", Args{}},
		{"author_roles", Args{"roles": []any{"a"}, "match": "some"}},
		{"message_content_contains", Args{}},
		{"message_content_contains", Args{"value": ""}},
		{"message_content_matches", Args{"pattern": "("}},
		{"message_mentions_at_least", Args{"count": -1.0}},
		{"author_member_for", Args{}},
		{"author_member_for", Args{"at_least": "soon"}},
		{"author_member_for", Args{"at_least": "2d", "at_most": "1d"}},
		{"channel_type", Args{"types": []any{"hologram"}}},
		{"field_equals", Args{"path": "a..b", "value": 1.0}},
		{"field_equals", Args{"path": "a"}},
		{"field_in", Args{"path": "a", "values": []any{}}},
		{"field_compare", Args{"path": "a", "op": "approx", "value": 1.0}},
		{"expression", Args{"expr": "author.("}},
		{"expression", Args{"expr": `"not a bool"`}},
	}

	for _, tc := range bad {
		_, err := Leaf(tc.name, tc.args)
		assert.Error(t, err, "%s %v", tc.name, tc.args)
	}
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"90m":     90 * time.Minute,
		"1d":      24 * time.Hour,
		"1w2d":    9 * 24 * time.Hour,
		"1d12h":   36 * time.Hour,
		"1h30m5s": time.Hour + 30*time.Minute + 5*time.Second,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "d", "5x", "1d-", "100000w", "106751d24h"} {
		_, err := ParseDuration(in)
		assert.Error(t, err, in)
	}
}

func TestOutOfRangeDurationIsRejectedAtDefinition(t *testing.T) {
	_, err := Leaf("author_member_for", Args{"at_least": "999999999w"})
	assert.Error(t, err)
}

func TestPredicatesListIsSorted(t *testing.T) {
	names := Predicates()
	assert.Contains(t, names, "author_is_bot")
	assert.Contains(t, names, "expression")
	assert.IsIncreasing(t, names)
}
