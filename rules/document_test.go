package rules

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/automod/event"
)

const linkRuleDoc = `{
	"id": "no-links",
	"trigger": "message-created",
	"enabled": true,
	"guard": {"channel_types": {"include": ["text"]}},
	"conditions": {
		"all": [
			{"predicate": "author_is_bot", "args": {"negate": true}},
			{"any": [
				{"predicate": "message_content_contains", "args": {"value": "http://"}},
				{"not": {"predicate": "author_roles", "args": {"roles": ["trusted"]}}}
			]}
		]
	},
	"actions": [
		{"type": "delete_message", "params": {"reason": "links", "continue": true}, "critical": true},
		{"type": "reply", "params": {"content": "{author.mention} no links"}},
		{"type": "log", "params": {"content": "removed link from {author.id}", "level": "warn"}}
	],
	"metadata": {"description": "Remove links", "author": "mods"}
}`

func TestParseRule(t *testing.T) {
	r, err := ParseRule([]byte(linkRuleDoc))
	require.NoError(t, err)

	assert.Equal(t, "no-links", r.ID)
	assert.Equal(t, event.KindMessageCreated, r.Trigger)
	assert.True(t, r.Enabled)
	require.NotNil(t, r.Guard)
	assert.Equal(t, []string{"text"}, r.Guard.ChannelTypes.Include)
	assert.Equal(t, OpAll, r.Conditions.Op())
	require.Len(t, r.Actions, 3)
	assert.Equal(t, ActionDeleteMessage, r.Actions[0].Type)
	assert.True(t, r.Actions[0].Critical)
	assert.NotNil(t, r.Actions[1].Template("content"))
	assert.Equal(t, "Remove links", r.Metadata.Description)
}

func TestRuleRoundTrip(t *testing.T) {
	r, err := ParseRule([]byte(linkRuleDoc))
	require.NoError(t, err)

	data, err := json.Marshal(r)
	require.NoError(t, err)

	again, err := ParseRule(data)
	require.NoError(t, err)

	assert.Equal(t, r.ID, again.ID)
	assert.Equal(t, r.Trigger, again.Trigger)
	assert.Equal(t, r.Enabled, again.Enabled)
	assert.Equal(t, r.Guard, again.Guard)
	assert.Equal(t, r.Metadata, again.Metadata)

	// tree shape and action order survive
	first, _ := json.Marshal(r.Conditions)
	second, _ := json.Marshal(again.Conditions)
	assert.JSONEq(t, string(first), string(second))
	require.Len(t, again.Actions, len(r.Actions))
	for i := range r.Actions {
		assert.Equal(t, r.Actions[i].Type, again.Actions[i].Type)
		assert.Equal(t, r.Actions[i].Params, again.Actions[i].Params)
		assert.Equal(t, r.Actions[i].Critical, again.Actions[i].Critical)
	}

	// both parse to rules that behave the same
	ectx := ctxWith(map[string]any{
		"author":  map[string]any{"is_bot": false, "roles": []any{}},
		"message": map[string]any{"content": "see http://x"},
	})
	assert.Equal(t, Evaluate(r.Conditions, ectx), Evaluate(again.Conditions, ectx))
}

func TestEnabledDefaultsToTrue(t *testing.T) {
	r, err := ParseRule([]byte(`{"id": "r", "trigger": "member-joined", "actions": [{"type": "stop"}]}`))
	require.NoError(t, err)
	assert.True(t, r.Enabled)
	assert.Nil(t, r.Conditions)
	assert.Nil(t, r.Guard)
}

func TestParseRuleRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":        `{"id": "r", "trigger": "member-joined", "actions": [{"type": "stop"}], "extra": 1}`,
		"unknown trigger":      `{"id": "r", "trigger": "sunrise", "actions": [{"type": "stop"}]}`,
		"bad id":               `{"id": "no spaces", "trigger": "member-joined", "actions": [{"type": "stop"}]}`,
		"no actions":           `{"id": "r", "trigger": "member-joined", "actions": []}`,
		"unknown action":       `{"id": "r", "trigger": "member-joined", "actions": [{"type": "explode"}]}`,
		"missing param":        `{"id": "r", "trigger": "member-joined", "actions": [{"type": "reply"}]}`,
		"empty content":        `{"id": "r", "trigger": "member-joined", "actions": [{"type": "reply", "params": {"content": ""}}]}`,
		"reason not a string":  `{"id": "r", "trigger": "member-joined", "actions": [{"type": "kick", "params": {"reason": 5}}]}`,
		"unexpected param":     `{"id": "r", "trigger": "member-joined", "actions": [{"type": "stop", "params": {"x": 1}}]}`,
		"bad template":         `{"id": "r", "trigger": "member-joined", "actions": [{"type": "reply", "params": {"content": "{oops"}}]}`,
		"bad target":           `{"id": "r", "trigger": "member-joined", "actions": [{"type": "kick", "params": {"target": "everyone"}}]}`,
		"ban seconds":          `{"id": "r", "trigger": "member-joined", "actions": [{"type": "ban", "params": {"delete_message_seconds": 999999}}]}`,
		"log level":            `{"id": "r", "trigger": "member-joined", "actions": [{"type": "log", "params": {"content": "x", "level": "loud"}}]}`,
		"empty roles":          `{"id": "r", "trigger": "member-joined", "actions": [{"type": "add_roles", "params": {"roles": []}}]}`,
		"two forms":            `{"id": "r", "trigger": "member-joined", "conditions": {"all": [], "any": []}, "actions": [{"type": "stop"}]}`,
		"empty all":            `{"id": "r", "trigger": "member-joined", "conditions": {"all": []}, "actions": [{"type": "stop"}]}`,
		"not with two":         `{"id": "r", "trigger": "member-joined", "conditions": {"not": [{"predicate": "author_is_bot"}, {"predicate": "author_is_bot"}]}, "actions": [{"type": "stop"}]}`,
		"args on combinator":   `{"id": "r", "trigger": "member-joined", "conditions": {"any": [{"predicate": "author_is_bot"}], "args": {}}, "actions": [{"type": "stop"}]}`,
		"unknown predicate":    `{"id": "r", "trigger": "member-joined", "conditions": {"predicate": "is_cool"}, "actions": [{"type": "stop"}]}`,
		"unknown guard":        `{"id": "r", "trigger": "member-joined", "guard": {"moon_phase": {"include": ["full"]}}, "actions": [{"type": "stop"}]}`,
		"not a document":       `[1, 2]`,
		"trailing data":        `{"id": "r", "trigger": "member-joined", "actions": [{"type": "stop"}]} {"id": "s"}`,
		"trailing garbage":     `{"id": "r", "trigger": "member-joined", "actions": [{"type": "stop"}]}x`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRule([]byte(doc))
			var derr *DefinitionError
			assert.True(t, errors.As(err, &derr), "got %v", err)
		})
	}
}

func TestEmptyReasonIsAccepted(t *testing.T) {
	r, err := ParseRule([]byte(`{"id": "r", "trigger": "member-joined", "actions": [{"type": "kick", "params": {"target": "member", "reason": ""}}]}`))
	require.NoError(t, err)
	tpl := r.Actions[0].Template("reason")
	require.NotNil(t, tpl)
	assert.Equal(t, "", tpl.String())
}

func TestGuardErrorIsDistinguishable(t *testing.T) {
	_, err := ParseRule([]byte(`{"id": "r", "trigger": "member-joined", "guard": {"moon_phase": {}}, "actions": [{"type": "stop"}]}`))
	var gerr *GuardConfigurationError
	assert.True(t, errors.As(err, &gerr))
}

func TestParseRulesYAML(t *testing.T) {
	doc := `
- id: welcome
  trigger: member-joined
  actions:
    - type: send_message
      params:
        channel_id: "123"
        content: "Welcome {member.mention}"
- id: bots
  trigger: member-joined
  enabled: false
  conditions:
    predicate: member_is_bot
  actions:
    - type: kick
      params:
        reason: no bots
`
	rules, err := ParseRulesYAML([]byte(doc))
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "welcome", rules[0].ID)
	assert.False(t, rules[1].Enabled)
	assert.Equal(t, "member_is_bot", rules[1].Conditions.Predicate())
}
