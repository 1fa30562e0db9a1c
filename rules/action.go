package rules

import (
	"fmt"
	"sort"

	"github.com/liamcoop/automod/event"
)

// ActionType names an entry in the closed action vocabulary
type ActionType string

const (
	ActionLog           ActionType = "log"
	ActionReply         ActionType = "reply"
	ActionSendMessage   ActionType = "send_message"
	ActionDirectMessage ActionType = "direct_message"
	ActionKick          ActionType = "kick"
	ActionBan           ActionType = "ban"
	ActionAddRoles      ActionType = "add_roles"
	ActionRemoveRoles   ActionType = "remove_roles"
	ActionDeleteMessage ActionType = "delete_message"
	ActionAddReactions  ActionType = "add_reactions"
	ActionStop          ActionType = "stop"
)

// maxBanDeleteSeconds is the platform's upper bound for purging history
const maxBanDeleteSeconds = 604800

type paramKind uint8

const (
	paramTemplate paramKind = iota
	paramString
	paramStrings
	paramBool
	paramNumber
	paramTarget
)

type paramSpec struct {
	kind     paramKind
	required bool
}

// actionParams describes the parameters each action accepts
var actionParams = map[ActionType]map[string]paramSpec{
	ActionLog: {
		"content":    {kind: paramTemplate, required: true},
		"level":      {kind: paramString},
		"channel_id": {kind: paramTemplate},
	},
	ActionReply: {
		"content": {kind: paramTemplate, required: true},
	},
	ActionSendMessage: {
		"channel_id": {kind: paramTemplate, required: true},
		"content":    {kind: paramTemplate, required: true},
	},
	ActionDirectMessage: {
		"target":  {kind: paramTarget},
		"content": {kind: paramTemplate, required: true},
	},
	ActionKick: {
		"target": {kind: paramTarget},
		"reason": {kind: paramTemplate},
	},
	ActionBan: {
		"target":                 {kind: paramTarget},
		"reason":                 {kind: paramTemplate},
		"delete_message_seconds": {kind: paramNumber},
	},
	ActionAddRoles: {
		"target": {kind: paramTarget},
		"roles":  {kind: paramStrings, required: true},
		"reason": {kind: paramTemplate},
	},
	ActionRemoveRoles: {
		"target": {kind: paramTarget},
		"roles":  {kind: paramStrings, required: true},
		"reason": {kind: paramTemplate},
	},
	ActionDeleteMessage: {
		"reason":   {kind: paramTemplate},
		"continue": {kind: paramBool},
	},
	ActionAddReactions: {
		"reactions": {kind: paramStrings, required: true},
	},
	ActionStop: {},
}

var targets = map[string]bool{"author": true, "actor": true, "member": true, "user": true}

var logLevels = map[string]bool{"info": true, "warn": true, "error": true}

// ActionTypes lists the action vocabulary
func ActionTypes() []ActionType {
	out := make([]ActionType, 0, len(actionParams))
	for t := range actionParams {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ActionSpec is one step of a rule's action list
type ActionSpec struct {
	Type     ActionType
	Params   Args
	Critical bool

	templates map[string]*event.Template
}

// NewAction validates params against the action's schema and pre-parses
// templates
func NewAction(t ActionType, params Args, critical bool) (ActionSpec, error) {
	schema, ok := actionParams[t]
	if !ok {
		return ActionSpec{}, fmt.Errorf("%w %q", ErrUnknownAction, t)
	}

	params = params.clone()
	spec := ActionSpec{Type: t, Params: params, Critical: critical}

	for name := range params {
		if _, ok := schema[name]; !ok {
			return ActionSpec{}, fmt.Errorf("unexpected parameter %q", name)
		}
	}

	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ps := schema[name]
		if !params.has(name) {
			if ps.required {
				return ActionSpec{}, fmt.Errorf("parameter %q is required", name)
			}
			continue
		}
		switch ps.kind {
		case paramTemplate:
			s, _, err := params.String(name)
			if err != nil {
				return ActionSpec{}, err
			}
			if ps.required && s == "" {
				return ActionSpec{}, fmt.Errorf("parameter %q must not be empty", name)
			}
			tpl, err := event.ParseTemplate(s)
			if err != nil {
				return ActionSpec{}, fmt.Errorf("parameter %q: %w", name, err)
			}
			if spec.templates == nil {
				spec.templates = make(map[string]*event.Template)
			}
			spec.templates[name] = tpl
		case paramString:
			if _, _, err := params.String(name); err != nil {
				return ActionSpec{}, err
			}
		case paramStrings:
			list, _, err := params.Strings(name)
			if err != nil {
				return ActionSpec{}, err
			}
			if len(list) == 0 {
				return ActionSpec{}, fmt.Errorf("parameter %q must not be empty", name)
			}
		case paramBool:
			if _, err := params.Bool(name); err != nil {
				return ActionSpec{}, err
			}
		case paramNumber:
			if _, _, err := params.Number(name); err != nil {
				return ActionSpec{}, err
			}
		case paramTarget:
			s, _, err := params.String(name)
			if err != nil {
				return ActionSpec{}, err
			}
			if !targets[s] {
				return ActionSpec{}, fmt.Errorf("parameter %q must be one of author, actor, member, user", name)
			}
		}
	}

	if level, ok, _ := params.String("level"); ok && !logLevels[level] {
		return ActionSpec{}, fmt.Errorf("parameter \"level\" must be info, warn or error")
	}
	if t == ActionBan {
		if secs, ok, _ := params.Number("delete_message_seconds"); ok {
			if secs < 0 || secs > maxBanDeleteSeconds || !isWholeNumber(secs) {
				return ActionSpec{}, fmt.Errorf("parameter \"delete_message_seconds\" must be a whole number between 0 and %d", maxBanDeleteSeconds)
			}
		}
	}

	return spec, nil
}

// Template returns the pre-parsed template for a parameter, or nil
func (a ActionSpec) Template(name string) *event.Template {
	return a.templates[name]
}

// Target is the subject of the action, defaulting to the author
func (a ActionSpec) Target() string {
	if s, ok, _ := a.Params.String("target"); ok && s != "" {
		return s
	}
	return "author"
}

// StringList reads a list parameter validated at construction
func (a ActionSpec) StringList(name string) []string {
	list, _, _ := a.Params.Strings(name)
	return list
}

// Flag reads a boolean parameter validated at construction
func (a ActionSpec) Flag(name string) bool {
	b, _ := a.Params.Bool(name)
	return b
}

// NumberParam reads a numeric parameter validated at construction
func (a ActionSpec) NumberParam(name string) float64 {
	n, _, _ := a.Params.Number(name)
	return n
}

// StringParam reads a plain string parameter
func (a ActionSpec) StringParam(name string) string {
	s, _, _ := a.Params.String(name)
	return s
}

// Moderates reports whether the action changes a member's standing and is
// therefore subject to the privilege policy
func (a ActionSpec) Moderates() bool {
	switch a.Type {
	case ActionKick, ActionBan, ActionAddRoles, ActionRemoveRoles:
		return true
	}
	return false
}
