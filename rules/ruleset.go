package rules

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/liamcoop/automod/event"
)

// RuleSet is an ordered, immutable collection of rules for one scope.
// Mutating methods return a new RuleSet and leave the receiver untouched,
// so a published set can be read concurrently without locks.
type RuleSet struct {
	scope     string
	version   int64
	rules     []*Rule
	byID      map[string]int
	byTrigger map[event.Kind][]*Rule
}

// NewRuleSet validates rules and builds the trigger index
func NewRuleSet(scope string, rules []*Rule) (*RuleSet, error) {
	if err := validateRules(rules); err != nil {
		return nil, err
	}
	return buildRuleSet(scope, 0, append([]*Rule(nil), rules...)), nil
}

// EmptyRuleSet is the set of a scope with no rules
func EmptyRuleSet(scope string) *RuleSet {
	return buildRuleSet(scope, 0, nil)
}

func buildRuleSet(scope string, version int64, rules []*Rule) *RuleSet {
	rs := &RuleSet{
		scope:     scope,
		version:   version,
		rules:     rules,
		byID:      make(map[string]int, len(rules)),
		byTrigger: make(map[event.Kind][]*Rule),
	}
	for i, r := range rules {
		rs.byID[r.ID] = i
		if r.Enabled {
			rs.byTrigger[r.Trigger] = append(rs.byTrigger[r.Trigger], r)
		}
	}
	return rs
}

func (rs *RuleSet) derive(rules []*Rule) (*RuleSet, error) {
	if err := validateRules(rules); err != nil {
		return nil, err
	}
	return buildRuleSet(rs.scope, rs.version+1, rules), nil
}

func (rs *RuleSet) Scope() string {
	return rs.scope
}

// Version counts the mutations since the set was loaded
func (rs *RuleSet) Version() int64 {
	return rs.version
}

// WithVersion returns the same rules stamped with a stored version
func (rs *RuleSet) WithVersion(v int64) *RuleSet {
	return buildRuleSet(rs.scope, v, rs.rules)
}

func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// Rules returns the rules in declared order
func (rs *RuleSet) Rules() []*Rule {
	return append([]*Rule(nil), rs.rules...)
}

// Get looks up a rule by id
func (rs *RuleSet) Get(id string) (*Rule, bool) {
	i, ok := rs.byID[id]
	if !ok {
		return nil, false
	}
	return rs.rules[i], true
}

// ForTrigger returns the enabled rules listening for kind, in declared
// order. The returned slice must not be modified.
func (rs *RuleSet) ForTrigger(kind event.Kind) []*Rule {
	return rs.byTrigger[kind]
}

// Query returns rules whose id or description contains q, ignoring case
func (rs *RuleSet) Query(q string) []*Rule {
	q = strings.ToLower(q)
	var out []*Rule
	for _, r := range rs.rules {
		if strings.Contains(strings.ToLower(r.ID), q) ||
			strings.Contains(strings.ToLower(r.Metadata.Description), q) {
			out = append(out, r)
		}
	}
	return out
}

// With appends a rule. The id must be unused.
func (rs *RuleSet) With(r *Rule) (*RuleSet, error) {
	if _, exists := rs.byID[r.ID]; exists {
		return nil, fmt.Errorf("rule with ID %s already exists", r.ID)
	}
	rules := append(rs.Rules(), r)
	return rs.derive(rules)
}

// Replace swaps the rule with the same id, keeping its position
func (rs *RuleSet) Replace(r *Rule) (*RuleSet, error) {
	i, ok := rs.byID[r.ID]
	if !ok {
		return nil, fmt.Errorf("rule with ID %s not found", r.ID)
	}
	rules := rs.Rules()
	rules[i] = r
	return rs.derive(rules)
}

// Without removes a rule by id
func (rs *RuleSet) Without(id string) (*RuleSet, error) {
	i, ok := rs.byID[id]
	if !ok {
		return nil, fmt.Errorf("rule with ID %s not found", id)
	}
	rules := make([]*Rule, 0, len(rs.rules)-1)
	rules = append(rules, rs.rules[:i]...)
	rules = append(rules, rs.rules[i+1:]...)
	return rs.derive(rules)
}

// SetEnabled toggles a rule
func (rs *RuleSet) SetEnabled(id string, enabled bool, now time.Time) (*RuleSet, error) {
	r, ok := rs.Get(id)
	if !ok {
		return nil, fmt.Errorf("rule with ID %s not found", id)
	}
	return rs.Replace(r.WithEnabled(enabled, now))
}

// MarshalJSON writes the rule definition document: a list of rules
func (rs *RuleSet) MarshalJSON() ([]byte, error) {
	rules := rs.rules
	if rules == nil {
		rules = []*Rule{}
	}
	return json.Marshal(rules)
}

// DecodeRuleSet parses a stored rule definition document
func DecodeRuleSet(scope string, data []byte) (*RuleSet, error) {
	rules, err := ParseRules(data)
	if err != nil {
		return nil, err
	}
	return NewRuleSet(scope, rules)
}
