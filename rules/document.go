package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"sigs.k8s.io/yaml"

	"github.com/liamcoop/automod/event"
)

type ruleDocument struct {
	ID         string           `json:"id"`
	Trigger    string           `json:"trigger"`
	Enabled    *bool            `json:"enabled,omitempty"`
	Guard      json.RawMessage  `json:"guard,omitempty"`
	Conditions json.RawMessage  `json:"conditions,omitempty"`
	Actions    []actionDocument `json:"actions"`
	Metadata   *Metadata        `json:"metadata,omitempty"`
}

type actionDocument struct {
	Type     string         `json:"type"`
	Params   map[string]any `json:"params,omitempty"`
	Critical bool           `json:"critical,omitempty"`
}

type conditionDocument struct {
	All       []json.RawMessage `json:"all,omitempty"`
	Any       []json.RawMessage `json:"any,omitempty"`
	Not       json.RawMessage   `json:"not,omitempty"`
	Predicate string            `json:"predicate,omitempty"`
	Args      map[string]any    `json:"args,omitempty"`
}

// ParseRule decodes and validates a single rule document. Every definition
// problem is reported here, never at evaluation time.
func ParseRule(data []byte) (*Rule, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var doc ruleDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, &DefinitionError{Err: fmt.Errorf("malformed rule document: %w", err)}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &DefinitionError{RuleID: doc.ID, Err: fmt.Errorf("malformed rule document: trailing data")}
	}

	r, err := doc.build()
	if err != nil {
		return nil, &DefinitionError{RuleID: doc.ID, Err: err}
	}
	return r, nil
}

// ParseRules decodes a JSON array of rule documents, preserving order
func ParseRules(data []byte) ([]*Rule, error) {
	var docs []json.RawMessage
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, &DefinitionError{Err: fmt.Errorf("rule set must be a list: %w", err)}
	}
	out := make([]*Rule, 0, len(docs))
	for _, d := range docs {
		r, err := ParseRule(d)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ParseRulesYAML accepts the same document written as YAML
func ParseRulesYAML(data []byte) ([]*Rule, error) {
	js, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, &DefinitionError{Err: fmt.Errorf("malformed YAML: %w", err)}
	}
	return ParseRules(js)
}

func (doc *ruleDocument) build() (*Rule, error) {
	trigger, err := event.ParseKind(doc.Trigger)
	if err != nil {
		return nil, err
	}

	r := &Rule{
		ID:      doc.ID,
		Trigger: trigger,
		Enabled: doc.Enabled == nil || *doc.Enabled,
	}
	if doc.Metadata != nil {
		r.Metadata = *doc.Metadata
	}

	if len(doc.Guard) > 0 && !isNull(doc.Guard) {
		g, err := ParseGuard(doc.Guard)
		if err != nil {
			return nil, err
		}
		r.Guard = g
	}

	if len(doc.Conditions) > 0 && !isNull(doc.Conditions) {
		c, err := ParseCondition(doc.Conditions)
		if err != nil {
			return nil, err
		}
		r.Conditions = c
	}

	for i, ad := range doc.Actions {
		spec, err := NewAction(ActionType(ad.Type), ad.Params, ad.Critical)
		if err != nil {
			return nil, &ActionConfigError{Index: i, Type: ad.Type, Err: err}
		}
		r.Actions = append(r.Actions, spec)
	}

	if err := ValidateRule(r); err != nil {
		return nil, err
	}
	return r, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

// ParseCondition decodes one condition node and its subtree
func ParseCondition(data []byte) (*Condition, error) {
	return parseCondition(data, 1)
}

func parseCondition(data []byte, depth int) (*Condition, error) {
	if depth > maxConditionDepth {
		return nil, &ConditionError{Err: fmt.Errorf("condition depth exceeds maximum of %d", maxConditionDepth)}
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, &ConditionError{Err: fmt.Errorf("condition must be an object: %w", err)}
	}

	forms := 0
	for _, k := range []string{"all", "any", "not", "predicate"} {
		if _, ok := keys[k]; ok {
			forms++
		}
	}
	if forms != 1 {
		return nil, &ConditionError{Err: fmt.Errorf("condition must have exactly one of all, any, not, predicate")}
	}
	if _, ok := keys["args"]; ok {
		if _, ok := keys["predicate"]; !ok {
			return nil, &ConditionError{Err: fmt.Errorf("args are only valid on a predicate")}
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var doc conditionDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, &ConditionError{Err: err}
	}

	children := func(raws []json.RawMessage) ([]*Condition, error) {
		out := make([]*Condition, 0, len(raws))
		for _, raw := range raws {
			c, err := parseCondition(raw, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, nil
	}

	switch {
	case keys["all"] != nil:
		cs, err := children(doc.All)
		if err != nil {
			return nil, err
		}
		return All(cs...)
	case keys["any"] != nil:
		cs, err := children(doc.Any)
		if err != nil {
			return nil, err
		}
		return Any(cs...)
	case keys["not"] != nil:
		if isNull(doc.Not) {
			return nil, &ConditionError{Err: ErrNotArity}
		}
		// a list under "not" is accepted only when it holds exactly one node
		trimmed := bytes.TrimSpace(doc.Not)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var raws []json.RawMessage
			if err := json.Unmarshal(trimmed, &raws); err != nil {
				return nil, &ConditionError{Err: err}
			}
			cs, err := children(raws)
			if err != nil {
				return nil, err
			}
			return Not(cs...)
		}
		child, err := parseCondition(doc.Not, depth+1)
		if err != nil {
			return nil, err
		}
		return Not(child)
	default:
		return Leaf(doc.Predicate, doc.Args)
	}
}

// MarshalJSON writes the condition in document form
func (c *Condition) MarshalJSON() ([]byte, error) {
	switch c.op {
	case OpAll:
		return json.Marshal(map[string]any{"all": c.children})
	case OpAny:
		return json.Marshal(map[string]any{"any": c.children})
	case OpNot:
		return json.Marshal(map[string]any{"not": c.children[0]})
	default:
		doc := map[string]any{"predicate": c.predicate}
		if len(c.args) > 0 {
			doc["args"] = c.args
		}
		return json.Marshal(doc)
	}
}

// UnmarshalJSON parses and validates a condition document
func (c *Condition) UnmarshalJSON(data []byte) error {
	parsed, err := ParseCondition(data)
	if err != nil {
		return err
	}
	*c = *parsed
	return nil
}

// MarshalJSON writes the action in document form
func (a ActionSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(actionDocument{
		Type:     string(a.Type),
		Params:   a.Params,
		Critical: a.Critical,
	})
}

// MarshalJSON writes the rule in document form
func (r *Rule) MarshalJSON() ([]byte, error) {
	enabled := r.Enabled
	doc := ruleDocument{
		ID:      r.ID,
		Trigger: string(r.Trigger),
		Enabled: &enabled,
		Actions: make([]actionDocument, 0, len(r.Actions)),
	}
	if r.Guard != nil {
		g, err := json.Marshal(r.Guard)
		if err != nil {
			return nil, err
		}
		doc.Guard = g
	}
	if r.Conditions != nil {
		c, err := json.Marshal(r.Conditions)
		if err != nil {
			return nil, err
		}
		doc.Conditions = c
	}
	for _, a := range r.Actions {
		doc.Actions = append(doc.Actions, actionDocument{Type: string(a.Type), Params: a.Params, Critical: a.Critical})
	}
	if r.Metadata != (Metadata{}) {
		md := r.Metadata
		doc.Metadata = &md
	}
	return json.Marshal(doc)
}

// UnmarshalJSON parses and validates a rule document
func (r *Rule) UnmarshalJSON(data []byte) error {
	parsed, err := ParseRule(data)
	if err != nil {
		return err
	}
	*r = *parsed
	return nil
}
