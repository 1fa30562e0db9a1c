package rules

import (
	"fmt"
	"regexp"
)

const (
	// MaxRulesPerScope bounds the size of one scope's rule set
	MaxRulesPerScope = 500
	// MaxActionsPerRule bounds the length of a rule's action list
	MaxActionsPerRule = 25
)

var validIdentifier = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidateRule checks the structural requirements of a rule. Guards,
// conditions and actions are validated as they are constructed.
func ValidateRule(r *Rule) error {
	if r == nil {
		return fmt.Errorf("rule cannot be nil")
	}

	if err := ValidateIdentifier(r.ID); err != nil {
		return fmt.Errorf("invalid rule id %q: %w", r.ID, err)
	}

	if !r.Trigger.Valid() {
		return fmt.Errorf("unknown trigger %q", r.Trigger)
	}

	if len(r.Actions) == 0 {
		return fmt.Errorf("rule must contain at least one action")
	}
	if len(r.Actions) > MaxActionsPerRule {
		return fmt.Errorf("rule contains %d actions, maximum allowed is %d", len(r.Actions), MaxActionsPerRule)
	}

	if err := r.Guard.Validate(); err != nil {
		return err
	}

	if r.Conditions != nil && r.Conditions.Depth() > maxConditionDepth {
		return &ConditionError{Err: fmt.Errorf("condition depth %d exceeds maximum of %d", r.Conditions.Depth(), maxConditionDepth)}
	}

	return nil
}

// ValidateIdentifier validates a rule or scope identifier: 1-100
// characters, starting with a letter or digit, then letters, digits,
// underscores, dots or hyphens
func ValidateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > 100 {
		return fmt.Errorf("identifier length %d exceeds maximum of 100 characters", len(name))
	}
	if !validIdentifier.MatchString(name) {
		return fmt.Errorf("must match pattern %s", validIdentifier)
	}
	return nil
}

// validateRules checks set-level invariants: size and unique ids
func validateRules(rules []*Rule) error {
	if len(rules) > MaxRulesPerScope {
		return fmt.Errorf("rule set contains %d rules, maximum allowed is %d", len(rules), MaxRulesPerScope)
	}
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r == nil {
			return fmt.Errorf("rule %d is nil", i)
		}
		if err := ValidateRule(r); err != nil {
			return &DefinitionError{RuleID: r.ID, Err: err}
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}
