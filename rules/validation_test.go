package rules

import (
	"fmt"
	"strings"
	"testing"

	"github.com/liamcoop/automod/event"
)

func stopAction(t *testing.T) ActionSpec {
	t.Helper()
	a, err := NewAction(ActionStop, nil, false)
	if err != nil {
		t.Fatalf("stop action: %v", err)
	}
	return a
}

func testRule(t *testing.T, id string) *Rule {
	t.Helper()
	return &Rule{
		ID:      id,
		Trigger: event.KindMessageCreated,
		Enabled: true,
		Actions: []ActionSpec{stopAction(t)},
	}
}

func TestValidateRule_NoActions(t *testing.T) {
	r := testRule(t, "r1")
	r.Actions = nil

	err := ValidateRule(r)
	if err == nil {
		t.Error("Expected error for rule without actions, got nil")
	}
	if err != nil && !strings.Contains(err.Error(), "at least one action") {
		t.Errorf("Expected error message about actions, got: %v", err)
	}
}

func TestValidateRule_TooManyActions(t *testing.T) {
	r := testRule(t, "r1")
	for len(r.Actions) <= MaxActionsPerRule {
		r.Actions = append(r.Actions, stopAction(t))
	}

	err := ValidateRule(r)
	if err == nil {
		t.Errorf("Expected error for %d actions, got nil", len(r.Actions))
	}
	if err != nil && !strings.Contains(err.Error(), fmt.Sprint(MaxActionsPerRule)) {
		t.Errorf("Expected error message about max %d actions, got: %v", MaxActionsPerRule, err)
	}
}

func TestValidateRule_UnknownTrigger(t *testing.T) {
	r := testRule(t, "r1")
	r.Trigger = "sunrise"

	if err := ValidateRule(r); err == nil {
		t.Error("Expected error for unknown trigger, got nil")
	}
}

func TestValidateIdentifier_Valid(t *testing.T) {
	for _, id := range []string{"r", "no-links", "spam_filter.v2", "123", strings.Repeat("a", 100)} {
		if err := ValidateIdentifier(id); err != nil {
			t.Errorf("Expected %q to be valid, got: %v", id, err)
		}
	}
}

func TestValidateIdentifier_Invalid(t *testing.T) {
	invalid := []string{"", "-leading", ".dot", "has space", "semi;colon", "slash/y", strings.Repeat("a", 101)}

	for _, id := range invalid {
		if err := ValidateIdentifier(id); err == nil {
			t.Errorf("Expected error for identifier %q, got nil", id)
		}
	}
}

func TestNewRuleSet_DuplicateIDs(t *testing.T) {
	_, err := NewRuleSet("g", []*Rule{testRule(t, "a"), testRule(t, "a")})
	if err == nil {
		t.Fatal("Expected error for duplicate rule ids, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("Expected error message about duplicates, got: %v", err)
	}
}

func TestNewRuleSet_TooManyRules(t *testing.T) {
	rules := make([]*Rule, 0, MaxRulesPerScope+1)
	for i := 0; i <= MaxRulesPerScope; i++ {
		rules = append(rules, testRule(t, fmt.Sprintf("rule-%d", i)))
	}

	_, err := NewRuleSet("g", rules)
	if err == nil {
		t.Fatalf("Expected error for %d rules, got nil", len(rules))
	}
	if !strings.Contains(err.Error(), fmt.Sprint(MaxRulesPerScope)) {
		t.Errorf("Expected error message about max %d rules, got: %v", MaxRulesPerScope, err)
	}
}

func TestNewRuleSet_NilRule(t *testing.T) {
	if _, err := NewRuleSet("g", []*Rule{nil}); err == nil {
		t.Error("Expected error for nil rule, got nil")
	}
}
