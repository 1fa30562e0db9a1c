package rules

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyCombinator  = errors.New("combinator requires at least one child")
	ErrNotArity         = errors.New("not requires exactly one child")
	ErrUnknownPredicate = errors.New("unknown predicate")
	ErrUnknownAction    = errors.New("unknown action type")
)

// GuardConfigurationError reports a malformed guard at rule definition time
type GuardConfigurationError struct {
	Guard  string
	Reason string
}

func (e *GuardConfigurationError) Error() string {
	if e.Guard == "" {
		return "invalid guard: " + e.Reason
	}
	return fmt.Sprintf("invalid guard %q: %s", e.Guard, e.Reason)
}

// ConditionError reports a malformed condition tree
type ConditionError struct {
	Predicate string
	Err       error
}

func (e *ConditionError) Error() string {
	if e.Predicate == "" {
		return "invalid condition: " + e.Err.Error()
	}
	return fmt.Sprintf("invalid condition %q: %v", e.Predicate, e.Err)
}

func (e *ConditionError) Unwrap() error {
	return e.Err
}

// ActionConfigError reports a malformed action
type ActionConfigError struct {
	Index int
	Type  string
	Err   error
}

func (e *ActionConfigError) Error() string {
	return fmt.Sprintf("invalid action %d (%s): %v", e.Index, e.Type, e.Err)
}

func (e *ActionConfigError) Unwrap() error {
	return e.Err
}

// DefinitionError wraps any definition-time failure with the rule it belongs to
type DefinitionError struct {
	RuleID string
	Err    error
}

func (e *DefinitionError) Error() string {
	if e.RuleID == "" {
		return "invalid rule: " + e.Err.Error()
	}
	return fmt.Sprintf("invalid rule %q: %v", e.RuleID, e.Err)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

// PersistenceError is returned when a rule set cannot be loaded or stored
type PersistenceError struct {
	Op    string
	Scope string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s rule set for scope %s: %v", e.Op, e.Scope, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
