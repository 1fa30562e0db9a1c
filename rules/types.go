package rules

import (
	"time"

	"github.com/liamcoop/automod/event"
)

// Metadata is descriptive data that never affects evaluation
type Metadata struct {
	Description string    `json:"description,omitempty"`
	Author      string    `json:"author,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	ModifiedAt  time.Time `json:"modified_at,omitzero"`
}

// Rule binds a trigger to an optional guard, an optional condition tree and
// an ordered list of actions. Rules are treated as immutable once they are
// part of a RuleSet; use the With* methods to derive changed copies.
type Rule struct {
	ID         string
	Trigger    event.Kind
	Enabled    bool
	Guard      *Guard
	Conditions *Condition
	Actions    []ActionSpec
	Metadata   Metadata
}

// Clone returns a shallow copy with its own action slice. Guards and
// condition trees are immutable and shared.
func (r *Rule) Clone() *Rule {
	c := *r
	c.Actions = append([]ActionSpec(nil), r.Actions...)
	return &c
}

// WithEnabled returns a copy with the enabled flag set
func (r *Rule) WithEnabled(enabled bool, now time.Time) *Rule {
	c := r.Clone()
	c.Enabled = enabled
	c.Metadata.ModifiedAt = now
	return c
}

// Applies reports whether the rule listens for kind and is enabled
func (r *Rule) Applies(kind event.Kind) bool {
	return r.Enabled && r.Trigger == kind
}

// EvaluationResult is the outcome of running a rule's guard and conditions
// against one event, without executing actions
type EvaluationResult struct {
	RuleID      string   `json:"rule_id"`
	GuardPassed bool     `json:"guard_passed"`
	Result      Tri      `json:"result"`
	Missing     []string `json:"missing,omitempty"`
}

// Matches evaluates guard then conditions. The condition tree is not
// evaluated when the guard rejects the event.
func (r *Rule) Matches(ectx *event.Context) EvaluationResult {
	res := EvaluationResult{RuleID: r.ID}
	if !CheckGuard(r.Guard, ectx) {
		res.Result = False
		return res
	}
	res.GuardPassed = true
	eval := Evaluate(r.Conditions, ectx)
	res.Result = eval.Result
	res.Missing = eval.Missing
	return res
}
