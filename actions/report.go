package actions

import (
	"time"

	"github.com/liamcoop/automod/rules"
)

// Outcome is the result of one action
type Outcome string

const (
	OutcomeSucceeded         Outcome = "succeeded"
	OutcomeSkippedByPolicy   Outcome = "skipped-by-policy"
	OutcomeFailedRecoverable Outcome = "failed-recoverable"
	OutcomeFailedCritical    Outcome = "failed-critical"
	// OutcomeSkipped means the action never ran: an earlier action stopped
	// the pipeline, a critical action failed, or the host is shutting down
	OutcomeSkipped Outcome = "skipped"
)

// ActionReport describes what happened to one action
type ActionReport struct {
	Index    int              `json:"index"`
	Type     rules.ActionType `json:"type"`
	Outcome  Outcome          `json:"outcome"`
	Detail   string           `json:"detail,omitempty"`
	Duration time.Duration    `json:"duration_ns,omitempty"`
}

// ExecutionReport covers one rule's action list, in declared order
type ExecutionReport struct {
	Actions []ActionReport `json:"actions"`
	// Stopped is set when a stop signal ended the pipeline early
	Stopped bool `json:"stopped,omitempty"`
	// Failed is set when a critical action failed
	Failed bool `json:"failed,omitempty"`
	// Cancelled is set when shutdown skipped remaining actions
	Cancelled bool `json:"cancelled,omitempty"`
}

// Count returns how many actions ended with o
func (r ExecutionReport) Count(o Outcome) int {
	n := 0
	for _, a := range r.Actions {
		if a.Outcome == o {
			n++
		}
	}
	return n
}

// Outcomes lists the outcome of every action in order
func (r ExecutionReport) Outcomes() []Outcome {
	out := make([]Outcome, 0, len(r.Actions))
	for _, a := range r.Actions {
		out = append(out, a.Outcome)
	}
	return out
}
