// Package engine dispatches normalized events to the rules of one scope.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/liamcoop/automod/actions"
	"github.com/liamcoop/automod/event"
	"github.com/liamcoop/automod/internal/logger"
	"github.com/liamcoop/automod/rules"
)

// ErrShuttingDown is returned by Dispatch once Shutdown has begun
var ErrShuttingDown = errors.New("dispatcher is shutting down")

// Stage is how far a rule got for one event
type Stage string

const (
	StageGuardRejected Stage = "guard-rejected"
	StageNotFired      Stage = "not-fired"
	StageFired         Stage = "fired"
	// StageAborted means evaluation panicked; the rule's actions did not run
	StageAborted Stage = "aborted"
)

// Report is the outcome of one rule for one event
type Report struct {
	RuleID    string                   `json:"rule_id"`
	Stage     Stage                    `json:"stage"`
	Condition rules.Tri                `json:"condition"`
	Missing   []string                 `json:"missing,omitempty"`
	Execution *actions.ExecutionReport `json:"execution,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

// Dispatcher evaluates events against the published rule set of a scope.
// Dispatch never blocks on rule set mutations: it reads one snapshot per
// event and uses it throughout.
type Dispatcher struct {
	scope    string
	snapshot *rules.Snapshot
	executor *actions.Executor
	hits     HitCounter
	logger   *slog.Logger

	mu       sync.RWMutex
	closing  bool
	inflight sync.WaitGroup
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithHitCounter records a hit for every fired rule
func WithHitCounter(h HitCounter) Option {
	return func(d *Dispatcher) {
		d.hits = h
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// NewDispatcher publishes rs as the scope's initial rule set
func NewDispatcher(scope string, rs *rules.RuleSet, executor *actions.Executor, opts ...Option) *Dispatcher {
	if rs == nil {
		rs = rules.EmptyRuleSet(scope)
	}
	d := &Dispatcher{
		scope:    scope,
		snapshot: rules.NewSnapshot(rs),
		executor: executor,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logger.Component(d.logger, "engine").With("scope", scope)
	return d
}

func (d *Dispatcher) Scope() string {
	return d.scope
}

// RuleSet returns the currently published set
func (d *Dispatcher) RuleSet() *rules.RuleSet {
	return d.snapshot.Load()
}

// Publish makes rs visible to dispatches that start after this call.
// Dispatches already running keep the set they started with.
func (d *Dispatcher) Publish(rs *rules.RuleSet) {
	d.snapshot.Publish(rs)
	d.logger.Debug("published rule set", "version", rs.Version(), "rules", rs.Len())
}

// Dispatch runs every enabled rule whose trigger matches the event, in rule
// set order. One rule's failure never prevents later rules from running.
// Cancelling ctx skips actions that have not started yet.
func (d *Dispatcher) Dispatch(ctx context.Context, ectx *event.Context) ([]Report, error) {
	d.mu.RLock()
	if d.closing {
		d.mu.RUnlock()
		return nil, ErrShuttingDown
	}
	d.inflight.Add(1)
	d.mu.RUnlock()
	defer d.inflight.Done()

	start := time.Now()
	kind := string(ectx.Kind)
	defer func() {
		eventProcessDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()
	eventProcessCount.WithLabelValues(kind).Inc()

	rs := d.snapshot.Load()
	candidates := rs.ForTrigger(ectx.Kind)
	reports := make([]Report, 0, len(candidates))
	for _, r := range candidates {
		reports = append(reports, d.dispatchRule(ctx, r, ectx))
	}
	return reports, nil
}

func (d *Dispatcher) dispatchRule(ctx context.Context, r *rules.Rule, ectx *event.Context) (rep Report) {
	rep = Report{RuleID: r.ID}
	log := d.logger.With("rule", r.ID, "event", ectx.ID)

	// similar to an HTTP server, recover any panic from rule execution so
	// later rules still run
	defer func() {
		if rec := recover(); rec != nil {
			rulePanicCount.Inc()
			log.Error("rule execution exception", "err", rec, "stack", string(debug.Stack()))
			rep.Stage = StageAborted
			rep.Error = fmt.Sprint(rec)
		}
	}()

	res := r.Matches(ectx)
	rep.Condition = res.Result
	rep.Missing = res.Missing
	switch {
	case !res.GuardPassed:
		rep.Stage = StageGuardRejected
	case res.Result != rules.True:
		rep.Stage = StageNotFired
		if res.Result == rules.Indeterminate {
			log.Debug("condition indeterminate", "missing", res.Missing)
		}
	default:
		rep.Stage = StageFired
	}
	ruleEvaluationCount.WithLabelValues(string(rep.Stage), res.Result.String()).Inc()
	if rep.Stage != StageFired {
		return rep
	}

	exec := d.executor.Execute(ctx, r.Actions, ectx)
	rep.Execution = &exec
	ruleFiredCount.WithLabelValues(string(ectx.Kind)).Inc()
	log.Info("rule fired",
		"kind", ectx.Kind,
		"succeeded", exec.Count(actions.OutcomeSucceeded),
		"skipped_by_policy", exec.Count(actions.OutcomeSkippedByPolicy),
		"failed", exec.Failed,
		"stopped", exec.Stopped,
	)
	d.recordHit(ctx, r.ID)
	return rep
}

func (d *Dispatcher) recordHit(ctx context.Context, ruleID string) {
	if d.hits == nil {
		return
	}
	// the hit belongs to a rule that already fired, so count it even during
	// shutdown
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := d.hits.Increment(hctx, d.scope, ruleID); err != nil {
		hitCounterErrors.Inc()
		d.logger.Warn("failed to record rule hit", "rule", ruleID, "err", err)
	}
}

// Evaluate reports what each candidate rule would do with the event without
// executing any action
func (d *Dispatcher) Evaluate(ectx *event.Context) []rules.EvaluationResult {
	rs := d.snapshot.Load()
	candidates := rs.ForTrigger(ectx.Kind)
	out := make([]rules.EvaluationResult, 0, len(candidates))
	for _, r := range candidates {
		out = append(out, r.Matches(ectx))
	}
	return out
}

// Shutdown stops accepting events and waits for in-flight dispatches, or
// for ctx to end
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight dispatches: %w", ctx.Err())
	}
}
