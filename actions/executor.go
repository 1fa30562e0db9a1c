// Package actions runs a rule's action list against a platform capability.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/liamcoop/automod/capability"
	"github.com/liamcoop/automod/event"
	"github.com/liamcoop/automod/internal/logger"
	"github.com/liamcoop/automod/rules"
)

const (
	DefaultMaxInFlight = 8
	DefaultTimeout     = 10 * time.Second
)

var (
	// ErrMissingContext means the event lacks a fact the action needs, such
	// as a message to reply to
	ErrMissingContext = errors.New("event lacks required context")

	// ErrCancelled means the host context ended before the action started
	ErrCancelled = errors.New("action cancelled before it started")
)

// PolicyError explains why the privilege policy refused an action
type PolicyError struct {
	Target string
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Target, e.Reason)
}

// Executor runs action lists. It is safe for concurrent use; the number of
// capability calls in flight across all callers is bounded.
type Executor struct {
	capability capability.Capability
	slots      *semaphore.Weighted
	timeout    time.Duration
	marker     string
	logger     *slog.Logger
}

// Option configures an Executor
type Option func(*Executor)

// WithMaxInFlight bounds concurrent capability calls
func WithMaxInFlight(n int64) Option {
	return func(x *Executor) {
		if n > 0 {
			x.slots = semaphore.NewWeighted(n)
		}
	}
}

// WithTimeout sets the per-action deadline
func WithTimeout(d time.Duration) Option {
	return func(x *Executor) {
		if d > 0 {
			x.timeout = d
		}
	}
}

// WithMissingMarker sets the text substituted for missing template paths
func WithMissingMarker(s string) Option {
	return func(x *Executor) {
		x.marker = s
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(x *Executor) {
		x.logger = l
	}
}

func NewExecutor(c capability.Capability, opts ...Option) *Executor {
	x := &Executor{
		capability: c,
		slots:      semaphore.NewWeighted(DefaultMaxInFlight),
		timeout:    DefaultTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(x)
	}
	x.logger = logger.Component(x.logger, "actions")
	return x
}

// Execute runs specs in declared order and reports every action. It never
// returns an error: failures are outcomes. Cancelling ctx skips the actions
// that have not started yet; a call already in flight runs to completion or
// to its own timeout.
func (x *Executor) Execute(ctx context.Context, specs []rules.ActionSpec, ectx *event.Context) ExecutionReport {
	report := ExecutionReport{Actions: make([]ActionReport, 0, len(specs))}
	halt := ""

	for i, spec := range specs {
		ar := ActionReport{Index: i, Type: spec.Type}

		if halt == "" && ctx.Err() != nil {
			halt = "shutting down"
			report.Cancelled = true
		}
		if halt != "" {
			ar.Outcome = OutcomeSkipped
			ar.Detail = halt
			report.Actions = append(report.Actions, x.observe(ar))
			continue
		}

		start := time.Now()
		stop, err := x.run(ctx, spec, ectx)
		ar.Duration = time.Since(start)

		var perr *PolicyError
		switch {
		case errors.As(err, &perr):
			ar.Outcome = OutcomeSkippedByPolicy
			ar.Detail = perr.Error()
		case errors.Is(err, ErrCancelled):
			ar.Outcome = OutcomeSkipped
			ar.Detail = "shutting down"
			halt = ar.Detail
			report.Cancelled = true
		case err != nil && spec.Critical:
			ar.Outcome = OutcomeFailedCritical
			ar.Detail = err.Error()
			halt = fmt.Sprintf("critical action %d failed", i)
			report.Failed = true
			x.logger.Warn("critical action failed", "event", ectx.ID, "scope", ectx.Scope, "index", i, "type", spec.Type, "err", err)
		case err != nil:
			ar.Outcome = OutcomeFailedRecoverable
			ar.Detail = err.Error()
			x.logger.Info("action failed", "event", ectx.ID, "scope", ectx.Scope, "index", i, "type", spec.Type, "err", err)
		default:
			ar.Outcome = OutcomeSucceeded
			if stop {
				halt = fmt.Sprintf("stopped by action %d", i)
				report.Stopped = true
			}
		}
		report.Actions = append(report.Actions, x.observe(ar))
	}

	return report
}

func (x *Executor) observe(ar ActionReport) ActionReport {
	actionOutcomeCount.WithLabelValues(string(ar.Type), string(ar.Outcome)).Inc()
	return ar
}

func (x *Executor) run(ctx context.Context, spec rules.ActionSpec, ectx *event.Context) (stop bool, err error) {
	// a bug in one action must not take down the rest of the pipeline
	defer func() {
		if r := recover(); r != nil {
			x.logger.Error("action execution exception", "err", r, "type", spec.Type, "event", ectx.ID, "stack", string(debug.Stack()))
			stop, err = false, fmt.Errorf("action panicked: %v", r)
		}
	}()

	h, ok := handlers[spec.Type]
	if !ok {
		return false, fmt.Errorf("%w %q", rules.ErrUnknownAction, spec.Type)
	}

	inv := &invocation{ctx: ctx, x: x, spec: spec, ectx: ectx}
	if spec.Moderates() {
		if err := inv.checkPolicy(); err != nil {
			return false, err
		}
	}
	return h(inv)
}

// invocation is one action being executed
type invocation struct {
	ctx  context.Context
	x    *Executor
	spec rules.ActionSpec
	ectx *event.Context
}

// render expands a template parameter; an absent parameter renders empty
func (inv *invocation) render(name string) string {
	tpl := inv.spec.Template(name)
	if tpl == nil {
		return ""
	}
	return tpl.Render(inv.ectx, inv.x.marker)
}

// require returns a non-empty string fact from the event
func (inv *invocation) require(path string) (string, error) {
	v, ok := inv.ectx.LookupString(path)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingContext, path)
	}
	s := event.FormatValue(v)
	if s == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingContext, path)
	}
	return s, nil
}

func (inv *invocation) guildID() string {
	if id, err := inv.require("guild.id"); err == nil {
		return id
	}
	return inv.ectx.Scope
}

func (inv *invocation) targetID() (string, error) {
	return inv.require(inv.spec.Target() + ".id")
}

// checkPolicy refuses moderation of the bot itself and of anyone whose
// elevation is true or unknown
func (inv *invocation) checkPolicy() error {
	target := inv.spec.Target()
	if _, err := inv.targetID(); err != nil {
		return err
	}
	if self, ok := inv.ectx.LookupString(target + ".is_self"); ok && self == true {
		return &PolicyError{Target: target, Reason: "target is the bot itself"}
	}
	elevated, ok := inv.ectx.LookupString(target + ".elevated")
	switch {
	case !ok:
		return &PolicyError{Target: target, Reason: "target permissions are unknown"}
	case elevated != false:
		return &PolicyError{Target: target, Reason: "target has elevated permissions"}
	}
	return nil
}

// call runs fn under a concurrency slot and the per-action timeout. The
// call context is detached from ctx so shutdown never interrupts a request
// halfway; ctx only bounds the wait for a slot.
func (inv *invocation) call(fn func(ctx context.Context, c capability.Capability) error) error {
	x := inv.x
	if err := x.slots.Acquire(inv.ctx, 1); err != nil {
		return ErrCancelled
	}
	actionsInFlight.Inc()

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(inv.ctx), x.timeout)
	defer cancel()

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		defer x.slots.Release(1)
		defer actionsInFlight.Dec()
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("capability panicked: %v", r)
			}
		}()
		done <- fn(callCtx, x.capability)
	}()

	select {
	case err := <-done:
		actionDuration.WithLabelValues(string(inv.spec.Type)).Observe(time.Since(start).Seconds())
		return err
	case <-callCtx.Done():
		actionDuration.WithLabelValues(string(inv.spec.Type)).Observe(time.Since(start).Seconds())
		return fmt.Errorf("action timed out after %s", x.timeout)
	}
}
