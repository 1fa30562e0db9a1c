// Package guildengine owns one dispatcher per guild, routes events to them,
// and serialises rule mutations through the store.
package guildengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/liamcoop/automod/actions"
	"github.com/liamcoop/automod/engine"
	"github.com/liamcoop/automod/event"
	"github.com/liamcoop/automod/internal/logger"
	"github.com/liamcoop/automod/rules"
)

var (
	ErrRuleNotFound      = errors.New("rule not found")
	ErrRuleExists        = errors.New("rule already exists")
	ErrUnmodifiableField = errors.New("field cannot be modified")
	ErrInvalidScope      = errors.New("invalid scope")
)

// Manager routes events to per-guild dispatchers and applies rule changes.
// A change is persisted first and published only if the store accepted
// it, so the published set always matches the stored one.
type Manager struct {
	store      rules.Store
	executor   *actions.Executor
	normalizer *event.Normalizer
	hits       engine.HitCounter
	logger     *slog.Logger
	now        func() time.Time

	dispatchers *xsync.MapOf[string, *engine.Dispatcher]
	writers     *xsync.MapOf[string, *sync.Mutex]

	mu       sync.RWMutex
	closing  bool
	inflight sync.WaitGroup
}

// Option configures a Manager
type Option func(*Manager)

func WithNormalizer(n *event.Normalizer) Option {
	return func(m *Manager) {
		m.normalizer = n
	}
}

func WithHitCounter(h engine.HitCounter) Option {
	return func(m *Manager) {
		m.hits = h
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithClock overrides the time used for rule metadata
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a manager. Guild rule sets are loaded lazily on first
// use, or eagerly with LoadAll.
func NewManager(store rules.Store, executor *actions.Executor, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		executor:    executor,
		normalizer:  event.NewNormalizer(),
		hits:        engine.NewMemHitCounter(),
		logger:      slog.Default(),
		now:         time.Now,
		dispatchers: xsync.NewMapOf[string, *engine.Dispatcher](),
		writers:     xsync.NewMapOf[string, *sync.Mutex](),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logger.Component(m.logger, "guildengine")
	return m
}

func (m *Manager) writer(scope string) *sync.Mutex {
	mu, _ := m.writers.LoadOrCompute(scope, func() *sync.Mutex {
		return &sync.Mutex{}
	})
	return mu
}

// LoadAll loads every scope the store knows about
func (m *Manager) LoadAll(ctx context.Context) (int, error) {
	scopes, err := m.store.Scopes(ctx)
	if err != nil {
		persistenceErrorCount.WithLabelValues("list").Inc()
		return 0, fmt.Errorf("failed to list scopes: %w", err)
	}

	loaded := 0
	for _, scope := range scopes {
		d, err := m.dispatcher(ctx, scope)
		if err != nil {
			return loaded, fmt.Errorf("failed to load scope %s: %w", scope, err)
		}
		loaded++
		m.logger.Info("loaded rule set", "scope", scope, "rules", d.RuleSet().Len())
	}
	return loaded, nil
}

// dispatcher returns the scope's dispatcher, loading its rule set on first use
func (m *Manager) dispatcher(ctx context.Context, scope string) (*engine.Dispatcher, error) {
	if d, ok := m.dispatchers.Load(scope); ok {
		return d, nil
	}
	mu := m.writer(scope)
	mu.Lock()
	defer mu.Unlock()
	return m.dispatcherLocked(ctx, scope)
}

// dispatcherLocked is dispatcher for callers holding the scope's writer lock
func (m *Manager) dispatcherLocked(ctx context.Context, scope string) (*engine.Dispatcher, error) {
	if d, ok := m.dispatchers.Load(scope); ok {
		return d, nil
	}
	if m.isClosing() {
		return nil, engine.ErrShuttingDown
	}
	if err := rules.ValidateIdentifier(scope); err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidScope, scope, err)
	}

	rs, err := m.store.Load(ctx, scope)
	if err != nil {
		persistenceErrorCount.WithLabelValues("load").Inc()
		return nil, err
	}
	d := engine.NewDispatcher(scope, rs, m.executor,
		engine.WithHitCounter(m.hits),
		engine.WithLogger(m.logger),
	)
	m.dispatchers.Store(scope, d)

	// Shutdown may have ranged over the dispatchers before the Store
	if m.isClosing() {
		_ = d.Shutdown(ctx)
		return nil, engine.ErrShuttingDown
	}
	return d, nil
}

func (m *Manager) isClosing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closing
}

// Normalize turns a wire event into an event context. Failures are counted
// by the offending field.
func (m *Manager) Normalize(data []byte) (*event.Context, error) {
	ectx, err := m.normalizer.NormalizeBytes(data)
	if err != nil {
		var nerr *event.NormalizationError
		field := "unknown"
		if errors.As(err, &nerr) && nerr.Field != "" {
			field = nerr.Field
		}
		normalizationErrorCount.WithLabelValues(field).Inc()
		return nil, err
	}
	return ectx, nil
}

// HandleRaw normalizes a wire event and dispatches it. Malformed events are
// counted, logged and returned as *event.NormalizationError.
func (m *Manager) HandleRaw(ctx context.Context, data []byte) (*event.Context, []engine.Report, error) {
	ectx, err := m.Normalize(data)
	if err != nil {
		m.logger.Warn("dropped malformed event", "err", err)
		return nil, nil, err
	}

	reports, err := m.Handle(ctx, ectx)
	return ectx, reports, err
}

// Handle dispatches a normalized event to its guild. Shutdown waits for
// every Handle call it admitted.
func (m *Manager) Handle(ctx context.Context, ectx *event.Context) ([]engine.Report, error) {
	m.mu.RLock()
	if m.closing {
		m.mu.RUnlock()
		return nil, engine.ErrShuttingDown
	}
	m.inflight.Add(1)
	m.mu.RUnlock()
	defer m.inflight.Done()

	d, err := m.dispatcher(ctx, ectx.Scope)
	if err != nil {
		return nil, err
	}
	return d.Dispatch(ctx, ectx)
}

// Evaluate reports what the guild's rules would do with an event, without
// running actions
func (m *Manager) Evaluate(ctx context.Context, ectx *event.Context) ([]rules.EvaluationResult, error) {
	d, err := m.dispatcher(ctx, ectx.Scope)
	if err != nil {
		return nil, err
	}
	return d.Evaluate(ectx), nil
}

// RuleSet returns the published rule set of a guild
func (m *Manager) RuleSet(ctx context.Context, scope string) (*rules.RuleSet, error) {
	d, err := m.dispatcher(ctx, scope)
	if err != nil {
		return nil, err
	}
	return d.RuleSet(), nil
}

// GetRule looks up one rule
func (m *Manager) GetRule(ctx context.Context, scope, id string) (*rules.Rule, error) {
	rs, err := m.RuleSet(ctx, scope)
	if err != nil {
		return nil, err
	}
	r, ok := rs.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return r, nil
}

// QueryRules returns the rules whose id or description contains q. An
// empty query returns every rule.
func (m *Manager) QueryRules(ctx context.Context, scope, q string) ([]*rules.Rule, error) {
	rs, err := m.RuleSet(ctx, scope)
	if err != nil {
		return nil, err
	}
	if q == "" {
		return rs.Rules(), nil
	}
	return rs.Query(q), nil
}

// Scopes lists the guilds with a loaded rule set
func (m *Manager) Scopes() []string {
	var scopes []string
	m.dispatchers.Range(func(scope string, _ *engine.Dispatcher) bool {
		scopes = append(scopes, scope)
		return true
	})
	sort.Strings(scopes)
	return scopes
}

// Hits returns how often a rule fired
func (m *Manager) Hits(ctx context.Context, scope, id string) (int64, error) {
	if _, err := m.GetRule(ctx, scope, id); err != nil {
		return 0, err
	}
	return m.hits.Get(ctx, scope, id)
}

// mutate applies change to the current set under the scope's writer lock,
// stores the result and then publishes it
func (m *Manager) mutate(ctx context.Context, scope, op string, change func(*rules.RuleSet) (*rules.RuleSet, error)) (*rules.RuleSet, error) {
	mu := m.writer(scope)
	mu.Lock()
	defer mu.Unlock()

	d, err := m.dispatcherLocked(ctx, scope)
	if err != nil {
		return nil, err
	}

	next, err := change(d.RuleSet())
	if err != nil {
		return nil, err
	}

	if err := m.store.Replace(ctx, scope, next); err != nil {
		persistenceErrorCount.WithLabelValues("replace").Inc()
		m.logger.Error("failed to persist rule set", "scope", scope, "op", op, "err", err)
		var perr *rules.PersistenceError
		if !errors.As(err, &perr) {
			err = &rules.PersistenceError{Op: "replace", Scope: scope, Err: err}
		}
		return nil, err
	}

	d.Publish(next)
	ruleMutationCount.WithLabelValues(op).Inc()
	m.logger.Info("rule set changed", "scope", scope, "op", op, "version", next.Version(), "rules", next.Len())
	return next, nil
}

func definitionError(id string, err error) error {
	var derr *rules.DefinitionError
	if errors.As(err, &derr) {
		return err
	}
	return &rules.DefinitionError{RuleID: id, Err: err}
}

// AddRule appends a rule to the guild's set
func (m *Manager) AddRule(ctx context.Context, scope string, r *rules.Rule) error {
	r = r.Clone()
	now := m.now().UTC()
	if r.Metadata.CreatedAt.IsZero() {
		r.Metadata.CreatedAt = now
	}
	r.Metadata.ModifiedAt = now

	_, err := m.mutate(ctx, scope, "add", func(rs *rules.RuleSet) (*rules.RuleSet, error) {
		if _, exists := rs.Get(r.ID); exists {
			return nil, fmt.Errorf("%w: %s", ErrRuleExists, r.ID)
		}
		next, err := rs.With(r)
		if err != nil {
			return nil, definitionError(r.ID, err)
		}
		return next, nil
	})
	return err
}

// UpdateRule replaces a rule wholesale, keeping its position. The trigger
// of an existing rule cannot change.
func (m *Manager) UpdateRule(ctx context.Context, scope string, r *rules.Rule) error {
	r = r.Clone()
	_, err := m.mutate(ctx, scope, "update", func(rs *rules.RuleSet) (*rules.RuleSet, error) {
		current, ok := rs.Get(r.ID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, r.ID)
		}
		if current.Trigger != r.Trigger {
			return nil, fmt.Errorf("%w: trigger", ErrUnmodifiableField)
		}
		r.Metadata.CreatedAt = current.Metadata.CreatedAt
		r.Metadata.ModifiedAt = m.now().UTC()
		next, err := rs.Replace(r)
		if err != nil {
			return nil, definitionError(r.ID, err)
		}
		return next, nil
	})
	return err
}

// ModifyRule merges changes into a rule's document. Top-level keys replace
// the current value and a null removes it. id and trigger may be repeated
// but not changed.
func (m *Manager) ModifyRule(ctx context.Context, scope, id string, changes map[string]json.RawMessage) (*rules.Rule, error) {
	var modified *rules.Rule
	_, err := m.mutate(ctx, scope, "modify", func(rs *rules.RuleSet) (*rules.RuleSet, error) {
		current, ok := rs.Get(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
		}

		data, err := json.Marshal(current)
		if err != nil {
			return nil, err
		}
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}

		for key, value := range changes {
			switch key {
			case "id", "trigger":
				var s string
				if err := json.Unmarshal(value, &s); err != nil || string(doc[key]) != string(mustJSON(s)) {
					return nil, fmt.Errorf("%w: %s", ErrUnmodifiableField, key)
				}
				continue
			}
			if string(value) == "null" {
				delete(doc, key)
				continue
			}
			doc[key] = value
		}

		merged, err := json.Marshal(doc)
		if err != nil {
			return nil, err
		}
		r, err := rules.ParseRule(merged)
		if err != nil {
			return nil, err
		}
		r.Metadata.CreatedAt = current.Metadata.CreatedAt
		r.Metadata.ModifiedAt = m.now().UTC()

		next, err := rs.Replace(r)
		if err != nil {
			return nil, definitionError(id, err)
		}
		modified = r
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return modified, nil
}

func mustJSON(s string) []byte {
	b, _ := json.Marshal(s)
	return b
}

// RemoveRule deletes a rule
func (m *Manager) RemoveRule(ctx context.Context, scope, id string) error {
	_, err := m.mutate(ctx, scope, "remove", func(rs *rules.RuleSet) (*rules.RuleSet, error) {
		if _, ok := rs.Get(id); !ok {
			return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
		}
		return rs.Without(id)
	})
	return err
}

// SetEnabled turns a rule on or off
func (m *Manager) SetEnabled(ctx context.Context, scope, id string, enabled bool) (*rules.Rule, error) {
	next, err := m.mutate(ctx, scope, "enable", func(rs *rules.RuleSet) (*rules.RuleSet, error) {
		if _, ok := rs.Get(id); !ok {
			return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
		}
		return rs.SetEnabled(id, enabled, m.now().UTC())
	})
	if err != nil {
		return nil, err
	}
	r, _ := next.Get(id)
	return r, nil
}

// ReplaceRuleSet swaps the whole rule set of a guild
func (m *Manager) ReplaceRuleSet(ctx context.Context, scope string, list []*rules.Rule) (*rules.RuleSet, error) {
	return m.mutate(ctx, scope, "replace", func(rs *rules.RuleSet) (*rules.RuleSet, error) {
		next, err := rules.NewRuleSet(scope, list)
		if err != nil {
			return nil, definitionError("", err)
		}
		return next.WithVersion(rs.Version() + 1), nil
	})
}

// Shutdown stops accepting events and waits for every guild's in-flight
// dispatches
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight events: %w", ctx.Err())
	}

	var errs []error
	m.dispatchers.Range(func(scope string, d *engine.Dispatcher) bool {
		if err := d.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("scope %s: %w", scope, err))
		}
		return true
	})
	return errors.Join(errs...)
}
