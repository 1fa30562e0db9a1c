package rules

import (
	"context"
	"sort"
	"sync"
)

// Store persists one rule set per scope
type Store interface {
	// Load returns the stored set, or an empty set for an unknown scope
	Load(ctx context.Context, scope string) (*RuleSet, error)

	// Replace atomically stores a complete set
	Replace(ctx context.Context, scope string, rs *RuleSet) error

	// Scopes lists the scopes that have a stored set
	Scopes(ctx context.Context) ([]string, error)
}

// MemoryStore keeps rule sets in process memory. Thread-safe.
type MemoryStore struct {
	sets map[string]*RuleSet
	mu   sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sets: make(map[string]*RuleSet),
	}
}

// Load returns the stored set or an empty one
func (s *MemoryStore) Load(ctx context.Context, scope string) (*RuleSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, &PersistenceError{Op: "load", Scope: scope, Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.sets[scope]
	if !ok {
		return EmptyRuleSet(scope), nil
	}
	return rs, nil
}

// Replace stores rs. Sets are immutable so no copy is needed.
func (s *MemoryStore) Replace(ctx context.Context, scope string, rs *RuleSet) error {
	if err := ctx.Err(); err != nil {
		return &PersistenceError{Op: "replace", Scope: scope, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sets[scope] = rs
	return nil
}

// Scopes lists stored scopes in sorted order
func (s *MemoryStore) Scopes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scopes := make([]string, 0, len(s.sets))
	for scope := range s.sets {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes, nil
}
