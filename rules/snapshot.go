package rules

import (
	"sync/atomic"
	"time"
)

// Snapshot holds the currently published RuleSet of a scope. Readers load
// it without locking; writers publish a complete replacement.
type Snapshot struct {
	current     atomic.Pointer[RuleSet]
	publishedAt atomic.Int64
}

// NewSnapshot publishes an initial set
func NewSnapshot(rs *RuleSet) *Snapshot {
	s := &Snapshot{}
	s.Publish(rs)
	return s
}

// Load returns the published set. The set is immutable, so it stays valid
// for the caller even if a newer one is published meanwhile.
func (s *Snapshot) Load() *RuleSet {
	return s.current.Load()
}

// Publish atomically replaces the set seen by subsequent Loads
func (s *Snapshot) Publish(rs *RuleSet) {
	s.current.Store(rs)
	s.publishedAt.Store(time.Now().UnixNano())
}

// PublishedAt reports when the current set was published
func (s *Snapshot) PublishedAt() time.Time {
	return time.Unix(0, s.publishedAt.Load())
}
