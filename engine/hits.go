package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"
)

// HitCounter counts how often each rule fired
type HitCounter interface {
	Increment(ctx context.Context, scope, ruleID string) error
	Get(ctx context.Context, scope, ruleID string) (int64, error)
}

// MemHitCounter keeps counts in process memory
type MemHitCounter struct {
	counts *xsync.MapOf[string, *xsync.Counter]
}

func NewMemHitCounter() *MemHitCounter {
	return &MemHitCounter{
		counts: xsync.NewMapOf[string, *xsync.Counter](),
	}
}

func hitKey(scope, ruleID string) string {
	return scope + "/" + ruleID
}

func (m *MemHitCounter) Increment(ctx context.Context, scope, ruleID string) error {
	c, _ := m.counts.LoadOrCompute(hitKey(scope, ruleID), func() *xsync.Counter {
		return xsync.NewCounter()
	})
	c.Inc()
	return nil
}

func (m *MemHitCounter) Get(ctx context.Context, scope, ruleID string) (int64, error) {
	c, ok := m.counts.Load(hitKey(scope, ruleID))
	if !ok {
		return 0, nil
	}
	return c.Value(), nil
}

// RedisHitCounter keeps one hash per scope, field per rule
type RedisHitCounter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisHitCounter(client redis.UniversalClient, prefix string) *RedisHitCounter {
	if prefix == "" {
		prefix = "automod"
	}
	return &RedisHitCounter{client: client, prefix: prefix}
}

func (r *RedisHitCounter) key(scope string) string {
	return r.prefix + "/hits/" + scope
}

func (r *RedisHitCounter) Increment(ctx context.Context, scope, ruleID string) error {
	if err := r.client.HIncrBy(ctx, r.key(scope), ruleID, 1).Err(); err != nil {
		return fmt.Errorf("failed to increment hits: %w", err)
	}
	return nil
}

func (r *RedisHitCounter) Get(ctx context.Context, scope, ruleID string) (int64, error) {
	n, err := r.client.HGet(ctx, r.key(scope), ruleID).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read hits: %w", err)
	}
	return n, nil
}

// PostgresHitCounter upserts into the rule_hits table
type PostgresHitCounter struct {
	db *sql.DB
}

func NewPostgresHitCounter(db *sql.DB) *PostgresHitCounter {
	return &PostgresHitCounter{db: db}
}

func (p *PostgresHitCounter) Increment(ctx context.Context, scope, ruleID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rule_hits (scope, rule_id, hits, last_hit_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (scope, rule_id) DO UPDATE
		SET hits = rule_hits.hits + 1,
		    last_hit_at = NOW()
	`, scope, ruleID)
	if err != nil {
		return fmt.Errorf("failed to increment hits: %w", err)
	}
	return nil
}

func (p *PostgresHitCounter) Get(ctx context.Context, scope, ruleID string) (int64, error) {
	var hits int64
	err := p.db.QueryRowContext(ctx, `
		SELECT hits
		FROM rule_hits
		WHERE scope = $1 AND rule_id = $2
	`, scope, ruleID).Scan(&hits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read hits: %w", err)
	}
	return hits, nil
}
