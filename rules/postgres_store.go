package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore keeps each scope's rule set as one JSONB document
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed Store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Load reads the document for scope
func (s *PostgresStore) Load(ctx context.Context, scope string) (*RuleSet, error) {
	var document []byte
	var version int64
	err := s.db.QueryRowContext(ctx, `
		SELECT document, version
		FROM rule_sets
		WHERE scope = $1
	`, scope).Scan(&document, &version)

	if errors.Is(err, sql.ErrNoRows) {
		return EmptyRuleSet(scope), nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load", Scope: scope, Err: fmt.Errorf("failed to query rule set: %w", err)}
	}

	rs, err := DecodeRuleSet(scope, document)
	if err != nil {
		return nil, &PersistenceError{Op: "load", Scope: scope, Err: err}
	}
	return rs.WithVersion(version), nil
}

// Replace upserts the whole document in a single statement, so readers see
// either the old set or the new one
func (s *PostgresStore) Replace(ctx context.Context, scope string, rs *RuleSet) error {
	document, err := rs.MarshalJSON()
	if err != nil {
		return &PersistenceError{Op: "replace", Scope: scope, Err: err}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO rule_sets (scope, document, version, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (scope) DO UPDATE
		SET document = EXCLUDED.document,
		    version = EXCLUDED.version,
		    updated_at = NOW()
	`, scope, string(document), rs.Version())
	if err != nil {
		return &PersistenceError{Op: "replace", Scope: scope, Err: fmt.Errorf("failed to upsert rule set: %w", err)}
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return &PersistenceError{Op: "replace", Scope: scope, Err: fmt.Errorf("failed to get rows affected: %w", err)}
	}
	if rowsAffected == 0 {
		return &PersistenceError{Op: "replace", Scope: scope, Err: fmt.Errorf("no rows written")}
	}

	return nil
}

// Scopes lists every stored scope
func (s *PostgresStore) Scopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope
		FROM rule_sets
		ORDER BY scope ASC
	`)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Scope: "*", Err: fmt.Errorf("failed to list scopes: %w", err)}
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, &PersistenceError{Op: "list", Scope: "*", Err: fmt.Errorf("failed to scan scope: %w", err)}
		}
		scopes = append(scopes, scope)
	}

	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "list", Scope: "*", Err: fmt.Errorf("error iterating scopes: %w", err)}
	}

	return scopes, nil
}
