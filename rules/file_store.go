package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore keeps one document per scope in a directory. Scopes may be
// written as <scope>.json or <scope>.yaml; replacements are always written
// as JSON via a temporary file and rename.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create rules directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(scope, ext string) string {
	return filepath.Join(s.dir, scope+ext)
}

// Load reads <scope>.json, falling back to <scope>.yaml and <scope>.yml
func (s *FileStore) Load(ctx context.Context, scope string) (*RuleSet, error) {
	if err := ValidateIdentifier(scope); err != nil {
		return nil, &PersistenceError{Op: "load", Scope: scope, Err: err}
	}

	for _, ext := range []string{".json", ".yaml", ".yml"} {
		data, err := os.ReadFile(s.path(scope, ext))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, &PersistenceError{Op: "load", Scope: scope, Err: err}
		}

		var rules []*Rule
		if ext == ".json" {
			rules, err = ParseRules(data)
		} else {
			rules, err = ParseRulesYAML(data)
		}
		if err != nil {
			return nil, &PersistenceError{Op: "load", Scope: scope, Err: err}
		}
		rs, err := NewRuleSet(scope, rules)
		if err != nil {
			return nil, &PersistenceError{Op: "load", Scope: scope, Err: err}
		}
		return rs, nil
	}

	return EmptyRuleSet(scope), nil
}

// Replace writes the set atomically and removes any YAML twin so the JSON
// document is authoritative
func (s *FileStore) Replace(ctx context.Context, scope string, rs *RuleSet) error {
	if err := ValidateIdentifier(scope); err != nil {
		return &PersistenceError{Op: "replace", Scope: scope, Err: err}
	}

	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "replace", Scope: scope, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+scope+".*.tmp")
	if err != nil {
		return &PersistenceError{Op: "replace", Scope: scope, Err: err}
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &PersistenceError{Op: "replace", Scope: scope, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &PersistenceError{Op: "replace", Scope: scope, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &PersistenceError{Op: "replace", Scope: scope, Err: err}
	}
	if err := os.Rename(tmp.Name(), s.path(scope, ".json")); err != nil {
		return &PersistenceError{Op: "replace", Scope: scope, Err: err}
	}

	for _, ext := range []string{".yaml", ".yml"} {
		_ = os.Remove(s.path(scope, ext))
	}
	return nil
}

// Scopes lists scopes with a document in the directory
func (s *FileStore) Scopes(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Scope: "*", Err: err}
	}

	seen := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ext := filepath.Ext(e.Name())
		switch ext {
		case ".json", ".yaml", ".yml":
			scope := strings.TrimSuffix(e.Name(), ext)
			if ValidateIdentifier(scope) == nil {
				seen[scope] = true
			}
		}
	}

	scopes := make([]string, 0, len(seen))
	for scope := range seen {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes, nil
}
