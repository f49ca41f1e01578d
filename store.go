package curlstep

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store is the key/value source that template markers are resolved against.
// It is populated by the surrounding test framework before any request is
// built; the resolver only reads from it.
type Store interface {
	Get(key string) (string, bool)
}

// MapStore is an in-memory Store safe for concurrent use.
type MapStore struct {
	mu   sync.RWMutex
	vars map[string]string
}

// NewMapStore creates a MapStore holding a copy of vars.
func NewMapStore(vars map[string]string) *MapStore {
	s := &MapStore{vars: make(map[string]string, len(vars))}
	for k, v := range vars {
		s.vars[k] = v
	}
	return s
}

// Get implements Store.
func (s *MapStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[key]
	return v, ok
}

// Set stores value under key, replacing any previous value.
func (s *MapStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vars == nil {
		s.vars = make(map[string]string)
	}
	s.vars[key] = value
}

// Delete removes key from the store.
func (s *MapStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vars, key)
}

// Keys returns the stored keys in sorted order.
func (s *MapStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.vars))
	for k := range s.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *MapStore) merge(vars map[string]string) {
	for k, v := range vars {
		s.Set(k, v)
	}
}

// EnvStore reads variables from the process environment.
type EnvStore struct{}

// Get implements Store.
func (EnvStore) Get(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Stores chains several stores. Get returns the first present, non-empty
// value in order, so earlier stores take precedence.
type Stores []Store

// Get implements Store.
func (ss Stores) Get(key string) (string, bool) {
	for _, s := range ss {
		if s == nil {
			continue
		}
		if v, ok := s.Get(key); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// LoadDotEnv reads the given .env files into a new MapStore. Later files
// override earlier ones. Every file that fails to load is reported in the
// returned error; the values of the files that did load are still returned.
func LoadDotEnv(paths ...string) (*MapStore, error) {
	store := NewMapStore(nil)
	var multiErr *multierror.Error
	for _, p := range paths {
		vars, err := godotenv.Read(p)
		if err != nil {
			multiErr = multierror.Append(multiErr, fmt.Errorf("failed to read env file %s: %w", p, err))
			continue
		}
		store.merge(vars)
	}
	return store, multiErr.ErrorOrNil()
}

// LoadYAML reads a YAML mapping into a new MapStore. Scalars keep their
// textual form. Nested mappings and sequences are stored as JSON text so they
// come back as structured data when substituted.
func LoadYAML(path string) (*MapStore, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vars file %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse vars file %s: %w", path, err)
	}

	store := NewMapStore(nil)
	for k, v := range raw {
		text, err := yamlValueText(v)
		if err != nil {
			return nil, fmt.Errorf("vars file %s: key %q: %w", path, k, err)
		}
		store.Set(k, text)
	}
	return store, nil
}

func yamlValueText(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return fmt.Sprint(t), nil
	}
}
