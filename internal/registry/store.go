package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/dronehub/dronehub/internal/common/logger"
)

// Store persists the registry as a single JSON document. Update is the only
// mutation path; writes are crash-safe (write-temp + rename) and serialized
// by a process-global mutex.
type Store struct {
	path   string
	mu     sync.Mutex
	logger *logger.Logger
}

// NewStore creates a store backed by the JSON document at path. The parent
// directory is created on first write.
func NewStore(path string, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}
	return &Store{
		path:   path,
		logger: log.WithFields(zap.String("component", "registry-store")),
	}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load returns a snapshot of the registry. A missing file yields an empty
// registry. Readers may see stale data between Update calls.
func (s *Store) Load() (*Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*Registry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewRegistry(), nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}

	reg := NewRegistry()
	if len(data) > 0 {
		if err := json.Unmarshal(data, reg); err != nil {
			return nil, fmt.Errorf("parse registry %s: %w", s.path, err)
		}
	}
	reg.normalize()
	return reg, nil
}

// Update runs mutator against the current registry and persists the result
// atomically. If the mutator returns an error nothing is written. Mutators
// must not depend on registry state outside the passed value.
func (s *Store) Update(mutator func(reg *Registry) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.loadLocked()
	if err != nil {
		return err
	}

	if err := mutator(reg); err != nil {
		return err
	}

	return s.persistLocked(reg)
}

// UpdateResult is Update for mutators that produce a value. The value is
// only meaningful when the returned error is nil.
func UpdateResult[T any](s *Store, mutator func(reg *Registry) (T, error)) (T, error) {
	var out T
	err := s.Update(func(reg *Registry) error {
		var err error
		out, err = mutator(reg)
		return err
	})
	return out, err
}

func (s *Store) persistLocked(reg *Registry) error {
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp registry: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace registry: %w", err)
	}

	s.logger.Debug("registry persisted", zap.Int("bytes", len(data)))
	return nil
}
