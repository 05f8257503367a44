// Package store persists one JSON record per instance under the data
// directory. It is pure state: nothing here starts or stops a process.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/proxyfleet/proxyfleet/internal/domain"
)

const recordSuffix = ".json"

// Store reads and writes instance records. Every write goes to a temp file
// first and is then renamed over the record, so a partial write can never
// leave a half-updated record behind.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// New creates a Store rooted at dataDir/records, ensuring the directory exists.
func New(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "records")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create records dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) recordPath(name string) string {
	return filepath.Join(s.dir, name+recordSuffix)
}

// Get returns the record for name, or a not_found error.
func (s *Store) Get(name string) (*domain.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(name)
}

func (s *Store) read(name string) (*domain.Instance, error) {
	data, err := os.ReadFile(s.recordPath(name))
	if os.IsNotExist(err) {
		return nil, domain.E(domain.ErrNotFound, fmt.Sprintf("instance %q does not exist", name))
	}
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", name, err)
	}
	var inst domain.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("unmarshal record %s: %w", name, err)
	}
	return &inst, nil
}

// List returns all records sorted by name.
func (s *Store) List() ([]*domain.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read records dir: %w", err)
	}

	var out []*domain.Instance
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordSuffix) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), recordSuffix)
		inst, err := s.read(name)
		if err != nil {
			// A record deleted between ReadDir and read is not an error.
			if domain.IsKind(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, inst)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Put persists the record, replacing any previous version atomically.
func (s *Store) Put(inst *domain.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", inst.Name, err)
	}

	tmp, err := os.CreateTemp(s.dir, inst.Name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp record: %w", err)
	}
	if err := os.Rename(tmpPath, s.recordPath(inst.Name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace record %s: %w", inst.Name, err)
	}
	return nil
}

// Delete removes the record for name, or returns a not_found error.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.recordPath(name))
	if os.IsNotExist(err) {
		return domain.E(domain.ErrNotFound, fmt.Sprintf("instance %q does not exist", name))
	}
	if err != nil {
		return fmt.Errorf("delete record %s: %w", name, err)
	}
	return nil
}

// Exists reports whether a record for name is persisted.
func (s *Store) Exists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := os.Stat(s.recordPath(name))
	return err == nil
}
