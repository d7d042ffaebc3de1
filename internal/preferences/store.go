// Package preferences persists confirmation choices in a YAML file shared by
// every runctl process of the user.
package preferences

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"github.com/kandev/runctl/internal/execution"
)

type document struct {
	// Confirmations maps a confirmation kind to whether it is still asked.
	Confirmations map[string]bool `yaml:"confirmations"`
}

// FileStore is an execution.PreferenceStore backed by a YAML file. Writes
// take an advisory lock next to the file and merge with what is on disk.
type FileStore struct {
	path string
	lock *flock.Flock

	mu    sync.RWMutex
	cache map[string]bool
}

var _ execution.PreferenceStore = (*FileStore)(nil)

// Open loads path. A missing file means every confirmation is asked.
func Open(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("preferences path is required")
	}
	s := &FileStore{path: path, lock: flock.New(path + ".lock")}
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	s.cache = doc.Confirmations
	return s, nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) RequiresConfirmation(kind execution.ConfirmKind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	required, ok := s.cache[string(kind)]
	return !ok || required
}

func (s *FileStore) SetRequiresConfirmation(kind execution.ConfirmKind, required bool) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create preferences dir: %w", err)
	}
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock preferences: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	doc, err := s.read()
	if err != nil {
		return err
	}
	doc.Confirmations[string(kind)] = required
	if err := s.write(doc); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache = doc.Confirmations
	s.mu.Unlock()
	return nil
}

func (s *FileStore) read() (document, error) {
	doc := document{Confirmations: map[string]bool{}}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("read preferences: %w", err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse preferences %s: %w", s.path, err)
	}
	if doc.Confirmations == nil {
		doc.Confirmations = map[string]bool{}
	}
	return doc, nil
}

func (s *FileStore) write(doc document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace preferences: %w", err)
	}
	return nil
}
