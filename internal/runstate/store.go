// Package runstate persists the single in-flight RunState of a project.
//
// The state lives in one JSON document. Every Save writes the whole document
// to a temporary file in the same directory and renames it over the previous
// one, so a reader (or a resume after a kill) sees either the old or the new
// state, never a torn write.
package runstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mpataki/sprinter/internal/models"
)

var (
	// ErrNoRunState is returned by Load when nothing is persisted.
	ErrNoRunState = errors.New("no run state")

	// ErrCorrupt is returned by Load when the persisted document cannot be
	// decoded or does not describe a valid run. Clear still removes it.
	ErrCorrupt = errors.New("run state is corrupt")
)

// Store is the contract the sequencers and the resume controller use.
type Store interface {
	Save(state *models.RunState) error
	Load() (*models.RunState, error)
	Clear() error
}

// FileStore keeps the run state at a fixed project-local path.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Save(state *models.RunState) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("refusing to save run state: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write run state: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write run state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync run state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write run state: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace run state: %w", err)
	}
	return nil
}

func (s *FileStore) Load() (*models.RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoRunState
		}
		return nil, fmt.Errorf("failed to read run state: %w", err)
	}

	var state models.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, s.path, err)
	}
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, s.path, err)
	}
	return &state, nil
}

func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear run state: %w", err)
	}
	return nil
}

// MemoryStore holds the state in memory. Dry runs use it so a preview never
// touches the persisted run.
type MemoryStore struct {
	mu    sync.Mutex
	state *models.RunState
	saves int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(state *models.RunState) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("refusing to save run state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state.Clone()
	s.saves++
	return nil
}

func (s *MemoryStore) Load() (*models.RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, ErrNoRunState
	}
	return s.state.Clone(), nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nil
	return nil
}

// Saves returns how many times Save succeeded.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
