package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/moby/sys/atomicwriter"
)

// OptionsFileName is the persisted per-model options file under the cache
// directory.
const OptionsFileName = "recipe_options.json"

// OptionsStore persists saved per-model option overrides as a flat
// model_name → {option → value} JSON map. Writes are atomic so a crash never
// leaves a torn file behind.
type OptionsStore struct {
	mu   sync.Mutex
	path string
}

// NewOptionsStore returns a store rooted at the given cache directory.
func NewOptionsStore(cacheDir string) *OptionsStore {
	return &OptionsStore{path: filepath.Join(cacheDir, OptionsFileName)}
}

// Load returns the saved overrides for every model. A missing file is an
// empty store, not an error.
func (s *OptionsStore) Load() (map[string]Bag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Get returns the saved overrides for one model, or an empty bag.
func (s *OptionsStore) Get(modelName string) (Bag, error) {
	all, err := s.Load()
	if err != nil {
		return nil, err
	}
	if bag, ok := all[modelName]; ok {
		return bag, nil
	}
	return Bag{}, nil
}

// Save replaces the saved overrides for one model. An empty bag removes the
// model's entry.
func (s *OptionsStore) Save(modelName string, bag Bag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadLocked()
	if err != nil {
		return err
	}
	if len(bag) == 0 {
		delete(all, modelName)
	} else {
		all[modelName] = bag
	}
	return s.writeLocked(all)
}

// Delete removes the saved overrides for one model, if present.
func (s *OptionsStore) Delete(modelName string) error {
	return s.Save(modelName, nil)
}

func (s *OptionsStore) loadLocked() (map[string]Bag, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]Bag{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", s.path, err)
	}
	all := map[string]Bag{}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", s.path, err)
	}
	return all, nil
}

func (s *OptionsStore) writeLocked(all map[string]Bag) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return atomicwriter.WriteFile(s.path, data, 0o644)
}
