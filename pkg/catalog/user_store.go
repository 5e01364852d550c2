package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/moby/sys/atomicwriter"

	"github.com/lemonade-sdk/lemonade/pkg/config"
)

// UserModelsFileName is the persisted user registry under the cache directory.
const UserModelsFileName = "user_models.json"

// UserModel is one user-registered entry as persisted on disk.
type UserModel struct {
	Checkpoint string   `json:"checkpoint"`
	Recipe     string   `json:"recipe"`
	Labels     []string `json:"labels,omitempty"`
	MMProj     string   `json:"mmproj,omitempty"`
	Source     string   `json:"source,omitempty"`
}

// UserStore persists user-registered models as a model_name → UserModel map.
// Writes are atomic; repeated register/delete/register cycles with the same
// inputs reproduce identical file contents.
type UserStore struct {
	mu   sync.Mutex
	path string
}

// NewUserStore returns a store rooted at the cache directory.
func NewUserStore(cacheDir string) *UserStore {
	return &UserStore{path: filepath.Join(cacheDir, UserModelsFileName)}
}

// Load returns all user-registered models. A missing file is an empty map.
func (s *UserStore) Load() (map[string]UserModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Register validates and persists one user model. The name must carry the
// user. prefix and must not collide with the reserved extra. prefix.
func (s *UserStore) Register(name string, entry UserModel) error {
	if !strings.HasPrefix(name, UserPrefix) {
		return fmt.Errorf("user model name %q must start with %q", name, UserPrefix)
	}
	if strings.Contains(name, ExtraPrefix) {
		return fmt.Errorf("user model name %q may not contain the reserved %q prefix", name, ExtraPrefix)
	}
	if entry.Checkpoint == "" {
		return fmt.Errorf("user model %q has no checkpoint", name)
	}
	if entry.Recipe == "" {
		return fmt.Errorf("user model %q has no recipe", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadLocked()
	if err != nil {
		return err
	}
	all[name] = entry
	return s.writeLocked(all)
}

// Delete removes one user model. Removing an absent name is a no-op.
func (s *UserStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadLocked()
	if err != nil {
		return err
	}
	if _, ok := all[name]; !ok {
		return nil
	}
	delete(all, name)
	return s.writeLocked(all)
}

// Models converts the persisted entries to catalogue form.
func (s *UserStore) Models() ([]ModelInfo, error) {
	all, err := s.Load()
	if err != nil {
		return nil, err
	}
	models := make([]ModelInfo, 0, len(all))
	for name, entry := range all {
		info := ModelInfo{
			ModelName:   name,
			Checkpoints: map[string]string{RoleMain: entry.Checkpoint},
			Recipe:      entry.Recipe,
			Labels:      entry.Labels,
			Type:        DeriveType(entry.Labels, entry.Recipe),
			Device:      DeriveDevice(entry.Recipe),
			Source:      entry.Source,
			RecipeOptions: config.Bag{},
		}
		if entry.MMProj != "" {
			info.Checkpoints[RoleMMProj] = entry.MMProj
		}
		models = append(models, info)
	}
	SortModels(models)
	return models, nil
}

func (s *UserStore) loadLocked() (map[string]UserModel, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]UserModel{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", s.path, err)
	}
	all := map[string]UserModel{}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", s.path, err)
	}
	return all, nil
}

func (s *UserStore) writeLocked(all map[string]UserModel) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return atomicwriter.WriteFile(s.path, data, 0o644)
}
