package pool

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sx2000cn/antigravity-pool/internal/logging"
)

// Settings is the pool-relevant slice of the on-disk configuration.
type Settings struct {
	SchedulingMode string `json:"schedulingMode,omitempty"`
}

// StoredState is the accounts file as written by the external onboarding
// flow: the account list, settings, and the sticky active index.
type StoredState struct {
	Accounts    []*Account `json:"accounts"`
	Settings    Settings   `json:"settings"`
	ActiveIndex int        `json:"activeIndex"`
}

// Storage reads and writes the accounts file.
type Storage struct {
	path string
}

// NewStorage creates storage for the given accounts file path.
func NewStorage(path string) *Storage {
	return &Storage{path: path}
}

// Load reads the accounts file. A missing file yields an empty state.
func (s *Storage) Load() (*StoredState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &StoredState{ActiveIndex: -1}, nil
		}
		return nil, err
	}

	state := &StoredState{ActiveIndex: -1}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}
	return state, nil
}

// Save writes the state atomically via a temp file rename.
func (s *Storage) Save(state *StoredState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Watch reloads the accounts file whenever an external writer changes it
// and hands the fresh state to onChange. Runs until the watcher fails or
// the process exits; watch errors only log.
func (s *Storage) Watch(onChange func(*StoredState)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: editors and atomic writers replace the file,
	// which would drop a file-level watch.
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	log := logging.For("AccountStorage")
	go func() {
		defer watcher.Close()

		var pending *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				// Debounce bursts from atomic rename writes.
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(200*time.Millisecond, func() {
					state, err := s.Load()
					if err != nil {
						log.Warn().Err(err).Msg("reload failed")
						return
					}
					log.Info().Int("accounts", len(state.Accounts)).Msg("accounts file changed, reloading")
					onChange(state)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("watch error")
			}
		}
	}()

	return nil
}
