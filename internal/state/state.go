// Package state persists small provisioning facts between runs: committed
// acquisition winners and the last observed gate state.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Winner is the committed strategy for one acquisition target.
type Winner struct {
	Strategy   string    `toml:"strategy"`
	Path       string    `toml:"path"`
	AcquiredAt time.Time `toml:"acquired_at"`
}

type winnersFile struct {
	Targets map[string]Winner `toml:"targets"`
}

// Winners is a TOML-backed map of target name to committed winner.
type Winners struct {
	path string
	mu   sync.Mutex
}

func NewWinners(path string) *Winners {
	return &Winners{path: path}
}

// Get returns the committed winner for target, if any.
func (w *Winners) Get(target string) (Winner, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	file, err := w.load()
	if err != nil {
		return Winner{}, false, err
	}
	win, ok := file.Targets[target]
	return win, ok, nil
}

// All returns every committed winner.
func (w *Winners) All() (map[string]Winner, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	file, err := w.load()
	if err != nil {
		return nil, err
	}
	return file.Targets, nil
}

// Put commits win for target.
func (w *Winners) Put(target string, win Winner) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	file, err := w.load()
	if err != nil {
		return err
	}
	file.Targets[target] = win
	return writeTOML(w.path, file)
}

// Clear forgets the winner for target.
func (w *Winners) Clear(target string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	file, err := w.load()
	if err != nil {
		return err
	}
	if _, ok := file.Targets[target]; !ok {
		return nil
	}
	delete(file.Targets, target)
	return writeTOML(w.path, file)
}

func (w *Winners) load() (winnersFile, error) {
	file := winnersFile{Targets: map[string]Winner{}}
	if err := readTOML(w.path, &file); err != nil {
		return winnersFile{}, err
	}
	if file.Targets == nil {
		file.Targets = map[string]Winner{}
	}
	return file, nil
}

// GateRecord is the last gate state written by a gate evaluation.
type GateRecord struct {
	State     string    `toml:"state"`
	Reason    string    `toml:"reason"`
	Profile   string    `toml:"profile"`
	Restarts  int       `toml:"restarts"`
	PID       int       `toml:"pid"`
	UpdatedAt time.Time `toml:"updated_at"`
}

// GateFile stores a single GateRecord.
type GateFile struct {
	path string
	mu   sync.Mutex
}

func NewGateFile(path string) *GateFile {
	return &GateFile{path: path}
}

// Load returns the stored record and whether one exists.
func (g *GateFile) Load() (GateRecord, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var rec GateRecord
	if _, err := os.Stat(g.path); errors.Is(err, os.ErrNotExist) {
		return rec, false, nil
	}
	if err := readTOML(g.path, &rec); err != nil {
		return GateRecord{}, false, err
	}
	return rec, true, nil
}

func (g *GateFile) Save(rec GateRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return writeTOML(g.path, rec)
}

func readTOML(path string, out any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("state load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("state parse failed (%s): %w", path, err)
	}
	return nil
}

func writeTOML(path string, in any) error {
	data, err := toml.Marshal(in)
	if err != nil {
		return fmt.Errorf("state encode failed (%s): %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("state write failed (%s): %w", path, err)
	}
	return os.Rename(tmp, path)
}
