package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/stenjo/esp-ota-server/internal/domain"
)

// ErrUnknownProject indicates a name with no registry entry. It is distinct
// from any fetch failure: the project was never registered.
var ErrUnknownProject = errors.New("registry: unknown project")

// Registry resolves project names to remote source locators. The backing
// file is read at startup and on explicit Reload; resolution is read-only.
type Registry struct {
	path string

	mu      sync.RWMutex
	entries map[string]string
}

// Load reads the projects file, a JSON object of name to source locator.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the projects file and swaps the mapping atomically. A
// failed reload leaves the previous mapping in place.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read projects file: %w", err)
	}
	entries := make(map[string]string)
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse projects file %s: %w", r.path, err)
	}
	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return nil
}

// Resolve looks up a project by exact name.
func (r *Registry) Resolve(name string) (domain.ProjectEntry, error) {
	r.mu.RLock()
	locator, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return domain.ProjectEntry{}, fmt.Errorf("%w: %s", ErrUnknownProject, name)
	}
	return domain.ProjectEntry{Name: name, SourceLocator: locator}, nil
}

// Names returns all registered project names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
