// Package workspace allocates and destroys the scratch directories jobs run in.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultPrefix is the name prefix of every job directory.
const DefaultPrefix = "rp2g-"

// ErrRemoved is returned by Dir.Remove after the directory has already been removed.
var ErrRemoved = errors.New("working directory already removed")

// Manager creates job directories below a root directory.
type Manager struct {
	root   string
	prefix string
}

// NewManager returns a Manager rooted at root. An empty root selects os.TempDir().
func NewManager(root, prefix string) *Manager {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Manager{root: root, prefix: prefix}
}

// Create allocates a new, empty, uniquely named directory.
func (m *Manager) Create() (*Dir, error) {
	path, err := os.MkdirTemp(m.root, m.prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("creating working directory: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = os.RemoveAll(path)
		return nil, fmt.Errorf("resolving working directory: %w", err)
	}
	return &Dir{path: abs}, nil
}

// Sweep removes directories left behind under the root by a previous process.
// It must only be used on a root dedicated to this server.
func (m *Manager) Sweep() (int, error) {
	root := m.root
	if root == "" {
		return 0, errors.New("refusing to sweep the shared temp directory")
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, fmt.Errorf("reading work root: %w", err)
	}

	var (
		removed int
		errs    []error
	)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), m.prefix) {
			continue
		}
		path := filepath.Join(root, e.Name())
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, err)
			continue
		}
		slog.Info("removed stale working directory", "workdir", path)
		removed++
	}
	return removed, errors.Join(errs...)
}

// Dir is a job working directory. It is removed at most once.
type Dir struct {
	path string

	mu      sync.Mutex
	removed bool
}

// Path returns the absolute path of the directory.
func (d *Dir) Path() string {
	return d.path
}

// Remove deletes the directory and everything in it.
// Only the first call does any work; later calls return ErrRemoved.
func (d *Dir) Remove() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed {
		return ErrRemoved
	}
	d.removed = true
	if err := os.RemoveAll(d.path); err != nil {
		return fmt.Errorf("removing working directory: %w", err)
	}
	return nil
}
