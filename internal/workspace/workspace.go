// Package workspace manages the per-session scratch directories that hold
// source files, the compiled artifact, and whatever the program writes.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrInvalidPath is returned when a file name would escape its workspace.
var ErrInvalidPath = errors.New("invalid workspace path")

// Manager creates and sweeps workspaces under a single root directory.
type Manager struct {
	root string
}

// NewManager ensures root exists and returns a manager for it.
func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute root directory.
func (m *Manager) Root() string {
	return m.root
}

// Create makes a fresh, private directory for id.
func (m *Manager) Create(id string) (*Workspace, error) {
	if err := validatePath(m.root, id); err != nil || strings.ContainsRune(id, filepath.Separator) {
		return nil, fmt.Errorf("%w: workspace id %q", ErrInvalidPath, id)
	}
	dir := filepath.Join(m.root, id)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{Dir: dir}, nil
}

// Open returns a handle for an existing workspace directory.
func (m *Manager) Open(dir string) *Workspace {
	return &Workspace{Dir: dir}
}

// Sweep removes workspace directories last modified before cutoff for which
// keep returns false. It returns the ids it removed.
func (m *Manager) Sweep(cutoff time.Time, keep func(id string) bool) ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("read workspace root: %w", err)
	}

	var removed []string
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Raced with a concurrent removal.
			continue
		}
		id := e.Name()
		if !info.ModTime().Before(cutoff) || keep(id) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, id)); err != nil {
			errs = append(errs, fmt.Errorf("remove workspace %s: %w", id, err))
			continue
		}
		removed = append(removed, id)
	}
	return removed, errors.Join(errs...)
}

// Workspace is one session's scratch directory.
type Workspace struct {
	Dir string
}

// Path returns the absolute path of name inside the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// WriteFiles writes the primary source file and any auxiliary files. Every
// auxiliary name must stay inside the workspace and must not collide with
// the primary file.
func (w *Workspace) WriteFiles(primary, code string, aux map[string]string) error {
	for name := range aux {
		if !filepath.IsLocal(name) {
			return fmt.Errorf("%w: %q", ErrInvalidPath, name)
		}
		if err := validatePath(w.Dir, name); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPath, err)
		}
		if filepath.Clean(name) == primary {
			return fmt.Errorf("%w: %q duplicates the primary source file", ErrInvalidPath, name)
		}
	}

	if err := os.WriteFile(w.Path(primary), []byte(code), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", primary, err)
	}
	for name, content := range aux {
		full := w.Path(name)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", name, err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// Remove deletes the workspace and everything in it. Removing a workspace
// that no longer exists is not an error.
func (w *Workspace) Remove() error {
	if err := os.RemoveAll(w.Dir); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

// HarvestPolicy decides which files written by a program are returned to the
// client after it finishes.
type HarvestPolicy struct {
	MaxBytes   int64
	MaxFiles   int
	Extensions []string // empty permits any extension
}

func (p HarvestPolicy) allows(name string, size int64) bool {
	if p.MaxBytes > 0 && size > p.MaxBytes {
		return false
	}
	if len(p.Extensions) == 0 {
		return true
	}
	return slices.Contains(p.Extensions, strings.ToLower(filepath.Ext(name)))
}

// Harvest collects the text files at the top level of the workspace that
// policy permits, skipping any name in exclude. Files that are not valid
// UTF-8 are skipped.
func (w *Workspace) Harvest(policy HarvestPolicy, exclude ...string) (map[string]string, error) {
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return nil, fmt.Errorf("read workspace: %w", err)
	}

	files := make(map[string]string)
	for _, e := range entries {
		if policy.MaxFiles > 0 && len(files) >= policy.MaxFiles {
			break
		}
		name := e.Name()
		if !e.Type().IsRegular() || slices.Contains(exclude, name) {
			continue
		}
		info, err := e.Info()
		if err != nil || !policy.allows(name, info.Size()) {
			continue
		}
		data, err := os.ReadFile(w.Path(name))
		if err != nil || !utf8.Valid(data) {
			continue
		}
		files[name] = string(data)
	}
	return files, nil
}

// validatePath checks that joining baseDir with relPath stays within baseDir.
func validatePath(baseDir, relPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolve base dir: %w", err)
	}
	cleaned := filepath.Clean(filepath.Join(absBase, relPath))
	if !strings.HasPrefix(cleaned, absBase+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes workspace", relPath)
	}
	return nil
}
