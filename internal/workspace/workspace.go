package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager owns bot-specific working directories under a common root.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Path returns the directory used for identifier without touching the filesystem.
func (m *Manager) Path(identifier string) (string, error) {
	if err := checkIdentifier(identifier); err != nil {
		return "", err
	}
	return filepath.Join(m.root, identifier), nil
}

// Prepare wipes and recreates the directory for identifier.
func (m *Manager) Prepare(identifier string) (string, error) {
	dir, err := m.Path(identifier)
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes the workspace directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	// Only directories strictly inside the root may be removed.
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// CleanupByID removes the workspace associated with the provided identifier.
func (m *Manager) CleanupByID(identifier string) error {
	dir, err := m.Path(identifier)
	if err != nil {
		return err
	}
	return m.Cleanup(dir)
}

func checkIdentifier(identifier string) error {
	if identifier == "" {
		return fmt.Errorf("workspace identifier cannot be empty")
	}
	if identifier == "." || identifier == ".." || strings.ContainsAny(identifier, `/\`) {
		return fmt.Errorf("invalid workspace identifier %q", identifier)
	}
	return nil
}
