package templates

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Sandbox pins the template library to one directory tree. Every file the
// loader touches is resolved through it, so a symlinked .sql file cannot pull
// SQL from outside the configured folder.
type Sandbox struct {
	root string
}

// NewSandbox canonicalizes root and verifies it is an existing directory.
func NewSandbox(root string) (*Sandbox, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("templates: empty template root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("templates: absolute root: %w", err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: resolve root symlinks: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: inspect root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("templates: template root %q is not a directory", abs)
	}
	return &Sandbox{root: abs}, nil
}

// Root returns the canonical sandbox directory.
func (s *Sandbox) Root() string { return s.root }

// Resolve canonicalizes path, relative paths being taken from the root, and
// verifies the result stays inside the sandbox. Containment is checked both
// before and after symlink resolution, so neither ".." segments nor links
// reaching outside the root ever resolve.
func (s *Sandbox) Resolve(path string) (string, error) {
	if s == nil {
		return "", errors.New("templates: nil sandbox")
	}
	candidate := filepath.Clean(path)
	if candidate == "." || candidate == "" {
		return s.root, nil
	}
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.root, candidate)
	}
	if !s.within(candidate) {
		return "", fmt.Errorf("templates: %q escapes the template root", path)
	}
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", fmt.Errorf("templates: resolve %q: %w", path, err)
	}
	if !s.within(resolved) {
		return "", fmt.Errorf("templates: %q escapes the template root", path)
	}
	return resolved, nil
}

// within reports whether the absolute path sits inside the root. Comparison
// is case-insensitive on Windows to match the filesystem.
func (s *Sandbox) within(candidate string) bool {
	root, probe := s.root, candidate
	if runtime.GOOS == "windows" {
		root = strings.ToLower(root)
		probe = strings.ToLower(probe)
	}
	if probe == root {
		return true
	}
	sep := string(os.PathSeparator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	return strings.HasPrefix(probe, root)
}
