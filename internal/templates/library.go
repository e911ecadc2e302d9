// Package templates manages the saved-query library: named SQL templates
// loaded from a sandboxed folder and rendered with caller parameters before
// fingerprinting and execution.
package templates

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// ErrNotFound signals that no template with the requested name is loaded.
var ErrNotFound = errors.New("templates: template not found")

// Library holds the named SQL templates found under the sandbox root. A
// template's name is its path relative to the root with the .sql extension
// removed, so reports/daily.sql renders as reports/daily. The library is
// safe for concurrent use; Reload swaps the whole set atomically.
type Library struct {
	sandbox *Sandbox
	funcs   template.FuncMap

	mu  sync.RWMutex
	set map[string]*template.Template
}

// NewLibrary loads every .sql file under the sandbox root. Sprig helpers are
// available inside templates except the environment and filesystem functions,
// which have no business in SQL generation.
func NewLibrary(sandbox *Sandbox) (*Library, error) {
	if sandbox == nil {
		return nil, errors.New("templates: library requires a sandbox")
	}
	funcs := sprig.TxtFuncMap()
	restricted := []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	}
	for _, name := range restricted {
		delete(funcs, name)
	}

	l := &Library{sandbox: sandbox, funcs: funcs}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload re-walks the sandbox root and swaps in the freshly parsed set. Any
// file failing to parse aborts the reload and leaves the previous set
// serving, so a half-edited template never shadows a working one.
func (l *Library) Reload() error {
	root := l.sandbox.Root()
	next := make(map[string]*template.Template)

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".sql") {
			return nil
		}
		resolved, err := l.sandbox.Resolve(path)
		if err != nil {
			return err
		}
		contents, err := os.ReadFile(resolved) // #nosec G304 -- resolved stays inside the sandbox root
		if err != nil {
			return fmt.Errorf("templates: read %q: %w", path, err)
		}
		rel, err := filepath.Rel(root, resolved)
		if err != nil {
			return fmt.Errorf("templates: relativize %q: %w", path, err)
		}
		name := strings.TrimSuffix(filepath.ToSlash(rel), filepath.Ext(rel))
		tmpl, err := template.New(name).Funcs(l.funcs).Option("missingkey=error").Parse(string(contents))
		if err != nil {
			return fmt.Errorf("templates: compile %q: %w", name, err)
		}
		next[name] = tmpl
		return nil
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.set = next
	l.mu.Unlock()
	return nil
}

// Render executes the named template with the supplied parameters. A
// parameter the template references but the caller omitted fails the render
// instead of leaking "<no value>" into SQL.
func (l *Library) Render(name string, params map[string]any) (string, error) {
	l.mu.RLock()
	tmpl := l.set[name]
	l.mu.RUnlock()
	if tmpl == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if params == nil {
		params = map[string]any{}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", name, err)
	}
	return buf.String(), nil
}

// Names lists the loaded template names in sorted order.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.set))
	for name := range l.set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sandbox exposes the library's sandbox primarily for observability and
// testing.
func (l *Library) Sandbox() *Sandbox { return l.sandbox }
