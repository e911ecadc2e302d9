package templates

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow batches bursts of filesystem events (editors often write a
// file several times in quick succession) into one reload.
const debounceWindow = 25 * time.Millisecond

// Watcher monitors the sandbox root and reloads the library whenever template
// files change. Stop must be called to release filesystem resources.
type Watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

func isTemplateFile(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".sql")
}

// watchState owns one fsnotify session. Directory registration happens on the
// Watch caller's goroutine before run starts; after that only the run
// goroutine touches the state.
type watchState struct {
	lib      *Library
	fs       *fsnotify.Watcher
	onReload func()
	onError  func(error)
	watched  map[string]struct{}
}

// Watch wires fsnotify around the sandbox root and reloads the library on any
// relevant change. onReload fires after each successful reload, onError after
// each failure; both are optional. The returned Watcher is already armed:
// every directory under the root is registered before Watch returns.
func (l *Library) Watch(ctx context.Context, onReload func(), onError func(error)) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("templates: watch: %w", err)
	}

	state := &watchState{
		lib:      l,
		fs:       fs,
		onReload: onReload,
		onError:  onError,
		watched:  map[string]struct{}{},
	}

	// Pick up edits that landed between library construction and now.
	if err := l.Reload(); err != nil {
		state.closeFS()
		return nil, err
	}
	state.watchTree(l.sandbox.Root())

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go state.run(watchCtx, done)

	return &Watcher{cancel: cancel, done: done}, nil
}

func (s *watchState) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.closeFS()

	// A fresh time.After per event restarts the debounce window; stale
	// timers fire into a channel nothing selects on anymore.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-pending:
			pending = nil
			s.reload()
		case event, ok := <-s.fs.Events:
			if !ok {
				return
			}
			if s.noteEvent(event) {
				pending = time.After(debounceWindow)
			}
		case err, ok := <-s.fs.Errors:
			if !ok {
				return
			}
			s.fail(fmt.Errorf("templates: watch error: %w", err))
		}
	}
}

// noteEvent registers newly created directories and reports whether the event
// concerns a template file and should schedule a reload.
func (s *watchState) noteEvent(event fsnotify.Event) bool {
	name := filepath.Clean(event.Name)
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			s.watchDir(name)
			return false
		}
	}
	return isTemplateFile(name)
}

func (s *watchState) reload() {
	if err := s.lib.Reload(); err != nil {
		s.fail(err)
		return
	}
	if s.onReload != nil {
		s.onReload()
	}
}

func (s *watchState) watchDir(dir string) {
	dir = filepath.Clean(dir)
	if _, ok := s.watched[dir]; ok {
		return
	}
	if err := s.fs.Add(dir); err != nil {
		s.fail(fmt.Errorf("templates: watch add %s: %w", dir, err))
		return
	}
	s.watched[dir] = struct{}{}
}

func (s *watchState) watchTree(root string) {
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			s.fail(fmt.Errorf("templates: watch %s: %w", path, walkErr))
			return nil
		}
		if d.IsDir() {
			s.watchDir(path)
		}
		return nil
	})
	if err != nil {
		s.fail(fmt.Errorf("templates: watch %s: %w", root, err))
	}
}

func (s *watchState) fail(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}

func (s *watchState) closeFS() {
	if err := s.fs.Close(); err != nil {
		s.fail(fmt.Errorf("templates: watch close: %w", err))
	}
}
