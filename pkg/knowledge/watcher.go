package knowledge

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const watchDebounce = 500 * time.Millisecond

// Watcher watches indexed directories for changes to supported document
// types and reports the changed paths, debounced into batches
type Watcher struct {
	fs       *fsnotify.Watcher
	logger   zerolog.Logger
	onChange func(paths []string)
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewWatcher creates a file watcher; onChange fires once per quiet period
// with every path that changed since the previous batch
func NewWatcher(logger zerolog.Logger, onChange func(paths []string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fs:       fsw,
		logger:   logger,
		onChange: onChange,
		debounce: watchDebounce,
		pending:  make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}

	go w.run()

	return w, nil
}

// Watch starts watching root and every directory below it. fsnotify watches
// are not recursive, so the tree is walked and added directory by directory.
func (w *Watcher) Watch(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fs.Add(path)
		}
		return nil
	})
}

// Stop stops the watcher; pending changes are dropped
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)

		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()

		err = w.fs.Close()
	})
	return err
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) {
				// New subdirectories need their own watch
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.Watch(event.Name)
					continue
				}
			}

			if !supportedExtensions[strings.ToLower(filepath.Ext(event.Name))] {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("File change detected")

				w.record(event.Name)
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("File watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) record(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[path] = struct{}{}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	if len(paths) == 0 {
		return
	}
	sort.Strings(paths)
	w.onChange(paths)
}

// WatchIndexed starts watching root for document changes. Changes invalidate
// the search cache and flag the root dirty until it is reindexed.
func (m *Manager) WatchIndexed(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}

	m.watchMu.Lock()
	if m.watcher == nil {
		w, werr := NewWatcher(m.logger, m.handleFileChanges)
		if werr != nil {
			m.watchMu.Unlock()
			return werr
		}
		m.watcher = w
	}
	w := m.watcher
	m.watchRoots = append(m.watchRoots, abs)
	m.watchMu.Unlock()

	m.logger.Info().Str("root", abs).Msg("Watching indexed documents")
	return w.Watch(abs)
}

// DirtyRoots returns the watched roots with changes since their last indexing
func (m *Manager) DirtyRoots() []string {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	roots := make([]string, 0, len(m.dirtyRoots))
	for root := range m.dirtyRoots {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots
}

// StopWatching stops the file watcher; dirty flags are kept
func (m *Manager) StopWatching() error {
	m.watchMu.Lock()
	w := m.watcher
	m.watcher = nil
	m.watchRoots = nil
	m.watchMu.Unlock()

	if w == nil {
		return nil
	}
	return w.Stop()
}

func (m *Manager) handleFileChanges(paths []string) {
	m.watchMu.Lock()
	for _, p := range paths {
		for _, root := range m.watchRoots {
			if p == root || strings.HasPrefix(p, root+string(filepath.Separator)) {
				if m.dirtyRoots == nil {
					m.dirtyRoots = make(map[string]struct{})
				}
				m.dirtyRoots[root] = struct{}{}
			}
		}
	}
	m.watchMu.Unlock()

	m.cache.invalidate()
	m.logger.Info().
		Int("files", len(paths)).
		Msg("Indexed documents changed, search cache invalidated")
}

// clearDirty removes root's dirty flag after a successful reindex
func (m *Manager) clearDirty(root string) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return
	}

	m.watchMu.Lock()
	delete(m.dirtyRoots, abs)
	m.watchMu.Unlock()
}
