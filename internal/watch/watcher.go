// Package watch reports changes under a workspace directory so observers
// can refresh the content they display.
package watch

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/sessionbridge/internal/logging"
)

// DefaultDebounce is the quiet period after the last change before
// listeners are notified.
const DefaultDebounce = 200 * time.Millisecond

// DefaultIgnore are the glob patterns skipped when no others are given.
var DefaultIgnore = []string{"**/.git/**", "**/node_modules/**", "**/*.tmp", "**/*.swp"}

// NotifyFunc receives the slash separated paths, relative to the watched
// root, that changed during one debounce window.
type NotifyFunc func(paths []string)

// Options configures a Watcher.
type Options struct {
	Ignore   []string
	Debounce time.Duration
}

// Watcher watches a directory tree and reports batched changes.
type Watcher struct {
	watcher  *fsnotify.Watcher
	root     string
	ignore   []string
	debounce time.Duration
	notify   NotifyFunc
	log      zerolog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	mu      sync.Mutex
}

// NewWatcher creates a watcher for every directory under root that is not
// ignored.
func NewWatcher(root string, opts Options, notify NotifyFunc) (*Watcher, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Ignore == nil {
		opts.Ignore = DefaultIgnore
	}
	for _, pattern := range opts.Ignore {
		if !doublestar.ValidatePattern(pattern) {
			return nil, &InvalidPatternError{Pattern: pattern}
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fw,
		root:     root,
		ignore:   opts.Ignore,
		debounce: opts.Debounce,
		notify:   notify,
		log:      logging.Component("watch").With().Str("root", root).Logger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, err
	}
	w.log.Info().Int("directories", len(fw.WatchList())).Msg("content watcher initialized")
	return w, nil
}

// InvalidPatternError reports a malformed ignore glob.
type InvalidPatternError struct {
	Pattern string
}

func (e *InvalidPatternError) Error() string {
	return "invalid ignore pattern: " + e.Pattern
}

// addTree adds dir and every non-ignored directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && w.ignored(w.rel(p)) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			w.log.Warn().Err(err).Str("dir", p).Msg("cannot watch directory")
		}
		return nil
	})
}

func (w *Watcher) rel(p string) string {
	rel, err := filepath.Rel(w.root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}

// ignored reports whether rel matches an ignore pattern. A pattern ending
// in /** also matches the directory itself.
func (w *Watcher) ignored(rel string) bool {
	for _, pattern := range w.ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if dir, found := strings.CutSuffix(pattern, "/**"); found {
			if ok, _ := doublestar.Match(dir, rel); ok {
				return true
			}
		}
	}
	return false
}

// Start begins delivering change notifications.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			rel := w.rel(ev.Name)
			if w.ignored(rel) {
				continue
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						w.log.Debug().Err(err).Str("dir", ev.Name).Msg("new directory vanished")
					}
				}
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			pending[rel] = struct{}{}
			timer.Reset(w.debounce)
		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, path.Clean(p))
			}
			sort.Strings(paths)
			pending = make(map[string]struct{})
			w.log.Debug().Strs("paths", paths).Msg("content changed")
			w.notify(paths)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("content watcher error")
		}
	}
}

// Root returns the absolute watched directory.
func (w *Watcher) Root() string {
	return w.root
}

// Stop stops the watcher and releases its resources.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}

	if started {
		<-w.doneCh
	}
	return w.watcher.Close()
}
