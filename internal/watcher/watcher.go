// Package watcher feeds video files dropped into an inbox folder to a
// handler once they stop changing.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/heimdex/heimdex-clipper/internal/logging"
)

// DefaultDebounce is how long a file must stay quiet before it is handed on.
const DefaultDebounce = 2 * time.Second

// Options configure a Watcher.
type Options struct {
	Debounce time.Duration

	// Filter selects the files to hand on. Nil accepts everything not hidden.
	Filter func(name string) bool

	Logger *slog.Logger
}

// Watcher reports each settled file once per size and modification time.
// Files already in the folder when it starts are ignored.
type Watcher struct {
	dir     string
	handler func(path string)
	opts    Options
	logger  *slog.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	timers  map[string]*time.Timer
	seen    map[string]string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

func New(dir string, handler func(path string), opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{
		dir:     dir,
		handler: handler,
		opts:    opts,
		logger:  logging.WithComponent(opts.Logger, "watcher"),
		timers:  make(map[string]*time.Timer),
		seen:    make(map[string]string),
	}
}

// Start creates the folder if needed and begins watching it. It returns
// once the watch is registered.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return nil
	}

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("create inbox dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.fsw = fsw
	w.cancel = cancel
	w.stopped = false
	w.wg.Add(1)
	go w.loop(ctx, fsw)

	w.logger.Info("watching inbox", "path", logging.SanitizePath(w.dir), "debounce", w.opts.Debounce.String())
	return nil
}

// Stop ends the watch and drops files still settling.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	fsw, cancel := w.fsw, w.cancel
	w.fsw, w.cancel = nil, nil
	w.stopped = true
	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
	w.mu.Unlock()

	if fsw == nil {
		return nil
	}
	cancel()
	err := fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("watcher error", "error", err)
				continue
			}
			w.logger.Warn("watcher event overflow, some files may be missed")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !w.accept(event.Name) {
		return
	}
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		w.arm(event.Name)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.disarm(event.Name)
	}
}

func (w *Watcher) accept(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	if w.opts.Filter != nil {
		return w.opts.Filter(name)
	}
	return true
}

// arm restarts the quiet-period timer for path.
func (w *Watcher) arm(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(w.opts.Debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.opts.Debounce, func() { w.settle(path) })
}

func (w *Watcher) disarm(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
}

// settle hands path on unless the same version was already reported.
func (w *Watcher) settle(path string) {
	w.mu.Lock()
	delete(w.timers, path)
	if w.stopped {
		w.mu.Unlock()
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		w.mu.Unlock()
		return
	}
	version := fmt.Sprintf("%d-%d", info.Size(), info.ModTime().UnixNano())
	if w.seen[path] == version {
		w.mu.Unlock()
		return
	}
	w.seen[path] = version
	w.mu.Unlock()

	w.logger.Info("inbox file ready", "path", logging.SanitizePath(path), "size_bytes", info.Size())
	w.handler(path)
}
