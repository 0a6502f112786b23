package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lambdev/lambdev/internal/config"
	"github.com/lambdev/lambdev/internal/logger"
)

// ChangeCoordinator watches the project tree and converts file change
// bursts into per-function restart triggers. Each function debounces
// independently so touching shared code restarts every affected function
// exactly once per burst.
type ChangeCoordinator struct {
	cfg    *config.ResolvedConfig
	log    *logger.Logger
	sup    *Supervisor
	ignore *ignoreMatcher

	mu       sync.Mutex
	timers   map[string]*time.Timer
	disabled bool
}

func NewChangeCoordinator(cfg *config.ResolvedConfig, log *logger.Logger, sup *Supervisor) *ChangeCoordinator {
	return &ChangeCoordinator{
		cfg:    cfg,
		log:    log,
		sup:    sup,
		ignore: newIgnoreMatcher(cfg.ProjectBase, cfg.IgnorePatterns),
		timers: make(map[string]*time.Timer),
	}
}

// Run watches until the context ends. With change watching disabled it
// returns immediately and functions only rebuild on demand.
func (w *ChangeCoordinator) Run(ctx context.Context) error {
	if w.cfg.IgnoreChanges {
		w.log.Info("file watching disabled, functions rebuild on demand only")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := w.addRecursive(watcher, w.cfg.ProjectBase); err != nil {
		return err
	}
	w.log.Info("watching %s for changes", w.cfg.ProjectBase)

	for {
		select {
		case <-ctx.Done():
			w.cancelTimers()
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warning("watch error: %v", err)
		}
	}
}

// addRecursive registers path and every non-ignored directory beneath it.
func (w *ChangeCoordinator) addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignore.IgnoresDir(path) {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			w.log.Debug("cannot watch %s: %v", path, err)
		}
		return nil
	})
}

func (w *ChangeCoordinator) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return
	}
	if isTransientFile(event.Name) || w.ignore.Ignores(event.Name) {
		return
	}

	// New directories join the watch so nested changes are not missed.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !w.ignore.IgnoresDir(event.Name) {
				_ = w.addRecursive(watcher, event.Name)
			}
			return
		}
	}

	affected := w.affectedFunctions(event.Name)
	if len(affected) == 0 {
		return
	}
	w.log.Debug("change detected at %s, affects %s", event.Name, strings.Join(affected, ", "))
	for _, name := range affected {
		w.scheduleRestart(name)
	}
}

// affectedFunctions maps a changed path to the functions watching it. A
// function with no watch paths is affected by every change.
func (w *ChangeCoordinator) affectedFunctions(path string) []string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	var affected []string
	for _, fn := range w.cfg.Functions {
		if len(fn.WatchPaths) == 0 {
			affected = append(affected, fn.Name)
			continue
		}
		for _, wp := range fn.WatchPaths {
			root := wp
			if !filepath.IsAbs(root) {
				root = filepath.Join(w.cfg.ProjectBase, root)
			}
			if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
				affected = append(affected, fn.Name)
				break
			}
		}
	}
	return affected
}

// scheduleRestart arms or extends the function's debounce window. The
// restart fires once, after the window closes with no further changes.
func (w *ChangeCoordinator) scheduleRestart(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.disabled {
		return
	}
	if timer, ok := w.timers[name]; ok {
		timer.Reset(w.cfg.Debounce)
		return
	}
	w.timers[name] = time.AfterFunc(w.cfg.Debounce, func() {
		w.mu.Lock()
		delete(w.timers, name)
		w.mu.Unlock()
		w.log.Info("rebuilding %s after file changes", name)
		w.sup.Restart(name)
	})
}

func (w *ChangeCoordinator) cancelTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.disabled = true
	for name, timer := range w.timers {
		timer.Stop()
		delete(w.timers, name)
	}
}
