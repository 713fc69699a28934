package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/oshokin/crx-server/internal/logger"
)

// DefaultDebounce is used when Options.Debounce is not positive.
const DefaultDebounce = 500 * time.Millisecond

var errCallbackRequired = errors.New("change callback must be provided")

// Options configure a Watcher.
type Options struct {
	// Dir is watched recursively.
	Dir string
	// Debounce coalesces bursts of events.
	Debounce time.Duration
	// Ignore lists paths (files or directories) whose events are dropped.
	Ignore []string
	// OnChange runs after a quiet period following a change.
	OnChange func(ctx context.Context) error
}

// Watcher watches a directory tree.
type Watcher struct {
	opts   Options
	ignore []string
	// now is replaced in tests.
	now func() time.Time
}

// New validates opts and returns a Watcher.
func New(opts *Options) (*Watcher, error) {
	if opts.OnChange == nil {
		return nil, errCallbackRequired
	}

	w := &Watcher{
		opts: *opts,
		now:  time.Now,
	}

	if w.opts.Debounce <= 0 {
		w.opts.Debounce = DefaultDebounce
	}

	for _, p := range opts.Ignore {
		if p == "" {
			continue
		}

		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve ignored path: %w", err)
		}

		w.ignore = append(w.ignore, abs)
	}

	return w, nil
}

// Run watches until ctx is cancelled. Callback errors are logged, not returned.
func (w *Watcher) Run(ctx context.Context) error {
	ctx = logger.WithName(ctx, "watcher")

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	defer func() {
		_ = fsw.Close()
	}()

	if err = w.addTree(fsw, w.opts.Dir); err != nil {
		return err
	}

	logger.InfoKV(ctx, "Watching extension directory", "dir", w.opts.Dir, "debounce", w.opts.Debounce)

	timer := time.NewTimer(w.opts.Debounce)
	timer.Stop()

	defer timer.Stop()

	var (
		pending       bool
		suppressUntil time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case watchErr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}

			logger.WarnKV(ctx, "Watcher error", "error", watchErr)
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}

			if !w.relevant(event) || w.now().Before(suppressUntil) {
				continue
			}

			if event.Has(fsnotify.Create) {
				if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
					_ = w.addTree(fsw, event.Name)
				}
			}

			logger.DebugKV(ctx, "Change detected", "path", event.Name, "op", event.Op.String())

			pending = true

			timer.Reset(w.opts.Debounce)
		case <-timer.C:
			if !pending {
				continue
			}

			pending = false

			if cbErr := w.opts.OnChange(ctx); cbErr != nil {
				logger.WarnKV(ctx, "Change callback failed", "error", cbErr)
			}

			suppressUntil = w.now().Add(w.opts.Debounce)
		}
	}
}

// relevant filters out chmod-only events, editor droppings and ignored paths.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}

	base := filepath.Base(event.Name)
	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") || strings.HasPrefix(base, ".#") {
		return false
	}

	return !w.ignored(event.Name)
}

func (w *Watcher) ignored(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}

	for _, p := range w.ignore {
		if abs == p || strings.HasPrefix(abs, p+string(filepath.Separator)) {
			return true
		}
	}

	return false
}

// addTree watches root and every directory below it, skipping VCS and ignored dirs.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, root string) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if !d.IsDir() {
			return nil
		}

		if path != root && (d.Name() == ".git" || w.ignored(path)) {
			return filepath.SkipDir
		}

		return fsw.Add(path)
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}

	return nil
}
