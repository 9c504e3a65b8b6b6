package diffstream

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
)

var skippedDirNames = map[string]bool{
	".git":         true,
	"node_modules": true,
	".next":        true,
	"dist":         true,
	"build":        true,
}

// pathWatcher recursively watches a worktree directory and delivers batches
// of changed relative paths after a debounce period of quiet. Registration
// blocks on the platform watcher API, so callers run it on its own
// goroutine.
type pathWatcher struct {
	root    string
	debounce time.Duration
	logger  *logger.Logger

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]bool
}

func newPathWatcher(root string, debounce time.Duration, log *logger.Logger) (*pathWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	pw := &pathWatcher{root: root, debounce: debounce, logger: log, watcher: w, pending: make(map[string]bool)}
	if err := pw.addRecursive(root); err != nil {
		w.Close()
		return nil, err
	}
	return pw, nil
}

func (pw *pathWatcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skippedDirNames[d.Name()] {
				return filepath.SkipDir
			}
			if addErr := pw.watcher.Add(path); addErr != nil {
				pw.logger.Debug("failed to watch directory", zap.String("path", path), zap.Error(addErr))
			}
		}
		return nil
	})
}

func (pw *pathWatcher) close() {
	pw.watcher.Close()
}

// run emits a batch of changed relative paths to out after each debounce
// quiet period, until ctx is cancelled or the watcher errors.
func (pw *pathWatcher) run(ctx context.Context, out chan<- []string, errs chan<- error) {
	defer close(out)

	var debounceTimer *time.Timer
	var debounceC <-chan time.Time

	resetTimer := func() {
		if debounceTimer == nil {
			debounceTimer = time.NewTimer(pw.debounce)
		} else {
			if !debounceTimer.Stop() {
				select {
				case <-debounceTimer.C:
				default:
				}
			}
			debounceTimer.Reset(pw.debounce)
		}
		debounceC = debounceTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			if event.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := pw.addRecursive(event.Name); err != nil {
						pw.logger.Debug("failed to watch new directory", zap.String("path", event.Name), zap.Error(err))
					}
				}
			}
			rel, err := filepath.Rel(pw.root, event.Name)
			if err != nil {
				rel = event.Name
			}
			pw.mu.Lock()
			pw.pending[rel] = true
			pw.mu.Unlock()
			resetTimer()

		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case errs <- err:
			case <-ctx.Done():
				return
			}

		case <-debounceC:
			pw.mu.Lock()
			paths := make([]string, 0, len(pw.pending))
			for p := range pw.pending {
				paths = append(paths, p)
			}
			pw.pending = make(map[string]bool)
			pw.mu.Unlock()
			debounceC = nil
			debounceTimer = nil
			if len(paths) == 0 {
				continue
			}
			select {
			case out <- paths:
			case <-ctx.Done():
				return
			}
		}
	}
}
