package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jgivc/resyncserver/internal/util"
)

const (
	defaultDebounce = 2 * time.Second
	maxBatch        = 1024
)

// ChangeHandler receives the changed paths once the debounce window has passed.
type ChangeHandler func(ctx context.Context, paths []string)

type Config struct {
	Root     string
	Ignore   []string // Absolute directories whose changes are ignored
	Debounce time.Duration
}

// Watcher watches a directory tree and reports batches of changes.
type Watcher struct {
	cfg     Config
	watcher *fsnotify.Watcher
	handler ChangeHandler
	log     *slog.Logger
}

func New(cfg Config, handler ChangeHandler, log *slog.Logger) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}

	cfg.Root = filepath.Clean(cfg.Root)
	for i := range cfg.Ignore {
		cfg.Ignore[i] = filepath.Clean(cfg.Ignore[i])
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("cannot create watcher: %w", err)
	}

	w := &Watcher{
		cfg:     cfg,
		watcher: fw,
		handler: handler,
		log:     log.With(slog.String("item", "Watcher")),
	}

	if err := w.addRecursive(cfg.Root); err != nil {
		fw.Close()

		return nil, fmt.Errorf("cannot watch %s: %w", cfg.Root, err)
	}

	return w, nil
}

// Run processes events until ctx is done. Pending changes are dropped on exit.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	w.log.Info("Start watching", slog.String("root", w.cfg.Root), slog.Duration("debounce", w.cfg.Debounce))

	var (
		batch  = make(map[string]struct{})
		timer  *time.Timer
		timerC <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}

			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}

			if w.shouldIgnore(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						w.log.Error("Cannot watch new directory", slog.String("path", event.Name), slog.Any("error", err))
					}
				}
			}

			if len(batch) < maxBatch {
				batch[event.Name] = struct{}{}
			}

			if timer == nil {
				timer = time.NewTimer(w.cfg.Debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.cfg.Debounce)
			}
		case <-timerC:
			paths := make([]string, 0, len(batch))
			for path := range batch {
				paths = append(paths, path)
			}
			clear(batch)
			timer, timerC = nil, nil

			w.log.Debug("Changes detected", slog.Int("path_count", len(paths)))
			w.handler(ctx, paths)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}

			w.log.Error("Watcher error", slog.Any("error", err))
		}
	}
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}

			return nil
		}

		if !d.IsDir() {
			return nil
		}

		if path != w.cfg.Root && w.shouldIgnore(path) {
			return filepath.SkipDir
		}

		return w.watcher.Add(path)
	})
}

func (w *Watcher) shouldIgnore(path string) bool {
	path = filepath.Clean(path)

	if util.IsTempFile(filepath.Base(path)) {
		return true
	}

	if rel, err := filepath.Rel(w.cfg.Root, path); err == nil && rel != "." {
		for _, segment := range strings.Split(rel, string(filepath.Separator)) {
			if strings.HasPrefix(segment, ".") && segment != ".." {
				return true
			}
		}
	}

	for _, dir := range w.cfg.Ignore {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}

	return false
}
