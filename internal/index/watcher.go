package index

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/docfleet/internal/logfields"
)

// Watcher rescans index files shortly after they change.
type Watcher struct {
	reader   *Reader
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	kick    chan struct{}
}

// NewWatcher creates a watcher over every directory of the reader's root.
func NewWatcher(reader *Reader, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w := &Watcher{
		reader:   reader,
		watcher:  fw,
		debounce: debounce,
		pending:  map[string]struct{}{},
		kick:     make(chan struct{}, 1),
	}
	if err := w.addTree(reader.root, false); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

// Run processes events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()
	slog.InfoContext(ctx, "Watching package index", logfields.Path(w.reader.root))

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case <-w.kick:
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C
		case <-fire:
			fire = nil
			w.flush(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.ErrorContext(ctx, "Index watcher error", logfields.Error(err))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name, true); err != nil {
				slog.Warn("Could not watch new index directory", logfields.Path(ev.Name), logfields.Error(err))
			}
			return
		}
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return
	}
	if !isPackageFile(w.reader.root, ev.Name) {
		return
	}
	w.mu.Lock()
	w.pending[ev.Name] = struct{}{}
	w.mu.Unlock()
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = map[string]struct{}{}
	w.mu.Unlock()

	var total ScanResult
	for _, p := range paths {
		res, err := w.reader.ScanFile(ctx, p)
		if err != nil {
			slog.ErrorContext(ctx, "Index rescan failed", logfields.Path(p), logfields.Error(err))
			continue
		}
		total.add(res)
	}
	if total.New > 0 {
		slog.InfoContext(ctx, "Index change recorded", slog.Int("files", total.Files), slog.Int("new", total.New))
	}
}

// addTree watches root and its directories. With queueFiles, files already
// present are queued for a rescan.
func (w *Watcher) addTree(root string, queueFiles bool) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			if queueFiles {
				w.handle(fsnotify.Event{Name: path, Op: fsnotify.Create})
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != w.reader.root {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}
