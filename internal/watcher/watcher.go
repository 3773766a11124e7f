package watcher

import (
	"context"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/observability"
	"github.com/your-org/presence/internal/vision"
)

// Roster is the slice of the enrollment service the watcher drives.
// RestoreLabel maps an upload filename back to the enrolled spelling of
// its label.
type Roster interface {
	EnrollLocal(ctx context.Context, label string, img image.Image, localPath string) (models.Identity, error)
	Delete(ctx context.Context, label string) error
	RestoreLabel(ctx context.Context, filename string) string
}

// IndexRepo persists file modification times between restarts so a
// clean start does not re-enroll every file.
type IndexRepo interface {
	WatchIndex(ctx context.Context) (map[string]int64, error)
	SaveWatchEntry(ctx context.Context, path string, mtime int64) error
	DeleteWatchEntries(ctx context.Context, paths []string) error
}

// Watcher reconciles a local upload directory with the roster: new or
// changed image files are enrolled under the label restored from their
// filename, vanished files drop their roster entry.
type Watcher struct {
	dir      string
	interval time.Duration
	roster   Roster
	repo     IndexRepo
	notify   func(event string)

	mu    sync.Mutex
	index map[string]int64

	done chan struct{}
	once sync.Once
}

// New builds a watcher over dir. notify may be nil.
func New(dir string, interval time.Duration, r Roster, repo IndexRepo, notify func(event string)) *Watcher {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Watcher{
		dir:      dir,
		interval: interval,
		roster:   r,
		repo:     repo,
		notify:   notify,
		index:    make(map[string]int64),
		done:     make(chan struct{}),
	}
}

// Run scans on a fixed interval until ctx is canceled. Filesystem
// events wake the loop early; they are only a hint, the scan itself is
// authoritative. Run returns once the final scan in progress finishes.
func (w *Watcher) Run(ctx context.Context) {
	defer w.once.Do(func() { close(w.done) })

	if idx, err := w.repo.WatchIndex(ctx); err != nil {
		slog.Warn("load watch index", "error", err)
	} else {
		w.mu.Lock()
		w.index = idx
		w.mu.Unlock()
	}

	var events chan fsnotify.Event
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("fsnotify unavailable, falling back to polling", "error", err)
	} else {
		defer fsw.Close()
		if err := fsw.Add(w.dir); err != nil {
			slog.Warn("watch upload dir", "dir", w.dir, "error", err)
		} else {
			events = make(chan fsnotify.Event, 16)
			go forwardEvents(fsw, events)
		}
	}

	w.scan(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan(ctx)
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			drainEvents(events)
			w.scan(ctx)
		}
	}
}

// Done is closed once Run has returned.
func (w *Watcher) Done() <-chan struct{} { return w.done }

func forwardEvents(fsw *fsnotify.Watcher, out chan<- fsnotify.Event) {
	defer close(out)
	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			select {
			case out <- ev:
			default:
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("fsnotify error", "error", err)
		}
	}
}

func drainEvents(events <-chan fsnotify.Event) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}

// scan diffs the directory against the persisted index and applies the
// changes.
func (w *Watcher) scan(ctx context.Context) {
	observability.WatcherScans.Inc()

	files, err := listImageFiles(w.dir)
	if err != nil {
		slog.Warn("scan upload dir", "dir", w.dir, "error", err)
		return
	}

	w.mu.Lock()
	index := make(map[string]int64, len(w.index))
	for p, m := range w.index {
		index[p] = m
	}
	w.mu.Unlock()

	changed, removed := diffIndex(index, files)
	if len(changed) == 0 && len(removed) == 0 {
		return
	}

	dirty := false
	for _, path := range changed {
		if err := w.enrollFile(ctx, path); err != nil {
			slog.Warn("enroll upload", "path", path, "error", err)
			continue
		}
		index[path] = files[path]
		if err := w.repo.SaveWatchEntry(ctx, path, files[path]); err != nil {
			slog.Warn("save watch entry", "path", path, "error", err)
		}
		dirty = true
	}

	if len(removed) > 0 {
		for _, path := range removed {
			label := w.roster.RestoreLabel(ctx, filepath.Base(path))
			if err := w.roster.Delete(ctx, label); err != nil {
				slog.Warn("drop vanished upload", "path", path, "label", label, "error", err)
			}
			delete(index, path)
			dirty = true
		}
		if err := w.repo.DeleteWatchEntries(ctx, removed); err != nil {
			slog.Warn("delete watch entries", "error", err)
		}
	}

	w.mu.Lock()
	w.index = index
	w.mu.Unlock()

	if dirty && w.notify != nil {
		w.notify("db_update")
	}
}

func (w *Watcher) enrollFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	img, err := vision.DecodeImage(data)
	if err != nil {
		return err
	}
	label := w.roster.RestoreLabel(ctx, filepath.Base(path))
	_, err = w.roster.EnrollLocal(ctx, label, img, path)
	return err
}

// listImageFiles maps image paths under dir to their mtimes (unix
// seconds).
func listImageFiles(dir string) (map[string]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]int64{}, nil
		}
		return nil, err
	}

	files := make(map[string]int64, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isImageName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files[filepath.Join(dir, e.Name())] = info.ModTime().Unix()
	}
	return files, nil
}

func isImageName(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// diffIndex compares the persisted index with the current directory
// listing. changed holds new or modified paths, removed holds indexed
// paths whose file is gone. Both are sorted for deterministic
// processing.
func diffIndex(index, files map[string]int64) (changed, removed []string) {
	for path, mtime := range files {
		if index[path] != mtime {
			changed = append(changed, path)
		}
	}
	for path := range index {
		if _, ok := files[path]; !ok {
			removed = append(removed, path)
		}
	}
	sort.Strings(changed)
	sort.Strings(removed)
	return changed, removed
}
