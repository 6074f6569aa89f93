// Package watcher turns filesystem events under the watch directory into
// pipeline runs, one goroutine per settled file.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/rtg-microscopy/mingest/internal/imaging"
	"github.com/rtg-microscopy/mingest/internal/model"
	"github.com/rtg-microscopy/mingest/internal/pipeline"
)

// Ingester runs one file through the pipeline.
type Ingester interface {
	Ingest(ctx context.Context, path string) (*model.ExperimentRecord, error)
}

// Config controls what is watched and how files are dispatched.
type Config struct {
	Root       string
	Extensions []string
	// Settle is how long a file's size must stay unchanged before it is
	// dispatched. Zero dispatches on the first event.
	Settle time.Duration
	// ScanExisting dispatches files already present at startup.
	ScanExisting bool
	// MaxConcurrency bounds concurrent Ingest calls.
	MaxConcurrency int
	// Exclude lists directories never watched, such as the output root.
	Exclude []string
}

type pendingFile struct {
	timer *time.Timer
	size  int64
}

// Watcher is a recursive fsnotify watch over Config.Root.
type Watcher struct {
	cfg      Config
	ingester Ingester
	fsw      *fsnotify.Watcher
	sem      *semaphore.Weighted
	log      *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingFile
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Watcher. Nothing is watched until Run.
func New(cfg Config, ing Ingester) (*Watcher, error) {
	if cfg.Root == "" {
		return nil, eris.New("watcher: root is required")
	}
	if len(cfg.Extensions) == 0 {
		return nil, eris.New("watcher: at least one extension is required")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, eris.Wrap(err, "watcher: resolve root")
	}
	cfg.Root = root
	excl := make([]string, len(cfg.Exclude))
	for i, ex := range cfg.Exclude {
		excl[i] = ex
		if abs, err := filepath.Abs(ex); err == nil {
			excl[i] = abs
		}
	}
	cfg.Exclude = excl

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, eris.Wrap(err, "watcher: create fsnotify watcher")
	}
	return &Watcher{
		cfg:      cfg,
		ingester: ing,
		fsw:      fsw,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		log:      zap.L().With(zap.String("component", "watcher")),
		pending:  make(map[string]*pendingFile),
	}, nil
}

// Run watches until ctx is done, then waits for dispatched runs to return.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.shutdown()

	if err := w.addTree(ctx, w.cfg.Root, w.cfg.ScanExisting); err != nil {
		return err
	}
	w.log.Info("watcher: watching",
		zap.String("root", w.cfg.Root),
		zap.Strings("extensions", w.cfg.Extensions),
		zap.Duration("settle", w.cfg.Settle),
		zap.Int("max_concurrency", w.cfg.MaxConcurrency),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher: fsnotify error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			// Files may land before the new directory is watched.
			if err := w.addTree(ctx, ev.Name, true); err != nil {
				w.log.Warn("watcher: cannot watch new directory", zap.String("dir", ev.Name), zap.Error(err))
			}
			return
		}
		w.schedule(ctx, ev.Name)
	case ev.Has(fsnotify.Write):
		w.schedule(ctx, ev.Name)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.cancel(ev.Name)
	}
}

// addTree watches dir and every directory below it. With scan set, files
// already present are scheduled.
func (w *Watcher) addTree(ctx context.Context, dir string, scan bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return eris.Wrapf(err, "watcher: walk %s", dir)
			}
			return nil
		}
		if d.IsDir() {
			if w.excluded(path) {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(path); err != nil {
				return eris.Wrapf(err, "watcher: watch %s", path)
			}
			return nil
		}
		if scan {
			w.schedule(ctx, path)
		}
		return nil
	})
}

func (w *Watcher) excluded(dir string) bool {
	for _, ex := range w.cfg.Exclude {
		if dir == ex || strings.HasPrefix(dir, ex+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Matches reports whether name carries a configured extension.
func (w *Watcher) Matches(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	_, ok := imaging.MatchExtension(base, w.cfg.Extensions)
	return ok
}

// schedule starts or extends the settle window for path.
func (w *Watcher) schedule(ctx context.Context, path string) {
	if !w.Matches(path) || w.excluded(filepath.Dir(path)) {
		return
	}
	if w.cfg.Settle <= 0 {
		w.dispatch(ctx, path)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if p, ok := w.pending[path]; ok {
		p.timer.Reset(w.cfg.Settle)
		return
	}
	p := &pendingFile{size: fileSize(path)}
	p.timer = time.AfterFunc(w.cfg.Settle, func() { w.settled(ctx, path) })
	w.pending[path] = p
}

// settled runs when path has seen no events for one settle window. The
// size is compared as well because some writers do not emit an event per
// write.
func (w *Watcher) settled(ctx context.Context, path string) {
	w.mu.Lock()
	p, ok := w.pending[path]
	if !ok || w.closed {
		w.mu.Unlock()
		return
	}
	size := fileSize(path)
	if size < 0 {
		delete(w.pending, path)
		w.mu.Unlock()
		return
	}
	if size != p.size {
		p.size = size
		p.timer.Reset(w.cfg.Settle)
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.mu.Unlock()

	w.dispatch(ctx, path)
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pending[path]; ok {
		p.timer.Stop()
		delete(w.pending, path)
	}
}

// dispatch hands path to its own goroutine. The goroutine waits on the
// semaphore, so the event loop never blocks.
func (w *Watcher) dispatch(ctx context.Context, path string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("watcher: ingest panicked",
					zap.String("path", path),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer w.sem.Release(1)

		rec, err := w.ingester.Ingest(ctx, path)
		switch {
		case err == nil:
			w.log.Info("watcher: file ingested",
				zap.String("path", path),
				zap.String("experiment_id", rec.ID),
			)
		case errors.Is(err, pipeline.ErrDuplicateSkipped):
			w.log.Debug("watcher: duplicate event skipped", zap.String("path", path))
		default:
			// The pipeline has already recorded and logged the failure.
			w.log.Debug("watcher: ingest failed", zap.String("path", path), zap.Error(err))
		}
	}()
}

func (w *Watcher) shutdown() {
	w.mu.Lock()
	w.closed = true
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	w.fsw.Close() //nolint:errcheck
	w.wg.Wait()
	w.log.Info("watcher: stopped")
}

// fileSize returns the size of path, or -1 if it cannot be read.
func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return info.Size()
}
