package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/Benny93/notegraph/internal/apperr"
	"github.com/Benny93/notegraph/internal/logging"
	"github.com/Benny93/notegraph/internal/service"
	"github.com/Benny93/notegraph/internal/vault"
)

// DefaultDebounce is the quiet period after the last file event before a
// batch of changes is applied.
const DefaultDebounce = 2 * time.Second

// BatchResult summarizes one applied batch of file changes.
type BatchResult struct {
	Reindexed []string
	Removed   []string
	Failed    int
}

// WatchOptions configures WatchVault.
type WatchOptions struct {
	Debounce time.Duration
	Logger   logrus.FieldLogger

	// OnBatch is called after each applied batch.
	OnBatch func(BatchResult)
}

// Watcher applies vault file changes to the index.
type Watcher struct {
	svc   *service.Service
	store *vault.Store
	log   logrus.FieldLogger
}

// NewWatcher creates a watcher over the notes of store.
func NewWatcher(svc *service.Service, store *vault.Store, log logrus.FieldLogger) *Watcher {
	if log == nil {
		log = logging.Discard()
	}
	return &Watcher{svc: svc, store: store, log: log.WithField("component", "watcher")}
}

// WatchVault monitors the vault for note changes and re-indexes them in
// debounced batches. Blocks until the context is cancelled.
func WatchVault(ctx context.Context, svc *service.Service, store *vault.Store, opts WatchOptions) error {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	w := NewWatcher(svc, store, opts.Logger)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, store.Root()); err != nil {
		return fmt.Errorf("setting up watcher: %w", err)
	}

	changed := make(map[string]bool)
	batchTimer := time.NewTimer(opts.Debounce)
	batchTimer.Stop()

	w.log.WithField("root", store.Root()).Info("watcher.started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(fw, event.Name); err != nil {
						w.log.WithError(err).WithField("dir", event.Name).Warn("watcher.add_dir")
					}
					continue
				}
			}
			if !w.watched(event.Name) {
				continue
			}
			changed[event.Name] = true
			batchTimer.Reset(opts.Debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("watcher.error")

		case <-batchTimer.C:
			if len(changed) == 0 {
				continue
			}
			paths := make([]string, 0, len(changed))
			for p := range changed {
				paths = append(paths, p)
			}
			changed = make(map[string]bool)

			res := w.ProcessChanges(ctx, paths)
			if opts.OnBatch != nil {
				opts.OnBatch(res)
			}
		}
	}
}

// ProcessChanges applies changes of the given absolute note paths. Deleted
// files remove their note; existing files are reloaded and reindexed. A file
// whose frontmatter key changed removes the old key.
func (w *Watcher) ProcessChanges(ctx context.Context, paths []string) BatchResult {
	sort.Strings(paths)
	var res BatchResult

	for _, path := range paths {
		oldKey, known := w.store.KeyForPath(path)

		info, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			if !known {
				continue
			}
			w.store.Forget(path)
			if _, err := w.svc.RemoveNote(ctx, oldKey); err != nil {
				res.Failed++
				w.log.WithError(err).WithField("key", oldKey).Warn("watcher.remove_failed")
				continue
			}
			res.Removed = append(res.Removed, oldKey)
			continue
		}
		if err != nil || info.IsDir() {
			continue
		}

		note, err := w.store.LoadFile(path)
		if err != nil {
			res.Failed++
			w.log.WithError(err).WithField("path", path).Warn("watcher.load_failed")
			continue
		}
		if known && oldKey != note.Key {
			if _, err := w.svc.RemoveNote(ctx, oldKey); err != nil {
				res.Failed++
				w.log.WithError(err).WithField("key", oldKey).Warn("watcher.remove_failed")
			} else {
				res.Removed = append(res.Removed, oldKey)
			}
		}

		r, err := w.svc.ReindexNote(ctx, note.Key, false)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			res.Failed++
			w.log.WithError(err).WithField("key", note.Key).Warn("watcher.reindex_failed")
			continue
		}
		if r != nil && !r.Skipped {
			res.Reindexed = append(res.Reindexed, note.Key)
		}
	}

	w.log.WithFields(logrus.Fields{
		"reindexed": len(res.Reindexed),
		"removed":   len(res.Removed),
		"failed":    res.Failed,
	}).Info("watcher.batch")
	return res
}

// watched reports whether path is a note file not excluded by the vault's
// ignore rules.
func (w *Watcher) watched(path string) bool {
	if !vault.IsNoteFile(path) {
		return false
	}
	rel, err := filepath.Rel(w.store.Root(), path)
	if err != nil {
		return false
	}
	return !vault.Ignored(rel, false, w.store.Patterns())
}

// addTree watches dir and every non-ignored directory below it.
func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	root := w.store.Root()
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			if vault.Ignored(rel, true, w.store.Patterns()) {
				return filepath.SkipDir
			}
		}
		return fw.Add(path)
	})
}
