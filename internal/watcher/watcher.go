// Package watcher runs the hands-free ingest path: it watches an inbox
// directory for arriving image files, waits for writes to settle, and
// feeds batches through the import engine.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/vonshlovens/picarchive/internal/config"
	"github.com/vonshlovens/picarchive/internal/importer"
	"github.com/vonshlovens/picarchive/internal/store"
)

// Importer is the batch ingest surface the inbox needs. Satisfied by
// importer.Engine; faked in tests.
type Importer interface {
	Run(ctx context.Context, opts importer.Options) ([]store.Record, error)
}

// Inbox monitors a directory and imports image files dropped into it.
// Imported files are moved out of the inbox, so the directory drains as
// the gallery grows.
type Inbox struct {
	dir       string
	ignore    []string
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	importer  Importer
}

// NewInbox creates an inbox watcher from config. The inbox directory is
// created if missing.
func NewInbox(cfg *config.Config, imp Importer) (*Inbox, error) {
	if cfg.Import.InboxDir == "" {
		return nil, errors.New("no inbox directory configured (set import.inbox_dir)")
	}
	if err := os.MkdirAll(cfg.Import.InboxDir, 0755); err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Inbox{
		dir:       cfg.Import.InboxDir,
		ignore:    cfg.Import.IgnorePatterns,
		watcher:   fsWatcher,
		debouncer: NewDebouncer(cfg.Import.DebounceMs),
		importer:  imp,
	}, nil
}

// Run imports anything already sitting in the inbox, then watches until
// the context is cancelled.
func (in *Inbox) Run(ctx context.Context) error {
	if err := in.addRecursive(in.dir); err != nil {
		return err
	}
	defer in.watcher.Close()
	defer in.debouncer.Stop()

	in.drainExisting(ctx)

	slog.Info("inbox watcher started", "dir", in.dir)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-in.watcher.Events:
			if !ok {
				return nil
			}
			in.handleEvent(event)

		case path, ok := <-in.debouncer.Settled():
			if !ok {
				return nil
			}
			in.importBatch(ctx, in.collectBatch(path))

		case err, ok := <-in.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("watch error", "error", err)
		}
	}
}

// drainExisting imports files that were already in the inbox before the
// watch started.
func (in *Inbox) drainExisting(ctx context.Context) {
	var pending []string
	filepath.WalkDir(in.dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return nil
		}
		if in.wanted(path) {
			pending = append(pending, path)
		}
		return nil
	})
	in.importBatch(ctx, pending)
}

func (in *Inbox) handleEvent(event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := in.addRecursive(event.Name); err != nil {
				slog.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
			return
		}
		if in.wanted(event.Name) {
			in.debouncer.Touch(event.Name)
		}

	case event.Has(fsnotify.Write):
		if in.wanted(event.Name) {
			in.debouncer.Touch(event.Name)
		}

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		in.debouncer.Cancel(event.Name)
	}
}

// collectBatch folds any other already-settled paths into one import so a
// burst of drops becomes a single batch.
func (in *Inbox) collectBatch(first string) []string {
	batch := []string{first}
	for {
		select {
		case path, ok := <-in.debouncer.Settled():
			if !ok {
				return batch
			}
			batch = append(batch, path)
		default:
			return batch
		}
	}
}

func (in *Inbox) importBatch(ctx context.Context, paths []string) {
	if len(paths) == 0 {
		return
	}
	// Inbox imports always move: the inbox is a staging area, not storage.
	records, err := in.importer.Run(ctx, importer.Options{Inputs: paths})
	if err != nil {
		slog.Error("inbox import failed", "files", len(paths), "error", err)
		return
	}
	slog.Info("inbox import completed", "imported", len(records))
}

// wanted filters inbox entries: image files that match no ignore pattern.
func (in *Inbox) wanted(path string) bool {
	rel, err := filepath.Rel(in.dir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range in.ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return false
		}
		if ok, _ := doublestar.Match(pattern, filepath.Base(path)); ok {
			return false
		}
	}
	return importer.IsImageFile(path)
}

// addRecursive watches dir and every subdirectory under it.
func (in *Inbox) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			slog.Warn("error walking inbox", "path", path, "error", err)
			return nil
		}
		if entry.IsDir() {
			if err := in.watcher.Add(path); err != nil {
				slog.Warn("failed to watch directory", "path", path, "error", err)
			}
		}
		return nil
	})
}
