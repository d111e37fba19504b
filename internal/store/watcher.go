package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/satishbabariya/meshsync/internal/protocol"
	"github.com/sirupsen/logrus"
)

const settleInterval = 500 * time.Millisecond

// Watcher reports files created or modified under the data directory.
// Events are coalesced so a file being written is reported once it settles.
type Watcher struct {
	store    *FileStore
	onChange func(protocol.FileDescriptor)
	logger   *logrus.Entry
}

func NewWatcher(store *FileStore, onChange func(protocol.FileDescriptor), logger *logrus.Entry) *Watcher {
	return &Watcher{
		store:    store,
		onChange: onChange,
		logger:   logger,
	}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.store.DataDir()); err != nil {
		return err
	}
	w.logger.WithField("path", w.store.DataDir()).Info("Watching data directory")

	ticker := time.NewTicker(settleInterval)
	defer ticker.Stop()

	dirty := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fw, event, dirty)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Error("File watcher error")

		case now := <-ticker.C:
			w.flush(now, dirty)
		}
	}
}

func (w *Watcher) handleEvent(fw *fsnotify.Watcher, event fsnotify.Event, dirty map[string]time.Time) {
	if w.store.Ignored(event.Name) {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(fw, event.Name); err != nil {
				w.logger.WithError(err).WithField("path", event.Name).Warn("Failed to watch new directory")
			}
			return
		}
	}

	w.logger.WithFields(logrus.Fields{
		"file": event.Name,
		"op":   event.Op.String(),
	}).Debug("File system event detected")
	dirty[event.Name] = time.Now()
}

func (w *Watcher) flush(now time.Time, dirty map[string]time.Time) {
	for name, last := range dirty {
		if now.Sub(last) < settleInterval {
			continue
		}
		delete(dirty, name)

		rel, err := filepath.Rel(w.store.DataDir(), name)
		if err != nil {
			continue
		}
		fd, err := w.store.Describe(filepath.ToSlash(rel))
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				w.logger.WithError(err).WithField("file", name).Warn("Failed to describe changed file")
			}
			continue
		}
		w.onChange(fd)
	}
}

// addTree watches dir and every non-ignored directory below it. Files
// already present in new directories are reported as changed by the next
// sync pass.
func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.store.DataDir() && w.store.Ignored(path) {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}
