package main

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of fsnotify events an editor save or
// git checkout produces into a single re-compile.
const reloadDebounce = 500 * time.Millisecond

// watchAndReload watches both realms' config roots and triggers a rebuild
// when policy, rulebook, signal, or action files change. A reload is always
// a full re-compile followed by an atomic swap — compiled modules are never
// patched in place.
func (e *engineHolder) watchAndReload(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	roots, err := e.watchPaths()
	if err != nil {
		watcher.Close()
		return err
	}
	for _, root := range roots {
		if err := addRecursive(watcher, root); err != nil {
			watcher.Close()
			return err
		}
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		var timerC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !relevant(event) {
					continue
				}
				// New subdirectories need their own watch to catch files
				// created inside them later.
				if event.Op.Has(fsnotify.Create) {
					addRecursive(watcher, event.Name) //nolint:errcheck
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
					timerC = timer.C
				} else {
					timer.Reset(reloadDebounce)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("filesystem watch error", "err", err)

			case <-timerC:
				timer = nil
				timerC = nil
				slog.Info("config change detected, recompiling policies")
				if err := e.rebuild(ctx); err != nil {
					slog.Error("reload failed, keeping previous engine", "err", err)
					continue
				}
				slog.Info("engine reloaded")
			}
		}
	}()
	return nil
}

// relevant filters out noise the reload doesn't care about: editor swap
// and backup files (*.swp, *~) and the trust manifest (re-sealed by the
// engine itself, not an authored input).
func relevant(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename) {
		return false
	}
	base := filepath.Base(event.Name)
	if base == ".trust" || strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, "~") {
		return false
	}
	return true
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return watcher.Add(path)
	})
}
